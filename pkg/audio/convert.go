package audio

import (
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
)

// Format is the sample rate and channel count of a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a label such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Of returns the format of frame.
func Of(frame AudioFrame) Format {
	return Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
}

// FormatConverter brings frames from a source into the format the
// recognizers expect. The first mismatch and the first misaligned frame are
// logged once each. Use one converter per source.
type FormatConverter struct {
	Target Format

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format, keeping Index and Timestamp.
// A frame already in the target format is returned as-is without copying. A
// frame whose byte length does not divide into whole samples is replaced by
// an empty frame.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	from := Of(frame)
	out := frame
	out.SampleRate, out.Channels = c.Target.SampleRate, c.Target.Channels

	if from.Channels > 0 && len(frame.Data)%(BytesPerSample*from.Channels) != 0 {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM, dropping frame",
				"bytes", len(frame.Data), "format", from.String())
		})
		out.Data = nil
		return out
	}
	if from == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Warn("audio: converting source format",
			"from", from.String(), "to", c.Target.String())
	})

	s := decode(frame.Data)
	s = remix(s, from.Channels, c.Target.Channels)
	if from.SampleRate != c.Target.SampleRate {
		s = resampleInterleaved(s, c.Target.Channels, from.SampleRate, c.Target.SampleRate)
	}
	out.Data = encode(s)
	return out
}

// ─── PCM helpers ─────────────────────────────────────────────────────────────

// samples yields the int16 values of little-endian PCM. A trailing odd byte
// is ignored.
func samples(pcm []byte) iter.Seq2[int, int16] {
	return func(yield func(int, int16) bool) {
		for i := 0; i+1 < len(pcm); i += BytesPerSample {
			if !yield(i/BytesPerSample, int16(binary.LittleEndian.Uint16(pcm[i:]))) {
				return
			}
		}
	}
}

func decode(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i, v := range samples(pcm) {
		out[i] = v
	}
	return out
}

func encode(s []int16) []byte {
	out := make([]byte, len(s)*BytesPerSample)
	for i, v := range s {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// remix converts interleaved samples between channel counts. Down-mixing
// averages; up-mixing copies the mono signal to every output channel.
func remix(s []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to {
		return s
	}
	if from > 1 {
		s = downmix(s, from)
	}
	if to == 1 {
		return s
	}
	out := make([]int16, len(s)*to)
	for i, v := range s {
		for ch := range to {
			out[i*to+ch] = v
		}
	}
	return out
}

func downmix(s []int16, channels int) []int16 {
	out := make([]int16, len(s)/channels)
	for i := range out {
		var sum int32
		for _, v := range s[i*channels : (i+1)*channels] {
			sum += int32(v)
		}
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// resampleInterleaved resamples each channel by linear interpolation.
func resampleInterleaved(s []int16, channels, srcRate, dstRate int) []int16 {
	if channels <= 1 {
		return resample(s, srcRate, dstRate)
	}
	perCh := len(s) / channels
	split := make([]int16, perCh)
	var out []int16
	for ch := range channels {
		for i := range perCh {
			split[i] = s[i*channels+ch]
		}
		r := resample(split, srcRate, dstRate)
		if out == nil {
			out = make([]int16, len(r)*channels)
		}
		for i, v := range r {
			out[i*channels+ch] = v
		}
	}
	return out
}

func resample(s []int16, srcRate, dstRate int) []int16 {
	n := int(int64(len(s)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a, b := float64(s[j]), float64(s[j])
		if j+1 < len(s) {
			b = float64(s[j+1])
		}
		out[i] = int16(math.Round(a + (b-a)*frac))
	}
	return out
}

// DownmixToMono averages the channels of interleaved int16 PCM.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	return encode(downmix(decode(pcm), channels))
}

// ResampleMono16 resamples mono int16 PCM from srcRate to dstRate by linear
// interpolation. Non-positive or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	return encode(resample(decode(pcm), srcRate, dstRate))
}

// PCM16ToFloat32 maps int16 PCM onto [-1, 1) as whisper.cpp expects.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i, v := range samples(pcm) {
		out[i] = float32(v) / 32768
	}
	return out
}

// Float32ToPCM16 is the inverse of [PCM16ToFloat32] for capture devices that
// deliver float samples. Out-of-range values are clipped.
func Float32ToPCM16(in []float32) []byte {
	s := make([]int16, len(in))
	for i, f := range in {
		s[i] = int16(max(-32768, min(32767, math.Round(float64(f)*32767))))
	}
	return encode(s)
}

// MeanAbsAmplitude returns the mean absolute sample value scaled to [0, 1].
// Empty input yields 0.
func MeanAbsAmplitude(pcm []byte) float64 {
	var sum float64
	n := 0
	for _, v := range samples(pcm) {
		sum += math.Abs(float64(v))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 32768
}

// RMS returns the root-mean-square level of int16 PCM in sample units.
func RMS(pcm []byte) float64 {
	var sum float64
	n := 0
	for _, v := range samples(pcm) {
		sum += float64(v) * float64(v)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

package audio

import "time"

// BytesPerSample is the width of one PCM sample. All frames carry signed
// 16-bit little-endian samples.
const BytesPerSample = 2

// AudioFrame is a fixed-length chunk of PCM audio as captured from a source.
// Frames are immutable once created: the orchestrator hands the same frame to
// an engine worker and to the detection window without copying Data.
type AudioFrame struct {
	// Data holds interleaved int16 little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (16000 for every bundled recognizer).
	SampleRate int

	// Channels is 1 for mono. Recognizers expect mono input.
	Channels int

	// Index is the monotonically increasing capture sequence number.
	Index uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel contained in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Data) / (BytesPerSample * f.Channels)
}

// Duration returns the playback length of the frame derived from its byte
// length, sample rate and channel count. Malformed frames report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the byte length of a mono int16 frame of the given
// duration at sampleRate.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// Concat joins the PCM payloads of frames in order. It assumes all frames
// share the same format.
func Concat(frames []AudioFrame) []byte {
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

// TotalDuration sums the durations of frames.
func TotalDuration(frames []AudioFrame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration()
	}
	return d
}

package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

const (
	defaultFrameDuration = 250 * time.Millisecond
	defaultSampleRate    = 16000
)

// WAVFile replays a WAVE file as a live stream. Frames are converted to the
// target format (16 kHz mono by default) and, when real-time pacing is
// enabled, released no faster than their capture timestamps.
type WAVFile struct {
	f      *os.File
	dec    *wav.Decoder
	conv   audio.FormatConverter
	buf    *goaudio.IntBuffer
	srcFmt audio.Format
	shift  int

	frameDuration time.Duration
	realtime      bool
	started       time.Time
	now           func() time.Time

	index     uint64
	elapsed   time.Duration
	closeOnce sync.Once
}

// WAVOption is a functional option for [NewWAVFile].
type WAVOption func(*WAVFile)

// WithFrameDuration sets the length of each emitted frame. Defaults to 250ms.
func WithFrameDuration(d time.Duration) WAVOption {
	return func(w *WAVFile) {
		if d > 0 {
			w.frameDuration = d
		}
	}
}

// WithRealtime enables or disables real-time pacing. Enabled by default.
func WithRealtime(enabled bool) WAVOption {
	return func(w *WAVFile) { w.realtime = enabled }
}

// WithTargetFormat sets the format frames are converted to before delivery.
func WithTargetFormat(f audio.Format) WAVOption {
	return func(w *WAVFile) { w.conv.Target = f }
}

// NewWAVFile opens path and validates its header.
func NewWAVFile(path string, opts ...WAVOption) (*WAVFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open wav: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		_ = f.Close()
		return nil, fmt.Errorf("source: %s is not a valid wav file", path)
	}
	if dec.BitDepth != 8 && dec.BitDepth != 16 && dec.BitDepth != 24 && dec.BitDepth != 32 {
		_ = f.Close()
		return nil, fmt.Errorf("source: unsupported wav bit depth %d", dec.BitDepth)
	}

	w := &WAVFile{
		f:   f,
		dec: dec,
		srcFmt: audio.Format{
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
		},
		shift:         int(dec.BitDepth) - 16,
		frameDuration: defaultFrameDuration,
		realtime:      true,
		now:           time.Now,
	}
	w.conv.Target = audio.Format{SampleRate: defaultSampleRate, Channels: 1}
	for _, o := range opts {
		o(w)
	}

	samplesPerFrame := int(int64(w.srcFmt.SampleRate)*int64(w.frameDuration)/int64(time.Second)) * w.srcFmt.Channels
	w.buf = &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: w.srcFmt.Channels, SampleRate: w.srcFmt.SampleRate},
		Data:   make([]int, samplesPerFrame),
	}
	return w, nil
}

// Format implements [Source].
func (w *WAVFile) Format() audio.Format { return w.conv.Target }

// NextFrame implements [Source]. It returns [io.EOF] after the last sample.
func (w *WAVFile) NextFrame(ctx context.Context) (audio.AudioFrame, error) {
	n, err := w.dec.PCMBuffer(w.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return audio.AudioFrame{}, fmt.Errorf("source: decode wav: %w", err)
	}
	if n == 0 {
		return audio.AudioFrame{}, io.EOF
	}

	pcm := make([]byte, n*audio.BytesPerSample)
	for i, v := range w.buf.Data[:n] {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(w.to16(v)))
	}
	raw := audio.AudioFrame{
		Data:       pcm,
		SampleRate: w.srcFmt.SampleRate,
		Channels:   w.srcFmt.Channels,
		Index:      w.index,
		Timestamp:  w.elapsed,
	}
	w.index++
	w.elapsed += raw.Duration()

	if w.realtime {
		if err := w.pace(ctx, raw.Timestamp); err != nil {
			return audio.AudioFrame{}, err
		}
	}
	return w.conv.Convert(raw), nil
}

// pace blocks until the wall clock reaches the frame's capture time.
func (w *WAVFile) pace(ctx context.Context, ts time.Duration) error {
	if w.started.IsZero() {
		w.started = w.now()
		return nil
	}
	wait := time.Until(w.started.Add(ts))
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *WAVFile) to16(v int) int16 {
	switch {
	case w.shift == -8:
		// 8-bit WAV is unsigned.
		return int16((v - 128) << 8)
	case w.shift > 0:
		return int16(v >> w.shift)
	default:
		return int16(v)
	}
}

// Close implements [Source].
func (w *WAVFile) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.f.Close() })
	return err
}

var _ Source = (*WAVFile)(nil)

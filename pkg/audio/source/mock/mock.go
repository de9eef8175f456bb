// Package mock provides an in-memory [source.Source] for use in unit tests.
//
// The mock replays a scripted slice of frames and then returns [io.EOF]
// (or ErrAfter when set). It is safe for concurrent use and records call
// counts so tests can assert on them.
//
// Typical usage:
//
//	src := &mock.Source{Frames: mock.Silence(16000, 250*time.Millisecond, 8)}
//	err := source.Pump(ctx, src, orch.OnFrame)
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/audio/source"
)

// Source is a mock implementation of [source.Source].
type Source struct {
	mu sync.Mutex

	// Frames are returned by NextFrame in order.
	Frames []audio.AudioFrame

	// ErrAfter is returned once Frames is exhausted. Defaults to io.EOF.
	ErrAfter error

	// Interval, when positive, is slept before each frame.
	Interval time.Duration

	// FormatResult is returned by Format. Defaults to 16 kHz mono.
	FormatResult audio.Format

	// CloseError is returned by Close.
	CloseError error

	// CallCountNextFrame records how many times NextFrame was called.
	CallCountNextFrame int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	pos int
}

// NextFrame implements [source.Source].
func (s *Source) NextFrame(ctx context.Context) (audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCountNextFrame++
	interval := s.Interval
	s.mu.Unlock()

	if interval > 0 {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return audio.AudioFrame{}, ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.Frames) {
		if s.ErrAfter != nil {
			return audio.AudioFrame{}, s.ErrAfter
		}
		return audio.AudioFrame{}, io.EOF
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, nil
}

// Format implements [source.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// Close implements [source.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Silence builds n consecutive zero-valued mono frames of duration d.
func Silence(sampleRate int, d time.Duration, n int) []audio.AudioFrame {
	frames := make([]audio.AudioFrame, n)
	for i := range frames {
		frames[i] = audio.AudioFrame{
			Data:       make([]byte, audio.FrameBytes(sampleRate, d)),
			SampleRate: sampleRate,
			Channels:   1,
			Index:      uint64(i),
			Timestamp:  time.Duration(i) * d,
		}
	}
	return frames
}

var _ source.Source = (*Source)(nil)

//go:build portaudio

package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

// Microphone captures mono float32 audio from the default input device and
// delivers it as clipped int16 PCM. Each NextFrame call performs one blocking
// PortAudio read of exactly one frame, so the device clock paces the stream.
type Microphone struct {
	stream    *portaudio.Stream
	buf       []float32
	format    audio.Format
	index     uint64
	elapsed   time.Duration
	closeOnce sync.Once
}

// NewMicrophone initialises PortAudio and opens the default input stream at
// sampleRate with frames of frameDuration.
func NewMicrophone(sampleRate int, frameDuration time.Duration) (*Microphone, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if frameDuration <= 0 {
		frameDuration = defaultFrameDuration
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("source: portaudio init: %w", err)
	}

	framesPerBuffer := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	m := &Microphone{
		buf:    make([]float32, framesPerBuffer),
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, m.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("source: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("source: start input stream: %w", err)
	}
	m.stream = stream
	return m, nil
}

// Format implements [Source].
func (m *Microphone) Format() audio.Format { return m.format }

// NextFrame implements [Source].
func (m *Microphone) NextFrame(ctx context.Context) (audio.AudioFrame, error) {
	if err := ctx.Err(); err != nil {
		return audio.AudioFrame{}, err
	}
	if err := m.stream.Read(); err != nil {
		// Overflow means the consumer fell behind; the samples still in buf
		// are valid.
		if !errors.Is(err, portaudio.InputOverflowed) {
			return audio.AudioFrame{}, fmt.Errorf("source: read input stream: %w", err)
		}
	}
	frame := audio.AudioFrame{
		Data:       audio.Float32ToPCM16(m.buf),
		SampleRate: m.format.SampleRate,
		Channels:   1,
		Index:      m.index,
		Timestamp:  m.elapsed,
	}
	m.index++
	m.elapsed += frame.Duration()
	return frame, nil
}

// Close implements [Source].
func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		if m.stream != nil {
			_ = m.stream.Stop()
			err = m.stream.Close()
		}
		_ = portaudio.Terminate()
	})
	return err
}

var _ Source = (*Microphone)(nil)

//go:build !portaudio

package source

import (
	"context"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

// Microphone is unavailable without the "portaudio" build tag.
type Microphone struct{}

// NewMicrophone always returns [ErrUnavailable]. Rebuild with
// -tags portaudio to capture from the default input device.
func NewMicrophone(_ int, _ time.Duration) (*Microphone, error) {
	return nil, ErrUnavailable
}

// Format implements [Source].
func (m *Microphone) Format() audio.Format { return audio.Format{} }

// NextFrame implements [Source].
func (m *Microphone) NextFrame(context.Context) (audio.AudioFrame, error) {
	return audio.AudioFrame{}, ErrUnavailable
}

// Close implements [Source].
func (m *Microphone) Close() error { return nil }

var _ Source = (*Microphone)(nil)

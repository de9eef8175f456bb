//go:build !vosk

package vosk

import (
	"context"
	"errors"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ErrNativeUnavailable is returned by NewNative in builds without the
// "vosk" tag.
var ErrNativeUnavailable = errors.New("vosk: native engine requires the vosk build tag")

// NativeEngine is unavailable without the "vosk" build tag.
type NativeEngine struct{}

// NewNative always returns ErrNativeUnavailable.
func NewNative(string, string, int) (*NativeEngine, error) {
	return nil, ErrNativeUnavailable
}

// Kind implements stt.Engine.
func (e *NativeEngine) Kind() stt.Kind { return stt.KindDirect }

// Accept implements stt.Engine.
func (e *NativeEngine) Accept(context.Context, audio.AudioFrame) ([]stt.Transcript, error) {
	return nil, ErrNativeUnavailable
}

// Close implements stt.Engine.
func (e *NativeEngine) Close() error { return nil }

var _ stt.Engine = (*NativeEngine)(nil)

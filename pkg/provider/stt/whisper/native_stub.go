//go:build !whispercpp

package whisper

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ErrNativeUnavailable is returned by NewNative in builds without the
// "whispercpp" tag.
var ErrNativeUnavailable = errors.New("whisper: native engine requires the whispercpp build tag")

// NativeEngine is unavailable without the "whispercpp" build tag.
type NativeEngine struct{}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeThreads is a no-op in this build.
func WithNativeThreads(uint) NativeOption { return func(*NativeEngine) {} }

// WithNativeSilenceThreshold is a no-op in this build.
func WithNativeSilenceThreshold(time.Duration) NativeOption { return func(*NativeEngine) {} }

// WithNativeMaxBufferDuration is a no-op in this build.
func WithNativeMaxBufferDuration(time.Duration) NativeOption { return func(*NativeEngine) {} }

// WithNativeNoiseThreshold is a no-op in this build.
func WithNativeNoiseThreshold(float64) NativeOption { return func(*NativeEngine) {} }

// NewNative always returns ErrNativeUnavailable.
func NewNative(string, ...NativeOption) (*NativeEngine, error) {
	return nil, ErrNativeUnavailable
}

// Kind implements stt.Engine.
func (e *NativeEngine) Kind() stt.Kind { return stt.KindUniversal }

// Accept implements stt.Engine.
func (e *NativeEngine) Accept(context.Context, audio.AudioFrame) ([]stt.Transcript, error) {
	return nil, ErrNativeUnavailable
}

// DetectLanguage implements stt.Detector.
func (e *NativeEngine) DetectLanguage(context.Context, []audio.AudioFrame) (stt.LanguageEstimate, error) {
	return stt.LanguageEstimate{}, ErrNativeUnavailable
}

// Close implements stt.Engine.
func (e *NativeEngine) Close() error { return nil }

var _ stt.Universal = (*NativeEngine)(nil)

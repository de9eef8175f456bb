// Package stt defines the capability interfaces for speech-recognition
// engines used by the language router.
//
// Every engine is an [Engine]: it accepts frames in arrival order and returns
// whatever transcripts became available. Engines come in two variants, tagged
// by [Engine.Kind]:
//
//   - [KindDirect]: bound to exactly one language, transcription only.
//   - [KindUniversal]: multilingual; additionally implements [Detector] and
//     is therefore a [Universal].
//
// Optional capabilities ([Activator], [Flusher], [Resetter], [LanguageHinter])
// are discovered with type assertions. An engine is owned by a single worker
// goroutine, so Accept, Flush and Reset are never called concurrently.
// DetectLanguage on a Universal may run concurrently with Accept and must be
// safe for that.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

// ErrClosed is returned by engines used after Close.
var ErrClosed = errors.New("stt: engine closed")

// ErrInsufficientAudio is returned by [Detector.DetectLanguage] when the window
// is too short or too quiet to classify.
var ErrInsufficientAudio = errors.New("stt: insufficient audio for language detection")

// Kind tags the engine variant.
type Kind int

const (
	// KindDirect is a single-language transcriber.
	KindDirect Kind = iota
	// KindUniversal is a multilingual transcriber that can also detect language.
	KindUniversal
)

// String returns "direct" or "universal".
func (k Kind) String() string {
	if k == KindUniversal {
		return "universal"
	}
	return "direct"
}

// Engine transcribes a continuous frame stream.
type Engine interface {
	// Kind reports the engine variant.
	Kind() Kind

	// Accept consumes one frame and returns any transcripts that became
	// available, partials before finals. A nil slice means nothing new.
	Accept(ctx context.Context, frame audio.AudioFrame) ([]Transcript, error)

	// Close releases models, connections and goroutines. Safe to call more
	// than once.
	Close() error
}

// Detector classifies the language spoken in a window of frames.
type Detector interface {
	DetectLanguage(ctx context.Context, window []audio.AudioFrame) (LanguageEstimate, error)
}

// Universal is a multilingual engine that can also detect language.
type Universal interface {
	Engine
	Detector
}

// Activator is implemented by engines that must be prepared before they start
// receiving frames, such as engines holding a remote connection. A non-nil
// error rejects the switch to this engine.
type Activator interface {
	Activate(ctx context.Context) error
}

// Flusher is implemented by engines that buffer audio internally. Flush
// finalises the in-progress utterance and returns its transcripts.
type Flusher interface {
	Flush(ctx context.Context) ([]Transcript, error)
}

// Resetter is implemented by engines that can discard buffered audio without
// producing output.
type Resetter interface {
	Reset() error
}

// LanguageHinter is implemented by universal engines that can bias
// transcription towards a language. An empty language restores automatic
// detection.
type LanguageHinter interface {
	SetLanguage(language string)
}

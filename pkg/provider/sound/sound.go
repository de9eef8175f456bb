// Package sound defines the capability interface for audio event classifiers
// that label non-speech sounds (applause, music, a door slam) in the stream
// the language router is transcribing.
package sound

import (
	"context"
	"time"
)

// Event is the top class of one classified window.
type Event struct {
	// Label is the human-readable class name, e.g. "Applause".
	Label string

	// ClassID indexes the classifier's label set.
	ClassID int

	// Confidence is the class score averaged over the window, in [0, 1].
	Confidence float64

	// Offset is the stream position of the window's first frame.
	Offset time.Duration

	// Time is when the classification finished.
	Time time.Time
}

// Classifier labels windows of mono 16-bit little-endian PCM.
//
// Classify may be called from one goroutine at a time only. Close releases
// connections and models and is safe to call more than once.
type Classifier interface {
	Classify(ctx context.Context, pcm []byte, sampleRate int) (Event, error)
	Close() error
}

// Package mock provides a test double for sound.Classifier.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
)

// ClassifyCall records a single invocation of Classifier.Classify.
type ClassifyCall struct {
	// PCM is a copy of the window passed to Classify.
	PCM []byte

	// SampleRate is the rate passed to Classify.
	SampleRate int
}

// Classifier is a mock implementation of sound.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Event is returned by every Classify call.
	Event sound.Event

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// Block, if non-nil, is received from inside Classify. A cancelled
	// context ends the wait early and Classify returns ctx.Err().
	Block <-chan struct{}

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify records the window and returns Event, ClassifyErr.
func (c *Classifier) Classify(ctx context.Context, pcm []byte, sampleRate int) (sound.Event, error) {
	c.mu.Lock()
	c.ClassifyCalls = append(c.ClassifyCalls, ClassifyCall{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: sampleRate,
	})
	ev, err, block := c.Event, c.ClassifyErr, c.Block
	c.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return sound.Event{}, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return sound.Event{}, err
	}
	return ev, nil
}

// Close records the call.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return nil
}

// Calls returns a copy of the recorded Classify calls. Thread-safe.
func (c *Classifier) Calls() []ClassifyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ClassifyCall(nil), c.ClassifyCalls...)
}

// SetEvent replaces Event. Thread-safe.
func (c *Classifier) SetEvent(ev sound.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Event = ev
}

var _ sound.Classifier = (*Classifier)(nil)

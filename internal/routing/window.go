package routing

import (
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

// DetectionWindow is a duration-bounded FIFO of recent frames used only for
// language detection. The summed duration of held frames never exceeds the
// configured bound; appending evicts from the front. A single frame longer
// than the bound is not retained.
//
// DetectionWindow is safe for concurrent use.
type DetectionWindow struct {
	bound time.Duration

	mu     sync.Mutex
	frames []audio.AudioFrame
	total  time.Duration
}

// NewDetectionWindow returns an empty window bounded by bound.
func NewDetectionWindow(bound time.Duration) *DetectionWindow {
	return &DetectionWindow{bound: bound}
}

// Append adds f and evicts the oldest frames until the bound holds.
func (w *DetectionWindow) Append(f audio.AudioFrame) {
	d := f.Duration()
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if d > w.bound {
		w.frames = w.frames[:0]
		w.total = 0
		return
	}
	w.frames = append(w.frames, f)
	w.total += d
	drop := 0
	for w.total > w.bound {
		w.total -= w.frames[drop].Duration()
		w.frames[drop] = audio.AudioFrame{}
		drop++
	}
	if drop > 0 {
		w.frames = append(w.frames[:0], w.frames[drop:]...)
	}
}

// Duration returns the summed duration of held frames.
func (w *DetectionWindow) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Len returns the number of held frames.
func (w *DetectionWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

// Bound returns the configured maximum duration.
func (w *DetectionWindow) Bound() time.Duration { return w.bound }

// Snapshot returns the held frames in arrival order and clears the window.
func (w *DetectionWindow) Snapshot() []audio.AudioFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.frames
	w.frames = make([]audio.AudioFrame, 0, cap(out))
	w.total = 0
	return out
}

// SnapshotIfAtLeast atomically snapshots and clears the window when it holds
// at least minimum of audio. ok is false (and the window untouched) otherwise.
func (w *DetectionWindow) SnapshotIfAtLeast(minimum time.Duration) (frames []audio.AudioFrame, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total < minimum || len(w.frames) == 0 {
		return nil, false
	}
	out := w.frames
	w.frames = make([]audio.AudioFrame, 0, cap(out))
	w.total = 0
	return out, true
}

// Reset drops all held frames.
func (w *DetectionWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = w.frames[:0]
	w.total = 0
}

// Package mock provides test doubles for the stt package interfaces.
//
// Use Engine for a direct (single-language) transcriber and Universal for a
// multilingual engine that also answers DetectLanguage. Both record every
// call so tests can assert on frame order and lifecycle.
//
// Example:
//
//	en := &mock.Engine{Results: []stt.Transcript{{Text: "hello", IsFinal: true}}}
//	u := &mock.Universal{Estimate: stt.LanguageEstimate{Language: "es", Confidence: 0.9}}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// AcceptCall records a single invocation of Engine.Accept.
type AcceptCall struct {
	// Frame is the frame passed to Accept.
	Frame audio.AudioFrame
}

// Engine is a mock implementation of stt.Engine with every optional
// capability (Activator, Flusher, Resetter).
type Engine struct {
	mu sync.Mutex

	// Results is returned by every Accept call.
	Results []stt.Transcript

	// AcceptErr, if non-nil, is returned by every Accept call.
	AcceptErr error

	// AcceptDelay, when positive, is slept inside Accept.
	AcceptDelay time.Duration

	// ActivateErr, if non-nil, is returned by Activate.
	ActivateErr error

	// ActivateDelay, when positive, is slept inside Activate. A cancelled
	// context ends the sleep early and Activate returns ctx.Err().
	ActivateDelay time.Duration

	// FlushResults is returned by Flush.
	FlushResults []stt.Transcript

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// AcceptCalls records every call to Accept in order.
	AcceptCalls []AcceptCall

	// ActivateCallCount is the number of times Activate was called.
	ActivateCallCount int

	// FlushCallCount is the number of times Flush was called.
	FlushCallCount int

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Kind returns stt.KindDirect.
func (e *Engine) Kind() stt.Kind { return stt.KindDirect }

// Accept records the frame and returns Results, AcceptErr.
func (e *Engine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	e.mu.Lock()
	delay := e.AcceptDelay
	e.AcceptCalls = append(e.AcceptCalls, AcceptCall{Frame: frame})
	results, err := e.Results, e.AcceptErr
	e.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Activate records the call and returns ActivateErr.
func (e *Engine) Activate(ctx context.Context) error {
	e.mu.Lock()
	e.ActivateCallCount++
	delay, err := e.ActivateDelay, e.ActivateErr
	e.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// Flush records the call and returns FlushResults.
func (e *Engine) Flush(context.Context) ([]stt.Transcript, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FlushCallCount++
	return e.FlushResults, nil
}

// Reset records the call.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResetCallCount++
	return nil
}

// Close records the call and returns CloseErr.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CloseCallCount++
	return e.CloseErr
}

// AcceptedIndices returns the Index of every accepted frame in call order.
// Thread-safe.
func (e *Engine) AcceptedIndices() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, len(e.AcceptCalls))
	for i, c := range e.AcceptCalls {
		out[i] = c.Frame.Index
	}
	return out
}

// AcceptCallCount returns the number of Accept calls. Thread-safe.
func (e *Engine) AcceptCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.AcceptCalls)
}

// Calls returns Activate, Flush, Reset and Close call counts. Thread-safe.
func (e *Engine) Calls() (activate, flush, reset, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ActivateCallCount, e.FlushCallCount, e.ResetCallCount, e.CloseCallCount
}

// SetAcceptErr replaces AcceptErr. Thread-safe.
func (e *Engine) SetAcceptErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AcceptErr = err
}

// SetActivateErr replaces ActivateErr. Thread-safe.
func (e *Engine) SetActivateErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ActivateErr = err
}

// ResetCalls clears all recorded calls. Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.AcceptCalls = nil
	e.ActivateCallCount = 0
	e.FlushCallCount = 0
	e.ResetCallCount = 0
	e.CloseCallCount = 0
}

// Ensure Engine implements the stt interfaces at compile time.
var (
	_ stt.Engine    = (*Engine)(nil)
	_ stt.Activator = (*Engine)(nil)
	_ stt.Flusher   = (*Engine)(nil)
	_ stt.Resetter  = (*Engine)(nil)
)

// DetectCall records a single invocation of Universal.DetectLanguage.
type DetectCall struct {
	// Frames is the number of frames in the window.
	Frames int
	// Duration is the total audio duration of the window.
	Duration time.Duration
}

// Universal is a mock implementation of stt.Universal.
type Universal struct {
	Engine

	dmu sync.Mutex

	// Estimate is returned by DetectLanguage when EstimateFunc is nil.
	Estimate stt.LanguageEstimate

	// EstimateFunc, if set, computes the result of each DetectLanguage call.
	// call is the zero-based invocation number.
	EstimateFunc func(ctx context.Context, call int, window []audio.AudioFrame) (stt.LanguageEstimate, error)

	// DetectErr, if non-nil, is returned by DetectLanguage when EstimateFunc is nil.
	DetectErr error

	// DetectCalls records every call to DetectLanguage.
	DetectCalls []DetectCall

	// Hints records every language passed to SetLanguage.
	Hints []string
}

// Kind returns stt.KindUniversal.
func (u *Universal) Kind() stt.Kind { return stt.KindUniversal }

// DetectLanguage records the call and returns the configured estimate.
func (u *Universal) DetectLanguage(ctx context.Context, window []audio.AudioFrame) (stt.LanguageEstimate, error) {
	u.dmu.Lock()
	call := len(u.DetectCalls)
	u.DetectCalls = append(u.DetectCalls, DetectCall{Frames: len(window), Duration: audio.TotalDuration(window)})
	fn, est, err := u.EstimateFunc, u.Estimate, u.DetectErr
	u.dmu.Unlock()

	if fn != nil {
		return fn(ctx, call, window)
	}
	if err != nil {
		return stt.LanguageEstimate{}, err
	}
	if est.Timestamp.IsZero() {
		est.Timestamp = time.Now()
	}
	return est, nil
}

// SetLanguage records the hint.
func (u *Universal) SetLanguage(language string) {
	u.dmu.Lock()
	defer u.dmu.Unlock()
	u.Hints = append(u.Hints, language)
}

// SetEstimate replaces Estimate. Thread-safe.
func (u *Universal) SetEstimate(est stt.LanguageEstimate) {
	u.dmu.Lock()
	defer u.dmu.Unlock()
	u.Estimate = est
}

// DetectCallCount returns the number of DetectLanguage calls. Thread-safe.
func (u *Universal) DetectCallCount() int {
	u.dmu.Lock()
	defer u.dmu.Unlock()
	return len(u.DetectCalls)
}

// LastHint returns the most recent SetLanguage argument. Thread-safe.
func (u *Universal) LastHint() string {
	u.dmu.Lock()
	defer u.dmu.Unlock()
	if len(u.Hints) == 0 {
		return ""
	}
	return u.Hints[len(u.Hints)-1]
}

// Ensure Universal implements stt.Universal at compile time.
var (
	_ stt.Universal      = (*Universal)(nil)
	_ stt.LanguageHinter = (*Universal)(nil)
)

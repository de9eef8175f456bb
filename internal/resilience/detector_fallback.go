package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ErrNoDetector is reported by [DetectorFallback.Check] while no detector
// accepts calls.
var ErrNoDetector = errors.New("all language detectors unavailable")

// ErrDetectorTimeout marks a detection call that ran out of its own time
// budget while the caller was still waiting. Unlike a cancelled caller it
// counts as a detector failure.
var ErrDetectorTimeout = errors.New("language detector timed out")

// DetectorFallback implements [stt.Detector] with automatic failover across
// multiple language detectors. Each detector has its own circuit breaker.
//
// A detector answering [stt.ErrInsufficientAudio] or a cancelled context has
// not failed: the error is returned as-is and no fallback is consulted. A
// detector that exceeds its entry timeout has failed, and the next one gets a
// fresh budget.
type DetectorFallback struct {
	group   *FallbackGroup[stt.Detector]
	timeout time.Duration
}

// DetectorFallbackOption configures a [DetectorFallback].
type DetectorFallbackOption func(*DetectorFallback)

// WithEntryTimeout bounds each detector's call separately. Zero leaves calls
// bounded only by the caller's context.
func WithEntryTimeout(d time.Duration) DetectorFallbackOption {
	return func(f *DetectorFallback) { f.timeout = max(d, 0) }
}

// Compile-time interface assertion.
var _ stt.Detector = (*DetectorFallback)(nil)

// NewDetectorFallback creates a [DetectorFallback] with primary as the
// preferred detector. cfg.CircuitBreaker.IsFailure is overridden.
func NewDetectorFallback(primary stt.Detector, primaryName string, cfg FallbackConfig, opts ...DetectorFallbackOption) *DetectorFallback {
	cfg.CircuitBreaker.IsFailure = IsDetectorFailure
	f := &DetectorFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Len returns the number of detectors in the chain.
func (f *DetectorFallback) Len() int {
	return len(f.group.entries)
}

// AddFallback registers an additional detector as a fallback.
func (f *DetectorFallback) AddFallback(name string, d stt.Detector) {
	f.group.AddFallback(name, d)
}

// Names returns the detector names in failover order.
func (f *DetectorFallback) Names() []string {
	return f.group.Names()
}

// States reports each detector's breaker state in failover order.
func (f *DetectorFallback) States() []EntryState {
	return f.group.States()
}

// Check fails when every detector's breaker is open. It has the signature of a
// readiness check.
func (f *DetectorFallback) Check(context.Context) error {
	if f.group.Available() {
		return nil
	}
	return ErrNoDetector
}

// DetectLanguage asks the first healthy detector to classify window.
func (f *DetectorFallback) DetectLanguage(ctx context.Context, window []audio.AudioFrame) (stt.LanguageEstimate, error) {
	return ExecuteWithResult(f.group, func(d stt.Detector) (stt.LanguageEstimate, error) {
		return DetectWithin(ctx, f.timeout, d, window)
	})
}

// DetectWithin calls d with at most timeout of its own (none when zero). A
// deadline that expires while ctx itself is still live is reported as
// [ErrDetectorTimeout], so a hung detector trips its breaker while a caller
// that gave up does not.
func DetectWithin(ctx context.Context, timeout time.Duration, d stt.Detector, window []audio.AudioFrame) (stt.LanguageEstimate, error) {
	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	est, err := d.DetectLanguage(dctx, window)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrDetectorTimeout, err)
	}
	return est, err
}

// IsDetectorFailure reports whether err from a detector should count against
// its circuit breaker. Insufficient audio and context cancellation do not; a
// bare deadline is the caller's and does not either, but [ErrDetectorTimeout]
// does.
func IsDetectorFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDetectorTimeout):
		return true
	case errors.Is(err, stt.ErrInsufficientAudio),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

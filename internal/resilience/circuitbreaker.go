// Package resilience keeps a misbehaving language detector from stalling the
// routing loop.
//
// [CircuitBreaker] is a closed/open/half-open breaker that the orchestrator
// wraps around every detection call. [FallbackGroup] chains several values of
// one type, each behind its own breaker, and [DetectorFallback] applies that
// chain to universal language detectors so a dead primary is skipped in favour
// of the next configured detector.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has passed since the last counted failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. That many
	// successes close the breaker; a single failure re-opens it.
	StateHalfOpen
)

// String returns the lower-case name used in logs and metric attributes.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and in OnStateChange.
	Name string

	// MaxFailures is the number of consecutive counted failures that open a
	// closed breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before admitting trial calls.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls admitted per half-open round.
	// That many successes close the breaker. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Uncounted
	// errors pass through untouched and a [FallbackGroup] does not fail over
	// on them. Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after each transition. It runs outside
	// the breaker's lock and may call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards a flaky dependency with the three-state pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive, closed state only
	trials    int // admitted this round, half-open only
	successes int // half-open only
	openedAt  time.Time
}

// transition records a state change to report once the lock is released.
type transition struct {
	from, to State
}

// NewCircuitBreaker returns a closed breaker. Zero-valued fields of cfg take
// their documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		onChange:     cfg.OnStateChange,
		now:          time.Now,
	}
}

// Execute calls fn unless the breaker is open or its half-open trial slots are
// taken, in which case it returns [ErrCircuitOpen] without calling fn. The
// error from fn is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, tr, err := cb.admit()
	cb.notify(tr)
	if err != nil {
		return err
	}
	err = fn()
	cb.notify(cb.settle(trial, err))
	return err
}

func (cb *CircuitBreaker) admit() (trial bool, tr transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, tr, ErrCircuitOpen
		}
		tr = cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.halfOpenMax {
			return false, tr, ErrCircuitOpen
		}
		cb.trials++
		return true, tr, nil
	}
	return false, tr, nil
}

func (cb *CircuitBreaker) settle(trial bool, err error) transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	halfOpen := trial && cb.state == StateHalfOpen
	switch {
	case err != nil && cb.isFailure(err):
		cb.openedAt = cb.now()
		if halfOpen {
			return cb.setState(StateOpen)
		}
		if cb.state == StateClosed {
			cb.failures++
			if cb.failures >= cb.maxFailures {
				return cb.setState(StateOpen)
			}
		}
	case err != nil:
		if halfOpen {
			cb.trials--
		}
	case halfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			return cb.setState(StateClosed)
		}
	case cb.state == StateClosed:
		cb.failures = 0
	}
	return transition{}
}

// setState moves to s and clears the per-state counters. cb.mu must be held.
func (cb *CircuitBreaker) setState(s State) transition {
	tr := transition{from: cb.state, to: s}
	if tr.from == tr.to {
		return transition{}
	}
	cb.state = s
	cb.failures, cb.trials, cb.successes = 0, 0, 0

	switch s {
	case StateOpen:
		slog.Warn("circuit breaker opened", "breaker", cb.name, "from", tr.from.String())
	default:
		slog.Info("circuit breaker state changed", "breaker", cb.name,
			"from", tr.from.String(), "to", s.String())
	}
	return tr
}

func (cb *CircuitBreaker) notify(tr transition) {
	if tr.from == tr.to || cb.onChange == nil {
		return
	}
	cb.onChange(cb.name, tr.from, tr.to)
}

// Name returns the label the breaker was configured with.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Counts reports whether err would be recorded as a failure.
func (cb *CircuitBreaker) Counts(err error) bool {
	return err != nil && cb.isFailure(err)
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.failures, cb.trials, cb.successes = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(tr)
}

package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLanguage is returned when a switch names a language with no
	// loaded direct transcriber.
	ErrUnknownLanguage = errors.New("routing: unknown language")

	// ErrNotRunning is returned by operations that require a RUNNING orchestrator.
	ErrNotRunning = errors.New("routing: orchestrator not running")

	// ErrAlreadyStarted is returned by Start when the orchestrator has left IDLE.
	ErrAlreadyStarted = errors.New("routing: orchestrator already started")

	// ErrPoolClosed is returned by pool operations after Close.
	ErrPoolClosed = errors.New("routing: engine pool closed")

	// ErrPoolSealed is returned by Load once the pool is in use.
	ErrPoolSealed = errors.New("routing: engine pool sealed")

	// ErrDuplicateLanguage is wrapped in a ModelLoadError when a language is
	// loaded twice.
	ErrDuplicateLanguage = errors.New("routing: language already loaded")

	// ErrNotDirect is wrapped in a ModelLoadError when a factory returns a
	// universal engine for a language slot.
	ErrNotDirect = errors.New("routing: engine is not a direct transcriber")
)

// ModelLoadError reports a direct transcriber that failed to initialise. The
// language is excluded from the pool; other languages are unaffected.
type ModelLoadError struct {
	Language string
	Err      error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("routing: load %q: %v", e.Language, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// DetectionError reports a failed detection tick. The tick is treated as a
// no-switch decision.
type DetectionError struct {
	Seq uint64
	Err error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("routing: detection tick %d: %v", e.Seq, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// EngineError reports a transcription failure for one frame. Routing is not
// changed and the stream continues.
type EngineError struct {
	Language   string
	FrameIndex uint64
	Err        error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("routing: engine %q frame %d: %v", e.Language, e.FrameIndex, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// SwitchRejectedError reports a target engine that refused activation. The
// routing state is unchanged.
type SwitchRejectedError struct {
	Target string
	Err    error
}

func (e *SwitchRejectedError) Error() string {
	return fmt.Sprintf("routing: switch to %q rejected: %v", e.Target, e.Err)
}

func (e *SwitchRejectedError) Unwrap() error { return e.Err }

// ConfigurationError reports invalid routing settings. It is the only error
// that keeps an orchestrator from reaching RUNNING.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("routing: invalid configuration: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

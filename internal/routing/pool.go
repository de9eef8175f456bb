package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// UniversalLanguage is the active language reported while the universal
// engine is serving.
const UniversalLanguage = "universal"

// EngineHandle identifies either the direct transcriber of one language or
// the universal engine. The zero value refers to no engine.
type EngineHandle struct {
	// Language of the direct transcriber; empty for the universal engine.
	Language string
	// Universal is true for the universal engine.
	Universal bool
	// Tag is the detected language the universal engine is serving, if any.
	Tag string

	engine stt.Engine
}

// Engine returns the engine behind the handle, or nil for the zero handle.
func (h EngineHandle) Engine() stt.Engine { return h.engine }

// Valid reports whether the handle refers to an engine.
func (h EngineHandle) Valid() bool { return h.engine != nil }

// Name returns the language code, or "universal".
func (h EngineHandle) Name() string {
	if h.Universal {
		return UniversalLanguage
	}
	return h.Language
}

// Label returns the language transcripts from this handle are attributed to:
// the language, the universal tag, or "universal" when untagged.
func (h EngineHandle) Label() string {
	if h.Universal && h.Tag != "" {
		return h.Tag
	}
	return h.Name()
}

// RoutingState is the single source of truth for which engine receives audio.
// Values are immutable; the pool replaces them atomically.
type RoutingState struct {
	Active         EngineHandle
	ActiveLanguage string
	LastSwitch     time.Time
	// Version increments on every applied switch.
	Version uint64
}

// Factory constructs a direct transcriber.
type Factory func(ctx context.Context) (stt.Engine, error)

// Pool owns the loaded direct transcribers and the universal engine, and
// serialises every change of the active engine.
//
// The language → engine mapping is written during startup through [Pool.Load]
// and frozen by [Pool.Seal]. The routing state is published through an atomic
// pointer so the frame path reads it without locking; [Pool.SwitchTo] holds a
// mutex so concurrent switches are linearizable.
type Pool struct {
	universal stt.Universal
	now       func() time.Time

	mu      sync.RWMutex
	engines map[string]stt.Engine
	failed  map[string]error
	sealed  bool

	state atomic.Pointer[RoutingState]

	switchMu sync.Mutex
	closed   atomic.Bool
}

// NewPool creates a pool whose fallback is universal. The pool starts routed
// to the universal engine.
func NewPool(universal stt.Universal) (*Pool, error) {
	if universal == nil {
		return nil, errors.New("routing: universal engine must not be nil")
	}
	if universal.Kind() != stt.KindUniversal {
		return nil, fmt.Errorf("routing: universal engine reports kind %s", universal.Kind())
	}
	p := &Pool{
		universal: universal,
		now:       time.Now,
		engines:   make(map[string]stt.Engine),
		failed:    make(map[string]error),
	}
	p.state.Store(&RoutingState{
		Active:         p.universalHandle(""),
		ActiveLanguage: UniversalLanguage,
	})
	return p, nil
}

// Load constructs and registers the direct transcriber for language. A failed
// load returns a *[ModelLoadError], is recorded in [Pool.Failed], and leaves
// other languages untouched. Load may be called concurrently until Seal.
func (p *Pool) Load(ctx context.Context, language string, factory Factory) error {
	if language == "" || language == UniversalLanguage {
		return &ModelLoadError{Language: language, Err: errors.New("invalid language code")}
	}
	p.mu.RLock()
	sealed := p.sealed
	p.mu.RUnlock()
	if sealed {
		return ErrPoolSealed
	}

	eng, err := factory(ctx)
	if err == nil && eng == nil {
		err = errors.New("factory returned nil engine")
	}
	if err == nil && eng.Kind() != stt.KindDirect {
		_ = eng.Close()
		err = ErrNotDirect
	}
	if err != nil {
		return p.recordFailure(language, err)
	}

	p.mu.Lock()
	if p.sealed {
		p.mu.Unlock()
		_ = eng.Close()
		return ErrPoolSealed
	}
	if _, dup := p.engines[language]; dup {
		p.mu.Unlock()
		_ = eng.Close()
		return &ModelLoadError{Language: language, Err: ErrDuplicateLanguage}
	}
	p.engines[language] = eng
	delete(p.failed, language)
	p.mu.Unlock()

	slog.Info("routing: engine loaded", "language", language)
	return nil
}

func (p *Pool) recordFailure(language string, err error) error {
	p.mu.Lock()
	p.failed[language] = err
	p.mu.Unlock()
	slog.Warn("routing: engine failed to load, excluding language",
		"language", language, "err", err)
	return &ModelLoadError{Language: language, Err: err}
}

// Seal freezes the language mapping. Further Load calls return ErrPoolSealed.
func (p *Pool) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

// Get returns the handle of the direct transcriber for language.
func (p *Pool) Get(language string) (EngineHandle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	eng, ok := p.engines[language]
	if !ok {
		return EngineHandle{}, false
	}
	return EngineHandle{Language: language, engine: eng}, true
}

// Universal returns the untagged universal engine handle.
func (p *Pool) Universal() EngineHandle { return p.universalHandle("") }

func (p *Pool) universalHandle(tag string) EngineHandle {
	return EngineHandle{Universal: true, Tag: tag, engine: p.universal}
}

// Detector returns the universal engine's detection capability.
func (p *Pool) Detector() stt.Detector { return p.universal }

// AvailableLanguages returns the loaded direct transcriber languages, sorted.
func (p *Pool) AvailableLanguages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.engines))
	for lang := range p.engines {
		out = append(out, lang)
	}
	slices.Sort(out)
	return out
}

// Failed returns the languages that failed to load and their errors.
func (p *Pool) Failed() map[string]error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]error, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

// Handles returns every engine handle: the universal engine first, then the
// direct transcribers in language order.
func (p *Pool) Handles() []EngineHandle {
	out := []EngineHandle{p.Universal()}
	for _, lang := range p.AvailableLanguages() {
		h, _ := p.Get(lang)
		out = append(out, h)
	}
	return out
}

// State returns the current routing state. It never blocks.
func (p *Pool) State() RoutingState {
	return *p.state.Load()
}

// SwitchTo makes t the active engine and returns the state it replaced.
//
// If the target is already active the call is a no-op and previous equals the
// current state. If the target implements [stt.Activator] it is activated
// before the state is published; a failed activation returns a
// *[SwitchRejectedError] and leaves the state unchanged. Unknown languages
// return [ErrUnknownLanguage].
func (p *Pool) SwitchTo(ctx context.Context, t Target) (previous RoutingState, err error) {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()

	if p.closed.Load() {
		return RoutingState{}, ErrPoolClosed
	}
	cur := p.state.Load()

	var next EngineHandle
	if t.Universal {
		next = p.universalHandle(t.Tag)
	} else {
		h, ok := p.Get(t.Language)
		if !ok {
			return *cur, fmt.Errorf("%w: %q", ErrUnknownLanguage, t.Language)
		}
		next = h
	}

	if sameHandle(cur.Active, next) {
		return *cur, nil
	}

	// Re-tagging the active universal engine needs no activation.
	if !(cur.Active.Universal && next.Universal) {
		if act, ok := next.engine.(stt.Activator); ok {
			if err := act.Activate(ctx); err != nil {
				return *cur, &SwitchRejectedError{Target: t.String(), Err: err}
			}
		}
	}
	if next.Universal {
		if h, ok := p.universal.(stt.LanguageHinter); ok {
			h.SetLanguage(next.Tag)
		}
	}

	active := next.Name()
	p.state.Store(&RoutingState{
		Active:         next,
		ActiveLanguage: active,
		LastSwitch:     p.now(),
		Version:        cur.Version + 1,
	})
	return *cur, nil
}

func sameHandle(a, b EngineHandle) bool {
	if a.Universal != b.Universal {
		return false
	}
	if a.Universal {
		return a.Tag == b.Tag
	}
	return a.Language == b.Language
}

// Close releases every engine and clears the routing state. In-flight
// SwitchTo calls complete first. Safe to call more than once.
func (p *Pool) Close() error {
	p.switchMu.Lock()
	defer p.switchMu.Unlock()
	if p.closed.Load() {
		return nil
	}
	p.closed.Store(true)
	p.state.Store(&RoutingState{})

	p.mu.Lock()
	p.sealed = true
	engines := p.engines
	p.mu.Unlock()

	var errs []error
	for lang, eng := range engines {
		if err := eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", lang, err))
		}
	}
	if err := p.universal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close universal: %w", err))
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool { return p.closed.Load() }

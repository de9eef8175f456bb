// Package mock provides a recording [routing.Sink] for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/lingoswitch/internal/routing"
)

// Sink records every emitted event. Safe for concurrent use.
type Sink struct {
	mu     sync.Mutex
	events []routing.Event
}

// Emit records ev.
func (s *Sink) Emit(ev routing.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of every recorded event in emission order.
func (s *Sink) Events() []routing.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]routing.Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfKind returns the recorded events of the given kind.
func (s *Sink) OfKind(kind routing.EventKind) []routing.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []routing.Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Reset clears the recorded events.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

var _ routing.Sink = (*Sink)(nil)

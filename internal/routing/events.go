package routing

import (
	"time"

	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// EventKind classifies an [Event].
type EventKind string

const (
	// EventTranscript carries a partial or final transcript.
	EventTranscript EventKind = "transcript"
	// EventSwitch reports an applied routing change.
	EventSwitch EventKind = "switch"
	// EventNoSwitch reports a detection tick that left routing unchanged.
	EventNoSwitch EventKind = "no_switch"
	// EventDetectionFailed reports a failed detection tick.
	EventDetectionFailed EventKind = "detection_failed"
	// EventEngineError reports a transcription failure.
	EventEngineError EventKind = "engine_error"
	// EventSwitchRejected reports a target engine that refused activation.
	EventSwitchRejected EventKind = "switch_rejected"
	// EventState reports an orchestrator lifecycle transition.
	EventState EventKind = "state"
	// EventSound reports a classified non-speech sound.
	EventSound EventKind = "sound_event"
)

// Event is the unit delivered to a [Sink]. Fields not relevant to Kind are
// left zero.
type Event struct {
	Kind  EventKind
	RunID string
	Time  time.Time

	// Language is the transcript language, or the tag of the universal engine.
	Language string

	// From and To name the engines involved in a switch ("universal" or a
	// language code). Tag is the detected language when To is universal.
	From, To, Tag string

	Reason Reason
	Seq    uint64

	Estimate   *stt.LanguageEstimate
	Transcript *stt.Transcript
	Sound      *sound.Event

	State State
	Err   error
}

// Sink receives orchestrator events. Emit is fire-and-forget and must return
// within a small constant bound; implementations buffer or drop rather than
// block.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

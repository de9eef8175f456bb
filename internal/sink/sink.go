// Package sink delivers routing events to the outside world.
//
// Every sink implements [routing.Sink]. Emit never blocks the caller for
// longer than a local socket write; sinks backed by a network round trip
// buffer events and drop the oldest when the buffer is full.
//
// Bundled sinks:
//   - [UDP]: one datagram port per result kind (partial, final, word, event,
//     sound).
//   - [Redis]: JSON events published on a pub/sub channel.
//   - [Log]: every event written to slog.
//   - [Multi]: fan-out to several sinks.
package sink

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MrWong99/lingoswitch/internal/routing"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// Message is the JSON form of a [routing.Event].
type Message struct {
	Kind       routing.EventKind `json:"kind"`
	RunID      string            `json:"run_id"`
	Time       time.Time         `json:"time"`
	Language   string            `json:"language,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Seq        uint64            `json:"seq,omitempty"`
	Detected   string            `json:"detected,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Text       string            `json:"text,omitempty"`
	Final      *bool             `json:"final,omitempty"`
	Words      []Word            `json:"words,omitempty"`
	Sound      string            `json:"sound,omitempty"`
	ClassID    *int              `json:"class_id,omitempty"`
	State      string            `json:"state,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Word is the per-word payload sent on the UDP word port and embedded in
// transcript messages. Confidence, Start and End are nil for partial results.
type Word struct {
	Word       string   `json:"word"`
	Confidence *float64 `json:"confidence"`
	Start      *float64 `json:"start,omitempty"`
	End        *float64 `json:"end,omitempty"`
}

// NewMessage converts ev into its wire form.
func NewMessage(ev routing.Event) Message {
	m := Message{
		Kind:     ev.Kind,
		RunID:    ev.RunID,
		Time:     ev.Time,
		Language: ev.Language,
		From:     ev.From,
		To:       ev.To,
		Tag:      ev.Tag,
		Reason:   string(ev.Reason),
		Seq:      ev.Seq,
	}
	if ev.Estimate != nil {
		m.Detected = ev.Estimate.Language
		m.Confidence = ptr(ev.Estimate.Confidence)
	}
	if tr := ev.Transcript; tr != nil {
		m.Text = tr.Text
		m.Final = ptr(tr.IsFinal)
		if tr.IsFinal && tr.Confidence > 0 {
			m.Confidence = ptr(tr.Confidence)
		}
		m.Words = wordsOf(*tr)
	}
	if snd := ev.Sound; snd != nil {
		m.Sound = snd.Label
		m.ClassID = ptr(snd.ClassID)
		m.Confidence = ptr(snd.Confidence)
	}
	if ev.Kind == routing.EventState {
		m.State = ev.State.String()
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// Encode returns the JSON encoding of ev.
func Encode(ev routing.Event) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}

// wordsOf returns per-word payloads for tr. Final results use the engine's
// word details; partials split the text and carry no confidence.
func wordsOf(tr stt.Transcript) []Word {
	if tr.IsFinal && len(tr.Words) > 0 {
		out := make([]Word, len(tr.Words))
		for i, w := range tr.Words {
			out[i] = Word{
				Word:       w.Word,
				Confidence: ptr(w.Confidence),
				Start:      ptr(w.Start.Seconds()),
				End:        ptr(w.End.Seconds()),
			}
		}
		return out
	}
	if tr.IsFinal {
		return nil
	}
	var out []Word
	for _, w := range splitWords(tr.Text) {
		out = append(out, Word{Word: w})
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// ─── Multi ───────────────────────────────────────────────────────────────────

// Multi fans every event out to each sink in order.
type Multi []routing.Sink

// Emit forwards ev to every sink.
func (m Multi) Emit(ev routing.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// Log writes events to a slog.Logger. Partial transcripts and no-switch ticks
// are logged at Debug, failures at Warn and everything else at Info.
type Log struct {
	Logger *slog.Logger
}

// Emit logs ev.
func (l Log) Emit(ev routing.Event) {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"run_id", ev.RunID}
	switch ev.Kind {
	case routing.EventTranscript:
		tr := ev.Transcript
		if tr == nil {
			return
		}
		attrs = append(attrs, "language", ev.Language, "text", tr.Text)
		if !tr.IsFinal {
			log.Debug("transcript partial", attrs...)
			return
		}
		log.Info("transcript final", append(attrs, "confidence", tr.Confidence)...)
	case routing.EventSwitch:
		attrs = append(attrs, "from", ev.From, "to", ev.To, "reason", ev.Reason)
		if ev.Tag != "" {
			attrs = append(attrs, "tag", ev.Tag)
		}
		log.Info("engine switched", attrs...)
	case routing.EventNoSwitch:
		if ev.Estimate != nil {
			attrs = append(attrs, "detected", ev.Estimate.Language, "confidence", ev.Estimate.Confidence)
		}
		log.Debug("detection kept engine", append(attrs, "active", ev.From, "reason", ev.Reason)...)
	case routing.EventDetectionFailed, routing.EventEngineError, routing.EventSwitchRejected:
		attrs = append(attrs, "kind", string(ev.Kind), "err", ev.Err)
		if ev.Language != "" {
			attrs = append(attrs, "language", ev.Language)
		}
		if ev.To != "" {
			attrs = append(attrs, "to", ev.To)
		}
		log.Warn("routing failure", attrs...)
	case routing.EventState:
		log.Info("orchestrator state", append(attrs, "state", ev.State.String())...)
	case routing.EventSound:
		if snd := ev.Sound; snd != nil {
			log.Info("sound event", append(attrs, "label", snd.Label, "class_id", snd.ClassID,
				"confidence", snd.Confidence, "offset", snd.Offset)...)
		}
	}
}

var (
	_ routing.Sink = Multi(nil)
	_ routing.Sink = Log{}
)

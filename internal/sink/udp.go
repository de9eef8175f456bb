package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/routing"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// DefaultMaxWords is the default number of words per partial datagram.
const DefaultMaxWords = 16

// UDPConfig selects the destination ports. A zero port disables that kind.
type UDPConfig struct {
	Host        string
	PartialPort int
	FinalPort   int
	WordPort    int
	EventPort   int

	// SoundPort receives [SoundMessage] datagrams. When zero, sound events
	// go to EventPort as a [Message] like every other event.
	SoundPort int

	// MaxWords bounds the words per partial datagram. Longer partials are
	// split and every chunk is sent separately.
	MaxWords int
}

// UDP sends results as datagrams, one port per kind:
//
//   - partial: plain text, at most MaxWords words per datagram
//   - final:   plain text of each final transcript
//   - word:    one JSON [Word] per recognised word
//   - event:   one JSON [Message] per non-transcript event
//   - sound:   one JSON [SoundMessage] per classified sound
type UDP struct {
	cfg     UDPConfig
	metrics *observe.Metrics

	partial, final, word, event, sound net.Conn

	mu     sync.Mutex
	closed bool
}

// UDPOption configures a [UDP] sink.
type UDPOption func(*UDP)

// WithUDPMetrics records send failures on m.
func WithUDPMetrics(m *observe.Metrics) UDPOption {
	return func(u *UDP) { u.metrics = m }
}

// NewUDP dials the configured ports.
func NewUDP(cfg UDPConfig, opts ...UDPOption) (*UDP, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = DefaultMaxWords
	}
	u := &UDP{cfg: cfg}
	for _, opt := range opts {
		opt(u)
	}
	if u.metrics == nil {
		u.metrics = observe.DefaultMetrics()
	}

	for _, p := range []struct {
		port int
		conn *net.Conn
	}{
		{cfg.PartialPort, &u.partial},
		{cfg.FinalPort, &u.final},
		{cfg.WordPort, &u.word},
		{cfg.EventPort, &u.event},
		{cfg.SoundPort, &u.sound},
	} {
		if p.port == 0 {
			continue
		}
		c, err := net.Dial("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(p.port)))
		if err != nil {
			_ = u.Close()
			return nil, fmt.Errorf("sink: dial udp port %d: %w", p.port, err)
		}
		*p.conn = c
	}
	return u, nil
}

// Emit sends ev to the port for its kind.
func (u *UDP) Emit(ev routing.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	if ev.Kind == routing.EventTranscript {
		if ev.Transcript != nil {
			u.sendTranscript(*ev.Transcript)
		}
		return
	}
	if ev.Kind == routing.EventSound && u.sound != nil {
		if ev.Sound != nil {
			u.sendSound(ev)
		}
		return
	}
	if u.event == nil {
		return
	}
	b, err := Encode(ev)
	if err != nil {
		u.fail("event", err)
		return
	}
	u.send(u.event, "event", b)
}

func (u *UDP) sendTranscript(tr stt.Transcript) {
	if tr.IsFinal {
		if text := strings.TrimSpace(tr.Text); text != "" {
			u.send(u.final, "final", []byte(text))
		}
		for _, w := range wordsOf(tr) {
			u.sendWord(w)
		}
		return
	}
	for _, chunk := range Chunk(tr.Text, u.cfg.MaxWords) {
		u.send(u.partial, "partial", []byte(chunk))
		for _, w := range splitWords(chunk) {
			u.sendWord(Word{Word: w})
		}
	}
}

func (u *UDP) sendWord(w Word) {
	if u.word == nil {
		return
	}
	b, err := json.Marshal(w)
	if err != nil {
		u.fail("word", err)
		return
	}
	u.send(u.word, "word", b)
}

// SoundMessage is the datagram sent on the sound port.
type SoundMessage struct {
	Event      string  `json:"event"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
	// Timestamp is Unix time in seconds.
	Timestamp float64 `json:"timestamp"`
}

// NewSoundMessage converts a sound event into its datagram form. Confidence
// is rounded to three decimals.
func NewSoundMessage(ev routing.Event) SoundMessage {
	snd := ev.Sound
	ts := snd.Time
	if ts.IsZero() {
		ts = ev.Time
	}
	return SoundMessage{
		Event:      snd.Label,
		ClassID:    snd.ClassID,
		Confidence: math.Round(snd.Confidence*1000) / 1000,
		Timestamp:  float64(ts.UnixMicro()) / 1e6,
	}
}

func (u *UDP) sendSound(ev routing.Event) {
	b, err := json.Marshal(NewSoundMessage(ev))
	if err != nil {
		u.fail("sound", err)
		return
	}
	u.send(u.sound, "sound", b)
}

func (u *UDP) send(c net.Conn, port string, b []byte) {
	if c == nil {
		return
	}
	if _, err := c.Write(b); err != nil {
		u.fail(port, err)
	}
}

func (u *UDP) fail(port string, err error) {
	u.metrics.RecordSinkError(context.Background(), "udp")
	slog.Debug("sink: udp send failed", "port", port, "err", err)
}

// Close closes every socket. Later Emit calls are ignored.
func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	var errs []error
	for _, c := range []net.Conn{u.partial, u.final, u.word, u.event, u.sound} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Chunk splits text into space-joined runs of at most maxWords words.
func Chunk(text string, maxWords int) []string {
	words := splitWords(text)
	if len(words) == 0 {
		return nil
	}
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	var out []string
	for i := 0; i < len(words); i += maxWords {
		end := min(i+maxWords, len(words))
		out = append(out, strings.Join(words[i:end], " "))
	}
	return out
}

func splitWords(text string) []string { return strings.Fields(text) }

var _ routing.Sink = (*UDP)(nil)

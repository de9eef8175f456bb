package vosk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/internal/wsstream"
)

const (
	defaultSampleRate = 16000
	flushTimeout      = 3 * time.Second
)

var (
	_ stt.Engine    = (*ServerEngine)(nil)
	_ stt.Activator = (*ServerEngine)(nil)
	_ stt.Flusher   = (*ServerEngine)(nil)
	_ stt.Resetter  = (*ServerEngine)(nil)
)

// ServerOption is a functional option for configuring a ServerEngine.
type ServerOption func(*ServerEngine)

// WithSampleRate sets the sample rate announced to the server. Defaults to 16000.
func WithSampleRate(rate int) ServerOption {
	return func(e *ServerEngine) { e.sampleRate = rate }
}

// ServerEngine streams audio to a vosk-server WebSocket endpoint
// (e.g. ws://localhost:2700) running a model for one language.
type ServerEngine struct {
	serverURL  string
	language   string
	sampleRate int

	mu     sync.Mutex
	stream *wsstream.Stream
	closed bool
}

// NewServer creates an engine for language talking to serverURL.
func NewServer(serverURL, language string, opts ...ServerOption) (*ServerEngine, error) {
	if serverURL == "" {
		return nil, errors.New("vosk: serverURL must not be empty")
	}
	if language == "" {
		return nil, errors.New("vosk: language must not be empty")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("vosk: parse serverURL: %w", err)
	}
	e := &ServerEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   language,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Kind implements stt.Engine.
func (e *ServerEngine) Kind() stt.Kind { return stt.KindDirect }

// Activate implements stt.Activator by connecting to the server.
func (e *ServerEngine) Activate(ctx context.Context) error {
	_, err := e.ensureStream(ctx)
	return err
}

// Accept implements stt.Engine.
func (e *ServerEngine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	s, err := e.ensureStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.SendBinary(ctx, frame.Data); err != nil {
		e.dropStream(s, nil)
		return s.Drain(), fmt.Errorf("vosk: send audio: %w", err)
	}
	return s.Drain(), nil
}

// Flush implements stt.Flusher. vosk-server finalises on EOF and then closes
// the session, so the stream is discarded afterwards and the next Accept
// reconnects.
func (e *ServerEngine) Flush(ctx context.Context) ([]stt.Transcript, error) {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.mu.Unlock()
	if s == nil || !s.Alive() {
		return nil, nil
	}
	s.ClearFinal()
	if err := s.SendText(ctx, []byte(`{"eof" : 1}`)); err != nil {
		out := s.Drain()
		_ = s.Close(nil)
		return out, fmt.Errorf("vosk: send eof: %w", err)
	}
	out := s.AwaitFinal(ctx, flushTimeout)
	_ = s.Close(nil)
	return out, nil
}

// Reset implements stt.Resetter.
func (e *ServerEngine) Reset() error {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.mu.Unlock()
	if s != nil {
		return s.Close(nil)
	}
	return nil
}

// Close implements stt.Engine.
func (e *ServerEngine) Close() error {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.closed = true
	e.mu.Unlock()
	if s != nil {
		return s.Close([]byte(`{"eof" : 1}`))
	}
	return nil
}

func (e *ServerEngine) ensureStream(ctx context.Context) (*wsstream.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, stt.ErrClosed
	}
	if e.stream != nil && e.stream.Alive() {
		return e.stream, nil
	}
	if e.stream != nil {
		_ = e.stream.Close(nil)
		e.stream = nil
	}

	s, err := wsstream.Dial(ctx, e.serverURL, nil, e.parse)
	if err != nil {
		return nil, fmt.Errorf("vosk: %w", err)
	}
	cfg := fmt.Sprintf(`{"config" : {"sample_rate" : %d, "words" : 1}}`, e.sampleRate)
	if err := s.SendText(ctx, []byte(cfg)); err != nil {
		_ = s.Close(nil)
		return nil, fmt.Errorf("vosk: send config: %w", err)
	}
	e.stream = s
	return s, nil
}

func (e *ServerEngine) dropStream(s *wsstream.Stream, closeMsg []byte) {
	e.mu.Lock()
	if e.stream == s {
		e.stream = nil
	}
	e.mu.Unlock()
	_ = s.Close(closeMsg)
}

func (e *ServerEngine) parse(msg []byte) ([]stt.Transcript, bool) {
	t, ok := parseResult(msg, e.language)
	if !ok {
		return nil, false
	}
	return []stt.Transcript{t}, true
}

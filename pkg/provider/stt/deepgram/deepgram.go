// Package deepgram provides a single-language engine backed by the Deepgram
// streaming WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/internal/wsstream"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
	flushTimeout      = 3 * time.Second
)

var (
	_ stt.Engine    = (*Engine)(nil)
	_ stt.Activator = (*Engine)(nil)
	_ stt.Flusher   = (*Engine)(nil)
	_ stt.Resetter  = (*Engine)(nil)
)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithSampleRate sets the audio sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// WithEndpoint overrides the streaming endpoint (used by tests and
// self-hosted deployments).
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) { e.endpoint = endpoint }
}

// Engine streams audio for one language to Deepgram. The connection is
// opened by Activate (or lazily by the first Accept) and reopened after a
// Reset or a dropped connection.
type Engine struct {
	apiKey     string
	language   string
	model      string
	sampleRate int
	endpoint   string

	mu     sync.Mutex
	stream *wsstream.Stream
	closed bool
}

// New creates a Deepgram engine for language. apiKey and language must be
// non-empty.
func New(apiKey, language string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if language == "" {
		return nil, errors.New("deepgram: language must not be empty")
	}
	e := &Engine{
		apiKey:     apiKey,
		language:   language,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		endpoint:   deepgramEndpoint,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Kind implements stt.Engine.
func (e *Engine) Kind() stt.Kind { return stt.KindDirect }

// Activate implements stt.Activator by opening the streaming connection.
// A failed dial rejects the switch to this engine.
func (e *Engine) Activate(ctx context.Context) error {
	_, err := e.ensureStream(ctx)
	return err
}

// Accept implements stt.Engine.
func (e *Engine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	s, err := e.ensureStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.SendBinary(ctx, frame.Data); err != nil {
		e.dropStream(s)
		return s.Drain(), fmt.Errorf("deepgram: send audio: %w", err)
	}
	return s.Drain(), nil
}

// Flush implements stt.Flusher by asking Deepgram to finalise buffered audio.
func (e *Engine) Flush(ctx context.Context) ([]stt.Transcript, error) {
	e.mu.Lock()
	s := e.stream
	e.mu.Unlock()
	if s == nil || !s.Alive() {
		return nil, nil
	}
	s.ClearFinal()
	if err := s.SendText(ctx, []byte(`{"type":"Finalize"}`)); err != nil {
		return s.Drain(), fmt.Errorf("deepgram: finalize: %w", err)
	}
	return s.AwaitFinal(ctx, flushTimeout), nil
}

// Reset implements stt.Resetter by dropping the connection; the next Accept
// opens a fresh one.
func (e *Engine) Reset() error {
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
func (e *Engine) Close() error {
	e.mu.Lock()
	s := e.stream
	e.stream = nil
	e.closed = true
	e.mu.Unlock()
	if s != nil {
		return s.Close([]byte(`{"type":"CloseStream"}`))
	}
	return nil
}

func (e *Engine) ensureStream(ctx context.Context) (*wsstream.Stream, error) {
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

	wsURL, err := e.buildURL()
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	s, err := wsstream.Dial(ctx, wsURL, headers, e.parse)
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}
	e.stream = s
	return s, nil
}

func (e *Engine) dropStream(s *wsstream.Stream) {
	e.mu.Lock()
	if e.stream == s {
		e.stream = nil
	}
	e.mu.Unlock()
	_ = s.Close(nil)
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (e *Engine) buildURL() (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", e.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(e.sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *Engine) parse(msg []byte) ([]stt.Transcript, bool) {
	t, ok := parseDeepgramResponse(msg)
	if !ok {
		return nil, false
	}
	t.Language = e.language
	return []stt.Transcript{t}, true
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}

	words := make([]stt.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.Word{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(resp.Start),
		Duration:   seconds(resp.Duration),
	}, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

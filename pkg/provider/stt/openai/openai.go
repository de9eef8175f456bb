// Package openai provides a single-language engine backed by the OpenAI
// audio transcription API (whisper-1 or gpt-4o-transcribe). Audio is
// segmented locally with the same silence detector as the whisper.cpp engine
// and each utterance is uploaded as a WAV file with a fixed language.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/internal/segment"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

var (
	_ stt.Engine   = (*Engine)(nil)
	_ stt.Flusher  = (*Engine)(nil)
	_ stt.Resetter = (*Engine)(nil)
)

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	model        string
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// Engine transcribes one language through the OpenAI API.
type Engine struct {
	client   oai.Client
	model    string
	language string
	seg      *segment.Segmenter
}

// New constructs an Engine for language.
func New(apiKey, language string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if language == "" {
		return nil, errors.New("openai stt: language must not be empty")
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: language,
		seg:      segment.New(),
	}, nil
}

// Kind implements stt.Engine.
func (e *Engine) Kind() stt.Kind { return stt.KindDirect }

// Accept implements stt.Engine.
func (e *Engine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	u, ok := e.seg.Push(frame)
	if !ok {
		return nil, nil
	}
	return e.transcribe(ctx, u)
}

// Flush implements stt.Flusher.
func (e *Engine) Flush(ctx context.Context) ([]stt.Transcript, error) {
	u, ok := e.seg.Drain()
	if !ok {
		return nil, nil
	}
	return e.transcribe(ctx, u)
}

// Reset implements stt.Resetter.
func (e *Engine) Reset() error {
	e.seg.Reset()
	return nil
}

// Close implements stt.Engine. The client holds no persistent connections.
func (e *Engine) Close() error { return nil }

func (e *Engine) transcribe(ctx context.Context, u segment.Utterance) ([]stt.Transcript, error) {
	wav := encodeWAV(u.PCM, u.SampleRate)
	resp, err := e.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:    e.model,
		Language: param.NewOpt(e.language),
	})
	if err != nil {
		return nil, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	return []stt.Transcript{{
		Text:      text,
		IsFinal:   true,
		Language:  e.language,
		Timestamp: u.Start,
		Duration:  u.Duration,
	}}, nil
}

// encodeWAV wraps mono 16-bit PCM in a RIFF/WAV header.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// Package whisper provides the multilingual whisper.cpp-backed engine used as
// the universal fallback and as the language detector.
//
// [Engine] talks to a running whisper-server binary (POST /inference). It
// simulates streaming by buffering incoming PCM, applying an energy-based
// silence detector to segment utterances, and submitting each completed
// utterance as a batch inference request. Language detection submits the
// detection window with language=auto and reads the detected language and its
// probability from the verbose JSON response.
//
// [NativeEngine] does the same in-process through the CGO bindings and is
// only available with the "whispercpp" build tag.
//
// Usage:
//
//	e, err := whisper.New("http://localhost:8080",
//	    whisper.WithSilenceThreshold(500*time.Millisecond),
//	)
//	est, err := e.DetectLanguage(ctx, window)
//	results, err := e.Accept(ctx, frame)
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/internal/segment"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultSampleRate = 16000
)

// Compile-time assertions for the capabilities Engine provides.
var (
	_ stt.Universal      = (*Engine)(nil)
	_ stt.Flusher        = (*Engine)(nil)
	_ stt.Resetter       = (*Engine)(nil)
	_ stt.LanguageHinter = (*Engine)(nil)
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "small", "medium"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithSilenceThreshold sets the consecutive-silence duration that triggers a
// flush of the accumulated speech buffer. Defaults to 500ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(e *Engine) { e.seg.SilenceThreshold = d }
}

// WithMaxBufferDuration sets the maximum duration of audio that may
// accumulate before a flush is forced regardless of silence. Defaults to 10s.
func WithMaxBufferDuration(d time.Duration) Option {
	return func(e *Engine) { e.seg.MaxBuffer = d }
}

// WithNoiseThreshold sets the mean absolute amplitude in [0, 1] below which
// utterances and detection windows are skipped. Defaults to 0.01.
func WithNoiseThreshold(v float64) Option {
	return func(e *Engine) { e.seg.NoiseThreshold = v }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// Engine is a universal engine backed by a whisper.cpp HTTP server.
// Accept, Flush and Reset must be called from a single goroutine;
// DetectLanguage and SetLanguage are safe to call concurrently with them.
type Engine struct {
	serverURL  string
	model      string
	httpClient *http.Client

	seg *segment.Segmenter

	mu       sync.Mutex
	language string // transcription hint; empty means auto
	closed   bool
}

// New creates an Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		seg:        segment.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Kind implements stt.Engine.
func (e *Engine) Kind() stt.Kind { return stt.KindUniversal }

// SetLanguage implements stt.LanguageHinter.
func (e *Engine) SetLanguage(language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = language
}

// Accept implements stt.Engine. Inference runs synchronously on the calling
// goroutine once an utterance completes; whisper.cpp cannot emit real
// partials, so a partial and a final with identical text are returned.
func (e *Engine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	if e.isClosed() {
		return nil, stt.ErrClosed
	}
	u, ok := e.seg.Push(frame)
	if !ok {
		return nil, nil
	}
	return e.transcribe(ctx, u)
}

// Flush implements stt.Flusher.
func (e *Engine) Flush(ctx context.Context) ([]stt.Transcript, error) {
	if e.isClosed() {
		return nil, stt.ErrClosed
	}
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

// ErrNoProbability is returned by [Engine.DetectLanguage] when the server names
// a language without its probability. Such a detection cannot be weighed
// against the confidence threshold.
var ErrNoProbability = errors.New("whisper: server returned no language probability")

// DetectLanguage implements stt.Detector. The server's probability is clamped
// to [0, 1].
func (e *Engine) DetectLanguage(ctx context.Context, window []audio.AudioFrame) (stt.LanguageEstimate, error) {
	if e.isClosed() {
		return stt.LanguageEstimate{}, stt.ErrClosed
	}
	if len(window) == 0 {
		return stt.LanguageEstimate{}, stt.ErrInsufficientAudio
	}
	pcm := audio.Concat(window)
	if e.seg.IsNoise(pcm) {
		return stt.LanguageEstimate{}, stt.ErrInsufficientAudio
	}
	resp, err := e.infer(ctx, pcm, window[0].SampleRate, "auto")
	if err != nil {
		return stt.LanguageEstimate{}, err
	}
	lang := resp.DetectedLanguage
	if lang == "" {
		lang = resp.Language
	}
	code := LanguageCode(lang)
	if code == "" {
		return stt.LanguageEstimate{}, fmt.Errorf("whisper: server returned no detected language")
	}
	if resp.DetectedLanguageProbability == nil {
		return stt.LanguageEstimate{}, fmt.Errorf("%w (detected %q)", ErrNoProbability, code)
	}
	return stt.LanguageEstimate{
		Language:   code,
		Confidence: max(0, min(1, *resp.DetectedLanguageProbability)),
		Timestamp:  time.Now(),
	}, nil
}

// Close implements stt.Engine. The HTTP engine holds no connections between
// requests, so Close only marks the engine unusable.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) transcribe(ctx context.Context, u segment.Utterance) ([]stt.Transcript, error) {
	e.mu.Lock()
	lang := e.language
	e.mu.Unlock()
	if lang == "" {
		lang = "auto"
	}

	resp, err := e.infer(ctx, u.PCM, u.SampleRate, lang)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, nil
	}
	detected := LanguageCode(resp.DetectedLanguage)
	if detected == "" {
		detected = LanguageCode(resp.Language)
	}
	base := stt.Transcript{
		Text:      text,
		Language:  detected,
		Timestamp: u.Start,
		Duration:  u.Duration,
	}
	partial, final := base, base
	final.IsFinal = true
	return []stt.Transcript{partial, final}, nil
}

// inferenceResponse is the subset of whisper-server's verbose_json output
// the engine consumes.
type inferenceResponse struct {
	Text                        string   `json:"text"`
	Language                    string   `json:"language"`
	DetectedLanguage            string   `json:"detected_language"`
	DetectedLanguageProbability *float64 `json:"detected_language_probability"`
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data.
func (e *Engine) infer(ctx context.Context, pcm []byte, sampleRate int, language string) (inferenceResponse, error) {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	wav := encodeWAV(pcm, sampleRate, 1)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"language":        language,
		"response_format": "verbose_json",
	}
	if e.model != "" {
		fields["model"] = e.model
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return inferenceResponse{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return inferenceResponse{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return inferenceResponse{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result, nil
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container suitable for a multipart form upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

//go:build whispercpp

// This file contains the NativeEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/internal/segment"
)

// Compile-time assertions for the capabilities NativeEngine provides.
var (
	_ stt.Universal      = (*NativeEngine)(nil)
	_ stt.Flusher        = (*NativeEngine)(nil)
	_ stt.Resetter       = (*NativeEngine)(nil)
	_ stt.LanguageHinter = (*NativeEngine)(nil)
)

// NativeEngine is a universal engine running whisper.cpp in-process. The
// model is loaded once; every inference and detection pass creates its own
// whisper context, so DetectLanguage may run concurrently with Accept.
type NativeEngine struct {
	model   whisperlib.Model
	threads uint
	seg     *segment.Segmenter

	mu        sync.Mutex
	language  string
	closeOnce sync.Once
	closed    bool

	// inference is read-held by every pass using model; Close write-locks it
	// so the model is never freed under a running pass.
	inference sync.RWMutex
}

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeThreads sets the number of CPU threads per inference. Defaults to
// runtime.NumCPU().
func WithNativeThreads(n uint) NativeOption {
	return func(e *NativeEngine) {
		if n > 0 {
			e.threads = n
		}
	}
}

// WithNativeSilenceThreshold sets the consecutive-silence duration that
// triggers a flush of the accumulated speech buffer. Defaults to 500ms.
func WithNativeSilenceThreshold(d time.Duration) NativeOption {
	return func(e *NativeEngine) { e.seg.SilenceThreshold = d }
}

// WithNativeMaxBufferDuration sets the maximum buffered audio duration before
// a forced flush. Defaults to 10s.
func WithNativeMaxBufferDuration(d time.Duration) NativeOption {
	return func(e *NativeEngine) { e.seg.MaxBuffer = d }
}

// WithNativeNoiseThreshold sets the mean absolute amplitude below which audio
// is skipped. Defaults to 0.01.
func WithNativeNoiseThreshold(v float64) NativeOption {
	return func(e *NativeEngine) { e.seg.NoiseThreshold = v }
}

// NewNative loads the whisper.cpp model at modelPath. English-only models are
// rejected because they cannot detect language.
func NewNative(modelPath string, opts ...NativeOption) (*NativeEngine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if !model.IsMultilingual() {
		_ = model.Close()
		return nil, fmt.Errorf("whisper: model %q is not multilingual", modelPath)
	}

	e := &NativeEngine{
		model:   model,
		threads: uint(runtime.NumCPU()),
		seg:     segment.New(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Kind implements stt.Engine.
func (e *NativeEngine) Kind() stt.Kind { return stt.KindUniversal }

// SetLanguage implements stt.LanguageHinter.
func (e *NativeEngine) SetLanguage(language string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.language = language
}

// Accept implements stt.Engine.
func (e *NativeEngine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
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
func (e *NativeEngine) Flush(ctx context.Context) ([]stt.Transcript, error) {
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
func (e *NativeEngine) Reset() error {
	e.seg.Reset()
	return nil
}

// DetectLanguage implements stt.Detector. The window is decoded with
// automatic language selection; the confidence is the highest probability
// of whisper's language classifier for the same mel spectrogram.
func (e *NativeEngine) DetectLanguage(ctx context.Context, window []audio.AudioFrame) (stt.LanguageEstimate, error) {
	e.inference.RLock()
	defer e.inference.RUnlock()
	if e.isClosed() {
		return stt.LanguageEstimate{}, stt.ErrClosed
	}
	pcm := audio.Concat(window)
	if e.seg.IsNoise(pcm) {
		return stt.LanguageEstimate{}, stt.ErrInsufficientAudio
	}
	if err := ctx.Err(); err != nil {
		return stt.LanguageEstimate{}, err
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return stt.LanguageEstimate{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage("auto"); err != nil {
		return stt.LanguageEstimate{}, fmt.Errorf("whisper: set auto language: %w", err)
	}
	wctx.SetThreads(e.threads)
	if err := wctx.Process(audio.PCM16ToFloat32(pcm), nil, nil, nil); err != nil {
		return stt.LanguageEstimate{}, fmt.Errorf("whisper: process window: %w", err)
	}
	lang := LanguageCode(wctx.DetectedLanguage())
	if lang == "" {
		return stt.LanguageEstimate{}, errors.New("whisper: no language detected")
	}

	probs, err := wctx.WhisperLangAutoDetect(0, int(e.threads))
	if err != nil {
		return stt.LanguageEstimate{}, fmt.Errorf("whisper: language probabilities: %w", err)
	}
	var best float32
	for _, p := range probs {
		if p > best {
			best = p
		}
	}
	return stt.LanguageEstimate{
		Language:   lang,
		Confidence: float64(best),
		Timestamp:  time.Now(),
	}, nil
}

// Close releases the whisper model once running passes have finished. Safe to
// call more than once.
func (e *NativeEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.inference.Lock()
		defer e.inference.Unlock()
		err = e.model.Close()
	})
	return err
}

func (e *NativeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// transcribe runs whisper.cpp inference on a fresh context and returns the
// concatenated segment text as a partial/final pair.
func (e *NativeEngine) transcribe(ctx context.Context, u segment.Utterance) ([]stt.Transcript, error) {
	e.inference.RLock()
	defer e.inference.RUnlock()
	if e.isClosed() {
		return nil, stt.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	lang := e.language
	e.mu.Unlock()
	if lang == "" {
		lang = "auto"
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto", "language", lang, "error", err)
		_ = wctx.SetLanguage("auto")
	}
	wctx.SetThreads(e.threads)

	if err := wctx.Process(audio.PCM16ToFloat32(u.PCM), nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return nil, nil
	}

	base := stt.Transcript{
		Text:      text,
		Language:  LanguageCode(wctx.DetectedLanguage()),
		Timestamp: u.Start,
		Duration:  u.Duration,
	}
	final := base
	final.IsFinal = true
	return []stt.Transcript{base, final}, nil
}

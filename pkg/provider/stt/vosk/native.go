//go:build vosk

package vosk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

var (
	_ stt.Engine   = (*NativeEngine)(nil)
	_ stt.Flusher  = (*NativeEngine)(nil)
	_ stt.Resetter = (*NativeEngine)(nil)
)

// NativeEngine runs a Vosk model in-process through libvosk.
type NativeEngine struct {
	language string

	mu         sync.Mutex
	model      *vosklib.VoskModel
	recognizer *vosklib.VoskRecognizer
}

// NewNative loads the Vosk model directory at modelPath for language.
func NewNative(modelPath, language string, sampleRate int) (*NativeEngine, error) {
	if language == "" {
		return nil, errors.New("vosk: language must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("vosk: model %q: %w", modelPath, err)
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	vosklib.SetLogLevel(-1)

	model, err := vosklib.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", modelPath, err)
	}
	rec, err := vosklib.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}
	rec.SetWords(1)

	return &NativeEngine{
		language:   language,
		model:      model,
		recognizer: rec,
	}, nil
}

// Kind implements stt.Engine.
func (e *NativeEngine) Kind() stt.Kind { return stt.KindDirect }

// Accept implements stt.Engine.
func (e *NativeEngine) Accept(ctx context.Context, frame audio.AudioFrame) ([]stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer == nil {
		return nil, stt.ErrClosed
	}

	var raw string
	switch e.recognizer.AcceptWaveform(frame.Data) {
	case 1:
		raw = e.recognizer.Result()
	case 0:
		raw = e.recognizer.PartialResult()
	default:
		return nil, errors.New("vosk: recognizer rejected waveform")
	}
	t, ok := parseResult([]byte(raw), e.language)
	if !ok {
		return nil, nil
	}
	return []stt.Transcript{t}, nil
}

// Flush implements stt.Flusher.
func (e *NativeEngine) Flush(context.Context) ([]stt.Transcript, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer == nil {
		return nil, stt.ErrClosed
	}
	t, ok := parseResult([]byte(e.recognizer.FinalResult()), e.language)
	if !ok {
		return nil, nil
	}
	return []stt.Transcript{t}, nil
}

// Reset implements stt.Resetter.
func (e *NativeEngine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		e.recognizer.Reset()
	}
	return nil
}

// Close frees the recognizer and model. Safe to call more than once.
func (e *NativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recognizer != nil {
		e.recognizer.Free()
		e.recognizer = nil
	}
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

//go:build whispercpp

package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a multilingual whisper model for
// integration tests. It reads from the WHISPER_MODEL_PATH environment
// variable. If unset the test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNative_SilenceIsInsufficientForDetection(t *testing.T) {
	e, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	window := []audio.AudioFrame{frameOf(makeSilencePCM(16000), 0)}
	_, err = e.DetectLanguage(context.Background(), window)
	if !errors.Is(err, stt.ErrInsufficientAudio) {
		t.Fatalf("err = %v, want ErrInsufficientAudio", err)
	}
}

func TestNative_AcceptSilenceProducesNothing(t *testing.T) {
	e, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	for i := range 4 {
		got, err := e.Accept(context.Background(), frameOf(makeSilencePCM(4000), uint64(i)))
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("unexpected transcripts for silence: %v", got)
		}
	}
}

func TestNative_CloseIdempotent(t *testing.T) {
	e, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := e.Accept(context.Background(), frameOf(makeSilencePCM(160), 0)); !errors.Is(err, stt.ErrClosed) {
		t.Fatalf("Accept after Close: err = %v, want ErrClosed", err)
	}
}

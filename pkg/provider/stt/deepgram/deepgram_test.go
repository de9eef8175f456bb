package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	e, err := New("test-key", "en")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := e.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_CustomOptions(t *testing.T) {
	e, err := New("key", "de", WithModel("base"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := e.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 1.0,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("expected confidence 0.95, got %f", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	assertEqual(t, "word[0]", "Hello", tr.Words[0].Word)
	if tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != time.Second {
		t.Errorf("timing = %v/%v, want 1.5s/1s", tr.Timestamp, tr.Duration)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"non-results", `{"type":"Metadata","request_id":"abc"}`},
		{"empty alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"empty transcript", `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":""}]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := parseDeepgramResponse([]byte(tt.raw)); ok {
				t.Error("expected ok=false")
			}
		})
	}
}

// ---- Constructor tests ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "en"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty language")
	}
}

func TestNew_Defaults(t *testing.T) {
	e, err := New("key", "es")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertEqual(t, "model", defaultModel, e.model)
	assertEqual(t, "language", "es", e.language)
	if e.sampleRate != defaultSampleRate {
		t.Errorf("expected sampleRate %d, got %d", defaultSampleRate, e.sampleRate)
	}
	if e.Kind() != stt.KindDirect {
		t.Errorf("Kind() = %v, want direct", e.Kind())
	}
}

// ---- streaming tests ----

// newFakeDeepgram answers every binary frame with an interim result and a
// Finalize request with a final result.
func newFakeDeepgram(t *testing.T, frames *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var reply string
			if typ == websocket.MessageBinary {
				n := frames.Add(1)
				reply = fmt.Sprintf(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"partial %d","confidence":0.5}]}}`, n)
			} else if string(msg) == `{"type":"Finalize"}` {
				reply = `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hola","confidence":0.9}]}}`
			} else {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEngine_StreamAndFlush(t *testing.T) {
	var frames atomic.Int32
	srv := newFakeDeepgram(t, &frames)

	e, err := New("key", "es", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	frame := audio.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, Channels: 1}
	for range 3 {
		if _, err := e.Accept(ctx, frame); err != nil {
			t.Fatalf("Accept: %v", err)
		}
	}

	got, err := e.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var final *stt.Transcript
	for i := range got {
		if got[i].IsFinal {
			final = &got[i]
		}
	}
	if final == nil {
		t.Fatalf("Flush returned no final transcript: %+v", got)
	}
	if final.Text != "hola" || final.Language != "es" {
		t.Errorf("final = %+v, want text hola language es", *final)
	}
	if frames.Load() != 3 {
		t.Errorf("server saw %d frames, want 3", frames.Load())
	}
}

func TestEngine_ActivateRejectedOnDialFailure(t *testing.T) {
	var frames atomic.Int32
	srv := newFakeDeepgram(t, &frames)

	e, err := New("wrong", "es", WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	if err := e.Activate(context.Background()); err == nil {
		t.Fatal("expected Activate to fail with bad credentials")
	}
}

func TestEngine_AcceptAfterClose(t *testing.T) {
	e, err := New("key", "en")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = e.Close()
	_, err = e.Accept(context.Background(), audio.AudioFrame{Data: []byte{0, 0}})
	if !errors.Is(err, stt.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

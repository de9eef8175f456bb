package vosk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
		wantWords int
		wantConf  float64
	}{
		{"partial", `{"partial" : "hola que"}`, true, "hola que", false, 0, 0},
		{"empty partial", `{"partial" : ""}`, false, "", false, 0, 0},
		{"final without words", `{"text" : "buenos dias"}`, true, "buenos dias", true, 0, 0},
		{
			"final with words",
			`{"result":[{"conf":1.0,"start":0.5,"end":0.9,"word":"hello"},{"conf":0.5,"start":1.0,"end":1.5,"word":"world"}],"text":"hello world"}`,
			true, "hello world", true, 2, 0.75,
		},
		{"empty final", `{"text" : ""}`, false, "", false, 0, 0},
		{"garbage", `not json`, false, "", false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResult([]byte(tt.raw), "es")
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Text != tt.wantText || got.IsFinal != tt.wantFinal {
				t.Errorf("got %q final=%v, want %q final=%v", got.Text, got.IsFinal, tt.wantText, tt.wantFinal)
			}
			if len(got.Words) != tt.wantWords {
				t.Errorf("words = %d, want %d", len(got.Words), tt.wantWords)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %f, want %f", got.Confidence, tt.wantConf)
			}
			if got.Language != "es" {
				t.Errorf("language = %q, want es", got.Language)
			}
		})
	}
}

func TestParseResult_Timing(t *testing.T) {
	got, ok := parseResult([]byte(`{"result":[{"conf":1,"start":0.5,"end":0.9,"word":"a"},{"conf":1,"start":1.0,"end":1.5,"word":"b"}],"text":"a b"}`), "en")
	if !ok {
		t.Fatal("expected ok")
	}
	if got.Timestamp != 500*time.Millisecond || got.Duration != time.Second {
		t.Errorf("timing = %v/%v, want 500ms/1s", got.Timestamp, got.Duration)
	}
}

// fakeVoskServer mimics vosk-server: a config message, partials per audio
// chunk, and a final followed by a normal close on EOF.
type fakeVoskServer struct {
	*httptest.Server

	mu      sync.Mutex
	configs []string
	chunks  int
	conns   int
}

func newFakeVoskServer(t *testing.T) *fakeVoskServer {
	t.Helper()
	f := &fakeVoskServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.conns++
		f.mu.Unlock()
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
			if typ == websocket.MessageText {
				switch {
				case strings.Contains(string(msg), `"config"`):
					f.mu.Lock()
					f.configs = append(f.configs, string(msg))
					f.mu.Unlock()
				case strings.Contains(string(msg), `"eof"`):
					_ = conn.Write(ctx, websocket.MessageText, []byte(`{"result":[{"conf":0.9,"start":0,"end":0.4,"word":"hola"}],"text":"hola"}`))
					_ = conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				continue
			}
			f.mu.Lock()
			f.chunks++
			f.mu.Unlock()
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"partial" : "ho"}`)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeVoskServer) stats() (configs []string, chunks, conns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.configs...), f.chunks, f.conns
}

func TestServerEngine_StreamFlushReconnect(t *testing.T) {
	srv := newFakeVoskServer(t)
	e, err := NewServer(srv.URL, "es")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.Activate(ctx); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	frame := audio.AudioFrame{Data: make([]byte, 8000), SampleRate: 16000, Channels: 1}
	for range 2 {
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
	if final == nil || final.Text != "hola" || len(final.Words) != 1 {
		t.Fatalf("Flush = %+v, want final 'hola' with one word", got)
	}

	// The server closed the session after EOF; the next Accept reconnects.
	if _, err := e.Accept(ctx, frame); err != nil {
		t.Fatalf("Accept after flush: %v", err)
	}
	configs, _, conns := srv.stats()
	if conns != 2 {
		t.Errorf("connections = %d, want 2", conns)
	}
	if len(configs) == 0 || !strings.Contains(configs[0], `"sample_rate" : 16000`) {
		t.Errorf("config message = %v", configs)
	}
}

func TestServerEngine_ActivateFailsWhenUnreachable(t *testing.T) {
	e, err := NewServer("ws://127.0.0.1:1", "en")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Activate(ctx); err == nil {
		t.Fatal("expected Activate to fail")
	}
}

func TestServerEngine_Validation(t *testing.T) {
	if _, err := NewServer("", "en"); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := NewServer("ws://localhost:2700", ""); err == nil {
		t.Error("expected error for empty language")
	}
}

func TestServerEngine_AcceptAfterClose(t *testing.T) {
	e, err := NewServer("ws://localhost:2700", "en")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	_ = e.Close()
	if _, err := e.Accept(context.Background(), audio.AudioFrame{}); !errors.Is(err, stt.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

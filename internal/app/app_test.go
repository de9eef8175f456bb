package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/lingoswitch/internal/app"
	"github.com/MrWong99/lingoswitch/internal/config"
	"github.com/MrWong99/lingoswitch/internal/routing"
	sinkmock "github.com/MrWong99/lingoswitch/internal/sink/mock"
	"github.com/MrWong99/lingoswitch/pkg/audio/source"
	srcmock "github.com/MrWong99/lingoswitch/pkg/audio/source/mock"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	soundmock "github.com/MrWong99/lingoswitch/pkg/provider/sound/mock"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	sttmock "github.com/MrWong99/lingoswitch/pkg/provider/stt/mock"
)

// testConfig returns a config with two working languages and one whose
// model fails to load.
func testConfig() *config.Config {
	cfg := &config.Config{
		Audio: config.AudioConfig{
			Source: config.ProviderEntry{Name: "mock"},
		},
		Routing: config.RoutingConfig{
			DefaultLanguage:   "en",
			DetectionInterval: time.Hour,
		},
		Engines: config.EnginesConfig{
			Universal: config.ProviderEntry{Name: "mock"},
			Languages: []config.LanguageEntry{
				{Language: "en", ProviderEntry: config.ProviderEntry{Name: "mock"}},
				{Language: "es", ProviderEntry: config.ProviderEntry{Name: "mock"}},
				{Language: "fr", ProviderEntry: config.ProviderEntry{Name: "broken"}},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// engines records every engine the test registry hands out.
type engines struct {
	mu        sync.Mutex
	universal []*sttmock.Universal
	direct    map[string]*sttmock.Engine
	src       *srcmock.Source
}

func testRegistry() (*config.Registry, *engines) {
	e := &engines{direct: make(map[string]*sttmock.Engine)}
	reg := config.NewRegistry()
	reg.RegisterUniversal("mock", func(config.ProviderEntry, config.AudioConfig) (stt.Universal, error) {
		u := &sttmock.Universal{}
		e.mu.Lock()
		e.universal = append(e.universal, u)
		e.mu.Unlock()
		return u, nil
	})
	reg.RegisterTranscriber("mock", func(l config.LanguageEntry, _ config.AudioConfig) (stt.Engine, error) {
		eng := &sttmock.Engine{}
		e.mu.Lock()
		e.direct[l.Language] = eng
		e.mu.Unlock()
		return eng, nil
	})
	reg.RegisterTranscriber("broken", func(config.LanguageEntry, config.AudioConfig) (stt.Engine, error) {
		return nil, errors.New("model not found")
	})
	reg.RegisterSource("mock", func(config.AudioConfig) (source.Source, error) {
		e.src = &srcmock.Source{Frames: srcmock.Silence(16000, 250*time.Millisecond, 4)}
		return e.src, nil
	})
	return reg, e
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *engines) {
	t.Helper()
	reg, e := testRegistry()
	a, err := app.New(context.Background(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a, e
}

func TestNew_LoadsLanguages(t *testing.T) {
	t.Parallel()
	a, e := newApp(t, testConfig())

	if got := a.Pool().AvailableLanguages(); !slices.Equal(got, []string{"en", "es"}) {
		t.Errorf("AvailableLanguages = %v, want [en es]", got)
	}
	if _, ok := a.Pool().Failed()["fr"]; !ok {
		t.Errorf("Failed = %v, want fr recorded", a.Pool().Failed())
	}
	if len(e.universal) != 1 {
		t.Errorf("universal engines created = %d, want 1", len(e.universal))
	}
	if a.Source() != e.src {
		t.Error("source was not created from the registry")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unregistered universal", func(c *config.Config) { c.Engines.Universal.Name = "whisper" }},
		{"missing source", func(c *config.Config) { c.Audio.Source.Name = "" }},
		{"unregistered source", func(c *config.Config) { c.Audio.Source.Name = "portaudio" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			reg, e := testRegistry()
			if _, err := app.New(context.Background(), cfg, reg); err == nil {
				t.Fatal("expected error, got nil")
			}
			// Whatever was loaded before the failure is released.
			for lang, eng := range e.direct {
				if _, _, _, closed := eng.Calls(); closed == 0 {
					t.Errorf("engine %s not closed", lang)
				}
			}
		})
	}
}

func TestNew_DetectorFallbacks(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Engines.UniversalFallbacks = []config.ProviderEntry{{Name: "mock"}, {Name: "absent"}}

	a, e := newApp(t, cfg)
	if len(e.universal) != 2 {
		t.Errorf("universal engines created = %d, want primary + 1 fallback", len(e.universal))
	}

	code, body := do(t, a.Handler(), http.MethodGet, "/status")
	if code != http.StatusOK {
		t.Fatalf("GET /status = %d", code)
	}
	var st struct {
		Detectors []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"detectors"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(st.Detectors) != 2 || st.Detectors[0].State != "closed" {
		t.Errorf("detectors = %+v", st.Detectors)
	}

	_, body = do(t, a.Handler(), http.MethodGet, "/readyz")
	if !strings.Contains(string(body), `"detector":"ok"`) {
		t.Errorf("readyz body = %s, want detector check", body)
	}
}

func TestRun_SourceExhausted(t *testing.T) {
	t.Parallel()
	rec := &sinkmock.Sink{}
	a, e := newApp(t, testConfig(), app.WithSink(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil at end of stream", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	if got := a.Orchestrator().State(); got != routing.StateStopped {
		t.Errorf("state = %s, want STOPPED", got)
	}
	if e.src.CallCountClose != 1 {
		t.Errorf("source Close calls = %d, want 1", e.src.CallCountClose)
	}
	states := rec.OfKind(routing.EventState)
	if len(states) == 0 || states[len(states)-1].State != routing.StateStopped {
		t.Errorf("state events = %+v, want last STOPPED", states)
	}
	switches := rec.OfKind(routing.EventSwitch)
	if len(switches) == 0 || switches[0].To != "en" || switches[0].Reason != routing.ReasonStartup {
		t.Errorf("switch events = %+v, want startup switch to en", switches)
	}
}

func TestRun_SoundEvents(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Sound = &config.SoundConfig{ProviderEntry: config.ProviderEntry{Name: "mock"}}
	c := &soundmock.Classifier{Event: sound.Event{Label: "Music", ClassID: 132, Confidence: 0.9}}
	rec := &sinkmock.Sink{}
	a, _ := newApp(t, cfg, app.WithSink(rec), app.WithSoundClassifier(c))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	sounds := rec.OfKind(routing.EventSound)
	if len(sounds) != 1 || sounds[0].Sound.Label != "Music" {
		t.Errorf("sound events = %+v, want one Music event", sounds)
	}
	if c.CloseCallCount != 1 {
		t.Errorf("classifier Close calls = %d, want 1", c.CloseCallCount)
	}
}

func TestNew_SoundClassifierUnavailable(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Sound = &config.SoundConfig{ProviderEntry: config.ProviderEntry{Name: "yamnet"}}
	rec := &sinkmock.Sink{}
	a, _ := newApp(t, cfg, app.WithSink(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want the run to continue without sound events", err)
	}
	if n := len(rec.OfKind(routing.EventSound)); n != 0 {
		t.Errorf("sound events = %d, want 0", n)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	t.Parallel()
	src := &srcmock.Source{
		Frames:   srcmock.Silence(16000, 250*time.Millisecond, 1000),
		Interval: 10 * time.Millisecond,
	}
	a, _ := newApp(t, testConfig(), app.WithSource(src))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

type statusBody struct {
	State              string   `json:"state"`
	ActiveLanguage     string   `json:"active_language"`
	AvailableLanguages []string `json:"available_languages"`
	FailedLanguages    []string `json:"failed_languages"`
}

func do(t *testing.T, h http.Handler, method, target string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec.Code, rec.Body.Bytes()
}

func startedApp(t *testing.T) *app.App {
	t.Helper()
	a, _ := newApp(t, testConfig())
	if err := a.Orchestrator().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func TestHTTP_Status(t *testing.T) {
	t.Parallel()
	a := startedApp(t)

	code, body := do(t, a.Handler(), "GET", "/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var st statusBody
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "RUNNING" || st.ActiveLanguage != "en" {
		t.Errorf("status = %+v", st)
	}
	if !slices.Equal(st.AvailableLanguages, []string{"en", "es"}) || !slices.Equal(st.FailedLanguages, []string{"fr"}) {
		t.Errorf("languages = %+v", st)
	}
}

func TestHTTP_Switch(t *testing.T) {
	t.Parallel()
	a := startedApp(t)
	h := a.Handler()

	tests := []struct {
		target string
		want   int
		active string
	}{
		{"/switch?target=es", http.StatusOK, "es"},
		{"/switch?target=universal", http.StatusOK, "universal"},
		{"/switch?target=de", http.StatusNotFound, "universal"},
		{"/switch", http.StatusBadRequest, "universal"},
	}
	for _, tt := range tests {
		code, _ := do(t, h, "POST", tt.target)
		if code != tt.want {
			t.Errorf("POST %s = %d, want %d", tt.target, code, tt.want)
		}
		if got := a.Orchestrator().Status().ActiveLanguage; got != tt.active {
			t.Errorf("after %s active = %q, want %q", tt.target, got, tt.active)
		}
	}

	if code, _ := do(t, h, "GET", "/switch?target=es"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /switch = %d, want 405", code)
	}
}

func TestHTTP_SwitchAfterStop(t *testing.T) {
	t.Parallel()
	a := startedApp(t)
	if err := a.Orchestrator().Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if code, _ := do(t, a.Handler(), "POST", "/switch?target=es"); code != http.StatusServiceUnavailable {
		t.Errorf("POST /switch after stop = %d, want 503", code)
	}
}

func TestHTTP_Threshold(t *testing.T) {
	t.Parallel()
	a := startedApp(t)
	h := a.Handler()

	if code, _ := do(t, h, "POST", "/threshold?value=0.8"); code != http.StatusOK {
		t.Errorf("valid threshold = %d", code)
	}
	if got := a.Orchestrator().ConfidenceThreshold(); got != 0.8 {
		t.Errorf("threshold = %v, want 0.8", got)
	}
	for _, q := range []string{"value=1.5", "value=0", "value=high", ""} {
		if code, _ := do(t, h, "POST", "/threshold?"+q); code != http.StatusBadRequest {
			t.Errorf("threshold %q = %d, want 400", q, code)
		}
	}
	if got := a.Orchestrator().ConfidenceThreshold(); got != 0.8 {
		t.Errorf("threshold changed by invalid request: %v", got)
	}
}

func TestHTTP_Readyz(t *testing.T) {
	t.Parallel()
	a, _ := newApp(t, testConfig())
	h := a.Handler()

	if code, _ := do(t, h, "GET", "/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start = %d, want 503", code)
	}
	if err := a.Orchestrator().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if code, _ := do(t, h, "GET", "/readyz"); code != http.StatusOK {
		t.Errorf("readyz while running = %d, want 200", code)
	}
	if code, _ := do(t, h, "GET", "/healthz"); code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", code)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	a := startedApp(t)

	a.ApplyConfig(nil, nil, config.ConfigDiff{ThresholdChanged: true, NewThreshold: 0.65})
	if got := a.Orchestrator().ConfidenceThreshold(); got != 0.65 {
		t.Errorf("threshold = %v, want 0.65", got)
	}

	a.ApplyConfig(nil, nil, config.ConfigDiff{ThresholdChanged: true, NewThreshold: 3})
	if got := a.Orchestrator().ConfidenceThreshold(); got != 0.65 {
		t.Errorf("invalid threshold applied: %v", got)
	}
}

// ─── Redis sink wiring ───────────────────────────────────────────────────────

type publisher struct {
	mu       sync.Mutex
	channels []string
}

func (p *publisher) Publish(ctx context.Context, channel string, _ any) *redis.IntCmd {
	p.mu.Lock()
	p.channels = append(p.channels, channel)
	p.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestRedisSink_ReceivesEvents(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Sink.Redis = &config.RedisSinkConfig{Addr: "localhost:6379", Channel: "test.events"}
	pub := &publisher{}

	reg, _ := testRegistry()
	a, err := app.New(context.Background(), cfg, reg, app.WithRedisPublisher(pub))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Orchestrator().Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.channels) == 0 {
		t.Fatal("no events published")
	}
	for _, ch := range pub.channels {
		if ch != "test.events" {
			t.Errorf("published on %q", ch)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, e := newApp(t, testConfig())

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if e.src.CallCountClose != 1 {
		t.Errorf("source Close calls = %d, want 1", e.src.CallCountClose)
	}
	if !a.Pool().Closed() {
		t.Error("pool not closed")
	}
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	t.Parallel()
	reg, _ := testRegistry()
	a, err := app.New(context.Background(), testConfig(), reg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}

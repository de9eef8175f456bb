package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/resilience"
	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
	sttmock "github.com/MrWong99/lingoswitch/pkg/provider/stt/mock"
)

const frameDur = 250 * time.Millisecond

// harness bundles an orchestrator with its mocks.
type harness struct {
	o       *Orchestrator
	pool    *Pool
	u       *sttmock.Universal
	engines map[string]*sttmock.Engine
	sink    *recordingSink
	ticks   chan time.Time
	metrics *observe.Metrics
	next    uint64
}

func testConfig(defaultLang string) Config {
	cfg := DefaultConfig()
	cfg.DefaultLanguage = defaultLang
	cfg.DetectionInterval = time.Hour
	cfg.WindowDuration = 3 * time.Second
	cfg.MinWindowDuration = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg Config, langs ...string) *harness {
	t.Helper()
	pool, u, engines := newTestPool(t, langs...)
	m, _ := newTestMetrics(t)
	h := &harness{
		pool:    pool,
		u:       u,
		engines: engines,
		sink:    &recordingSink{},
		ticks:   make(chan time.Time),
		metrics: m,
	}
	h.o = New(pool, cfg,
		WithSink(h.sink),
		WithMetrics(m),
		WithTicks(h.ticks),
		WithRunID("test-run"),
	)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.o.Stop(context.Background()) })
}

// push offers n consecutive frames.
func (h *harness) push(t *testing.T, n int) {
	t.Helper()
	for range n {
		if !h.o.OnFrame(frameOf(h.next, frameDur)) {
			t.Fatalf("OnFrame(%d) rejected", h.next)
		}
		h.next++
	}
}

// fillWindow pushes enough audio for a detection tick and waits until the
// frame goroutine has appended it.
func (h *harness) fillWindow(t *testing.T) {
	t.Helper()
	h.push(t, 4)
	waitFor(t, "window fill", func() bool { return h.o.window.Duration() >= time.Second })
}

func (h *harness) tick() { h.ticks <- time.Now() }

// switches returns switch events other than the one made at startup.
func (h *harness) switches() []Event {
	var out []Event
	for _, ev := range h.sink.ofKind(EventSwitch) {
		if ev.Reason != ReasonStartup {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) active() string { return h.o.Status().ActiveLanguage }

func TestOrchestrator_StartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("en")
	cfg.ConfidenceThreshold = 1.5
	cfg.MinWindowDuration = 5 * time.Second
	h := newHarness(t, cfg, "en")

	err := h.o.Start(context.Background())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Start = %v, want ConfigurationError", err)
	}
	if h.o.State() != StateIdle {
		t.Errorf("state = %v, want IDLE", h.o.State())
	}
}

func TestOrchestrator_StartTwice(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	h.start(t)
	if err := h.o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestrator_DefaultLanguage(t *testing.T) {
	tests := []struct {
		name    string
		def     string
		langs   []string
		want    string
		wantTag string
	}{
		{"loaded language", "es", []string{"en", "es"}, "es", ""},
		{"missing language falls back", "fr", []string{"en"}, UniversalLanguage, ""},
		{"no languages loaded", "en", nil, UniversalLanguage, ""},
		{"explicit universal", UniversalLanguage, []string{"en"}, UniversalLanguage, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(tt.def), tt.langs...)
			h.start(t)
			st := h.o.Status()
			if st.State != StateRunning || st.ActiveLanguage != tt.want {
				t.Errorf("status = %+v, want RUNNING on %s", st, tt.want)
			}
		})
	}
}

func TestOrchestrator_ForwardsFramesInOrder(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	h.start(t)

	h.push(t, 20)
	if err := h.o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := h.engines["en"].AcceptedIndices()
	if len(got) != 20 {
		t.Fatalf("en received %d frames, want 20", len(got))
	}
	for i, idx := range got {
		if idx != uint64(i) {
			t.Fatalf("frame %d has index %d", i, idx)
		}
	}
	if n := h.engines["es"].AcceptCallCount(); n != 0 {
		t.Errorf("es received %d frames, want 0", n)
	}
	if n := h.u.AcceptCallCount(); n != 0 {
		t.Errorf("universal received %d frames, want 0", n)
	}
}

func TestOrchestrator_EachFrameReachesExactlyOneEngineAcrossSwitches(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	h.start(t)

	targets := []string{"es", UniversalLanguage, "en", "es"}
	for _, tgt := range targets {
		h.push(t, 5)
		if err := h.o.SwitchService(context.Background(), tgt); err != nil {
			t.Fatalf("SwitchService(%s): %v", tgt, err)
		}
	}
	h.push(t, 5)
	if err := h.o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	seen := make(map[uint64]int)
	for _, e := range []*sttmock.Engine{h.engines["en"], h.engines["es"], &h.u.Engine} {
		idx := e.AcceptedIndices()
		for i := 1; i < len(idx); i++ {
			if idx[i] <= idx[i-1] {
				t.Errorf("engine saw frames out of order: %v", idx)
				break
			}
		}
		for _, i := range idx {
			seen[i]++
		}
	}
	for i := range h.next {
		if seen[i] != 1 {
			t.Errorf("frame %d delivered %d times", i, seen[i])
		}
	}
}

func TestOrchestrator_DetectionSwitchesToSupportedLanguage(t *testing.T) {
	h := newHarness(t, testConfig("es"), "en", "es")
	h.u.SetEstimate(stt.LanguageEstimate{Language: "en", Confidence: 0.92})
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "switch event", func() bool { return len(h.switches()) == 1 })

	ev := h.switches()[0]
	if ev.From != "es" || ev.To != "en" || ev.Reason != ReasonSupported || ev.Seq != 1 {
		t.Errorf("switch event = %+v", ev)
	}
	if ev.RunID != "test-run" || ev.Estimate == nil || ev.Estimate.Confidence != 0.92 {
		t.Errorf("switch event metadata = %+v", ev)
	}
	if got := h.active(); got != "en" {
		t.Errorf("active = %q, want en", got)
	}
	if h.o.window.Len() != 0 {
		t.Errorf("window not cleared after submission, len = %d", h.o.window.Len())
	}

	h.push(t, 2)
	waitFor(t, "frames on en", func() bool { return h.engines["en"].AcceptCallCount() == 2 })
}

func TestOrchestrator_LowConfidenceKeepsEngine(t *testing.T) {
	h := newHarness(t, testConfig("es"), "en", "es")
	h.u.SetEstimate(stt.LanguageEstimate{Language: "en", Confidence: 0.3})
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "no-switch event", func() bool { return len(h.sink.ofKind(EventNoSwitch)) == 1 })

	ev := h.sink.ofKind(EventNoSwitch)[0]
	if ev.Reason != ReasonLowConfidence {
		t.Errorf("reason = %q, want %q", ev.Reason, ReasonLowConfidence)
	}
	if got := h.active(); got != "es" {
		t.Errorf("active = %q, want es", got)
	}
}

func TestOrchestrator_UnsupportedLanguageGoesUniversal(t *testing.T) {
	h := newHarness(t, testConfig("es"), "en", "es")
	h.u.SetEstimate(stt.LanguageEstimate{Language: "ja", Confidence: 0.85})
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "switch event", func() bool { return len(h.switches()) == 1 })

	st := h.o.Status()
	if st.ActiveLanguage != UniversalLanguage || st.Tag != "ja" {
		t.Errorf("status = %+v, want universal tagged ja", st)
	}
	if h.u.LastHint() != "ja" {
		t.Errorf("universal hint = %q, want ja", h.u.LastHint())
	}

	h.push(t, 1)
	waitFor(t, "frame on universal", func() bool { return h.u.AcceptCallCount() == 1 })
}

func TestOrchestrator_StaleDetectionDiscarded(t *testing.T) {
	cfg := testConfig("es")
	h := newHarness(t, cfg, "en", "es")
	m, reader := newTestMetrics(t)
	h.o = New(h.pool, cfg, WithSink(h.sink), WithMetrics(m), WithTicks(h.ticks))

	release := make(chan struct{})
	h.u.EstimateFunc = func(ctx context.Context, call int, _ []audio.AudioFrame) (stt.LanguageEstimate, error) {
		if call == 0 {
			select {
			case <-release:
			case <-ctx.Done():
				return stt.LanguageEstimate{}, ctx.Err()
			}
			return stt.LanguageEstimate{Language: "ja", Confidence: 0.99}, nil
		}
		return stt.LanguageEstimate{Language: "en", Confidence: 0.9}, nil
	}
	h.start(t)

	// Tick 1 blocks inside the detector.
	h.fillWindow(t)
	h.tick()
	waitFor(t, "first detection", func() bool { return h.u.DetectCallCount() == 1 })

	// Tick 2 resolves first and is applied.
	h.fillWindow(t)
	h.tick()
	waitFor(t, "switch to en", func() bool { return h.active() == "en" })

	close(release)
	waitFor(t, "stale result", func() bool {
		return counterValue(t, reader, "lingoswitch.detections", "status", "stale") == 1
	})

	if got := h.active(); got != "en" {
		t.Errorf("active = %q after stale result, want en", got)
	}
	if n := len(h.switches()); n != 1 {
		t.Errorf("switch events = %d, want 1", n)
	}
}

func TestOrchestrator_DetectionFailureIsNoSwitch(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	h.u.DetectErr = errors.New("detector offline")
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "detection failure", func() bool { return len(h.sink.ofKind(EventDetectionFailed)) == 1 })

	var derr *DetectionError
	if !errors.As(h.sink.ofKind(EventDetectionFailed)[0].Err, &derr) || derr.Seq != 1 {
		t.Errorf("event error = %v, want DetectionError for tick 1", h.sink.ofKind(EventDetectionFailed)[0].Err)
	}
	if got := h.active(); got != "en" {
		t.Errorf("active = %q, want en", got)
	}

	// The stream keeps flowing.
	h.push(t, 1)
	waitFor(t, "frames on en", func() bool { return h.engines["en"].AcceptCallCount() == 5 })
}

func TestOrchestrator_HungDetectorOpensBreaker(t *testing.T) {
	cfg := testConfig("en")
	cfg.DetectionTimeout = 5 * time.Millisecond
	h := newHarness(t, cfg, "en", "es")
	h.u.EstimateFunc = func(ctx context.Context, _ int, _ []audio.AudioFrame) (stt.LanguageEstimate, error) {
		<-ctx.Done()
		return stt.LanguageEstimate{}, ctx.Err()
	}
	h.start(t)

	// Default breaker: five consecutive failures open it.
	for i := 1; i <= 5; i++ {
		h.fillWindow(t)
		h.tick()
		waitFor(t, "timed-out detection", func() bool { return len(h.sink.ofKind(EventDetectionFailed)) == i })
		waitFor(t, "detection slot", func() bool { return len(h.o.detSem) == 0 })
	}
	if got := h.o.breaker.State(); got != resilience.StateOpen {
		t.Fatalf("breaker = %s, want open", got)
	}
	if err := h.sink.ofKind(EventDetectionFailed)[0].Err; !errors.Is(err, resilience.ErrDetectorTimeout) {
		t.Errorf("first failure = %v, want ErrDetectorTimeout", err)
	}

	h.fillWindow(t)
	h.tick()
	waitFor(t, "short-circuited detection", func() bool { return len(h.sink.ofKind(EventDetectionFailed)) == 6 })
	if n := h.u.DetectCallCount(); n != 5 {
		t.Errorf("detector called %d times, want 5", n)
	}
	if err := h.sink.ofKind(EventDetectionFailed)[5].Err; !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("sixth failure = %v, want ErrCircuitOpen", err)
	}
}

func TestOrchestrator_ShortWindowSkipsTick(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	h.start(t)

	h.push(t, 2) // 500ms < 1s minimum
	waitFor(t, "frames on en", func() bool { return h.engines["en"].AcceptCallCount() == 2 })
	h.tick()
	h.tick()

	if n := h.u.DetectCallCount(); n != 0 {
		t.Errorf("detector called %d times for a short window", n)
	}
	if h.o.window.Len() != 2 {
		t.Errorf("window len = %d, want 2 (skipped ticks keep audio)", h.o.window.Len())
	}
}

func TestOrchestrator_EngineErrorDoesNotStopStream(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	h.engines["en"].SetAcceptErr(errors.New("decoder crashed"))
	h.start(t)

	h.push(t, 3)
	waitFor(t, "engine errors", func() bool { return len(h.sink.ofKind(EventEngineError)) == 3 })

	h.engines["en"].SetAcceptErr(nil)
	h.push(t, 1)
	waitFor(t, "recovery", func() bool { return h.engines["en"].AcceptCallCount() == 4 })
	if got := h.active(); got != "en" {
		t.Errorf("active = %q, want en", got)
	}
}

func TestOrchestrator_SwitchRejected(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	h.engines["es"].SetActivateErr(errors.New("not warmed up"))
	h.u.SetEstimate(stt.LanguageEstimate{Language: "es", Confidence: 0.9})
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "rejection", func() bool { return len(h.sink.ofKind(EventSwitchRejected)) == 1 })

	var rej *SwitchRejectedError
	if !errors.As(h.sink.ofKind(EventSwitchRejected)[0].Err, &rej) {
		t.Error("event error is not a SwitchRejectedError")
	}
	if got := h.active(); got != "en" {
		t.Errorf("active = %q, want en", got)
	}
}

func TestOrchestrator_SwitchService(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	ctx := context.Background()
	if err := h.o.SwitchService(ctx, "es"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SwitchService before Start = %v, want ErrNotRunning", err)
	}
	h.start(t)

	if err := h.o.SwitchService(ctx, "es"); err != nil {
		t.Fatalf("SwitchService(es): %v", err)
	}
	if got := h.active(); got != "es" {
		t.Errorf("active = %q, want es", got)
	}
	evs := h.switches()
	if len(evs) != 1 || evs[0].Reason != ReasonManual {
		t.Errorf("switch events = %+v", evs)
	}

	if err := h.o.SwitchService(ctx, "fr"); !errors.Is(err, ErrUnknownLanguage) {
		t.Errorf("SwitchService(fr) = %v, want ErrUnknownLanguage", err)
	}
	if err := h.o.SwitchService(ctx, UniversalLanguage); err != nil {
		t.Fatalf("SwitchService(universal): %v", err)
	}
	if got := h.active(); got != UniversalLanguage {
		t.Errorf("active = %q, want universal", got)
	}
	if h.o.Status().LastSwitch.IsZero() {
		t.Error("LastSwitch not reported")
	}
}

func TestOrchestrator_PreviousEngineModes(t *testing.T) {
	tests := []struct {
		name      string
		mode      PreviousEngineMode
		wantFlush int
		wantReset int
	}{
		{"finish flushes", PreviousFinish, 1, 0},
		{"hard cut resets", PreviousHardCut, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("en")
			cfg.PreviousEngine = tt.mode
			h := newHarness(t, cfg, "en", "es")
			h.start(t)

			h.push(t, 3)
			waitFor(t, "frames on en", func() bool { return h.engines["en"].AcceptCallCount() == 3 })
			if err := h.o.SwitchService(context.Background(), "es"); err != nil {
				t.Fatalf("SwitchService: %v", err)
			}
			// The previous engine is released by the first frame routed to es.
			h.push(t, 1)

			en := h.engines["en"]
			waitFor(t, "previous engine settled", func() bool {
				_, flush, reset, _ := en.Calls()
				return flush == tt.wantFlush && reset == tt.wantReset && flush+reset == 1
			})
		})
	}
}

func TestOrchestrator_StopConcurrentWithSwitchService(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en", "es")
	h.engines["es"].ActivateDelay = time.Second
	h.start(t)
	h.push(t, 3)

	var wg sync.WaitGroup
	var switchErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		switchErr = h.o.SwitchService(context.Background(), "es")
	}()
	waitFor(t, "activation in flight", func() bool {
		activate, _, _, _ := h.engines["es"].Calls()
		return activate == 1
	})

	stopErr := h.o.Stop(context.Background())
	wg.Wait()

	if stopErr != nil {
		t.Errorf("Stop: %v", stopErr)
	}
	if switchErr == nil {
		t.Error("SwitchService succeeded across Stop")
	}
	if n := h.engines["es"].AcceptCallCount(); n != 0 {
		t.Errorf("es received %d frames", n)
	}
	st := h.o.Status()
	if st.State != StateStopped || st.ActiveLanguage != "" || st.Tag != "" {
		t.Errorf("status after Stop = %+v, want STOPPED with no active engine", st)
	}
	for lang, e := range h.engines {
		if _, _, _, closed := e.Calls(); closed != 1 {
			t.Errorf("%s closed %d times, want 1", lang, closed)
		}
	}
}

func TestOrchestrator_StopIdempotent(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	h.start(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.o.Stop(context.Background()); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, _, _, closed := h.engines["en"].Calls(); closed != 1 {
		t.Errorf("engine closed %d times, want 1", closed)
	}
	if h.o.OnFrame(frameOf(0, frameDur)) {
		t.Error("OnFrame accepted a frame after Stop")
	}
	select {
	case <-h.o.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestOrchestrator_StopBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	if err := h.o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if h.o.State() != StateStopped {
		t.Errorf("state = %v, want STOPPED", h.o.State())
	}
	if err := h.o.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestrator_StopCancelsDetection(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	h.u.EstimateFunc = func(ctx context.Context, _ int, _ []audio.AudioFrame) (stt.LanguageEstimate, error) {
		<-ctx.Done()
		return stt.LanguageEstimate{}, ctx.Err()
	}
	h.start(t)
	h.fillWindow(t)
	h.tick()
	waitFor(t, "detection in flight", func() bool { return h.u.DetectCallCount() == 1 })

	done := make(chan error, 1)
	go func() { done <- h.o.Stop(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight detection")
	}
	if n := len(h.sink.ofKind(EventDetectionFailed)); n != 0 {
		t.Errorf("cancelled detection reported %d failures", n)
	}
}

func TestOrchestrator_StopAbandonsStuckDetection(t *testing.T) {
	h := newHarness(t, testConfig("en"), "en")
	release := make(chan struct{})
	h.u.EstimateFunc = func(context.Context, int, []audio.AudioFrame) (stt.LanguageEstimate, error) {
		<-release
		return stt.LanguageEstimate{Language: "es", Confidence: 0.9}, nil
	}
	h.start(t)
	h.fillWindow(t)
	h.tick()
	waitFor(t, "detection in flight", func() bool { return h.u.DetectCallCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.o.Stop(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Stop = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop outlived its context waiting for the detector")
	}
	if got := h.o.State(); got != StateStopped {
		t.Errorf("state = %s, want STOPPED", got)
	}
	if _, _, _, closed := h.u.Calls(); closed != 0 {
		t.Fatal("universal engine closed while its detection was still running")
	}

	close(release)
	waitFor(t, "universal engine closed", func() bool {
		_, _, _, closed := h.u.Calls()
		return closed == 1
	})
	if n := len(h.switches()); n != 0 {
		t.Errorf("late detection result caused %d switches", n)
	}
}

func TestOrchestrator_WindowBoundedUnderBurst(t *testing.T) {
	cfg := testConfig("en")
	cfg.InputQueueSize = 256
	cfg.QueueSize = 256
	h := newHarness(t, cfg, "en")
	h.start(t)

	h.push(t, 200)
	waitFor(t, "burst delivered", func() bool { return h.engines["en"].AcceptCallCount() == 200 })
	if d := h.o.window.Duration(); d > cfg.WindowDuration {
		t.Errorf("window holds %v, exceeds %v", d, cfg.WindowDuration)
	}
}

func TestOrchestrator_SetConfidenceThreshold(t *testing.T) {
	h := newHarness(t, testConfig("es"), "en", "es")
	h.u.SetEstimate(stt.LanguageEstimate{Language: "en", Confidence: 0.6})
	if err := h.o.SetConfidenceThreshold(0); err == nil {
		t.Error("expected error for threshold 0")
	}
	if err := h.o.SetConfidenceThreshold(0.8); err != nil {
		t.Fatalf("SetConfidenceThreshold: %v", err)
	}
	h.start(t)

	h.fillWindow(t)
	h.tick()
	waitFor(t, "no-switch", func() bool { return len(h.sink.ofKind(EventNoSwitch)) == 1 })
	if got := h.active(); got != "es" {
		t.Errorf("active = %q, want es at threshold 0.8", got)
	}
}

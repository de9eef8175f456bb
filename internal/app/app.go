// Package app wires all lingoswitch subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run feeds the audio source into the orchestrator, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSource, WithSink, WithRedisPublisher, etc.). When an option is not
// provided, New creates real implementations from the config and registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingoswitch/internal/config"
	"github.com/MrWong99/lingoswitch/internal/health"
	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/resilience"
	"github.com/MrWong99/lingoswitch/internal/routing"
	"github.com/MrWong99/lingoswitch/internal/sink"
	"github.com/MrWong99/lingoswitch/pkg/audio/source"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// maxConcurrentLoads bounds how many language models are initialised at once.
const maxConcurrentLoads = 4

// App owns all subsystem lifetimes of one routing run.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	pool       *routing.Pool
	chain      *resilience.DetectorFallback // nil without fallbacks
	orch       *routing.Orchestrator
	classifier sound.Classifier // nil when sound events are disabled
	src        source.Source
	sinks      sink.Multi
	extra      []routing.Sink
	publisher  sink.Publisher
	routeOpts  []routing.Option
	mux        *http.ServeMux
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the audio source instead of creating one from config.
func WithSource(s source.Source) Option {
	return func(a *App) { a.src = s }
}

// WithSink adds a sink that receives every event in addition to the
// configured ones.
func WithSink(s routing.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, s) }
}

// WithSoundClassifier injects the sound classifier instead of creating one
// from config. It only takes effect when the sound section is configured.
func WithSoundClassifier(c sound.Classifier) Option {
	return func(a *App) { a.classifier = c }
}

// WithRedisPublisher injects the publisher used by the Redis sink instead of
// dialling sink.redis.addr. It only takes effect when sink.redis is configured.
func WithRedisPublisher(p sink.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRoutingOptions passes additional options to [routing.New].
func WithRoutingOptions(opts ...routing.Option) Option {
	return func(a *App) { a.routeOpts = append(a.routeOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Engines and sources
// are constructed through reg. Use Option functions to inject test doubles.
//
// New performs all initialisation synchronously: engine loading, sink
// connection, orchestrator assembly and HTTP routing. A language whose model
// fails to load is logged and left out; every other failure aborts New.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Engines ───────────────────────────────────────────────────────
	if err := a.initEngines(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init engines: %w", err)
	}

	a.initSound()

	// ── 2. Sinks ─────────────────────────────────────────────────────────
	if err := a.initSinks(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init sinks: %w", err)
	}

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	routeOpts := []routing.Option{
		routing.WithSink(a.sinks),
		routing.WithMetrics(a.metrics),
	}
	rc := cfg.Routing.Routing()
	if a.chain != nil {
		routeOpts = append(routeOpts, routing.WithDetector(a.chain))
		// Each detector gets the full timeout; the tick covers the whole chain.
		rc.DetectionTimeout *= time.Duration(a.chain.Len())
	}
	if a.classifier != nil {
		routeOpts = append(routeOpts, routing.WithSoundClassifier(a.classifier, cfg.Sound.Routing()))
	}
	a.orch = routing.New(a.pool, rc, append(routeOpts, a.routeOpts...)...)
	// Stop drains the engines and closes the pool. It runs before the sinks
	// close so they still receive the final state event.
	a.closers = slices.Insert(a.closers, 0, a.orch.Stop)

	// ── 4. Audio source ──────────────────────────────────────────────────
	if err := a.initSource(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init source: %w", err)
	}

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// initEngines creates the universal engine, loads every configured language
// concurrently, and assembles the detector chain.
func (a *App) initEngines(ctx context.Context) error {
	universal, err := a.reg.CreateUniversal(a.cfg.Engines.Universal, a.cfg.Audio)
	if err != nil {
		return fmt.Errorf("universal engine %q: %w", a.cfg.Engines.Universal.Name, err)
	}
	pool, err := routing.NewPool(universal)
	if err != nil {
		_ = universal.Close()
		return err
	}
	a.pool = pool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)
	for _, lang := range a.cfg.Engines.Languages {
		g.Go(func() error {
			// A failed language is recorded by the pool and degrades routing
			// to the universal engine; it never aborts startup.
			_ = pool.Load(gctx, lang.Language, func(context.Context) (stt.Engine, error) {
				return a.reg.CreateTranscriber(lang, a.cfg.Audio)
			})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		_ = pool.Close()
		return err
	}

	a.closers = append(a.closers, func(context.Context) error { return pool.Close() })

	if len(a.cfg.Engines.UniversalFallbacks) == 0 {
		return nil
	}
	chain := resilience.NewDetectorFallback(universal, a.cfg.Engines.Universal.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}, resilience.WithEntryTimeout(a.cfg.Routing.Routing().DetectionTimeout))
	for i, entry := range a.cfg.Engines.UniversalFallbacks {
		fb, err := a.reg.CreateUniversal(entry, a.cfg.Audio)
		if err != nil {
			slog.Warn("detector fallback unavailable", "index", i, "provider", entry.Name, "err", err)
			continue
		}
		chain.AddFallback(entry.Name, fb)
		a.closers = append(a.closers, func(context.Context) error { return fb.Close() })
	}
	a.chain = chain
	slog.Info("language detector chain", "detectors", chain.Names())
	return nil
}

// initSound creates the sound classifier when the sound section is present.
// Sound events are optional: a classifier that cannot be created is logged
// and the run continues without it.
func (a *App) initSound() {
	sc := a.cfg.Sound
	if sc == nil {
		a.classifier = nil
		return
	}
	if a.classifier == nil {
		c, err := a.reg.CreateSound(*sc)
		if err != nil {
			slog.Warn("sound classifier unavailable, continuing without sound events", "name", sc.Name, "err", err)
			return
		}
		a.classifier = c
	}
	c := a.classifier
	a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	slog.Info("sound classifier enabled", "name", sc.Name, "window", sc.Routing().Window)
}

// initSinks builds the fan-out sink from the configured outputs plus any
// injected sinks.
func (a *App) initSinks(ctx context.Context) error {
	sc := a.cfg.Sink
	if sc.Log {
		a.sinks = append(a.sinks, sink.Log{})
	}

	if sc.UDP != nil {
		u, err := sink.NewUDP(sink.UDPConfig{
			Host:        sc.UDP.Host,
			PartialPort: sc.UDP.PartialPort,
			FinalPort:   sc.UDP.FinalPort,
			WordPort:    sc.UDP.WordPort,
			EventPort:   sc.UDP.EventPort,
			SoundPort:   sc.UDP.SoundPort,
			MaxWords:    sc.UDP.MaxWords,
		}, sink.WithUDPMetrics(a.metrics))
		if err != nil {
			return fmt.Errorf("udp: %w", err)
		}
		a.sinks = append(a.sinks, u)
		a.closers = append(a.closers, func(context.Context) error { return u.Close() })
	}

	if sc.Redis != nil {
		pub := a.publisher
		var closeClient func() error
		if pub == nil {
			client, err := sink.NewRedisClient(ctx, sc.Redis.Addr, sc.Redis.Password, sc.Redis.DB)
			if err != nil {
				return fmt.Errorf("redis %s: %w", sc.Redis.Addr, err)
			}
			pub, closeClient = client, client.Close
		}
		r := sink.NewRedis(pub, sink.RedisConfig{
			Channel: sc.Redis.Channel,
			Buffer:  sc.Redis.Buffer,
		}, sink.WithRedisMetrics(a.metrics))
		a.sinks = append(a.sinks, r)
		a.closers = append(a.closers, r.Close)
		if closeClient != nil {
			a.closers = append(a.closers, func(context.Context) error { return closeClient() })
		}
	}

	a.sinks = append(a.sinks, a.extra...)
	return nil
}

// initSource creates the audio source from config unless one was injected.
func (a *App) initSource() error {
	if a.src == nil {
		if a.cfg.Audio.Source.Name == "" {
			return errors.New("audio.source.name is required")
		}
		src, err := a.reg.CreateSource(a.cfg.Audio)
		if err != nil {
			return fmt.Errorf("%q: %w", a.cfg.Audio.Source.Name, err)
		}
		a.src = src
	}
	// The source is closed first so the producer loop ends before routing stops.
	a.closers = slices.Insert(a.closers, 0, func(context.Context) error { return a.src.Close() })
	return nil
}

// initHTTP registers the control, health and metrics endpoints. The server
// itself is only created when server.listen_addr is set.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	checkers := []health.Checker{
		health.StateChecker("orchestrator", func() string {
			return a.orch.State().String()
		}, routing.StateRunning.String()),
	}
	if a.chain != nil {
		checkers = append(checkers, health.Checker{Name: "detector", Check: a.chain.Check, Optional: true})
	}
	health.New(checkers...).Register(mux)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("POST /switch", a.handleSwitch)
	mux.HandleFunc("POST /threshold", a.handleThreshold)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.mux = mux

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.closers = append(a.closers, a.server.Shutdown)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving /status, /switch, /threshold,
// /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler { return observe.Middleware(a.metrics)(a.mux) }

// Orchestrator returns the routing orchestrator.
func (a *App) Orchestrator() *routing.Orchestrator { return a.orch }

// Pool returns the engine pool.
func (a *App) Pool() *routing.Pool { return a.pool }

// Source returns the audio source.
func (a *App) Source() source.Source { return a.src }

// ApplyConfig applies the hot-reloadable part of a configuration change.
// It is the callback target of [config.Watcher].
func (a *App) ApplyConfig(_, _ *config.Config, diff config.ConfigDiff) {
	if diff.ThresholdChanged {
		if err := a.orch.SetConfidenceThreshold(diff.NewThreshold); err != nil {
			slog.Warn("config reload: threshold rejected", "err", err)
		} else {
			slog.Info("config reload: confidence threshold updated", "threshold", diff.NewThreshold)
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the orchestrator and the HTTP server, then feeds the audio
// source until it is exhausted or ctx is cancelled.
//
// Run returns nil when the source ends cleanly and ctx.Err() when ctx is
// cancelled first. Call Shutdown afterwards in both cases.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("app: start orchestrator: %w", err)
	}

	if a.server != nil {
		go a.serve()
	}

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- a.orch.Feed(ctx, a.src)
	}()

	st := a.orch.Status()
	slog.Info("app running",
		"active", st.ActiveLanguage,
		"languages", st.AvailableLanguages,
		"run_id", st.RunID,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-feedDone:
		if err != nil {
			return fmt.Errorf("app: audio source: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Info("audio source exhausted")
		return nil
	}
}

func (a *App) serve() {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		slog.Info("control server listening (TLS)", "addr", a.server.Addr)
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		slog.Info("control server listening", "addr", a.server.Addr)
		err = a.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("control server failed", "err", err)
	}
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

// statusResponse is the GET /status body.
type statusResponse struct {
	routing.Status
	Detectors []resilience.EntryState `json:"detectors,omitempty"`
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: a.orch.Status()}
	if a.chain != nil {
		resp.Detectors = a.chain.States()
	}
	health.WriteJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *App) handleSwitch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "missing target"})
		return
	}
	if err := a.orch.SwitchService(r.Context(), target); err != nil {
		health.WriteJSON(w, switchStatus(err), errorBody{Error: err.Error()})
		return
	}
	health.WriteJSON(w, http.StatusOK, a.orch.Status())
}

// switchStatus maps a SwitchService error to an HTTP status code.
func switchStatus(err error) int {
	var rejected *routing.SwitchRejectedError
	switch {
	case errors.Is(err, routing.ErrUnknownLanguage):
		return http.StatusNotFound
	case errors.As(err, &rejected):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleThreshold(w http.ResponseWriter, r *http.Request) {
	v, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: "value must be a number"})
		return
	}
	if err := a.orch.SetConfidenceThreshold(v); err != nil {
		health.WriteJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	health.WriteJSON(w, http.StatusOK, map[string]float64{"confidence_threshold": v})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: the audio source first, then the
// orchestrator (which drains the engines and closes the pool), then the
// sinks and the HTTP server. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever a failed New had already acquired.
func (a *App) closeAll(ctx context.Context) {
	for _, closer := range a.closers {
		_ = closer(ctx)
	}
}

// Package routing implements the language-routing orchestrator.
//
// An [Orchestrator] consumes audio frames, forwards each one to the engine
// that is active at that moment, and keeps a copy in a [DetectionWindow]. On a
// fixed interval it submits the window to a language detector, applies
// [Decide] to the estimate, and switches the active engine through the
// [Pool]. Frame delivery never waits on detection: frames go to per-engine
// worker goroutines through bounded drop-oldest queues, and detections run in
// their own goroutines.
//
// An optional sound classifier labels non-speech audio from the same stream.
// Events (transcripts, switches, failures, sounds) are delivered to a [Sink].
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lingoswitch/internal/observe"
	"github.com/MrWong99/lingoswitch/internal/resilience"
	"github.com/MrWong99/lingoswitch/pkg/audio"
	"github.com/MrWong99/lingoswitch/pkg/audio/source"
	"github.com/MrWong99/lingoswitch/pkg/provider/sound"
	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// State is the orchestrator lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Config holds the routing tunables.
type Config struct {
	// DefaultLanguage is routed to at start. "universal" (or empty) starts on
	// the universal engine, as does a language that failed to load.
	DefaultLanguage string

	// ConfidenceThreshold is the minimum estimate confidence that may switch
	// engines, in (0, 1].
	ConfidenceThreshold float64

	// DetectionInterval is the period of detection ticks.
	DetectionInterval time.Duration

	// WindowDuration bounds the detection window.
	WindowDuration time.Duration

	// MinWindowDuration is the least audio a tick needs; shorter windows skip
	// the tick. Must not exceed WindowDuration.
	MinWindowDuration time.Duration

	// QueueSize is the capacity of each engine worker queue, in frames.
	QueueSize int

	// InputQueueSize is the capacity of the frame input queue.
	InputQueueSize int

	// MaxInFlightDetections caps concurrently running detections. Ticks that
	// find the cap reached are skipped and the window keeps accumulating.
	MaxInFlightDetections int

	// DetectionTimeout bounds a single detection call. Zero means no timeout.
	// A call that hits it counts against the detector circuit breaker.
	DetectionTimeout time.Duration

	// PreviousEngine selects what happens to the engine that loses the stream.
	PreviousEngine PreviousEngineMode
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLanguage:       UniversalLanguage,
		ConfidenceThreshold:   0.5,
		DetectionInterval:     3 * time.Second,
		WindowDuration:        3 * time.Second,
		MinWindowDuration:     time.Second,
		QueueSize:             64,
		InputQueueSize:        64,
		MaxInFlightDetections: 2,
		DetectionTimeout:      10 * time.Second,
		PreviousEngine:        PreviousFinish,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !validThreshold(c.ConfidenceThreshold) {
		errs = append(errs, fmt.Errorf("confidence_threshold %v must be in (0, 1]", c.ConfidenceThreshold))
	}
	if c.DetectionInterval <= 0 {
		errs = append(errs, fmt.Errorf("detection_interval %v must be positive", c.DetectionInterval))
	}
	if c.WindowDuration <= 0 {
		errs = append(errs, fmt.Errorf("window_duration %v must be positive", c.WindowDuration))
	}
	if c.MinWindowDuration <= 0 {
		errs = append(errs, fmt.Errorf("min_window_duration %v must be positive", c.MinWindowDuration))
	} else if c.WindowDuration > 0 && c.MinWindowDuration > c.WindowDuration {
		errs = append(errs, fmt.Errorf("min_window_duration %v exceeds window_duration %v", c.MinWindowDuration, c.WindowDuration))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size %d must be positive", c.QueueSize))
	}
	if c.InputQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("input_queue_size %d must be positive", c.InputQueueSize))
	}
	if c.MaxInFlightDetections <= 0 {
		errs = append(errs, fmt.Errorf("max_in_flight_detections %d must be positive", c.MaxInFlightDetections))
	}
	if c.DetectionTimeout < 0 {
		errs = append(errs, fmt.Errorf("detection_timeout %v must not be negative", c.DetectionTimeout))
	}
	switch c.PreviousEngine {
	case PreviousFinish, PreviousHardCut:
	default:
		errs = append(errs, fmt.Errorf("previous_engine %q must be %q or %q", c.PreviousEngine, PreviousFinish, PreviousHardCut))
	}
	return errors.Join(errs...)
}

func validThreshold(v float64) bool {
	return v > 0 && v <= 1 && !math.IsNaN(v)
}

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSink sets the event sink. Default: events are discarded.
func WithSink(s Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDetector overrides the language detector. Default: the pool's universal
// engine. Use it to install a [resilience.DetectorFallback].
func WithDetector(d stt.Detector) Option {
	return func(o *Orchestrator) { o.detector = d }
}

// WithCircuitBreaker configures the breaker guarding detection calls.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *Orchestrator) { o.breakerCfg = cfg }
}

// WithTicks replaces the internal detection ticker with ticks. The channel is
// read until it is closed or the orchestrator stops.
func WithTicks(ticks <-chan time.Time) Option {
	return func(o *Orchestrator) { o.ticks = ticks }
}

// WithRunID sets the identifier stamped on every event. Default: a random UUID.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// ─── Orchestrator ────────────────────────────────────────────────────────────

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State              State     `json:"state"`
	ActiveLanguage     string    `json:"active_language"`
	Tag                string    `json:"tag,omitempty"`
	AvailableLanguages []string  `json:"available_languages"`
	FailedLanguages    []string  `json:"failed_languages,omitempty"`
	LastSwitch         time.Time `json:"last_switch"`
	RunID              string    `json:"run_id"`
}

// Orchestrator routes a live frame stream to per-language engines.
//
// Start, Stop, SwitchService, Status and OnFrame are safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	pool       *Pool
	detector   stt.Detector
	sink       Sink
	metrics    *observe.Metrics
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	ticks      <-chan time.Time
	runID      string
	now        func() time.Time

	soundClassifier sound.Classifier
	soundCfg        SoundConfig
	sound           *soundMonitor

	threshold atomic.Uint64 // math.Float64bits
	state     atomic.Int32

	mu      sync.Mutex // serialises Start and Stop
	stopped chan struct{}
	stopErr error

	frames     chan audio.AudioFrame
	window     *DetectionWindow
	workers    map[string]*worker
	lastWorker *worker // frame goroutine only

	quitFrames   chan struct{}
	quitTicks    chan struct{}
	stopTicker   func()
	detCtx       context.Context
	detCancel    context.CancelFunc
	workerCancel context.CancelFunc
	detSem       chan struct{}

	loops   sync.WaitGroup
	dets    sync.WaitGroup
	workerW sync.WaitGroup

	tickSeq    atomic.Uint64
	applyMu    sync.Mutex
	appliedSeq uint64
}

// New creates an idle orchestrator over pool. Configuration is validated by
// Start.
func New(pool *Pool, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		pool:    pool,
		now:     time.Now,
		stopped: make(chan struct{}),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.detector == nil {
		o.detector = pool.Detector()
	}
	if o.sink == nil {
		o.sink = discardSink{}
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	if o.breakerCfg.Name == "" {
		o.breakerCfg.Name = "detector"
	}
	if o.breakerCfg.IsFailure == nil {
		o.breakerCfg.IsFailure = resilience.IsDetectorFailure
	}
	if o.breakerCfg.OnStateChange == nil {
		o.breakerCfg.OnStateChange = o.recordBreaker
	}
	o.breaker = resilience.NewCircuitBreaker(o.breakerCfg)
	o.threshold.Store(math.Float64bits(cfg.ConfidenceThreshold))
	return o
}

func (o *Orchestrator) recordBreaker(name string, _, to resilience.State) {
	o.metrics.RecordBreakerTransition(context.Background(), name, to.String())
}

// RunID returns the identifier stamped on every event.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	slog.Info("routing: orchestrator state", "state", s.String())
	o.emit(Event{Kind: EventState, State: s})
}

// ConfidenceThreshold returns the threshold currently applied to estimates.
func (o *Orchestrator) ConfidenceThreshold() float64 {
	return math.Float64frombits(o.threshold.Load())
}

// SetConfidenceThreshold changes the threshold used by subsequent ticks.
func (o *Orchestrator) SetConfidenceThreshold(v float64) error {
	if !validThreshold(v) {
		return &ConfigurationError{Err: fmt.Errorf("confidence_threshold %v must be in (0, 1]", v)}
	}
	o.threshold.Store(math.Float64bits(v))
	return nil
}

// Start validates the configuration, routes to the default language and
// begins consuming frames and ticks. It returns a *[ConfigurationError] for
// invalid settings and [ErrAlreadyStarted] unless the orchestrator is IDLE.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.State() != StateIdle {
		return ErrAlreadyStarted
	}
	if err := o.cfg.Validate(); err != nil {
		return &ConfigurationError{Err: err}
	}
	if o.soundClassifier != nil {
		if err := o.soundCfg.Validate(); err != nil {
			return &ConfigurationError{Err: err}
		}
	}
	o.pool.Seal()

	if lang := o.cfg.DefaultLanguage; lang != "" && lang != UniversalLanguage {
		if _, ok := o.pool.Get(lang); !ok {
			slog.Warn("routing: default language not loaded, starting on universal engine", "language", lang)
		} else if err := o.switchTo(ctx, LanguageTarget(lang), ReasonStartup, 0, nil); err != nil {
			slog.Warn("routing: default language rejected, starting on universal engine", "language", lang, "err", err)
		}
	}

	o.frames = make(chan audio.AudioFrame, o.cfg.InputQueueSize)
	o.window = NewDetectionWindow(o.cfg.WindowDuration)
	o.quitFrames = make(chan struct{})
	o.quitTicks = make(chan struct{})
	o.detSem = make(chan struct{}, o.cfg.MaxInFlightDetections)

	base := context.WithoutCancel(ctx)
	o.detCtx, o.detCancel = context.WithCancel(base)
	workerCtx, workerCancel := context.WithCancel(base)
	o.workerCancel = workerCancel

	for _, h := range o.pool.Handles() {
		w := newWorker(h, o.cfg.QueueSize, o.emit, o.metrics)
		o.workers[w.name] = w
		o.workerW.Add(1)
		go func() {
			defer o.workerW.Done()
			w.run(workerCtx)
		}()
	}
	o.metrics.LoadedEngines.Add(ctx, int64(len(o.workers)-1))

	if o.soundClassifier != nil {
		m := newSoundMonitor(o.soundClassifier, o.soundCfg, o.emit, o.metrics)
		o.sound = m
		o.workerW.Add(1)
		go func() {
			defer o.workerW.Done()
			m.run(workerCtx)
		}()
	}

	ticks := o.ticks
	if ticks == nil {
		t := time.NewTicker(o.cfg.DetectionInterval)
		ticks = t.C
		o.stopTicker = t.Stop
	}

	o.loops.Add(2)
	go o.frameLoop()
	go o.tickLoop(ticks)

	o.setState(StateRunning)
	st := o.pool.State()
	slog.Info("routing: orchestrator started",
		"active", st.ActiveLanguage,
		"languages", o.pool.AvailableLanguages(),
		"run_id", o.runID,
	)
	return nil
}

// Feed pumps src into the orchestrator until the source ends or ctx is
// cancelled. It is the producer loop: its only effect is [Orchestrator.OnFrame].
func (o *Orchestrator) Feed(ctx context.Context, src source.Source) error {
	return source.Pump(ctx, src, func(f audio.AudioFrame) { o.OnFrame(f) })
}

// OnFrame offers a frame to the orchestrator without blocking. When the input
// queue is full the oldest queued frame is dropped. It returns false if the
// orchestrator is not running.
func (o *Orchestrator) OnFrame(f audio.AudioFrame) bool {
	if o.State() != StateRunning {
		o.metrics.RecordFrameDropped(context.Background(), observe.StageStopped)
		return false
	}
	if offer(o.frames, f) {
		o.metrics.RecordFrameDropped(context.Background(), observe.StageInput)
	}
	return true
}

func (o *Orchestrator) frameLoop() {
	defer o.loops.Done()
	for {
		select {
		case f := <-o.frames:
			o.forward(f)
		case <-o.quitFrames:
			// Hand over whatever was accepted before the stop.
			for {
				select {
				case f := <-o.frames:
					o.forward(f)
				default:
					return
				}
			}
		}
	}
}

// forward delivers f to the worker of the currently active engine, appends it
// to the detection window and hands a copy to the sound classifier.
func (o *Orchestrator) forward(f audio.AudioFrame) {
	if o.sound != nil {
		o.sound.offer(f)
	}
	st := o.pool.State()
	if !st.Active.Valid() {
		return
	}
	w := o.workers[st.Active.Name()]
	if w == nil {
		return
	}
	ctx := context.Background()
	if o.lastWorker != w {
		if o.lastWorker != nil {
			if n := o.lastWorker.releaseEngine(o.cfg.PreviousEngine); n > 0 {
				o.metrics.RecordFramesDropped(ctx, observe.StageEngine, int64(n))
			}
		}
		w.activate()
	}
	o.lastWorker = w

	label := st.Active.Label()
	if w.enqueue(job{frame: f, label: label}) {
		o.metrics.RecordFrameDropped(ctx, observe.StageEngine)
	}
	o.metrics.RecordFrameForwarded(ctx, label)
	o.window.Append(f)
}

func (o *Orchestrator) tickLoop(ticks <-chan time.Time) {
	defer o.loops.Done()
	for {
		select {
		case <-o.quitTicks:
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			o.onDetectionTick()
		}
	}
}

// onDetectionTick snapshots the window and starts a detection in its own
// goroutine. Ticks with too little audio, or while MaxInFlightDetections
// detections are running, are skipped.
func (o *Orchestrator) onDetectionTick() {
	if o.State() != StateRunning {
		return
	}
	ctx := o.detCtx
	select {
	case o.detSem <- struct{}{}:
	default:
		o.metrics.RecordDetection(ctx, "busy")
		slog.Debug("routing: detection tick skipped, detector busy")
		return
	}
	window, ok := o.window.SnapshotIfAtLeast(o.cfg.MinWindowDuration)
	if !ok {
		<-o.detSem
		o.metrics.RecordDetection(ctx, "skipped")
		slog.Debug("routing: detection tick skipped, insufficient audio", "window", o.window.Duration())
		return
	}
	seq := o.tickSeq.Add(1)
	o.dets.Add(1)
	go func() {
		defer o.dets.Done()
		defer func() { <-o.detSem }()
		o.detect(ctx, seq, window)
	}()
}

func (o *Orchestrator) detect(ctx context.Context, seq uint64, window []audio.AudioFrame) {
	ctx, span := observe.StartDetectionSpan(ctx, seq, audio.TotalDuration(window))
	var spanErr error
	defer func() { observe.EndSpan(span, spanErr) }()

	start := time.Now()
	var est stt.LanguageEstimate
	err := o.breaker.Execute(func() error {
		var derr error
		est, derr = resilience.DetectWithin(ctx, o.cfg.DetectionTimeout, o.detector, window)
		return derr
	})
	o.metrics.RecordDetectionDuration(ctx, time.Since(start))

	log := observe.Logger(ctx)
	if err != nil {
		switch {
		case errors.Is(err, stt.ErrInsufficientAudio):
			o.metrics.RecordDetection(ctx, "insufficient")
			log.Debug("routing: detection found no usable speech", "seq", seq)
		case o.State() != StateRunning:
			// Cancelled or outlived by Stop; the sink may already be closed.
		default:
			spanErr = err
			o.metrics.RecordDetection(ctx, "error")
			derr := &DetectionError{Seq: seq, Err: err}
			log.Warn("routing: detection failed", "seq", seq, "err", err)
			o.emit(Event{Kind: EventDetectionFailed, Seq: seq, Err: derr})
		}
		return
	}
	if est.Timestamp.IsZero() {
		est.Timestamp = o.now()
	}
	o.apply(ctx, seq, est)
}

// apply runs the switching policy for the result of tick seq. Results older
// than the last applied one are discarded.
func (o *Orchestrator) apply(ctx context.Context, seq uint64, est stt.LanguageEstimate) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	log := observe.Logger(ctx)
	if seq <= o.appliedSeq {
		o.metrics.RecordDetection(ctx, "stale")
		log.Debug("routing: discarding stale detection result",
			"seq", seq, "applied", o.appliedSeq, "language", est.Language)
		return
	}
	o.appliedSeq = seq
	o.metrics.RecordDetection(ctx, "applied")
	if o.State() != StateRunning {
		return
	}

	st := o.pool.State()
	d := Decide(est, st, Policy{ConfidenceThreshold: o.ConfidenceThreshold()}, o.pool.AvailableLanguages())
	if !d.Switch {
		log.Debug("routing: no switch",
			"seq", seq, "language", est.Language, "confidence", est.Confidence, "reason", d.Reason)
		o.emit(Event{
			Kind:     EventNoSwitch,
			Seq:      seq,
			From:     st.ActiveLanguage,
			Tag:      st.Active.Tag,
			Reason:   d.Reason,
			Estimate: &est,
		})
		return
	}
	_ = o.switchTo(ctx, d.Target, d.Reason, seq, &est)
}

// SwitchService routes to target ("universal" or a loaded language) through
// the same switch path as automatic decisions. It returns [ErrNotRunning]
// unless RUNNING, an error wrapping [ErrUnknownLanguage] for languages
// without a transcriber, and a *[SwitchRejectedError] if activation fails.
func (o *Orchestrator) SwitchService(ctx context.Context, target string) error {
	if o.State() != StateRunning {
		return ErrNotRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.detCtx, cancel)
	defer stop()

	err := o.switchTo(ctx, ParseTarget(target), ReasonManual, 0, nil)
	if errors.Is(err, ErrPoolClosed) {
		return ErrNotRunning
	}
	return err
}

func (o *Orchestrator) switchTo(ctx context.Context, t Target, reason Reason, seq uint64, est *stt.LanguageEstimate) (err error) {
	ctx, span := observe.StartSwitchSpan(ctx, o.pool.State().ActiveLanguage, targetLanguage(t), string(reason))
	defer func() { observe.EndSpan(span, err) }()

	prev, err := o.pool.SwitchTo(ctx, t)
	if err != nil {
		var rej *SwitchRejectedError
		if errors.As(err, &rej) {
			slog.Warn("routing: switch rejected",
				"from", prev.ActiveLanguage, "to", t.String(), "reason", reason, "err", err)
			o.emit(Event{
				Kind:     EventSwitchRejected,
				Seq:      seq,
				From:     prev.ActiveLanguage,
				To:       targetLanguage(t),
				Tag:      t.Tag,
				Reason:   reason,
				Estimate: est,
				Err:      err,
			})
		}
		return err
	}
	if sameHandle(prev.Active, EngineHandle{Language: t.Language, Universal: t.Universal, Tag: t.Tag}) {
		return nil
	}

	to := targetLanguage(t)
	attrs := []any{"from", prev.ActiveLanguage, "to", to, "reason", reason, "seq", seq}
	if t.Tag != "" {
		attrs = append(attrs, "tag", t.Tag)
	}
	if est != nil {
		attrs = append(attrs, "confidence", est.Confidence)
	}
	slog.Info("routing: switched engine", attrs...)
	o.metrics.RecordSwitch(ctx, prev.ActiveLanguage, to, string(reason))
	o.emit(Event{
		Kind:     EventSwitch,
		Seq:      seq,
		From:     prev.ActiveLanguage,
		To:       to,
		Tag:      t.Tag,
		Reason:   reason,
		Estimate: est,
	})
	return nil
}

func targetLanguage(t Target) string {
	if t.Universal {
		return UniversalLanguage
	}
	return t.Language
}

// Status returns the current lifecycle state and routing.
func (o *Orchestrator) Status() Status {
	st := o.pool.State()
	var failed []string
	for lang := range o.pool.Failed() {
		failed = append(failed, lang)
	}
	slices.Sort(failed)
	return Status{
		State:              o.State(),
		ActiveLanguage:     st.ActiveLanguage,
		Tag:                st.Active.Tag,
		AvailableLanguages: o.pool.AvailableLanguages(),
		FailedLanguages:    failed,
		LastSwitch:         st.LastSwitch,
		RunID:              o.runID,
	}
}

// Stop drains in-flight work and releases every engine. Outstanding
// detections are cancelled, frames already accepted are delivered, and each
// worker processes its queue and flushes its engine before the pool is
// closed. If ctx expires first, in-flight engine calls are cancelled, and a
// detection that ignores cancellation is abandoned: Stop returns and the
// engines are closed once that detection returns.
//
// Stop is idempotent and may be called from any goroutine, concurrently with
// SwitchService. Later callers wait for the first Stop to finish.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	switch o.State() {
	case StateIdle:
		o.stopErr = o.pool.Close()
		o.setState(StateStopped)
		close(o.stopped)
		o.mu.Unlock()
		return o.stopErr
	case StateStopping, StateStopped:
		o.mu.Unlock()
		select {
		case <-o.stopped:
			return o.stopErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o.setState(StateStopping)
	o.mu.Unlock()

	var errs []error

	close(o.quitTicks)
	if o.stopTicker != nil {
		o.stopTicker()
	}
	o.detCancel()
	close(o.quitFrames)
	o.loops.Wait()

	// A detector that ignores cancellation is left behind once ctx expires.
	detsDone := waitChan(&o.dets)
	abandoned := false
	select {
	case <-detsDone:
	case <-ctx.Done():
		abandoned = true
		errs = append(errs, fmt.Errorf("routing: stop: detection still running: %w", ctx.Err()))
	}

	for _, w := range o.workers {
		close(w.quit)
	}
	if o.sound != nil {
		close(o.sound.quit)
	}
	done := waitChan(&o.workerW)
	select {
	case <-done:
	case <-ctx.Done():
		o.workerCancel()
		<-done
		if !abandoned {
			errs = append(errs, fmt.Errorf("routing: stop: %w", ctx.Err()))
		}
	}
	o.workerCancel()

	if abandoned {
		// The universal engine is closed once the detector lets go of it.
		go func() {
			<-detsDone
			if err := o.pool.Close(); err != nil {
				slog.Warn("routing: closing engines after abandoned detection", "err", err)
			}
		}()
	} else if err := o.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	o.metrics.LoadedEngines.Add(context.Background(), -int64(len(o.workers)-1))

	o.stopErr = errors.Join(errs...)
	o.setState(StateStopped)
	close(o.stopped)
	return o.stopErr
}

func waitChan(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// Done is closed once the orchestrator reaches STOPPED.
func (o *Orchestrator) Done() <-chan struct{} { return o.stopped }

func (o *Orchestrator) emit(ev Event) {
	ev.RunID = o.runID
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	o.sink.Emit(ev)
}

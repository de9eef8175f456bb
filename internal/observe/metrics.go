// Package observe provides application-wide observability primitives for
// lingoswitch: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all lingoswitch metrics.
const meterName = "github.com/MrWong99/lingoswitch"

// Drop stages reported on [Metrics.FramesDropped].
const (
	// StageInput marks frames evicted from the orchestrator input queue.
	StageInput = "input"
	// StageEngine marks frames evicted from an engine worker queue.
	StageEngine = "engine"
	// StageStopped marks frames offered while the orchestrator is not running.
	StageStopped = "stopped"
	// StageSound marks frames evicted from the sound classifier queue.
	StageSound = "sound"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// DetectionDuration tracks language detection latency per tick.
	DetectionDuration metric.Float64Histogram

	// TranscriptionDuration tracks per-frame engine latency. Use with attribute:
	//   attribute.String("language", ...)
	TranscriptionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesForwarded counts frames handed to an engine worker. Use with attribute:
	//   attribute.String("language", ...)
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames lost to the drop-oldest overload policy. Use
	// with attribute:
	//   attribute.String("stage", StageInput|StageEngine|StageStopped|StageSound)
	FramesDropped metric.Int64Counter

	// Detections counts detection ticks by outcome. Use with attribute:
	//   attribute.String("status", "applied"|"stale"|"error"|"insufficient"|"skipped"|"busy")
	Detections metric.Int64Counter

	// Switches counts applied routing changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("reason", ...)
	Switches metric.Int64Counter

	// Transcripts counts transcripts produced by engines. Use with attributes:
	//   attribute.String("language", ...), attribute.String("final", "true"|"false")
	Transcripts metric.Int64Counter

	// --- Error counters ---

	// EngineErrors counts transcription failures. Use with attribute:
	//   attribute.String("language", ...)
	EngineErrors metric.Int64Counter

	// SinkErrors counts events a result sink failed to deliver. Use with attribute:
	//   attribute.String("sink", ...)
	SinkErrors metric.Int64Counter

	// BreakerTransitions counts detector circuit breaker state changes. Use
	// with attributes:
	//   attribute.String("breaker", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// SoundClassifications counts sound classifier passes by outcome. Use
	// with attribute:
	//   attribute.String("status", "event"|"below_threshold"|"error")
	SoundClassifications metric.Int64Counter

	// --- Gauges ---

	// LoadedEngines tracks the number of loaded direct transcribers.
	LoadedEngines metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for recognizer latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DetectionDuration, err = m.Float64Histogram("lingoswitch.detection.duration",
		metric.WithDescription("Latency of language detection per tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("lingoswitch.transcription.duration",
		metric.WithDescription("Latency of a single engine Accept call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesForwarded, err = m.Int64Counter("lingoswitch.frames.forwarded",
		metric.WithDescription("Total audio frames handed to an engine by language."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("lingoswitch.frames.dropped",
		metric.WithDescription("Total audio frames dropped by stage."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("lingoswitch.detections",
		metric.WithDescription("Total detection ticks by status."),
	); err != nil {
		return nil, err
	}
	if met.Switches, err = m.Int64Counter("lingoswitch.switches",
		metric.WithDescription("Total engine switches by source, target, and reason."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("lingoswitch.transcripts",
		metric.WithDescription("Total transcripts by language and finality."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.EngineErrors, err = m.Int64Counter("lingoswitch.engine.errors",
		metric.WithDescription("Total transcription failures by language."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("lingoswitch.sink.errors",
		metric.WithDescription("Total undeliverable events by sink."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("lingoswitch.detector.breaker.transitions",
		metric.WithDescription("Detector circuit breaker transitions by breaker and new state."),
	); err != nil {
		return nil, err
	}

	if met.SoundClassifications, err = m.Int64Counter("lingoswitch.sound.classifications",
		metric.WithDescription("Sound classifier passes by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.LoadedEngines, err = m.Int64UpDownCounter("lingoswitch.engines.loaded",
		metric.WithDescription("Number of loaded direct transcribers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lingoswitch.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordFrameForwarded increments the forwarded-frames counter for language.
func (m *Metrics) RecordFrameForwarded(ctx context.Context, language string) {
	m.FramesForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordFrameDropped increments the dropped-frames counter for stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.RecordFramesDropped(ctx, stage, 1)
}

// RecordFramesDropped adds n to the dropped-frames counter for stage.
func (m *Metrics) RecordFramesDropped(ctx context.Context, stage string, n int64) {
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordDetection increments the detection counter with the given status.
func (m *Metrics) RecordDetection(ctx context.Context, status string) {
	m.Detections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSwitch increments the switch counter with the standard attribute set.
func (m *Metrics) RecordSwitch(ctx context.Context, from, to, reason string) {
	m.Switches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("reason", reason),
		),
	)
}

// RecordTranscript increments the transcript counter.
func (m *Metrics) RecordTranscript(ctx context.Context, language string, final bool) {
	f := "false"
	if final {
		f = "true"
	}
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("language", language),
			attribute.String("final", f),
		),
	)
}

// RecordEngineError increments the engine error counter for language.
func (m *Metrics) RecordEngineError(ctx context.Context, language string) {
	m.EngineErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("language", language)),
	)
}

// RecordSinkError increments the sink error counter for sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}

// RecordBreakerTransition counts breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("state", state),
		),
	)
}

// RecordSoundClassification counts one classifier pass with the given status.
func (m *Metrics) RecordSoundClassification(ctx context.Context, status string) {
	m.SoundClassifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDetectionDuration records the latency of one detection call.
func (m *Metrics) RecordDetectionDuration(ctx context.Context, d time.Duration) {
	m.DetectionDuration.Record(ctx, d.Seconds())
}

// RecordTranscriptionDuration records the latency of one engine call.
func (m *Metrics) RecordTranscriptionDuration(ctx context.Context, language string, d time.Duration) {
	m.TranscriptionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("language", language)),
	)
}

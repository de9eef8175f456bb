package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every span lingoswitch starts.
const tracerName = "github.com/MrWong99/lingoswitch"

// Tracer returns the lingoswitch tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. End it with [EndSpan] or span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartDetectionSpan starts the span wrapping one language detection tick.
func StartDetectionSpan(ctx context.Context, seq uint64, window time.Duration) (context.Context, trace.Span) {
	return StartSpan(ctx, "routing.detect",
		trace.WithAttributes(
			attribute.Int64("routing.tick", int64(seq)),
			attribute.Float64("routing.window_seconds", window.Seconds()),
		),
	)
}

// StartSwitchSpan starts the span wrapping one engine switch.
func StartSwitchSpan(ctx context.Context, from, to, reason string) (context.Context, trace.Span) {
	return StartSpan(ctx, "routing.switch",
		trace.WithAttributes(
			attribute.String("routing.from", from),
			attribute.String("routing.to", to),
			attribute.String("routing.reason", reason),
		),
	)
}

// EndSpan records err on span (if non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the hex trace ID of the span in ctx, or "" without
// one. The control API echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, annotated with trace_id and span_id
// when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

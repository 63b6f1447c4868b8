package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicetyper tracer.
const tracerName = "github.com/MrWong99/voicetyper"

// Tracer returns the package-level [trace.Tracer] for voicetyper. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Logger returns base enriched with trace_id and span_id from the span in
// ctx, so every line about one transcription session can be joined with its
// stt.session span. Without an active span base is returned unchanged. A nil
// base means slog.Default().
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

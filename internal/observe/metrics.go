// Package observe provides application-wide observability primitives for
// voicetyper: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
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
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voicetyper/pkg/provider/stt"
)

// meterName is the instrumentation scope name used for all voicetyper metrics.
const meterName = "github.com/MrWong99/voicetyper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Transcription sessions ---

	// SessionOpens counts session open attempts. Attribute: result.
	SessionOpens metric.Int64Counter

	// SessionErrors counts failed sessions. Attributes: kind, reason.
	SessionErrors metric.Int64Counter

	// SessionDuration tracks how long sessions stayed open.
	SessionDuration metric.Float64Histogram

	// SessionActive is the number of sessions not yet terminal.
	SessionActive metric.Int64UpDownCounter

	// --- Transcripts and keywords ---

	// TranscriptEvents counts consumed transcript events. Attribute: type.
	TranscriptEvents metric.Int64Counter

	// FinalLatency tracks the time from detected end of speech to the next
	// final transcript.
	FinalLatency metric.Float64Histogram

	// KeywordMatches counts keyword matches. Attributes: keyword, segment.
	KeywordMatches metric.Int64Counter

	// --- Injection ---

	// InjectTokens counts typed tokens. Attributes: kind, status.
	InjectTokens metric.Int64Counter

	// InjectQueueDepth is the number of tokens waiting to be typed.
	InjectQueueDepth metric.Int64UpDownCounter

	// --- Voice activity ---

	// VADTransitions counts gate transitions. Attribute: state.
	VADTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcript latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// durationBuckets covers session lifetimes from seconds to an hour.
var durationBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.SessionOpens, err = m.Int64Counter("voicetyper.session.opens",
		metric.WithDescription("Transcription session open attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("voicetyper.session.errors",
		metric.WithDescription("Failed transcription sessions by error kind and reason code."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("voicetyper.session.duration",
		metric.WithDescription("Lifetime of transcription sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionActive, err = m.Int64UpDownCounter("voicetyper.session.active",
		metric.WithDescription("Number of transcription sessions that are not yet closed."),
	); err != nil {
		return nil, err
	}

	// Transcripts.
	if met.TranscriptEvents, err = m.Int64Counter("voicetyper.transcript.events",
		metric.WithDescription("Transcript events consumed by type."),
	); err != nil {
		return nil, err
	}
	if met.FinalLatency, err = m.Float64Histogram("voicetyper.transcript.final_latency",
		metric.WithDescription("Time from detected end of speech to the final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.KeywordMatches, err = m.Int64Counter("voicetyper.keyword.matches",
		metric.WithDescription("Keyword matches by keyword and segment kind."),
	); err != nil {
		return nil, err
	}

	// Injection.
	if met.InjectTokens, err = m.Int64Counter("voicetyper.inject.tokens",
		metric.WithDescription("Injected tokens by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.InjectQueueDepth, err = m.Int64UpDownCounter("voicetyper.inject.queue_depth",
		metric.WithDescription("Tokens waiting to be typed."),
	); err != nil {
		return nil, err
	}

	// Voice activity.
	if met.VADTransitions, err = m.Int64Counter("voicetyper.vad.transitions",
		metric.WithDescription("Voice activity transitions by new state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicetyper.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionError records a failed session with its kind and reason code.
func (m *Metrics) RecordSessionError(ctx context.Context, err error) {
	kind, code := string(stt.KindOf(err)), "unknown"
	var e *stt.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("reason", code),
		),
	)
}

// RecordKeywordMatch records a keyword match.
func (m *Metrics) RecordKeywordMatch(ctx context.Context, keyword, segment string) {
	m.KeywordMatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("keyword", keyword),
			attribute.String("segment", segment),
		),
	)
}

// RecordInjectToken records one typed token.
func (m *Metrics) RecordInjectToken(ctx context.Context, kind, status string) {
	m.InjectTokens.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// Package observe provides application-wide observability primitives for
// aulavoz: OpenTelemetry metrics, tracing helpers, structured-logging
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aulavoz metrics.
const meterName = "github.com/aulavoz/aulavoz"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TranslationDuration tracks machine-translation latency per target
	// language.
	TranslationDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// DeliveryDuration tracks end-to-end transcript-to-student latency,
	// measured from pipeline entry to the completed send.
	DeliveryDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesReceived counts inbound WebSocket messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesReceived metric.Int64Counter

	// TranslationsDelivered counts successful per-student deliveries. Use with
	// attributes:
	//   attribute.String("target_language", ...), attribute.String("tts_service", ...)
	TranslationsDelivered metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SendRetries counts delivery send attempts beyond the first.
	SendRetries metric.Int64Counter

	// SessionsReaped counts sessions ended by the lifecycle sweep. Use with
	// attribute:
	//   attribute.String("strategy", ...)
	SessionsReaped metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks the number of active classroom sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStudents tracks the number of registered student connections
	// across all sessions.
	ActiveStudents metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech-pipeline latencies.
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
	if met.STTDuration, err = m.Float64Histogram("aulavoz.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranslationDuration, err = m.Float64Histogram("aulavoz.translation.duration",
		metric.WithDescription("Latency of machine translation per target language."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("aulavoz.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("aulavoz.delivery.duration",
		metric.WithDescription("End-to-end transcript-to-student delivery latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesReceived, err = m.Int64Counter("aulavoz.messages.received",
		metric.WithDescription("Total inbound WebSocket messages by type."),
	); err != nil {
		return nil, err
	}
	if met.TranslationsDelivered, err = m.Int64Counter("aulavoz.translations.delivered",
		metric.WithDescription("Total successful per-student deliveries by target language and TTS service."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("aulavoz.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SendRetries, err = m.Int64Counter("aulavoz.send.retries",
		metric.WithDescription("Total delivery send attempts beyond the first."),
	); err != nil {
		return nil, err
	}
	if met.SessionsReaped, err = m.Int64Counter("aulavoz.sessions.reaped",
		metric.WithDescription("Total sessions ended by the lifecycle sweep, by strategy."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("aulavoz.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("aulavoz.active_connections",
		metric.WithDescription("Number of live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("aulavoz.active_sessions",
		metric.WithDescription("Number of active classroom sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStudents, err = m.Int64UpDownCounter("aulavoz.active_students",
		metric.WithDescription("Number of registered student connections across all sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aulavoz.http.request.duration",
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

// RecordMessage counts one inbound message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordDelivery records one successful per-student delivery with its
// end-to-end duration in seconds.
func (m *Metrics) RecordDelivery(ctx context.Context, targetLanguage, ttsService string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("target_language", targetLanguage),
		attribute.String("tts_service", ttsService),
	)
	m.TranslationsDelivered.Add(ctx, 1, attrs)
	m.DeliveryDuration.Record(ctx, seconds, attrs)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReaped counts sessions ended by one reaper strategy.
func (m *Metrics) RecordReaped(ctx context.Context, strategy string, n int64) {
	if n <= 0 {
		return
	}
	m.SessionsReaped.Add(ctx, n,
		metric.WithAttributes(attribute.String("strategy", strategy)),
	)
}

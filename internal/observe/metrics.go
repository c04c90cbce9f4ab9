// Package observe provides application-wide observability primitives for
// Calma: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Calma metrics.
const meterName = "github.com/calmahq/calma"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks time from session start to the service's open
	// acknowledgement. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks total session lifetime from open to close.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunks counts agent speech chunks scheduled for playback.
	AudioChunks metric.Int64Counter

	// MalformedChunks counts agent speech chunks dropped because they could
	// not be decoded as PCM16.
	MalformedChunks metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes of the playback queue.
	PlaybackFlushes metric.Int64Counter

	// TextTurns counts synthetic text turns injected into the conversation.
	// Use with attribute:
	//   attribute.String("kind", "quick"|"kickoff"|"watchdog")
	TextTurns metric.Int64Counter

	// CaptureFrames counts microphone frames. Use with attribute:
	//   attribute.String("status", "sent"|"muted")
	CaptureFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts speech-service errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live companion sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// connectBuckets defines histogram bucket boundaries (in seconds) optimised
// for WebSocket session establishment.
var connectBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for full
// session lifetimes, which run from seconds to many minutes.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("calma.session.connect.duration",
		metric.WithDescription("Latency from session start to the open acknowledgement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("calma.session.duration",
		metric.WithDescription("Total session lifetime from open to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunks, err = m.Int64Counter("calma.playback.chunks",
		metric.WithDescription("Total agent speech chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.MalformedChunks, err = m.Int64Counter("calma.playback.malformed_chunks",
		metric.WithDescription("Total agent speech chunks dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("calma.playback.flushes",
		metric.WithDescription("Total barge-in flushes of the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.TextTurns, err = m.Int64Counter("calma.session.text_turns",
		metric.WithDescription("Total synthetic text turns by kind."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("calma.capture.frames",
		metric.WithDescription("Total microphone frames by delivery status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("calma.provider.errors",
		metric.WithDescription("Total speech-service errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("calma.active_sessions",
		metric.WithDescription("Number of live companion sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("calma.http.request.duration",
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

// RecordConnect is a convenience method that records one connect attempt with
// its latency and outcome.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTextTurn is a convenience method that records a synthetic text turn
// counter increment with its kind.
func (m *Metrics) RecordTextTurn(ctx context.Context, kind string) {
	m.TextTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordCaptureFrame is a convenience method that records one microphone
// frame with its delivery status.
func (m *Metrics) RecordCaptureFrame(ctx context.Context, sent bool) {
	status := "sent"
	if !sent {
		status = "muted"
	}
	m.CaptureFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordProviderError is a convenience method that records a speech-service
// error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

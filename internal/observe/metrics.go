// Package observe provides application-wide observability primitives for
// Balti Voice: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Balti Voice metrics.
const meterName = "github.com/balti-ai/balti-voice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// UtteranceDuration tracks the spoken length of each detected utterance.
	UtteranceDuration metric.Float64Histogram

	// FirstChunkLatency tracks the time from utterance submission to the
	// first reply chunk.
	FirstChunkLatency metric.Float64Histogram

	// PhaseDuration tracks time spent in each conversation phase. Use with
	// attribute: attribute.String("phase", ...)
	PhaseDuration metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts PCM frames pulled from the capture device.
	FramesCaptured metric.Int64Counter

	// UtterancesDetected counts completed utterances. Use with attribute:
	//   attribute.String("end_reason", ...)
	UtterancesDetected metric.Int64Counter

	// GatewayRequests counts gateway exchanges. Use with attributes:
	//   attribute.String("gateway", ...), attribute.String("status", ...)
	GatewayRequests metric.Int64Counter

	// GatewayRetries counts transport-level retry attempts.
	GatewayRetries metric.Int64Counter

	// GatewayErrors counts failed exchanges. Use with attribute:
	//   attribute.String("kind", ...)
	GatewayErrors metric.Int64Counter

	// Interrupts counts cancelled replies, whether from barge-in or the
	// control surface.
	Interrupts metric.Int64Counter

	// PlaybackUnderruns counts output callbacks served with silence.
	PlaybackUnderruns metric.Int64Counter

	// CaptureDrops counts capture frames discarded because the consumer fell
	// behind the device.
	CaptureDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running session controllers.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.UtteranceDuration, err = m.Float64Histogram("baltivoice.utterance.duration",
		metric.WithDescription("Spoken length of detected utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstChunkLatency, err = m.Float64Histogram("baltivoice.gateway.first_chunk_latency",
		metric.WithDescription("Time from utterance submission to first reply chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PhaseDuration, err = m.Float64Histogram("baltivoice.session.phase_duration",
		metric.WithDescription("Time spent per conversation phase."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("baltivoice.audio.frames_captured",
		metric.WithDescription("Total PCM frames pulled from the capture device."),
	); err != nil {
		return nil, err
	}
	if met.UtterancesDetected, err = m.Int64Counter("baltivoice.vad.utterances",
		metric.WithDescription("Total completed utterances by end reason."),
	); err != nil {
		return nil, err
	}
	if met.GatewayRequests, err = m.Int64Counter("baltivoice.gateway.requests",
		metric.WithDescription("Total gateway exchanges by gateway and status."),
	); err != nil {
		return nil, err
	}
	if met.GatewayRetries, err = m.Int64Counter("baltivoice.gateway.retries",
		metric.WithDescription("Total transport-level retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.GatewayErrors, err = m.Int64Counter("baltivoice.gateway.errors",
		metric.WithDescription("Total failed gateway exchanges by kind."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("baltivoice.session.interrupts",
		metric.WithDescription("Total cancelled replies."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("baltivoice.audio.playback_underruns",
		metric.WithDescription("Total output callbacks served with silence."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDrops, err = m.Int64Counter("baltivoice.audio.capture_drops",
		metric.WithDescription("Total capture frames discarded under backpressure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("baltivoice.active_sessions",
		metric.WithDescription("Number of running session controllers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("baltivoice.http.request.duration",
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

// RecordGatewayRequest is a convenience method that records a gateway
// exchange counter increment with the standard attribute set.
func (m *Metrics) RecordGatewayRequest(ctx context.Context, gateway, status string) {
	m.GatewayRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("gateway", gateway),
			attribute.String("status", status),
		),
	)
}

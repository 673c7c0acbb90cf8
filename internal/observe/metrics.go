// Package observe provides application-wide observability primitives for
// lenscloud: OpenTelemetry metrics and the SDK wiring that exposes them
// through a Prometheus scrape endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics are scraped
// via the standard /metrics endpoint. Tests should use [NewMetrics] with a
// private meter provider to avoid cross-test pollution.
package observe

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope name used for all lenscloud metrics.
const meterName = "github.com/lenslab/lenscloud"

// Metrics holds all OpenTelemetry metric instruments for the control plane.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveSessions tracks live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveApps tracks App connections in RUNNING state across sessions.
	ActiveApps metric.Int64UpDownCounter

	// ActiveStreams tracks live transcription/translation streams.
	ActiveStreams metric.Int64UpDownCounter

	// --- Counters ---

	// AppStarts counts startApp outcomes. Attributes:
	//   attribute.String("stage", "ok"|"webhook"|"timeout"|"connection"|"auth")
	AppStarts metric.Int64Counter

	// WebhookAttempts counts webhook POSTs. Attributes:
	//   attribute.String("status", "ok"|"error")
	WebhookAttempts metric.Int64Counter

	// Resurrections counts automatic App restarts triggered by sends
	// against a DISCONNECTED App.
	Resurrections metric.Int64Counter

	// ProviderFailovers counts stream swaps to an alternate provider.
	// Attributes: attribute.String("from", ...), attribute.String("to", ...)
	ProviderFailovers metric.Int64Counter

	// StreamRetries counts same-provider stream retry attempts.
	StreamRetries metric.Int64Counter

	// TranscriptionResults counts relayed transcription/translation
	// results. Attributes: attribute.String("kind", ...), attribute.Bool("final", ...)
	TranscriptionResults metric.Int64Counter

	// AuthFailures counts rejected glasses/App connections. Attributes:
	//   attribute.String("endpoint", "glasses"|"app"), attribute.String("reason", ...)
	AuthFailures metric.Int64Counter

	// --- Histograms ---

	// StreamCreateDuration tracks provider stream establishment latency.
	StreamCreateDuration metric.Float64Histogram

	// WebhookDuration tracks webhook round-trip latency.
	WebhookDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// webhook round-trips and provider stream establishment.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("lenscloud.sessions.active",
		metric.WithDescription("Number of live user sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveApps, err = m.Int64UpDownCounter("lenscloud.apps.active",
		metric.WithDescription("Number of App connections in RUNNING state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("lenscloud.transcription.streams.active",
		metric.WithDescription("Number of live transcription/translation streams."),
	); err != nil {
		return nil, err
	}
	if met.AppStarts, err = m.Int64Counter("lenscloud.apps.starts",
		metric.WithDescription("startApp outcomes by stage."),
	); err != nil {
		return nil, err
	}
	if met.WebhookAttempts, err = m.Int64Counter("lenscloud.apps.webhook.attempts",
		metric.WithDescription("Webhook POST attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.Resurrections, err = m.Int64Counter("lenscloud.apps.resurrections",
		metric.WithDescription("Automatic App restarts triggered by outbound sends."),
	); err != nil {
		return nil, err
	}
	if met.ProviderFailovers, err = m.Int64Counter("lenscloud.transcription.failovers",
		metric.WithDescription("Stream swaps to an alternate transcription provider."),
	); err != nil {
		return nil, err
	}
	if met.StreamRetries, err = m.Int64Counter("lenscloud.transcription.retries",
		metric.WithDescription("Same-provider stream retry attempts."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionResults, err = m.Int64Counter("lenscloud.transcription.results",
		metric.WithDescription("Relayed transcription and translation results."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("lenscloud.auth.failures",
		metric.WithDescription("Rejected glasses/App connections."),
	); err != nil {
		return nil, err
	}
	if met.StreamCreateDuration, err = m.Float64Histogram("lenscloud.transcription.stream.create.duration",
		metric.WithDescription("Provider stream establishment latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WebhookDuration, err = m.Float64Histogram("lenscloud.apps.webhook.duration",
		metric.WithDescription("Webhook round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// NewNoopMetrics returns a [Metrics] whose instruments discard all
// recordings. Used in tests that do not assert on telemetry.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

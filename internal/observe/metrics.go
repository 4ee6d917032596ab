// Package observe provides application-wide observability primitives for the
// voice gateway and datastore services: OpenTelemetry metrics, distributed
// tracing, structured logging, and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/rslive/voicegateway"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- IPC ---

	// IPCRequestDuration tracks request/response IPC latency by message type.
	IPCRequestDuration metric.Float64Histogram

	// IPCRequests counts IPC request/response calls. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	IPCRequests metric.Int64Counter

	// IPCOneway counts fire-and-forget sends by message type.
	IPCOneway metric.Int64Counter

	// --- Upstream provider ---

	// UpstreamErrors counts upstream connection/provider errors by kind.
	UpstreamErrors metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live orchestrator sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionReconnects counts unexpected-close reconnect attempts.
	SessionReconnects metric.Int64Counter

	// --- Credits / usage ---

	// UsageTokens counts tokens deducted, by kind ("input", "output").
	UsageTokens metric.Int64Counter

	// CreditDepletions counts sessions terminated for lack of remaining credit.
	CreditDepletions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), tuned for
// local IPC and upstream round trips rather than wide-area network calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.IPCRequestDuration, err = m.Float64Histogram("voicegateway.ipc.request.duration",
		metric.WithDescription("Latency of IPC request/response round trips."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IPCRequests, err = m.Int64Counter("voicegateway.ipc.requests",
		metric.WithDescription("Total IPC request/response calls by type and status."),
	); err != nil {
		return nil, err
	}
	if met.IPCOneway, err = m.Int64Counter("voicegateway.ipc.oneway",
		metric.WithDescription("Total fire-and-forget IPC sends by type."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("voicegateway.upstream.errors",
		metric.WithDescription("Total upstream connection/provider errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegateway.active_sessions",
		metric.WithDescription("Number of live orchestrator sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionReconnects, err = m.Int64Counter("voicegateway.session.reconnects",
		metric.WithDescription("Total unexpected-close reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.UsageTokens, err = m.Int64Counter("voicegateway.usage.tokens",
		metric.WithDescription("Total tokens deducted, by kind (input/output)."),
	); err != nil {
		return nil, err
	}
	if met.CreditDepletions, err = m.Int64Counter("voicegateway.credit_depletions",
		metric.WithDescription("Total sessions terminated for credit depletion."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegateway.http.request.duration",
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

// RecordIPCRequest is a convenience method that records an IPC request/
// response counter increment and duration with the standard attribute set.
func (m *Metrics) RecordIPCRequest(ctx context.Context, msgType, status string, seconds float64) {
	m.IPCRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", msgType),
			attribute.String("status", status),
		),
	)
	m.IPCRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordIPCOneway is a convenience method that records a fire-and-forget IPC
// send counter increment.
func (m *Metrics) RecordIPCOneway(ctx context.Context, msgType string) {
	m.IPCOneway.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordUpstreamError is a convenience method that records an upstream error
// counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordUsage is a convenience method that records token-usage counters.
func (m *Metrics) RecordUsage(ctx context.Context, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		m.UsageTokens.Add(ctx, inputTokens, metric.WithAttributes(attribute.String("kind", "input")))
	}
	if outputTokens > 0 {
		m.UsageTokens.Add(ctx, outputTokens, metric.WithAttributes(attribute.String("kind", "output")))
	}
}

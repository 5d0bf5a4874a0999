// Package observe provides application-wide observability primitives for
// toolgate: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all toolgate metrics.
const meterName = "github.com/kyralabs/toolgate"

// Metrics holds all OpenTelemetry metric instruments for the tool runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ToolExecutionDuration tracks tool handle execution latency. Use with
	// attributes: attribute.String("tool", ...), attribute.String("status", ...)
	ToolExecutionDuration metric.Float64Histogram

	// ToolInvocations counts dispatched invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolInvocations metric.Int64Counter

	// RegistryRebuilds counts discovery rebuilds.
	RegistryRebuilds metric.Int64Counter

	// RegistrySize tracks the number of registered tools after the most
	// recent rebuild.
	RegistrySize metric.Int64UpDownCounter

	// AgentIterations counts agent orchestrator loop iterations. Use with
	// attribute.String("finish_reason", ...).
	AgentIterations metric.Int64Counter

	// SandboxExecutions counts script sandbox runs. Use with
	// attribute.String("status", ...).
	SandboxExecutions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// fast in-process tools through slow remote agents.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolExecutionDuration, err = m.Float64Histogram("toolgate.tool.duration",
		metric.WithDescription("Latency of tool handle execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolgate.http.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolInvocations, err = m.Int64Counter("toolgate.tool.invocations",
		metric.WithDescription("Number of dispatched tool invocations."),
	); err != nil {
		return nil, err
	}
	if met.RegistryRebuilds, err = m.Int64Counter("toolgate.registry.rebuilds",
		metric.WithDescription("Number of registry rebuilds."),
	); err != nil {
		return nil, err
	}
	if met.RegistrySize, err = m.Int64UpDownCounter("toolgate.registry.size",
		metric.WithDescription("Number of registered tools."),
	); err != nil {
		return nil, err
	}
	if met.AgentIterations, err = m.Int64Counter("toolgate.agent.iterations",
		metric.WithDescription("Agent orchestrator loop iterations."),
	); err != nil {
		return nil, err
	}
	if met.SandboxExecutions, err = m.Int64Counter("toolgate.sandbox.executions",
		metric.WithDescription("Script sandbox runs."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordInvocation records one completed invocation across the duration
// histogram and the invocation counter.
func (m *Metrics) RecordInvocation(ctx context.Context, tool, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolInvocations.Add(ctx, 1, attrs)
	m.ToolExecutionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRebuild records one registry rebuild and moves the size gauge by the
// change in registered tool count.
func (m *Metrics) RecordRebuild(ctx context.Context, sizeDelta int) {
	m.RegistryRebuilds.Add(ctx, 1)
	if sizeDelta != 0 {
		m.RegistrySize.Add(ctx, int64(sizeDelta))
	}
}

// RecordAgentIteration records one agent loop turn with the model's finish
// reason.
func (m *Metrics) RecordAgentIteration(ctx context.Context, finishReason string) {
	m.AgentIterations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("finish_reason", finishReason)))
}

// RecordSandboxExecution records one script sandbox run with its terminal
// status ("ok" or the error kind).
func (m *Metrics) RecordSandboxExecution(ctx context.Context, status string) {
	m.SandboxExecutions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)))
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance built on the
// global meter provider. Instrument creation failures fall back to no-op
// instruments inside the OTel SDK, so the return value is always usable.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

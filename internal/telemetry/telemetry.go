// Package telemetry wires OpenTelemetry counters and histograms for the
// request pipeline, the policy evaluator, and the adapter supervisor.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpgov/policy-gateway/internal/log"
)

const (
	// TracerName names the tracer registered with the global provider.
	TracerName = "github.com/mcpgov/policy-gateway"
	// MeterName names the meter registered with the global provider.
	MeterName = "github.com/mcpgov/policy-gateway"
)

// Metric names.
const (
	MetricRequests       = "mcp_gateway.requests"
	MetricRequestErrors  = "mcp_gateway.request.errors"
	MetricRequestLatency = "mcp_gateway.request.duration"
	MetricPolicyDecision = "mcp_gateway.policy.decisions"
	MetricAdapterEvents  = "mcp_gateway.adapter.events"
)

// Telemetry bundles the meter/tracer and the instruments built from them.
// A zero-value Telemetry is safe to use: every recording method is a
// no-op if Init hasn't been called.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	requests       metric.Int64Counter
	requestErrors  metric.Int64Counter
	requestLatency metric.Float64Histogram
	policyDecision metric.Int64Counter
	adapterEvents  metric.Int64Counter
}

// Init builds a Telemetry from the globally registered tracer/meter
// providers. cmd/mcp-gateway registers none itself, so unless one is
// registered elsewhere these are otel's no-op defaults.
func Init() *Telemetry {
	t := &Telemetry{
		tracer: otel.GetTracerProvider().Tracer(TracerName),
		meter:  otel.GetMeterProvider().Meter(MeterName),
	}
	t.buildInstruments()
	return t
}

func (t *Telemetry) buildInstruments() {
	var err error
	t.requests, err = t.meter.Int64Counter(MetricRequests, metric.WithDescription("MCP requests received"), metric.WithUnit("1"))
	logInstrumentErr("requests counter", err)
	t.requestErrors, err = t.meter.Int64Counter(MetricRequestErrors, metric.WithDescription("MCP requests that ended in error"), metric.WithUnit("1"))
	logInstrumentErr("request errors counter", err)
	t.requestLatency, err = t.meter.Float64Histogram(MetricRequestLatency, metric.WithDescription("Request pipeline duration"), metric.WithUnit("ms"))
	logInstrumentErr("request latency histogram", err)
	t.policyDecision, err = t.meter.Int64Counter(MetricPolicyDecision, metric.WithDescription("Policy evaluator decisions by effect"), metric.WithUnit("1"))
	logInstrumentErr("policy decision counter", err)
	t.adapterEvents, err = t.meter.Int64Counter(MetricAdapterEvents, metric.WithDescription("Adapter supervisor lifecycle events"), metric.WithUnit("1"))
	logInstrumentErr("adapter events counter", err)
}

func logInstrumentErr(name string, err error) {
	if err != nil {
		log.Logf("telemetry: failed to create %s: %v", name, err)
	}
}

// StartSpan opens a span for one pipeline stage, e.g. "pipeline.proxy".
func (t *Telemetry) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name)
}

// RecordRequest increments the request counter, tagged by server and
// outcome.
func (t *Telemetry) RecordRequest(ctx context.Context, server string, errored bool) {
	if t == nil || t.requests == nil {
		return
	}
	t.requests.Add(ctx, 1, metric.WithAttributes(attrServer(server)))
	if errored && t.requestErrors != nil {
		t.requestErrors.Add(ctx, 1, metric.WithAttributes(attrServer(server)))
	}
}

// RecordLatency records one request's end-to-end pipeline duration.
func (t *Telemetry) RecordLatency(ctx context.Context, server string, ms float64) {
	if t == nil || t.requestLatency == nil {
		return
	}
	t.requestLatency.Record(ctx, ms, metric.WithAttributes(attrServer(server)))
}

// RecordDecision increments the policy decision counter by effect.
func (t *Telemetry) RecordDecision(ctx context.Context, effect string) {
	if t == nil || t.policyDecision == nil {
		return
	}
	t.policyDecision.Add(ctx, 1, metric.WithAttributes(attrEffect(effect)))
}

// RecordAdapterEvent increments the adapter lifecycle counter, e.g. for
// the supervisor's "started", "start_failed", "exited" events.
func (t *Telemetry) RecordAdapterEvent(ctx context.Context, server, event string) {
	if t == nil || t.adapterEvents == nil {
		return
	}
	t.adapterEvents.Add(ctx, 1, metric.WithAttributes(attrServer(server), attrEvent(event)))
}

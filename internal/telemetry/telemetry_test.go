package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider registers an SDK meter provider backed by a manual
// reader so a test can pull recorded metrics without a collector. The
// global provider is restored after the test so other packages' tests
// aren't affected.
func setupTestMeterProvider(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	prior := otel.GetMeterProvider()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	t.Cleanup(func() { otel.SetMeterProvider(prior) })
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findSum(rm metricdata.ResourceMetrics, name string) (metricdata.Sum[int64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum, true
				}
			}
		}
	}
	return metricdata.Sum[int64]{}, false
}

func findHistogram(rm metricdata.ResourceMetrics, name string) (metricdata.Histogram[float64], bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return h, true
				}
			}
		}
	}
	return metricdata.Histogram[float64]{}, false
}

func TestRecordRequestAndLatency(t *testing.T) {
	reader := setupTestMeterProvider(t)
	tel := Init()
	ctx := context.Background()

	tel.RecordRequest(ctx, "srv-a", false)
	tel.RecordRequest(ctx, "srv-a", true)
	tel.RecordLatency(ctx, "srv-a", 12.5)

	rm := collect(t, reader)

	requests, ok := findSum(rm, MetricRequests)
	require.True(t, ok, "%s not recorded", MetricRequests)
	assert.Equal(t, int64(2), requests.DataPoints[0].Value)

	errs, ok := findSum(rm, MetricRequestErrors)
	require.True(t, ok, "%s not recorded", MetricRequestErrors)
	assert.Equal(t, int64(1), errs.DataPoints[0].Value)

	latency, ok := findHistogram(rm, MetricRequestLatency)
	require.True(t, ok, "%s not recorded", MetricRequestLatency)
	assert.Equal(t, uint64(1), latency.DataPoints[0].Count)
}

func TestRecordDecisionAndAdapterEvent(t *testing.T) {
	reader := setupTestMeterProvider(t)
	tel := Init()
	ctx := context.Background()

	tel.RecordDecision(ctx, "allow")
	tel.RecordAdapterEvent(ctx, "srv-b", "crashed")

	rm := collect(t, reader)

	decisions, ok := findSum(rm, MetricPolicyDecision)
	require.True(t, ok, "%s not recorded", MetricPolicyDecision)
	assert.Equal(t, int64(1), decisions.DataPoints[0].Value)

	events, ok := findSum(rm, MetricAdapterEvents)
	require.True(t, ok, "%s not recorded", MetricAdapterEvents)
	assert.Equal(t, int64(1), events.DataPoints[0].Value)
}

func TestNilTelemetryIsNoOp(t *testing.T) {
	var tel *Telemetry
	ctx := context.Background()
	assert.NotPanics(t, func() {
		tel.RecordRequest(ctx, "srv-a", true)
		tel.RecordLatency(ctx, "srv-a", 1)
		tel.RecordDecision(ctx, "deny")
		tel.RecordAdapterEvent(ctx, "srv-a", "stopped")
	})
}

package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMeterProvider creates a meter provider backed by a manual reader
func setupTestMeterProvider(t *testing.T) (*metric.MeterProvider, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return provider, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestGatewayInstruments_RecordCharge(t *testing.T) {
	provider, reader := setupTestMeterProvider(t)
	g, err := NewGatewayInstrumentsFrom(provider)
	require.NoError(t, err)

	ctx := context.Background()
	g.RecordCharge(ctx, "declined", "immediate", 120*time.Millisecond)
	g.RecordCharge(ctx, "declined", "immediate", 80*time.Millisecond)
	g.RecordCharge(ctx, "succeeded", "grace", 50*time.Millisecond)
	g.RecordCollected(ctx, "USD", 29900)

	metrics := collect(t, reader)

	charges, ok := metrics["dunning.gateway.charges"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := map[string]int64{}
	for _, dp := range charges.DataPoints {
		outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
		counts[outcome.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{"declined": 2, "succeeded": 1}, counts)

	duration, ok := metrics["dunning.gateway.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var total uint64
	for _, dp := range duration.DataPoints {
		total += dp.Count
	}
	assert.Equal(t, uint64(3), total)

	amount, ok := metrics["dunning.collected.amount"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, amount.DataPoints, 1)
	assert.Equal(t, int64(29900), amount.DataPoints[0].Value)
}

func TestGatewayInstruments_NilIsNoop(t *testing.T) {
	var g *GatewayInstruments
	assert.NotPanics(t, func() {
		g.RecordCharge(context.Background(), "declined", "immediate", time.Second)
		g.RecordCollected(context.Background(), "USD", 100)
	})
}

func TestNewGatewayInstruments_GlobalProvider(t *testing.T) {
	g, err := NewGatewayInstruments()
	require.NoError(t, err)
	assert.NotNil(t, g)
}

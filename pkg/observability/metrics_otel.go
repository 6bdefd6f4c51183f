package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/dunning"

// GatewayInstruments mirror the gateway metrics onto the OpenTelemetry meter so they
// reach the collector next to the charge spans. A nil *GatewayInstruments is a no-op.
type GatewayInstruments struct {
	charges  metric.Int64Counter
	duration metric.Float64Histogram
	amount   metric.Int64Counter
}

// NewGatewayInstruments creates the instruments on the global meter provider. Before
// InitOTel runs the global provider discards everything.
func NewGatewayInstruments() (*GatewayInstruments, error) {
	return NewGatewayInstrumentsFrom(otel.GetMeterProvider())
}

// NewGatewayInstrumentsFrom creates the instruments on a specific provider.
func NewGatewayInstrumentsFrom(provider metric.MeterProvider) (*GatewayInstruments, error) {
	meter := provider.Meter(meterName)
	g := &GatewayInstruments{}
	var err error

	g.charges, err = meter.Int64Counter(
		"dunning.gateway.charges",
		metric.WithDescription("Gateway charges by outcome and recovery stage"),
		metric.WithUnit("{charge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway charges counter: %w", err)
	}

	g.duration, err = meter.Float64Histogram(
		"dunning.gateway.duration",
		metric.WithDescription("Gateway call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway duration histogram: %w", err)
	}

	g.amount, err = meter.Int64Counter(
		"dunning.collected.amount",
		metric.WithDescription("Collected amount in minor currency units"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create collected amount counter: %w", err)
	}
	return g, nil
}

// RecordCharge records one gateway call.
func (g *GatewayInstruments) RecordCharge(ctx context.Context, outcome, stage string, d time.Duration) {
	if g == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("stage", stage),
	)
	g.charges.Add(ctx, 1, attrs)
	g.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordCollected records a settled invoice amount.
func (g *GatewayInstruments) RecordCollected(ctx context.Context, currency string, amount int64) {
	if g == nil {
		return
	}
	g.amount.Add(ctx, amount, metric.WithAttributes(attribute.String("currency", currency)))
}

package otelconsume

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/streamward/consume/subscription"
)

var _ subscription.GapMeasure = &GapRecorder{}

// GapRecorder is a subscription.GapMeasure implementation exporting
// consumer lag samples as an OpenTelemetry gauge metric.
//
// Use NewGapRecorder to create a new instance.
type GapRecorder struct {
	gap metric.Int64Gauge
}

// NewGapRecorder returns a GapRecorder registered on the configured
// meter provider, or the global one if unspecified.
func NewGapRecorder(opts ...Option) (*GapRecorder, error) {
	cfg := newConfig(opts...)

	gap, err := cfg.meter().Int64Gauge(
		"consume.subscription.gap",
		metric.WithDescription("Distance between the event source head and the subscription last processed position"),
	)
	if err != nil {
		return nil, fmt.Errorf("otelconsume: failed to register gap metric: %w", err)
	}

	return &GapRecorder{gap: gap}, nil
}

// Record implements the subscription.GapMeasure interface.
func (gr *GapRecorder) Record(ctx context.Context, sample subscription.GapSample) {
	gr.gap.Record(ctx, int64(sample.Gap), metric.WithAttributes(
		SubscriptionIDAttribute.String(sample.SubscriptionID),
	))
}

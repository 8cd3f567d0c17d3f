package otelconsume

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamward/consume/subscription"
)

var _ subscription.EventHandler = &InstrumentedHandler{}

// InstrumentedHandler wraps a subscription.EventHandler instance to
// provide telemetry support using OpenTelemetry.
//
// Use InstrumentHandler function to create a new instance.
type InstrumentedHandler struct {
	name    string
	tracer  trace.Tracer
	handler subscription.EventHandler

	count    metric.Int64Counter
	duration metric.Int64Histogram
}

func (ih *InstrumentedHandler) registerMetrics(meter metric.Meter) error {
	var err error

	if ih.count, err = meter.Int64Counter(
		"consume.handler.count",
		metric.WithDescription("Count of event handling operations performed"),
	); err != nil {
		return fmt.Errorf("otelconsume: failed to register metric: %w", err)
	}

	if ih.duration, err = meter.Int64Histogram(
		"consume.handler.duration.milliseconds",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of event handling operations performed"),
	); err != nil {
		return fmt.Errorf("otelconsume: failed to register metric: %w", err)
	}

	return nil
}

// InstrumentHandler wraps an Event Handler to provide support for
// exporting telemetry data using OpenTelemetry.
//
// The name provided will be used for both traces and metrics exported.
func InstrumentHandler(name string, handler subscription.EventHandler, opts ...Option) (*InstrumentedHandler, error) {
	cfg := newConfig(opts...)

	ih := &InstrumentedHandler{
		name:    name,
		tracer:  cfg.tracer(),
		handler: handler,
	}

	if err := ih.registerMetrics(cfg.meter()); err != nil {
		return nil, err
	}

	return ih, nil
}

// HandleEvent processes the provided event using the underlying
// subscription.EventHandler implementation, and reports telemetry data
// on its execution.
func (ih *InstrumentedHandler) HandleEvent(ctx context.Context, event interface{}, position uint64) (err error) {
	attributes := []attribute.KeyValue{
		SubscriptionIDAttribute.String(ih.name),
	}

	spanAttributes := append(attributes, //nolint:gocritic // Intended behavior.
		EventPositionAttribute.Int64(int64(position)),
	)

	ctx, span := ih.tracer.Start(ctx, "EventHandler.HandleEvent", trace.WithAttributes(spanAttributes...))
	defer span.End()

	start := time.Now()
	defer func() {
		ih.duration.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(attributes...))
		ih.count.Add(ctx, 1, metric.WithAttributes(
			append(attributes, ErrorAttribute.Bool(err != nil))...,
		))
	}()

	if err = ih.handler.HandleEvent(ctx, event, position); err != nil {
		span.RecordError(err)
	}

	return err
}

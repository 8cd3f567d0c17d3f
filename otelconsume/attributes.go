package otelconsume

import "go.opentelemetry.io/otel/attribute"

var (
	// ErrorAttribute is used with a metric when an error is recorded.
	ErrorAttribute = attribute.Key("error")

	// SubscriptionIDAttribute is the attribute identifier that contains
	// the id of the subscription the telemetry refers to.
	SubscriptionIDAttribute = attribute.Key("subscription.id")

	// EventPositionAttribute is the attribute identifier that contains the
	// global log position of the event being handled.
	EventPositionAttribute = attribute.Key("event.position")
)

// Package subscription implements the consumption side of an event-sourced
// system: a lifecycle controller that pulls events from an append-only log
// through a pluggable Transport, dispatches them to registered handlers,
// persists consumption progress through a checkpoint.Store, and recovers
// automatically when the underlying feed is dropped.
//
// Delivery is at-least-once: after a feed is re-established from the last
// stored checkpoint, a small tail of events may be processed again.
// Handlers are expected to be idempotent.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/streamward/consume/subscription/checkpoint"
)

// DefaultContentType is assumed for events that do not declare
// a content type of their own.
const DefaultContentType = "application/json"

// SystemEventPrefix marks event types reserved for structural or control
// events emitted by the transport. Events with such types carry no domain
// payload and are never dispatched to handlers.
const SystemEventPrefix = '$'

// ReceivedEvent is a single event delivered by a Transport feed.
// It is immutable; the transport produces exactly one per delivered event.
type ReceivedEvent struct {
	// ID is the unique identity of the event, assigned by the event source.
	ID uuid.UUID

	// Stream is the name of the event stream the event belongs to.
	Stream string

	// StreamPosition is the position of the event in its stream.
	// This is the value persisted in the subscription checkpoint.
	//
	// Transports serving a feed over the whole log must set this field
	// to a position they can resume from, typically GlobalPosition.
	StreamPosition uint64

	// GlobalPosition is the position of the event in the whole event log.
	GlobalPosition uint64

	// EventType routes the payload to its registered Go type on deserialization.
	EventType string

	// ContentType identifies the payload encoding. Empty means DefaultContentType.
	ContentType string

	// Payload is the raw, serialized event payload.
	Payload []byte

	// CreatedAt is the time the event was appended to the log.
	CreatedAt time.Time
}

// IsSystem reports whether the event is a reserved transport event
// that should skip deserialization and handler dispatch.
func (e ReceivedEvent) IsSystem() bool {
	return len(e.EventType) > 0 && e.EventType[0] == SystemEventPrefix
}

// EventPosition tracks the most recently processed log offset and
// when it was recorded. A nil Position means no event has been
// processed yet during the current run.
type EventPosition struct {
	Position   *uint64
	ObservedAt time.Time
}

// DropReason classifies why an active feed became unusable.
type DropReason uint8

// All the possible reasons a Transport can report when dropping a feed.
const (
	DropReasonUnknown DropReason = iota
	DropReasonStopped
	DropReasonServerError
	DropReasonSubscriptionError
)

// String implements the fmt.Stringer interface.
func (r DropReason) String() string {
	switch r {
	case DropReasonStopped:
		return "stopped"
	case DropReasonServerError:
		return "server-error"
	case DropReasonSubscriptionError:
		return "subscription-error"
	case DropReasonUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// EventSubscription is a live feed handle returned by a Transport.
//
// Ownership of the handle transfers to the Controller on creation, and is
// released by calling Stop, or when the transport reports a drop.
type EventSubscription interface {
	Stop()
}

// EventFunc is the per-event callback the Controller hands to a Transport.
// The transport must invoke it once per delivered event, logically
// sequentially per subscription, so that checkpoint writes stay meaningful.
//
// A non-nil error means the event could not be recorded as processed
// (checkpoint persistence failed); transports should treat it as fatal
// for the feed and drop it.
type EventFunc func(ctx context.Context, event ReceivedEvent) error

// DropFunc is the callback a Transport invokes when its feed becomes
// unusable, with a classified reason and an optional underlying cause.
type DropFunc func(reason DropReason, cause error)

// Transport produces event feeds for a specific event-source technology.
//
// Subscribe opens a feed positioned immediately after the provided
// checkpoint, pushing events through onEvent and signaling feed loss
// through onDrop. It is invoked both on Controller.Start and on every
// resubscription attempt.
//
// HeadPosition reports the current head of the event source, and is
// polled periodically by the gap-measurement task.
type Transport interface {
	Subscribe(ctx context.Context, from checkpoint.Checkpoint, onEvent EventFunc, onDrop DropFunc) (EventSubscription, error)
	HeadPosition(ctx context.Context) (uint64, error)
}

// EventHandler consumes a deserialized event together with its global
// log offset. Multiple handlers may be registered on a single Controller;
// all of them are invoked concurrently for each event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event interface{}, position uint64) error
}

// EventHandlerFunc is a functional EventHandler implementation.
type EventHandlerFunc func(ctx context.Context, event interface{}, position uint64) error

// HandleEvent implements the EventHandler interface.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event interface{}, position uint64) error {
	return f(ctx, event, position)
}

// Serializer decodes raw event payloads into typed domain events.
//
// Deserialize returns (nil, nil) for event types the serializer does not
// know about: the event is skipped without failing the subscription.
type Serializer interface {
	ContentType() string
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// UnsupportedContentTypeError is returned by the event pipeline when an
// event declares a content type different from the configured serializer's.
type UnsupportedContentTypeError struct {
	ContentType string
	Expected    string
}

// Error implements the error interface.
func (err UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf(
		"subscription: unsupported event content type '%s', expected '%s'",
		err.ContentType,
		err.Expected,
	)
}

// GapSample is a single observation of consumer lag: the distance between
// the head of the event log and the subscription's last processed position.
type GapSample struct {
	SubscriptionID string
	Gap            uint64
	ObservedAt     time.Time
}

// GapMeasure records observed consumer lag samples, e.g. to a metrics backend.
type GapMeasure interface {
	Record(ctx context.Context, sample GapSample)
}

// GapMeasureFunc is a functional GapMeasure implementation.
type GapMeasureFunc func(ctx context.Context, sample GapSample)

// Record implements the GapMeasure interface.
func (f GapMeasureFunc) Record(ctx context.Context, sample GapSample) {
	f(ctx, sample)
}

// Health is the controller state exposed to process supervisors.
type Health struct {
	Healthy bool
	Reason  string
}

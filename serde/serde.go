// Package serde provides content-type-tagged event serializers, mapping
// event type names to registered Go types through reflection.
package serde

import (
	"fmt"
	"reflect"
)

// Content types exposed by the registries provided by this package.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/protobuf"
)

// MarshalFn serializes a registered event value into its wire representation.
type MarshalFn func(v interface{}) ([]byte, error)

// UnmarshalFn deserializes raw data into the value pointed to by v.
type UnmarshalFn func(data []byte, v interface{}) error

// Registry is an event serializer keyed by event type name.
//
// Given the current limitation of Go with generics, the only way to
// provide type information for deserialization by a runtime string
// identifier is reflection: each event type name is registered together
// with a prototype value of its Go type.
//
// Event types that have not been registered deserialize to nil without
// error, so consumers can skip events they are not interested in.
type Registry struct {
	contentType string
	marshal     MarshalFn
	unmarshal   UnmarshalFn

	nameToType map[string]reflect.Type
	typeToName map[reflect.Type]string
}

// NewRegistry creates a new event type registry using the provided
// content type tag and codec functions.
//
// An error is returned if either codec function is nil.
func NewRegistry(contentType string, marshal MarshalFn, unmarshal UnmarshalFn) (*Registry, error) {
	if marshal == nil || unmarshal == nil {
		return nil, fmt.Errorf("serde.Registry: invalid codec provided")
	}

	return &Registry{
		contentType: contentType,
		marshal:     marshal,
		unmarshal:   unmarshal,
		nameToType:  make(map[string]reflect.Type),
		typeToName:  make(map[reflect.Type]string),
	}, nil
}

// Register adds type information for the provided event type name.
//
// The prototype carries the Go type the payload deserializes into; pass
// either a value (events are returned by value) or a pointer (events are
// returned as pointers, required for protobuf messages).
//
// An error is returned if the prototype is nil, or if the same name has
// already been registered with a different type.
func (r *Registry) Register(eventType string, prototype interface{}) error {
	if prototype == nil {
		return fmt.Errorf("serde.Registry: expected event prototype, nil was provided instead")
	}

	registeredType := reflect.TypeOf(prototype)

	if previous, ok := r.nameToType[eventType]; ok {
		if previous == registeredType {
			return nil
		}

		return fmt.Errorf(
			"serde.Registry: event '%s' has been already registered with a different type",
			eventType,
		)
	}

	r.nameToType[eventType] = registeredType
	r.typeToName[registeredType] = eventType

	return nil
}

// MustRegister registers the provided event types, panicking on failure.
// Intended for package-level registration of static event sets.
func (r *Registry) MustRegister(prototypes map[string]interface{}) *Registry {
	for eventType, prototype := range prototypes {
		if err := r.Register(eventType, prototype); err != nil {
			panic(err)
		}
	}

	return r
}

// ContentType returns the content type tag of payloads this registry
// can decode.
func (r *Registry) ContentType() string {
	return r.contentType
}

// Deserialize decodes the raw payload into the Go type registered for the
// provided event type name. Unregistered event types return (nil, nil).
func (r *Registry) Deserialize(data []byte, eventType string) (interface{}, error) {
	registeredType, ok := r.nameToType[eventType]
	if !ok {
		return nil, nil
	}

	asPointer := registeredType.Kind() == reflect.Ptr
	if asPointer {
		registeredType = registeredType.Elem()
	}

	value := reflect.New(registeredType)
	if err := r.unmarshal(data, value.Interface()); err != nil {
		return nil, fmt.Errorf("serde.Registry: failed to deserialize event '%s': %w", eventType, err)
	}

	if asPointer {
		return value.Interface(), nil
	}

	return value.Elem().Interface(), nil
}

// Serialize encodes a registered event value, returning its event type
// name alongside the raw payload. The counterpart of Deserialize, used by
// producers and tests to build wire payloads.
func (r *Registry) Serialize(event interface{}) (string, []byte, error) {
	eventType, ok := r.typeToName[reflect.TypeOf(event)]
	if !ok {
		return "", nil, fmt.Errorf("serde.Registry: attempted to serialize unregistered event type")
	}

	data, err := r.marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("serde.Registry: failed to serialize event '%s': %w", eventType, err)
	}

	return eventType, data, nil
}

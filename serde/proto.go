package serde

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// NewProtoRegistry returns a Registry decoding Protobuf payloads,
// tagged with the "application/protobuf" content type.
//
// Prototypes registered on this registry must be pointers to generated
// protobuf message types.
func NewProtoRegistry() *Registry {
	registry, err := NewRegistry(
		ContentTypeProtobuf,
		func(v interface{}) ([]byte, error) {
			message, ok := v.(proto.Message)
			if !ok {
				return nil, fmt.Errorf("serde.Proto: event type does not implement proto.Message")
			}

			return proto.Marshal(message)
		},
		func(data []byte, v interface{}) error {
			message, ok := v.(proto.Message)
			if !ok {
				return fmt.Errorf("serde.Proto: event type does not implement proto.Message")
			}

			return proto.Unmarshal(data, message)
		},
	)
	if err != nil {
		// Both codec functions are statically non-nil.
		panic(err)
	}

	return registry
}

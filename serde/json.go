package serde

import "encoding/json"

// NewJSONRegistry returns a Registry decoding JSON payloads,
// tagged with the "application/json" content type.
func NewJSONRegistry() *Registry {
	registry, err := NewRegistry(
		ContentTypeJSON,
		func(v interface{}) ([]byte, error) { return json.Marshal(v) },
		json.Unmarshal,
	)
	if err != nil {
		// Both codec functions are statically non-nil.
		panic(err)
	}

	return registry
}

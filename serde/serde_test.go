package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamward/consume/serde"
)

type orderPlaced struct {
	OrderID string  `json:"order_id"`
	Total   float64 `json:"total"`
}

type orderShipped struct {
	OrderID string `json:"order_id"`
}

func TestJSONRegistry(t *testing.T) {
	registry := serde.NewJSONRegistry()
	require.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))
	require.NoError(t, registry.Register("OrderShipped", orderShipped{}))

	t.Run("exposes the json content type", func(t *testing.T) {
		assert.Equal(t, "application/json", registry.ContentType())
	})

	t.Run("registered events round-trip", func(t *testing.T) {
		event := orderPlaced{OrderID: "order-1", Total: 100}

		eventType, data, err := registry.Serialize(event)
		require.NoError(t, err)
		assert.Equal(t, "OrderPlaced", eventType)

		decoded, err := registry.Deserialize(data, eventType)
		require.NoError(t, err)
		assert.Equal(t, event, decoded)
	})

	t.Run("unregistered event types deserialize to nil without error", func(t *testing.T) {
		decoded, err := registry.Deserialize([]byte(`{"order_id":"order-1"}`), "OrderArchived")
		require.NoError(t, err)
		assert.Nil(t, decoded)
	})

	t.Run("malformed payloads fail deserialization", func(t *testing.T) {
		_, err := registry.Deserialize([]byte(`{"order_id":`), "OrderPlaced")
		assert.Error(t, err)
	})

	t.Run("serializing an unregistered event fails", func(t *testing.T) {
		_, _, err := registry.Serialize(struct{ Name string }{Name: "nope"})
		assert.Error(t, err)
	})

	t.Run("re-registering the same type is a no-op", func(t *testing.T) {
		assert.NoError(t, registry.Register("OrderPlaced", orderPlaced{}))
	})

	t.Run("re-registering a different type fails", func(t *testing.T) {
		assert.Error(t, registry.Register("OrderPlaced", orderShipped{}))
	})

	t.Run("registering a nil prototype fails", func(t *testing.T) {
		assert.Error(t, registry.Register("OrderDeleted", nil))
	})
}

func TestRegistryWithPointerPrototypes(t *testing.T) {
	registry := serde.NewJSONRegistry()
	require.NoError(t, registry.Register("OrderPlaced", &orderPlaced{}))

	event := &orderPlaced{OrderID: "order-1", Total: 42}

	eventType, data, err := registry.Serialize(event)
	require.NoError(t, err)

	decoded, err := registry.Deserialize(data, eventType)
	require.NoError(t, err)

	// Pointer prototypes deserialize back to pointers.
	require.IsType(t, &orderPlaced{}, decoded)
	assert.Equal(t, event, decoded)
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := serde.NewRegistry("application/json", nil, nil)
	assert.Error(t, err)
}

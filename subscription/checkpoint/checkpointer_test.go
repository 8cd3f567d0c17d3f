package checkpoint_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamward/consume/subscription/checkpoint"
)

func TestInMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("a missing checkpoint is the default start-of-log value, not an error", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		cp, err := store.GetLastCheckpoint(ctx, "orders-projector")
		require.NoError(t, err)

		assert.Equal(t, "orders-projector", cp.ID)
		assert.Nil(t, cp.Position)
	})

	t.Run("stored checkpoints can be read back", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		require.NoError(t, store.StoreCheckpoint(ctx, checkpoint.WithPosition("orders-projector", 5)))

		cp, err := store.GetLastCheckpoint(ctx, "orders-projector")
		require.NoError(t, err)

		require.NotNil(t, cp.Position)
		assert.Equal(t, uint64(5), *cp.Position)
	})

	t.Run("a checkpoint is a monotonically-set value, not an accumulator", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		// Replaying the same event twice yields the same checkpoint.
		require.NoError(t, store.StoreCheckpoint(ctx, checkpoint.WithPosition("orders-projector", 5)))
		require.NoError(t, store.StoreCheckpoint(ctx, checkpoint.WithPosition("orders-projector", 5)))

		cp, err := store.GetLastCheckpoint(ctx, "orders-projector")
		require.NoError(t, err)

		require.NotNil(t, cp.Position)
		assert.Equal(t, uint64(5), *cp.Position)
	})

	t.Run("checkpoints are partitioned by subscription id", func(t *testing.T) {
		store := checkpoint.NewInMemory()

		require.NoError(t, store.StoreCheckpoint(ctx, checkpoint.WithPosition("orders-projector", 5)))

		cp, err := store.GetLastCheckpoint(ctx, "invoices-projector")
		require.NoError(t, err)

		assert.Nil(t, cp.Position)
	})
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.Nop{}

	require.NoError(t, store.StoreCheckpoint(ctx, checkpoint.WithPosition("orders-projector", 5)))

	cp, err := store.GetLastCheckpoint(ctx, "orders-projector")
	require.NoError(t, err)

	assert.Nil(t, cp.Position)
}

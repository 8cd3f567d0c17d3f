// Package postgres provides a durable checkpoint.Store implementation
// backed by a PostgreSQL database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamward/consume/logger"
	"github.com/streamward/consume/subscription/checkpoint"
)

var _ checkpoint.Store = Checkpointer{}

// Checkpointer is a checkpoint.Store implementation using PostgreSQL
// as a storage backend.
//
// Run the migrations in this package (see RunMigrations) before using it.
type Checkpointer struct {
	Conn   *pgxpool.Pool
	Logger logger.Logger
}

// GetLastCheckpoint reads the last stored checkpoint of the subscription
// specified. A subscription with no stored checkpoint yields a default
// "start of log" checkpoint, not an error.
func (c Checkpointer) GetLastCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	row := c.Conn.QueryRow(
		ctx,
		"SELECT last_position FROM subscription_checkpoints WHERE subscription_id = $1",
		id,
	)

	var lastPosition int64

	err := row.Scan(&lastPosition)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Debug(c.Logger, "no checkpoint stored for subscription, starting from the beginning",
			logger.With("subscriptionId", id),
		)

		return checkpoint.Checkpoint{ID: id}, nil
	}

	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("postgres.Checkpointer: failed to read checkpoint: %w", err)
	}

	return checkpoint.WithPosition(id, uint64(lastPosition)), nil
}

// StoreCheckpoint persists the provided checkpoint, creating the
// subscription row on first write.
func (c Checkpointer) StoreCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.Position == nil {
		// Nothing has been processed yet: there is no position to record,
		// and the absence of a row already denotes "start of log".
		return nil
	}

	_, err := c.Conn.Exec(
		ctx,
		`INSERT INTO subscription_checkpoints (subscription_id, last_position, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (subscription_id) DO UPDATE
		SET last_position = excluded.last_position, updated_at = excluded.updated_at`,
		cp.ID,
		int64(*cp.Position),
	)
	if err != nil {
		return fmt.Errorf("postgres.Checkpointer: failed to store checkpoint: %w", err)
	}

	return nil
}

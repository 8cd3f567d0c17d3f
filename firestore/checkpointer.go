// Package firestore provides a checkpoint.Store implementation backed by
// Google Cloud Firestore.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/streamward/consume/logger"
	"github.com/streamward/consume/subscription/checkpoint"
)

var _ checkpoint.Store = Checkpointer{}

// Checkpointer is a checkpoint.Store implementation using Firestore as a
// storage backend. Each subscription maps to a single document in the
// "SubscriptionCheckpoints" collection, keyed by subscription id.
type Checkpointer struct {
	Client *firestore.Client
	Logger logger.Logger
}

type checkpointDocument struct {
	LastPosition int64     `firestore:"last_position"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

func (c Checkpointer) checkpointsCollection() *firestore.CollectionRef {
	return c.Client.Collection("SubscriptionCheckpoints")
}

// GetLastCheckpoint reads the last stored checkpoint of the subscription
// specified. A missing document yields a default "start of log"
// checkpoint, not an error.
func (c Checkpointer) GetLastCheckpoint(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	snapshot, err := c.checkpointsCollection().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		logger.Debug(c.Logger, "no checkpoint stored for subscription, starting from the beginning",
			logger.With("subscriptionId", id),
		)

		return checkpoint.Checkpoint{ID: id}, nil
	}

	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("firestore.Checkpointer: failed to read checkpoint: %w", err)
	}

	var document checkpointDocument
	if err := snapshot.DataTo(&document); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("firestore.Checkpointer: failed to decode checkpoint document: %w", err)
	}

	return checkpoint.WithPosition(id, uint64(document.LastPosition)), nil
}

// StoreCheckpoint persists the provided checkpoint, creating the
// subscription document on first write.
func (c Checkpointer) StoreCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.Position == nil {
		// The absence of a document already denotes "start of log".
		return nil
	}

	_, err := c.checkpointsCollection().Doc(cp.ID).Set(ctx, checkpointDocument{
		LastPosition: int64(*cp.Position),
		UpdatedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("firestore.Checkpointer: failed to store checkpoint: %w", err)
	}

	return nil
}

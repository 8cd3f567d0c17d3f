// Package checkpoint contains the types used to persist and recover
// the progress of a subscription over an event log.
package checkpoint

import (
	"context"
	"sync"
)

// Checkpoint is the durably stored last-processed position of a subscription.
//
// A nil Position denotes the start of the log: the subscription has not
// processed any event yet.
type Checkpoint struct {
	ID       string
	Position *uint64
}

// WithPosition returns a Checkpoint for the given subscription id,
// positioned at the provided offset.
func WithPosition(id string, position uint64) Checkpoint {
	return Checkpoint{ID: id, Position: &position}
}

// Store persists Checkpoints, keyed by subscription id.
//
// GetLastCheckpoint must return a concrete Checkpoint even when no entry
// exists for the given id: a missing checkpoint is the default
// "start of log" value, never an error.
type Store interface {
	GetLastCheckpoint(ctx context.Context, id string) (Checkpoint, error)
	StoreCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}

var _ Store = &InMemory{}

// InMemory is a thread-safe, in-memory Store implementation,
// useful for testing and local development.
type InMemory struct {
	mx          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewInMemory returns a new empty InMemory checkpoint store.
func NewInMemory() *InMemory {
	return &InMemory{
		checkpoints: make(map[string]Checkpoint),
	}
}

// GetLastCheckpoint returns the last stored Checkpoint for the subscription,
// or a default "start of log" Checkpoint if none has been stored yet.
func (s *InMemory) GetLastCheckpoint(_ context.Context, id string) (Checkpoint, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	if checkpoint, ok := s.checkpoints[id]; ok {
		return checkpoint, nil
	}

	return Checkpoint{ID: id}, nil
}

// StoreCheckpoint records the provided Checkpoint, replacing any
// previously stored value for the same subscription id.
func (s *InMemory) StoreCheckpoint(_ context.Context, checkpoint Checkpoint) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.checkpoints[checkpoint.ID] = checkpoint

	return nil
}

var _ Store = Nop{}

// Nop is a Store implementation that never persists anything.
//
// Subscriptions using it restart from the beginning of the log every time.
type Nop struct{}

// GetLastCheckpoint always returns a default "start of log" Checkpoint.
func (Nop) GetLastCheckpoint(_ context.Context, id string) (Checkpoint, error) {
	return Checkpoint{ID: id}, nil
}

// StoreCheckpoint discards the provided Checkpoint.
func (Nop) StoreCheckpoint(context.Context, Checkpoint) error {
	return nil
}

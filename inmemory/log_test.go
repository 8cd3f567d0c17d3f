package inmemory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamward/consume/inmemory"
	"github.com/streamward/consume/subscription"
	"github.com/streamward/consume/subscription/checkpoint"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// feedRecorder collects events and drop notifications from a single feed.
type feedRecorder struct {
	mx      sync.Mutex
	events  []subscription.ReceivedEvent
	reasons []subscription.DropReason
	causes  []error
}

func (r *feedRecorder) onEvent(_ context.Context, event subscription.ReceivedEvent) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *feedRecorder) onDrop(reason subscription.DropReason, cause error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	r.reasons = append(r.reasons, reason)
	r.causes = append(r.causes, cause)
}

func (r *feedRecorder) Events() []subscription.ReceivedEvent {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]subscription.ReceivedEvent(nil), r.events...)
}

func (r *feedRecorder) Drops() []subscription.DropReason {
	r.mx.Lock()
	defer r.mx.Unlock()

	return append([]subscription.DropReason(nil), r.reasons...)
}

func TestLogAppend(t *testing.T) {
	log := inmemory.NewLog()

	first := log.Append("Order-1", "OrderPlaced", "application/json", []byte(`{}`))
	second := log.Append("Order-2", "OrderPlaced", "application/json", []byte(`{}`))

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(1), first.GlobalPosition)
	assert.Equal(t, uint64(2), second.GlobalPosition)

	// A feed over the whole log checkpoints global positions.
	assert.Equal(t, first.GlobalPosition, first.StreamPosition)
	assert.False(t, first.CreatedAt.IsZero())

	head, err := log.HeadPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
}

func TestLogSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("replays events recorded before the feed was opened, then follows live", func(t *testing.T) {
		log := inmemory.NewLog()
		recorder := new(feedRecorder)

		log.Append("Order-1", "OrderPlaced", "application/json", []byte(`{}`))
		log.Append("Order-2", "OrderPlaced", "application/json", []byte(`{}`))

		feed, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
		require.NoError(t, err)
		defer feed.Stop()

		require.Eventually(t, func() bool {
			return len(recorder.Events()) == 2
		}, waitFor, tick)

		log.Append("Order-3", "OrderPlaced", "application/json", []byte(`{}`))

		require.Eventually(t, func() bool {
			events := recorder.Events()
			return len(events) == 3 && events[2].GlobalPosition == 3
		}, waitFor, tick)
	})

	t.Run("resumes strictly after the provided checkpoint", func(t *testing.T) {
		log := inmemory.NewLog()
		recorder := new(feedRecorder)

		for i := 0; i < 4; i++ {
			log.Append("Order", "OrderPlaced", "application/json", []byte(`{}`))
		}

		feed, err := log.Subscribe(ctx, checkpoint.WithPosition("test", 2), recorder.onEvent, recorder.onDrop)
		require.NoError(t, err)
		defer feed.Stop()

		require.Eventually(t, func() bool {
			return len(recorder.Events()) == 2
		}, waitFor, tick)

		events := recorder.Events()
		assert.Equal(t, uint64(3), events[0].GlobalPosition)
		assert.Equal(t, uint64(4), events[1].GlobalPosition)
	})

	t.Run("stopping the feed reports a stopped drop exactly once", func(t *testing.T) {
		log := inmemory.NewLog()
		recorder := new(feedRecorder)

		feed, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
		require.NoError(t, err)

		feed.Stop()
		feed.Stop()

		require.Eventually(t, func() bool {
			return log.LiveFeeds() == 0
		}, waitFor, tick)

		require.Equal(t, []subscription.DropReason{subscription.DropReasonStopped}, recorder.Drops())
	})

	t.Run("canceling the subscribe context releases the feed", func(t *testing.T) {
		log := inmemory.NewLog()
		recorder := new(feedRecorder)

		feedCtx, cancel := context.WithCancel(ctx)

		_, err := log.Subscribe(feedCtx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
		require.NoError(t, err)

		cancel()

		require.Eventually(t, func() bool {
			return log.LiveFeeds() == 0
		}, waitFor, tick)

		require.Equal(t, []subscription.DropReason{subscription.DropReasonStopped}, recorder.Drops())
	})

	t.Run("a failing event callback drops the feed with the cause", func(t *testing.T) {
		log := inmemory.NewLog()
		recorder := new(feedRecorder)

		failing := func(context.Context, subscription.ReceivedEvent) error {
			return fmt.Errorf("checkpoint store unavailable")
		}

		_, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, failing, recorder.onDrop)
		require.NoError(t, err)

		log.Append("Order-1", "OrderPlaced", "application/json", []byte(`{}`))

		require.Eventually(t, func() bool {
			drops := recorder.Drops()
			return len(drops) == 1 && drops[0] == subscription.DropReasonSubscriptionError
		}, waitFor, tick)
	})
}

func TestLogDropFeeds(t *testing.T) {
	ctx := context.Background()
	log := inmemory.NewLog()
	recorder := new(feedRecorder)

	_, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
	require.NoError(t, err)

	log.DropFeeds(subscription.DropReasonServerError, fmt.Errorf("connection reset"))

	require.Eventually(t, func() bool {
		drops := recorder.Drops()
		return len(drops) == 1 && drops[0] == subscription.DropReasonServerError
	}, waitFor, tick)

	assert.Zero(t, log.LiveFeeds())
}

func TestLogFailSubscribes(t *testing.T) {
	ctx := context.Background()
	log := inmemory.NewLog()
	recorder := new(feedRecorder)

	log.FailSubscribes(2)

	_, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
	require.Error(t, err)

	_, err = log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
	require.Error(t, err)

	feed, err := log.Subscribe(ctx, checkpoint.Checkpoint{ID: "test"}, recorder.onEvent, recorder.onDrop)
	require.NoError(t, err)
	feed.Stop()

	assert.Equal(t, 3, log.SubscribeCalls())
}

package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/streamward/consume/logger"
	"github.com/streamward/consume/subscription/checkpoint"
)

// Default values used by a Controller.
const (
	DefaultRetryInterval           = 1 * time.Second
	DefaultStoppedResubscribeDelay = 10 * time.Second
	DefaultMeasureInterval         = 1 * time.Second
)

// Controller owns the lifecycle of a single subscription: it loads the
// last checkpoint, opens a feed through the Transport, pipes every
// delivered event through the handling pipeline, and keeps the feed
// alive by resubscribing whenever the transport drops it.
//
// Configure the exported fields, then call Start. The zero value of the
// unexported state is ready for use; a Controller must not be copied
// after first use.
type Controller struct {
	// SubscriptionID partitions checkpoint storage and names the
	// subscription in logs and gap samples.
	SubscriptionID string

	// Transport opens event feeds and reports the event source head position.
	Transport Transport

	// Checkpointer persists the subscription progress.
	Checkpointer checkpoint.Store

	// Serializer decodes raw payloads into typed domain events.
	Serializer Serializer

	// Handlers receive every deserialized event, invoked concurrently.
	Handlers []EventHandler

	// GapMeasure, when set, enables the periodic lag-measurement task.
	GapMeasure GapMeasure

	// Logger is optional; a nil logger disables logging entirely.
	Logger logger.Logger

	// RetryInterval is the fixed wait between failed resubscription
	// attempts. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration

	// StoppedResubscribeDelay is applied before the first resubscription
	// attempt when the feed was dropped with DropReasonStopped, giving a
	// cooperatively shutting down server room to go away cleanly.
	// Defaults to DefaultStoppedResubscribeDelay.
	StoppedResubscribeDelay time.Duration

	// MeasureInterval is the wait between two gap samples.
	// Defaults to DefaultMeasureInterval.
	MeasureInterval time.Duration

	starting atomic.Bool
	running  atomic.Bool
	dropped  atomic.Bool

	// lastProcessed is written by the event pipeline and read by the
	// gap-measurement task; slightly stale reads are fine, torn reads are not.
	lastProcessed atomic.Pointer[EventPosition]

	ctx    context.Context
	cancel context.CancelFunc

	mx   sync.Mutex
	feed EventSubscription

	measureDone chan struct{}
}

// Start loads the last checkpoint for the subscription, opens the event
// feed positioned right after it and, if a GapMeasure is configured,
// launches the background lag-measurement task.
//
// Any failure here propagates to the caller and the subscription never
// reaches the running state.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.validate(); err != nil {
		return err
	}

	// The starting flag serializes concurrent Start calls, so that at most
	// one of them can reach the Subscribe call below.
	if !c.starting.CompareAndSwap(false, true) {
		return fmt.Errorf("subscription.Controller: already starting")
	}
	defer c.starting.Store(false)

	if c.running.Load() {
		return fmt.Errorf("subscription.Controller: already started")
	}

	lastCheckpoint, err := c.Checkpointer.GetLastCheckpoint(ctx, c.SubscriptionID)
	if err != nil {
		return fmt.Errorf("subscription.Controller: failed to load checkpoint: %w", err)
	}

	c.lastProcessed.Store(&EventPosition{
		Position:   lastCheckpoint.Position,
		ObservedAt: time.Now(),
	})

	c.ctx, c.cancel = context.WithCancel(context.Background())

	feed, err := c.Transport.Subscribe(c.ctx, lastCheckpoint, c.handleEvent, c.notifyDrop)
	if err != nil {
		c.cancel()
		return fmt.Errorf("subscription.Controller: failed to open event feed: %w", err)
	}

	c.mx.Lock()
	c.feed = feed
	c.mx.Unlock()

	if c.GapMeasure != nil {
		c.measureDone = make(chan struct{})
		go c.measureGap()
	} else {
		c.measureDone = nil
	}

	c.dropped.Store(false)
	c.running.Store(true)

	logger.Info(c.Logger, "subscription started",
		logger.With("subscriptionId", c.SubscriptionID),
		logger.With("checkpoint", positionValue(lastCheckpoint.Position)),
	)

	return nil
}

// Stop terminates the subscription: it flips the running flag first, so
// that pending drop notifications become no-ops, cancels and awaits the
// lag-measurement task, cancels any in-flight resubscription attempt and
// finally releases the feed handle.
//
// Stop is idempotent; calling it on a controller that never started is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.cancel()

	if c.measureDone != nil {
		select {
		case <-c.measureDone:
		case <-ctx.Done():
			return fmt.Errorf(
				"subscription.Controller: interrupted while awaiting gap measurement shutdown: %w",
				ctx.Err(),
			)
		}
	}

	c.mx.Lock()
	feed := c.feed
	c.feed = nil
	c.mx.Unlock()

	if feed != nil {
		feed.Stop()
	}

	logger.Info(c.Logger, "subscription stopped",
		logger.With("subscriptionId", c.SubscriptionID),
	)

	return nil
}

// CheckHealth reports the current state of the subscription to an external
// supervisor. It is a pure function of the state flags: it never fails and
// always completes synchronously.
func (c *Controller) CheckHealth() Health {
	if c.running.Load() && c.dropped.Load() {
		return Health{Healthy: false, Reason: "subscription dropped"}
	}

	return Health{Healthy: true}
}

// LastProcessed returns the most recently processed event position.
func (c *Controller) LastProcessed() EventPosition {
	if position := c.lastProcessed.Load(); position != nil {
		return *position
	}

	return EventPosition{}
}

func (c *Controller) validate() error {
	switch {
	case c.SubscriptionID == "":
		return fmt.Errorf("subscription.Controller: no subscription id provided")
	case c.Transport == nil:
		return fmt.Errorf("subscription.Controller: no transport provided")
	case c.Checkpointer == nil:
		return fmt.Errorf("subscription.Controller: no checkpoint store provided")
	case c.Serializer == nil:
		return fmt.Errorf("subscription.Controller: no serializer provided")
	}

	return nil
}

// handleEvent is the per-event pipeline, invoked by the transport feed.
//
// The last-processed position is recorded before any processing takes
// place, and the checkpoint is stored regardless of the processing
// outcome: one poisoned event must not halt the subscription. The only
// error surfaced back to the transport is a checkpoint persistence
// failure, since progress durability is the one property this component
// cannot silently compromise.
func (c *Controller) handleEvent(ctx context.Context, event ReceivedEvent) error {
	position := event.GlobalPosition
	c.lastProcessed.Store(&EventPosition{
		Position:   &position,
		ObservedAt: time.Now(),
	})

	logger.Debug(c.Logger, "event received",
		logger.With("subscriptionId", c.SubscriptionID),
		logger.With("stream", event.Stream),
		logger.With("eventType", event.EventType),
		logger.With("globalPosition", event.GlobalPosition),
	)

	if !event.IsSystem() && len(event.Payload) > 0 {
		if err := c.process(ctx, event); err != nil {
			logger.Warn(c.Logger, "failed to process event",
				logger.With("subscriptionId", c.SubscriptionID),
				logger.With("eventType", event.EventType),
				logger.With("globalPosition", event.GlobalPosition),
				logger.With("error", err.Error()),
			)
		}
	}

	newCheckpoint := checkpoint.WithPosition(c.SubscriptionID, event.StreamPosition)
	if err := c.Checkpointer.StoreCheckpoint(ctx, newCheckpoint); err != nil {
		return fmt.Errorf("subscription.Controller: failed to store checkpoint: %w", err)
	}

	return nil
}

func (c *Controller) process(ctx context.Context, event ReceivedEvent) error {
	contentType := event.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}

	if expected := c.Serializer.ContentType(); contentType != expected {
		return UnsupportedContentTypeError{ContentType: contentType, Expected: expected}
	}

	decoded, err := c.Serializer.Deserialize(event.Payload, event.EventType)
	if err != nil {
		logger.Error(c.Logger, "failed to deserialize event",
			logger.With("subscriptionId", c.SubscriptionID),
			logger.With("eventType", event.EventType),
			logger.With("payload", string(event.Payload)),
			logger.With("error", err.Error()),
		)

		return fmt.Errorf("subscription.Controller: failed to deserialize event: %w", err)
	}

	if decoded == nil {
		return nil
	}

	group, ctx := errgroup.WithContext(ctx)

	for _, handler := range c.Handlers {
		handler := handler

		group.Go(func() error {
			return handler.HandleEvent(ctx, decoded, event.GlobalPosition)
		})
	}

	return group.Wait()
}

// notifyDrop is the drop callback handed to the transport. It flips the
// subscription into the dropped state and launches the supervised
// recovery loop. Drops reported after Stop has flipped the running flag
// are no-ops.
func (c *Controller) notifyDrop(reason DropReason, cause error) {
	if !c.running.Load() {
		return
	}

	fields := []logger.Field{
		logger.With("subscriptionId", c.SubscriptionID),
		logger.With("reason", reason.String()),
	}
	if cause != nil {
		fields = append(fields, logger.With("cause", cause.Error()))
	}

	if reason == DropReasonStopped {
		logger.Info(c.Logger, "subscription dropped", fields...)
	} else {
		logger.Error(c.Logger, "subscription dropped", fields...)
	}

	c.dropped.Store(true)

	go c.superviseResubscribe(reason)
}

// superviseResubscribe keeps a panicking recovery loop from dying
// silently: the panic is logged and the subscription stays dropped, which
// keeps the health check reporting Unhealthy instead of masking the failure.
func (c *Controller) superviseResubscribe(reason DropReason) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(c.Logger, "resubscribe task panicked, subscription remains dropped",
				logger.With("subscriptionId", c.SubscriptionID),
				logger.With("panic", fmt.Sprintf("%v", r)),
			)
		}
	}()

	c.resubscribe(reason)
}

// resubscribe attempts to reopen the feed from the last processed position
// until it succeeds or the controller is stopped. Attempts are paced by a
// constant backoff; the running flag is re-checked on every iteration so
// that Stop eventually suppresses further attempts.
func (c *Controller) resubscribe(reason DropReason) {
	if reason == DropReasonStopped {
		if !c.wait(c.stoppedResubscribeDelay()) {
			return
		}
	}

	policy := backoff.NewConstantBackOff(c.retryInterval())

	for c.running.Load() {
		if c.tryResubscribe() {
			return
		}

		if !c.wait(policy.NextBackOff()) {
			return
		}
	}
}

// tryResubscribe performs a single reopen attempt, reporting whether the
// recovery loop should terminate.
func (c *Controller) tryResubscribe() bool {
	from := checkpoint.Checkpoint{ID: c.SubscriptionID}
	if last := c.lastProcessed.Load(); last != nil {
		from.Position = last.Position
	}

	feed, err := c.Transport.Subscribe(c.ctx, from, c.handleEvent, c.notifyDrop)
	if err != nil {
		logger.Error(c.Logger, "failed to resubscribe",
			logger.With("subscriptionId", c.SubscriptionID),
			logger.With("from", positionValue(from.Position)),
			logger.With("error", err.Error()),
		)

		return false
	}

	c.mx.Lock()
	if !c.running.Load() {
		// Stop won the race while the feed was being opened:
		// release the fresh handle instead of leaking it.
		c.mx.Unlock()
		feed.Stop()

		return true
	}
	c.feed = feed
	c.mx.Unlock()

	c.dropped.Store(false)

	logger.Info(c.Logger, "subscription resubscribed",
		logger.With("subscriptionId", c.SubscriptionID),
		logger.With("from", positionValue(from.Position)),
	)

	return true
}

// wait pauses for the provided duration, returning false if the
// controller lifecycle context was canceled in the meantime.
func (c *Controller) wait(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// measureGap is the background lag-measurement task. It runs for the
// lifetime of the subscription and terminates cleanly on cancellation.
func (c *Controller) measureGap() {
	defer close(c.measureDone)

	for {
		c.sampleGap()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.measureInterval()):
		}
	}
}

// sampleGap emits a single GapSample, skipping the cycle when either the
// head position or the last processed position is unknown.
func (c *Controller) sampleGap() {
	head, err := c.Transport.HeadPosition(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}

		logger.Debug(c.Logger, "failed to read event source head position",
			logger.With("subscriptionId", c.SubscriptionID),
			logger.With("error", err.Error()),
		)

		return
	}

	last := c.lastProcessed.Load()
	if last == nil || last.Position == nil {
		return
	}

	var gap uint64
	if head > *last.Position {
		gap = head - *last.Position
	}

	c.GapMeasure.Record(c.ctx, GapSample{
		SubscriptionID: c.SubscriptionID,
		Gap:            gap,
		ObservedAt:     time.Now(),
	})
}

func (c *Controller) retryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return DefaultRetryInterval
	}

	return c.RetryInterval
}

func (c *Controller) stoppedResubscribeDelay() time.Duration {
	if c.StoppedResubscribeDelay <= 0 {
		return DefaultStoppedResubscribeDelay
	}

	return c.StoppedResubscribeDelay
}

func (c *Controller) measureInterval() time.Duration {
	if c.MeasureInterval <= 0 {
		return DefaultMeasureInterval
	}

	return c.MeasureInterval
}

func positionValue(position *uint64) interface{} {
	if position == nil {
		return "start-of-log"
	}

	return *position
}

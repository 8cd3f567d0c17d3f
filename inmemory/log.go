// Package inmemory provides an in-memory append-only event log
// implementing the subscription.Transport contract, useful for testing
// and local development.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamward/consume/subscription"
	"github.com/streamward/consume/subscription/checkpoint"
)

var _ subscription.Transport = &Log{}

// Log is an in-memory, append-only event log.
//
// Feeds opened through Subscribe replay every event recorded after the
// provided checkpoint, then follow new appends live. Positions are
// 1-based and log-wide: since a feed spans the whole log, appended events
// carry the same value as StreamPosition and GlobalPosition, so that
// checkpoints taken by a consumer are always valid resume points.
type Log struct {
	mx     sync.RWMutex
	events []subscription.ReceivedEvent
	feeds  map[*feed]struct{}

	// failSubscribes makes the next N Subscribe calls fail, to exercise
	// consumer recovery paths.
	failSubscribes int
	subscribeCalls int
}

// NewLog creates a new empty Log instance.
func NewLog() *Log {
	return &Log{
		feeds: make(map[*feed]struct{}),
	}
}

// Append records a new event at the head of the log and wakes up all
// live feeds. It returns the recorded event, with identity, positions
// and timestamp assigned.
func (l *Log) Append(stream, eventType, contentType string, payload []byte) subscription.ReceivedEvent {
	l.mx.Lock()
	defer l.mx.Unlock()

	position := uint64(len(l.events)) + 1

	event := subscription.ReceivedEvent{
		ID:             uuid.New(),
		Stream:         stream,
		StreamPosition: position,
		GlobalPosition: position,
		EventType:      eventType,
		ContentType:    contentType,
		Payload:        payload,
		CreatedAt:      time.Now(),
	}

	l.events = append(l.events, event)

	for f := range l.feeds {
		f.wakeUp()
	}

	return event
}

// HeadPosition implements the subscription.Transport interface,
// reporting the position of the last appended event.
func (l *Log) HeadPosition(context.Context) (uint64, error) {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return uint64(len(l.events)), nil
}

// Subscribe implements the subscription.Transport interface. The returned
// feed delivers events recorded strictly after the provided checkpoint,
// one at a time, through onEvent.
//
// The feed reports a drop through onDrop when it is stopped (reason
// Stopped), when the subscribe context is canceled (reason Stopped), when
// onEvent fails (reason SubscriptionError), or when the log deliberately
// drops it through DropFeeds.
func (l *Log) Subscribe(
	ctx context.Context,
	from checkpoint.Checkpoint,
	onEvent subscription.EventFunc,
	onDrop subscription.DropFunc,
) (subscription.EventSubscription, error) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.subscribeCalls++

	if l.failSubscribes > 0 {
		l.failSubscribes--
		return nil, fmt.Errorf("inmemory.Log: subscribe failed by request")
	}

	next := uint64(1)
	if from.Position != nil {
		next = *from.Position + 1
	}

	f := &feed{
		log:     l,
		ctx:     ctx,
		onEvent: onEvent,
		onDrop:  onDrop,
		next:    next,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	l.feeds[f] = struct{}{}

	go f.run()

	return f, nil
}

// FailSubscribes makes the next n Subscribe calls fail with an error,
// to exercise consumer resubscription behavior in tests.
func (l *Log) FailSubscribes(n int) {
	l.mx.Lock()
	defer l.mx.Unlock()

	l.failSubscribes = n
}

// DropFeeds forcefully drops every live feed with the provided reason and
// cause, simulating a server-side feed interruption.
func (l *Log) DropFeeds(reason subscription.DropReason, cause error) {
	l.mx.Lock()
	feeds := make([]*feed, 0, len(l.feeds))
	for f := range l.feeds {
		feeds = append(feeds, f)
	}
	l.mx.Unlock()

	for _, f := range feeds {
		f.drop(reason, cause)
	}
}

// SubscribeCalls reports how many times Subscribe has been invoked,
// including failed attempts.
func (l *Log) SubscribeCalls() int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return l.subscribeCalls
}

// LiveFeeds reports the number of currently active feed handles.
func (l *Log) LiveFeeds() int {
	l.mx.RLock()
	defer l.mx.RUnlock()

	return len(l.feeds)
}

func (l *Log) eventAt(position uint64) (subscription.ReceivedEvent, bool) {
	l.mx.RLock()
	defer l.mx.RUnlock()

	if position == 0 || position > uint64(len(l.events)) {
		return subscription.ReceivedEvent{}, false
	}

	return l.events[position-1], true
}

func (l *Log) remove(f *feed) {
	l.mx.Lock()
	defer l.mx.Unlock()

	delete(l.feeds, f)
}

var _ subscription.EventSubscription = &feed{}

// feed is a single live subscription over a Log.
type feed struct {
	log     *Log
	ctx     context.Context
	onEvent subscription.EventFunc
	onDrop  subscription.DropFunc

	// next is only accessed by the run goroutine.
	next uint64

	notify chan struct{}

	mx         sync.Mutex
	stopReason subscription.DropReason
	stopCause  error
	stopped    chan struct{}
	isStopped  bool
}

// Stop implements the subscription.EventSubscription interface,
// releasing the feed with a Stopped drop notification.
func (f *feed) Stop() {
	f.drop(subscription.DropReasonStopped, nil)
}

func (f *feed) drop(reason subscription.DropReason, cause error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	if f.isStopped {
		return
	}

	f.isStopped = true
	f.stopReason = reason
	f.stopCause = cause
	close(f.stopped)
}

func (f *feed) wakeUp() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *feed) dropOutcome() (subscription.DropReason, error) {
	f.mx.Lock()
	defer f.mx.Unlock()

	return f.stopReason, f.stopCause
}

// run delivers pending events in order, then parks until a new append
// or a stop signal arrives. It exits by removing itself from the log and
// reporting the drop outcome exactly once.
func (f *feed) run() {
	defer func() {
		f.log.remove(f)

		reason, cause := f.dropOutcome()
		f.onDrop(reason, cause)
	}()

	for {
		select {
		case <-f.stopped:
			return
		case <-f.ctx.Done():
			f.drop(subscription.DropReasonStopped, f.ctx.Err())
			return
		default:
		}

		event, ok := f.log.eventAt(f.next)
		if !ok {
			select {
			case <-f.stopped:
				return
			case <-f.ctx.Done():
				f.drop(subscription.DropReasonStopped, f.ctx.Err())
				return
			case <-f.notify:
			}

			continue
		}

		if err := f.onEvent(f.ctx, event); err != nil {
			f.drop(subscription.DropReasonSubscriptionError, err)
			return
		}

		f.next++
	}
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/port/eventstore"
	"github.com/fluxline/conductor/internal/port/messagequeue"
)

// EventBus couples the durable event log with live fan-out. Publish
// appends to the store first; only after the write succeeds is the event
// visible to subscribers, so a consumed event is always a durable one.
type EventBus struct {
	store eventstore.Store
	queue messagequeue.Queue
	log   *slog.Logger

	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	filter event.Filter
	fn     func(ev event.Event)
}

// NewEventBus creates an event bus over the given store and queue. queue
// may be nil in tests; cross-process fan-out is then disabled.
func NewEventBus(store eventstore.Store, queue messagequeue.Queue, log *slog.Logger) *EventBus {
	return &EventBus{
		store: store,
		queue: queue,
		log:   log,
		subs:  make(map[int]*subscription),
	}
}

// Publish appends the event to the durable log, then fans it out to
// in-process subscribers and the message queue. A nil return means the
// event is durable; fan-out failures are logged, not returned, because
// consumers can always catch up from the log.
func (b *EventBus) Publish(ctx context.Context, ev *event.Event) error {
	if ev.Version == 0 {
		ev.Version = 1
	}
	if ev.Payload == nil {
		ev.Payload = json.RawMessage(`{}`)
	}

	if err := b.store.Append(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	b.dispatch(*ev)

	if b.queue != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			b.log.Error("marshal event for queue", "type", ev.Type, "error", err)
			return nil
		}
		if err := b.queue.Publish(ctx, messagequeue.SubjectEvents, data); err != nil {
			b.log.Error("queue publish failed", "type", ev.Type,
				"correlation_id", ev.CorrelationID, "error", err)
		}
	}
	return nil
}

// Subscribe registers fn for every future event matching the filter. The
// returned cancel function removes the subscription. Delivery is
// synchronous and in publish order per correlation ID; handlers must not
// block.
func (b *EventBus) Subscribe(filter event.Filter, fn func(ev event.Event)) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscription{filter: filter, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Replay returns all stored events for the correlation ID in sequence order.
func (b *EventBus) Replay(ctx context.Context, correlationID string) ([]event.Event, error) {
	return b.store.Replay(ctx, correlationID)
}

// Load returns stored events matching the filter.
func (b *EventBus) Load(ctx context.Context, filter event.Filter, limit int) ([]event.Event, error) {
	return b.store.Load(ctx, filter, limit)
}

func (b *EventBus) dispatch(ev event.Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter.Matches(&ev) {
			s.fn(ev)
		}
	}
}

// Emit builds an event from its parts and publishes it. Marshal failures
// are logged and swallowed; callers emitting telemetry events should not
// fail their own operation over it.
func (b *EventBus) Emit(ctx context.Context, typ event.Type, source, correlationID, causationID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("marshal event payload", "type", typ, "error", err)
		return
	}
	ev := &event.Event{
		Type:          typ,
		Source:        source,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Payload:       data,
		Version:       1,
	}
	if err := b.Publish(ctx, ev); err != nil {
		b.log.Error("emit event failed", "type", typ,
			"correlation_id", correlationID, "error", err)
	}
}

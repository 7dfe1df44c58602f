package agent

import (
	"context"
	"sync/atomic"

	"github.com/taskorion/orion/pkg/eventbus"
)

// OrionProgressObserver forwards the subset of bus events one Agent
// session cares about onto a single-consumer queue, filtered to the
// orion id currently being monitored. The watched id can change between
// rounds (a new round gets a fresh Orion from the oracle), so it is
// held in an atomic value rather than fixed at construction.
type OrionProgressObserver struct {
	queue   chan eventbus.Event
	orionID atomic.Value // string
}

// NewOrionProgressObserver builds an observer whose queue has the given
// buffer depth. Call Watch before subscribing it to a bus.
func NewOrionProgressObserver(queueDepth int) *OrionProgressObserver {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	obs := &OrionProgressObserver{queue: make(chan eventbus.Event, queueDepth)}
	obs.orionID.Store("")
	return obs
}

// Watch switches the observer to forwarding events for orionID only.
func (o *OrionProgressObserver) Watch(orionID string) {
	o.orionID.Store(orionID)
}

// Queue is the channel MONITOR reads from.
func (o *OrionProgressObserver) Queue() <-chan eventbus.Event {
	return o.queue
}

// Handle implements eventbus.Observer. Events for any other orion id
// are dropped; the agent only ever tracks one round at a time.
func (o *OrionProgressObserver) Handle(ctx context.Context, event eventbus.Event) {
	if event.OrionID != o.orionID.Load().(string) {
		return
	}
	select {
	case o.queue <- event:
	case <-ctx.Done():
	}
}

// SubscribedTypes is the fixed event set the agent's MONITOR state
// reacts to.
func SubscribedTypes() []eventbus.EventType {
	return []eventbus.EventType{
		eventbus.EventTaskCompleted,
		eventbus.EventTaskFailed,
		eventbus.EventOrionCompleted,
		eventbus.EventOrionFailed,
	}
}

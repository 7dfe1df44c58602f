// Package eventbus implements the process-local publish/subscribe bus
// described in the orchestrator's design: a publisher delivers an event
// to every observer subscribed to its type, in registration order for
// that observer, while different observers run independently.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of event kinds the bus carries.
type EventType string

const (
	EventOrionStarted       EventType = "ORION_STARTED"
	EventOrionCompleted     EventType = "ORION_COMPLETED"
	EventOrionFailed        EventType = "ORION_FAILED"
	EventOrionModified      EventType = "ORION_MODIFIED"
	EventTaskStarted        EventType = "TASK_STARTED"
	EventTaskCompleted      EventType = "TASK_COMPLETED"
	EventTaskFailed         EventType = "TASK_FAILED"
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventDeviceStatusChanged EventType = "DEVICE_STATUS_CHANGED"
)

// Event is the payload carried to every matching observer.
type Event struct {
	ID        string
	Type      EventType
	SourceID  string
	Timestamp time.Time
	Data      map[string]any
	OrionID   string
	TaskID    string
}

// NewEvent stamps an ID and timestamp onto a partially-built event.
func NewEvent(t EventType, sourceID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SourceID:  sourceID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Observer receives events it has subscribed to. Handle may suspend
// (perform I/O, take locks); the bus awaits one Handle call before
// delivering the observer's next event, but different observers are
// never blocked on each other.
type Observer interface {
	Handle(ctx context.Context, event Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) Handle(ctx context.Context, event Event) { f(ctx, event) }

// Subscription is returned by Subscribe and can be used to stop future
// deliveries. Unsubscribing never retracts an event already queued for
// delivery to this observer.
type Subscription interface {
	Unsubscribe()
}

type subscriber struct {
	bus      *Bus
	observer Observer
	types    map[EventType]bool
	inbox    chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) loop(ctx context.Context) {
	drainAndExit := func() {
		for {
			select {
			case ev, ok := <-s.inbox:
				if !ok {
					return
				}
				s.observer.Handle(ctx, ev)
			default:
				return
			}
		}
	}
	for {
		select {
		case ev, ok := <-s.inbox:
			if !ok {
				return
			}
			s.observer.Handle(ctx, ev)
		case <-s.done:
			// Drain whatever is already queued before exiting so an
			// in-flight publish (see Publish) is never dropped silently.
			drainAndExit()
			return
		case <-ctx.Done():
			drainAndExit()
			return
		}
	}
}

func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Bus is a process-local event publisher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]*subscriber
	bufferSize  int
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a Bus. bufferSize controls the per-observer channel depth;
// a full channel blocks Publish until the slow observer catches up,
// preserving in-order delivery for that observer.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subscribers: make(map[EventType][]*subscriber),
		bufferSize:  bufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscribe registers observer for the given event types. An observer
// subscribed to zero types receives nothing.
func (b *Bus) Subscribe(observer Observer, types ...EventType) Subscription {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	sub := &subscriber{
		bus:      b,
		observer: observer,
		types:    set,
		inbox:    make(chan Event, b.bufferSize),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	for t := range set {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	b.mu.Unlock()

	go sub.loop(b.ctx)
	return sub
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t := range target.types {
		list := b.subscribers[t]
		for i, s := range list {
			if s == target {
				b.subscribers[t] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers event to every observer currently subscribed to its
// type. Delivery across different observers happens concurrently;
// delivery to the same observer from the same goroutine calling Publish
// repeatedly is strictly in the order Publish was called.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := append([]*subscriber(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.inbox <- event:
		case <-s.done:
			// Observer unsubscribed concurrently; drop silently.
		}
	}
}

// Close stops all observer dispatch loops. Pending events already queued
// are still delivered before a loop exits.
func (b *Bus) Close() {
	b.cancel()
}

package devman

import (
	"sync"
	"time"
)

// EventBus delivers controller events to subscribers synchronously, in
// emit order. Handlers run on the emitter's goroutine, which may hold the
// controller lock: they must not block and must not call back into the
// Manager; slow consumers (brokers, sockets) hand off to their own queues.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	fn    func(Event)
	types map[EventType]bool // nil means all types
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]subscription)}
}

// Subscribe registers a handler for every event. The returned id cancels
// the subscription via Unsubscribe.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.subscribe(fn, nil)
}

// SubscribeTypes registers a handler for the listed event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	filter := make(map[EventType]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	return b.subscribe(fn, filter)
}

func (b *EventBus) subscribe(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscription{fn: fn, types: types}
	return b.nextID
}

// Unsubscribe removes a handler. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers the event to all matching subscribers. A zero Timestamp is
// stamped with the current time.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[e.Type] {
			handlers = append(handlers, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

package eventbus

import (
	"reflect"
	"sync"
)

// Handler is a function that handles an event
type Handler func(event any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus provides in-process pub/sub keyed by the event's Go type.
// Pointer events are routed by their element type, so subscribers always
// register with a value (e.g. model.LoggedOutEvent{}).
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[reflect.Type][]subscription
	global   []subscription
	inflight sync.WaitGroup
}

// New creates a new Bus
func New() *Bus {
	return &Bus{
		handlers: make(map[reflect.Type][]subscription),
	}
}

func keyOf(v any) reflect.Type {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Ptr {
		return t.Elem()
	}
	return t
}

// Subscribe registers a handler for the type of eventType and returns a
// function that removes it again.
func (b *Bus) Subscribe(eventType any, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	t := keyOf(eventType)
	b.handlers[t] = append(b.handlers[t], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[t] = remove(b.handlers[t], id)
	}
}

// SubscribeAll registers a handler that receives every published event.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.global = remove(b.global, id)
	}
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) targets(event any) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.handlers[keyOf(event)]
	out := make([]Handler, 0, len(subs)+len(b.global))
	for _, s := range subs {
		out = append(out, s.handler)
	}
	for _, s := range b.global {
		out = append(out, s.handler)
	}
	return out
}

// Publish delivers event to all subscribers, each in its own goroutine.
func (b *Bus) Publish(event any) {
	for _, h := range b.targets(event) {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			h(event)
		}(h)
	}
}

// PublishSync delivers event to all subscribers on the calling goroutine.
func (b *Bus) PublishSync(event any) {
	for _, h := range b.targets(event) {
		h(event)
	}
}

// Wait blocks until every handler started by Publish has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// HasSubscribers returns true if there are subscribers for the event type
func (b *Bus) HasSubscribers(eventType any) bool {
	return b.SubscriberCount(eventType) > 0
}

// SubscriberCount returns the number of type-specific subscribers for an event type
func (b *Bus) SubscriberCount(eventType any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[keyOf(eventType)])
}

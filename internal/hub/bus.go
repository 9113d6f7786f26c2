package hub

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw payload of a hub message.
type Handler func(payload json.RawMessage)

// Bus is a name-keyed publish/subscribe fan-out for one hub. Each hub
// gets its own bus so two hubs registering the same method name cannot
// cross-deliver. The bus outlives the transport connection: handlers
// registered while a hub is reconnecting keep working once it is back.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for the given method name and returns
// an unsubscribe func. Handlers are independent: unsubscribing one
// leaves the others in place.
func (b *Bus) Subscribe(method string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[method] == nil {
		b.subs[method] = make(map[int]Handler)
	}

	id := b.next
	b.next++
	b.subs[method][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs[method], id)
	}
}

// Publish delivers payload to every handler subscribed to method.
// Handlers run synchronously on the caller's goroutine, in
// unspecified order.
func (b *Bus) Publish(method string, payload json.RawMessage) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[method]))
	for _, h := range b.subs[method] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// SubscriberCount returns the number of handlers for a method.
func (b *Bus) SubscriberCount(method string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs[method])
}

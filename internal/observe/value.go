package observe

import "sync"

// subBuffer is the channel depth for each subscriber. A slow subscriber
// drops intermediate updates rather than blocking the writer; only the
// freshest value matters for the signals carried here.
const subBuffer = 16

// Value is a concurrency-safe observable container for a single value.
// Readers call Get, writers call Set, and interested subsystems can
// Subscribe to be notified of every change. It replaces free-floating
// package-level globals so tests can instantiate isolated instances.
type Value[T any] struct {
	mu   sync.RWMutex
	cur  T
	subs map[int]chan T
	next int
}

// NewValue creates an observable container holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		cur:  initial,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.cur
}

// Set stores val and notifies all subscribers. Notification is
// best-effort: a subscriber whose buffer is full misses this update
// and will observe the next one (or call Get). The sends are
// non-blocking, so they happen under the lock; this keeps them
// mutually exclusive with the channel close in Subscribe's cancel.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cur = val
	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
		}
	}
}

// Subscribe registers a listener for future updates. The returned
// cancel func removes the subscription and closes the channel.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, subBuffer)

	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		if _, ok := v.subs[id]; ok {
			delete(v.subs, id)
			close(ch)
		}
		v.mu.Unlock()
	}

	return ch, cancel
}

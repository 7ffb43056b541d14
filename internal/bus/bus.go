// Package bus provides the in-process publish/subscribe event bus that
// connects the sync layer's components to each other and to the UI boundary.
package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process pub/sub event bus with kind-prefix filtering.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event, so durable facts must live in the store, not on the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	prefix string
	ch     chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Publish delivers the event to every subscriber whose prefix matches
// event.Kind. Events from a single publisher arrive in publish order.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
				// Subscriber buffer full; drop rather than block the publisher.
			}
		}
	}
}

// Subscribe registers interest in all event kinds starting with prefix.
// bufSize controls the channel buffer. The returned function unsubscribes;
// callers must invoke it to release the subscription.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = &subscription{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

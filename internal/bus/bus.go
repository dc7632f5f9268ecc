package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe hub. Subscribers register a
// namespace prefix ("message.", "typing.") and receive every event whose
// Kind starts with it. Publish never blocks: a subscriber that falls
// behind loses events rather than stalling the mutation path.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

// Subscription is a live registration on the bus. Events arrive on C
// until Close is called.
type Subscription struct {
	C      <-chan Event
	prefix string
	ch     chan Event
	close  func()
}

// Close removes the subscription. The channel is not closed, so a
// consumer racing Close never reads a zero Event.
func (s *Subscription) Close() { s.close() }

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in events whose Kind has the given prefix.
// buf is the channel capacity; events beyond it are dropped.
func (b *Bus) Subscribe(prefix string, buf int) *Subscription {
	ch := make(chan Event, buf)
	sub := &Subscription{C: ch, prefix: prefix, ch: ch}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.close = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub
}

// Publish delivers evt to every subscription whose prefix matches.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}

package ingest

import (
	"sync"

	"guidecache/models"
)

const subscriberBuffer = 64

// Broadcaster fans ingestion events out to zero or more subscribers.
// Publish never blocks: a subscriber that stops draining its channel loses
// events rather than stalling the parse loop.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan models.Event
	nextID int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan models.Event)}
}

// Subscribe registers a listener. The returned cancel func must be called
// when the listener is done; it closes the channel.
func (b *Broadcaster) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber that has room for it.
func (b *Broadcaster) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default: // slow subscriber, drop
		}
	}
}

// Close terminates all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}

// Package replication broadcasts local trade events to peer instances over
// a websocket relay and applies remote ones to local history. Delivery is
// at-least-once; consumers are duplicate-tolerant.
package replication

import (
	"sync"

	"ecobridge/internal/domain"
)

// Backlog is a bounded FIFO of not-yet-delivered outgoing events. Multiple
// producers enqueue concurrently; one flush worker drains from the head.
// On overflow the oldest entry is dropped: an explicit lossy policy, with
// the drop counter making the loss visible.
type Backlog struct {
	mu       sync.Mutex
	events   []domain.TradeEvent
	capacity int
	dropped  uint64
}

// NewBacklog bounds the queue at capacity events.
func NewBacklog(capacity int) *Backlog {
	return &Backlog{capacity: capacity}
}

// Push appends an event, evicting the oldest when full. Returns true if an
// event was dropped to make room.
func (b *Backlog) Push(ev domain.TradeEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := false
	if len(b.events) >= b.capacity {
		b.events = b.events[1:]
		b.dropped++
		dropped = true
	}
	b.events = append(b.events, ev)
	return dropped
}

// Peek returns the head event without removing it.
func (b *Backlog) Peek() (domain.TradeEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return domain.TradeEvent{}, false
	}
	return b.events[0], true
}

// Pop removes the head event after a successful send.
func (b *Backlog) Pop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) > 0 {
		b.events = b.events[1:]
	}
}

// Len returns the number of queued events.
func (b *Backlog) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Dropped returns the lifetime count of overflow-evicted events.
func (b *Backlog) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

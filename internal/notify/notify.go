// Package notify implements the wake channel between the queue engine and
// idle workers. Delivery is deliberately weak: at-most-once, unordered, and
// coalescing. Subscribers must re-query queue state on every wake and keep
// polling on an interval so a dropped notification never strands work.
package notify

import (
	"context"
	"sync"
)

// Coordinator publishes and subscribes to work-available wake-ups.
type Coordinator interface {
	// Notify signals that new or retried work may be claimable. Best effort;
	// it never blocks on slow subscribers.
	Notify(ctx context.Context)
	// Subscribe registers a wake channel. The returned cancel function
	// removes the subscription; after cancel the channel must not be
	// received from.
	Subscribe() (<-chan struct{}, func())
}

// Hub is the in-process Coordinator used when no external bus is configured.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan struct{})}
}

// Notify wakes every subscriber. A subscriber that already has a pending
// wake is skipped; multiple publishes coalesce into one delivery.
func (h *Hub) Notify(_ context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new wake channel with a one-slot buffer.
func (h *Hub) Subscribe() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan struct{}, 1)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
	return ch, cancel
}

// SubscriberCount reports active subscriptions; used by diagnostics and tests.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var _ Coordinator = (*Hub)(nil)

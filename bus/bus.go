// Package bus fans domain events out to every subscribed session. Publishing
// never blocks: each subscriber has a bounded queue and a slow subscriber
// loses its oldest events, which it is told about through Lagged.
package bus

import (
	"log/slog"
	"sync"

	"dragonfox-chatrelay/domain"
)

// DefaultCapacity bounds each subscriber's pending-event queue when no
// explicit capacity is configured.
const DefaultCapacity = 30

type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// Subscription is one session's private cursor into the bus. Events arrive
// on Events; after an overflow the next Lagged call reports how many were
// dropped.
type Subscription struct {
	bus    *Bus
	ch     chan domain.Event
	missed int
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Publish delivers ev to every current subscriber and returns immediately.
// Publishing with no subscribers succeeds and does nothing. A subscriber
// whose queue is full loses its oldest pending event instead of blocking
// the publisher.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: drop the oldest event to make room. The receiver may
		// drain concurrently, so both selects stay non-blocking.
		select {
		case <-sub.ch:
			sub.missed++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.missed++
		}
	}
}

// Subscribe returns a fresh cursor that observes only events published after
// this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		ch:  make(chan domain.Event, b.capacity),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close shuts the bus down permanently. Every subscription's Events channel
// is closed and later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	slog.Debug("bus closed")
}

// Subscribers reports how many subscriptions are currently attached.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Events is the subscription's delivery channel. It is closed when the bus
// shuts down or the subscription is cancelled.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Lagged returns how many events were dropped since the last call and resets
// the count. A subscriber should check it before handling each received
// event so that a gap is surfaced, not silently skipped.
func (s *Subscription) Lagged() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	n := s.missed
	s.missed = 0
	return n
}

// Unsubscribe detaches the cursor. Pending events are discarded and the
// Events channel is closed. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

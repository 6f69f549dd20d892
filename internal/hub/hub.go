// Package hub coordinates message fan-out for the relay through a single
// shared broadcast channel with a bounded backlog.
//
// Every Subscription owns an independent cursor into the backlog. Publishing
// never waits for subscribers; a subscriber that falls more than the backlog
// capacity behind observes a LaggedError on its next Receive and resumes from
// the oldest retained message.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Tyrowin/relay/internal/message"
)

// DefaultCapacity is the backlog size used when New is given a non-positive capacity.
const DefaultCapacity = 10

var (
	// ErrClosed is returned by Publish after Close, and by Receive once a
	// closed hub has no further messages for the subscription.
	ErrClosed = errors.New("hub closed")

	// ErrLagged matches every LaggedError through errors.Is.
	ErrLagged = errors.New("subscriber lagged")
)

// LaggedError reports how many messages a subscription skipped because it
// fell behind the backlog.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d messages skipped", e.Skipped)
}

// Is reports whether target is ErrLagged.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

// Stats is a point-in-time snapshot of hub bookkeeping.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Retained    int    `json:"retained"`
}

// Hub is a multi-producer, multi-consumer broadcast channel. It is safe for
// concurrent use and has no owner beyond whoever constructed it.
type Hub struct {
	mu          sync.Mutex
	ring        []message.Message
	next        uint64 // sequence number of the next published message
	subscribers int
	closed      bool
	notify      chan struct{}
}

// New creates a Hub retaining the most recent capacity messages.
func New(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring:   make([]message.Message, capacity),
		notify: make(chan struct{}),
	}
}

// Subscribe registers a subscription positioned at the current publish
// cursor. Messages published earlier are not replayed.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subscribers++
	return &Subscription{hub: h, cursor: h.next}
}

// Publish appends msg to the backlog and wakes all waiting subscribers. It
// returns the number of live subscriptions at the time of publishing.
func (h *Hub) Publish(msg message.Message) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}

	h.ring[h.next%uint64(len(h.ring))] = msg
	h.next++
	h.wakeLocked()
	return h.subscribers, nil
}

// Close tears the hub down. Subscribers drain what is already retained and
// then receive ErrClosed. Close is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.wakeLocked()
}

// Stats returns a snapshot of the hub state.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Stats{
		Capacity:    len(h.ring),
		Subscribers: h.subscribers,
		Published:   h.next,
		Retained:    int(h.next - h.oldestLocked()),
	}
}

func (h *Hub) wakeLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

func (h *Hub) oldestLocked() uint64 {
	capacity := uint64(len(h.ring))
	if h.next < capacity {
		return 0
	}
	return h.next - capacity
}

// Subscription is an independent read cursor over a Hub. Receive must not be
// called from more than one goroutine at a time; Close may be called from any.
type Subscription struct {
	hub    *Hub
	cursor uint64
	closed bool // guarded by hub.mu
}

// Receive blocks until the message after the cursor is published, ctx is
// done, the subscription is closed, or the hub is closed and drained. When the subscription has fallen
// out of the retained window it returns a *LaggedError and moves the cursor to
// the oldest retained message.
func (s *Subscription) Receive(ctx context.Context) (message.Message, error) {
	h := s.hub
	for {
		h.mu.Lock()
		if s.closed {
			h.mu.Unlock()
			return message.Message{}, ErrClosed
		}
		if oldest := h.oldestLocked(); s.cursor < oldest {
			skipped := oldest - s.cursor
			s.cursor = oldest
			h.mu.Unlock()
			return message.Message{}, &LaggedError{Skipped: skipped}
		}
		if s.cursor < h.next {
			msg := h.ring[s.cursor%uint64(len(h.ring))]
			s.cursor++
			h.mu.Unlock()
			return msg, nil
		}
		if h.closed {
			h.mu.Unlock()
			return message.Message{}, ErrClosed
		}
		wait := h.notify
		h.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// Close releases the subscription. A pending or later Receive returns
// ErrClosed. It is safe to call more than once.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	h.subscribers--
	h.wakeLocked()
}

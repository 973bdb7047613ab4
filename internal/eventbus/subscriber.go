package bus

import "sync"

// LaggedEventType is the sentinel event type delivered to a bounded
// subscriber when it could not keep up and a non-critical event was
// dropped from its queue.
const LaggedEventType = "subscriber.lagged"

// BoundedSubscriber is a per-subscriber delivery queue used for remote
// (protocol-gateway) consumers. It enforces the backpressure contract: a
// full queue drops the oldest non-critical event and delivers a
// LaggedEventType sentinel in its place; a critical event is never
// dropped — Offer instead reports that the subscriber must be
// disconnected.
type BoundedSubscriber struct {
	mu      sync.Mutex
	ch      chan *Event
	dropped int
}

// NewBoundedSubscriber creates a subscriber queue of the given capacity.
// A non-positive capacity falls back to the default of 1024.
func NewBoundedSubscriber(capacity int) *BoundedSubscriber {
	if capacity <= 0 {
		capacity = 1024
	}
	return &BoundedSubscriber{ch: make(chan *Event, capacity)}
}

// Events returns the channel subscribers read from.
func (s *BoundedSubscriber) Events() <-chan *Event {
	return s.ch
}

// Offer enqueues an event. It returns false when the caller must
// disconnect the subscriber (a critical event could not be delivered
// because the queue was full).
func (s *BoundedSubscriber) Offer(ev *Event, critical bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- ev:
		return true
	default:
	}

	if critical {
		return false
	}

	// Queue full: drop the oldest non-critical entry to make room, then
	// deliver a lagged sentinel ahead of the new event. Queued critical
	// entries keep their place and order.
	queued := make([]*Event, 0, len(s.ch))
	for len(s.ch) > 0 {
		queued = append(queued, <-s.ch)
	}
	evicted := false
	for _, e := range queued {
		if !evicted && !IsCritical(e.Type) {
			evicted = true
			s.dropped++
			continue
		}
		s.ch <- e
	}

	sentinel := &Event{
		Type: LaggedEventType,
		Data: map[string]interface{}{"count": s.dropped},
	}
	select {
	case s.ch <- sentinel:
		s.dropped = 0
	default:
	}

	select {
	case s.ch <- ev:
	default:
		// Still full after making room for the sentinel; the event is
		// dropped too and will be reflected in the next lagged count.
		s.dropped++
	}
	return true
}

// Close closes the subscriber's channel; events still queued stay
// readable until the channel is empty. Safe to call once.
func (s *BoundedSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
}

package health

import (
	"context"
	"errors"
	"sync"

	"github.com/kiranshivaraju/gpufleet/pkg/models"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is an unbounded FIFO of health events for one consumer. The
// monitor never blocks on a slow subscriber.
type Subscription struct {
	mu     sync.Mutex
	events []models.HealthEvent
	closed bool
	signal chan struct{} // buffered, size 1
	remove func()
}

func newSubscription() *Subscription {
	return &Subscription{
		events: make([]models.HealthEvent, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (s *Subscription) enqueue(e models.HealthEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events = append(s.events, e)
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// TryNext returns the oldest queued event without blocking.
func (s *Subscription) TryNext() (models.HealthEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return models.HealthEvent{}, false
	}
	e := s.events[0]
	s.events[0] = models.HealthEvent{}
	if len(s.events) == 1 {
		s.events = s.events[:0]
	} else {
		s.events = s.events[1:]
	}
	return e, true
}

// Wait returns a channel that is signalled when events may be available and
// closed when the subscription closes.
func (s *Subscription) Wait() <-chan struct{} {
	return s.signal
}

// Next blocks until an event arrives, ctx ends, or the subscription closes
// with nothing left to read.
func (s *Subscription) Next(ctx context.Context) (models.HealthEvent, error) {
	for {
		if e, ok := s.TryNext(); ok {
			return e, nil
		}
		s.mu.Lock()
		done := s.closed && len(s.events) == 0
		s.mu.Unlock()
		if done {
			return models.HealthEvent{}, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return models.HealthEvent{}, ctx.Err()
		case <-s.signal:
		}
	}
}

// Len returns the number of queued events.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Close stops delivery. Already queued events can still be read.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.signal)
	remove := s.remove
	s.mu.Unlock()
	if remove != nil {
		remove()
	}
}

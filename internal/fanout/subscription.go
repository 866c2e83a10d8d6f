package fanout

import (
	"sync"
	"time"

	"github.com/sakif/buddychat/internal/model"
)

// Subscription is one consumer's view of the hub. Read events from
// Events() until the channel is closed.
type Subscription struct {
	hub    *Hub
	owner  string
	topics []string
	ch     chan model.Event

	mu     sync.Mutex
	closed bool
	reason string
}

// Events is closed after the final stream.closed event, or immediately
// when the consumer called Close itself.
func (s *Subscription) Events() <-chan model.Event {
	return s.ch
}

// Reason returns why the server closed the subscription, or "" while it is
// open or when the consumer closed it.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close releases the subscription. Safe to call more than once and
// concurrently with Publish.
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	s.hub.remove(s)
}

// deliver queues ev. It returns false when the buffer is full; in that
// case the subscription has already been shut with ReasonSlowConsumer and
// the caller must remove it from the hub.
func (s *Subscription) deliver(ev model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	// The last slot is reserved for stream.closed.
	if len(s.ch) >= cap(s.ch)-1 {
		s.shutLocked(ReasonSlowConsumer)
		return false
	}
	s.ch <- ev
	return true
}

// shut closes the subscription from the server side, delivering a final
// stream.closed event.
func (s *Subscription) shut(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutLocked(reason)
}

func (s *Subscription) shutLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason

	// Non-blocking: the reserved slot normally guarantees room.
	select {
	case s.ch <- model.Event{
		Type:    model.EventStreamClosed,
		Payload: model.StreamClosed{Reason: reason},
		At:      time.Now().UTC(),
	}:
	default:
	}
	close(s.ch)
}

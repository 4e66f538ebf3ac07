package events

import (
	"sync"

	"github.com/ashureev/agentrun/internal/domain"
)

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id        uint64
	sessionID string
	bus       *Bus
	startSeq  int64

	mu     sync.Mutex
	ch     chan domain.Event
	closed bool
	err    error
}

func newSubscription(b *Bus, id uint64, sessionID string, size int) *Subscription {
	return &Subscription{
		id:        id,
		sessionID: sessionID,
		bus:       b,
		ch:        make(chan domain.Event, size),
	}
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan domain.Event {
	return s.ch
}

// SessionID returns the subscribed session, or "" for a firehose subscription.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Err returns why the channel was closed: ErrSlowSubscriber after an
// overflow, ErrClosed after Close or Forget, nil while still open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.close(ErrClosed) {
		s.bus.unsubscribe(s)
	}
}

// deliver enqueues ev without blocking. It returns false when the buffer is
// full, in which case the subscription is closed with ErrSlowSubscriber.
func (s *Subscription) deliver(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.closed = true
		s.err = ErrSlowSubscriber
		close(s.ch)
		return false
	}
}

func (s *Subscription) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	close(s.ch)
	return true
}

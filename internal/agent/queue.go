package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// turnQueue allows one active turn per session. Waiters are served in
// arrival order and give up when their context ends.
type turnQueue struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newTurnQueue() *turnQueue {
	return &turnQueue{slots: make(map[string]chan struct{})}
}

func (q *turnQueue) slot(sessionID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.slots[sessionID]
	if !ok {
		ch = make(chan struct{}, 1)
		q.slots[sessionID] = ch
	}
	return ch
}

// acquire blocks until the session's slot is free. The returned func
// releases it.
func (q *turnQueue) acquire(ctx context.Context, sessionID string) (func(), error) {
	ch := q.slot(sessionID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *turnQueue) forget(sessionID string) {
	q.mu.Lock()
	delete(q.slots, sessionID)
	q.mu.Unlock()
}

// turn is the cancellation flag of the active turn.
type turn struct {
	cancelled atomic.Bool
	by        atomic.Value // string
}

func (t *turn) cancel(actor string) {
	t.by.Store(actor)
	t.cancelled.Store(true)
}

func (t *turn) isCancelled() bool {
	return t.cancelled.Load()
}

func (t *turn) actor() string {
	if v, ok := t.by.Load().(string); ok {
		return v
	}
	return ""
}

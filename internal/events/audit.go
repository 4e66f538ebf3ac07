package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// EventAppender persists events. Implementations must ignore an event whose
// (session, seq) pair is already stored.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev domain.Event) error
}

// AuditSink copies every published event into durable storage.
type AuditSink struct {
	bus    *Bus
	store  EventAppender
	logger *slog.Logger
	done   chan struct{}
}

// NewAuditSink creates a sink. Call Run to start it.
func NewAuditSink(bus *Bus, store EventAppender, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSink{bus: bus, store: store, logger: logger, done: make(chan struct{})}
}

// Run consumes the firehose until ctx is cancelled. After an overflow it
// resubscribes and backfills what the replay rings still hold; events lost
// beyond that are logged.
func (a *AuditSink) Run(ctx context.Context) {
	defer close(a.done)
	for {
		sub := a.bus.SubscribeAll()
		err := a.drain(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrSlowSubscriber) {
			a.logger.Warn("audit sink fell behind, resubscribing")
			a.backfill(ctx)
			continue
		}
		return
	}
}

// Done is closed when Run returns.
func (a *AuditSink) Done() <-chan struct{} {
	return a.done
}

func (a *AuditSink) drain(ctx context.Context, sub *Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return sub.Err()
			}
			a.write(ctx, ev)
		}
	}
}

func (a *AuditSink) backfill(ctx context.Context) {
	a.bus.mu.RLock()
	sessions := make([]string, 0, len(a.bus.topics))
	for id := range a.bus.topics {
		sessions = append(sessions, id)
	}
	a.bus.mu.RUnlock()

	for _, id := range sessions {
		t := a.bus.topic(id)
		t.mu.Lock()
		buffered := make([]domain.Event, 0, t.replay.Len())
		for e := t.replay.Front(); e != nil; e = e.Next() {
			buffered = append(buffered, e.Value.(domain.Event))
		}
		t.mu.Unlock()
		for _, ev := range buffered {
			a.write(ctx, ev)
		}
	}
}

func (a *AuditSink) write(ctx context.Context, ev domain.Event) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.AppendEvent(wctx, ev); err != nil {
		a.logger.Error("failed to persist event",
			"session_id", ev.SessionID,
			"seq", ev.Seq,
			"type", ev.Type,
			"error", err,
		)
	}
}

// Package stream pushes session events to clients over WebSocket and
// Server-Sent Events and carries control frames back to the runtime.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentrun/internal/agent"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/events"
	"github.com/ashureev/agentrun/internal/session"
	"github.com/ashureev/agentrun/internal/store"
)

// Runtime is the subset of the agent runtime driven by client frames.
type Runtime interface {
	Run(ctx context.Context, sessionID, principal, content string) (*agent.Result, error)
	Approve(ctx context.Context, planID, principal string) (*agent.Result, error)
	Reject(ctx context.Context, planID, principal, reason string) (*agent.Result, error)
	Cancel(ctx context.Context, sessionID, principal string) (bool, error)
}

// Sessions looks sessions up for ownership checks.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
}

// History reads persisted events, used when the bus replay ring no longer
// covers what a reconnecting client missed.
type History interface {
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error)
}

var errForbidden = errors.New("session belongs to another principal")

// authorize checks that the session exists, is open and belongs to principal.
func authorize(ctx context.Context, sessions Sessions, sessionID, principal string) (int, error) {
	s, err := sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err
	case err != nil:
		return http.StatusInternalServerError, err
	case s.IsClosed():
		return http.StatusGone, session.ErrClosed
	case s.Principal != principal:
		return http.StatusForbidden, errForbidden
	}
	return http.StatusOK, nil
}

// follow subscribes to the session's events after afterSeq. The backlog
// holds what the client missed: events from durable history when the ring
// has a gap, then the ring's buffered events. It may repeat events the
// live subscription also delivers; callers skip by sequence number.
func follow(ctx context.Context, bus *events.Bus, history History, sessionID string, afterSeq int64, logger *slog.Logger) (*events.Subscription, []domain.Event) {
	sub, missed, gap := bus.SubscribeFrom(sessionID, afterSeq)
	if !gap || history == nil {
		return sub, missed
	}

	persisted, err := history.ListEvents(ctx, sessionID, afterSeq, 0)
	if err != nil {
		logger.Warn("event history unavailable, replay has a gap",
			"session_id", sessionID,
			"after_seq", afterSeq,
			"error", err)
		return sub, missed
	}
	backlog := make([]domain.Event, 0, len(persisted)+len(missed))
	for _, ev := range persisted {
		if len(missed) > 0 && ev.Seq >= missed[0].Seq {
			break
		}
		backlog = append(backlog, ev)
	}
	return sub, append(backlog, missed...)
}

// pump hands every live event to fn until the subscription ends, ctx is
// done or fn fails.
func pump(ctx context.Context, sub *events.Subscription, fn func(domain.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return events.ErrClosed
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
}

// relay streams the session's events to send, in sequence order and without
// duplicates, starting after afterSeq. When the client falls behind and the
// bus drops its subscription, relay resubscribes from the last event sent.
func relay(ctx context.Context, bus *events.Bus, history History, sessionID string, afterSeq int64, logger *slog.Logger, send func(domain.Event) error) error {
	last := afterSeq
	if last < 0 {
		last = bus.LastSeq(sessionID)
	}
	deliver := func(ev domain.Event) error {
		if ev.Seq <= last {
			return nil
		}
		if err := send(ev); err != nil {
			return err
		}
		last = ev.Seq
		return nil
	}

	for {
		sub, backlog := follow(ctx, bus, history, sessionID, last, logger)
		var err error
		for _, ev := range backlog {
			if err = deliver(ev); err != nil {
				break
			}
		}
		if err == nil {
			err = pump(ctx, sub, deliver)
		}
		sub.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, events.ErrSlowSubscriber) {
			logger.Warn("stream client fell behind, resubscribing", "session_id", sessionID, "last_seq", last)
			continue
		}
		return err
	}
}

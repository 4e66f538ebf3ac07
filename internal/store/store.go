// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// ErrNotFound is returned when a session or plan does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists sessions, transcripts, plans and the event log.
type Repository interface {
	// PutSession creates or replaces a session record.
	PutSession(ctx context.Context, s domain.Session) error

	// GetSession retrieves a session by id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (domain.Session, error)

	// ListSessionsInactiveSince returns sessions in one of the given statuses
	// whose last activity is before the cutoff.
	ListSessionsInactiveSince(ctx context.Context, cutoff time.Time, statuses ...domain.SessionStatus) ([]domain.Session, error)

	// AppendMessage stores a transcript message. (session, seq) is unique.
	AppendMessage(ctx context.Context, m domain.Message) error

	// ListMessages returns a session's transcript ordered by seq.
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// PutPlan creates or replaces a plan record.
	PutPlan(ctx context.Context, p domain.Plan) error

	// GetPlan retrieves a plan by id, or ErrNotFound.
	GetPlan(ctx context.Context, id string) (domain.Plan, error)

	// ListPlans returns a session's plans, optionally filtered by status,
	// oldest first.
	ListPlans(ctx context.Context, sessionID string, statuses ...domain.PlanStatus) ([]domain.Plan, error)

	// AppendEvent stores an event. Storing the same (session, seq) twice is a no-op.
	AppendEvent(ctx context.Context, ev domain.Event) error

	// ListEvents returns up to limit events with seq > afterSeq, ordered by seq.
	// A limit <= 0 means no limit.
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error)

	// LastEventSeq returns the highest stored event seq for a session, 0 if none.
	LastEventSeq(ctx context.Context, sessionID string) (int64, error)

	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

func containsStatus[T comparable](set []T, v T) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

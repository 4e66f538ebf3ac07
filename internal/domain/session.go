package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionClosed SessionStatus = "closed"
)

// Session is one principal's conversation with the runtime.
type Session struct {
	ID                  string        `json:"id"`
	Principal           string        `json:"principal"`
	Autonomy            AutonomyLevel `json:"autonomy"`
	RequireConfirmation bool          `json:"require_confirmation"`
	Status              SessionStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	LastActivityAt      time.Time     `json:"last_activity_at"`
}

// IsClosed returns true if the session no longer accepts work.
func (s *Session) IsClosed() bool {
	return s.Status == SessionClosed
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	d := now.Sub(s.LastActivityAt)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

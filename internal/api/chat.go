package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/identity"
	"github.com/ashureev/agentrun/internal/session"
)

type chatRequest struct {
	SessionID string                `json:"session_id,omitempty" validate:"omitempty,max=64"`
	Message   string                `json:"message" validate:"required,max=32000"`
	Autonomy  *domain.AutonomyLevel `json:"autonomy,omitempty"`
}

// Chat runs a turn, opening a session for the caller when none is given.
// Without a session id the caller's previous chat session is reused while
// it stays open.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	principal := identity.PrincipalFromContext(r.Context())

	sessionID := req.SessionID
	if sessionID == "" {
		id, err := h.chatSession(ctx, principal, req.Autonomy)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		sessionID = id
	}

	res, err := h.Runtime.Run(ctx, sessionID, principal, req.Message)
	h.turnResult(w, r, res, err)
}

func (h *Handler) chatSession(ctx context.Context, principal string, autonomy *domain.AutonomyLevel) (string, error) {
	if v, ok := h.chatSessions.Load(principal); ok {
		id := v.(string)
		s, err := h.Sessions.Get(ctx, id)
		switch {
		case err == nil && !s.IsClosed():
			return id, nil
		case err != nil && !errors.Is(err, session.ErrNotFound):
			return "", err
		}
		h.chatSessions.CompareAndDelete(principal, id)
	}

	s, err := h.createSession(ctx, principal, autonomy, false)
	if err != nil {
		return "", err
	}
	h.log.Info("chat session opened", "session_id", s.ID, "principal", principal)
	h.chatSessions.Store(principal, s.ID)
	return s.ID, nil
}

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/identity"
)

const (
	defaultEventPage = 100
	maxEventPage     = 1000
)

type createSessionRequest struct {
	Autonomy            *domain.AutonomyLevel `json:"autonomy,omitempty"`
	RequireConfirmation bool                  `json:"require_confirmation,omitempty"`
}

type updateSessionRequest struct {
	Autonomy            *domain.AutonomyLevel `json:"autonomy,omitempty"`
	RequireConfirmation *bool                 `json:"require_confirmation,omitempty"`
}

type messageRequest struct {
	Content string `json:"content" validate:"required,max=32000"`
}

// CreateSession opens a session for the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.createSession(r.Context(), identity.PrincipalFromContext(r.Context()), req.Autonomy, req.RequireConfirmation)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

func (h *Handler) createSession(ctx context.Context, principal string, autonomy *domain.AutonomyLevel, requireConfirmation bool) (*domain.Session, error) {
	level := domain.AutonomyLevel(-1)
	if autonomy != nil {
		level = *autonomy
	}
	s, err := h.Sessions.Create(ctx, principal, level)
	if err != nil {
		return nil, err
	}
	if requireConfirmation {
		return h.Sessions.SetRequireConfirmation(ctx, s.ID, true)
	}
	return s, nil
}

// GetSession returns one of the caller's sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// UpdateSession changes autonomy or the confirmation flag.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.ownedSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Autonomy == nil && req.RequireConfirmation == nil {
		Error(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Autonomy != nil {
		if s, err = h.Sessions.SetAutonomy(r.Context(), s.ID, *req.Autonomy); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if req.RequireConfirmation != nil {
		if s, err = h.Sessions.SetRequireConfirmation(r.Context(), s.ID, *req.RequireConfirmation); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	JSON(w, http.StatusOK, s)
}

// CloseSession closes the session. Closing twice succeeds.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Sessions.Close(r.Context(), s.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostMessage runs one turn. The turn is detached from the request so a
// client disconnect does not abandon it; progress is on the event stream.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := identity.PrincipalFromContext(r.Context())
	res, err := h.Runtime.Run(context.WithoutCancel(r.Context()), chiID(r), principal, req.Content)
	h.turnResult(w, r, res, err)
}

// CancelTurn cancels the active turn and any pending plans.
func (h *Handler) CancelTurn(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	cancelled, err := h.Runtime.Cancel(r.Context(), chiID(r), principal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// GetTranscript returns the full conversation, or with view=context the
// windowed view the model sees.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var msgs []domain.Message
	switch view := r.URL.Query().Get("view"); view {
	case "", "full":
		msgs, err = h.Conversation.History(r.Context(), s.ID)
	case "context":
		msgs, err = h.Conversation.Transcript(r.Context(), s.ID)
	default:
		Error(w, http.StatusBadRequest, "view must be full or context")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": s.ID, "messages": msgs})
}

// ListEvents pages through the durable event log.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	s, err := h.ownedSession(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		Error(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultEventPage)
	if err != nil || limit <= 0 {
		Error(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxEventPage)

	evs, err := h.Events.ListEvents(r.Context(), s.ID, after, int(limit))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Seq
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": s.ID, "events": evs, "next_after": next})
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

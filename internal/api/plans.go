package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrun/internal/identity"
)

type rejectRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1000"`
}

func chiID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// GetPlan returns a plan of one of the caller's sessions.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.Plans.Get(r.Context(), chiID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	s, err := h.Sessions.Get(r.Context(), p.SessionID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if s.Principal != identity.PrincipalFromContext(r.Context()) {
		h.fail(w, r, errForbidden)
		return
	}
	JSON(w, http.StatusOK, p)
}

// ApprovePlan approves a pending plan and resumes the turn.
func (h *Handler) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	res, err := h.Runtime.Approve(context.WithoutCancel(r.Context()), chiID(r), principal)
	h.turnResult(w, r, res, err)
}

// RejectPlan rejects a pending plan.
func (h *Handler) RejectPlan(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal := identity.PrincipalFromContext(r.Context())
	res, err := h.Runtime.Reject(r.Context(), chiID(r), principal, req.Reason)
	h.turnResult(w, r, res, err)
}

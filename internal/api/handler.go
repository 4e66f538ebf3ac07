// Package api provides the HTTP surface of the agent runtime.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/agentrun/internal/agent"
	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/conversation"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/identity"
	"github.com/ashureev/agentrun/internal/plan"
	"github.com/ashureev/agentrun/internal/session"
	"github.com/ashureev/agentrun/internal/store"
)

const maxBodyBytes = 1 << 20

// Runtime drives turns and plan decisions.
type Runtime interface {
	Run(ctx context.Context, sessionID, principal, content string) (*agent.Result, error)
	Approve(ctx context.Context, planID, principal string) (*agent.Result, error)
	Reject(ctx context.Context, planID, principal, reason string) (*agent.Result, error)
	Cancel(ctx context.Context, sessionID, principal string) (bool, error)
}

// EventReader reads the durable event log.
type EventReader interface {
	ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handler's collaborators.
type Deps struct {
	Sessions     *session.Manager
	Conversation *conversation.Manager
	Plans        *plan.Tracker
	Runtime      Runtime
	Catalog      *catalog.Catalog
	Events       EventReader
	Store        Pinger

	// Stream serves GET /api/sessions/{id}/stream when set.
	Stream http.Handler
	Logger *slog.Logger
}

// Handler serves the REST API.
type Handler struct {
	Deps
	log      *slog.Logger
	validate *validator.Validate

	// chatSessions remembers the session /api/chat opened per principal.
	chatSessions sync.Map
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Deps:     d,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes registers API routes. limit, when non-nil, wraps every
// state-changing route.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/tools", h.ListTools)
		r.Get("/ready", h.Ready)

		r.Route("/sessions", func(r chi.Router) {
			r.With(limit).Post("/", h.CreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.With(limit).Patch("/", h.UpdateSession)
				r.Delete("/", h.CloseSession)
				r.With(limit).Post("/messages", h.PostMessage)
				r.Post("/cancel", h.CancelTurn)
				r.Get("/transcript", h.GetTranscript)
				r.Get("/events", h.ListEvents)
				if h.Stream != nil {
					r.Get("/stream", h.Stream.ServeHTTP)
				}
			})
		})

		r.Route("/plans/{id}", func(r chi.Router) {
			r.Get("/", h.GetPlan)
			r.With(limit).Post("/approve", h.ApprovePlan)
			r.With(limit).Post("/reject", h.RejectPlan)
		})

		r.With(limit).Post("/chat", h.Chat)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v and validates it. An empty body leaves v
// at its zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps runtime errors onto HTTP status codes.
func statusFor(err error) int {
	var catErr *catalog.Error
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, plan.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, agent.ErrForbidden), errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, session.ErrInvalidAutonomy):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, agent.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &catErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server-side failures are logged.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"principal", identity.PrincipalFromContext(r.Context()),
			"error", err)
	}
	Error(w, status, err.Error())
}

var errForbidden = errors.New("forbidden")

// ownedSession loads the session named in the URL and checks it belongs to
// the caller.
func (h *Handler) ownedSession(r *http.Request) (*domain.Session, error) {
	s, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if s.Principal != identity.PrincipalFromContext(r.Context()) {
		return nil, errForbidden
	}
	return s, nil
}

// turnResult answers a runtime call. A result that comes with an error,
// such as a turn that hit the iteration cap, is still a 200 with the error
// attached.
func (h *Handler) turnResult(w http.ResponseWriter, r *http.Request, res *agent.Result, err error) {
	if res == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		JSON(w, http.StatusOK, struct {
			*agent.Result
			Error string `json:"error"`
		}{res, err.Error()})
		return
	}
	JSON(w, http.StatusOK, res)
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/agentrun/internal/agent"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/events"
	"github.com/ashureev/agentrun/internal/identity"
	"github.com/ashureev/agentrun/internal/plan"
	"github.com/ashureev/agentrun/internal/session"
	"github.com/ashureev/agentrun/internal/store"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
	// wsQueueDepth bounds the operations one connection may have waiting.
	wsQueueDepth = 16
)

// Deps are the collaborators shared by the stream handlers.
type Deps struct {
	Bus      *events.Bus
	History  History
	Sessions Sessions
	Runtime  Runtime
	Registry *Registry
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// WebSocketHandler streams a session's events over a WebSocket and accepts
// control frames from the client.
type WebSocketHandler struct {
	deps          Deps
	log           *slog.Logger
	validate      *validator.Validate
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(d Deps, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		deps:          d,
		log:           d.logger(),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// Client frame types.
const (
	opApprovePlan = "approve-plan"
	opRejectPlan  = "reject-plan"
	opCancel      = "cancel"
	opNewMessage  = "new-message"
	opPing        = "ping"
)

// inFrame is a control frame sent by the client.
type inFrame struct {
	Type    string `json:"type" validate:"required,oneof=approve-plan reject-plan cancel new-message ping"`
	ID      string `json:"id,omitempty" validate:"max=128"`
	PlanID  string `json:"plan_id,omitempty" validate:"required_if=Type approve-plan,required_if=Type reject-plan"`
	Reason  string `json:"reason,omitempty" validate:"max=1000"`
	Content string `json:"content,omitempty" validate:"required_if=Type new-message,max=32000"`
}

// outFrame is a frame sent to the client.
type outFrame struct {
	Type      string        `json:"type"`
	Op        string        `json:"op,omitempty"`
	ID        string        `json:"id,omitempty"`
	Event     *domain.Event `json:"event,omitempty"`
	Result    *agent.Result `json:"result,omitempty"`
	Cancelled *bool         `json:"cancelled,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
}

// wsConn serializes writes to one socket.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for GET /ws?session_id=...&after=<seq>.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	log := h.log.With("session_id", sessionID, "principal", principal)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	after, err := parseAfter(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "after must be a non-negative integer", http.StatusBadRequest)
		return
	}
	if status, err := authorize(r.Context(), h.deps.Sessions, sessionID, principal); err != nil {
		if status == http.StatusInternalServerError {
			log.Error("Failed to load session for websocket", "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)
	conn := &wsConn{ws: ws}
	log.Info("WebSocket stream connected", "after", after)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := h.deps.Registry.Register(sessionID, func(reason string) {
		go func() {
			_ = ws.Close(websocket.StatusGoingAway, reason)
			cancel()
		}()
	})
	defer h.deps.Registry.Unregister(sessionID, connID)

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: client frames -> runtime.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, conn, sessionID, principal, log)
	}()

	// Output loop: bus -> client.
	go func() {
		defer wg.Done()
		defer cancel()
		err := relay(ctx, h.deps.Bus, h.deps.History, sessionID, after, log, func(ev domain.Event) error {
			return conn.writeJSON(ctx, outFrame{Type: "event", Event: &ev})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrClosed) {
			log.Warn("WebSocket output ended", "error", err)
		}
	}()

	wg.Wait()
	if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
		log.Debug("Failed to close websocket", "error", closeErr)
	}
	log.Info("WebSocket stream ended")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop reads client frames. Messages, approvals and rejections run one
// at a time in arrival order; cancel runs at once so it can interrupt the
// operation in progress.
func (h *WebSocketHandler) inputLoop(ctx context.Context, conn *wsConn, sessionID, principal string, log *slog.Logger) {
	// Operations outlive the socket: a dropped connection must not
	// abandon a turn halfway.
	opCtx := context.WithoutCancel(ctx)
	ops := make(chan inFrame, wsQueueDepth)
	defer close(ops)
	go func() {
		for f := range ops {
			h.dispatch(opCtx, conn, sessionID, principal, f, log)
		}
	}()

	for {
		_, message, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				log.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				log.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var f inFrame
		if err := json.Unmarshal(message, &f); err != nil {
			h.reply(ctx, conn, outFrame{Type: "error", Error: "malformed frame", Code: "invalid_frame"}, log)
			continue
		}
		if err := h.validate.Struct(f); err != nil {
			h.reply(ctx, conn, outFrame{Type: "error", Op: f.Type, ID: f.ID, Error: err.Error(), Code: "invalid_frame"}, log)
			continue
		}

		if f.Type == opPing {
			h.reply(ctx, conn, outFrame{Type: "pong", ID: f.ID}, log)
			continue
		}

		if f.Type == opCancel {
			go h.dispatch(opCtx, conn, sessionID, principal, f, log)
			continue
		}
		select {
		case ops <- f:
		default:
			h.reply(ctx, conn, outFrame{Type: "error", Op: f.Type, ID: f.ID, Error: "too many operations queued", Code: "busy"}, log)
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *wsConn, sessionID, principal string, f inFrame, log *slog.Logger) {
	var (
		res *agent.Result
		err error
	)
	switch f.Type {
	case opNewMessage:
		res, err = h.deps.Runtime.Run(ctx, sessionID, principal, f.Content)
	case opApprovePlan:
		res, err = h.deps.Runtime.Approve(ctx, f.PlanID, principal)
	case opRejectPlan:
		res, err = h.deps.Runtime.Reject(ctx, f.PlanID, principal, f.Reason)
	case opCancel:
		var cancelled bool
		cancelled, err = h.deps.Runtime.Cancel(ctx, sessionID, principal)
		if err == nil {
			h.reply(ctx, conn, outFrame{Type: "result", Op: f.Type, ID: f.ID, Cancelled: &cancelled}, log)
			return
		}
	}

	out := outFrame{Type: "result", Op: f.Type, ID: f.ID, Result: res}
	if err != nil {
		log.Info("WebSocket operation failed", "op", f.Type, "error", err)
		out.Error = err.Error()
		out.Code = ErrorCode(err)
		if res == nil {
			out.Type = "error"
		}
	}
	h.reply(ctx, conn, out, log)
}

func (h *WebSocketHandler) reply(ctx context.Context, conn *wsConn, f outFrame, log *slog.Logger) {
	if err := conn.writeJSON(ctx, f); err != nil {
		log.Debug("Failed to write websocket reply", "type", f.Type, "op", f.Op, "error", err)
	}
}

// ErrorCode maps runtime errors to stable machine-readable codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, plan.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrClosed):
		return "session_closed"
	case errors.Is(err, agent.ErrForbidden), errors.Is(err, errForbidden):
		return "forbidden"
	case errors.Is(err, agent.ErrEmptyMessage):
		return "invalid_request"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, agent.ErrMaxIterations):
		return "max_iterations"
	case errors.Is(err, agent.ErrModelUnavailable):
		return "model_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "internal"
	}
}

// parseAfter reads a replay cursor. An empty value means live only (-1).
func parseAfter(v string) (int64, error) {
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid sequence number")
	}
	return n, nil
}

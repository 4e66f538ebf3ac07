package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/events"
	"github.com/ashureev/agentrun/internal/identity"
)

// SSEConfig tunes the Server-Sent Events handler.
type SSEConfig struct {
	Retry     time.Duration
	KeepAlive time.Duration
}

// DefaultSSEConfig returns a 5s retry hint and 15s keepalive pings.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{Retry: 5 * time.Second, KeepAlive: 15 * time.Second}
}

// SSEHandler streams a session's events as Server-Sent Events. The event id
// is the session sequence number, so browsers resume with Last-Event-ID.
type SSEHandler struct {
	deps Deps
	cfg  SSEConfig
	log  *slog.Logger
}

// NewSSEHandler creates a new SSE handler.
func NewSSEHandler(d Deps, cfg SSEConfig) *SSEHandler {
	def := DefaultSSEConfig()
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	return &SSEHandler{deps: d, cfg: cfg, log: d.logger()}
}

// sseWriter serializes frames from the relay and the keepalive ticker.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseWriter) event(id int64, typ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if id > 0 {
		_, err = fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", id, typ, data)
	} else {
		_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", typ, data)
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeHTTP implements GET /api/sessions/{id}/stream.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal := identity.PrincipalFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	log := h.log.With("session_id", sessionID, "principal", principal)

	after, err := lastEventID(r)
	if err != nil {
		http.Error(w, `{"error": "invalid Last-Event-ID"}`, http.StatusBadRequest)
		return
	}
	if status, err := authorize(r.Context(), h.deps.Sessions, sessionID, principal); err != nil {
		if status == http.StatusInternalServerError {
			log.Error("Failed to load session for stream", "error", err)
		}
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.Retry.Milliseconds()); err != nil {
		log.Warn("failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	out := &sseWriter{w: w, flusher: flusher}
	connected, _ := json.Marshal(map[string]any{"status": "connected", "session_id": sessionID, "after": after})
	if err := out.event(0, "connected", connected); err != nil {
		log.Warn("failed to write SSE connected event", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := h.deps.Registry.Register(sessionID, func(string) { cancel() })
	defer h.deps.Registry.Unregister(sessionID, connID)
	log.Info("SSE stream connected", "after", after)

	pinging := make(chan struct{})
	go func() {
		defer close(pinging)
		h.keepAlive(ctx, out, cancel)
	}()
	defer func() {
		cancel()
		<-pinging
	}()

	err = relay(ctx, h.deps.Bus, h.deps.History, sessionID, after, log, func(ev domain.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return out.event(ev.Seq, string(ev.Type), data)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrClosed) {
		log.Warn("SSE stream ended", "error", err)
		return
	}
	log.Info("SSE stream closed")
}

func (h *SSEHandler) keepAlive(ctx context.Context, out *sseWriter, cancel context.CancelFunc) {
	ticker := time.NewTicker(h.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.comment("ping"); err != nil {
				cancel()
				return
			}
		}
	}
}

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// lastEventId / after query parameters. Absent means live only.
func lastEventID(r *http.Request) (int64, error) {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("lastEventId")
	}
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid event id")
	}
	return n, nil
}

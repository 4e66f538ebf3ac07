package api

import (
	"context"
	"net/http"
	"time"
)

// ListTools returns the tool catalog as the model sees it.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"tools": h.Catalog.Schemas()})
}

// Ready reports whether durable storage is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.log.Warn("readiness check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

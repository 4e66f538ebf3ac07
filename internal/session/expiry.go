package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// StartExpiryWorker runs a background goroutine that periodically marks
// inactive sessions idle and closes expired ones.
func (m *Manager) StartExpiryWorker(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("session expiry worker started",
			"interval", m.cfg.SweepInterval,
			"idle_after", m.cfg.IdleAfter,
			"ttl", m.cfg.TTL)

		for {
			select {
			case <-ticker.C:
				if err := m.Sweep(ctx); err != nil {
					m.logger.Error("session expiry sweep failed", "error", err)
				}
			case <-ctx.Done():
				m.logger.Info("session expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep closes sessions inactive for longer than TTL, then marks sessions
// inactive for longer than IdleAfter as idle.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.now().UTC()

	expired, err := m.repo.ListSessionsInactiveSince(ctx, now.Add(-m.cfg.TTL),
		domain.SessionActive, domain.SessionIdle)
	if err != nil {
		return fmt.Errorf("list expired sessions: %w", err)
	}
	for _, s := range expired {
		if err := m.close(ctx, s.ID, "expired"); err != nil {
			m.logger.Warn("failed to close expired session", "session_id", s.ID, "error", err)
		}
	}

	stale, err := m.repo.ListSessionsInactiveSince(ctx, now.Add(-m.cfg.IdleAfter), domain.SessionActive)
	if err != nil {
		return fmt.Errorf("list idle sessions: %w", err)
	}
	idled := 0
	for _, s := range stale {
		ok, err := m.markIdle(ctx, s.ID, now)
		if err != nil {
			m.logger.Warn("failed to mark session idle", "session_id", s.ID, "error", err)
			continue
		}
		if ok {
			idled++
		}
	}

	if len(expired) > 0 || idled > 0 {
		m.logger.Info("session expiry sweep completed", "closed", len(expired), "idled", idled)
	}
	return nil
}

// markIdle flips an active session to idle unless it saw activity since
// the sweep started. Idling is not activity, so LastActivityAt is kept.
func (m *Manager) markIdle(ctx context.Context, id string, sweepStart time.Time) (bool, error) {
	unlock := m.lock(id)
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if s.Status != domain.SessionActive || s.IdleFor(sweepStart) < m.cfg.IdleAfter {
		return false, nil
	}
	s.Status = domain.SessionIdle
	if err := m.save(ctx, s); err != nil {
		return false, err
	}
	m.metrics.SessionLifecycle("idle")
	m.publish(id, domain.EventSessionIdle, map[string]any{
		"idle_for_ms": s.IdleFor(sweepStart).Milliseconds(),
	})
	return true, nil
}

package stream

import (
	"log/slog"
	"sync"
)

// Registry tracks live stream connections per session so they can be
// closed when the session closes.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	active map[string]map[uint64]func(reason string)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[uint64]func(reason string)),
	}
}

// Register adds a connection. closeFn must be safe to call more than once.
func (m *Registry) Register(sessionID string, closeFn func(reason string)) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sessionID]; !exists {
		m.active[sessionID] = make(map[uint64]func(reason string))
	}
	m.nextID++
	id := m.nextID
	m.active[sessionID][id] = closeFn
	slog.Debug("Stream connection registered", "session_id", sessionID, "conn_id", id)
	return id
}

// Unregister removes a connection.
func (m *Registry) Unregister(sessionID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conns, ok := m.active[sessionID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(m.active, sessionID)
		}
		slog.Debug("Stream connection unregistered", "session_id", sessionID, "conn_id", id)
	}
}

// Count returns the number of live connections for a session.
func (m *Registry) Count(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[sessionID])
}

// CloseSession terminates every connection of a session.
func (m *Registry) CloseSession(sessionID string) {
	m.mu.Lock()
	conns := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	for id, closeFn := range conns {
		closeFn("session closed")
		slog.Info("Stream connection closed", "session_id", sessionID, "conn_id", id)
	}
}

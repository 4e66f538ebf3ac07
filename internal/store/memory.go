package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// Memory is a Repository kept in process memory. It is used by tests and
// when STORE_DRIVER=memory.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	messages map[string][]domain.Message
	plans    map[string]domain.Plan
	order    []string // plan ids in creation order
	events   map[string][]domain.Event
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
		plans:    make(map[string]domain.Plan),
		events:   make(map[string][]domain.Event),
	}
}

func (m *Memory) PutSession(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSessionsInactiveSince(_ context.Context, cutoff time.Time, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) && containsStatus(statuses, s.Status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	return out, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages[msg.SessionID] {
		if existing.Seq == msg.Seq {
			return fmt.Errorf("insert message: duplicate seq %d for session %s", msg.Seq, msg.SessionID)
		}
	}
	msg.ToolCalls = append([]domain.ToolCall(nil), msg.ToolCalls...)
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return nil
}

func (m *Memory) ListMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]domain.Message(nil), m.messages[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) PutPlan(_ context.Context, p domain.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.plans[p.ID] = *p.Clone()
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return domain.Plan{}, ErrNotFound
	}
	return *p.Clone(), nil
}

func (m *Memory) ListPlans(_ context.Context, sessionID string, statuses ...domain.PlanStatus) ([]domain.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Plan
	for _, id := range m.order {
		p := m.plans[id]
		if p.SessionID == sessionID && containsStatus(statuses, p.Status) {
			out = append(out, *p.Clone())
		}
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.events[ev.SessionID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq >= ev.Seq })
	if i < len(list) && list[i].Seq == ev.Seq {
		return nil
	}
	list = append(list, domain.Event{})
	copy(list[i+1:], list[i:])
	list[i] = ev
	m.events[ev.SessionID] = list
	return nil
}

func (m *Memory) ListEvents(_ context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.events[sessionID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Seq > afterSeq })
	out := append([]domain.Event(nil), list[i:]...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastEventSeq(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.events[sessionID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].Seq, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

package authz

import (
	"sync"

	"github.com/ashureev/agentrun/internal/domain"
)

// CallBudget is a per-session allowance of critical calls. The check itself
// is read-only; consumption is recorded separately once a call was dispatched.
type CallBudget struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewCallBudget allows limit critical calls per session. A limit <= 0 allows
// none, so critical tools stay denied until a budget is configured.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{limit: limit, used: make(map[string]int)}
}

// Check implements BudgetCheck. Calls already admitted in the same batch
// count against the allowance as if they had run.
func (b *CallBudget) Check(s domain.Session, _ domain.ToolCall, admitted int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[s.ID]+admitted < b.limit
}

// Consume records one critical call for the session.
func (b *CallBudget) Consume(sessionID string) {
	b.mu.Lock()
	b.used[sessionID]++
	b.mu.Unlock()
}

// Forget drops the counter for a closed session.
func (b *CallBudget) Forget(sessionID string) {
	b.mu.Lock()
	delete(b.used, sessionID)
	b.mu.Unlock()
}

package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/metrics"
	"github.com/ashureev/agentrun/internal/store"
)

// ErrNotFound is returned for unknown plan ids.
var ErrNotFound = errors.New("plan not found")

// Store persists plans.
type Store interface {
	PutPlan(ctx context.Context, p domain.Plan) error
	GetPlan(ctx context.Context, id string) (domain.Plan, error)
	ListPlans(ctx context.Context, sessionID string, statuses ...domain.PlanStatus) ([]domain.Plan, error)
}

// Publisher receives plan events.
type Publisher interface {
	Publish(ev domain.Event) domain.Event
}

// Tracker is the plan state machine. Every transition is persisted before
// its event is published. Transitions of one plan are serialized.
type Tracker struct {
	store   Store
	bus     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	locks sync.Map // plan id -> *sync.Mutex
}

// NewTracker creates a tracker. bus and m may be nil.
func NewTracker(s Store, bus Publisher, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: s, bus: bus, metrics: m, logger: logger, now: time.Now}
}

func (t *Tracker) lock(id string) func() {
	v, _ := t.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create stores a freshly detected plan in the proposed state. The
// plan.proposed event is published only when the plan needs a principal.
func (t *Tracker) Create(ctx context.Context, p *domain.Plan) error {
	p.Status = domain.PlanProposed
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	if err := t.store.PutPlan(ctx, *p); err != nil {
		return fmt.Errorf("persist plan %s: %w", p.ID, err)
	}
	t.metrics.PlanTransition(string(domain.PlanProposed))
	if p.Decision == domain.DecisionRequireApproval {
		t.publish(p, domain.EventPlanProposed, map[string]any{
			"calls":     p.Calls,
			"risk":      p.Risk.String(),
			"decision":  p.Decision.String(),
			"iteration": p.Iteration,
		})
	}
	t.logger.Debug("plan created",
		"plan_id", p.ID,
		"session_id", p.SessionID,
		"risk", p.Risk.String(),
		"decision", p.Decision.String(),
		"calls", len(p.Calls))
	return nil
}

// Get returns a plan by id.
func (t *Tracker) Get(ctx context.Context, id string) (*domain.Plan, error) {
	p, err := t.store.GetPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", id, err)
	}
	return &p, nil
}

// Approve moves a proposed plan to approved.
func (t *Tracker) Approve(ctx context.Context, id, actor string) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanApproved, func(p *domain.Plan, now time.Time) map[string]any {
		p.ResolvedBy = actor
		p.ResolvedAt = &now
		return map[string]any{"actor": actor}
	})
}

// Reject moves a proposed plan to rejected.
func (t *Tracker) Reject(ctx context.Context, id, actor, reason string) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanRejected, func(p *domain.Plan, now time.Time) map[string]any {
		p.ResolvedBy = actor
		p.Reason = reason
		p.ResolvedAt = &now
		return map[string]any{"actor": actor, "reason": reason}
	})
}

// StartExecution moves an approved plan to executing.
func (t *Tracker) StartExecution(ctx context.Context, id string) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanExecuting, func(p *domain.Plan, _ time.Time) map[string]any {
		return map[string]any{"call_ids": p.CallIDs()}
	})
}

// Complete records results and moves an executing plan to completed.
func (t *Tracker) Complete(ctx context.Context, id string, results []domain.ToolExecutionResult) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanCompleted, func(p *domain.Plan, _ time.Time) map[string]any {
		p.Results = results
		return map[string]any{"results": summarize(results)}
	})
}

// Fail records results and moves an executing plan to failed.
func (t *Tracker) Fail(ctx context.Context, id string, results []domain.ToolExecutionResult, reason string) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanFailed, func(p *domain.Plan, _ time.Time) map[string]any {
		p.Results = results
		p.Reason = reason
		return map[string]any{"results": summarize(results), "reason": reason}
	})
}

// Cancel moves a plan that is still in flight to cancelled.
func (t *Tracker) Cancel(ctx context.Context, id, actor, reason string) (*domain.Plan, error) {
	return t.transition(ctx, id, domain.PlanCancelled, func(p *domain.Plan, now time.Time) map[string]any {
		p.Reason = reason
		if p.ResolvedBy == "" {
			p.ResolvedBy = actor
			p.ResolvedAt = &now
		}
		return map[string]any{"actor": actor, "reason": reason}
	})
}

// Pending returns the session's plans awaiting a principal, oldest first.
func (t *Tracker) Pending(ctx context.Context, sessionID string) ([]domain.Plan, error) {
	plans, err := t.store.ListPlans(ctx, sessionID, domain.PlanProposed)
	if err != nil {
		return nil, fmt.Errorf("list pending plans: %w", err)
	}
	return plans, nil
}

// InFlight returns the session's proposed, approved and executing plans.
func (t *Tracker) InFlight(ctx context.Context, sessionID string) ([]domain.Plan, error) {
	plans, err := t.store.ListPlans(ctx, sessionID, domain.PlanProposed, domain.PlanApproved, domain.PlanExecuting)
	if err != nil {
		return nil, fmt.Errorf("list in-flight plans: %w", err)
	}
	return plans, nil
}

// PinnedMessages returns the sequence numbers of messages that proposed
// in-flight plans. The conversation window must keep them.
func (t *Tracker) PinnedMessages(ctx context.Context, sessionID string) ([]int64, error) {
	plans, err := t.InFlight(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	seqs := make([]int64, 0, len(plans))
	for _, p := range plans {
		if p.MessageSeq > 0 {
			seqs = append(seqs, p.MessageSeq)
		}
	}
	return seqs, nil
}

func (t *Tracker) transition(ctx context.Context, id string, to domain.PlanStatus, apply func(p *domain.Plan, now time.Time) map[string]any) (*domain.Plan, error) {
	unlock := t.lock(id)
	defer unlock()

	p, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	if err := p.Transition(to, now); err != nil {
		return nil, err
	}
	data := apply(p, now)
	if err := t.store.PutPlan(ctx, *p); err != nil {
		return nil, fmt.Errorf("persist plan %s: %w", id, err)
	}
	if to.Terminal() {
		t.locks.Delete(id)
	}

	t.metrics.PlanTransition(string(to))
	t.publish(p, transitionEvents[to], data)
	t.logger.Debug("plan transitioned", "plan_id", id, "session_id", p.SessionID, "status", string(to))
	return p, nil
}

var transitionEvents = map[domain.PlanStatus]domain.EventType{
	domain.PlanApproved:  domain.EventPlanApproved,
	domain.PlanRejected:  domain.EventPlanRejected,
	domain.PlanExecuting: domain.EventPlanExecuting,
	domain.PlanCompleted: domain.EventPlanCompleted,
	domain.PlanFailed:    domain.EventPlanFailed,
	domain.PlanCancelled: domain.EventPlanCancelled,
}

func (t *Tracker) publish(p *domain.Plan, typ domain.EventType, data map[string]any) {
	if t.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(p.Status)
	data["step"] = IsStep(p)
	t.bus.Publish(domain.NewEvent(p.SessionID, typ, data).WithPlan(p.ID))
}

func summarize(results []domain.ToolExecutionResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		out[i] = map[string]any{
			"call_id":  r.CallID,
			"tool":     r.Tool,
			"outcome":  string(r.Outcome),
			"attempts": r.Attempts,
		}
	}
	return out
}

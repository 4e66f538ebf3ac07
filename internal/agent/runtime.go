// Package agent drives the agentic loop: it asks the model what to do,
// routes proposed tool calls through authorization, executes what is
// allowed and feeds results back until the model answers.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/conversation"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/executor"
	"github.com/ashureev/agentrun/internal/llm"
	"github.com/ashureev/agentrun/internal/metrics"
	"github.com/ashureev/agentrun/internal/plan"
	"github.com/ashureev/agentrun/internal/session"
)

// Publisher receives turn events.
type Publisher interface {
	Publish(ev domain.Event) domain.Event
}

// Deps are the collaborators of a Runtime. Budget, Bus and Metrics are optional.
type Deps struct {
	Sessions     *session.Manager
	Conversation *conversation.Manager
	Detector     *plan.Detector
	Plans        *plan.Tracker
	Executor     *executor.Executor
	Catalog      *catalog.Catalog
	Model        llm.Model
	Budget       *authz.CallBudget
	Bus          Publisher
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Runtime runs turns. It holds no goroutine for a plan awaiting approval;
// everything needed to resume is in the durable store.
type Runtime struct {
	sessions *session.Manager
	conv     *conversation.Manager
	detector *plan.Detector
	plans    *plan.Tracker
	exec     *executor.Executor
	catalog  *catalog.Catalog
	model    llm.Model
	budget   *authz.CallBudget
	bus      Publisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      Config

	queue  *turnQueue
	mu     sync.Mutex
	active map[string]*turn
}

// New creates a runtime.
func New(d Deps, cfg Config) (*Runtime, error) {
	switch {
	case d.Sessions == nil:
		return nil, errors.New("agent: session manager is required")
	case d.Conversation == nil:
		return nil, errors.New("agent: conversation manager is required")
	case d.Detector == nil || d.Plans == nil:
		return nil, errors.New("agent: plan detector and tracker are required")
	case d.Executor == nil || d.Catalog == nil:
		return nil, errors.New("agent: executor and catalog are required")
	case d.Model == nil:
		return nil, errors.New("agent: model is required")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		sessions: d.Sessions,
		conv:     d.Conversation,
		detector: d.Detector,
		plans:    d.Plans,
		exec:     d.Executor,
		catalog:  d.Catalog,
		model:    d.Model,
		budget:   d.Budget,
		bus:      d.Bus,
		metrics:  d.Metrics,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		queue:    newTurnQueue(),
		active:   make(map[string]*turn),
	}, nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Run appends a user message and runs the loop until the model answers, a
// plan needs approval, the turn is cancelled or the iteration cap is hit.
// Plans still waiting for approval are superseded by the new message.
func (r *Runtime) Run(ctx context.Context, sessionID, principal, content string) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := r.owned(ctx, sessionID, principal); err != nil {
		return nil, err
	}

	release, err := r.queue.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := r.sessions.Touch(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := r.supersede(ctx, sessionID); err != nil {
		return nil, err
	}

	msg, err := r.conv.Append(ctx, sessionID, domain.Message{Role: domain.RoleUser, Content: content})
	if err != nil {
		return nil, err
	}

	t := r.begin(sessionID)
	defer r.end(sessionID, t)

	r.publish(sessionID, domain.EventTurnStarted, map[string]any{"message_seq": msg.Seq})
	r.logger.Info("turn started", "session_id", sessionID, "message_seq", msg.Seq)
	return r.loop(ctx, *s, t, 0)
}

// Approve executes a proposed plan's calls exactly as proposed and resumes
// the loop with the iterations the turn had left.
func (r *Runtime) Approve(ctx context.Context, planID, principal string) (*Result, error) {
	p, err := r.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if _, err := r.owned(ctx, p.SessionID, principal); err != nil {
		return nil, err
	}

	release, err := r.queue.acquire(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := r.sessions.Touch(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	p, err = r.plans.Approve(ctx, planID, domain.PrincipalActor(principal))
	if err != nil {
		return nil, err
	}

	t := r.begin(s.ID)
	defer r.end(s.ID, t)

	r.publish(s.ID, domain.EventTurnStarted, map[string]any{"plan_id": p.ID, "resumed": true})
	r.logger.Info("plan approved, resuming turn", "session_id", s.ID, "plan_id", p.ID, "iteration", p.Iteration)

	if res, err := r.execute(ctx, *s, p, t); err != nil || res != nil {
		return res, err
	}
	return r.loop(ctx, *s, t, p.Iteration+1)
}

// Reject closes a proposed plan without running it. The loop is not resumed.
func (r *Runtime) Reject(ctx context.Context, planID, principal, reason string) (*Result, error) {
	p, err := r.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if _, err := r.owned(ctx, p.SessionID, principal); err != nil {
		return nil, err
	}

	release, err := r.queue.acquire(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := r.sessions.Touch(ctx, p.SessionID); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by principal"
	}
	p, err = r.plans.Reject(ctx, planID, domain.PrincipalActor(principal), reason)
	if err != nil {
		return nil, err
	}
	if err := r.appendRefusals(ctx, p.SessionID, p.Calls, "rejected", reason); err != nil {
		return nil, err
	}

	r.metrics.TurnFinished(string(StatusRejected))
	r.logger.Info("plan rejected", "session_id", p.SessionID, "plan_id", p.ID, "reason", reason)
	return &Result{SessionID: p.SessionID, Status: StatusRejected, PlanID: p.ID, Iterations: p.Iteration + 1}, nil
}

// Cancel stops the session's active turn at its next checkpoint and cancels
// every plan still waiting for approval. Tool calls already dispatched run
// to completion. It reports whether anything was cancelled.
func (r *Runtime) Cancel(ctx context.Context, sessionID, principal string) (bool, error) {
	if _, err := r.owned(ctx, sessionID, principal); err != nil {
		return false, err
	}
	actor := domain.PrincipalActor(principal)

	cancelled := false
	r.mu.Lock()
	if t, ok := r.active[sessionID]; ok {
		t.cancel(actor)
		cancelled = true
	}
	r.mu.Unlock()
	flagged := cancelled

	release, err := r.queue.acquire(ctx, sessionID)
	if err != nil {
		return cancelled, err
	}
	defer release()

	pending, err := r.plans.Pending(ctx, sessionID)
	if err != nil {
		return cancelled, err
	}
	var planIDs []string
	for _, p := range pending {
		if _, err := r.plans.Cancel(ctx, p.ID, actor, "cancelled by principal"); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return cancelled, err
		}
		if err := r.appendRefusals(ctx, sessionID, p.Calls, "cancelled", "cancelled by principal"); err != nil {
			return true, err
		}
		planIDs = append(planIDs, p.ID)
		cancelled = true
	}
	// A flagged turn reports its own cancellation.
	if len(planIDs) > 0 && !flagged {
		r.metrics.TurnFinished(string(StatusCancelled))
		r.publish(sessionID, domain.EventTurnCancelled, map[string]any{
			"actor":    actor,
			"plan_ids": planIDs,
		})
	}
	if cancelled {
		r.logger.Info("session work cancelled", "session_id", sessionID, "actor", actor)
	}
	return cancelled, nil
}

// Forget drops per-session state. It is registered as a session close callback.
func (r *Runtime) Forget(sessionID string) {
	r.queue.forget(sessionID)
	r.mu.Lock()
	if t, ok := r.active[sessionID]; ok {
		t.cancel(domain.ActorSystem)
	}
	r.mu.Unlock()
}

// owned loads the session and checks that principal may act on it. An empty
// principal skips the check for internal callers.
func (r *Runtime) owned(ctx context.Context, sessionID, principal string) (*domain.Session, error) {
	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.IsClosed() {
		return nil, session.ErrClosed
	}
	if principal != "" && s.Principal != principal {
		return nil, ErrForbidden
	}
	return s, nil
}

// supersede cancels plans left waiting by an earlier turn and closes any
// tool call the transcript still has open, so the new message starts from
// a well-formed transcript.
func (r *Runtime) supersede(ctx context.Context, sessionID string) error {
	pending, err := r.plans.Pending(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if _, err := r.plans.Cancel(ctx, p.ID, domain.ActorSystem, "superseded"); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
			return err
		}
	}

	open, err := r.conv.UnresolvedCalls(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		return r.appendRefusals(ctx, sessionID, open, "superseded", "superseded by a new user message")
	}
	return nil
}

func (r *Runtime) begin(sessionID string) *turn {
	t := &turn{}
	r.mu.Lock()
	r.active[sessionID] = t
	r.mu.Unlock()
	return t
}

func (r *Runtime) end(sessionID string, t *turn) {
	r.mu.Lock()
	if r.active[sessionID] == t {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
}

func (r *Runtime) publish(sessionID string, typ domain.EventType, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(domain.NewEvent(sessionID, typ, data))
}

func (r *Runtime) fail(sessionID string, iteration int, err error) error {
	r.metrics.TurnFinished("failed")
	r.publish(sessionID, domain.EventTurnFailed, map[string]any{
		"iteration": iteration,
		"error":     err.Error(),
	})
	r.logger.Error("turn failed", "session_id", sessionID, "iteration", iteration, "error", err)
	return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/llm"
)

// loop runs iterations start..MaxIterations-1 of a turn.
func (r *Runtime) loop(ctx context.Context, s domain.Session, t *turn, start int) (*Result, error) {
	for iter := start; iter < r.cfg.MaxIterations; iter++ {
		if t.isCancelled() {
			return r.cancelled(s.ID, t, iter), nil
		}
		// Autonomy may have changed between iterations.
		if cur, err := r.sessions.Get(ctx, s.ID); err == nil {
			s = *cur
		}
		if s.IsClosed() {
			t.cancel(domain.ActorSystem)
			return r.cancelled(s.ID, t, iter), nil
		}

		view, err := r.conv.Transcript(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		began := time.Now()
		resp, err := r.model.Complete(ctx, llm.Request{
			SessionID: s.ID,
			Messages:  r.withSystemPrompt(view),
			Tools:     r.catalog.Schemas(),
		})
		r.metrics.ModelCall(time.Since(began), err)
		if err != nil {
			return nil, r.fail(s.ID, iter, err)
		}
		if t.isCancelled() {
			return r.cancelled(s.ID, t, iter), nil
		}

		if !resp.HasToolCalls() {
			return r.answer(ctx, s.ID, resp.Content, iter)
		}

		calls, screened := r.screen(resp.ToolCalls)
		msg, err := r.conv.Append(ctx, s.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})
		if err != nil {
			return nil, err
		}

		runnable := make([]domain.ToolCall, 0, len(calls))
		for _, c := range calls {
			if _, bad := screened[c.ID]; !bad {
				runnable = append(runnable, c)
			}
		}
		for _, c := range calls {
			if res, bad := screened[c.ID]; bad {
				r.publish(s.ID, domain.EventToolRejected, map[string]any{
					"call_id":    c.ID,
					"tool":       c.Name,
					"error_kind": res.ErrorKind,
					"error":      res.Error,
				})
			}
		}
		if err := r.appendScreened(ctx, s.ID, calls, screened); err != nil {
			return nil, err
		}
		if len(runnable) == 0 {
			continue
		}
		r.sequence(runnable)

		p, verdicts, err := r.detector.Detect(s, runnable, msg.Seq, iter)
		if err != nil {
			return nil, err
		}
		if err := r.plans.Create(ctx, p); err != nil {
			return nil, err
		}

		switch p.Decision {
		case domain.DecisionAutoExecute:
			if p, err = r.plans.Approve(ctx, p.ID, domain.ActorSystem); err != nil {
				return nil, err
			}
			res, err := r.execute(ctx, s, p, t)
			if err != nil || res != nil {
				return res, err
			}
		case domain.DecisionRequireApproval:
			r.metrics.TurnFinished(string(StatusAwaitingApproval))
			r.logger.Info("plan awaiting approval",
				"session_id", s.ID,
				"plan_id", p.ID,
				"risk", p.Risk.String(),
				"calls", len(p.Calls))
			return &Result{SessionID: s.ID, Status: StatusAwaitingApproval, PlanID: p.ID, Iterations: iter + 1}, nil
		default:
			if err := r.deny(ctx, s, p, verdicts); err != nil {
				return nil, err
			}
		}
	}

	r.metrics.TurnFinished(string(StatusMaxIterations))
	r.publish(s.ID, domain.EventTurnMaxIterations, map[string]any{"iterations": r.cfg.MaxIterations})
	r.logger.Warn("turn reached iteration limit", "session_id", s.ID, "iterations", r.cfg.MaxIterations)
	return &Result{SessionID: s.ID, Status: StatusMaxIterations, Iterations: r.cfg.MaxIterations}, ErrMaxIterations
}

func (r *Runtime) withSystemPrompt(view []domain.Message) []domain.Message {
	if r.cfg.SystemPrompt == "" {
		return view
	}
	out := make([]domain.Message, 0, len(view)+1)
	out = append(out, domain.Message{Role: domain.RoleSystem, Content: r.cfg.SystemPrompt})
	return append(out, view...)
}

func (r *Runtime) answer(ctx context.Context, sessionID, content string, iter int) (*Result, error) {
	msg, err := r.conv.Append(ctx, sessionID, domain.Message{Role: domain.RoleAssistant, Content: content})
	if err != nil {
		return nil, err
	}
	r.publish(sessionID, domain.EventFinalAnswer, map[string]any{
		"content":     content,
		"message_seq": msg.Seq,
	})
	r.publish(sessionID, domain.EventTurnCompleted, map[string]any{
		"status":     string(StatusAnswered),
		"iterations": iter + 1,
	})
	r.metrics.TurnFinished(string(StatusAnswered))
	r.logger.Info("turn answered", "session_id", sessionID, "iterations", iter+1)
	return &Result{SessionID: sessionID, Status: StatusAnswered, Answer: content, Iterations: iter + 1}, nil
}

func (r *Runtime) cancelled(sessionID string, t *turn, iter int) *Result {
	r.metrics.TurnFinished(string(StatusCancelled))
	r.publish(sessionID, domain.EventTurnCancelled, map[string]any{
		"actor":     t.actor(),
		"iteration": iter,
	})
	r.logger.Info("turn cancelled", "session_id", sessionID, "actor", t.actor(), "iteration", iter)
	return &Result{SessionID: sessionID, Status: StatusCancelled, Iterations: iter}
}

// screen decodes each call's arguments and flags calls that cannot run:
// unknown tools, malformed arguments and missing required parameters.
func (r *Runtime) screen(in []domain.ToolCall) ([]domain.ToolCall, map[string]domain.ToolExecutionResult) {
	calls := make([]domain.ToolCall, len(in))
	screened := make(map[string]domain.ToolExecutionResult)
	reject := func(c domain.ToolCall, err *catalog.Error) {
		screened[c.ID] = domain.ToolExecutionResult{
			CallID:    c.ID,
			Tool:      c.Name,
			Outcome:   domain.OutcomeError,
			ErrorKind: string(err.Kind),
			Error:     err.Error(),
		}
	}

	for i, c := range in {
		calls[i] = c
		tool, ok := r.catalog.Lookup(c.Name)
		if !ok {
			reject(c, catalog.NotFound("unknown tool %q", c.Name))
			continue
		}
		args := c.Arguments
		if args == nil {
			decoded, err := catalog.DecodeArguments(c.RawArguments)
			if err != nil {
				var ce *catalog.Error
				if !errors.As(err, &ce) {
					ce = catalog.InvalidArgument("%v", err)
				}
				reject(c, ce)
				continue
			}
			args = decoded
		}
		if missing := catalog.MissingRequired(tool.Parameters, args); len(missing) > 0 {
			reject(c, catalog.InvalidArgument("missing required arguments %v", missing))
			continue
		}
		calls[i].Arguments = args
		calls[i].Risk = tool.Risk
	}
	return calls, screened
}

// sequence makes each call to a sequential tool depend on every call
// proposed before it, on top of what the model declared.
func (r *Runtime) sequence(calls []domain.ToolCall) {
	for i := 1; i < len(calls); i++ {
		tool, ok := r.catalog.Lookup(calls[i].Name)
		if !ok || !tool.Sequential {
			continue
		}
		deps := slices.Clone(calls[i].DependsOn)
		for _, prior := range calls[:i] {
			if !slices.Contains(deps, prior.ID) {
				deps = append(deps, prior.ID)
			}
		}
		calls[i].DependsOn = deps
	}
}

// execute runs an approved plan. A non-nil Result means the turn ended.
func (r *Runtime) execute(ctx context.Context, s domain.Session, p *domain.Plan, t *turn) (*Result, error) {
	// Recording results must outlive a caller that went away mid-batch.
	pctx := context.WithoutCancel(ctx)

	if t.isCancelled() {
		if _, err := r.plans.Cancel(pctx, p.ID, t.actor(), "cancelled by principal"); err != nil {
			return nil, err
		}
		if err := r.appendRefusals(pctx, s.ID, p.Calls, "cancelled", "cancelled by principal"); err != nil {
			return nil, err
		}
		return r.cancelled(s.ID, t, p.Iteration), nil
	}

	p, err := r.plans.StartExecution(pctx, p.ID)
	if err != nil {
		return nil, err
	}
	results := r.exec.ExecuteBatch(pctx, s.ID, p.Calls)
	r.consumeBudget(s.ID, p.Calls, results)

	if t.isCancelled() {
		if _, err := r.plans.Cancel(pctx, p.ID, t.actor(), "cancelled by principal"); err != nil {
			return nil, err
		}
		if err := r.appendRefusals(pctx, s.ID, p.Calls, "discarded", "turn cancelled while the call was running; its result was discarded"); err != nil {
			return nil, err
		}
		return r.cancelled(s.ID, t, p.Iteration), nil
	}

	failed := 0
	for _, res := range results {
		if !res.Succeeded() {
			failed++
		}
	}
	if failed == 0 {
		_, err = r.plans.Complete(pctx, p.ID, results)
	} else {
		_, err = r.plans.Fail(pctx, p.ID, results, fmt.Sprintf("%d of %d calls failed", failed, len(results)))
	}
	if err != nil {
		return nil, err
	}
	return nil, r.appendResults(pctx, s.ID, results)
}

func (r *Runtime) consumeBudget(sessionID string, calls []domain.ToolCall, results []domain.ToolExecutionResult) {
	if r.budget == nil {
		return
	}
	for i, c := range calls {
		if c.Risk == domain.RiskCritical && results[i].Attempts > 0 {
			r.budget.Consume(sessionID)
		}
	}
}

func (r *Runtime) deny(ctx context.Context, s domain.Session, p *domain.Plan, verdicts []authz.Verdict) error {
	const reason = "denied by authorization policy"
	if _, err := r.plans.Reject(ctx, p.ID, domain.ActorSystem, reason); err != nil {
		return err
	}

	calls := make([]map[string]any, len(verdicts))
	for i, v := range verdicts {
		calls[i] = map[string]any{
			"call_id":  v.CallID,
			"tool":     v.Tool,
			"risk":     v.Risk.String(),
			"decision": v.Decision.String(),
		}
	}
	if r.bus != nil {
		r.bus.Publish(domain.NewEvent(s.ID, domain.EventAuthorizationDenied, map[string]any{
			"risk":     p.Risk.String(),
			"autonomy": s.Autonomy.String(),
			"calls":    calls,
		}).WithPlan(p.ID))
	}
	r.logger.Warn("plan denied", "session_id", s.ID, "plan_id", p.ID, "risk", p.Risk.String(), "autonomy", s.Autonomy.String())
	return r.appendRefusals(ctx, s.ID, p.Calls, "denied", reason)
}

func (r *Runtime) appendScreened(ctx context.Context, sessionID string, calls []domain.ToolCall, screened map[string]domain.ToolExecutionResult) error {
	for _, c := range calls {
		res, bad := screened[c.ID]
		if !bad {
			continue
		}
		if err := r.appendResult(ctx, sessionID, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) appendResults(ctx context.Context, sessionID string, results []domain.ToolExecutionResult) error {
	for _, res := range results {
		if err := r.appendResult(ctx, sessionID, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) appendResult(ctx context.Context, sessionID string, res domain.ToolExecutionResult) error {
	_, err := r.conv.Append(ctx, sessionID, domain.Message{
		Role:       domain.RoleToolResult,
		ToolCallID: res.CallID,
		Content:    resultContent(res),
	})
	return err
}

// appendRefusals gives every call a synthetic result so each tool call in
// the transcript is answered.
func (r *Runtime) appendRefusals(ctx context.Context, sessionID string, calls []domain.ToolCall, status, reason string) error {
	for _, c := range calls {
		content, _ := json.Marshal(map[string]string{"status": status, "reason": reason})
		if _, err := r.conv.Append(ctx, sessionID, domain.Message{
			Role:       domain.RoleToolResult,
			ToolCallID: c.ID,
			Content:    string(content),
		}); err != nil {
			return err
		}
	}
	return nil
}

func resultContent(res domain.ToolExecutionResult) string {
	if res.Succeeded() {
		if len(res.Payload) == 0 {
			return "{}"
		}
		return string(res.Payload)
	}
	b, _ := json.Marshal(map[string]any{
		"outcome":    string(res.Outcome),
		"error_kind": res.ErrorKind,
		"error":      res.Error,
		"attempts":   res.Attempts,
	})
	return string(b)
}

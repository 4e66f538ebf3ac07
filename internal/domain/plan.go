package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a plan is asked to move to a state
// its current state does not lead to.
var ErrInvalidTransition = errors.New("invalid plan transition")

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanProposed  PlanStatus = "proposed"
	PlanApproved  PlanStatus = "approved"
	PlanRejected  PlanStatus = "rejected"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanProposed:  {PlanApproved, PlanRejected, PlanCancelled},
	PlanApproved:  {PlanExecuting, PlanCancelled},
	PlanExecuting: {PlanCompleted, PlanFailed, PlanCancelled},
}

// Terminal returns true for states that never change again.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanRejected, PlanCompleted, PlanFailed, PlanCancelled:
		return true
	}
	return false
}

// InFlight returns true while the plan still holds on to its proposing message.
func (s PlanStatus) InFlight() bool {
	return s == PlanProposed || s == PlanApproved || s == PlanExecuting
}

// CanTransition reports whether from -> to is a legal plan transition.
func CanTransition(from, to PlanStatus) bool {
	for _, next := range planTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected plan transition.
type TransitionError struct {
	PlanID string
	From   PlanStatus
	To     PlanStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plan %s: cannot move from %s to %s", e.PlanID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ActorSystem is the actor recorded for decisions the runtime makes on its own.
const ActorSystem = "system"

// PrincipalActor returns the actor string for a human principal.
func PrincipalActor(principal string) string {
	return "principal:" + principal
}

// Plan is a batch of tool calls proposed by the model in one response,
// together with the authorization decision made when it was detected.
type Plan struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"session_id"`
	Calls      []ToolCall            `json:"calls"`
	Risk       RiskLevel             `json:"risk"`
	Decision   Decision              `json:"decision"`
	Status     PlanStatus            `json:"status"`
	Iteration  int                   `json:"iteration"`
	MessageSeq int64                 `json:"message_seq"`
	ResolvedBy string                `json:"resolved_by,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Results    []ToolExecutionResult `json:"results,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
	ResolvedAt *time.Time            `json:"resolved_at,omitempty"`
}

// Transition moves p to the given status, or returns a *TransitionError.
func (p *Plan) Transition(to PlanStatus, now time.Time) error {
	if !CanTransition(p.Status, to) {
		return &TransitionError{PlanID: p.ID, From: p.Status, To: to}
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// CallIDs returns the ids of the plan's calls in order.
func (p *Plan) CallIDs() []string {
	ids := make([]string, len(p.Calls))
	for i, c := range p.Calls {
		ids[i] = c.ID
	}
	return ids
}

// Clone returns a deep enough copy for callers that mutate slices.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Calls = append([]ToolCall(nil), p.Calls...)
	c.Results = append([]ToolExecutionResult(nil), p.Results...)
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

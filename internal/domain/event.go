package domain

import (
	"time"
)

// EventType names a kind of runtime event.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"
	EventSessionIdle    EventType = "session.idle"
	EventSessionClosed  EventType = "session.closed"

	EventTurnStarted       EventType = "turn.started"
	EventTurnCompleted     EventType = "turn.completed"
	EventTurnFailed        EventType = "turn.failed"
	EventTurnMaxIterations EventType = "turn.max_iterations"
	EventTurnCancelled     EventType = "turn.cancelled"

	EventMessageAppended  EventType = "message.appended"
	EventContextTruncated EventType = "context.truncated"

	EventPlanProposed  EventType = "plan.proposed"
	EventPlanApproved  EventType = "plan.approved"
	EventPlanRejected  EventType = "plan.rejected"
	EventPlanExecuting EventType = "plan.executing"
	EventPlanCompleted EventType = "plan.completed"
	EventPlanFailed    EventType = "plan.failed"
	EventPlanCancelled EventType = "plan.cancelled"

	EventAuthorizationDenied EventType = "authorization.denied"

	EventToolRejected  EventType = "tool.rejected"
	EventToolStarted   EventType = "tool.started"
	EventToolAttempt   EventType = "tool.attempt"
	EventToolSucceeded EventType = "tool.succeeded"
	EventToolFailed    EventType = "tool.failed"

	EventFinalAnswer EventType = "final_answer"
)

// Event is an immutable record of something that happened in a session.
// ID, Seq and Timestamp are assigned by the bus at publish time.
type Event struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	PlanID    string         `json:"plan_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an unpublished event.
func NewEvent(sessionID string, typ EventType, data map[string]any) Event {
	return Event{SessionID: sessionID, Type: typ, Data: data}
}

// WithPlan returns a copy of e tagged with the plan id.
func (e Event) WithPlan(planID string) Event {
	e.PlanID = planID
	return e
}

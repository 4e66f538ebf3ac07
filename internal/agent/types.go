package agent

import (
	"errors"
)

var (
	// ErrMaxIterations is returned with a Result when a turn ran out of
	// iterations without a final answer. The session stays usable.
	ErrMaxIterations = errors.New("turn reached the iteration limit without a final answer")
	// ErrModelUnavailable is returned when the language model call failed.
	ErrModelUnavailable = errors.New("language model unavailable")
	// ErrForbidden is returned when a principal acts on another principal's session.
	ErrForbidden = errors.New("session belongs to another principal")
	// ErrEmptyMessage is returned for a user message without content.
	ErrEmptyMessage = errors.New("message content is empty")
)

// Status is how a turn ended.
type Status string

const (
	// StatusAnswered means the model produced a final answer.
	StatusAnswered Status = "answered"
	// StatusAwaitingApproval means a plan waits for the principal.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusRejected means the principal rejected the pending plan.
	StatusRejected Status = "rejected"
	// StatusCancelled means the principal cancelled the turn.
	StatusCancelled Status = "cancelled"
	// StatusMaxIterations means the iteration cap was reached.
	StatusMaxIterations Status = "max_iterations"
)

// Result describes how a Run, Approve or Reject call ended.
type Result struct {
	SessionID  string `json:"session_id"`
	Status     Status `json:"status"`
	Answer     string `json:"answer,omitempty"`
	PlanID     string `json:"plan_id,omitempty"`
	Iterations int    `json:"iterations"`
}

// Config holds agent configuration.
type Config struct {
	MaxIterations int
	SystemPrompt  string
}

// DefaultSystemPrompt frames the model as a tool-using assistant.
const DefaultSystemPrompt = "You are an assistant that completes the user's request by calling the tools you are given. " +
	"Call tools only when needed. When a tool result reports an error, adjust or explain. " +
	"When you have everything you need, answer in plain text without calling tools."

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 5,
		SystemPrompt:  DefaultSystemPrompt,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	return c
}

package domain

import (
	"encoding/json"
	"time"
)

// ToolCall is a request, proposed by the language model, to run a named tool.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
	Risk         RiskLevel      `json:"risk"`
	DependsOn    []string       `json:"depends_on,omitempty"`
}

// Outcome is the final result class of a tool execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// ToolExecutionResult records how a single tool call ended.
type ToolExecutionResult struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Outcome   Outcome         `json:"outcome"`
	Attempts  int             `json:"attempts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// Succeeded returns true if the call completed successfully.
func (r *ToolExecutionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

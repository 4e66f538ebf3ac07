package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool-result"
)

// Message is one entry of a session transcript.
type Message struct {
	Seq        int64      `json:"seq"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Tokens     int        `json:"tokens"`
	Timestamp  time.Time  `json:"timestamp"`
}

// HasToolCalls returns true if the message proposes tool calls.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

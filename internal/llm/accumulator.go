package llm

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/agentrun/internal/domain"
)

// ToolCallDelta is one streamed fragment of a tool call. Fragments with
// the same Index belong to the same call; Arguments fragments concatenate.
// DependsOn lists ids of calls in the same response that must finish first.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	DependsOn []string
}

// Accumulator buffers streamed text and tool-call fragments. It is not
// safe for concurrent use.
type Accumulator struct {
	text  strings.Builder
	calls map[int]*domain.ToolCall
	args  map[int]*strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		calls: make(map[int]*domain.ToolCall),
		args:  make(map[int]*strings.Builder),
	}
}

// AddText appends a text fragment.
func (a *Accumulator) AddText(s string) {
	a.text.WriteString(s)
}

// AddToolCall merges a tool-call fragment.
func (a *Accumulator) AddToolCall(d ToolCallDelta) {
	call, ok := a.calls[d.Index]
	if !ok {
		call = &domain.ToolCall{}
		a.calls[d.Index] = call
		a.args[d.Index] = &strings.Builder{}
	}
	if d.ID != "" {
		call.ID = d.ID
	}
	if d.Name != "" {
		call.Name = d.Name
	}
	a.args[d.Index].WriteString(d.Arguments)
	call.DependsOn = append(call.DependsOn, d.DependsOn...)
}

// Response assembles everything received so far. Calls are ordered by
// index; calls the model sent without an id get a generated one.
func (a *Accumulator) Response() *Response {
	resp := &Response{Content: a.text.String()}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := *a.calls[i]
		call.RawArguments = a.args[i].String()
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		resp.ToolCalls = append(resp.ToolCalls, call)
	}
	return resp
}

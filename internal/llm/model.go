// Package llm connects the runtime to a language model. Adapters stream the
// model's output, buffer it in an Accumulator and only hand back a
// structural Response once the stream has ended.
package llm

import (
	"context"
	"errors"

	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
)

// ErrUnavailable wraps transport and API failures talking to the model.
var ErrUnavailable = errors.New("language model unavailable")

// Request is one model call.
type Request struct {
	SessionID string
	Messages  []domain.Message
	Tools     []catalog.Schema
}

// Response is the model's complete answer: plain text, tool calls, or both.
// Tool calls carry RawArguments only; decoding is the caller's job.
type Response struct {
	Content   string
	ToolCalls []domain.ToolCall
}

// HasToolCalls reports whether the model proposed any tool call.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Model produces completions.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f ModelFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

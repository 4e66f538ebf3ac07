// Package conversation maintains the append-only transcript of each
// session and the token-bounded view of it that is sent to the model.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agentrun/internal/domain"
)

// DefaultMaxTokens bounds the windowed transcript when no limit is configured.
const DefaultMaxTokens = 8000

// messageOverhead is added to every message's token estimate for role and framing.
const messageOverhead = 4

// Store persists transcript messages.
type Store interface {
	AppendMessage(ctx context.Context, m domain.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// PinSource reports message sequence numbers that must stay in the window,
// typically those referenced by plans still in flight.
type PinSource interface {
	PinnedMessages(ctx context.Context, sessionID string) ([]int64, error)
}

// Summarizer condenses messages dropped from the window into one note.
type Summarizer interface {
	Summarize(ctx context.Context, dropped []domain.Message) (string, error)
}

// Publisher receives transcript events.
type Publisher interface {
	Publish(ev domain.Event) domain.Event
}

type transcript struct {
	mu       sync.Mutex
	loaded   bool
	messages []domain.Message
	omitted  int
}

// Manager appends to and windows session transcripts.
type Manager struct {
	store      Store
	bus        Publisher
	pins       PinSource
	summarizer Summarizer
	maxTokens  int
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	logs map[string]*transcript
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where transcript events go.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

// WithPinSource protects messages referenced by in-flight plans.
func WithPinSource(p PinSource) Option {
	return func(m *Manager) { m.pins = p }
}

// WithSummarizer replaces the fixed truncation notice with a summary.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithMaxTokens sets the window size.
func WithMaxTokens(n int) Option {
	return func(m *Manager) { m.maxTokens = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a conversation manager.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		maxTokens: DefaultMaxTokens,
		logger:    slog.Default(),
		now:       time.Now,
		logs:      make(map[string]*transcript),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPinSource sets the pin source after construction, for wiring cycles.
func (m *Manager) SetPinSource(p PinSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins = p
}

// EstimateTokens approximates the token count of a message: characters
// divided by four, rounded up, plus a fixed per-message overhead.
func EstimateTokens(msg domain.Message) int {
	chars := utf8.RuneCountInString(msg.Content)
	for _, c := range msg.ToolCalls {
		chars += utf8.RuneCountInString(c.Name) + utf8.RuneCountInString(c.RawArguments)
	}
	return (chars+3)/4 + messageOverhead
}

// transcript returns the session's transcript, loading it from the store on
// first use. On success the transcript is returned locked.
func (m *Manager) transcript(ctx context.Context, sessionID string) (*transcript, error) {
	m.mu.Lock()
	t, ok := m.logs[sessionID]
	if !ok {
		t = &transcript{}
		m.logs[sessionID] = t
	}
	m.mu.Unlock()

	t.mu.Lock()
	if !t.loaded {
		msgs, err := m.store.ListMessages(ctx, sessionID)
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("load transcript %s: %w", sessionID, err)
		}
		t.messages = msgs
		t.loaded = true
	}
	return t, nil
}

// Append assigns the next sequence number, timestamp and token estimate to
// msg, persists it and publishes message.appended.
func (m *Manager) Append(ctx context.Context, sessionID string, msg domain.Message) (domain.Message, error) {
	t, err := m.transcript(ctx, sessionID)
	if err != nil {
		return domain.Message{}, err
	}
	defer t.mu.Unlock()

	var last int64
	if n := len(t.messages); n > 0 {
		last = t.messages[n-1].Seq
	}
	msg.SessionID = sessionID
	msg.Seq = last + 1
	msg.Timestamp = m.now().UTC()
	msg.Tokens = EstimateTokens(msg)

	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	t.messages = append(t.messages, msg)

	if m.bus != nil {
		data := map[string]any{
			"seq":     msg.Seq,
			"role":    string(msg.Role),
			"content": msg.Content,
			"tokens":  msg.Tokens,
		}
		if msg.ToolCallID != "" {
			data["tool_call_id"] = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			data["tool_calls"] = msg.ToolCalls
		}
		m.bus.Publish(domain.NewEvent(sessionID, domain.EventMessageAppended, data))
	}
	return msg, nil
}

// History returns the full transcript.
func (m *Manager) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	t, err := m.transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	return append([]domain.Message(nil), t.messages...), nil
}

// UnresolvedCalls lists assistant tool calls that have no tool-result yet,
// in transcript order.
func (m *Manager) UnresolvedCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error) {
	history, err := m.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	answered := make(map[string]bool)
	for _, msg := range history {
		if msg.Role == domain.RoleToolResult {
			answered[msg.ToolCallID] = true
		}
	}
	var out []domain.ToolCall
	for _, msg := range history {
		if !msg.HasToolCalls() {
			continue
		}
		for _, c := range msg.ToolCalls {
			if !answered[c.ID] {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// Forget drops the in-memory copy of a session's transcript.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, sessionID)
}

// Transcript returns the view of the transcript that fits the token
// window. When the full transcript is too large, the oldest droppable
// messages are replaced by a single system note.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]domain.Message, error) {
	t, err := m.transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := append([]domain.Message(nil), t.messages...)
	prevOmitted := t.omitted
	t.mu.Unlock()

	var pinned []int64
	m.mu.Lock()
	pins := m.pins
	m.mu.Unlock()
	if pins != nil {
		if pinned, err = pins.PinnedMessages(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("load pinned messages: %w", err)
		}
	}

	view, dropped := window(msgs, m.maxTokens, pinned, m.notice)
	if len(dropped) == 0 {
		return view, nil
	}
	if m.summarizer != nil {
		view = m.summarize(ctx, sessionID, view, dropped)
	}

	t.mu.Lock()
	grew := len(dropped) > t.omitted
	if grew {
		t.omitted = len(dropped)
	}
	t.mu.Unlock()
	if grew && m.bus != nil {
		m.bus.Publish(domain.NewEvent(sessionID, domain.EventContextTruncated, map[string]any{
			"omitted":          len(dropped),
			"previous_omitted": prevOmitted,
			"max_tokens":       m.maxTokens,
		}))
	}
	return view, nil
}

func (m *Manager) notice(n int) string {
	return fmt.Sprintf("[%d earlier messages were omitted to fit the context window]", n)
}

// summarize swaps the fixed notice for a summary when the summarizer succeeds.
func (m *Manager) summarize(ctx context.Context, sessionID string, view, dropped []domain.Message) []domain.Message {
	summary, err := m.summarizer.Summarize(ctx, dropped)
	if err != nil || summary == "" {
		if err != nil {
			m.logger.Warn("transcript summarization failed, using notice", "session_id", sessionID, "error", err)
		}
		return view
	}
	for i := range view {
		if view[i].Role == domain.RoleSystem && view[i].Seq == 0 {
			view[i].Content = summary
			view[i].Tokens = EstimateTokens(view[i])
			break
		}
	}
	return view
}

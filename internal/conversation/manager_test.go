package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/store"
)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ev domain.Event) domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return ev
}

func (b *recordingBus) count(typ domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type staticPins []int64

func (p staticPins) PinnedMessages(context.Context, string) ([]int64, error) {
	return p, nil
}

type fixedSummarizer string

func (s fixedSummarizer) Summarize(context.Context, []domain.Message) (string, error) {
	return string(s), nil
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []domain.Message) (string, error) {
	return "", errors.New("model offline")
}

// words returns a string of n four-character words, about n+n/4 tokens.
func words(n int) string {
	return strings.TrimSpace(strings.Repeat("abc ", n))
}

func appendAll(t *testing.T, m *Manager, sessionID string, msgs ...domain.Message) []domain.Message {
	t.Helper()
	out := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		got, err := m.Append(context.Background(), sessionID, msg)
		require.NoError(t, err)
		out = append(out, got)
	}
	return out
}

func seqs(msgs []domain.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestAppendAssignsSequenceAndPersists(t *testing.T) {
	repo := store.NewMemory()
	bus := &recordingBus{}
	m := NewManager(repo, WithPublisher(bus))

	got := appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: "hello"},
		domain.Message{Role: domain.RoleAssistant, Content: "hi there"},
	)
	assert.Equal(t, []int64{1, 2}, seqs(got))
	assert.Equal(t, "s1", got[0].SessionID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, EstimateTokens(got[0]), got[0].Tokens)

	stored, err := repo.ListMessages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
	assert.Equal(t, 2, bus.count(domain.EventMessageAppended))

	// A fresh manager continues numbering from the store.
	m2 := NewManager(repo)
	next, err := m2.Append(context.Background(), "s1", domain.Message{Role: domain.RoleUser, Content: "again"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Seq)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, messageOverhead, EstimateTokens(domain.Message{}))
	assert.Equal(t, 1+messageOverhead, EstimateTokens(domain.Message{Content: "abcd"}))
	assert.Equal(t, 2+messageOverhead, EstimateTokens(domain.Message{Content: "abcde"}))
	withCall := domain.Message{ToolCalls: []domain.ToolCall{{Name: "search", RawArguments: `{"q":"x"}`}}}
	assert.Equal(t, 4+messageOverhead, EstimateTokens(withCall))
}

func TestTranscriptUnderLimitIsUnchanged(t *testing.T) {
	m := NewManager(store.NewMemory(), WithMaxTokens(1000))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleSystem, Content: "be helpful"},
		domain.Message{Role: domain.RoleUser, Content: "hello"},
	)
	view, err := m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqs(view))
}

func TestTranscriptDropsOldestAndKeepsLatestTurn(t *testing.T) {
	bus := &recordingBus{}
	m := NewManager(store.NewMemory(), WithMaxTokens(120), WithPublisher(bus))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleSystem, Content: "be helpful"},
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleAssistant, Content: words(40)},
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleAssistant, Content: words(10)},
		domain.Message{Role: domain.RoleUser, Content: words(30)},
	)

	view, err := m.Transcript(context.Background(), "s1")
	require.NoError(t, err)

	// System prompt first, then the note, then whatever still fits, always
	// ending with the latest user message.
	require.GreaterOrEqual(t, len(view), 3)
	assert.Equal(t, int64(1), view[0].Seq)
	assert.Equal(t, domain.RoleSystem, view[1].Role)
	assert.Equal(t, int64(0), view[1].Seq)
	assert.Contains(t, view[1].Content, "omitted")
	assert.Equal(t, int64(6), view[len(view)-1].Seq)

	total := 0
	for _, msg := range view {
		total += msg.Tokens
	}
	assert.LessOrEqual(t, total, 120)
	assert.Equal(t, 1, bus.count(domain.EventContextTruncated))

	// Same omission again does not republish.
	_, err = m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, bus.count(domain.EventContextTruncated))

	history, err := m.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 6, "windowing never mutates the log")
}

func TestTranscriptNeverDropsPinnedMessages(t *testing.T) {
	m := NewManager(store.NewMemory(), WithMaxTokens(60), WithPinSource(staticPins{2}))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "checkout", RawArguments: words(40)},
		}},
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleUser, Content: "latest"},
	)

	view, err := m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, seqs(view), int64(2), "pinned message must stay")
	assert.Contains(t, seqs(view), int64(4), "latest turn must stay")
	assert.NotContains(t, seqs(view), int64(1))
}

func TestTranscriptDropsToolCallWithItsResults(t *testing.T) {
	m := NewManager(store.NewMemory(), WithMaxTokens(40))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: words(10)},
		domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "search"}, {ID: "c2", Name: "search"},
		}},
		domain.Message{Role: domain.RoleToolResult, ToolCallID: "c1", Content: words(20)},
		domain.Message{Role: domain.RoleToolResult, ToolCallID: "c2", Content: words(20)},
		domain.Message{Role: domain.RoleAssistant, Content: "done"},
		domain.Message{Role: domain.RoleUser, Content: "next question"},
	)

	view, err := m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	got := seqs(view)
	for _, seq := range []int64{2, 3, 4} {
		assert.NotContains(t, got, seq)
	}
	for _, msg := range view {
		if msg.Role == domain.RoleToolResult {
			t.Fatalf("orphan tool result left in view: %+v", msg)
		}
	}
}

func TestSummarizerReplacesNotice(t *testing.T) {
	m := NewManager(store.NewMemory(), WithMaxTokens(30), WithSummarizer(fixedSummarizer("user asked about shoes")))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleUser, Content: "latest"},
	)
	view, err := m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, view, 2)
	assert.Equal(t, "user asked about shoes", view[0].Content)

	m = NewManager(store.NewMemory(), WithMaxTokens(30), WithSummarizer(failingSummarizer{}))
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: words(40)},
		domain.Message{Role: domain.RoleUser, Content: "latest"},
	)
	view, err = m.Transcript(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, view[0].Content, "omitted")
}

func TestUnresolvedCalls(t *testing.T) {
	m := NewManager(store.NewMemory())
	appendAll(t, m, "s1",
		domain.Message{Role: domain.RoleUser, Content: "buy"},
		domain.Message{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "c1", Name: "search"}, {ID: "c2", Name: "checkout"},
		}},
		domain.Message{Role: domain.RoleToolResult, ToolCallID: "c1", Content: "{}"},
	)
	calls, err := m.UnresolvedCalls(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "c2", calls[0].ID)
}

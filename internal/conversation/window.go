package conversation

import (
	"github.com/ashureev/agentrun/internal/domain"
)

// unit is a run of messages that is kept or dropped together: an assistant
// message with tool calls plus the tool results answering it, or a single
// message.
type unit struct {
	start, end int // half-open range into the transcript
	tokens     int
	droppable  bool
}

// window selects the messages that fit maxTokens. System messages, the
// latest turn (from the last user message on) and pinned messages are never
// dropped. The returned view carries a system note (Seq 0) where dropped
// messages used to be. A maxTokens <= 0 disables windowing.
func window(msgs []domain.Message, maxTokens int, pinned []int64, notice func(n int) string) (view, dropped []domain.Message) {
	total := 0
	for _, msg := range msgs {
		total += msg.Tokens
	}
	if maxTokens <= 0 || total <= maxTokens {
		return msgs, nil
	}

	pinSet := make(map[int64]bool, len(pinned))
	for _, seq := range pinned {
		pinSet[seq] = true
	}

	lastUser := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleUser {
			lastUser = i
			break
		}
	}

	units := groupUnits(msgs[:lastUser], pinSet)
	drop := make([]bool, len(msgs))
	first := -1
	for _, u := range units {
		if total <= maxTokens {
			break
		}
		if !u.droppable {
			continue
		}
		for i := u.start; i < u.end; i++ {
			drop[i] = true
			dropped = append(dropped, msgs[i])
		}
		total -= u.tokens
		if first < 0 {
			first = u.start
		}
		// The note itself takes room in the window.
		if len(dropped) == u.end-u.start {
			total += EstimateTokens(domain.Message{Content: notice(len(msgs))})
		}
	}
	if len(dropped) == 0 {
		return msgs, nil
	}

	note := domain.Message{
		SessionID: msgs[0].SessionID,
		Role:      domain.RoleSystem,
		Content:   notice(len(dropped)),
		Timestamp: msgs[first].Timestamp,
	}
	note.Tokens = EstimateTokens(note)

	view = make([]domain.Message, 0, len(msgs)-len(dropped)+1)
	for i, msg := range msgs {
		if i == first {
			view = append(view, note)
		}
		if !drop[i] {
			view = append(view, msg)
		}
	}
	return view, dropped
}

func groupUnits(msgs []domain.Message, pinSet map[int64]bool) []unit {
	var units []unit
	for i := 0; i < len(msgs); {
		u := unit{start: i, end: i + 1}
		if msgs[i].HasToolCalls() {
			ids := make(map[string]bool, len(msgs[i].ToolCalls))
			for _, c := range msgs[i].ToolCalls {
				ids[c.ID] = true
			}
			for u.end < len(msgs) && msgs[u.end].Role == domain.RoleToolResult && ids[msgs[u.end].ToolCallID] {
				u.end++
			}
		}
		u.droppable = true
		for j := u.start; j < u.end; j++ {
			u.tokens += msgs[j].Tokens
			if msgs[j].Role == domain.RoleSystem || pinSet[msgs[j].Seq] {
				u.droppable = false
			}
		}
		units = append(units, u)
		i = u.end
	}
	return units
}

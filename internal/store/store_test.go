package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
)

// repositories runs each test against every Repository implementation.
func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "agentrun.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"sqlite": sqlite,
		"memory": NewMemory(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			sess := domain.Session{
				ID:             "s1",
				Principal:      "alice",
				Autonomy:       domain.AutonomySupervised,
				Status:         domain.SessionActive,
				CreatedAt:      now,
				LastActivityAt: now,
			}
			if err := repo.PutSession(ctx, sess); err != nil {
				t.Fatalf("PutSession: %v", err)
			}

			sess.RequireConfirmation = true
			sess.Status = domain.SessionIdle
			if err := repo.PutSession(ctx, sess); err != nil {
				t.Fatalf("PutSession update: %v", err)
			}

			got, err := repo.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession: %v", err)
			}
			if got.Principal != "alice" || got.Autonomy != domain.AutonomySupervised ||
				!got.RequireConfirmation || got.Status != domain.SessionIdle {
				t.Fatalf("unexpected session: %+v", got)
			}
			if !got.LastActivityAt.Equal(now) {
				t.Fatalf("LastActivityAt = %v, want %v", got.LastActivityAt, now)
			}
		})
	}
}

func TestListSessionsInactiveSince(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			put := func(id string, status domain.SessionStatus, age time.Duration) {
				err := repo.PutSession(ctx, domain.Session{
					ID: id, Principal: "p", Autonomy: domain.AutonomyAssisted, Status: status,
					CreatedAt: now.Add(-age), LastActivityAt: now.Add(-age),
				})
				if err != nil {
					t.Fatalf("PutSession %s: %v", id, err)
				}
			}
			put("fresh", domain.SessionActive, time.Minute)
			put("stale", domain.SessionActive, time.Hour)
			put("idle", domain.SessionIdle, 2*time.Hour)
			put("closed", domain.SessionClosed, 3*time.Hour)

			got, err := repo.ListSessionsInactiveSince(ctx, now.Add(-30*time.Minute), domain.SessionActive, domain.SessionIdle)
			if err != nil {
				t.Fatalf("ListSessionsInactiveSince: %v", err)
			}
			if len(got) != 2 || got[0].ID != "idle" || got[1].ID != "stale" {
				t.Fatalf("unexpected sessions: %+v", got)
			}
		})
	}
}

func TestMessagesKeepOrderAndToolCalls(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			msgs := []domain.Message{
				{Seq: 1, SessionID: "s1", Role: domain.RoleUser, Content: "find shoes", Tokens: 7, Timestamp: now},
				{Seq: 2, SessionID: "s1", Role: domain.RoleAssistant, Timestamp: now, ToolCalls: []domain.ToolCall{
					{ID: "c1", Name: "search", RawArguments: `{"q":"shoes"}`, Risk: domain.RiskReadOnly},
				}},
				{Seq: 3, SessionID: "s1", Role: domain.RoleToolResult, ToolCallID: "c1", Content: `{"hits":3}`, Timestamp: now},
			}
			for _, m := range msgs {
				if err := repo.AppendMessage(ctx, m); err != nil {
					t.Fatalf("AppendMessage %d: %v", m.Seq, err)
				}
			}
			if err := repo.AppendMessage(ctx, msgs[0]); err == nil {
				t.Fatal("expected duplicate seq to fail")
			}

			got, err := repo.ListMessages(ctx, "s1")
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected 3 messages, got %d", len(got))
			}
			if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "search" {
				t.Fatalf("tool calls not preserved: %+v", got[1])
			}
			if got[2].ToolCallID != "c1" {
				t.Fatalf("tool call id not preserved: %+v", got[2])
			}
		})
	}
}

func TestPlanUpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			p := domain.Plan{
				ID: "p1", SessionID: "s1", Status: domain.PlanProposed,
				Risk: domain.RiskWriteHigh, Decision: domain.DecisionRequireApproval,
				Calls:     []domain.ToolCall{{ID: "c1", Name: "checkout"}},
				CreatedAt: now, UpdatedAt: now,
			}
			if err := repo.PutPlan(ctx, p); err != nil {
				t.Fatalf("PutPlan: %v", err)
			}
			other := p
			other.ID = "p2"
			other.Status = domain.PlanCompleted
			other.CreatedAt = now.Add(time.Second)
			if err := repo.PutPlan(ctx, other); err != nil {
				t.Fatalf("PutPlan p2: %v", err)
			}

			if err := p.Transition(domain.PlanApproved, now); err != nil {
				t.Fatal(err)
			}
			p.ResolvedBy = domain.PrincipalActor("alice")
			resolved := now.Add(2 * time.Second)
			p.ResolvedAt = &resolved
			if err := repo.PutPlan(ctx, p); err != nil {
				t.Fatalf("PutPlan update: %v", err)
			}

			got, err := repo.GetPlan(ctx, "p1")
			if err != nil {
				t.Fatalf("GetPlan: %v", err)
			}
			if got.Status != domain.PlanApproved || got.ResolvedBy != "principal:alice" ||
				got.Risk != domain.RiskWriteHigh || got.Decision != domain.DecisionRequireApproval {
				t.Fatalf("unexpected plan: %+v", got)
			}
			if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
				t.Fatalf("ResolvedAt = %v, want %v", got.ResolvedAt, resolved)
			}

			open, err := repo.ListPlans(ctx, "s1", domain.PlanProposed, domain.PlanApproved)
			if err != nil {
				t.Fatalf("ListPlans: %v", err)
			}
			if len(open) != 1 || open[0].ID != "p1" {
				t.Fatalf("unexpected open plans: %+v", open)
			}
			all, err := repo.ListPlans(ctx, "s1")
			if err != nil {
				t.Fatalf("ListPlans all: %v", err)
			}
			if len(all) != 2 || all[0].ID != "p1" {
				t.Fatalf("unexpected plans: %+v", all)
			}

			if _, err := repo.GetPlan(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestEventsAreIdempotentAndPaged(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			for seq := int64(1); seq <= 5; seq++ {
				ev := domain.Event{
					ID: "e", Seq: seq, SessionID: "s1", Type: domain.EventMessageAppended,
					Data: map[string]any{"seq": seq}, Timestamp: now,
				}
				if err := repo.AppendEvent(ctx, ev); err != nil {
					t.Fatalf("AppendEvent %d: %v", seq, err)
				}
			}
			dup := domain.Event{ID: "dup", Seq: 3, SessionID: "s1", Type: domain.EventSessionUpdated, Timestamp: now}
			if err := repo.AppendEvent(ctx, dup); err != nil {
				t.Fatalf("duplicate AppendEvent: %v", err)
			}

			last, err := repo.LastEventSeq(ctx, "s1")
			if err != nil || last != 5 {
				t.Fatalf("LastEventSeq = %d, %v", last, err)
			}
			none, err := repo.LastEventSeq(ctx, "other")
			if err != nil || none != 0 {
				t.Fatalf("LastEventSeq(other) = %d, %v", none, err)
			}

			page, err := repo.ListEvents(ctx, "s1", 2, 2)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
				t.Fatalf("unexpected page: %+v", page)
			}
			if page[0].Type != domain.EventMessageAppended {
				t.Fatalf("duplicate overwrote the original event: %+v", page[0])
			}
		})
	}
}

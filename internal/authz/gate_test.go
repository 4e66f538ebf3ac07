package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/agentrun/internal/domain"
)

var allAutonomy = []domain.AutonomyLevel{
	domain.AutonomyReadOnly,
	domain.AutonomyRecommendations,
	domain.AutonomyAssisted,
	domain.AutonomySupervised,
}

func TestDecideTable(t *testing.T) {
	t.Parallel()

	auto := domain.DecisionAutoExecute
	ask := domain.DecisionRequireApproval
	deny := domain.DecisionDeny

	want := map[domain.RiskLevel][4]domain.Decision{
		domain.RiskReadOnly:  {auto, auto, auto, auto},
		domain.RiskWriteLow:  {ask, auto, auto, auto},
		domain.RiskWriteHigh: {ask, ask, auto, auto},
		domain.RiskCritical:  {deny, deny, deny, auto},
	}

	for risk, row := range want {
		for i, level := range allAutonomy {
			got := Decide(DefaultPolicy(), Input{Risk: risk, Autonomy: level, WithinBudget: true})
			assert.Equal(t, row[i], got, "risk=%s autonomy=%s", risk, level)
		}
	}
}

func TestDecideDeniesUnknownRisk(t *testing.T) {
	t.Parallel()

	for _, risk := range []domain.RiskLevel{domain.RiskLevel(-1), domain.RiskLevel(9)} {
		for _, level := range allAutonomy {
			got := Decide(DefaultPolicy(), Input{Risk: risk, Autonomy: level, WithinBudget: true})
			assert.Equal(t, domain.DecisionDeny, got, "risk=%s autonomy=%s", risk, level)
		}
	}
}

func TestDecideIsPure(t *testing.T) {
	t.Parallel()

	for _, level := range allAutonomy {
		for _, risk := range []domain.RiskLevel{domain.RiskReadOnly, domain.RiskWriteLow, domain.RiskWriteHigh, domain.RiskCritical} {
			in := Input{Risk: risk, Autonomy: level, RequireConfirmation: true, WithinBudget: true}
			first := Decide(DefaultPolicy(), in)
			for i := 0; i < 10; i++ {
				require.Equal(t, first, Decide(DefaultPolicy(), in))
			}
		}
	}
}

func TestRecommendationsAutoExecutesLowRiskWrites(t *testing.T) {
	t.Parallel()

	got := Decide(DefaultPolicy(), Input{Risk: domain.RiskWriteLow, Autonomy: domain.AutonomyRecommendations})
	assert.Equal(t, domain.DecisionAutoExecute, got)
}

func TestReadOnlyNeverAutoExecutesWrites(t *testing.T) {
	t.Parallel()

	for _, risk := range []domain.RiskLevel{domain.RiskWriteLow, domain.RiskWriteHigh} {
		got := Decide(DefaultPolicy(), Input{Risk: risk, Autonomy: domain.AutonomyReadOnly})
		assert.Equal(t, domain.DecisionRequireApproval, got, risk)
	}
	got := Decide(DefaultPolicy(), Input{Risk: domain.RiskCritical, Autonomy: domain.AutonomyReadOnly, WithinBudget: true})
	assert.Equal(t, domain.DecisionDeny, got)
}

func TestCriticalNeedsBudget(t *testing.T) {
	t.Parallel()

	got := Decide(DefaultPolicy(), Input{Risk: domain.RiskCritical, Autonomy: domain.AutonomySupervised, WithinBudget: false})
	assert.Equal(t, domain.DecisionDeny, got)
}

func TestConfirmationPrecedence(t *testing.T) {
	t.Parallel()

	in := Input{Risk: domain.RiskWriteHigh, Autonomy: domain.AutonomySupervised, RequireConfirmation: true}

	assert.Equal(t, domain.DecisionRequireApproval, Decide(Policy{ConfirmationPrecedence: PrecedenceFlag}, in))
	assert.Equal(t, domain.DecisionAutoExecute, Decide(Policy{ConfirmationPrecedence: PrecedenceAutonomy}, in))

	// The flag never upgrades a level that would already need approval.
	in.Autonomy = domain.AutonomyRecommendations
	assert.Equal(t, domain.DecisionRequireApproval, Decide(Policy{ConfirmationPrecedence: PrecedenceAutonomy}, in))
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.DecisionAutoExecute, Aggregate())
	assert.Equal(t, domain.DecisionRequireApproval, Aggregate(domain.DecisionAutoExecute, domain.DecisionRequireApproval))
	assert.Equal(t, domain.DecisionDeny, Aggregate(domain.DecisionRequireApproval, domain.DecisionDeny, domain.DecisionAutoExecute))
}

func TestGateEvaluateUsesBudget(t *testing.T) {
	t.Parallel()

	budget := NewCallBudget(1)
	gate := NewGate(DefaultPolicy(), budget.Check)
	sess := domain.Session{ID: "s1", Autonomy: domain.AutonomySupervised}
	calls := []domain.ToolCall{
		{ID: "c1", Name: "lookup", Risk: domain.RiskReadOnly},
		{ID: "c2", Name: "wire_funds", Risk: domain.RiskCritical},
	}

	verdicts, agg := gate.Evaluate(sess, calls)
	require.Len(t, verdicts, 2)
	assert.Equal(t, domain.DecisionAutoExecute, agg)

	budget.Consume("s1")
	verdicts, agg = gate.Evaluate(sess, calls)
	assert.Equal(t, domain.DecisionDeny, agg)
	assert.Equal(t, domain.DecisionAutoExecute, verdicts[0].Decision)
	assert.Equal(t, domain.DecisionDeny, verdicts[1].Decision)
}

func TestGateEvaluateCountsCriticalCallsInBatch(t *testing.T) {
	t.Parallel()

	sess := domain.Session{ID: "s1", Autonomy: domain.AutonomySupervised}
	calls := []domain.ToolCall{
		{ID: "c1", Name: "wire_funds", Risk: domain.RiskCritical},
		{ID: "c2", Name: "wire_funds", Risk: domain.RiskCritical},
	}

	verdicts, agg := NewGate(DefaultPolicy(), NewCallBudget(1).Check).Evaluate(sess, calls)
	assert.Equal(t, domain.DecisionAutoExecute, verdicts[0].Decision)
	assert.Equal(t, domain.DecisionDeny, verdicts[1].Decision)
	assert.Equal(t, domain.DecisionDeny, agg)

	verdicts, agg = NewGate(DefaultPolicy(), NewCallBudget(2).Check).Evaluate(sess, calls)
	assert.Equal(t, domain.DecisionAutoExecute, verdicts[1].Decision)
	assert.Equal(t, domain.DecisionAutoExecute, agg)
}

func TestZeroBudgetAllowsNoCriticalCalls(t *testing.T) {
	t.Parallel()

	sess := domain.Session{ID: "s1", Autonomy: domain.AutonomySupervised}
	assert.False(t, NewCallBudget(0).Check(sess, domain.ToolCall{}, 0))
}

func TestGateWithoutBudgetDeniesCritical(t *testing.T) {
	t.Parallel()

	gate := NewGate(Policy{}, nil)
	sess := domain.Session{ID: "s1", Autonomy: domain.AutonomySupervised}
	got := gate.DecideCall(sess, domain.ToolCall{ID: "c1", Risk: domain.RiskCritical})
	assert.Equal(t, domain.DecisionDeny, got)
}

func TestParsePrecedence(t *testing.T) {
	t.Parallel()

	p, err := ParsePrecedence("")
	require.NoError(t, err)
	assert.Equal(t, PrecedenceFlag, p)

	p, err = ParsePrecedence("Autonomy")
	require.NoError(t, err)
	assert.Equal(t, PrecedenceAutonomy, p)

	_, err = ParsePrecedence("coin-flip")
	assert.Error(t, err)
}

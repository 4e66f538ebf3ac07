package authz

import (
	"github.com/ashureev/agentrun/internal/domain"
)

// BudgetCheck reports whether a critical call fits the session's budget.
// admitted is the number of critical calls of the same batch already
// allowed ahead of this one. Implementations must not have side effects;
// the gate may call them more than once for the same call.
type BudgetCheck func(s domain.Session, call domain.ToolCall, admitted int) bool

// Verdict is the decision for one call of a batch.
type Verdict struct {
	CallID   string
	Tool     string
	Risk     domain.RiskLevel
	Decision domain.Decision
}

// Gate binds a policy and a budget predicate.
type Gate struct {
	policy Policy
	budget BudgetCheck
}

// NewGate creates a gate. A nil budget treats every critical call as over budget.
func NewGate(policy Policy, budget BudgetCheck) *Gate {
	if policy.ConfirmationPrecedence == "" {
		policy.ConfirmationPrecedence = PrecedenceFlag
	}
	return &Gate{policy: policy, budget: budget}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// DecideCall authorizes a single call for the session. The call's Risk must
// already be filled in from the catalog.
func (g *Gate) DecideCall(s domain.Session, call domain.ToolCall) domain.Decision {
	return g.decide(s, call, 0)
}

func (g *Gate) decide(s domain.Session, call domain.ToolCall, admitted int) domain.Decision {
	within := false
	if call.Risk == domain.RiskCritical && g.budget != nil {
		within = g.budget(s, call, admitted)
	}
	return Decide(g.policy, Input{
		Risk:                call.Risk,
		Autonomy:            s.Autonomy,
		RequireConfirmation: s.RequireConfirmation,
		WithinBudget:        within,
	})
}

// Evaluate authorizes every call and returns per-call verdicts and the
// aggregate decision for the batch.
func (g *Gate) Evaluate(s domain.Session, calls []domain.ToolCall) ([]Verdict, domain.Decision) {
	verdicts := make([]Verdict, len(calls))
	decisions := make([]domain.Decision, len(calls))
	admitted := 0
	for i, c := range calls {
		d := g.decide(s, c, admitted)
		if c.Risk == domain.RiskCritical && d == domain.DecisionAutoExecute {
			admitted++
		}
		verdicts[i] = Verdict{CallID: c.ID, Tool: c.Name, Risk: c.Risk, Decision: d}
		decisions[i] = d
	}
	return verdicts, Aggregate(decisions...)
}

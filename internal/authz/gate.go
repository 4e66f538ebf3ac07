// Package authz decides whether a tool call may run without asking.
package authz

import (
	"fmt"
	"strings"

	"github.com/ashureev/agentrun/internal/domain"
)

// Precedence selects what wins for write-high-risk calls when the session's
// require-confirmation flag is set and the autonomy level would allow them.
type Precedence string

const (
	// PrecedenceFlag makes the confirmation flag force approval.
	PrecedenceFlag Precedence = "flag"
	// PrecedenceAutonomy lets a qualifying autonomy level ignore the flag.
	PrecedenceAutonomy Precedence = "autonomy"
)

// ParsePrecedence parses a precedence name. The empty string means PrecedenceFlag.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(strings.ToLower(strings.TrimSpace(s))) {
	case "", PrecedenceFlag:
		return PrecedenceFlag, nil
	case PrecedenceAutonomy:
		return PrecedenceAutonomy, nil
	}
	return "", fmt.Errorf("unknown confirmation precedence %q", s)
}

// Policy holds the configurable parts of the decision table.
type Policy struct {
	ConfirmationPrecedence Precedence
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{ConfirmationPrecedence: PrecedenceFlag}
}

// Input is everything a decision depends on.
type Input struct {
	Risk                domain.RiskLevel
	Autonomy            domain.AutonomyLevel
	RequireConfirmation bool
	WithinBudget        bool
}

// Decide maps a call's risk and the session's autonomy to a decision.
// It has no side effects and depends only on its arguments.
func Decide(p Policy, in Input) domain.Decision {
	// Unknown risk levels are treated like the most dangerous one.
	if !in.Risk.Valid() {
		return domain.DecisionDeny
	}
	if !in.Risk.IsWrite() {
		return domain.DecisionAutoExecute
	}
	switch in.Risk {
	case domain.RiskWriteLow:
		if in.Autonomy >= domain.AutonomyRecommendations {
			return domain.DecisionAutoExecute
		}
		return domain.DecisionRequireApproval
	case domain.RiskWriteHigh:
		if in.Autonomy < domain.AutonomyAssisted {
			return domain.DecisionRequireApproval
		}
		if in.RequireConfirmation && p.ConfirmationPrecedence != PrecedenceAutonomy {
			return domain.DecisionRequireApproval
		}
		return domain.DecisionAutoExecute
	case domain.RiskCritical:
		if in.Autonomy == domain.AutonomySupervised && in.WithinBudget {
			return domain.DecisionAutoExecute
		}
		return domain.DecisionDeny
	}
	return domain.DecisionDeny
}

// Aggregate returns the most restrictive of the given decisions:
// deny over require-approval over auto-execute.
func Aggregate(decisions ...domain.Decision) domain.Decision {
	agg := domain.DecisionAutoExecute
	for _, d := range decisions {
		if d > agg {
			agg = d
		}
	}
	return agg
}

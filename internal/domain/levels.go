// Package domain contains core domain types for the agent runtime.
package domain

import (
	"fmt"
	"strings"
)

// AutonomyLevel is the per-session setting that determines how much the
// runtime may do without asking. Levels are ordered.
type AutonomyLevel int

const (
	AutonomyReadOnly AutonomyLevel = iota
	AutonomyRecommendations
	AutonomyAssisted
	AutonomySupervised
)

var autonomyNames = [...]string{"READ_ONLY", "RECOMMENDATIONS", "ASSISTED", "SUPERVISED"}

func (a AutonomyLevel) String() string {
	if a < AutonomyReadOnly || a > AutonomySupervised {
		return fmt.Sprintf("AutonomyLevel(%d)", int(a))
	}
	return autonomyNames[a]
}

// Valid reports whether a is one of the defined levels.
func (a AutonomyLevel) Valid() bool {
	return a >= AutonomyReadOnly && a <= AutonomySupervised
}

// ParseAutonomyLevel parses the text form of an autonomy level, case-insensitively.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range autonomyNames {
		if name == norm {
			return AutonomyLevel(i), nil
		}
	}
	return AutonomyReadOnly, fmt.Errorf("unknown autonomy level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a AutonomyLevel) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid autonomy level %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AutonomyLevel) UnmarshalText(b []byte) error {
	v, err := ParseAutonomyLevel(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// RiskLevel is the declared risk of a tool. Levels are ordered.
type RiskLevel int

const (
	RiskReadOnly RiskLevel = iota
	RiskWriteLow
	RiskWriteHigh
	RiskCritical
)

var riskNames = [...]string{"read-only", "write-low-risk", "write-high-risk", "critical"}

func (r RiskLevel) String() string {
	if r < RiskReadOnly || r > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskNames[r]
}

// Valid reports whether r is one of the defined levels.
func (r RiskLevel) Valid() bool {
	return r >= RiskReadOnly && r <= RiskCritical
}

// IsWrite reports whether the risk level allows side effects.
func (r RiskLevel) IsWrite() bool {
	return r > RiskReadOnly
}

// ParseRiskLevel parses the text form of a risk level, case-insensitively.
func ParseRiskLevel(s string) (RiskLevel, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range riskNames {
		if name == norm {
			return RiskLevel(i), nil
		}
	}
	return RiskReadOnly, fmt.Errorf("unknown risk level %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MaxRisk returns the highest risk among levels, or RiskReadOnly if none.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	highest := RiskReadOnly
	for _, l := range levels {
		if l > highest {
			highest = l
		}
	}
	return highest
}

// Decision is the outcome of authorizing a tool call. Decisions are ordered
// from least to most restrictive.
type Decision int

const (
	DecisionAutoExecute Decision = iota
	DecisionRequireApproval
	DecisionDeny
)

var decisionNames = [...]string{"auto-execute", "require-approval", "deny"}

func (d Decision) String() string {
	if d < DecisionAutoExecute || d > DecisionDeny {
		return fmt.Sprintf("Decision(%d)", int(d))
	}
	return decisionNames[d]
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(b []byte) error {
	for i, name := range decisionNames {
		if name == string(b) {
			*d = Decision(i)
			return nil
		}
	}
	return fmt.Errorf("unknown decision %q", string(b))
}

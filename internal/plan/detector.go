// Package plan detects plans in model output and tracks their lifecycle.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/metrics"
)

// Detector turns a batch of proposed tool calls into a plan carrying its
// aggregate risk and authorization decision.
type Detector struct {
	catalog *catalog.Catalog
	gate    *authz.Gate
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDetector creates a detector.
func NewDetector(c *catalog.Catalog, g *authz.Gate, m *metrics.Metrics) *Detector {
	return &Detector{catalog: c, gate: g, metrics: m, now: time.Now}
}

// Detect builds an unsaved plan for calls. Each call's risk is taken from
// the catalog; a tool missing from the catalog is treated as critical.
func (d *Detector) Detect(s domain.Session, calls []domain.ToolCall, messageSeq int64, iteration int) (*domain.Plan, []authz.Verdict, error) {
	if len(calls) == 0 {
		return nil, nil, fmt.Errorf("plan for session %s has no calls", s.ID)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, nil, fmt.Errorf("generate plan id: %w", err)
	}

	filled := make([]domain.ToolCall, len(calls))
	risks := make([]domain.RiskLevel, len(calls))
	for i, c := range calls {
		risk, ok := d.catalog.Risk(c.Name)
		if !ok {
			risk = domain.RiskCritical
		}
		c.Risk = risk
		filled[i] = c
		risks[i] = risk
	}

	verdicts, decision := d.gate.Evaluate(s, filled)
	now := d.now().UTC()
	p := &domain.Plan{
		ID:         id.String(),
		SessionID:  s.ID,
		Calls:      filled,
		Risk:       domain.MaxRisk(risks...),
		Decision:   decision,
		Status:     domain.PlanProposed,
		Iteration:  iteration,
		MessageSeq: messageSeq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.metrics.PlanDetected(decision.String())
	return p, verdicts, nil
}

// IsStep reports whether p is a single call that runs without approval.
func IsStep(p *domain.Plan) bool {
	return len(p.Calls) == 1 && p.Decision == domain.DecisionAutoExecute
}

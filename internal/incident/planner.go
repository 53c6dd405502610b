package incident

import (
	"context"
	"strings"
)

// Planner turns refined text into a validated PlanResult.
type Planner struct {
	extractor Extractor
}

// NewPlanner creates a planner over the given extractor.
func NewPlanner(extractor Extractor) *Planner {
	return &Planner{extractor: extractor}
}

// Plan extracts and validates an incident. relevant=false is a normal result.
// Errors are ErrEmptyText, *Violation or *UpstreamError.
func (p *Planner) Plan(ctx context.Context, text string, cfg Config) (PlanResult, error) {
	if strings.TrimSpace(text) == "" {
		return PlanResult{}, ErrEmptyText
	}
	return callStep(ctx, "extract", cfg.StepTimeout, func(ctx context.Context) (PlanResult, error) {
		raw, err := p.extractor.ExtractIncident(ctx, text)
		if err != nil {
			return PlanResult{}, err
		}
		return DecodePlan(raw)
	})
}

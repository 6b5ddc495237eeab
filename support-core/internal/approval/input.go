package approval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ILLUVRSE/supportops/support-core/internal/changes"
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

var ErrValidation = errors.New("invalid proposal")

// ValidationError lists every problem found in one input.
type ValidationError struct {
	Problems []string
}

func newValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ProposalInput is what a caller supplies to CreateProposal.
type ProposalInput struct {
	Category           models.Category   `json:"category"`
	Rationale          string            `json:"rationale"`
	AffectedComponents []string          `json:"affectedComponents"`
	RiskLevel          models.RiskLevel  `json:"riskLevel"`
	RollbackPlan       string            `json:"rollbackPlan,omitempty"`
	Reviewer           string            `json:"reviewer"`
	Changes            *models.ChangeSet `json:"changes,omitempty"`
}

func (in ProposalInput) normalized() ProposalInput {
	in.Category = models.Category(strings.ToLower(strings.TrimSpace(string(in.Category))))
	in.RiskLevel = models.RiskLevel(strings.ToLower(strings.TrimSpace(string(in.RiskLevel))))
	in.Rationale = strings.TrimSpace(in.Rationale)
	in.RollbackPlan = strings.TrimSpace(in.RollbackPlan)
	in.Reviewer = strings.TrimSpace(in.Reviewer)
	comps := make([]string, 0, len(in.AffectedComponents))
	for _, c := range in.AffectedComponents {
		if c = strings.TrimSpace(c); c != "" {
			comps = append(comps, c)
		}
	}
	in.AffectedComponents = comps
	if in.Changes != nil {
		cs := *in.Changes
		cs.Files = append([]string(nil), in.Changes.Files...)
		in.Changes = &cs
	}
	return in
}

// Validate checks required fields and the critical-risk rollback rule. A
// change payload's diff is parsed and its stats filled in.
func (in ProposalInput) Validate() error {
	var problems []string
	if !in.Category.Valid() {
		problems = append(problems, fmt.Sprintf("category %q must be one of architecture, infrastructure, code, documentation", in.Category))
	}
	if in.Rationale == "" {
		problems = append(problems, "rationale is required")
	}
	if len(in.AffectedComponents) == 0 {
		problems = append(problems, "at least one affected component is required")
	}
	if !in.RiskLevel.Valid() {
		problems = append(problems, fmt.Sprintf("riskLevel %q must be one of low, medium, high, critical", in.RiskLevel))
	}
	if in.Reviewer == "" {
		problems = append(problems, "reviewer is required")
	}
	if in.RiskLevel == models.RiskCritical && in.RollbackPlan == "" {
		problems = append(problems, "critical-risk proposals require a rollback plan")
	}
	if err := changes.Attach(in.Changes); err != nil {
		problems = append(problems, fmt.Sprintf("changes.diff: %v", err))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

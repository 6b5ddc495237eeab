package compliance

import (
	"fmt"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

// TargetPolicy restricts which model and operation classes a request may reach.
// An empty allow-list admits any model.
type TargetPolicy struct {
	AllowedModels []string
}

func (p TargetPolicy) Validate(model string, op models.OperationClass) []Violation {
	var out []Violation
	if !op.Valid() {
		out = append(out, Violation{
			Rule:    "operation_class",
			Kind:    KindTarget,
			Message: fmt.Sprintf("unknown operation class %q", op),
		})
	}
	if model == "" {
		out = append(out, Violation{Rule: "model_allowlist", Kind: KindTarget, Message: "model id required"})
		return out
	}
	if len(p.AllowedModels) == 0 {
		return out
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return out
		}
	}
	return append(out, Violation{
		Rule:    "model_allowlist",
		Kind:    KindTarget,
		Message: fmt.Sprintf("model %q is not allowed", model),
	})
}

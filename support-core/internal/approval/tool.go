package approval

import (
	"encoding/json"
	"fmt"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

const ProposeChangeToolName = "propose_change"

// ProposeChangeTool lets the model surface a system change for review
// instead of applying it.
var ProposeChangeTool = models.ToolDeclaration{
	Name:        ProposeChangeToolName,
	Description: "Propose a change to architecture, infrastructure, code or documentation. The change is queued for human approval and is not applied.",
	InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "category": {"type": "string", "enum": ["architecture", "infrastructure", "code", "documentation"]},
    "rationale": {"type": "string"},
    "affectedComponents": {"type": "array", "items": {"type": "string"}},
    "riskLevel": {"type": "string", "enum": ["low", "medium", "high", "critical"]},
    "rollbackPlan": {"type": "string"},
    "reviewer": {"type": "string"},
    "changes": {
      "type": "object",
      "properties": {
        "description": {"type": "string"},
        "files": {"type": "array", "items": {"type": "string"}},
        "diff": {"type": "string"}
      }
    }
  },
  "required": ["category", "rationale", "affectedComponents", "riskLevel", "reviewer"]
}`),
}

// ProposalInputFromToolCall decodes a propose_change tool call. The result
// still has to pass Validate inside CreateProposal.
func ProposalInputFromToolCall(call models.ToolCall) (ProposalInput, error) {
	if call.Name != ProposeChangeToolName {
		return ProposalInput{}, fmt.Errorf("tool call %q is not %s", call.Name, ProposeChangeToolName)
	}
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return ProposalInput{}, fmt.Errorf("encode tool arguments: %w", err)
	}
	var in ProposalInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ProposalInput{}, newValidationError(fmt.Sprintf("tool arguments: %v", err))
	}
	return in, nil
}

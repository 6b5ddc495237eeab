package approval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/supportops/support-core/internal/models"
)

func TestProposeChangeToolSchemaIsJSON(t *testing.T) {
	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(ProposeChangeTool.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
}

func TestProposalInputFromToolCall(t *testing.T) {
	call := models.ToolCall{
		ID:   "toolu_01",
		Name: ProposeChangeToolName,
		Arguments: map[string]interface{}{
			"category":           "infrastructure",
			"rationale":          "rotate logs daily",
			"affectedComponents": []interface{}{"host-a"},
			"riskLevel":          "medium",
			"reviewer":           "sre-oncall",
		},
	}
	in, err := ProposalInputFromToolCall(call)
	require.NoError(t, err)
	assert.Equal(t, models.CategoryInfrastructure, in.Category)
	assert.Equal(t, []string{"host-a"}, in.AffectedComponents)

	f := newFixture(t, 2, true)
	id, err := f.mgr.CreateProposal(context.Background(), in)
	require.NoError(t, err)
	assert.NotEqual(t, AutoApprovedID, id)
}

func TestProposalInputFromToolCallErrors(t *testing.T) {
	_, err := ProposalInputFromToolCall(models.ToolCall{Name: "run_shell"})
	assert.Error(t, err)

	_, err = ProposalInputFromToolCall(models.ToolCall{
		Name:      ProposeChangeToolName,
		Arguments: map[string]interface{}{"affectedComponents": "host-a"},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

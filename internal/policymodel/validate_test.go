package policymodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPolicy() Policy {
	return Policy{
		PolicyID: "p-1",
		Name:     "baseline",
		Status:   StatusActive,
		Rules: []Rule{{
			RuleID:  "r1",
			Actions: []Action{{Type: ActionAllow}},
		}},
	}
}

func TestValidatePolicyAccepts(t *testing.T) {
	p := validPolicy()
	require.NoError(t, ValidatePolicy(&p))
}

func TestValidatePolicyRejectsMissingName(t *testing.T) {
	p := validPolicy()
	p.Name = ""
	assert.Error(t, ValidatePolicy(&p))
}

func TestValidatePolicyRejectsEmptyActions(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Actions = nil
	assert.Error(t, ValidatePolicy(&p))
}

func TestValidatePolicyRejectsRuleWithoutEffect(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Actions = []Action{{Type: ActionAudit}}
	err := ValidatePolicy(&p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow/deny/block")
}

func TestValidatePolicyRejectsInvalidRegex(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Conditions = ConditionTree{Field: "tool.name", Operator: OpMatches, Value: "(unterminated"}
	assert.Error(t, ValidatePolicy(&p))
}

func TestValidatePolicyRejectsInvalidCIDR(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Conditions = ConditionTree{Field: "request.ip", Operator: OpInIPRange, Value: []string{"300.0.0.0/8"}}
	assert.Error(t, ValidatePolicy(&p))
}

func TestValidatePolicyRejectsBadToolBinding(t *testing.T) {
	p := validPolicy()
	p.Resources = []ResourceBinding{{ResourceType: ResourceTool, ResourceID: "just-a-server"}}
	err := ValidatePolicy(&p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server:tool")

	p.Resources = []ResourceBinding{{ResourceType: ResourceTool, ResourceID: "github:delete_repo"}}
	assert.NoError(t, ValidatePolicy(&p))
}

func TestValidatePolicyRecursesCompositeTrees(t *testing.T) {
	p := validPolicy()
	p.Rules[0].Conditions = ConditionTree{
		All: []ConditionTree{
			{Field: "subject.roles", Operator: OpContains, Value: "engineer"},
			{Any: []ConditionTree{
				{Field: "payload.to", Operator: OpMatches, Value: "(bad"},
			}},
		},
	}
	assert.Error(t, ValidatePolicy(&p))
}

func TestBlockNormalizesToDeny(t *testing.T) {
	assert.Equal(t, ActionDeny, ActionBlock.Effect())
	assert.True(t, ActionBlock.IsEffect())
	assert.False(t, ActionRedact.IsEffect())
}

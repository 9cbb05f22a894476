package repository

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

const sampleRules = `
rules:
  - organization_id: org-1
    type: payment_approval
    name: Payments
    auto_approve_below: 1000
    escalation_days: 3
    approval_matrix:
      - approvers: [alice, bob]
        required: 2
      - approvers: [carol]
        required: 1
  - organization_id: org-1
    type: expense_approval
    approval_matrix:
      - approvers: [dave]
        required: 1
`

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	require.Len(t, rules, 2)

	pay := rules[0]
	assert.Equal(t, WorkflowTypePaymentApproval, pay.Type)
	assert.Equal(t, "org-1", pay.OrganizationID)
	require.NotNil(t, pay.AutoApproveBelow)
	assert.Equal(t, 1000.0, *pay.AutoApproveBelow)
	assert.Equal(t, 3, pay.EscalationDays)
	assert.True(t, pay.IsActive)

	level, ok := pay.Level(2)
	require.True(t, ok)
	assert.Equal(t, []string{"carol"}, level.Approvers)
	_, ok = pay.Level(3)
	assert.False(t, ok)

	assert.Nil(t, rules[1].AutoApproveBelow)
}

func TestParseRulesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty matrix": `
rules:
  - organization_id: org-1
    type: payment_approval
    approval_matrix: []
`,
		"required above approvers": `
rules:
  - organization_id: org-1
    type: payment_approval
    approval_matrix:
      - approvers: [alice]
        required: 2
`,
		"duplicate approver": `
rules:
  - organization_id: org-1
    type: payment_approval
    approval_matrix:
      - approvers: [alice, alice]
        required: 1
`,
		"unknown type": `
rules:
  - organization_id: org-1
    type: lunch_order
    approval_matrix:
      - approvers: [alice]
        required: 1
`,
		"negative escalation": `
rules:
  - organization_id: org-1
    type: payment_approval
    escalation_days: -1
    approval_matrix:
      - approvers: [alice]
        required: 1
`,
		"duplicate active rule": `
rules:
  - organization_id: org-1
    type: payment_approval
    approval_matrix:
      - approvers: [alice]
        required: 1
  - organization_id: org-1
    type: payment_approval
    approval_matrix:
      - approvers: [bob]
        required: 1
`,
		"unknown field": `
rules:
  - organization_id: org-1
    type: payment_approval
    approvers: [alice]
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRules), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	_, err = LoadRulesFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRepeatedApprovers(t *testing.T) {
	rule := &WorkflowRule{ApprovalMatrix: []ApprovalLevel{
		{Approvers: []string{"alice", "bob"}, Required: 1},
		{Approvers: []string{"carol", "alice"}, Required: 1},
		{Approvers: []string{"alice", "carol"}, Required: 1},
	}}
	assert.Equal(t, []string{"alice", "carol"}, rule.RepeatedApprovers())

	rules, err := ParseRules([]byte(sampleRules))
	require.NoError(t, err)
	assert.Empty(t, rules[0].RepeatedApprovers())
}

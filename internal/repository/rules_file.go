package repository

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

type rulesFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID               string          `yaml:"id"`
	OrganizationID   string          `yaml:"organization_id"`
	Type             string          `yaml:"type"`
	Name             string          `yaml:"name"`
	Conditions       map[string]any  `yaml:"conditions"`
	ApprovalMatrix   []ApprovalLevel `yaml:"approval_matrix"`
	AutoApproveBelow *float64        `yaml:"auto_approve_below"`
	EscalationDays   int             `yaml:"escalation_days"`
}

// LoadRulesFile reads and validates a YAML rules file.
func LoadRulesFile(path string) ([]*WorkflowRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to read rules file")
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document. Every rule is validated and at
// most one rule may be given per (organization, type).
func ParseRules(data []byte) ([]*WorkflowRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file rulesFile
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse rules file")
	}

	seen := make(map[string]int, len(file.Rules))
	rules := make([]*WorkflowRule, 0, len(file.Rules))
	for i, e := range file.Rules {
		rule := &WorkflowRule{
			ID:               e.ID,
			OrganizationID:   e.OrganizationID,
			Type:             WorkflowType(e.Type),
			Name:             e.Name,
			Conditions:       e.Conditions,
			ApprovalMatrix:   e.ApprovalMatrix,
			AutoApproveBelow: e.AutoApproveBelow,
			EscalationDays:   e.EscalationDays,
			IsActive:         true,
		}
		if err := rule.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, fmt.Sprintf("rule %d", i+1))
		}

		key := rule.OrganizationID + "/" + string(rule.Type)
		if prev, dup := seen[key]; dup {
			return nil, errors.Newf(errors.ErrCodeInvalidInput,
				"rule %d duplicates rule %d for %s", i+1, prev, key)
		}
		seen[key] = i + 1
		rules = append(rules, rule)
	}
	return rules, nil
}

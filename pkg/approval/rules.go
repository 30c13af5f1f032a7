// Package approval decides whether a correction can be applied without a
// human reviewer. Evaluation is a pure function of the submission, the
// submitter's trust level, the rule set and the enabled flag.
package approval

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConditionKind tags a rule predicate.
type ConditionKind string

const (
	CondEntityType       ConditionKind = "entity_type"
	CondMinTrust         ConditionKind = "min_trust"
	CondEvidence         ConditionKind = "evidence"
	CondMaxChangePercent ConditionKind = "max_change_percent"
)

// Condition is one predicate of a rule. Value carries the numeric threshold
// of min_trust and max_change_percent; Values carries the entity types of
// entity_type. evidence has no operand.
type Condition struct {
	Kind   ConditionKind `yaml:"kind" json:"kind"`
	Value  float64       `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string      `yaml:"values,omitempty" json:"values,omitempty"`
}

// Rule auto-approves a submission when every condition holds.
type Rule struct {
	ID          string      `yaml:"id" json:"id"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Priority    int         `yaml:"priority" json:"priority"`
	Conditions  []Condition `yaml:"conditions" json:"conditions"`
}

// RuleSpec is the shorthand rule form used in rule files:
// {entityTypes, minTrust, requireEvidence, maxChangePercent, priority}.
// Explicit Conditions are appended after the shorthand ones.
type RuleSpec struct {
	ID               string      `yaml:"id" json:"id"`
	Description      string      `yaml:"description,omitempty" json:"description,omitempty"`
	Priority         int         `yaml:"priority" json:"priority"`
	EntityTypes      []string    `yaml:"entityTypes,omitempty" json:"entityTypes,omitempty"`
	MinTrust         int         `yaml:"minTrust" json:"minTrust"`
	RequireEvidence  bool        `yaml:"requireEvidence" json:"requireEvidence"`
	MaxChangePercent *float64    `yaml:"maxChangePercent,omitempty" json:"maxChangePercent,omitempty"`
	Conditions       []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// NewRule compiles a RuleSpec into its tagged condition list.
func NewRule(spec RuleSpec) Rule {
	var conds []Condition
	if len(spec.EntityTypes) > 0 {
		conds = append(conds, Condition{Kind: CondEntityType, Values: spec.EntityTypes})
	}
	conds = append(conds, Condition{Kind: CondMinTrust, Value: float64(spec.MinTrust)})
	if spec.RequireEvidence {
		conds = append(conds, Condition{Kind: CondEvidence})
	}
	if spec.MaxChangePercent != nil {
		conds = append(conds, Condition{Kind: CondMaxChangePercent, Value: *spec.MaxChangePercent})
	}
	conds = append(conds, spec.Conditions...)
	return Rule{
		ID:          spec.ID,
		Description: spec.Description,
		Priority:    spec.Priority,
		Conditions:  conds,
	}
}

// RuleFile is the top-level structure of the approval rules YAML file.
type RuleFile struct {
	Enabled *bool      `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Rules   []RuleSpec `yaml:"rules" json:"rules"`
}

// LoadRules loads rules from a YAML file. A missing file yields no rules.
// The file's enabled flag, when present, is returned as well; callers
// combine it with their own configuration.
func LoadRules(path string) ([]Rule, *bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read approval rules: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, nil, fmt.Errorf("parse approval rules: %w", err)
	}

	rules := make([]Rule, 0, len(rf.Rules))
	seen := make(map[string]bool, len(rf.Rules))
	for i, spec := range rf.Rules {
		if spec.ID == "" {
			return nil, nil, fmt.Errorf("approval rule %d: missing id", i)
		}
		if seen[spec.ID] {
			return nil, nil, fmt.Errorf("approval rule %q: duplicate id", spec.ID)
		}
		seen[spec.ID] = true
		r := NewRule(spec)
		if err := r.Validate(); err != nil {
			return nil, nil, err
		}
		rules = append(rules, r)
	}
	return rules, rf.Enabled, nil
}

// Validate checks that every condition is well formed.
func (r Rule) Validate() error {
	for _, c := range r.Conditions {
		switch c.Kind {
		case CondEntityType:
			if len(c.Values) == 0 {
				return fmt.Errorf("approval rule %q: entity_type condition without values", r.ID)
			}
		case CondMinTrust, CondEvidence:
		case CondMaxChangePercent:
			if c.Value < 0 {
				return fmt.Errorf("approval rule %q: negative max_change_percent", r.ID)
			}
		default:
			return fmt.Errorf("approval rule %q: unknown condition %q", r.ID, c.Kind)
		}
	}
	return nil
}

// SortRules orders rules by descending priority, then ascending id.
// The input slice is not modified.
func SortRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

package approval

import (
	"fmt"
	"math"

	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// percentEpsilon absorbs float rounding at the exact bound.
const percentEpsilon = 1e-9

// Config holds evaluation settings. Enabled=false holds every submission
// for manual review.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	RulesPath string `mapstructure:"rules_path"`
}

// DefaultConfig returns the default approval configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		RulesPath: "approval-rules.yaml",
	}
}

// Input is what a decision depends on. Diff baselines are the record's
// values at evaluation time.
type Input struct {
	EntityType  string
	TrustLevel  int
	HasEvidence bool
	Diffs       []userdata.FieldDiff
}

// InputFor builds an Input from a submission and its submitter's profile.
func InputFor(sub *userdata.Submission, trust userdata.TrustProfile) Input {
	return Input{
		EntityType:  sub.EntityType,
		TrustLevel:  trust.TrustLevel,
		HasEvidence: sub.HasEvidence(),
		Diffs:       sub.FieldDiffs,
	}
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Status userdata.SubmissionStatus `json:"status"`
	RuleID string                    `json:"ruleId,omitempty"`
	Reason string                    `json:"reason"`
}

// Evaluate returns auto_approved for the first rule, in descending priority
// then ascending id, whose conditions all hold; otherwise pending.
func Evaluate(in Input, rules []Rule, cfg Config) Decision {
	if !cfg.Enabled {
		return Decision{Status: userdata.StatusPending, Reason: "auto-approval disabled"}
	}
	for _, r := range SortRules(rules) {
		if ok, _ := r.Matches(in); ok {
			return Decision{
				Status: userdata.StatusAutoApproved,
				RuleID: r.ID,
				Reason: fmt.Sprintf("matched rule %s", r.ID),
			}
		}
	}
	return Decision{Status: userdata.StatusPending, Reason: "no rule matched"}
}

// Matches reports whether every condition of r holds for in. When it does
// not, the first failing condition is returned.
func (r Rule) Matches(in Input) (bool, *Condition) {
	for i := range r.Conditions {
		if !r.Conditions[i].Holds(in) {
			return false, &r.Conditions[i]
		}
	}
	return true, nil
}

// Holds evaluates a single condition. Unknown kinds never hold.
func (c Condition) Holds(in Input) bool {
	switch c.Kind {
	case CondEntityType:
		for _, t := range c.Values {
			if t == in.EntityType || t == "*" {
				return true
			}
		}
		return false
	case CondMinTrust:
		return float64(in.TrustLevel) >= c.Value
	case CondEvidence:
		return in.HasEvidence
	case CondMaxChangePercent:
		for _, d := range in.Diffs {
			if !withinPercent(d, c.Value) {
				return false
			}
		}
		return true
	}
	return false
}

// withinPercent checks |proposed - baseline| / |baseline| against the bound
// for numeric diffs. Non-numeric diffs are not bounded by a percentage.
func withinPercent(d userdata.FieldDiff, maxPercent float64) bool {
	base, baseNum := records.AsNumber(d.Baseline)
	proposed, propNum := records.AsNumber(d.Proposed)
	if !baseNum && !propNum {
		return true
	}
	if baseNum != propNum {
		return false
	}
	delta := math.Abs(proposed - base)
	if base == 0 {
		return delta == 0
	}
	return delta/math.Abs(base)*100 <= maxPercent+percentEpsilon
}

// Engine holds a validated, pre-sorted rule set.
type Engine struct {
	rules []Rule
}

// NewEngine creates an Engine over rules.
func NewEngine(rules []Rule) (*Engine, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return &Engine{rules: SortRules(rules)}, nil
}

// LoadEngine loads the rules file named by cfg.RulesPath. An enabled flag in
// the file can only switch auto-approval off, never on.
func LoadEngine(cfg *Config) (*Engine, *Config, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	rules, enabled, err := LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, nil, err
	}
	effective := *cfg
	if enabled != nil && !*enabled {
		effective.Enabled = false
	}
	e, err := NewEngine(rules)
	if err != nil {
		return nil, nil, err
	}
	return e, &effective, nil
}

// Evaluate evaluates in against the engine's rules.
func (e *Engine) Evaluate(in Input, cfg Config) Decision {
	if e == nil {
		return Evaluate(in, nil, cfg)
	}
	return Evaluate(in, e.rules, cfg)
}

// Rules returns the engine's rules in evaluation order.
func (e *Engine) Rules() []Rule {
	if e == nil {
		return nil
	}
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

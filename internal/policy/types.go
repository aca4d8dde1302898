package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
)

// #region action
// Action enumerates what a decision asks the version store to do.
type Action string

const (
	ActionPromote            Action = "promote"
	ActionRollback           Action = "rollback"
	ActionStartExperiment    Action = "start_experiment"
	ActionConcludeExperiment Action = "conclude_experiment"
	ActionHold               Action = "hold"
)

// #endregion action

// #region rule
// RuleKind names one rule of the decision rule set.
type RuleKind string

const (
	RuleRollbackOnSafety            RuleKind = "rollback_on_safety"
	RuleConcludeExperiment          RuleKind = "conclude_experiment"
	RulePromoteOnImprovement        RuleKind = "promote_on_improvement"
	RuleStartExperimentOnStagnation RuleKind = "start_experiment_on_stagnation"
)

// Rule is one entry of the ordered rule list. Rules are evaluated in order and
// the first one that fires produces the decision.
type Rule struct {
	Kind RuleKind `yaml:"kind" json:"kind"`
}

// DefaultRules is the rule order used when a config lists none.
func DefaultRules() []Rule {
	return []Rule{
		{Kind: RuleRollbackOnSafety},
		{Kind: RuleConcludeExperiment},
		{Kind: RulePromoteOnImprovement},
		{Kind: RuleStartExperimentOnStagnation},
	}
}

// #endregion rule

// #region config
// MarginMode selects how ImprovementMargin is applied to the active mean.
type MarginMode string

const (
	MarginRelative MarginMode = "relative" // candidate >= active * (1 + margin)
	MarginAbsolute MarginMode = "absolute" // candidate >= active + margin
)

var ErrInvalidConfig = errors.New("invalid policy config")

// Config holds the thresholds and rule order for Decide.
type Config struct {
	ImprovementMargin     float64       `yaml:"improvement_margin" json:"improvement_margin"`
	MarginMode            MarginMode    `yaml:"margin_mode" json:"margin_mode"`
	MinSamples            int           `yaml:"min_samples" json:"min_samples"`
	PilotSamples          int           `yaml:"pilot_samples" json:"pilot_samples"`
	StagnationLimit       int           `yaml:"stagnation_limit" json:"stagnation_limit"`
	SafetyThreshold       int           `yaml:"safety_threshold" json:"safety_threshold"`
	ExperimentWeight      float64       `yaml:"experiment_weight" json:"experiment_weight"`
	ExperimentMaxDuration time.Duration `yaml:"experiment_max_duration" json:"experiment_max_duration"`
	ExperimentMaxSamples  int           `yaml:"experiment_max_samples" json:"experiment_max_samples"`
	Rules                 []Rule        `yaml:"rules" json:"rules"`
}

// DefaultConfig returns the thresholds used when no policy file overrides them.
func DefaultConfig() Config {
	return Config{
		ImprovementMargin:     0.03,
		MarginMode:            MarginRelative,
		MinSamples:            200,
		PilotSamples:          0,
		StagnationLimit:       3,
		SafetyThreshold:       2,
		ExperimentWeight:      0.1,
		ExperimentMaxDuration: 72 * time.Hour,
		ExperimentMaxSamples:  1000,
		Rules:                 DefaultRules(),
	}
}

// Validate rejects configs Decide cannot evaluate meaningfully.
func (c Config) Validate() error {
	switch {
	case c.ImprovementMargin < 0:
		return fmt.Errorf("improvement_margin %.4f < 0: %w", c.ImprovementMargin, ErrInvalidConfig)
	case c.MarginMode != MarginRelative && c.MarginMode != MarginAbsolute:
		return fmt.Errorf("margin_mode %q: %w", c.MarginMode, ErrInvalidConfig)
	case c.MinSamples <= 0:
		return fmt.Errorf("min_samples %d <= 0: %w", c.MinSamples, ErrInvalidConfig)
	case c.PilotSamples < 0 || c.PilotSamples >= c.MinSamples:
		return fmt.Errorf("pilot_samples %d must be in [0, min_samples): %w", c.PilotSamples, ErrInvalidConfig)
	case c.StagnationLimit <= 0:
		return fmt.Errorf("stagnation_limit %d <= 0: %w", c.StagnationLimit, ErrInvalidConfig)
	case c.SafetyThreshold < 0:
		return fmt.Errorf("safety_threshold %d < 0: %w", c.SafetyThreshold, ErrInvalidConfig)
	case c.ExperimentWeight <= 0 || c.ExperimentWeight >= 1:
		return fmt.Errorf("experiment_weight %.4f outside (0, 1): %w", c.ExperimentWeight, ErrInvalidConfig)
	case c.ExperimentMaxDuration <= 0 && c.ExperimentMaxSamples <= 0:
		return fmt.Errorf("experiment needs a duration or sample cap: %w", ErrInvalidConfig)
	}
	for _, r := range c.Rules {
		switch r.Kind {
		case RuleRollbackOnSafety, RuleConcludeExperiment, RulePromoteOnImprovement, RuleStartExperimentOnStagnation:
		default:
			return fmt.Errorf("rule kind %q: %w", r.Kind, ErrInvalidConfig)
		}
	}
	return nil
}

// #endregion config

// #region input
// Experiment describes a running split as seen by the caller.
type Experiment struct {
	ControlID int64         `json:"control_id"`
	VariantID int64         `json:"variant_id"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Input is everything Decide may look at. The caller fills EvaluatedAt; Decide
// never reads the clock.
type Input struct {
	Tag         string              `json:"tag"`
	Generation  int64               `json:"generation"`
	Active      []feedback.Snapshot `json:"active"` // primary member first
	Candidates  []feedback.Snapshot `json:"candidates"`
	Experiment  *Experiment         `json:"experiment,omitempty"`
	Stagnation  int                 `json:"stagnation"`
	EvaluatedAt time.Time           `json:"evaluated_at"`
}

// #endregion input

// #region decision
// Decision is the output of Decide. It is recorded for every evaluation,
// including holds, and applied only against Generation.
type Decision struct {
	Tag             string    `json:"tag"`
	Action          Action    `json:"action"`
	TargetVersionID int64     `json:"target_version_id,omitempty"`
	Weight          float64   `json:"weight,omitempty"` // variant share for start_experiment
	Generation      int64     `json:"generation"`
	Rule            RuleKind  `json:"rule,omitempty"`
	Reason          string    `json:"reason"`
	SafetyBreach    bool      `json:"safety_breach,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// #endregion decision

package policy

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
)

// #region decide
// Decide maps a metrics snapshot to one deployment action. It is a pure
// function: identical inputs always produce an identical Decision.
func Decide(in Input, cfg Config) Decision {
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	for _, r := range rules {
		var (
			d     Decision
			fired bool
		)
		switch r.Kind {
		case RuleRollbackOnSafety:
			d, fired = rollbackOnSafety(in, cfg)
		case RuleConcludeExperiment:
			d, fired = concludeExperiment(in, cfg)
		case RulePromoteOnImprovement:
			d, fired = promoteOnImprovement(in, cfg)
		case RuleStartExperimentOnStagnation:
			d, fired = startExperimentOnStagnation(in, cfg)
		}
		if fired {
			d.Tag = in.Tag
			d.Generation = in.Generation
			d.Rule = r.Kind
			d.DecidedAt = in.EvaluatedAt
			return d
		}
	}

	return Decision{
		Tag:        in.Tag,
		Action:     ActionHold,
		Generation: in.Generation,
		Reason:     holdReason(in, cfg),
		DecidedAt:  in.EvaluatedAt,
	}
}

// #endregion decide

// #region rules
// rollbackOnSafety is the only rule that ignores sample counts.
func rollbackOnSafety(in Input, cfg Config) (Decision, bool) {
	for _, a := range in.Active {
		if a.SafetyViolations > cfg.SafetyThreshold {
			return Decision{
				Action:          ActionRollback,
				TargetVersionID: a.VersionID,
				SafetyBreach:    true,
				Reason: fmt.Sprintf("v%d safety violations %d exceed threshold %d",
					a.VersionID, a.SafetyViolations, cfg.SafetyThreshold),
			}, true
		}
	}
	return Decision{}, false
}

func concludeExperiment(in Input, cfg Config) (Decision, bool) {
	if in.Experiment == nil {
		return Decision{}, false
	}
	control, okC := find(in.Active, in.Experiment.ControlID)
	variant, okV := find(in.Active, in.Experiment.VariantID)
	if !okC {
		control = feedback.Snapshot{Tag: in.Tag, VersionID: in.Experiment.ControlID}
	}
	if !okV {
		variant = feedback.Snapshot{Tag: in.Tag, VersionID: in.Experiment.VariantID}
	}

	durationCap := cfg.ExperimentMaxDuration > 0 && in.Experiment.Elapsed >= cfg.ExperimentMaxDuration
	sampleCap := cfg.ExperimentMaxSamples > 0 && samples(variant) >= int64(cfg.ExperimentMaxSamples)
	if !durationCap && !sampleCap {
		return Decision{}, false
	}

	limit := fmt.Sprintf("elapsed %s", in.Experiment.Elapsed)
	if sampleCap {
		limit = fmt.Sprintf("variant samples %d", samples(variant))
	}
	if Qualifies(variant, control, cfg) {
		return Decision{
			Action:          ActionConcludeExperiment,
			TargetVersionID: variant.VersionID,
			Reason: fmt.Sprintf("experiment capped (%s): variant v%d mean %.4f beats control v%d mean %.4f",
				limit, variant.VersionID, variant.Mean, control.VersionID, control.Mean),
		}, true
	}
	return Decision{
		Action:          ActionConcludeExperiment,
		TargetVersionID: control.VersionID,
		Reason: fmt.Sprintf("experiment capped (%s): variant v%d did not qualify, keeping control v%d",
			limit, variant.VersionID, control.VersionID),
	}, true
}

func promoteOnImprovement(in Input, cfg Config) (Decision, bool) {
	if in.Experiment != nil || len(in.Active) == 0 {
		return Decision{}, false
	}
	active := in.Active[0]
	winner, ok := best(in.Candidates, func(c feedback.Snapshot) bool {
		return Qualifies(c, active, cfg)
	})
	if !ok {
		return Decision{}, false
	}
	return Decision{
		Action:          ActionPromote,
		TargetVersionID: winner.VersionID,
		Reason: fmt.Sprintf("candidate v%d mean %.4f (n=%d) beats active v%d mean %.4f by margin %.4f %s",
			winner.VersionID, winner.Mean, winner.Count, active.VersionID, active.Mean, cfg.ImprovementMargin, cfg.MarginMode),
	}, true
}

func startExperimentOnStagnation(in Input, cfg Config) (Decision, bool) {
	if in.Experiment != nil || in.Stagnation < cfg.StagnationLimit {
		return Decision{}, false
	}
	pilot, ok := best(in.Candidates, func(c feedback.Snapshot) bool {
		return c.Count >= cfg.PilotSamples && c.Count < cfg.MinSamples && c.SafetyViolations == 0
	})
	if !ok {
		return Decision{}, false
	}
	return Decision{
		Action:          ActionStartExperiment,
		TargetVersionID: pilot.VersionID,
		Weight:          cfg.ExperimentWeight,
		Reason: fmt.Sprintf("stagnant for %d cycles (limit %d): piloting v%d (n=%d) at weight %.4f",
			in.Stagnation, cfg.StagnationLimit, pilot.VersionID, pilot.Count, cfg.ExperimentWeight),
	}, true
}

// #endregion rules

// #region comparison
// Qualifies reports whether candidate beats reference by the configured margin
// with enough samples and no safety violations.
func Qualifies(candidate, reference feedback.Snapshot, cfg Config) bool {
	if candidate.SafetyViolations > 0 || candidate.Count < cfg.MinSamples {
		return false
	}
	return exceedsMargin(candidate.Mean, reference.Mean, cfg)
}

// Improved reports whether the best-scoring candidate, or the running
// experiment's variant, beat the primary active mean by the margin in this
// cycle. A false result advances the stagnation counter.
func Improved(in Input, cfg Config) bool {
	if len(in.Active) == 0 {
		return false
	}
	pool := in.Candidates
	if in.Experiment != nil {
		if v, ok := find(in.Active, in.Experiment.VariantID); ok {
			pool = append(append([]feedback.Snapshot(nil), in.Candidates...), v)
		}
	}
	top, ok := best(pool, func(c feedback.Snapshot) bool { return c.Count > 0 })
	if !ok {
		return false
	}
	return exceedsMargin(top.Mean, in.Active[0].Mean, cfg)
}

// samples is the number of records a version accumulated, not only those
// still inside its window.
func samples(s feedback.Snapshot) int64 {
	return max(s.Total, int64(s.Count))
}

func exceedsMargin(candidate, reference float64, cfg Config) bool {
	if cfg.MarginMode == MarginAbsolute {
		return candidate >= reference+cfg.ImprovementMargin
	}
	return candidate >= reference*(1+cfg.ImprovementMargin)
}

// best returns the eligible snapshot with the highest mean, breaking ties on
// the highest version id.
func best(snaps []feedback.Snapshot, eligible func(feedback.Snapshot) bool) (feedback.Snapshot, bool) {
	var (
		out   feedback.Snapshot
		found bool
	)
	for _, s := range snaps {
		if !eligible(s) {
			continue
		}
		if !found || s.Mean > out.Mean || (s.Mean == out.Mean && s.VersionID > out.VersionID) {
			out = s
			found = true
		}
	}
	return out, found
}

func find(snaps []feedback.Snapshot, versionID int64) (feedback.Snapshot, bool) {
	for _, s := range snaps {
		if s.VersionID == versionID {
			return s, true
		}
	}
	return feedback.Snapshot{}, false
}

func holdReason(in Input, cfg Config) string {
	switch {
	case in.Experiment != nil:
		return fmt.Sprintf("experiment v%d vs v%d running for %s", in.Experiment.ControlID, in.Experiment.VariantID, in.Experiment.Elapsed)
	case len(in.Candidates) == 0:
		return "no candidates"
	default:
		return fmt.Sprintf("no candidate qualified (min_samples=%d, stagnation %d/%d)", cfg.MinSamples, in.Stagnation, cfg.StagnationLimit)
	}
}

// #endregion comparison

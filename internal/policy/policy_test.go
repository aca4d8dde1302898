package policy

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
)

var evalTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snap(id int64, mean float64, n, violations int) feedback.Snapshot {
	return feedback.Snapshot{Tag: "quality_control", VersionID: id, Mean: mean, Count: n, SafetyViolations: violations}
}

func baseInput() Input {
	return Input{
		Tag:         "quality_control",
		Generation:  7,
		Active:      []feedback.Snapshot{snap(3, 0.80, 250, 0)},
		EvaluatedAt: evalTime,
	}
}

func TestDecidePromoteOnImprovement(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.85, 220, 0)}

	d := Decide(in, DefaultConfig())

	if d.Action != ActionPromote {
		t.Fatalf("expected promote, got %s: %s", d.Action, d.Reason)
	}
	if d.TargetVersionID != 4 {
		t.Fatalf("expected target 4, got %d", d.TargetVersionID)
	}
	if d.Generation != 7 || d.Tag != "quality_control" {
		t.Fatalf("decision not bound to input: %+v", d)
	}
	if !d.DecidedAt.Equal(evalTime) {
		t.Fatalf("expected decided_at %v, got %v", evalTime, d.DecidedAt)
	}
	if d.Rule != RulePromoteOnImprovement {
		t.Fatalf("expected rule %s, got %s", RulePromoteOnImprovement, d.Rule)
	}
}

func TestDecideHoldBelowMinSamples(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.95, 150, 0)}

	d := Decide(in, DefaultConfig())
	if d.Action != ActionHold {
		t.Fatalf("expected hold, got %s", d.Action)
	}
}

func TestDecideHoldBelowMargin(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.81, 500, 0)}

	d := Decide(in, DefaultConfig())
	if d.Action != ActionHold {
		t.Fatalf("expected hold, got %s: %s", d.Action, d.Reason)
	}
}

func TestDecideCandidateWithViolationsNotPromoted(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.95, 500, 1)}

	d := Decide(in, DefaultConfig())
	if d.Action != ActionHold {
		t.Fatalf("expected hold, got %s", d.Action)
	}
}

func TestDecideAbsoluteMargin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarginMode = MarginAbsolute
	cfg.ImprovementMargin = 0.1

	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.85, 220, 0)}
	if d := Decide(in, cfg); d.Action != ActionHold {
		t.Fatalf("0.85 should not clear 0.80+0.1, got %s", d.Action)
	}

	in.Candidates = []feedback.Snapshot{snap(4, 0.91, 220, 0)}
	if d := Decide(in, cfg); d.Action != ActionPromote {
		t.Fatalf("0.91 should clear 0.80+0.1, got %s", d.Action)
	}
}

func TestDecideRollbackOnSafetyIgnoresSamples(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.90, 4, 3)}
	in.Candidates = []feedback.Snapshot{snap(4, 0.99, 1000, 0)}

	d := Decide(in, DefaultConfig())

	if d.Action != ActionRollback {
		t.Fatalf("expected rollback, got %s", d.Action)
	}
	if !d.SafetyBreach {
		t.Fatal("expected safety breach flag")
	}
	if d.TargetVersionID != 3 {
		t.Fatalf("expected breaching version 3, got %d", d.TargetVersionID)
	}
}

func TestDecideSafetyAtThresholdHolds(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.90, 300, 2)}

	d := Decide(in, DefaultConfig())
	if d.Action == ActionRollback {
		t.Fatal("violations equal to threshold must not roll back")
	}
}

func TestDecideStartExperimentOnStagnation(t *testing.T) {
	in := baseInput()
	in.Stagnation = 3
	in.Candidates = []feedback.Snapshot{snap(4, 0.70, 0, 0), snap(5, 0.75, 40, 0)}

	d := Decide(in, DefaultConfig())

	if d.Action != ActionStartExperiment {
		t.Fatalf("expected start_experiment, got %s: %s", d.Action, d.Reason)
	}
	if d.TargetVersionID != 5 {
		t.Fatalf("expected best pilot 5, got %d", d.TargetVersionID)
	}
	if d.Weight != DefaultConfig().ExperimentWeight {
		t.Fatalf("expected weight %.2f, got %.2f", DefaultConfig().ExperimentWeight, d.Weight)
	}
}

func TestDecideNoExperimentBeforeStagnationLimit(t *testing.T) {
	in := baseInput()
	in.Stagnation = 2
	in.Candidates = []feedback.Snapshot{snap(4, 0.70, 40, 0)}

	if d := Decide(in, DefaultConfig()); d.Action != ActionHold {
		t.Fatalf("expected hold, got %s", d.Action)
	}
}

func TestDecideRespectsPilotSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PilotSamples = 20

	in := baseInput()
	in.Stagnation = 5
	in.Candidates = []feedback.Snapshot{snap(4, 0.70, 10, 0)}

	if d := Decide(in, cfg); d.Action != ActionHold {
		t.Fatalf("expected hold below pilot size, got %s", d.Action)
	}
}

func TestDecideNoPromoteDuringExperiment(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.80, 250, 0), snap(4, 0.81, 30, 0)}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4, Elapsed: time.Hour}
	in.Stagnation = 10
	in.Candidates = []feedback.Snapshot{snap(5, 0.99, 900, 0)}

	d := Decide(in, DefaultConfig())
	if d.Action != ActionHold {
		t.Fatalf("expected hold while experiment runs, got %s", d.Action)
	}
}

func TestDecideConcludeExperimentVariantWins(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.80, 2000, 0), snap(4, 0.86, 1000, 0)}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4, Elapsed: time.Hour}

	d := Decide(in, DefaultConfig())

	if d.Action != ActionConcludeExperiment {
		t.Fatalf("expected conclude_experiment, got %s", d.Action)
	}
	if d.TargetVersionID != 4 {
		t.Fatalf("expected variant 4, got %d", d.TargetVersionID)
	}
}

func TestDecideConcludeExperimentKeepsControl(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.80, 100, 0), snap(4, 0.95, 12, 0)}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4, Elapsed: 80 * time.Hour}

	d := Decide(in, DefaultConfig())

	if d.Action != ActionConcludeExperiment {
		t.Fatalf("expected conclude_experiment, got %s", d.Action)
	}
	if d.TargetVersionID != 3 {
		t.Fatalf("expected control 3 (variant lacks samples), got %d", d.TargetVersionID)
	}
}

func TestDecideSampleCapCountsEvictedRecords(t *testing.T) {
	cfg := DefaultConfig()
	in := baseInput()
	variant := snap(4, 0.90, feedback.DefaultConfig().WindowSize, 0)
	variant.Total = int64(cfg.ExperimentMaxSamples)
	in.Active = []feedback.Snapshot{snap(3, 0.80, 500, 0), variant}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4, Elapsed: time.Hour}

	d := Decide(in, cfg)
	if d.Action != ActionConcludeExperiment || d.TargetVersionID != 4 {
		t.Fatalf("expected conclude to v4 once total reaches the cap, got %s v%d", d.Action, d.TargetVersionID)
	}

	in.Active[1].Total = int64(cfg.ExperimentMaxSamples) - 1
	if d := Decide(in, cfg); d.Action != ActionHold {
		t.Fatalf("expected hold below the cap, got %s", d.Action)
	}
}

func TestDecideVariantSafetyBreachRollsBack(t *testing.T) {
	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.80, 100, 0), snap(4, 0.95, 12, 5)}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4, Elapsed: 80 * time.Hour}

	d := Decide(in, DefaultConfig())
	if d.Action != ActionRollback || d.TargetVersionID != 4 {
		t.Fatalf("expected rollback of variant 4, got %s v%d", d.Action, d.TargetVersionID)
	}
}

func TestDecideTieBreaksOnHighestVersion(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(5, 0.90, 300, 0), snap(9, 0.90, 300, 0), snap(7, 0.90, 300, 0)}

	d := Decide(in, DefaultConfig())
	if d.TargetVersionID != 9 {
		t.Fatalf("expected tie broken to 9, got %d", d.TargetVersionID)
	}
}

func TestDecideCustomRuleOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{Kind: RulePromoteOnImprovement}}

	in := baseInput()
	in.Active = []feedback.Snapshot{snap(3, 0.80, 250, 9)}

	if d := Decide(in, cfg); d.Action != ActionHold {
		t.Fatalf("rollback rule disabled, expected hold, got %s", d.Action)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	in := baseInput()
	in.Candidates = []feedback.Snapshot{snap(4, 0.85, 220, 0), snap(5, 0.84, 900, 0)}
	cfg := DefaultConfig()

	first := Decide(in, cfg)
	for i := 0; i < 50; i++ {
		if got := Decide(in, cfg); !reflect.DeepEqual(first, got) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, got)
		}
	}
}

func TestImproved(t *testing.T) {
	in := baseInput()
	if Improved(in, DefaultConfig()) {
		t.Fatal("no candidates cannot improve")
	}
	in.Candidates = []feedback.Snapshot{snap(4, 0.83, 5, 0)}
	if !Improved(in, DefaultConfig()) {
		t.Fatal("0.83 clears 0.80 * 1.03")
	}
	in.Candidates = []feedback.Snapshot{snap(4, 0.81, 500, 0)}
	if Improved(in, DefaultConfig()) {
		t.Fatal("0.81 does not clear 0.824")
	}

	in.Candidates = nil
	in.Active = []feedback.Snapshot{snap(3, 0.70, 300, 0), snap(4, 0.90, 500, 0)}
	in.Experiment = &Experiment{ControlID: 3, VariantID: 4}
	if !Improved(in, DefaultConfig()) {
		t.Fatal("experiment variant beating control counts as improvement")
	}
	in.Active[1].Mean = 0.71
	if Improved(in, DefaultConfig()) {
		t.Fatal("0.71 does not clear 0.721")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := map[string]func(*Config){
		"negative margin": func(c *Config) { c.ImprovementMargin = -1 },
		"margin mode":     func(c *Config) { c.MarginMode = "percent" },
		"min samples":     func(c *Config) { c.MinSamples = 0 },
		"pilot too big":   func(c *Config) { c.PilotSamples = c.MinSamples },
		"stagnation":      func(c *Config) { c.StagnationLimit = 0 },
		"weight":          func(c *Config) { c.ExperimentWeight = 1 },
		"no caps":         func(c *Config) { c.ExperimentMaxDuration = 0; c.ExperimentMaxSamples = 0 },
		"rule kind":       func(c *Config) { c.Rules = []Rule{{Kind: "yolo"}} },
	}
	for name, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/adaptive-router/internal/policy"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string         `json:"description"`
	Config      *policy.Config `json:"config,omitempty"` // nil uses policy.DefaultConfig
	Cases       []FixtureCase  `json:"cases"`
}

// FixtureCase is one policy input with its expected decision.
type FixtureCase struct {
	ID       string       `json:"id"`
	Input    policy.Input `json:"input"`
	Expected Expectation  `json:"expected"`
}

// #endregion fixture-types

// #region load

// LoadFixture reads and validates a fixture file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Config != nil {
		if len(f.Config.Rules) == 0 {
			f.Config.Rules = policy.DefaultRules()
		}
		if err := f.Config.Validate(); err != nil {
			return Fixture{}, fmt.Errorf("fixture config: %w", err)
		}
	}
	return f, nil
}

// ToCases converts the fixture into replay cases.
func (f Fixture) ToCases() []Case {
	cfg := policy.DefaultConfig()
	if f.Config != nil {
		cfg = *f.Config
	}
	cases := make([]Case, len(f.Cases))
	for i, fc := range f.Cases {
		cases[i] = Case{ID: fc.ID, Input: fc.Input, Config: cfg, Expected: fc.Expected}
	}
	return cases
}

// ReplayFile loads a fixture and replays it.
func ReplayFile(path string, override *policy.Config) ([]Result, Summary, error) {
	f, err := LoadFixture(path)
	if err != nil {
		return nil, Summary{}, err
	}
	results, sum := Replay(f.ToCases(), override)
	return results, sum, nil
}

// #endregion load

package scoring

import (
	"context"
	"time"
)

// #region scorer-interface

// Scorer abstracts the external scoring RPC so Producer can be tested without gRPC.
type Scorer interface {
	Score(ctx context.Context, output string, scoreCtx map[string]string) (float64, map[string]float64, error)
}

// #endregion scorer-interface

// #region config

// Config holds the weights used to fold evaluator outputs into one composite.
type Config struct {
	Weights     map[string]float64 `yaml:"weights"`
	SafetyKey   string             `yaml:"safety_key"`   // sub-score checked against SafetyFloor
	SafetyFloor float64            `yaml:"safety_floor"` // sub[SafetyKey] < floor is a safety violation
	MaxAttempts int                `yaml:"max_attempts"` // scoring RPC attempts per outcome
	Backoff     time.Duration      `yaml:"backoff"`      // initial retry interval
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			"relevance": 0.4,
			"coherence": 0.3,
			"safety":    0.3,
		},
		SafetyKey:   "safety",
		SafetyFloor: 0.5,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}
}

// #endregion config

// #region result

// Result is one scored outcome ready for the feedback aggregator.
type Result struct {
	Composite       float64
	SubScores       map[string]float64
	SafetyViolation bool
}

// #endregion result

package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CompositeKey lets a caller pass a precomputed composite inside a score map.
const CompositeKey = "composite"

// #region producer

// Producer turns evaluator outputs into Results.
type Producer struct {
	scorer Scorer
	config Config
	logger *slog.Logger
}

// NewProducer creates a Producer. scorer may be nil when only FromScores is used.
func NewProducer(scorer Scorer, config Config, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{scorer: scorer, config: config, logger: logger.With("component", "scoring")}
}

// #endregion producer

// #region produce

// Produce scores an execution output through the external scorer, retrying
// transient failures with exponential backoff.
func (p *Producer) Produce(ctx context.Context, output string, scoreCtx map[string]string) (Result, error) {
	if p.scorer == nil {
		return Result{}, fmt.Errorf("produce score: no scorer configured")
	}

	b := backoff.NewExponentialBackOff()
	if p.config.Backoff > 0 {
		b.InitialInterval = p.config.Backoff
	}
	attempts := p.config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	type scored struct {
		composite float64
		sub       map[string]float64
	}
	res, err := backoff.Retry(ctx, func() (scored, error) {
		c, sub, err := p.scorer.Score(ctx, output, scoreCtx)
		if err != nil {
			return scored{}, err
		}
		return scored{c, sub}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			p.logger.Warn("scoring retry", "error", err, "backoff", d)
		}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("score output: %w", err)
	}

	return Result{
		Composite:       clamp(res.composite),
		SubScores:       res.sub,
		SafetyViolation: p.config.SafetyViolation(res.sub),
	}, nil
}

// FromScores builds a Result from a raw score map as posted by an evaluator.
// A "composite" entry is used as-is; otherwise the weighted composite of the
// remaining entries is computed.
func (p *Producer) FromScores(scores map[string]float64) Result {
	sub := make(map[string]float64, len(scores))
	for k, v := range scores {
		if k != CompositeKey {
			sub[k] = v
		}
	}
	composite, ok := scores[CompositeKey]
	if !ok {
		composite = p.config.Composite(sub)
	}
	return Result{
		Composite:       clamp(composite),
		SubScores:       sub,
		SafetyViolation: p.config.SafetyViolation(sub),
	}
}

// #endregion produce

// #region composite

// Composite returns the weighted mean of the sub-scores that have a weight.
// Unweighted keys are ignored; with no weighted keys it falls back to the
// plain mean.
func (c Config) Composite(sub map[string]float64) float64 {
	if len(sub) == 0 {
		return 0
	}
	var sum, weight float64
	for k, v := range sub {
		if w, ok := c.Weights[k]; ok && w > 0 {
			sum += w * v
			weight += w
		}
	}
	if weight == 0 {
		for _, v := range sub {
			sum += v
		}
		return clamp(sum / float64(len(sub)))
	}
	return clamp(sum / weight)
}

// SafetyViolation reports whether the safety sub-score is below the floor.
// A missing safety sub-score is not a violation.
func (c Config) SafetyViolation(sub map[string]float64) bool {
	if c.SafetyKey == "" {
		return false
	}
	v, ok := sub[c.SafetyKey]
	return ok && v < c.SafetyFloor
}

// #endregion composite

// #region helpers

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers

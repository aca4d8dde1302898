package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/danielpatrickdp/adaptive-router/internal/codec"
	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
)

// #region tune

// tune asks the tuner for a new payload, retrying failures with exponential
// backoff up to MaxAttempts. Every attempt runs under TuningTimeout; a
// timeout counts as a tuning failure. It returns the number of attempts made.
// Cancellation of ctx stops retries immediately.
func (s *Scheduler) tune(ctx context.Context, tag, payload string, batch []feedback.Record) (string, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.InitialBackoff
	if s.config.MaxBackoff > 0 {
		b.MaxInterval = s.config.MaxBackoff
	}

	attempts := 0
	out, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		p, err := s.attempt(ctx, payload, batch)
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		return p, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(s.config.MaxAttempts, 1))),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.logger.Warn("tuning attempt failed", "tag", tag, "attempt", attempts, "error", err, "backoff", d)
		}),
	)
	return out, attempts, err
}

func (s *Scheduler) attempt(ctx context.Context, payload string, batch []feedback.Record) (string, error) {
	actx := ctx
	if s.config.TuningTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.config.TuningTimeout)
		defer cancel()
	}

	start := time.Now()
	p, err := s.deps.Tuner.ProduceCandidate(actx, payload, batch)
	result := "ok"
	switch {
	case err == nil && p == "":
		err = fmt.Errorf("empty payload: %w", codec.ErrTuningFailed)
		result = "failed"
	case err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("timed out after %s: %w", s.config.TuningTimeout, codec.ErrTuningFailed)
		result = "timeout"
	case err != nil && !errors.Is(err, codec.ErrTuningFailed):
		err = fmt.Errorf("%w: %w", codec.ErrTuningFailed, err)
		result = "failed"
	case err != nil:
		result = "failed"
	}
	s.deps.Metrics.TuningAttempt(result, time.Since(start).Seconds())
	return p, err
}

// #endregion

package scheduler

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-router/internal/alert"
	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #endregion

// #region evaluate

// Evaluate runs one policy pass for tag without tuning, under the tag's
// lease. It fails with ErrAlreadyInProgress while a run holds the lease.
func (s *Scheduler) Evaluate(ctx context.Context, tag string) (policy.Decision, error) {
	if _, ok := s.deps.Store.LookupTag(tag); !ok {
		return policy.Decision{}, fmt.Errorf("evaluate %s: %w", tag, state.ErrUnknownTag)
	}
	var d policy.Decision
	err := s.Exclusive(ctx, tag, func(ctx context.Context) error {
		var err error
		d, err = s.decide(ctx, tag, false)
		return err
	})
	return d, err
}

// Exclusive runs fn while holding tag's lease, so operator writes to the
// active set never interleave with an optimization run or evaluation.
func (s *Scheduler) Exclusive(ctx context.Context, tag string, fn func(context.Context) error) error {
	token, ok, err := s.deps.Lease.Acquire(ctx, tag, s.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", tag, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", tag, ErrAlreadyInProgress)
	}
	defer func() {
		if err := s.deps.Lease.Release(context.WithoutCancel(ctx), tag, token); err != nil {
			s.logger.Error("lease release failed", "tag", tag, "error", err)
		}
	}()
	return fn(ctx)
}

// decide builds the policy input from the active set and the aggregator,
// applies the decision and writes it to the audit log. closeCycle marks the
// end of an optimization cycle and advances the stagnation counter.
func (s *Scheduler) decide(ctx context.Context, tag string, closeCycle bool) (policy.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.decide", trace.WithAttributes(attribute.String("scheduler.tag", tag)))
	defer span.End()

	cfg := s.Policy()
	in, err := s.input(ctx, tag)
	if err != nil {
		return policy.Decision{}, err
	}
	if closeCycle {
		in.Stagnation = s.deps.Aggregator.CloseCycle(tag, policy.Improved(in, cfg))
	}

	d := policy.Decide(in, cfg)
	span.SetAttributes(
		attribute.String("policy.action", string(d.Action)),
		attribute.Int64("policy.target_version_id", d.TargetVersionID),
	)

	outcome, applyErr := s.apply(ctx, d)
	s.deps.Metrics.Decision(tag, string(d.Action), outcome)
	if outcome == logging.OutcomeApplied && changesBaseline(in, d) {
		s.deps.Aggregator.ResetStagnation(tag)
	}
	if set, err := s.deps.Store.GetActive(tag); err == nil {
		s.deps.Metrics.Experiment(tag, set.IsExperiment())
	}

	logger := s.logger.With("tag", tag, "action", d.Action, "target", d.TargetVersionID, "outcome", outcome)
	if applyErr != nil && outcome == logging.OutcomeFailed {
		logger.Error("decision not applied", "reason", d.Reason, "error", applyErr)
	} else if d.Action != policy.ActionHold {
		logger.Info("decision applied", "reason", d.Reason)
	}

	if d.SafetyBreach {
		s.emit(ctx, alert.Alert{Kind: alert.KindSafetyBreach, Tag: tag, VersionID: d.TargetVersionID, Message: d.Reason})
		if outcome == logging.OutcomeFailed {
			s.emit(ctx, alert.Alert{Kind: alert.KindRollbackFailed, Tag: tag, VersionID: d.TargetVersionID, Message: applyErr.Error()})
		}
	}

	entry, err := logging.NewDecisionEntry(in, cfg, d, outcome, applyErr)
	if err != nil {
		return d, err
	}
	if err := logging.LogDecision(context.WithoutCancel(ctx), s.deps.Store.DB(), entry); err != nil {
		return d, fmt.Errorf("audit decision: %w", err)
	}
	return d, nil
}

// apply maps store errors to audit outcomes. Precondition failures are
// recorded, never retried.
func (s *Scheduler) apply(ctx context.Context, d policy.Decision) (string, error) {
	if d.Action == policy.ActionHold {
		return logging.OutcomeHeld, nil
	}
	_, err := s.deps.Store.Apply(ctx, d)
	switch {
	case err == nil:
		return logging.OutcomeApplied, nil
	case errors.Is(err, state.ErrAlreadyActive):
		return logging.OutcomeNoop, err
	case errors.Is(err, state.ErrStaleGeneration):
		return logging.OutcomeStale, err
	default:
		return logging.OutcomeFailed, err
	}
}

// changesBaseline reports whether an applied decision replaced the primary
// with a different version.
func changesBaseline(in policy.Input, d policy.Decision) bool {
	switch d.Action {
	case policy.ActionPromote, policy.ActionConcludeExperiment:
		return len(in.Active) == 0 || d.TargetVersionID != in.Active[0].VersionID
	}
	return false
}

// input snapshots the active members (primary first) and every candidate.
func (s *Scheduler) input(ctx context.Context, tag string) (policy.Input, error) {
	set, err := s.deps.Store.GetActive(tag)
	if err != nil {
		return policy.Input{}, err
	}
	cands, err := s.deps.Store.Candidates(ctx, tag)
	if err != nil {
		return policy.Input{}, err
	}

	now := s.now()
	primary := set.Primary()
	ids := []int64{primary.VersionID}
	variant, isExp := set.Variant()
	if isExp {
		ids = append(ids, variant.VersionID)
	}
	candIDs := make([]int64, len(cands))
	for i, c := range cands {
		candIDs[i] = c.VersionID
	}

	in := policy.Input{
		Tag:         tag,
		Generation:  set.Generation,
		Active:      s.deps.Aggregator.Snapshots(tag, ids),
		Candidates:  s.deps.Aggregator.Snapshots(tag, candIDs),
		Stagnation:  s.deps.Aggregator.Stagnation(tag),
		EvaluatedAt: now,
	}
	if isExp {
		in.Experiment = &policy.Experiment{
			ControlID: primary.VersionID,
			VariantID: variant.VersionID,
			Elapsed:   now.Sub(set.ExperimentStartedAt),
		}
	}
	return in, nil
}

// #endregion

// #region helpers

func (s *Scheduler) recent(ctx context.Context, tag string) ([]feedback.Record, error) {
	if s.deps.Log == nil {
		return nil, nil
	}
	recs, err := s.deps.Log.Recent(ctx, tag, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("feedback batch: %w", err)
	}
	return recs, nil
}

func (s *Scheduler) emit(ctx context.Context, a alert.Alert) {
	if a.At.IsZero() {
		a.At = s.now()
	}
	s.deps.Metrics.Alert(string(a.Kind))
	if s.deps.Alerts == nil {
		s.logger.Warn("alert", "kind", a.Kind, "tag", a.Tag, "version_id", a.VersionID, "message", a.Message)
		return
	}
	if err := s.deps.Alerts.Emit(context.WithoutCancel(ctx), a); err != nil {
		s.logger.Error("alert delivery failed", "kind", a.Kind, "tag", a.Tag, "error", err)
	}
}

// #endregion

// #region run-loop

// Run evaluates every tag each EvaluateInterval and triggers a run for each
// tag every OptimizeInterval. A tag whose stagnation counter reached the
// policy limit gets a stagnation trigger on the next evaluation tick. Run
// returns when ctx is done, after in-flight runs have stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Close()

	evalC, stopEval := tick(s.config.EvaluateInterval)
	defer stopEval()
	optC, stopOpt := tick(s.config.OptimizeInterval)
	defer stopOpt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-evalC:
			s.evaluateAll(ctx)
		case <-optC:
			for _, t := range s.deps.Store.Tags() {
				if t.Deprecated {
					continue
				}
				s.Trigger(ctx, t.Name, TriggerSchedule)
			}
		}
	}
}

// evaluateAll runs one policy pass per tag and fires a stagnation trigger for
// tags at the limit. Tags in experiment mode get no stagnation trigger.
func (s *Scheduler) evaluateAll(ctx context.Context) {
	limit := s.Policy().StagnationLimit
	for _, t := range s.deps.Store.Tags() {
		if _, err := s.Evaluate(ctx, t.Name); err != nil && !errors.Is(err, ErrAlreadyInProgress) {
			s.logger.Error("periodic evaluation failed", "tag", t.Name, "error", err)
			continue
		}
		if t.Deprecated || limit <= 0 || s.deps.Aggregator.Stagnation(t.Name) < limit {
			continue
		}
		if set, err := s.deps.Store.GetActive(t.Name); err != nil || set.IsExperiment() {
			continue
		}
		s.Trigger(ctx, t.Name, TriggerStagnation)
	}
}

// tick returns a ticker channel and its stop func. For d <= 0 the channel
// is nil and never fires.
func tick(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// #endregion

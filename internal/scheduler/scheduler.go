// Package scheduler drives per-tag optimization runs: lease, tune, register
// a candidate, decide and apply.
package scheduler

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-router/internal/alert"
	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/observability"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
)

// #endregion

// #region scheduler-struct

// Scheduler owns the Idle/Running state of every tag. Runs execute on their
// own goroutines and never hold a version store lock while calling out.
type Scheduler struct {
	deps   Deps
	config Config
	policy atomic.Pointer[policy.Config]
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*run

	ctx     context.Context
	stop    context.CancelFunc
	stopped atomic.Bool
	wg      sync.WaitGroup
}

type run struct {
	id      string
	trigger TriggerType
	token   string
	cancel  context.CancelFunc
}

// #endregion

// #region constructor

// New creates a Scheduler. Store, Aggregator, Tuner and Lease are required.
func New(deps Deps, config Config, policyCfg policy.Config) (*Scheduler, error) {
	if deps.Store == nil || deps.Aggregator == nil || deps.Tuner == nil {
		return nil, errors.New("scheduler: store, aggregator and tuner are required")
	}
	if err := policyCfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler policy: %w", err)
	}
	if deps.Lease == nil {
		deps.Lease = NewMemoryLease()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		deps:   deps,
		config: config,
		logger: logger.With("component", "scheduler"),
		tracer: observability.Tracer(),
		now:    time.Now,
		runs:   make(map[string]*run),
		ctx:    ctx,
		stop:   stop,
	}
	s.policy.Store(&policyCfg)
	return s, nil
}

// #endregion

// #region policy

// Policy returns the policy config currently in force.
func (s *Scheduler) Policy() policy.Config {
	return *s.policy.Load()
}

// SetPolicy swaps in a new policy config. Runs already deciding keep the
// config they loaded.
func (s *Scheduler) SetPolicy(cfg policy.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.policy.Store(&cfg)
	s.logger.Info("policy config updated", "margin", cfg.ImprovementMargin, "min_samples", cfg.MinSamples)
	return nil
}

// #endregion

// #region trigger

// Trigger starts an optimization run for tag if no other run holds its
// lease. The lease is taken before Trigger returns; the run itself is async.
func (s *Scheduler) Trigger(ctx context.Context, tag string, trigger TriggerType) Status {
	status := s.trigger(ctx, tag, trigger)
	s.deps.Metrics.Trigger(string(trigger), string(status))
	return status
}

func (s *Scheduler) trigger(ctx context.Context, tag string, trigger TriggerType) Status {
	if s.stopped.Load() {
		return StatusRejected
	}
	if _, ok := s.deps.Store.LookupTag(tag); !ok {
		s.logger.Warn("trigger for unknown tag", "tag", tag, "trigger", trigger)
		return StatusRejected
	}

	token, ok, err := s.deps.Lease.Acquire(ctx, tag, s.config.LeaseTTL)
	if err != nil {
		s.logger.Error("lease acquire failed", "tag", tag, "error", err)
		return StatusRejected
	}
	if !ok {
		s.logger.Info("optimization already in progress", "tag", tag, "trigger", trigger)
		return StatusAlreadyInProgress
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	r := &run{id: uuid.NewString(), trigger: trigger, token: token, cancel: cancel}

	// Close flips stopped under mu, so no Add can follow its Wait.
	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		cancel()
		if err := s.deps.Lease.Release(context.WithoutCancel(ctx), tag, token); err != nil {
			s.logger.Error("lease release failed", "tag", tag, "error", err)
		}
		return StatusRejected
	}
	s.runs[tag] = r
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.finish(tag, r)
		s.execute(runCtx, tag, r)
	}()
	return StatusScheduled
}

// finish releases the lease and returns the tag to Idle.
func (s *Scheduler) finish(tag string, r *run) {
	r.cancel()
	relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Lease.Release(relCtx, tag, r.token); err != nil {
		s.logger.Error("lease release failed", "tag", tag, "error", err)
	}

	s.mu.Lock()
	if s.runs[tag] == r {
		delete(s.runs, tag)
	}
	s.mu.Unlock()
}

// #endregion

// #region cancel-state

// Cancel stops the in-flight run for tag. It reports whether a run was found.
// A cancelled run never registers a candidate.
func (s *Scheduler) Cancel(tag string) bool {
	s.mu.Lock()
	r, ok := s.runs[tag]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.logger.Info("cancelling optimization", "tag", tag, "run_id", r.id)
	r.cancel()
	return true
}

// State reports whether tag currently has a run in flight.
func (s *Scheduler) State(tag string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[tag]; ok {
		return StateRunning
	}
	return StateIdle
}

// Close rejects new triggers, cancels every run and waits for them to finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.stopped.Store(true)
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

// #endregion

// #region execute

// execute is one Running phase: gather feedback, tune with retries, register
// the candidate, then decide and apply.
func (s *Scheduler) execute(ctx context.Context, tag string, r *run) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("scheduler.tag", tag),
		attribute.String("scheduler.run_id", r.id),
		attribute.String("scheduler.trigger", string(r.trigger)),
	))
	defer span.End()

	entry := logging.RunEntry{
		RunID:       r.id,
		Tag:         tag,
		TriggerType: string(r.trigger),
		StartedAt:   s.now(),
	}
	logger := s.logger.With("tag", tag, "run_id", r.id)
	logger.Info("optimization started", "trigger", r.trigger)

	err := s.optimize(ctx, tag, &entry, logger)
	switch {
	case err == nil:
		entry.Outcome = logging.RunSucceeded
	case ctx.Err() != nil:
		entry.Outcome = logging.RunCancelled
		entry.Error = err.Error()
		logger.Info("optimization cancelled", "attempts", entry.Attempts)
	default:
		entry.Outcome = logging.RunFailed
		entry.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		logger.Error("optimization failed", "attempts", entry.Attempts, "error", err)
	}
	entry.FinishedAt = s.now()
	s.deps.Metrics.Run(tag, entry.Outcome)

	// The run log is written even after cancellation.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := logging.LogRun(logCtx, s.deps.Store.DB(), entry); err != nil {
		logger.Error("failed to log run", "error", err)
	}
}

func (s *Scheduler) optimize(ctx context.Context, tag string, entry *logging.RunEntry, logger *slog.Logger) error {
	set, err := s.deps.Store.GetActive(tag)
	if err != nil {
		return err
	}
	current, err := s.deps.Store.GetVersion(ctx, tag, set.Primary().VersionID)
	if err != nil {
		return err
	}

	records, err := s.recent(ctx, tag)
	if err != nil {
		return err
	}

	payload, attempts, err := s.tune(ctx, tag, current.PayloadHandle, records)
	entry.Attempts = attempts
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.emit(ctx, alert.Alert{
			Kind:      alert.KindTuningFailed,
			Tag:       tag,
			VersionID: current.VersionID,
			Message:   fmt.Sprintf("tuning failed after %d attempts: %v", attempts, err),
		})
		return fmt.Errorf("tune %s: %w", tag, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := s.deps.Store.Register(ctx, tag, payload, current.VersionID)
	if err != nil {
		return fmt.Errorf("register candidate: %w", err)
	}
	entry.CandidateID = v.VersionID
	logger.Info("candidate registered", "version_id", v.VersionID, "parent_id", current.VersionID, "attempts", attempts)

	if _, err := s.decide(ctx, tag, true); err != nil {
		return fmt.Errorf("decide: %w", err)
	}
	return nil
}

// #endregion

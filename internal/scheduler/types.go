package scheduler

// #region imports
import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/alert"
	"github.com/danielpatrickdp/adaptive-router/internal/feedback"
	"github.com/danielpatrickdp/adaptive-router/internal/observability"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #endregion

// #region errors

// ErrAlreadyInProgress is returned when another optimization or evaluation
// holds the tag's lease. It is never fatal.
var ErrAlreadyInProgress = errors.New("optimization already in progress")

// #endregion

// #region status

// Status is the answer to a trigger.
type Status string

const (
	StatusScheduled         Status = "scheduled"
	StatusAlreadyInProgress Status = "already_in_progress"
	StatusRejected          Status = "rejected"
)

// State is a tag's position in the Idle -> Running -> Idle machine.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// TriggerType records why a run started.
type TriggerType string

const (
	TriggerSchedule   TriggerType = "schedule"
	TriggerStagnation TriggerType = "stagnation"
	TriggerManual     TriggerType = "manual"
)

// #endregion

// #region config

// Config controls run cadence, tuning retries and lease lifetime.
type Config struct {
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
	OptimizeInterval time.Duration `yaml:"optimize_interval"` // 0 disables periodic runs
	TuningTimeout    time.Duration `yaml:"tuning_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	BatchSize        int           `yaml:"batch_size"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		EvaluateInterval: time.Minute,
		OptimizeInterval: time.Hour,
		TuningTimeout:    2 * time.Minute,
		MaxAttempts:      3,
		InitialBackoff:   2 * time.Second,
		MaxBackoff:       30 * time.Second,
		BatchSize:        200,
		LeaseTTL:         15 * time.Minute,
	}
}

// #endregion

// #region collaborators

// Tuner produces a new program payload from the current one and a batch of
// recent feedback. codec.Client satisfies it.
type Tuner interface {
	ProduceCandidate(ctx context.Context, payload string, batch []feedback.Record) (string, error)
}

// Lease is an exclusive per-tag lock. Acquire returns ok=false when another
// holder owns the tag. Release only frees the lease if token still owns it.
type Lease interface {
	Acquire(ctx context.Context, tag string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, tag, token string) error
}

// Deps wires a Scheduler to the rest of the router. Log, Alerts, Metrics
// and Logger may be nil.
type Deps struct {
	Store      *state.Store
	Aggregator *feedback.Aggregator
	Log        feedback.Log
	Tuner      Tuner
	Lease      Lease
	Alerts     alert.Sink
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// #endregion

package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// #region types
// Kind classifies an alert.
type Kind string

const (
	KindTuningFailed   Kind = "tuning_failed"
	KindSafetyBreach   Kind = "safety_breach"
	KindRollbackFailed Kind = "rollback_failed"
)

// Alert is an operator-facing notification. Alerts are never suppressed by
// normal promotion cadence.
type Alert struct {
	Kind      Kind
	Tag       string
	VersionID int64
	Message   string
	At        time.Time
}

// Sink delivers alerts.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// #endregion types

// #region log-sink
// LogSink writes alerts to a structured logger at error level.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. logger may be nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "alert")}
}

// Emit logs the alert.
func (s *LogSink) Emit(ctx context.Context, a Alert) error {
	s.logger.ErrorContext(ctx, a.Message,
		"kind", string(a.Kind),
		"tag", a.Tag,
		"version_id", a.VersionID,
		"at", a.At,
	)
	return nil
}

// #endregion log-sink

// #region redis-sink
// RedisStreamSink appends alerts to a Redis stream for downstream pagers.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to roughly maxLen entries.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Emit appends the alert with XADD.
func (s *RedisStreamSink) Emit(ctx context.Context, a Alert) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"kind":       string(a.Kind),
			"tag":        a.Tag,
			"version_id": a.VersionID,
			"message":    a.Message,
			"at":         a.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// #endregion redis-sink

// #region recorder
// Recorder keeps alerts in memory. Used by tests and the /health endpoint.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

// Emit records the alert.
func (r *Recorder) Emit(_ context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// #endregion recorder

// #region multi
// Multi fans an alert out to every sink. All sinks are attempted.
type Multi []Sink

// Emit delivers to every sink and joins their errors.
func (m Multi) Emit(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// #endregion multi

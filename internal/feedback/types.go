package feedback

import (
	"context"
	"time"
)

// #region record
// Record is one scored outcome for a routed request. Records are append-only.
type Record struct {
	Tag             string             `json:"tag"`
	VersionID       int64              `json:"version_id"`
	Bucket          string             `json:"bucket"`
	Composite       float64            `json:"composite_score"`
	SubScores       map[string]float64 `json:"sub_scores,omitempty"`
	SafetyViolation bool               `json:"safety_violation"`
	Timestamp       time.Time          `json:"timestamp"`
}

// #endregion record

// #region snapshot
// Snapshot is the derived rolling summary for one (tag, version).
type Snapshot struct {
	Tag              string  `json:"tag"`
	VersionID        int64   `json:"version_id"`
	Mean             float64 `json:"mean"`
	Variance         float64 `json:"variance"`
	Count            int     `json:"count"`
	Total            int64   `json:"total"` // accepted records, including those the window evicted
	SafetyViolations int     `json:"safety_violations"`
	DroppedLate      int64   `json:"dropped_late"`
	Stagnation       int     `json:"stagnation"`
}

// #endregion snapshot

// #region config
// Config bounds each per-version window.
type Config struct {
	WindowSize int           `yaml:"window_size"` // records retained per (tag, version)
	MaxAge     time.Duration `yaml:"max_age"`     // 0 disables age eviction
	Lateness   time.Duration `yaml:"lateness"`    // tolerance behind the oldest retained record
}

// DefaultConfig returns the window used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WindowSize: 500,
		MaxAge:     0,
		Lateness:   5 * time.Minute,
	}
}

// #endregion config

// #region interfaces
// Log is the durable append-only feedback log.
type Log interface {
	Append(ctx context.Context, r Record) error
	// Recent returns up to limit records for a tag, oldest first.
	Recent(ctx context.Context, tag string, limit int) ([]Record, error)
	// RecentVersion returns up to limit records for one version, oldest first.
	RecentVersion(ctx context.Context, tag string, versionID int64, limit int) ([]Record, error)
}

// Recorder receives ingestion counters.
type Recorder interface {
	FeedbackIngested(tag string)
	FeedbackDroppedLate(tag string)
}

// #endregion interfaces

package logging

import "time"

// #region decision-entry
// Outcome of applying a decision to the version store.
const (
	OutcomeApplied = "applied" // store mutated
	OutcomeHeld    = "held"    // hold decision, nothing to apply
	OutcomeNoop    = "noop"    // already in the requested state
	OutcomeStale   = "stale"   // active set changed since evaluation
	OutcomeFailed  = "failed"  // store rejected the action
)

// DecisionEntry is a single row in the decision_log table. InputJSON and
// ConfigJSON hold the exact policy input and config for deterministic replay.
type DecisionEntry struct {
	ID              int64
	Tag             string
	Action          string
	TargetVersionID int64
	Generation      int64
	Rule            string
	Reason          string
	Outcome         string
	Error           string
	InputJSON       string
	ConfigJSON      string
	DecidedAt       time.Time
}

// #endregion decision-entry

// #region run-entry
// Run outcomes.
const (
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// RunEntry is a single row in the optimization_runs table.
type RunEntry struct {
	RunID       string
	Tag         string
	TriggerType string // "schedule" | "stagnation" | "manual"
	Outcome     string
	Attempts    int
	CandidateID int64 // 0 when no candidate was registered
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// #endregion run-entry

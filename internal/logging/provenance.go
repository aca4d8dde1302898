package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/adaptive-router/internal/policy"
)

// #region new-decision-entry
// NewDecisionEntry captures a policy evaluation together with what happened
// when it was applied.
func NewDecisionEntry(in policy.Input, cfg policy.Config, d policy.Decision, outcome string, applyErr error) (DecisionEntry, error) {
	inJSON, err := json.Marshal(in)
	if err != nil {
		return DecisionEntry{}, fmt.Errorf("marshal policy input: %w", err)
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return DecisionEntry{}, fmt.Errorf("marshal policy config: %w", err)
	}
	e := DecisionEntry{
		Tag:             d.Tag,
		Action:          string(d.Action),
		TargetVersionID: d.TargetVersionID,
		Generation:      d.Generation,
		Rule:            string(d.Rule),
		Reason:          d.Reason,
		Outcome:         outcome,
		InputJSON:       string(inJSON),
		ConfigJSON:      string(cfgJSON),
		DecidedAt:       d.DecidedAt,
	}
	if applyErr != nil {
		e.Error = applyErr.Error()
	}
	return e, nil
}

// Replayable decodes the recorded policy input and config.
func (e DecisionEntry) Replayable() (policy.Input, policy.Config, error) {
	var in policy.Input
	var cfg policy.Config
	if e.InputJSON == "" || e.ConfigJSON == "" {
		return in, cfg, fmt.Errorf("decision %d has no recorded input", e.ID)
	}
	if err := json.Unmarshal([]byte(e.InputJSON), &in); err != nil {
		return in, cfg, fmt.Errorf("unmarshal input: %w", err)
	}
	if err := json.Unmarshal([]byte(e.ConfigJSON), &cfg); err != nil {
		return in, cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return in, cfg, nil
}

// #endregion new-decision-entry

// #region log-decision
// LogDecision writes a decision entry to the decision_log table.
func LogDecision(ctx context.Context, db *sql.DB, entry DecisionEntry) error {
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO decision_log (tag, action, target_version_id, generation, rule, reason, outcome, error, input_json, config_json, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Tag,
		entry.Action,
		nullIfZero(entry.TargetVersionID),
		entry.Generation,
		nullIfEmpty(entry.Rule),
		nullIfEmpty(entry.Reason),
		entry.Outcome,
		nullIfEmpty(entry.Error),
		nullIfEmpty(entry.InputJSON),
		nullIfEmpty(entry.ConfigJSON),
		entry.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions, newest first. An empty
// tag lists every tag.
func ListDecisions(ctx context.Context, db *sql.DB, tag string, limit int) ([]DecisionEntry, error) {
	query := `SELECT id, tag, action, target_version_id, generation, rule, reason, outcome, error, input_json, config_json, decided_at
		 FROM decision_log`
	args := []any{}
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var target sql.NullInt64
		var rule, reason, errText, inJSON, cfgJSON sql.NullString
		var decided string
		if err := rows.Scan(&e.ID, &e.Tag, &e.Action, &target, &e.Generation, &rule, &reason, &e.Outcome, &errText, &inJSON, &cfgJSON, &decided); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.TargetVersionID = target.Int64
		e.Rule = rule.String
		e.Reason = reason.String
		e.Error = errText.String
		e.InputJSON = inJSON.String
		e.ConfigJSON = cfgJSON.String
		e.DecidedAt, _ = time.Parse(time.RFC3339Nano, decided)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion log-decision

// #region log-run
// LogRun writes one optimization run to the optimization_runs table.
func LogRun(ctx context.Context, db *sql.DB, run RunEntry) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO optimization_runs (run_id, tag, trigger_type, outcome, attempts, candidate_id, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.Tag,
		run.TriggerType,
		run.Outcome,
		run.Attempts,
		nullIfZero(run.CandidateID),
		nullIfEmpty(run.Error),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent optimization runs of a tag, newest first.
func ListRuns(ctx context.Context, db *sql.DB, tag string, limit int) ([]RunEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, tag, trigger_type, outcome, attempts, candidate_id, error, started_at, finished_at
		 FROM optimization_runs WHERE tag = ? ORDER BY rowid DESC LIMIT ?`, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var r RunEntry
		var candidate sql.NullInt64
		var errText sql.NullString
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Tag, &r.TriggerType, &r.Outcome, &r.Attempts, &candidate, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CandidateID = candidate.Int64
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion log-run

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

// #endregion helpers

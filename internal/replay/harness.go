// Package replay re-runs recorded policy inputs through policy.Decide and
// reports where the current rules would decide differently.
package replay

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
)

// #region types

// Case is one recorded evaluation: the exact input and config Decide saw,
// plus what it decided at the time.
type Case struct {
	ID       string
	Input    policy.Input
	Config   policy.Config
	Expected Expectation
}

// Expectation is the recorded or expected outcome of a Case. An empty
// Action means nothing is expected and the case only reports.
type Expectation struct {
	Action          policy.Action `json:"action"`
	TargetVersionID int64         `json:"target_version_id,omitempty"`
}

// Result is the outcome of replaying one Case.
type Result struct {
	ID       string
	Tag      string
	Expected Expectation
	Decision policy.Decision
	Drift    bool
}

// Summary aggregates a replay run.
type Summary struct {
	Total    int
	Matches  int
	Drifts   int
	ByAction map[policy.Action]int
}

// #endregion types

// #region replay

// Replay runs every case through Decide. When override is non-nil it
// replaces each case's recorded config, which answers "what would the new
// policy have done".
func Replay(cases []Case, override *policy.Config) ([]Result, Summary) {
	results := make([]Result, 0, len(cases))
	sum := Summary{ByAction: make(map[policy.Action]int)}

	for _, c := range cases {
		cfg := c.Config
		if override != nil {
			cfg = *override
		}
		d := policy.Decide(c.Input, cfg)

		r := Result{ID: c.ID, Tag: c.Input.Tag, Expected: c.Expected, Decision: d}
		if c.Expected.Action != "" {
			r.Drift = d.Action != c.Expected.Action ||
				(c.Expected.TargetVersionID != 0 && d.TargetVersionID != c.Expected.TargetVersionID)
			if r.Drift {
				sum.Drifts++
			} else {
				sum.Matches++
			}
		}
		sum.Total++
		sum.ByAction[d.Action]++
		results = append(results, r)
	}
	return results, sum
}

// #endregion replay

// #region db

// FromDecisions turns audited decisions into replay cases. Entries without a
// recorded input are skipped.
func FromDecisions(entries []logging.DecisionEntry) ([]Case, int) {
	cases := make([]Case, 0, len(entries))
	skipped := 0
	for _, e := range entries {
		in, cfg, err := e.Replayable()
		if err != nil {
			skipped++
			continue
		}
		cases = append(cases, Case{
			ID:     strconv.FormatInt(e.ID, 10),
			Input:  in,
			Config: cfg,
			Expected: Expectation{
				Action:          policy.Action(e.Action),
				TargetVersionID: e.TargetVersionID,
			},
		})
	}
	return cases, skipped
}

// ReplayDB replays the most recent audited decisions of tag ("" for every
// tag), oldest first.
func ReplayDB(ctx context.Context, db *sql.DB, tag string, limit int, override *policy.Config) ([]Result, Summary, error) {
	entries, err := logging.ListDecisions(ctx, db, tag, limit)
	if err != nil {
		return nil, Summary{}, fmt.Errorf("load decisions: %w", err)
	}
	// ListDecisions is newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	cases, _ := FromDecisions(entries)
	results, sum := Replay(cases, override)
	return results, sum, nil
}

// #endregion db

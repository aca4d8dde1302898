package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/danielpatrickdp/adaptive-router/internal/config"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	"github.com/danielpatrickdp/adaptive-router/internal/replay"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to router.db (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	policyPath := flag.String("policy", "", "router YAML whose policy section replaces the recorded config")
	tag := flag.String("tag", "", "replay only this tag (DB mode)")
	limit := flag.Int("limit", 500, "most recent decisions to replay (DB mode)")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/router.db [--tag name] [--limit N] [--policy router.yaml]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json [--policy router.yaml]")
		os.Exit(2)
	}

	var override *policy.Config
	if *policyPath != "" {
		cfg, err := config.LoadPolicy(*policyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load policy: %v\n", err)
			os.Exit(2)
		}
		override = &cfg
	}

	var (
		results []replay.Result
		sum     replay.Summary
		err     error
	)
	if *fixturePath != "" {
		results, sum, err = replay.ReplayFile(*fixturePath, override)
	} else {
		results, sum, err = runDBMode(*dbPath, *tag, *limit, override)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	os.Exit(printComparison(results, sum))
}

func runDBMode(dbPath, tag string, limit int, override *policy.Config) ([]replay.Result, replay.Summary, error) {
	store, err := state.NewStore(dbPath)
	if err != nil {
		return nil, replay.Summary{}, fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	return replay.ReplayDB(context.Background(), store.DB(), tag, limit, override)
}

// #endregion main

// #region output

// printComparison outputs a comparison table and returns the exit code.
func printComparison(results []replay.Result, sum replay.Summary) int {
	fmt.Printf("%-24s| %-18s| %-18s| %-18s| %s\n", "Case", "Tag", "Expected", "Replayed", "Match")
	fmt.Printf("%-24s+%-19s+%-19s+%-19s+%s\n",
		"------------------------", "-------------------", "-------------------", "-------------------", "------")

	for _, r := range results {
		match := "-"
		if r.Expected.Action != "" {
			match = "OK"
			if r.Drift {
				match = "DIFF"
			}
		}
		fmt.Printf("%-24s| %-18s| %-18s| %-18s| %s\n",
			r.ID, r.Tag, label(r.Expected.Action, r.Expected.TargetVersionID),
			label(r.Decision.Action, r.Decision.TargetVersionID), match)
	}

	actions := make([]string, 0, len(sum.ByAction))
	for a := range sum.ByAction {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", sum.Total, sum.Matches, sum.Drifts)
	for _, a := range actions {
		fmt.Printf("  %-18s %d\n", a, sum.ByAction[policy.Action(a)])
	}

	if sum.Drifts > 0 {
		return 1
	}
	return 0
}

func label(a policy.Action, target int64) string {
	if a == "" {
		return "-"
	}
	if target == 0 {
		return string(a)
	}
	return fmt.Sprintf("%s v%d", a, target)
}

// #endregion output

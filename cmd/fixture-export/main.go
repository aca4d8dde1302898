package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"

	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	"github.com/danielpatrickdp/adaptive-router/internal/replay"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
	"github.com/danielpatrickdp/adaptive-router/internal/tag"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to router.db")
	tagName := flag.String("tag", "", "tag whose decisions to export")
	last := flag.Int("last", 10, "number of most recent decisions to export")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dbPath == "" || *tagName == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/router.db --tag name --out path/to/fixture.json [--last N]")
		os.Exit(2)
	}

	if err := run(*dbPath, *tagName, *last, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, rawTag string, last int, outPath string) error {
	name, err := tag.Normalize(rawTag)
	if err != nil {
		return fmt.Errorf("tag %q: %w", rawTag, err)
	}

	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	entries, err := logging.ListDecisions(context.Background(), store.DB(), name, last)
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}
	// ListDecisions is newest first; fixtures read chronologically.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	f, skipped, mixed := build(name, entries)
	if len(f.Cases) == 0 {
		return fmt.Errorf("no replayable decisions for %s", name)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d decisions without a recorded input\n", skipped)
	}
	if mixed {
		fmt.Fprintln(os.Stderr, "warning: decisions were made under different policy configs; the fixture uses the newest")
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	fmt.Printf("Exported %d decisions for %s to %s\n", len(f.Cases), name, outPath)
	return nil
}

// build converts chronologically ordered decisions into a fixture. mixed
// reports whether the decisions disagree on the policy config.
func build(name string, entries []logging.DecisionEntry) (replay.Fixture, int, bool) {
	cases, skipped := replay.FromDecisions(entries)
	f := replay.Fixture{
		Description: fmt.Sprintf("exported decisions for %s", name),
		Cases:       make([]replay.FixtureCase, len(cases)),
	}
	var (
		cfg   *policy.Config
		mixed bool
	)
	for i, c := range cases {
		f.Cases[i] = replay.FixtureCase{ID: c.ID, Input: c.Input, Expected: c.Expected}
		if cfg != nil && !reflect.DeepEqual(*cfg, c.Config) {
			mixed = true
		}
		cfg = &cases[i].Config
	}
	f.Config = cfg
	return f, skipped, mixed
}

// #endregion extract

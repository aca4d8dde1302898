package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-router/internal/logging"
	"github.com/danielpatrickdp/adaptive-router/internal/state"
	"github.com/danielpatrickdp/adaptive-router/internal/tag"
)

// #region flags
var (
	dbPath  string
	jsonOut bool
	last    int
)

// #endregion flags

// #region main
func main() {
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Read-only views over a router store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", envOr("ROUTER_DB_PATH", "router.db"), "path to the router SQLite store")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")
	root.PersistentFlags().IntVar(&last, "last", 20, "show N most recent entries")

	root.AddCommand(
		&cobra.Command{Use: "tags", Short: "List registered tags", Args: cobra.NoArgs, RunE: withStore(runTags)},
		&cobra.Command{Use: "versions <tag>", Short: "List every version of a tag", Args: cobra.ExactArgs(1), RunE: withStore(runVersions)},
		&cobra.Command{Use: "active <tag>", Short: "Show the active set and its recent generations", Args: cobra.ExactArgs(1), RunE: withStore(runActive)},
		&cobra.Command{Use: "decisions <tag>", Short: "Show audited policy decisions", Args: cobra.ExactArgs(1), RunE: withStore(runDecisions)},
		&cobra.Command{Use: "runs <tag>", Short: "Show optimization runs", Args: cobra.ExactArgs(1), RunE: withStore(runRuns)},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type storeCmd func(ctx context.Context, store *state.Store, args []string) error

func withStore(fn storeCmd) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		store, err := state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		if len(args) > 0 {
			raw := strings.Join(args, " ")
			if args, err = tag.NormalizeAll(args); err != nil {
				return fmt.Errorf("tag %q: %w", raw, err)
			}
		}
		return fn(cmd.Context(), store, args)
	}
}

// #endregion main

// #region tags
func runTags(_ context.Context, store *state.Store, _ []string) error {
	tags := store.Tags()
	if jsonOut {
		return printJSON(tags)
	}
	w := table("TAG", "GEN", "MODE", "PRIMARY", "DEPRECATED", "DIRECTIVES")
	for _, t := range tags {
		set, err := store.GetActive(t.Name)
		if err != nil {
			return err
		}
		mode := "stable"
		if set.IsExperiment() {
			mode = "experiment"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\tv%d\t%t\t%s\n",
			t.Name, set.Generation, mode, set.Primary().VersionID, t.Deprecated, directives(t.Directives))
	}
	return w.Flush()
}

// #endregion tags

// #region versions
func runVersions(ctx context.Context, store *state.Store, args []string) error {
	versions, err := store.ListVersions(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(versions)
	}
	w := table("VERSION", "PARENT", "STATUS", "CREATED", "PAYLOAD")
	for _, v := range versions {
		parent := "-"
		if v.ParentID != 0 {
			parent = fmt.Sprintf("v%d", v.ParentID)
		}
		fmt.Fprintf(w, "v%d\t%s\t%s\t%s\t%s\n",
			v.VersionID, parent, v.Status, stamp(v.CreatedAt), truncate(v.PayloadHandle, 48))
	}
	return w.Flush()
}

// #endregion versions

// #region active
func runActive(ctx context.Context, store *state.Store, args []string) error {
	history, err := store.History(ctx, args[0], last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(history)
	}
	w := table("GEN", "RESTORES", "MEMBERS", "EXPERIMENT_START", "CREATED")
	for _, set := range history {
		members := make([]string, len(set.Members))
		for i, m := range set.Members {
			members[i] = fmt.Sprintf("v%d:%s:%.2f", m.VersionID, m.Role, m.Weight())
		}
		restores := "-"
		if set.RestoresTo != 0 {
			restores = fmt.Sprintf("%d", set.RestoresTo)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			set.Generation, restores, strings.Join(members, ","), stamp(set.ExperimentStartedAt), stamp(set.CreatedAt))
	}
	return w.Flush()
}

// #endregion active

// #region audit
func runDecisions(ctx context.Context, store *state.Store, args []string) error {
	entries, err := logging.ListDecisions(ctx, store.DB(), args[0], last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	w := table("ID", "DECIDED", "ACTION", "TARGET", "GEN", "RULE", "OUTCOME", "REASON")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\tv%d\t%d\t%s\t%s\t%s\n",
			e.ID, stamp(e.DecidedAt), e.Action, e.TargetVersionID, e.Generation, e.Rule, e.Outcome, truncate(e.Reason, 60))
	}
	return w.Flush()
}

func runRuns(ctx context.Context, store *state.Store, args []string) error {
	runs, err := logging.ListRuns(ctx, store.DB(), args[0], last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(runs)
	}
	w := table("RUN", "TRIGGER", "OUTCOME", "ATTEMPTS", "CANDIDATE", "DURATION", "ERROR")
	for _, r := range runs {
		cand := "-"
		if r.CandidateID != 0 {
			cand = fmt.Sprintf("v%d", r.CandidateID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncate(r.RunID, 8), r.TriggerType, r.Outcome, r.Attempts, cand,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), truncate(r.Error, 60))
	}
	return w.Flush()
}

// #endregion audit

// #region output
func table(headers ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return w
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func directives(d map[string]string) string {
	if len(d) == 0 {
		return "-"
	}
	b, _ := json.Marshal(d)
	return string(b)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion output

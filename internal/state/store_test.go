package state

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/danielpatrickdp/adaptive-router/internal/policy"
	_ "modernc.org/sqlite"
)

func tempDB(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seed creates a tag and registers n candidates chained off version 1.
func seed(t *testing.T, s *Store, name string, n int) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := s.CreateTag(ctx, name, map[string]string{"tone": "neutral"}, "payload-1"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := s.Register(ctx, name, "payload", 1); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
}

func status(t *testing.T, s *Store, name string, id int64) Status {
	t.Helper()
	v, err := s.GetVersion(context.Background(), name, id)
	if err != nil {
		t.Fatalf("GetVersion v%d: %v", id, err)
	}
	return v.Status
}

func TestCreateTagAndGetActive(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()

	root, set, err := s.CreateTag(ctx, "Quality Control", nil, "payload-1")
	if err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if root.Tag != "quality_control" {
		t.Fatalf("expected normalized tag, got %s", root.Tag)
	}
	if root.VersionID != 1 || root.Status != StatusActive {
		t.Fatalf("unexpected root: %+v", root)
	}
	if set.Generation != 1 || set.SumBasis() != TotalBasis {
		t.Fatalf("unexpected set: %+v", set)
	}

	cur, err := s.GetActive("quality_control")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if cur.Primary().VersionID != 1 {
		t.Fatalf("expected v1 active, got %d", cur.Primary().VersionID)
	}

	if _, _, err := s.CreateTag(ctx, "quality-control", nil, "x"); !errors.Is(err, ErrTagExists) {
		t.Fatalf("expected ErrTagExists, got %v", err)
	}
}

func TestGetActiveUnknownTag(t *testing.T) {
	s := tempDB(t)
	if _, err := s.GetActive("missing"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestRegisterMonotonicIDs(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 0)
	ctx := context.Background()

	v2, err := s.Register(ctx, "summarize", "p2", 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	v3, err := s.Register(ctx, "summarize", "p3", 2)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if v2.VersionID != 2 || v3.VersionID != 3 {
		t.Fatalf("expected ids 2,3 got %d,%d", v2.VersionID, v3.VersionID)
	}
	if v3.ParentID != 2 || v3.Status != StatusCandidate {
		t.Fatalf("unexpected v3: %+v", v3)
	}

	cands, err := s.Candidates(ctx, "summarize")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
}

func TestRegisterInvalidParent(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	seed(t, s, "translate", 0)
	ctx := context.Background()

	if _, err := s.Register(ctx, "summarize", "p", 99); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent for missing parent, got %v", err)
	}

	if err := s.MarkFailed(ctx, "summarize", 2); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := s.Register(ctx, "summarize", "p", 2); !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent for failed parent, got %v", err)
	}

	if _, err := s.Register(ctx, "unknown", "p", 1); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestRegisterDeprecatedTag(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 0)
	ctx := context.Background()

	if err := s.DeprecateTag(ctx, "summarize"); err != nil {
		t.Fatalf("DeprecateTag: %v", err)
	}
	if _, err := s.Register(ctx, "summarize", "p", 1); !errors.Is(err, ErrTagDeprecated) {
		t.Fatalf("expected ErrTagDeprecated, got %v", err)
	}
	if _, err := s.GetActive("summarize"); err != nil {
		t.Fatalf("deprecated tag must keep routing: %v", err)
	}
}

func TestPromoteRetiresPrior(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	ctx := context.Background()

	set, err := s.Promote(ctx, "summarize", 2)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if set.Generation != 2 || set.Primary().VersionID != 2 || set.SumBasis() != TotalBasis {
		t.Fatalf("unexpected set: %+v", set)
	}
	if status(t, s, "summarize", 1) != StatusRetired {
		t.Fatal("expected v1 retired")
	}
	if status(t, s, "summarize", 2) != StatusActive {
		t.Fatal("expected v2 active")
	}
}

func TestPromoteIdempotent(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	ctx := context.Background()

	first, err := s.Promote(ctx, "summarize", 2)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	second, err := s.Promote(ctx, "summarize", 2)
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	if second.Generation != first.Generation || second.Primary() != first.Primary() {
		t.Fatalf("second promote changed state: %+v vs %+v", first, second)
	}

	hist, err := s.History(ctx, "summarize", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 generations, got %d", len(hist))
	}
}

func TestPromoteUnknownVersion(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 0)
	seed(t, s, "translate", 1)

	if _, err := s.Promote(context.Background(), "summarize", 2); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
	cur, _ := s.GetActive("summarize")
	if cur.Generation != 1 {
		t.Fatalf("failed promote must not mutate, generation %d", cur.Generation)
	}
}

func TestPromotePromoteRollback(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 2) // v2 = A, v3 = B
	ctx := context.Background()

	if _, err := s.Promote(ctx, "summarize", 2); err != nil {
		t.Fatalf("Promote A: %v", err)
	}
	if _, err := s.Promote(ctx, "summarize", 3); err != nil {
		t.Fatalf("Promote B: %v", err)
	}
	set, err := s.Rollback(ctx, "summarize")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if len(set.Members) != 1 || set.Primary().VersionID != 2 || set.Primary().Weight() != 1.0 {
		t.Fatalf("expected {A:1.0}, got %+v", set.Members)
	}
	if status(t, s, "summarize", 2) != StatusActive {
		t.Fatal("expected A active again")
	}
	if status(t, s, "summarize", 3) != StatusFailed {
		t.Fatal("expected B failed after rollback")
	}

	// Rolling back again restores the root.
	set, err = s.Rollback(ctx, "summarize")
	if err != nil {
		t.Fatalf("second Rollback: %v", err)
	}
	if set.Primary().VersionID != 1 {
		t.Fatalf("expected v1, got %d", set.Primary().VersionID)
	}

	if _, err := s.Rollback(ctx, "summarize"); !errors.Is(err, ErrNoPriorVersion) {
		t.Fatalf("expected ErrNoPriorVersion, got %v", err)
	}
}

func TestRollbackFirstVersion(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 0)

	if _, err := s.Rollback(context.Background(), "summarize"); !errors.Is(err, ErrNoPriorVersion) {
		t.Fatalf("expected ErrNoPriorVersion, got %v", err)
	}
}

func TestStartExperimentWeights(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	ctx := context.Background()

	set, err := s.StartExperiment(ctx, "summarize", 1, 2, 0.3)
	if err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	if !set.IsExperiment() {
		t.Fatal("expected experiment mode")
	}
	if set.SumBasis() != TotalBasis {
		t.Fatalf("weights must sum to 1.0, got basis %d", set.SumBasis())
	}
	v, _ := set.Variant()
	if v.VersionID != 2 || v.Basis != 3000 {
		t.Fatalf("unexpected variant %+v", v)
	}
	if set.ExperimentStartedAt.IsZero() {
		t.Fatal("expected experiment start time")
	}

	// Awkward weights still sum exactly.
	if _, err := s.Rollback(ctx, "summarize"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := s.Register(ctx, "summarize", "p", 1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	set, err = s.StartExperiment(ctx, "summarize", 1, 3, 1.0/3.0)
	if err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	if set.SumBasis() != TotalBasis {
		t.Fatalf("expected basis %d, got %d", TotalBasis, set.SumBasis())
	}
	if v, _ := set.Variant(); v.Basis != 3333 {
		t.Fatalf("expected variant basis 3333, got %d", v.Basis)
	}
}

func TestStartExperimentPreconditions(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 2)
	ctx := context.Background()

	if _, err := s.StartExperiment(ctx, "summarize", 1, 2, 0); !errors.Is(err, ErrInvalidWeight) {
		t.Fatalf("expected ErrInvalidWeight, got %v", err)
	}
	if _, err := s.StartExperiment(ctx, "summarize", 2, 3, 0.5); !errors.Is(err, ErrControlNotActive) {
		t.Fatalf("expected ErrControlNotActive, got %v", err)
	}
	if _, err := s.StartExperiment(ctx, "summarize", 1, 1, 0.5); !errors.Is(err, ErrNotCandidate) {
		t.Fatalf("expected ErrNotCandidate, got %v", err)
	}
	if _, err := s.Promote(ctx, "summarize", 2); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	// v1 is now retired, not a candidate.
	if _, err := s.StartExperiment(ctx, "summarize", 0, 1, 0.5); !errors.Is(err, ErrNotCandidate) {
		t.Fatalf("expected ErrNotCandidate for retired variant, got %v", err)
	}
}

func TestExperimentRollbackRestoresControl(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	ctx := context.Background()

	if _, err := s.StartExperiment(ctx, "summarize", 1, 2, 0.1); err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	set, err := s.Rollback(ctx, "summarize")
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if set.IsExperiment() || set.Primary().VersionID != 1 {
		t.Fatalf("expected {v1}, got %+v", set.Members)
	}
	if status(t, s, "summarize", 2) != StatusFailed {
		t.Fatal("expected variant failed")
	}
}

func TestApplyQualityControlScenario(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "quality_control", 3) // v2, v3, v4
	ctx := context.Background()

	cur, err := s.Promote(ctx, "quality_control", 3)
	if err != nil {
		t.Fatalf("Promote v3: %v", err)
	}

	d := policy.Decision{Tag: "quality_control", Action: policy.ActionPromote, TargetVersionID: 4, Generation: cur.Generation}
	set, err := s.Apply(ctx, d)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(set.Members) != 1 || set.Primary().VersionID != 4 || set.Primary().Weight() != 1.0 {
		t.Fatalf("expected {v4:1.0}, got %+v", set.Members)
	}
	if status(t, s, "quality_control", 3) != StatusRetired {
		t.Fatal("expected v3 retired")
	}
}

func TestApplyStaleGeneration(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 2)
	ctx := context.Background()

	d := policy.Decision{Tag: "summarize", Action: policy.ActionPromote, TargetVersionID: 2, Generation: 1}
	if _, err := s.Promote(ctx, "summarize", 3); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := s.Apply(ctx, d); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("expected ErrStaleGeneration, got %v", err)
	}
	cur, _ := s.GetActive("summarize")
	if cur.Primary().VersionID != 3 {
		t.Fatalf("stale decision must not apply, active %d", cur.Primary().VersionID)
	}
}

func TestApplyStartExperimentAndHold(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 1)
	ctx := context.Background()

	hold, err := s.Apply(ctx, policy.Decision{Tag: "summarize", Action: policy.ActionHold, Generation: 1})
	if err != nil || hold.Generation != 1 {
		t.Fatalf("hold must be a no-op: %+v %v", hold, err)
	}

	set, err := s.Apply(ctx, policy.Decision{
		Tag: "summarize", Action: policy.ActionStartExperiment, TargetVersionID: 2, Weight: 0.2, Generation: 1,
	})
	if err != nil {
		t.Fatalf("Apply start_experiment: %v", err)
	}
	if c := set.Primary(); c.VersionID != 1 || c.Role != RoleControl || c.Basis != 8000 {
		t.Fatalf("unexpected control %+v", c)
	}

	set, err = s.Apply(ctx, policy.Decision{
		Tag: "summarize", Action: policy.ActionConcludeExperiment, TargetVersionID: 2, Generation: set.Generation,
	})
	if err != nil {
		t.Fatalf("Apply conclude: %v", err)
	}
	if set.IsExperiment() || set.Primary().VersionID != 2 {
		t.Fatalf("expected v2 sole active, got %+v", set.Members)
	}
	if status(t, s, "summarize", 1) != StatusRetired {
		t.Fatal("expected control retired")
	}

	if _, err := s.Apply(ctx, policy.Decision{Tag: "summarize", Action: "explode"}); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("expected ErrUnsupportedAction, got %v", err)
	}
}

func TestReopenLoadsActiveSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	seed(t, s, "summarize", 1)
	if _, err := s.StartExperiment(context.Background(), "summarize", 1, 2, 0.25); err != nil {
		t.Fatalf("StartExperiment: %v", err)
	}
	s.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	set, err := s2.GetActive("summarize")
	if err != nil {
		t.Fatalf("GetActive: %v", err)
	}
	if set.Generation != 2 || !set.IsExperiment() || set.ExperimentStartedAt.IsZero() {
		t.Fatalf("unexpected reloaded set: %+v", set)
	}
	info, ok := s2.LookupTag("summarize")
	if !ok || info.Directives["tone"] != "neutral" {
		t.Fatalf("directives not reloaded: %+v", info)
	}
}

func TestCheckVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "check.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	seed(t, s, "summarize", 1)

	if err := s.CheckVersion("summarize", 2); err != nil {
		t.Fatalf("registered version rejected: %v", err)
	}
	if err := s.CheckVersion("summarize", 3); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
	if err := s.CheckVersion("summarize", 0); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion for 0, got %v", err)
	}
	if err := s.CheckVersion("missing", 1); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	if _, err := s.Register(context.Background(), "summarize", "p3", 2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.CheckVersion("summarize", 3); err != nil {
		t.Fatalf("newly registered version rejected: %v", err)
	}
	s.Close()

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if err := s2.CheckVersion("summarize", 3); err != nil {
		t.Fatalf("reloaded version rejected: %v", err)
	}
	if err := s2.CheckVersion("summarize", 4); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion after reopen, got %v", err)
	}
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	s := tempDB(t)
	seed(t, s, "summarize", 8)
	seed(t, s, "translate", 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range []string{"summarize", "translate"} {
		for id := int64(2); id <= 9; id++ {
			wg.Add(1)
			go func(name string, id int64) {
				defer wg.Done()
				s.Promote(ctx, name, id)
			}(name, id)
		}
	}
	// Readers never block or see a partial set.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			set, err := s.GetActive("summarize")
			if err != nil {
				t.Errorf("GetActive: %v", err)
				return
			}
			if set.SumBasis() != TotalBasis {
				t.Errorf("partial set observed: %+v", set)
				return
			}
		}
	}()
	wg.Wait()
	<-done

	for _, name := range []string{"summarize", "translate"} {
		set, _ := s.GetActive(name)
		if set.Generation != 9 {
			t.Fatalf("%s: expected 8 serialized promotions, generation %d", name, set.Generation)
		}
		hist, err := s.History(ctx, name, 100)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(hist) != 9 {
			t.Fatalf("%s: expected 9 generations, got %d", name, len(hist))
		}
		active := 0
		vs, _ := s.ListVersions(ctx, name)
		for _, v := range vs {
			if v.Status == StatusActive {
				active++
			}
		}
		if active != 1 {
			t.Fatalf("%s: expected exactly one active version, got %d", name, active)
		}
	}
}

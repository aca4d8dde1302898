package scoring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// #region mock

type mockScorer struct {
	failures  int // calls that fail before the first success
	calls     int
	composite float64
	sub       map[string]float64
}

func (m *mockScorer) Score(_ context.Context, _ string, _ map[string]string) (float64, map[string]float64, error) {
	m.calls++
	if m.calls <= m.failures {
		return 0, nil, errors.New("scorer unavailable")
	}
	return m.composite, m.sub, nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = time.Millisecond
	return cfg
}

// #endregion mock

func TestComposite_Weighted(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.Composite(map[string]float64{"relevance": 1.0, "coherence": 0.5, "safety": 0.0})
	want := (0.4*1.0 + 0.3*0.5 + 0.3*0.0) / 1.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f, got %f", want, got)
	}
}

func TestComposite_PartialWeights(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.Composite(map[string]float64{"relevance": 0.5, "style": 1.0})
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("unweighted keys must be ignored, got %f", got)
	}
}

func TestComposite_NoWeightedKeys(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.Composite(map[string]float64{"a": 0.2, "b": 0.6})
	if math.Abs(got-0.4) > 1e-9 {
		t.Fatalf("expected plain mean 0.4, got %f", got)
	}
	if cfg.Composite(nil) != 0 {
		t.Fatal("empty scores should be 0")
	}
}

func TestSafetyViolation(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.SafetyViolation(map[string]float64{"safety": 0.2}) {
		t.Fatal("0.2 is below floor 0.5")
	}
	if cfg.SafetyViolation(map[string]float64{"safety": 0.5}) {
		t.Fatal("floor itself is not a violation")
	}
	if cfg.SafetyViolation(map[string]float64{"relevance": 0.1}) {
		t.Fatal("missing safety score is not a violation")
	}
}

func TestFromScores_UsesExplicitComposite(t *testing.T) {
	p := NewProducer(nil, DefaultConfig(), nil)
	r := p.FromScores(map[string]float64{"composite": 0.77, "safety": 0.1})
	if r.Composite != 0.77 {
		t.Fatalf("expected 0.77, got %f", r.Composite)
	}
	if _, ok := r.SubScores["composite"]; ok {
		t.Fatal("composite must not appear as a sub-score")
	}
	if !r.SafetyViolation {
		t.Fatal("expected safety violation")
	}
}

func TestFromScores_Clamps(t *testing.T) {
	p := NewProducer(nil, DefaultConfig(), nil)
	if r := p.FromScores(map[string]float64{"composite": 1.7}); r.Composite != 1 {
		t.Fatalf("expected clamp to 1, got %f", r.Composite)
	}
}

func TestProduce_RetriesThenSucceeds(t *testing.T) {
	m := &mockScorer{failures: 2, composite: 0.9, sub: map[string]float64{"safety": 0.9}}
	p := NewProducer(m, fastConfig(), nil)

	r, err := p.Produce(context.Background(), "out", nil)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if m.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", m.calls)
	}
	if r.Composite != 0.9 || r.SafetyViolation {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestProduce_GivesUpAfterMaxAttempts(t *testing.T) {
	m := &mockScorer{failures: 10}
	p := NewProducer(m, fastConfig(), nil)

	if _, err := p.Produce(context.Background(), "out", nil); err == nil {
		t.Fatal("expected error after retries")
	}
	if m.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", m.calls)
	}
}

func TestProduce_NoScorer(t *testing.T) {
	p := NewProducer(nil, DefaultConfig(), nil)
	if _, err := p.Produce(context.Background(), "out", nil); err == nil {
		t.Fatal("expected error without scorer")
	}
}

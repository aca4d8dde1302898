package bucket

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

func experiment(gen int64, variantBasis int) state.ActiveSet {
	return state.ActiveSet{
		Tag:        "summarize",
		Generation: gen,
		Members: []state.Member{
			{VersionID: 3, Basis: state.TotalBasis - variantBasis, Role: state.RoleControl},
			{VersionID: 4, Basis: variantBasis, Role: state.RoleVariant},
		},
	}
}

func TestAssignSticky(t *testing.T) {
	set := experiment(5, 5000)
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("user-%d", i)
		first, err := Assign(id, "summarize", set)
		if err != nil {
			t.Fatalf("Assign: %v", err)
		}
		for j := 0; j < 5; j++ {
			again, _ := Assign(id, "summarize", set)
			if again != first {
				t.Fatalf("%s: assignment changed from v%d to v%d", id, first.VersionID, again.VersionID)
			}
		}
	}
}

func TestAssignMemberOrderIrrelevant(t *testing.T) {
	set := experiment(2, 3000)
	swapped := set
	swapped.Members = []state.Member{set.Members[1], set.Members[0]}

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("session-%d", i)
		a, _ := Assign(id, "summarize", set)
		b, _ := Assign(id, "summarize", swapped)
		if a.VersionID != b.VersionID {
			t.Fatalf("%s: member order changed assignment", id)
		}
	}
}

func TestAssignDistribution(t *testing.T) {
	set := experiment(9, 2000)
	const n = 20000
	variant := 0
	for i := 0; i < n; i++ {
		m, _ := Assign(fmt.Sprintf("id-%d", i), "summarize", set)
		if m.Role == state.RoleVariant {
			variant++
		}
	}
	share := float64(variant) / n
	if math.Abs(share-0.2) > 0.02 {
		t.Fatalf("expected ~20%% variant traffic, got %.3f", share)
	}
}

func TestAssignSingleMember(t *testing.T) {
	set := state.ActiveSet{Tag: "summarize", Generation: 1, Members: []state.Member{{VersionID: 7, Basis: state.TotalBasis, Role: state.RoleStable}}}
	m, err := Assign("anyone", "summarize", set)
	if err != nil || m.VersionID != 7 {
		t.Fatalf("expected v7, got %+v %v", m, err)
	}
}

func TestAssignEmptySet(t *testing.T) {
	if _, err := Assign("x", "summarize", state.ActiveSet{}); !errors.Is(err, ErrEmptySet) {
		t.Fatalf("expected ErrEmptySet, got %v", err)
	}
}

func TestPointRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		p := Point(fmt.Sprintf("u%d", i), "t", int64(i))
		if p < 0 || p >= 1 {
			t.Fatalf("point %f outside [0,1)", p)
		}
	}
	if Point("u", "t", 1) == Point("u", "t", 2) {
		t.Fatal("generation should reshuffle the point")
	}
}

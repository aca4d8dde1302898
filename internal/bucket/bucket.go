package bucket

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/danielpatrickdp/adaptive-router/internal/state"
)

var ErrEmptySet = errors.New("active set has no members")

// #region assign
// Assign picks the member of set that serves identity. The choice depends
// only on (identity, tag, generation) and the member weights, so repeated
// calls for the same generation always agree.
func Assign(identity, tag string, set state.ActiveSet) (state.Member, error) {
	if len(set.Members) == 0 {
		return state.Member{}, fmt.Errorf("assign %s: %w", tag, ErrEmptySet)
	}
	if len(set.Members) == 1 {
		return set.Members[0], nil
	}

	members := append([]state.Member(nil), set.Members...)
	sort.Slice(members, func(i, j int) bool { return members[i].VersionID < members[j].VersionID })

	total := 0
	for _, m := range members {
		total += m.Basis
	}
	if total <= 0 {
		return state.Member{}, fmt.Errorf("assign %s: %w", tag, ErrEmptySet)
	}

	slot := int(Point(identity, tag, set.Generation) * float64(total))
	cum := 0
	for _, m := range members {
		cum += m.Basis
		if slot < cum {
			return m, nil
		}
	}
	return members[len(members)-1], nil
}

// Point hashes (identity, tag, generation) into [0, 1).
func Point(identity, tag string, generation int64) float64 {
	d := xxhash.New()
	d.WriteString(identity)
	d.WriteString("\x00")
	d.WriteString(tag)
	d.WriteString("\x00")
	d.WriteString(strconv.FormatInt(generation, 10))
	// Top 53 bits give a uniformly distributed float64 mantissa.
	return float64(d.Sum64()>>11) / (1 << 53)
}

// #endregion assign

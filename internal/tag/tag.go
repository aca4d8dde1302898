// Package tag normalizes raw routing tags into their canonical identifier form.
package tag

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrEmpty is returned when a raw tag normalizes to nothing.
var ErrEmpty = errors.New("empty tag")

// #region normalize

// Normalize lowercases raw and collapses every run of word separators
// (whitespace, '-', '.', '/', '_') into a single '_'.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	b.Grow(len(raw))
	pendingSep := false
	for _, r := range strings.TrimSpace(raw) {
		if isSeparator(r) {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("normalize %q: %w", raw, ErrEmpty)
	}
	return b.String(), nil
}

// NormalizeAll normalizes raw tags in order, dropping duplicates after
// normalization. Empty tags are skipped; an error is returned only when
// nothing survives.
func NormalizeAll(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		t, err := Normalize(r)
		if err != nil {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

func isSeparator(r rune) bool {
	switch r {
	case '-', '.', '/', '_':
		return true
	}
	return unicode.IsSpace(r)
}

// #endregion normalize

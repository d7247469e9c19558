package analysis

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ResolveVariables expands patterns against columns. Plain names must exist;
// glob patterns expand in column order. The result keeps first-appearance
// order without duplicates, minus anything matching an exclude pattern.
func ResolveVariables(patterns, columns, exclude []string) ([]string, error) {
	var out []string
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !isGlob(p) {
			if !slices.Contains(columns, p) {
				return nil, fmt.Errorf("unknown variable %q", p)
			}
			if !slices.Contains(out, p) {
				out = append(out, p)
			}
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("bad variable pattern %q", p)
		}
		matched := false
		for _, c := range columns {
			ok, _ := doublestar.Match(p, c)
			if !ok {
				continue
			}
			matched = true
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
		if !matched {
			return nil, fmt.Errorf("pattern %q matches no variables", p)
		}
	}
	if len(exclude) == 0 {
		return out, nil
	}
	kept := out[:0]
	for _, v := range out {
		if excluded(v, exclude) {
			continue
		}
		kept = append(kept, v)
	}
	return kept, nil
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.TrimSpace(p), name); ok {
			return true
		}
	}
	return false
}

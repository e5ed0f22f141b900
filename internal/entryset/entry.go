// Package entryset defines the backup Entry type and the invariants that
// hold across a whole configured set of entries.
package entryset

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Entry is a single user-declared unit of backup.
//
// Entries are built once from config and treated as read-only for the
// lifetime of the process (config.md §3 "Entries are immutable").
type Entry struct {
	Name      string
	Path      string
	Recursive bool
	Include   []string
	Exclude   []string
}

// Validate checks the cross-entry invariants from spec.md §3:
// no two entries share a path, and no entry's path is a proper descendant
// of another recursive entry's path.
func Validate(entries []Entry) error {
	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		clean := filepath.Clean(e.Path)
		if owner, ok := seen[clean]; ok {
			return fmt.Errorf("entry %q and %q share path %q", owner, e.Name, e.Path)
		}
		seen[clean] = e.Name
	}

	for _, outer := range entries {
		if !outer.Recursive {
			continue
		}
		outerClean := filepath.Clean(outer.Path)
		for _, inner := range entries {
			if inner.Name == outer.Name {
				continue
			}
			if isProperDescendant(filepath.Clean(inner.Path), outerClean) {
				return fmt.Errorf("entry %q (%s) is nested under recursive entry %q (%s)",
					inner.Name, inner.Path, outer.Name, outer.Path)
			}
		}
	}
	return nil
}

// isProperDescendant reports whether child is strictly nested under parent.
func isProperDescendant(child, parent string) bool {
	if child == parent {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// MatchPath returns the entry (if any) whose Path is a prefix of p, i.e. p is
// that entry's own path or lies somewhere beneath it. When more than one
// entry's path is a prefix, the longest (most specific) match wins.
func MatchPath(entries []Entry, p string) (Entry, bool) {
	clean := filepath.Clean(p)
	best := -1
	bestLen := -1
	for i, e := range entries {
		root := filepath.Clean(e.Path)
		if clean == root {
			if len(root) > bestLen {
				best, bestLen = i, len(root)
			}
			continue
		}
		rel, err := filepath.Rel(root, clean)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(root) > bestLen {
			best, bestLen = i, len(root)
		}
	}
	if best == -1 {
		return Entry{}, false
	}
	return entries[best], true
}

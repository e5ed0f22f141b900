// Package reaper walks the destination tree and deletes entries no
// longer covered by any backup entry, once they exceed a retention age.
//
// Symlink classification: a symlink at the destination is classified by
// Lstat on the link itself (never followed) using its own path relative
// to the destination root. A symlink pointing outside the entry tree is
// classified the same as any other leaf by where it lives, not where it
// points, and remains eligible for deletion like any other leaf.
package reaper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"openduckbill/internal/entryset"
)

// Classification is the outcome of comparing one destination item
// against the configured entry set.
type Classification int

const (
	Scheduled Classification = iota
	Discontinued
	NeverScheduled
)

// Item is one destination-tree entry under consideration.
type Item struct {
	RelPath string
	IsDir   bool
	Class   Classification
}

// Report summarizes one reaper pass, optionally serialized to a temp
// file when the daemon is run with -s.
type Report struct {
	Scanned     int
	Scheduled   int
	Discontinued int
	NeverSched  int
	Deleted     []string
	Errors      []string
}

// Pass walks destRoot, classifies every descendant, ages the removable
// set against retention, and deletes in deepest-first order.
func Pass(destRoot string, entries []entryset.Entry, retention time.Duration) (Report, error) {
	var report Report

	filelist, err := walk(destRoot)
	if err != nil {
		return report, fmt.Errorf("walk destination: %w", err)
	}
	report.Scanned = len(filelist)

	items := classifyAll(filelist, entries)
	reclassifyParentsOfScheduled(items)

	now := time.Now()
	var deletable []Item
	for _, it := range items {
		switch it.Class {
		case Scheduled:
			report.Scheduled++
			continue
		case Discontinued:
			report.Discontinued++
		case NeverScheduled:
			report.NeverSched++
		}

		full := filepath.Join(destRoot, it.RelPath)
		ctime, err := lstatCtime(full)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("lstat %s: %v", full, err))
			continue
		}
		if now.Sub(ctime) > retention {
			deletable = append(deletable, it)
		}
	}

	orderForDeletion(deletable)

	for _, it := range deletable {
		full := filepath.Join(destRoot, it.RelPath)
		if it.IsDir {
			if err := os.Remove(full); err != nil {
				if isNotEmpty(err) {
					continue // silenced per spec: a directory may still hold live descendants
				}
				report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", full, err))
				continue
			}
		} else {
			if err := os.Remove(full); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", full, err))
				continue
			}
		}
		report.Deleted = append(report.Deleted, it.RelPath)
	}

	return report, nil
}

// walk produces every descendant path of root, relative to root.
func walk(root string) ([]Item, error) {
	var items []Item
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		items = append(items, Item{RelPath: rel, IsDir: info.IsDir()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// classifyAll classifies every item against entries, per spec.md §4.7:
// Scheduled — the item is an entry's path, a descendant of a recursive
// entry's path, or (non-recursive) the path itself or a direct child
// with no deeper trailing component. Discontinued — matches an entry's
// path as a prefix but fails the recursion/depth rule. Never-scheduled —
// matches no entry's path as a prefix.
func classifyAll(items []Item, entries []entryset.Entry) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it
		out[i].Class = classifyOne(it.RelPath, entries)
	}
	return out
}

func classifyOne(rel string, entries []entryset.Entry) Classification {
	best := NeverScheduled

	for _, e := range entries {
		entryRel := filepath.Clean(e.Path)
		entryRel = strings.TrimPrefix(entryRel, string(filepath.Separator))

		if rel == entryRel {
			return Scheduled
		}

		relTo, err := filepath.Rel(entryRel, rel)
		if err != nil || relTo == ".." || strings.HasPrefix(relTo, ".."+string(filepath.Separator)) {
			continue
		}

		if e.Recursive {
			return Scheduled
		}
		depth := strings.Count(relTo, string(filepath.Separator)) + 1
		if depth == 1 {
			return Scheduled
		}
		best = Discontinued
	}

	return best
}

// reclassifyParentsOfScheduled upgrades a Discontinued or Never-scheduled
// item to Scheduled when its subtree still contains a Scheduled
// descendant: never delete a parent of live content. spec.md §4.7 names
// only "discontinued" items in this step, but a plain ancestor directory
// of a live entry (e.g. a removed non-recursive entry's grandparent) can
// present as never-scheduled under the prefix rule alone; both classes
// get the same protection here since the invariant they exist to uphold
// ("never delete a parent of live content") applies to both.
func reclassifyParentsOfScheduled(items []Item) {
	scheduled := make([]string, 0, len(items))
	for _, it := range items {
		if it.Class == Scheduled {
			scheduled = append(scheduled, it.RelPath)
		}
	}

	for i := range items {
		if items[i].Class == Scheduled {
			continue
		}
		for _, s := range scheduled {
			if isAncestor(items[i].RelPath, s) {
				items[i].Class = Scheduled
				break
			}
		}
	}
}

func isAncestor(parent, child string) bool {
	if parent == child {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// orderForDeletion sorts items so non-directories come first (any
// order), then directories deepest-first, so each directory is already
// empty once the walker reaches it.
func orderForDeletion(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return !items[i].IsDir // non-dirs before dirs
		}
		if !items[i].IsDir {
			return false
		}
		di := strings.Count(items[i].RelPath, string(filepath.Separator))
		dj := strings.Count(items[j].RelPath, string(filepath.Separator))
		return di > dj
	})
}

// lstatCtime returns the change time of path without following a
// trailing symlink, via unix.Stat_t (the ctime field has no portable
// stdlib accessor).
func lstatCtime(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return time.Time{}, err
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec), nil
}

func isNotEmpty(err error) bool {
	return errors.Is(err, unix.ENOTEMPTY)
}

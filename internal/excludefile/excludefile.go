// Package excludefile materializes the global exclude pattern list into a
// temporary file consumed by rsync's --exclude-from.
package excludefile

import (
	"fmt"
	"os"
)

// Build writes one line per pattern: "- <path>" for a plain pattern, or
// "- <path>/*" when isDir is true for that pattern, so rsync treats it as
// a subtree exclusion. Returns the temp file path and a cleanup func that
// removes it; cleanup is safe to call multiple times.
func Build(patterns []string, isDir func(string) bool) (string, func(), error) {
	f, err := os.CreateTemp("", "openduckbill-exclude-*.txt")
	if err != nil {
		return "", func() {}, fmt.Errorf("create exclude file: %w", err)
	}

	for _, p := range patterns {
		line := "- " + p
		if isDir != nil && isDir(p) {
			line = "- " + p + "/*"
		}
		if _, err := fmt.Fprintln(f, line); err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", func() {}, fmt.Errorf("write exclude file: %w", err)
		}
	}

	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", func() {}, fmt.Errorf("close exclude file: %w", err)
	}

	cleanup := func() { _ = os.Remove(name) }
	return name, cleanup, nil
}

// Rebuild recreates the exclude file if it no longer exists at path,
// matching the trigger engine's "re-materialize the exclude file if
// missing" step before each flush.
func Rebuild(path string, patterns []string, isDir func(string) bool) (string, func(), error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, func() { _ = os.Remove(path) }, nil
		}
	}
	return Build(patterns, isDir)
}

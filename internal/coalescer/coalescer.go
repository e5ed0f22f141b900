// Package coalescer receives fsnotify events and buffers them into a
// compact (counter, path-set) summary the trigger engine consumes at its
// own cadence. It is the one place event volume and identity live
// between flushes.
package coalescer

import (
	"sync"

	"github.com/fsnotify/fsnotify"
)

// State is a point-in-time view of the coalescer's buffer.
type State struct {
	Counter int
	Paths   []string
}

// Coalescer merges a burst of filesystem events into State, guarded by a
// single mutex so the watcher goroutine's writes and the trigger
// engine's snapshot/reset never interleave.
type Coalescer struct {
	mu      sync.Mutex
	counter int
	paths   map[string]struct{}
}

// New returns an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{paths: make(map[string]struct{})}
}

// Ingest records one fsnotify event: the counter always increments; the
// path is added to the unique set if not already present. fsnotify's
// Create/Write/Remove/Rename/Chmod ops all map onto this same ingestion
// path — the coalescer does not distinguish event kind, only identity
// and volume, per the abstract (kind, path) model upstream of it.
func (c *Coalescer) Ingest(ev fsnotify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	c.paths[ev.Name] = struct{}{}
}

// Snapshot returns the current state without resetting it, for the
// trigger engine's first decision step.
func (c *Coalescer) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coalescer) snapshotLocked() State {
	paths := make([]string, 0, len(c.paths))
	for p := range c.paths {
		paths = append(paths, p)
	}
	return State{Counter: c.counter, Paths: paths}
}

// Reset clears the counter and path set atomically; called once a flush
// has captured the paths it needs.
func (c *Coalescer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = 0
	c.paths = make(map[string]struct{})
}

// SnapshotAndReset combines both operations under one lock, used on the
// shutdown path and by tests where no intervening observation matters.
func (c *Coalescer) SnapshotAndReset() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snapshotLocked()
	c.counter = 0
	c.paths = make(map[string]struct{})
	return s
}

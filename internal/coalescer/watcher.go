package coalescer

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"openduckbill/internal/entryset"
)

// Watcher owns the fsnotify watcher and drains its Events/Errors channels
// into a Coalescer. Both recursive and non-recursive entries are
// subscribed at startup; a recursive entry's newly created descendant
// directories are subscribed as they appear.
type Watcher struct {
	fsw   *fsnotify.Watcher
	state *Coalescer
	log   *logrus.Logger

	recursive map[string]bool // watched dir -> belongs to a recursive entry
	done      chan struct{}
}

// NewWatcher creates the underlying fsnotify watcher and subscribes every
// entry's path (recursively walking recursive entries).
func NewWatcher(entries []entryset.Entry, state *Coalescer, log *logrus.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fsw: fsw, state: state, log: log, recursive: make(map[string]bool), done: make(chan struct{})}

	for _, e := range entries {
		if err := w.subscribeEntry(e); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) subscribeEntry(e entryset.Entry) error {
	info, err := os.Stat(e.Path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return w.fsw.Add(e.Path)
	}

	if !e.Recursive {
		return w.fsw.Add(e.Path)
	}

	return filepath.Walk(e.Path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		w.recursive[p] = true
		return nil
	})
}

// Run drains the fsnotify channels until Stop is called. Newly created
// directories under a recursive entry are subscribed as they appear.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.WithError(err).Warn("watcher error")
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	w.state.Ingest(ev)

	if ev.Op&fsnotify.Create == 0 {
		return
	}
	if !w.recursive[filepath.Dir(ev.Name)] {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fsw.Add(ev.Name); err == nil {
		w.recursive[ev.Name] = true
	}
}

// Stop terminates Run and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsw.Close()
}

// Package trigger implements the daemon's flush decision loop: a
// self-rescheduling timer that turns coalesced filesystem events into
// bounded, concurrent rsync runs, backing off when the destination is
// unavailable and escalating to self-termination on persistent failure.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"openduckbill/internal/coalescer"
	"openduckbill/internal/destination"
	"openduckbill/internal/entryset"
	"openduckbill/internal/excludefile"
	"openduckbill/internal/runner"
	"openduckbill/internal/syncjob"
)

// MaxWorkers is the hard cap on concurrent flush workers (spec §5).
const MaxWorkers = 3

// Config carries the engine's tunables, all sourced from config.Config.
type Config struct {
	SyncInterval    time.Duration
	CommitThreshold int
	GlobalExclude   []string
	ExcludeIsDir    func(string) bool
	Target          syncjob.Target
	Options         syncjob.Options
}

// Engine is the single-goroutine decision loop described in spec.md §4.6.
// It is driven by a time.Timer that is re-armed after each tick (never a
// live ticker), so a change to currentInterval takes effect starting the
// next tick.
type Engine struct {
	cfg     Config
	entries []entryset.Entry
	state   *coalescer.Coalescer
	dest    destination.Driver
	run     runner.Runner
	log     *logrus.Logger

	sem *semaphore.Weighted

	mu              sync.Mutex
	currentInterval time.Duration
	idleTicks       int
	prevCounter     int
	hasPrev         bool
	failCounter     time.Duration
	excludePath     string
	workers         []*workerHandle
	reaperEnabled   bool

	selfTerminate chan struct{}
	terminateOnce sync.Once
}

type workerHandle struct {
	id   string
	done chan struct{}
}

func (w *workerHandle) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// New builds an Engine ready to Run.
func New(cfg Config, entries []entryset.Entry, state *coalescer.Coalescer, dest destination.Driver, run runner.Runner, log *logrus.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		entries:         entries,
		state:           state,
		dest:            dest,
		run:             run,
		log:             log,
		sem:             semaphore.NewWeighted(MaxWorkers),
		currentInterval: cfg.SyncInterval,
		reaperEnabled:   true,
		selfTerminate:   make(chan struct{}),
	}
}

// SelfTerminate is closed once ten flush attempts have found the
// destination unavailable with no flush launched in between (the fail
// counter grows by SyncInterval per failed attempt and the limit is
// 10×SyncInterval), signaling the supervisor to shut down.
func (e *Engine) SelfTerminate() <-chan struct{} { return e.selfTerminate }

// ReaperEnabled reports whether the reaper is currently permitted to run;
// the engine disables it whenever the destination is unavailable.
func (e *Engine) ReaperEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reaperEnabled
}

// CurrentInterval returns the engine's live tick cadence (always
// >= cfg.SyncInterval).
func (e *Engine) CurrentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentInterval
}

// Run drives the self-rescheduling timer loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(e.CurrentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.tick(ctx)
			timer.Reset(e.CurrentInterval())
		}
	}
}

// tick performs one decision step per spec.md §4.6.
func (e *Engine) tick(ctx context.Context) {
	snap := e.state.Snapshot()

	flush := e.decide(snap.Counter)
	if !flush {
		return
	}

	if !e.sem.TryAcquire(1) {
		e.mu.Lock()
		e.currentInterval = e.currentInterval + e.currentInterval/2
		e.mu.Unlock()
		if e.log != nil {
			e.log.Warn("flush skipped: max workers in flight, backing off interval")
		}
		return
	}

	if !e.checkDestination(ctx) {
		e.sem.Release(1)
		return
	}

	path, err := e.ensureExcludeFile()
	if err != nil {
		e.sem.Release(1)
		if e.log != nil {
			e.log.WithError(err).Error("failed to materialize exclude file")
		}
		return
	}

	sources := syncjob.Narrow(e.entries, snap.Paths)
	e.state.Reset()
	e.launchWorker(ctx, path, sources)

	e.mu.Lock()
	if e.currentInterval > e.cfg.SyncInterval {
		e.currentInterval -= e.currentInterval / 2
		if e.currentInterval < e.cfg.SyncInterval {
			e.currentInterval = e.cfg.SyncInterval
		}
	}
	e.failCounter = 0
	e.idleTicks = 0
	e.hasPrev = false
	e.mu.Unlock()
}

// decide implements the volume and quiescence flush rules, tracking
// idle_ticks across calls. idle_ticks resets whenever this tick's
// snapshot is not exactly equal to the previous one, including when it
// decreases (an intentionally conservative reading of an open question
// in the source spec: a decrease should not happen in normal operation,
// since the coalescer only grows between resets, but nothing about the
// quiescence rule should treat "changed downward" as "still quiescent").
func (e *Engine) decide(n int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n >= e.cfg.CommitThreshold {
		return true
	}

	if n > 0 && e.hasPrev && n == e.prevCounter {
		e.idleTicks++
		e.prevCounter = n
		if e.idleTicks >= 3 {
			return true
		}
		return false
	}

	e.prevCounter = n
	e.hasPrev = true
	e.idleTicks = 0
	return false
}

// checkDestination implements spec.md §4.6 step 4. It is consulted
// immediately before a flush attempt actually launches a worker.
func (e *Engine) checkDestination(ctx context.Context) bool {
	if e.dest.IsMounted(ctx) {
		e.mu.Lock()
		e.reaperEnabled = true
		e.mu.Unlock()
		return true
	}

	if e.log != nil {
		e.log.Error("destination unavailable")
	}
	_ = e.dest.Mount(ctx) // best effort remount; no-op for local/remote-shell

	e.mu.Lock()
	e.reaperEnabled = false
	e.currentInterval = e.currentInterval + e.currentInterval/2
	e.failCounter += e.cfg.SyncInterval
	terminate := e.failCounter >= 10*e.cfg.SyncInterval
	e.mu.Unlock()

	if terminate {
		e.terminateOnce.Do(func() { close(e.selfTerminate) })
	}
	return false
}

func (e *Engine) ensureExcludeFile() (string, error) {
	path, cleanup, err := excludefile.Rebuild(e.excludePath, e.cfg.GlobalExclude, e.cfg.ExcludeIsDir)
	if err != nil {
		return "", err
	}
	_ = cleanup
	e.excludePath = path
	return path, nil
}

// launchWorker starts one flush worker: for every entry the narrowed
// source map covers, run the incremental sync sequentially, in
// entry-declaration order, aggregating exit codes.
func (e *Engine) launchWorker(ctx context.Context, excludePath string, sources map[string]string) {
	h := &workerHandle{id: uuid.NewString(), done: make(chan struct{})}
	e.mu.Lock()
	live := e.workers[:0]
	for _, w := range e.workers {
		if !w.finished() {
			live = append(live, w)
		}
	}
	e.workers = append(live, h)
	e.mu.Unlock()

	opts := e.cfg.Options
	opts.ExcludeFile = excludePath

	go func() {
		defer e.sem.Release(1)
		defer close(h.done)

		attempted, failed := 0, 0
		for _, entry := range e.entries {
			source, ok := sources[entry.Name]
			if !ok {
				continue
			}
			attempted++
			res, err := syncjob.RunIncremental(ctx, e.run, e.dest, e.cfg.Target, entry, source, opts)
			if err != nil || res.ExitCode != 0 {
				failed++
				if e.log != nil {
					e.log.WithFields(logrus.Fields{"worker": h.id, "entry": entry.Name}).
						Warnf("sync exited nonzero or failed: %v (code=%d signaled=%v)", err, res.ExitCode, res.Signaled)
				}
			}
		}

		if attempted > 0 && failed == attempted && e.log != nil {
			e.log.WithField("worker", h.id).Error("all entries failed in this flush")
		}
	}()
}

// Join blocks until every worker tracked so far has exited. Used by the
// supervisor's shutdown path after a final flush has been launched.
func (e *Engine) Join() {
	e.mu.Lock()
	workers := append([]*workerHandle(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		<-w.done
	}
}

// FlushNow launches a flush immediately, outside the timer cadence, if
// there are pending events, the destination is reachable, and a worker
// slot is free. Used by the supervisor's best-effort final flush on
// graceful shutdown. Returns false if no flush was launched.
func (e *Engine) FlushNow(ctx context.Context) bool {
	snap := e.state.Snapshot()
	if snap.Counter == 0 {
		return false
	}
	if !e.sem.TryAcquire(1) {
		return false
	}
	if !e.dest.IsMounted(ctx) {
		e.sem.Release(1)
		return false
	}
	path, err := e.ensureExcludeFile()
	if err != nil {
		e.sem.Release(1)
		if e.log != nil {
			e.log.WithError(err).Error("failed to materialize exclude file for final flush")
		}
		return false
	}
	sources := syncjob.Narrow(e.entries, snap.Paths)
	e.state.Reset()
	e.launchWorker(ctx, path, sources)
	return true
}

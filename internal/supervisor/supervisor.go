// Package supervisor drives the daemon's bootstrap sequence, owns the
// signal-driven shutdown path, and tracks the GUI-notification state as
// a small local state machine — never global module state.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"openduckbill/internal/coalescer"
	"openduckbill/internal/config"
	"openduckbill/internal/destination"
	"openduckbill/internal/excludefile"
	"openduckbill/internal/reaper"
	"openduckbill/internal/runner"
	"openduckbill/internal/syncjob"
	"openduckbill/internal/trigger"
)

// notifyState is the GUI-notification state machine named in spec.md §9:
// none / active / dismissed. It lives as a field on Supervisor, not a
// package-level variable, so two Supervisors in the same process (as in
// tests) never share it.
type notifyState int

const (
	notifyNone notifyState = iota
	notifyActive
	notifyDismissed
)

// Notifier is the optional GUI helper. A nil Notifier degrades
// notifications per spec.md §7 ("GUI helper absence is degraded:
// disable notifications, continue") without being fatal.
type Notifier interface {
	Notify(title, body string) error
	Dismiss() error
}

// Options carries the flags and paths the CLI entrypoint resolves before
// construction.
type Options struct {
	DryRun          bool
	Debug           bool
	ReportDeletions bool
	ResourceReport  bool
	RsyncBinary     string
}

// Supervisor owns every long-lived component and the bootstrap/shutdown
// sequence of spec.md §4.8. No inheritance: it holds values, not base
// types.
type Supervisor struct {
	cfg      *config.Config
	opts     Options
	log      *logrus.Logger
	dest     destination.Driver
	run      runner.Runner
	notifier Notifier

	state    *coalescer.Coalescer
	watcher  *coalescer.Watcher
	engine   *trigger.Engine
	excludes string

	notify notifyState

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New wires a Supervisor from its fully-loaded dependencies. The caller
// (cmd/openduckbilld) resolves config and logging first so a config
// error never needs a live logger to report.
func New(cfg *config.Config, opts Options, log *logrus.Logger, dest destination.Driver, run runner.Runner, notifier Notifier) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		opts:       opts,
		log:        log,
		dest:       dest,
		run:        run,
		notifier:   notifier,
		state:      coalescer.New(),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
}

// Bootstrap runs the one-shot startup sequence of spec.md §4.8: verify or
// create the destination, build the exclude file, run the initial full
// backup per entry (sequential, blocking), then start the watcher. It
// does not install signal handlers or start the trigger/reaper timers —
// Run does that once Bootstrap returns successfully.
func (s *Supervisor) Bootstrap(ctx context.Context) error {
	if err := s.validateBinaries(ctx); err != nil {
		return err
	}

	if !s.dest.VerifyLayout(ctx) {
		s.log.Warn("destination layout missing, creating")
		if err := s.dest.CreateLayout(ctx); err != nil {
			return fmt.Errorf("create destination layout: %w", err)
		}
	}

	path, _, err := excludefile.Build(s.cfg.GlobalExclude, isDirPattern)
	if err != nil {
		return fmt.Errorf("build exclude file: %w", err)
	}
	s.excludes = path

	target := syncjob.Target{Mode: s.cfg.Mode, Server: s.cfg.Server, SSHUser: s.cfg.SSHUser, SSHPort: s.cfg.SSHPort}
	syncOpts := syncjob.Options{
		DryRun:       s.opts.DryRun,
		Debug:        s.opts.Debug,
		MaintainPrev: s.cfg.MaintainPrev,
		ExcludeFile:  s.excludes,
		RsyncBinary:  s.opts.RsyncBinary,
	}

	for _, e := range s.cfg.Entries {
		s.log.WithField("entry", e.Name).Info("running initial backup")
		res, err := syncjob.RunInitial(ctx, s.run, s.dest, target, e, syncOpts)
		if err != nil {
			return fmt.Errorf("initial backup of %q: %w", e.Name, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("initial backup of %q: synchronizer exited %d", e.Name, res.ExitCode)
		}
	}

	w, err := coalescer.NewWatcher(s.cfg.Entries, s.state, s.log)
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	s.watcher = w

	s.engine = trigger.New(trigger.Config{
		SyncInterval:    s.cfg.SyncInterval,
		CommitThreshold: s.cfg.CommitThreshold,
		GlobalExclude:   s.cfg.GlobalExclude,
		ExcludeIsDir:    isDirPattern,
		Target:          target,
		Options:         syncOpts,
	}, s.cfg.Entries, s.state, s.dest, s.run, s.log)

	return nil
}

// versionFlag is the argument each external binary accepts to report its
// version without doing real work; ssh alone uses the single-dash form.
var versionFlag = map[string]string{
	"ssh": "-V",
}

// validateBinaries implements spec.md §4.8's "locate and validate
// external binaries (synchronizer, mount, unmount, shell if needed)"
// step: a missing binary is fatal at startup (spec.md §7), rather than
// surfacing later as a per-flush error once a worker tries to run it.
// The optional GUI helper is validated separately by internal/notify and
// is never fatal.
func (s *Supervisor) validateBinaries(ctx context.Context) error {
	rsyncBin := s.opts.RsyncBinary
	if rsyncBin == "" {
		rsyncBin = "rsync"
	}

	required := []string{rsyncBin}
	switch s.cfg.Mode {
	case config.ModeNFS:
		required = append(required, "mount", "umount")
	case config.ModeRemoteShell:
		required = append(required, "ssh")
	}

	for _, bin := range required {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("required external binary %q not found: %w", bin, err)
		}

		flag := "--version"
		if f, ok := versionFlag[bin]; ok {
			flag = f
		}
		res, err := s.run.Run(ctx, []string{bin, flag}, false)
		if err != nil {
			return fmt.Errorf("required external binary %q failed to run: %w", bin, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("required external binary %q exited %d for %s", bin, res.ExitCode, flag)
		}
	}

	return nil
}

// Run blocks until a terminating signal arrives or ctx is canceled,
// driving the watcher, trigger engine, and reaper concurrently, then
// performs the shutdown sequence of spec.md §4.8.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.watcher.Run()
	go s.engine.Run(runCtx)
	if s.cfg.RetainBackups {
		s.log.Info("reaper disabled: retainbackup is true")
		close(s.reaperDone)
	} else {
		go s.runReaper(runCtx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		selfKill := sig == syscall.SIGUSR1
		s.log.WithField("signal", sig.String()).Info("received shutdown signal")
		s.shutdown(context.Background(), selfKill)
		return nil
	case <-s.engine.SelfTerminate():
		s.log.Error("destination persistently unavailable, self-terminating")
		s.shutdown(context.Background(), true)
		return nil
	case <-ctx.Done():
		s.shutdown(context.Background(), false)
		return ctx.Err()
	}
}

// shutdown implements spec.md §4.8's shutdown sequence: dismiss any GUI
// notification, attempt one last best-effort flush unless this is the
// self-kill path, delete the exclude file, and stop the background
// loops.
func (s *Supervisor) shutdown(ctx context.Context, selfKill bool) {
	s.dismissNotification()

	if !selfKill {
		if launched := s.engine.FlushNow(ctx); launched {
			s.engine.Join()
		}
	}

	close(s.reaperStop)
	<-s.reaperDone

	if err := s.watcher.Stop(); err != nil {
		s.log.WithError(err).Warn("error stopping watcher")
	}

	if s.excludes != "" {
		if err := os.Remove(s.excludes); err != nil && !os.IsNotExist(err) {
			s.log.WithError(err).Warn("error removing exclude file")
		}
	}
}

// runReaper runs on its own self-rescheduling timer, disabled per tick
// whenever the trigger engine reports the destination unavailable.
//
// Per spec.md §4.7, the first run is delayed by sync_interval and each
// subsequent delay doubles until it exceeds retention_seconds, at which
// point it saturates there: a reaper pass is a resource-hungry full tree
// walk, so its cadence backs off the way the original daemon's
// delthread_starttime does rather than running every sync_interval
// forever.
func (s *Supervisor) runReaper(ctx context.Context) {
	defer close(s.reaperDone)

	delay := s.cfg.SyncInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.reaperStop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			if s.engine.ReaperEnabled() {
				s.dismissNotification()
				s.runReaperPass()
			} else {
				s.raiseNotification("Backup destination unavailable", "Retrying on the next sync interval.")
			}

			delay = nextReaperDelay(delay, s.cfg.Retention)
			timer.Reset(delay)
		}
	}
}

// nextReaperDelay doubles prev, saturating once it exceeds retention.
func nextReaperDelay(prev, retention time.Duration) time.Duration {
	if prev > retention {
		return prev
	}
	return prev * 2
}

func (s *Supervisor) runReaperPass() {
	report, err := reaper.Pass(s.dest.Root(), s.cfg.Entries, s.cfg.Retention)
	if err != nil {
		s.log.WithError(err).Error("reaper pass failed")
		return
	}
	for _, e := range report.Errors {
		s.log.Error(e)
	}
	s.log.WithField("deleted", len(report.Deleted)).Info("reaper pass complete")

	if s.opts.ReportDeletions {
		if err := writeReport(report); err != nil {
			s.log.WithError(err).Warn("failed to write deletion report")
		}
	}
}

// raiseNotification moves the state machine to active and best-effort
// informs the GUI helper. A nil notifier is a no-op, per spec.md §7's
// "GUI helper absence is degraded".
func (s *Supervisor) raiseNotification(title, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(title, body); err != nil {
		s.log.WithError(err).Warn("GUI notification failed")
		return
	}
	s.notify = notifyActive
}

func (s *Supervisor) dismissNotification() {
	if s.notify != notifyActive || s.notifier == nil {
		return
	}
	if err := s.notifier.Dismiss(); err != nil {
		s.log.WithError(err).Warn("GUI notification dismiss failed")
		return
	}
	s.notify = notifyDismissed
}

func isDirPattern(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// writeReport serializes one reaper pass to a temp file, per spec.md
// §6's "-s writes a per-pass report of deletion classifications".
func writeReport(report reaper.Report) error {
	f, err := os.CreateTemp("", "openduckbill-reaper-*.json")
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return nil
}

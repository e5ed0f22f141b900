// Package runner spawns external processes (rsync, remote shell commands)
// and reports how they exited. It is the one place in the daemon that
// forks a child; every other component depends on the Runner interface
// so tests can substitute a fake.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Result describes how a child process exited.
type Result struct {
	// ExitCode is the process's exit status. -1 when the process was
	// killed by a signal rather than exiting normally.
	ExitCode int
	// Signaled is true when the process terminated due to a signal.
	Signaled bool
}

// Runner runs argument vectors as child processes.
type Runner interface {
	Run(ctx context.Context, argv []string, debug bool) (Result, error)
}

// Exec is the production Runner, backed by os/exec.
type Exec struct {
	Log *logrus.Logger
}

// New returns an Exec runner that logs child stdout at debug level.
func New(log *logrus.Logger) *Exec {
	return &Exec{Log: log}
}

// Run blocks until argv's process exits. In debug mode the child's
// stdout and stderr are each streamed line-by-line into the log at debug
// level; otherwise both are discarded. A launch failure (binary not
// found, fork failure) reports exit code 1 and a non-nil error.
func (e *Exec) Run(ctx context.Context, argv []string, debug bool) (Result, error) {
	if len(argv) == 0 {
		return Result{ExitCode: 1}, errors.New("runner: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdoutPipe, stderrPipe io.ReadCloser
	var err error
	if debug && e.Log != nil {
		stdoutPipe, err = cmd.StdoutPipe()
		if err != nil {
			return Result{ExitCode: 1}, err
		}
		stderrPipe, err = cmd.StderrPipe()
		if err != nil {
			return Result{ExitCode: 1}, err
		}
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1}, err
	}

	if stdoutPipe != nil {
		go streamDebug(e.Log, stdoutPipe)
	}
	if stderrPipe != nil {
		go streamDebug(e.Log, stderrPipe)
	}

	err = cmd.Wait()
	return resultFromWaitErr(cmd, err)
}

func streamDebug(log *logrus.Logger, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debug(scanner.Text())
	}
}

// resultFromWaitErr classifies cmd.Wait()'s error into a Result,
// distinguishing a signaled exit from a plain nonzero exit so callers can
// log at the right level without string-matching the error.
func resultFromWaitErr(cmd *exec.Cmd, err error) (Result, error) {
	if err == nil {
		return Result{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return Result{ExitCode: -1, Signaled: true}, nil
		}
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}

	// Launch-time failure (binary missing, permission denied, etc).
	return Result{ExitCode: 1}, err
}

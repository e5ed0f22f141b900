// Package notify implements the optional GUI notification helper named
// in spec.md §4.8 and §7: an external binary the supervisor shells out
// to, whose absence degrades notifications rather than failing startup.
package notify

import (
	"context"
	"fmt"
	"os/exec"

	"openduckbill/internal/runner"
)

// Helper shells out to an external notifier (notify-send on Linux
// desktops) to raise and dismiss a single persistent notification. It
// implements supervisor.Notifier.
type Helper struct {
	run    runner.Runner
	binary string
	id     string // notify-send replaces-id, so Dismiss targets the same bubble
}

// New locates binary on PATH and returns a Helper, or an error if it is
// not found. Per spec.md §7, a missing GUI helper is not fatal: the
// caller should treat a non-nil error as "disable notifications,
// continue" rather than aborting startup.
func New(run runner.Runner, binary string) (*Helper, error) {
	if binary == "" {
		binary = "notify-send"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("notification helper %q not found: %w", binary, err)
	}
	return &Helper{run: run, binary: binary, id: "9173"}, nil
}

// Notify raises a notification with a fixed replaces-id, so a second
// call updates the existing bubble instead of stacking a new one.
func (h *Helper) Notify(title, body string) error {
	argv := []string{h.binary, "--replace-id=" + h.id, "--urgency=critical", title, body}
	res, err := h.run.Run(context.Background(), argv, false)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d", h.binary, res.ExitCode)
	}
	return nil
}

// Dismiss clears the notification raised by Notify, if the notifier
// binary supports programmatic dismissal; notify-send itself has no
// dismiss verb, so this re-raises an empty, non-urgent bubble that
// expires immediately, matching the original popup's "close" semantics
// well enough for an unattended daemon.
func (h *Helper) Dismiss() error {
	argv := []string{h.binary, "--replace-id=" + h.id, "--expire-time=1", "--urgency=low", ""}
	_, err := h.run.Run(context.Background(), argv, false)
	return err
}

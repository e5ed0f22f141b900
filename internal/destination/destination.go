// Package destination implements the backup destination driver: mount
// state, mount/unmount, and destination-layout verification, one
// implementation per destination mode. Composition replaces the runtime
// subclassing of the original initializer — the daemon holds a Driver
// value, never a type hierarchy.
package destination

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"openduckbill/internal/config"
	"openduckbill/internal/runner"
)

// MountError reports a failed mount-related operation with enough
// context to log without re-deriving it from a bare error string.
type MountError struct {
	Op   string // "mount", "unmount", "verify"
	Path string
	Err  error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *MountError) Unwrap() error { return e.Err }

// Driver abstracts destination-mode-specific mount and layout behavior.
type Driver interface {
	// IsMounted reports whether the destination is currently reachable.
	IsMounted(ctx context.Context) bool
	// Mount best-effort unmounts first, then (re-)mounts. A mount that
	// reports success but fails a subsequent IsMounted check is an error.
	Mount(ctx context.Context) error
	// Unmount is best-effort; errors are not fatal to callers.
	Unmount(ctx context.Context) error
	// VerifyLayout reports whether the destination tree exists and, for
	// local and nfs destinations, is writable by the current user; the
	// remote-shell driver only checks that the remote directory exists.
	VerifyLayout(ctx context.Context) bool
	// CreateLayout creates the destination tree with owner-only
	// permissions, recursively.
	CreateLayout(ctx context.Context) error
	// Root returns the destination root directory used by the backup job
	// builder and reaper (<root>/<user>/__backups__/<host>).
	Root() string
}

// New constructs the Driver for cfg.Mode.
func New(cfg *config.Config, run runner.Runner) (Driver, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("determine current user: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("determine hostname: %w", err)
	}

	switch cfg.Mode {
	case config.ModeLocal:
		return &local{root: layoutRoot(cfg.LocalMount, u.Username, host)}, nil
	case config.ModeNFS:
		return &nfs{
			server:      cfg.Server,
			remoteMount: cfg.RemoteMount,
			localMount:  cfg.LocalMount,
			root:        layoutRoot(cfg.LocalMount, u.Username, host),
		}, nil
	case config.ModeRemoteShell:
		return &remoteShell{
			server:  cfg.Server,
			sshPort: cfg.SSHPort,
			sshUser: cfg.SSHUser,
			root:    layoutRoot(cfg.RemoteMount, u.Username, host),
			runner:  run,
		}, nil
	default:
		return nil, fmt.Errorf("unknown destination mode %q", cfg.Mode)
	}
}

func layoutRoot(root, username, host string) string {
	return filepath.Join(root, username, "__backups__", host)
}

// local is the destination.Driver for a plain local directory: never
// needs mounting, layout checks are plain filesystem operations.
type local struct {
	root string
}

func (l *local) IsMounted(context.Context) bool { return true }
func (l *local) Mount(context.Context) error    { return nil }
func (l *local) Unmount(context.Context) error  { return nil }
func (l *local) Root() string                   { return l.root }

func (l *local) VerifyLayout(context.Context) bool {
	return verifyWritableDir(l.root)
}

func (l *local) CreateLayout(context.Context) error {
	return os.MkdirAll(l.root, 0o700)
}

// nfs is the destination.Driver for a locally-mounted NFS share. Mounting
// relies on a pre-existing fstab entry; this driver only invokes
// `mount`/`umount` by mountpoint and verifies the result.
type nfs struct {
	server      string
	remoteMount string
	localMount  string
	root        string
}

func (n *nfs) Root() string { return n.root }

// IsMounted compares the filesystem backing the local mountpoint against
// the expected server:remoteMount by reading /proc/mounts-equivalent
// information. statfs alone cannot distinguish "mounted but wrong
// export" from "mounted correctly", so this reads the mount table.
func (n *nfs) IsMounted(ctx context.Context) bool {
	entries, err := readMounts()
	if err != nil {
		return false
	}
	want := n.server + ":" + n.remoteMount
	target := filepath.Clean(n.localMount)
	for _, e := range entries {
		if filepath.Clean(e.mountpoint) == target && e.source == want {
			return true
		}
	}
	return false
}

func (n *nfs) Unmount(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "umount", n.localMount)
	if err := cmd.Run(); err != nil {
		return &MountError{Op: "unmount", Path: n.localMount, Err: err}
	}
	return nil
}

func (n *nfs) Mount(ctx context.Context) error {
	_ = n.Unmount(ctx) // best effort, clear stale state

	cmd := exec.CommandContext(ctx, "mount", n.localMount)
	if err := cmd.Run(); err != nil {
		return &MountError{Op: "mount", Path: n.localMount, Err: err}
	}
	if !n.IsMounted(ctx) {
		return &MountError{Op: "mount", Path: n.localMount, Err: fmt.Errorf("mount reported success but verification failed")}
	}
	return nil
}

func (n *nfs) VerifyLayout(context.Context) bool {
	return verifyWritableDir(n.root)
}

func (n *nfs) CreateLayout(context.Context) error {
	return os.MkdirAll(n.root, 0o700)
}

// remoteShell is the destination.Driver for synchronization over ssh.
// There is no local mountpoint to verify; layout checks run a remote
// `test -d` / `mkdir -p` via the command runner.
type remoteShell struct {
	server  string
	sshPort int
	sshUser string
	root    string
	runner  runner.Runner
}

func (r *remoteShell) Root() string                   { return r.root }
func (r *remoteShell) IsMounted(context.Context) bool { return true }
func (r *remoteShell) Mount(context.Context) error    { return nil }
func (r *remoteShell) Unmount(context.Context) error  { return nil }

func (r *remoteShell) sshTarget() string {
	return fmt.Sprintf("%s@%s", r.sshUser, r.server)
}

func (r *remoteShell) VerifyLayout(ctx context.Context) bool {
	argv := []string{"ssh", "-p", fmt.Sprint(r.sshPort), r.sshTarget(), "test", "-d", r.root}
	res, err := r.runner.Run(ctx, argv, false)
	return err == nil && res.ExitCode == 0
}

func (r *remoteShell) CreateLayout(ctx context.Context) error {
	mkdir := fmt.Sprintf("mkdir -p %s && chmod 700 %s", shellQuote(r.root), shellQuote(r.root))
	argv := []string{"ssh", "-p", fmt.Sprint(r.sshPort), r.sshTarget(), "sh", "-c", mkdir}
	res, err := r.runner.Run(ctx, argv, false)
	if err != nil {
		return fmt.Errorf("create remote layout: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create remote layout: remote mkdir exited %d", res.ExitCode)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + filepath.Clean(s) + "'"
}

func verifyWritableDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(path, ".odb-write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

type mountEntry struct {
	source     string
	mountpoint string
	fstype     string
}

// readMounts reads and parses /proc/mounts. The parsing lives in
// parseMounts so tests can exercise it on literal mount-table text
// without an actual NFS mount (see destination_test.go); the matching
// in nfs.IsMounted always reads the live table.
func readMounts() ([]mountEntry, error) {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return nil, err
	}
	return parseMounts(string(data)), nil
}

func parseMounts(data string) []mountEntry {
	var out []mountEntry
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		out = append(out, mountEntry{source: fields[0], mountpoint: fields[1], fstype: fields[2]})
	}
	return out
}

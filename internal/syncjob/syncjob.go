// Package syncjob composes rsync argument vectors for a backup entry and
// implements path narrowing: reducing a burst of modified paths down to
// the shallowest directories that still cover all of them.
package syncjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"openduckbill/internal/config"
	"openduckbill/internal/entryset"
	"openduckbill/internal/runner"
)

// Options carries the per-run flags that affect argument composition but
// are not part of the entry or destination themselves.
type Options struct {
	DryRun       bool
	Debug        bool
	MaintainPrev bool
	ExcludeFile  string
	RsyncBinary  string // defaults to "rsync" when empty
}

// Destination is the minimal view syncjob needs of a destination.Driver;
// every destination.Driver satisfies it, and syncjob does not import
// internal/destination.
type Destination interface {
	Root() string
}

// Target carries the remote-shell specific endpoint fields; zero value
// means "not remote-shell".
type Target struct {
	Mode    config.Mode
	Server  string
	SSHUser string
	SSHPort int
}

func binaryOrDefault(b string) string {
	if b == "" {
		return "rsync"
	}
	return b
}

// BuildArgs composes the rsync argument vector in the exact order the
// synchronizer requires:
//  1. binary, --dry-run if requested
//  2. -e "ssh -p <port>" for remote-shell destinations
//  3. -r for recursive entries, else -d; a non-recursive directory
//     source gets a trailing separator so rsync copies the directory
//     itself but not a deeper tree
//  4. per-entry --exclude=/--include=, in declaration order
//  5. -b --suffix=.odb~ when MaintainPrev, else --delete --delete-after
//  6. the fixed tail flags, --exclude-from=<file>, then the source
//  7. the destination: user@server:root for remote-shell, root otherwise
func BuildArgs(dest Destination, target Target, entry entryset.Entry, source string, opts Options) []string {
	args := []string{binaryOrDefault(opts.RsyncBinary)}
	if opts.DryRun {
		args = append(args, "--dry-run")
	}

	if target.Mode == config.ModeRemoteShell {
		args = append(args, "-e", fmt.Sprintf("ssh -p %d", target.SSHPort))
	}

	if entry.Recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d")
		source = normalizeNonRecursiveSource(source, entry)
	}

	for _, pat := range entry.Exclude {
		args = append(args, "--exclude="+pat)
	}
	for _, pat := range entry.Include {
		args = append(args, "--include="+pat)
	}

	if opts.MaintainPrev {
		args = append(args, "-b", "--suffix=.odb~")
	} else {
		args = append(args, "--delete", "--delete-after")
	}

	args = append(args,
		"--relative", "--links", "--perms", "--times", "--owner", "--group",
		"--devices", "--temp-dir=/tmp", "--update", "--delete-excluded", "--force",
		"--exclude-from="+opts.ExcludeFile,
		source,
	)

	args = append(args, destinationArg(dest, target))
	return args
}

// normalizeNonRecursiveSource applies the trailing-separator convention:
// only a non-recursive directory entry's source gets a trailing
// separator (so rsync copies the directory's contents, not the directory
// itself as a whole subtree); a non-recursive file entry's path is
// passed through unchanged.
func normalizeNonRecursiveSource(source string, entry entryset.Entry) string {
	info, err := os.Stat(entry.Path)
	if err != nil || !info.IsDir() {
		return source
	}
	if strings.HasSuffix(source, string(filepath.Separator)) {
		return source
	}
	return source + string(filepath.Separator)
}

func destinationArg(dest Destination, target Target) string {
	if target.Mode == config.ModeRemoteShell {
		return fmt.Sprintf("%s@%s:%s", target.SSHUser, target.Server, dest.Root())
	}
	return dest.Root()
}

// Narrow groups modified paths by the entry whose Path is a prefix of
// each, then reduces each group to the longest common directory prefix:
// the nearest directory containing every modified path in that group.
// A single-path group uses that path verbatim. Paths matched by no entry
// are dropped.
func Narrow(entries []entryset.Entry, modifiedPaths []string) map[string]string {
	groups := make(map[string][]string)
	for _, p := range modifiedPaths {
		e, ok := entryset.MatchPath(entries, p)
		if !ok {
			continue
		}
		groups[e.Name] = append(groups[e.Name], p)
	}

	result := make(map[string]string, len(groups))
	for name, paths := range groups {
		if len(paths) == 1 {
			result[name] = paths[0]
			continue
		}
		result[name] = commonDirPrefix(paths)
	}
	return result
}

// commonDirPrefix returns the deepest directory that is an ancestor (or
// equal, for a directory member) of every path in paths.
func commonDirPrefix(paths []string) string {
	dirs := make([]string, len(paths))
	for i, p := range paths {
		dirs[i] = filepath.Clean(p)
	}

	common := splitPath(dirs[0])
	for _, d := range dirs[1:] {
		common = commonPrefix(common, splitPath(d))
	}

	if len(common) == 0 {
		return string(filepath.Separator)
	}
	return filepath.Join(common...)
}

func splitPath(p string) []string {
	p = filepath.Clean(p)
	if p == string(filepath.Separator) {
		return nil
	}
	trimmed := strings.TrimPrefix(p, string(filepath.Separator))
	parts := strings.Split(trimmed, string(filepath.Separator))
	if filepath.IsAbs(p) {
		parts[0] = string(filepath.Separator) + parts[0]
	}
	return parts
}

func commonPrefix(a, b []string) []string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var out []string
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			break
		}
		out = append(out, a[i])
	}
	return out
}

// RunInitial runs the full entry path as the source, sequentially,
// blocking the caller — used once per entry at daemon startup.
func RunInitial(ctx context.Context, run runner.Runner, dest Destination, target Target, entry entryset.Entry, opts Options) (runner.Result, error) {
	args := BuildArgs(dest, target, entry, entry.Path, opts)
	return run.Run(ctx, args, opts.Debug)
}

// RunIncremental runs a single narrowed source path for entry, as
// launched from within a flush worker.
func RunIncremental(ctx context.Context, run runner.Runner, dest Destination, target Target, entry entryset.Entry, source string, opts Options) (runner.Result, error) {
	args := BuildArgs(dest, target, entry, source, opts)
	return run.Run(ctx, args, opts.Debug)
}

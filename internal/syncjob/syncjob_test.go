package syncjob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"openduckbill/internal/config"
	"openduckbill/internal/entryset"
)

type fakeDest struct{ root string }

func (f fakeDest) Root() string { return f.root }

func TestBuildArgsLocalRecursive(t *testing.T) {
	entry := entryset.Entry{Name: "docs", Path: "/home/u/docs", Recursive: true, Exclude: []string{"*.tmp"}, Include: []string{"*.md"}}
	opts := Options{ExcludeFile: "/tmp/exclude.txt"}
	args := BuildArgs(fakeDest{root: "/mnt/bk"}, Target{Mode: config.ModeLocal}, entry, entry.Path, opts)

	require.Equal(t, []string{
		"rsync",
		"-r",
		"--exclude=*.tmp",
		"--include=*.md",
		"--delete", "--delete-after",
		"--relative", "--links", "--perms", "--times", "--owner", "--group",
		"--devices", "--temp-dir=/tmp", "--update", "--delete-excluded", "--force",
		"--exclude-from=/tmp/exclude.txt",
		"/home/u/docs",
		"/mnt/bk",
	}, args)
}

func TestBuildArgsDryRunAndMaintainPrev(t *testing.T) {
	entry := entryset.Entry{Name: "docs", Path: "/home/u/docs", Recursive: true}
	opts := Options{ExcludeFile: "/tmp/exclude.txt", DryRun: true, MaintainPrev: true}
	args := BuildArgs(fakeDest{root: "/mnt/bk"}, Target{Mode: config.ModeLocal}, entry, entry.Path, opts)

	require.Equal(t, "rsync", args[0])
	require.Equal(t, "--dry-run", args[1])
	require.Contains(t, args, "-b")
	require.Contains(t, args, "--suffix=.odb~")
	require.NotContains(t, args, "--delete")
}

func TestBuildArgsRemoteShell(t *testing.T) {
	entry := entryset.Entry{Name: "docs", Path: "/home/u/docs", Recursive: true}
	opts := Options{ExcludeFile: "/tmp/exclude.txt"}
	target := Target{Mode: config.ModeRemoteShell, Server: "backup.example.com", SSHUser: "duck", SSHPort: 2222}
	args := BuildArgs(fakeDest{root: "/srv/backups"}, target, entry, entry.Path, opts)

	require.Equal(t, "-e", args[1])
	require.Equal(t, "ssh -p 2222", args[2])
	require.Equal(t, "duck@backup.example.com:/srv/backups", args[len(args)-1])
}

func TestBuildArgsNonRecursiveDirectoryGetsTrailingSeparator(t *testing.T) {
	dir := t.TempDir()
	entry := entryset.Entry{Name: "dir", Path: dir, Recursive: false}
	opts := Options{ExcludeFile: "/tmp/exclude.txt"}
	args := BuildArgs(fakeDest{root: "/mnt/bk"}, Target{Mode: config.ModeLocal}, entry, entry.Path, opts)

	idx := len(args) - 2 // source is second-to-last before the destination
	require.Equal(t, dir+string(filepath.Separator), args[idx])
	require.Contains(t, args, "-d")
}

func TestBuildArgsNonRecursiveFileUnchanged(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	entry := entryset.Entry{Name: "f", Path: file, Recursive: false}
	opts := Options{ExcludeFile: "/tmp/exclude.txt"}
	args := BuildArgs(fakeDest{root: "/mnt/bk"}, Target{Mode: config.ModeLocal}, entry, entry.Path, opts)

	idx := len(args) - 2
	require.Equal(t, file, args[idx])
}

func TestNarrowSinglePathVerbatim(t *testing.T) {
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	got := Narrow(entries, []string{"/home/u/docs/a.txt"})
	require.Equal(t, "/home/u/docs/a.txt", got["docs"])
}

func TestNarrowCommonDirPrefix(t *testing.T) {
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	got := Narrow(entries, []string{
		"/home/u/docs/a/b/x.txt",
		"/home/u/docs/a/b/y.txt",
		"/home/u/docs/a/c/z.txt",
	})
	require.Equal(t, "/home/u/docs/a", got["docs"])
}

func TestNarrowDropsUnmatchedPaths(t *testing.T) {
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	got := Narrow(entries, []string{"/etc/passwd"})
	require.Empty(t, got)
}

func TestNarrowMultipleEntries(t *testing.T) {
	entries := []entryset.Entry{
		{Name: "docs", Path: "/home/u/docs", Recursive: true},
		{Name: "photos", Path: "/home/u/photos", Recursive: true},
	}
	got := Narrow(entries, []string{
		"/home/u/docs/a.txt",
		"/home/u/photos/b.jpg",
		"/home/u/photos/c.jpg",
	})
	require.Equal(t, "/home/u/docs/a.txt", got["docs"])
	require.Equal(t, "/home/u/photos", got["photos"])
}

package reaper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"openduckbill/internal/entryset"
)

func mkTree(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		full := filepath.Join(root, r)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func TestClassifyRecursiveEntryScheduled(t *testing.T) {
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	require.Equal(t, Scheduled, classifyOne("home/u/docs", entries))
	require.Equal(t, Scheduled, classifyOne("home/u/docs/a/b/c", entries))
}

func TestClassifyNonRecursiveDirectChildScheduledDeeperDiscontinued(t *testing.T) {
	entries := []entryset.Entry{{Name: "a", Path: "/a", Recursive: false}}
	require.Equal(t, Scheduled, classifyOne("a", entries))
	require.Equal(t, Scheduled, classifyOne("a/x", entries))
	require.Equal(t, Discontinued, classifyOne("a/x/deep", entries))
}

func TestClassifyNeverScheduled(t *testing.T) {
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	require.Equal(t, NeverScheduled, classifyOne("etc/passwd", entries))
}

func TestReclassifyProtectsAncestorOfLiveEntry(t *testing.T) {
	items := []Item{
		{RelPath: "a", Class: NeverScheduled},
		{RelPath: "a/b", Class: NeverScheduled},
		{RelPath: "a/b/c", Class: Scheduled},
	}
	reclassifyParentsOfScheduled(items)
	require.Equal(t, Scheduled, items[0].Class)
	require.Equal(t, Scheduled, items[1].Class)
}

func TestOrderForDeletionFilesFirstThenDeepestDirs(t *testing.T) {
	items := []Item{
		{RelPath: "a", IsDir: true},
		{RelPath: "a/b", IsDir: true},
		{RelPath: "a/b/file.txt", IsDir: false},
	}
	orderForDeletion(items)
	require.Equal(t, "a/b/file.txt", items[0].RelPath)
	require.Equal(t, "a/b", items[1].RelPath)
	require.Equal(t, "a", items[2].RelPath)
}

func TestPassDeletesDiscontinuedEntryChildrenButKeepsLiveDescendant(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "a/x", "a/y", "a/b/c/live.txt")

	entries := []entryset.Entry{{Name: "live", Path: "/a/b/c", Recursive: true}}
	report, err := Pass(root, entries, 0)
	require.NoError(t, err)

	_, errX := os.Stat(filepath.Join(root, "a/x"))
	require.True(t, os.IsNotExist(errX))
	_, errY := os.Stat(filepath.Join(root, "a/y"))
	require.True(t, os.IsNotExist(errY))

	_, errA := os.Stat(filepath.Join(root, "a"))
	require.NoError(t, errA, "ancestor of live entry must survive")

	_, errLive := os.Stat(filepath.Join(root, "a/b/c/live.txt"))
	require.NoError(t, errLive, "scheduled file must never be deleted")

	require.Contains(t, report.Deleted, "a/x")
	require.Contains(t, report.Deleted, "a/y")
}

func TestPassRespectsRetentionWindow(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "gone/file.txt")

	report, err := Pass(root, nil, 24*time.Hour)
	require.NoError(t, err)
	require.Empty(t, report.Deleted)

	_, err = os.Stat(filepath.Join(root, "gone/file.txt"))
	require.NoError(t, err)
}

func TestPassNeverDeletesScheduledItem(t *testing.T) {
	root := t.TempDir()
	mkTree(t, root, "docs/a.txt")

	entries := []entryset.Entry{{Name: "docs", Path: "/docs", Recursive: true}}
	report, err := Pass(root, entries, 0)
	require.NoError(t, err)
	require.NotContains(t, report.Deleted, "docs")
	require.NotContains(t, report.Deleted, "docs/a.txt")
}

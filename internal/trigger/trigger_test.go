package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"openduckbill/internal/coalescer"
	"openduckbill/internal/entryset"
	"openduckbill/internal/runner"
	"openduckbill/internal/syncjob"
)

type fakeRunner struct {
	calls int32
}

func (f *fakeRunner) Run(ctx context.Context, argv []string, debug bool) (runner.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	return runner.Result{ExitCode: 0}, nil
}

type fakeDest struct {
	mounted int32
}

func (f *fakeDest) IsMounted(context.Context) bool     { return atomic.LoadInt32(&f.mounted) != 0 }
func (f *fakeDest) Mount(context.Context) error        { return nil }
func (f *fakeDest) Unmount(context.Context) error      { return nil }
func (f *fakeDest) VerifyLayout(context.Context) bool  { return true }
func (f *fakeDest) CreateLayout(context.Context) error { return nil }
func (f *fakeDest) Root() string                       { return "/mnt/bk" }

func newTestEngine(t *testing.T, threshold int) (*Engine, *fakeRunner, *fakeDest, *coalescer.Coalescer) {
	t.Helper()
	state := coalescer.New()
	r := &fakeRunner{}
	d := &fakeDest{mounted: 1}
	entries := []entryset.Entry{{Name: "docs", Path: "/home/u/docs", Recursive: true}}
	cfg := Config{
		SyncInterval:    time.Hour, // never fires on its own in these tests
		CommitThreshold: threshold,
		Options:         syncjob.Options{},
	}
	e := New(cfg, entries, state, d, r, logrus.New())
	return e, r, d, state
}

func TestVolumeThresholdFlush(t *testing.T) {
	e, r, _, state := newTestEngine(t, 5)
	for i := 0; i < 6; i++ {
		state.Ingest(fakeEvent(i))
	}
	e.tick(context.Background())
	e.Join()
	require.EqualValues(t, 1, r.calls)

	s := state.Snapshot()
	require.Equal(t, 0, s.Counter)
}

func TestNoFlushBelowThresholdNoRepeat(t *testing.T) {
	e, r, _, state := newTestEngine(t, 5)
	state.Ingest(fakeEvent(1))
	state.Ingest(fakeEvent(2))
	state.Ingest(fakeEvent(3))

	e.tick(context.Background())
	require.EqualValues(t, 0, r.calls)
	e.tick(context.Background())
	require.EqualValues(t, 0, r.calls)
}

func TestQuiescenceFlushAfterThreeEqualTicks(t *testing.T) {
	e, r, _, state := newTestEngine(t, 5)
	state.Ingest(fakeEvent(1))
	state.Ingest(fakeEvent(2))
	state.Ingest(fakeEvent(3))

	e.tick(context.Background()) // establishes prevCounter=3
	e.tick(context.Background()) // idleTicks=1
	e.tick(context.Background()) // idleTicks=2
	require.EqualValues(t, 0, r.calls)
	e.tick(context.Background()) // idleTicks=3 -> flush
	e.Join()
	require.EqualValues(t, 1, r.calls)
}

func TestMaxWorkersBackoffGrowsInterval(t *testing.T) {
	e, _, _, state := newTestEngine(t, 1)
	for i := 0; i < MaxWorkers; i++ {
		ok := e.sem.TryAcquire(1)
		require.True(t, ok)
	}
	before := e.CurrentInterval()
	state.Ingest(fakeEvent(1))
	e.tick(context.Background())
	require.Greater(t, e.CurrentInterval(), before)
}

func TestDestinationDownDisablesReaperAndBacksOff(t *testing.T) {
	e, r, d, state := newTestEngine(t, 1)
	atomic.StoreInt32(&d.mounted, 0)
	state.Ingest(fakeEvent(1))

	e.tick(context.Background())
	require.False(t, e.ReaperEnabled())
	require.EqualValues(t, 0, r.calls)
	require.Greater(t, e.CurrentInterval(), time.Hour)
}

func TestPersistentDestinationFailureSelfTerminates(t *testing.T) {
	e, _, d, state := newTestEngine(t, 1)
	atomic.StoreInt32(&d.mounted, 0)

	for i := 0; i < 10; i++ {
		state.Ingest(fakeEvent(i))
		e.tick(context.Background())
	}

	select {
	case <-e.SelfTerminate():
	default:
		t.Fatal("expected self-terminate to be signaled after persistent destination failure")
	}
}

func TestFlushNowSkipsWhenNoPendingEvents(t *testing.T) {
	e, r, _, _ := newTestEngine(t, 5)
	launched := e.FlushNow(context.Background())
	require.False(t, launched)
	require.EqualValues(t, 0, r.calls)
}

func TestFlushNowLaunchesWhenPending(t *testing.T) {
	e, r, _, state := newTestEngine(t, 5)
	state.Ingest(fakeEvent(1))
	launched := e.FlushNow(context.Background())
	require.True(t, launched)
	e.Join()
	require.EqualValues(t, 1, r.calls)
}

func TestLaunchWorkerPrunesFinishedHandles(t *testing.T) {
	e, _, _, state := newTestEngine(t, 5)

	state.Ingest(fakeEvent(1))
	launched := e.FlushNow(context.Background())
	require.True(t, launched)
	e.Join()

	state.Ingest(fakeEvent(2))
	launched = e.FlushNow(context.Background())
	require.True(t, launched)
	e.Join()

	e.mu.Lock()
	n := len(e.workers)
	e.mu.Unlock()
	require.Equal(t, 1, n, "finished worker handles should be pruned, not accumulated")
}

func fakeEvent(i int) fsnotify.Event {
	return fsnotify.Event{Name: "/home/u/docs/file" + string(rune('a'+i)), Op: fsnotify.Write}
}

package txn

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/commitlog"
	"github.com/slabdb/slabdb/slab"
)

func testLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func newTestManager(t *testing.T) (*Manager, *slab.Allocator) {
	t.Helper()
	dir := t.TempDir()
	alloc, err := slab.Open(filepath.Join(dir, "data.db"), slab.Options{InitialSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	log, err := commitlog.Open(filepath.Join(dir, "log"), testLogger(), true)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	bootstrap := func(ctx *slab.CowContext) (slab.Ref, error) {
		return ctx.Allocate(slab.HeaderSize)
	}
	mgr, err := Open(alloc, log, testLogger(), bootstrap, true)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mgr.Close(context.Background())) })
	return mgr, alloc
}

func TestManagerBootstrapsNewFile(t *testing.T) {
	mgr, _ := newTestManager(t)

	snap := mgr.BeginRead()
	defer snap.Close()
	require.Equal(t, uint64(1), snap.Version())
	require.NotEqual(t, slab.NullRef, snap.Root())
}

func TestManagerCommitPublishesNewRoot(t *testing.T) {
	mgr, _ := newTestManager(t)

	before := mgr.BeginRead()
	beforeRoot := before.Root()
	before.Close()

	w := mgr.BeginWrite()
	newRoot, err := w.Ctx().Allocate(slab.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, w.Commit(newRoot, []byte("changeset-1")))

	after := mgr.BeginRead()
	defer after.Close()
	require.Equal(t, newRoot, after.Root())
	require.NotEqual(t, beforeRoot, after.Root())
	require.Equal(t, uint64(2), after.Version())
}

func TestManagerReaderIsIsolatedFromLaterWrite(t *testing.T) {
	mgr, _ := newTestManager(t)

	reader := mgr.BeginRead()
	defer reader.Close()
	pinnedRoot := reader.Root()

	w := mgr.BeginWrite()
	newRoot, err := w.Ctx().Allocate(slab.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, w.Commit(newRoot, nil))

	// The already-open reader still observes the pre-commit root.
	require.Equal(t, pinnedRoot, reader.Root())

	latest := mgr.BeginRead()
	defer latest.Close()
	require.Equal(t, newRoot, latest.Root())
}

func TestWriterRollbackDiscardsAllocations(t *testing.T) {
	mgr, alloc := newTestManager(t)

	before := mgr.BeginRead()
	beforeVersion := before.Version()
	before.Close()

	offsetBefore := alloc.NextOffset()
	w := mgr.BeginWrite()
	_, err := w.Ctx().Allocate(256)
	require.NoError(t, err)
	_, err = w.Ctx().Allocate(256)
	require.NoError(t, err)
	require.Greater(t, alloc.NextOffset(), offsetBefore)

	w.Rollback()
	require.Equal(t, offsetBefore, alloc.NextOffset())

	snap := mgr.BeginRead()
	defer snap.Close()
	require.Equal(t, beforeVersion, snap.Version())
}

func TestWriterLockSerializesWriters(t *testing.T) {
	mgr, _ := newTestManager(t)

	w1 := mgr.BeginWrite()

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		w2 := mgr.BeginWrite()
		newRoot, _ := w2.Ctx().Allocate(slab.HeaderSize)
		w2.Commit(newRoot, nil)
		close(finished)
	}()
	<-started

	select {
	case <-finished:
		t.Fatal("second writer proceeded before first writer released the lock")
	default:
	}

	newRoot, err := w1.Ctx().Allocate(slab.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, w1.Commit(newRoot, nil))

	<-finished
}

func TestManagerReopenRecoversVersionFromLog(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data.db")
	logPath := filepath.Join(dir, "log")

	bootstrap := func(ctx *slab.CowContext) (slab.Ref, error) {
		return ctx.Allocate(slab.HeaderSize)
	}

	alloc, err := slab.Open(dbPath, slab.Options{InitialSize: 1 << 20})
	require.NoError(t, err)
	log, err := commitlog.Open(logPath, testLogger(), true)
	require.NoError(t, err)
	mgr, err := Open(alloc, log, testLogger(), bootstrap, true)
	require.NoError(t, err)

	w := mgr.BeginWrite()
	newRoot, err := w.Ctx().Allocate(slab.HeaderSize)
	require.NoError(t, err)
	require.NoError(t, w.Commit(newRoot, []byte("cs")))

	require.NoError(t, mgr.Close(context.Background()))
	require.NoError(t, log.Close())
	require.NoError(t, alloc.Close())

	alloc2, err := slab.Open(dbPath, slab.Options{InitialSize: 1 << 20})
	require.NoError(t, err)
	defer alloc2.Close()
	log2, err := commitlog.Open(logPath, testLogger(), true)
	require.NoError(t, err)
	defer log2.Close()
	mgr2, err := Open(alloc2, log2, testLogger(), bootstrap, true)
	require.NoError(t, err)
	defer mgr2.Close(context.Background())

	snap := mgr2.BeginRead()
	defer snap.Close()
	require.Equal(t, uint64(2), snap.Version())
	require.Equal(t, newRoot, snap.Root())
}

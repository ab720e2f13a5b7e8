package slabdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/slab"
)

func newGroupTestAllocator(t *testing.T) *slab.Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "group_test.db")
	alloc, err := slab.Open(path, slab.Options{InitialSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, alloc.Close())
		os.Remove(path)
	})
	return alloc
}

func newGroupTestCtx(alloc *slab.Allocator) *slab.CowContext {
	return &slab.CowContext{Alloc: alloc, WriteHorizon: slab.Ref(alloc.NextOffset()), Version: 1}
}

func TestGroupCreateTableRejectsDuplicateName(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	g, err := NewGroup(ctx, 8)
	require.NoError(t, err)

	_, err = g.CreateTable(ctx, "t1")
	require.NoError(t, err)

	_, err = g.CreateTable(ctx, "t1")
	require.Error(t, err)
}

func TestGroupRefreshTableRootRejectsUnknownTable(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	g, err := NewGroup(ctx, 8)
	require.NoError(t, err)

	tbl, err := g.CreateTable(ctx, "t1")
	require.NoError(t, err)

	err = g.RefreshTableRoot(ctx, "does-not-exist", tbl)
	require.Error(t, err)
}

func TestGroupDropTableThenCreateTableSameNameSucceeds(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	g, err := NewGroup(ctx, 8)
	require.NoError(t, err)

	_, err = g.CreateTable(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, g.DropTable(ctx, "t1"))

	names, err := g.TableNames()
	require.NoError(t, err)
	require.Empty(t, names)

	_, err = g.CreateTable(ctx, "t1")
	require.NoError(t, err)
}

func TestGroupFreeListRoundTrip(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	g, err := NewGroup(ctx, 8)
	require.NoError(t, err)

	fl := slab.NewFreeList([]uint64{128, 256}, []uint64{64, 32}, []uint64{1, 1})
	require.NoError(t, g.SyncFreeList(ctx, fl))

	loaded, err := g.LoadFreeList()
	require.NoError(t, err)
	positions, sizes, versions := loaded.Snapshot()
	require.Equal(t, []uint64{128, 256}, positions)
	require.Equal(t, []uint64{64, 32}, sizes)
	require.Equal(t, []uint64{1, 1}, versions)
}

func TestGroupVersionRoundTrip(t *testing.T) {
	alloc := newGroupTestAllocator(t)
	ctx := newGroupTestCtx(alloc)

	g, err := NewGroup(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(1), g.Version())

	require.NoError(t, g.SetVersion(ctx, 7))

	reopened, err := OpenGroup(alloc, g.Root(), 8)
	require.NoError(t, err)
	require.Equal(t, uint64(7), reopened.Version())
}

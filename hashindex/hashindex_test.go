package hashindex

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/slab"
)

func newTestAllocator(t *testing.T) *slab.Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hashindex_test.db")
	alloc, err := slab.Open(path, slab.Options{InitialSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, alloc.Close())
		os.Remove(path)
	})
	return alloc
}

func newTestCtx(alloc *slab.Allocator) *slab.CowContext {
	return &slab.CowContext{Alloc: alloc, WriteHorizon: slab.Ref(alloc.NextOffset()), Version: 1}
}

// fakeColumn is a plain in-memory row->key map standing in for a real
// column, used as the index's Verifier.
type fakeColumn struct {
	rows []int64
}

func (c *fakeColumn) verifier() Verifier[int64] {
	return func(row uint32) (int64, error) {
		return c.rows[row], nil
	}
}

func intEqual(a, b int64) bool { return a == b }

func TestHashIndexInsertAndFindAll(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	col := &fakeColumn{}
	ix, err := New[int64](ctx, IntHash, intEqual, col.verifier())
	require.NoError(t, err)

	for row := 0; row < 40; row++ {
		key := int64(row % 5) // several keys share many rows
		col.rows = append(col.rows, key)
		require.NoError(t, ix.Insert(ctx, key, uint32(row)))
	}

	for k := int64(0); k < 5; k++ {
		rows, err := ix.FindAll(k)
		require.NoError(t, err)
		for _, r := range rows {
			require.Equal(t, k, col.rows[r])
		}
		require.NotEmpty(t, rows)
	}

	missing, err := ix.FindAll(999)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestHashIndexEraseRemovesRow(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	col := &fakeColumn{rows: []int64{7, 7, 7}}
	ix, err := New[int64](ctx, IntHash, intEqual, col.verifier())
	require.NoError(t, err)

	for row := 0; row < 3; row++ {
		require.NoError(t, ix.Insert(ctx, 7, uint32(row)))
	}

	rows, err := ix.FindAll(7)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{0, 1, 2}, rows)

	require.NoError(t, ix.Erase(ctx, 7, 1))
	rows, err = ix.FindAll(7)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{0, 2}, rows)
}

func TestHashIndexGrowsUnderManyCollisions(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	col := &fakeColumn{}
	ix, err := New[int64](ctx, IntHash, intEqual, col.verifier())
	require.NoError(t, err)

	n := 500
	for row := 0; row < n; row++ {
		key := int64(row)
		col.rows = append(col.rows, key)
		require.NoError(t, ix.Insert(ctx, key, uint32(row)))
	}

	for row := 0; row < n; row++ {
		rows, err := ix.FindAll(int64(row))
		require.NoError(t, err)
		require.Contains(t, rows, uint32(row))
	}

	stats, err := ix.Stats()
	require.NoError(t, err)
	require.Greater(t, stats.BucketCount, uint32(1))
	require.Greater(t, stats.Displacements, uint64(0))
}

func TestHashIndexAdjustRowIndexes(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	col := &fakeColumn{rows: []int64{1, 2, 3, 4, 5}}
	ix, err := New[int64](ctx, IntHash, intEqual, col.verifier())
	require.NoError(t, err)
	for row, key := range col.rows {
		require.NoError(t, ix.Insert(ctx, key, uint32(row)))
	}

	// Simulate inserting a new row at position 2: every row >= 2 shifts
	// up by one.
	require.NoError(t, ix.AdjustRowIndexes(ctx, 2, 1))

	rows, err := ix.FindAll(3)
	require.NoError(t, err)
	require.Contains(t, rows, uint32(3))
}

func TestHashIndexStringKeys(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	rows := []string{}
	verify := func(row uint32) (string, error) { return rows[row], nil }
	equal := func(a, b string) bool { return a == b }

	ix, err := New[string](ctx, NewStringHash(), equal, verify)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		s := fmt.Sprintf("key-%d", i)
		rows = append(rows, s)
		require.NoError(t, ix.Insert(ctx, s, uint32(i)))
	}

	for i := 0; i < 30; i++ {
		found, err := ix.FindAll(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		require.Equal(t, []uint32{uint32(i)}, found)
	}
}

package btree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slabdb/slabdb/slab"
)

func newTestAllocator(t *testing.T) *slab.Allocator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "btree_test.db")
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

func TestBPlusTreeBasicInsertGet(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	tree, err := New(ctx, IntLeafFactory, DefaultMaxFanout)
	require.NoError(t, err)

	for i, v := range []int64{1, 2, 3, 4, 5} {
		require.NoError(t, tree.Insert(ctx, uint32(i), v))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(5), size)

	for i, want := range []int64{1, 2, 3, 4, 5} {
		got, err := tree.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.NoError(t, tree.Verify())
}

func TestBPlusTreeSet(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	tree, err := New(ctx, IntLeafFactory, DefaultMaxFanout)
	require.NoError(t, err)
	for i, v := range []int64{10, 20, 30} {
		require.NoError(t, tree.Insert(ctx, uint32(i), v))
	}

	require.NoError(t, tree.Set(ctx, 1, 999))
	got, err := tree.Get(1)
	require.NoError(t, err)
	require.Equal(t, int64(999), got)

	got0, err := tree.Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(10), got0)
}

func TestBPlusTreeAppendSplitsAcrossLeaves(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 4
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	n := 50
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, uint32(i), int64(i)))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(n), size)

	for i := 0; i < n; i++ {
		got, err := tree.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, int64(i), got)
	}
	require.NoError(t, tree.Verify())
}

func TestBPlusTreeNonAppendInsertTriggersGeneralForm(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	// Fan-out 8 keeps 30 appends under a single compact root (four leaves).
	const fanout = 8
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		require.NoError(t, tree.Insert(ctx, uint32(i), int64(i*10)))
	}

	// Insert in the middle: this must force a uniform (compact) inner
	// node over to general form via ensureOffsets, and still produce a
	// structurally valid, readable tree.
	require.NoError(t, tree.Insert(ctx, 5, int64(-1)))

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(31), size)

	got, err := tree.Get(5)
	require.NoError(t, err)
	require.Equal(t, int64(-1), got)

	got6, err := tree.Get(6)
	require.NoError(t, err)
	require.Equal(t, int64(50), got6)

	require.NoError(t, tree.Verify())
}

func TestBPlusTreeEraseRemovesElementAndShrinks(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 4
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	n := 40
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, uint32(i), int64(i)))
	}

	require.NoError(t, tree.Erase(ctx, 10))

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(n-1), size)

	for i := 0; i < 10; i++ {
		got, err := tree.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, int64(i), got)
	}
	for i := 10; i < n-1; i++ {
		got, err := tree.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, int64(i+1), got)
	}
	require.NoError(t, tree.Verify())
}

func TestBPlusTreeEraseDownToEmpty(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 4
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	n := 25
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, uint32(i), int64(i)))
	}
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, tree.Erase(ctx, uint32(i)))
		size, err := tree.Size()
		require.NoError(t, err)
		require.Equal(t, uint32(i), size)
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(0), size)
	require.NoError(t, tree.Verify())
}

// TestBPlusTreeEraseEmptiesMiddleChildKeepsOffsetsConsistent reproduces a
// general-form inner node whose non-last child shrinks to zero elements and
// is dropped: children [1,2,3] with offsets [1,3] erasing the sole element
// of child 0 must produce offsets [2], not [3] — every remaining offsets
// entry has to lose the emptied child's former size, exactly like the
// non-empty-child branch already does.
func TestBPlusTreeEraseEmptiesMiddleChildKeepsOffsetsConsistent(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 2
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	var model []int64
	insert := func(i uint32, v int64) {
		require.NoError(t, tree.Insert(ctx, i, v))
		model = append(model[:i], append([]int64{v}, model[i:]...)...)
	}
	erase := func(i uint32) {
		require.NoError(t, tree.Erase(ctx, i))
		model = append(model[:i], model[i+1:]...)
	}
	checkAgainstModel := func() {
		require.NoError(t, tree.Verify())
		size, err := tree.Size()
		require.NoError(t, err)
		require.Equal(t, uint32(len(model)), size)
		for i, want := range model {
			got, err := tree.Get(uint32(i))
			require.NoError(t, err)
			require.Equal(t, want, got, "mismatch at index %d", i)
		}
	}

	for i := 0; i < 12; i++ {
		insert(uint32(i), int64(i))
	}
	checkAgainstModel()

	// Non-append inserts split full leaves at the insertion point.
	insert(3, -1)
	insert(7, -2)
	checkAgainstModel()

	// Erase every element out of a leaf that sits strictly between two
	// still-populated siblings, one at a time, down to empty — this is
	// the path that must renumber offsets after the child is dropped.
	for _, idx := range []uint32{5, 5, 5} {
		erase(idx)
		checkAgainstModel()
	}

	// Keep mutating past the collapse to confirm later reads/writes still
	// land at the correct positions.
	insert(4, -3)
	checkAgainstModel()
	erase(0)
	checkAgainstModel()
}

func TestBPlusTreeTraverse(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 4
	tree, err := New(ctx, IntLeafFactory, fanout)
	require.NoError(t, err)

	n := 20
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(ctx, uint32(i), int64(i)))
	}

	var collected []int64
	err = tree.Traverse(func(offset uint32, leaf Leaf[int64]) (bool, error) {
		sz, err := leaf.Size(alloc)
		if err != nil {
			return false, err
		}
		for j := uint32(0); j < sz; j++ {
			v, err := leaf.Get(alloc, j)
			if err != nil {
				return false, err
			}
			collected = append(collected, v)
		}
		return false, nil
	})
	require.NoError(t, err)
	require.Len(t, collected, n)
	for i, v := range collected {
		require.Equal(t, int64(i), v)
	}
}

func TestBPlusTreeStrings(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx := newTestCtx(alloc)

	const fanout = 4
	tree, err := New(ctx, StringLeafFactory, fanout)
	require.NoError(t, err)

	words := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}
	for i, w := range words {
		require.NoError(t, tree.Insert(ctx, uint32(i), w))
	}

	size, err := tree.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(len(words)), size)

	for i, want := range words {
		got, err := tree.Get(uint32(i))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.NoError(t, tree.Verify())
}

func TestBPlusTreeCOWSnapshotIsolation(t *testing.T) {
	alloc := newTestAllocator(t)
	ctx1 := newTestCtx(alloc)

	tree, err := New(ctx1, IntLeafFactory, DefaultMaxFanout)
	require.NoError(t, err)
	for i, v := range []int64{1, 2, 3} {
		require.NoError(t, tree.Insert(ctx1, uint32(i), v))
	}
	committedRoot := tree.Root()

	// A later writer, with a higher write horizon, must not mutate nodes
	// reachable from the already-committed root in place.
	ctx2 := &slab.CowContext{Alloc: alloc, WriteHorizon: slab.Ref(alloc.NextOffset()), Version: 2}
	writer := Open(alloc, IntLeafFactory, committedRoot, DefaultMaxFanout)
	require.NoError(t, writer.Set(ctx2, 0, 999))

	reader := Open(alloc, IntLeafFactory, committedRoot, DefaultMaxFanout)
	got, err := reader.Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got)

	got2, err := writer.Get(0)
	require.NoError(t, err)
	require.Equal(t, int64(999), got2)
}

package btree

import (
	"github.com/slabdb/slabdb/array"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// DefaultMaxFanout bounds the number of elements per leaf and the number of
// children per inner node. spec.md §4.5 calls out 1000 as a common choice.
const DefaultMaxFanout = 1000

// BPlusTree is an ordered-by-position sequence over refs, built from
// either leaves directly (when the whole sequence fits in one leaf) or a
// chain of inner nodes over leaves, per spec.md §3/§4.5.
type BPlusTree[V any] struct {
	alloc     *slab.Allocator
	factory   LeafFactory[V]
	maxFanout uint32
	root      slab.Ref
}

// New creates an empty tree (a single empty leaf as root).
func New[V any](ctx *slab.CowContext, factory LeafFactory[V], maxFanout uint32) (*BPlusTree[V], error) {
	if maxFanout == 0 {
		maxFanout = DefaultMaxFanout
	}
	leaf, err := factory.New(ctx)
	if err != nil {
		return nil, err
	}
	return &BPlusTree[V]{alloc: ctx.Alloc, factory: factory, maxFanout: maxFanout, root: leaf.Ref()}, nil
}

// Open wraps an existing root ref as a tree.
func Open[V any](alloc *slab.Allocator, factory LeafFactory[V], root slab.Ref, maxFanout uint32) *BPlusTree[V] {
	if maxFanout == 0 {
		maxFanout = DefaultMaxFanout
	}
	return &BPlusTree[V]{alloc: alloc, factory: factory, maxFanout: maxFanout, root: root}
}

// Root returns the tree's current root ref, e.g. for a Column to persist.
func (t *BPlusTree[V]) Root() slab.Ref { return t.root }

// parseSlots decodes an inner node's size 8-byte big-endian slots.
func parseSlots(payload []byte, size uint32) []uint64 {
	slots := make([]uint64, size)
	for i := range slots {
		slots[i] = slab.GetUint64BE(payload[i*8 : i*8+8])
	}
	return slots
}

func innerChildren(slots []uint64) []slab.Ref {
	n := len(slots) - 2
	out := make([]slab.Ref, n)
	for i := 0; i < n; i++ {
		out[i] = slab.Ref(slots[1+i])
	}
	return out
}

func buildSlots(form uint64, children []slab.Ref, total uint64) []uint64 {
	slots := make([]uint64, len(children)+2)
	slots[0] = form
	for i, c := range children {
		slots[1+i] = uint64(c)
	}
	slots[len(slots)-1] = slab.TaggedInt(total)
	return slots
}

// writeInnerNode persists an inner node's slots, mutating oldRef in place
// when it is owned by ctx and large enough, or allocating fresh (COW)
// otherwise, retiring oldRef in that case. oldRef == slab.NullRef means
// "always allocate fresh" (used when constructing a brand new node).
func writeInnerNode(ctx *slab.CowContext, oldRef slab.Ref, oldCapacity uint32, slots []uint64) (slab.Ref, error) {
	payload := make([]byte, len(slots)*8)
	for i, s := range slots {
		slab.PutUint64BE(payload[i*8:i*8+8], s)
	}

	hdr := slab.Header{IsInner: true, HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: uint32(len(slots))}
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))

	if oldRef != slab.NullRef && ctx.Owned(oldRef) && needed <= oldCapacity {
		hdr.Capacity = oldCapacity
		if err := ctx.Alloc.WriteNode(oldRef, hdr, payload); err != nil {
			return slab.NullRef, err
		}
		return oldRef, nil
	}

	newCap := needed
	if newCap < slab.DefaultNodeCapacity {
		newCap = slab.DefaultNodeCapacity
	}
	newRef, err := ctx.Allocate(newCap)
	if err != nil {
		return slab.NullRef, err
	}
	hdr.Capacity = newCap
	if err := ctx.Alloc.WriteNode(newRef, hdr, payload); err != nil {
		return slab.NullRef, err
	}
	if oldRef != slab.NullRef {
		ctx.Retire(oldRef, oldCapacity)
	}
	return newRef, nil
}

func removeRefAt(s []slab.Ref, idx uint32) []slab.Ref {
	out := make([]slab.Ref, 0, len(s)-1)
	out = append(out, s[:idx]...)
	out = append(out, s[idx+1:]...)
	return out
}

func insertRefAt(s []slab.Ref, idx uint32, v slab.Ref) []slab.Ref {
	out := make([]slab.Ref, len(s)+1)
	copy(out, s[:idx])
	out[idx] = v
	copy(out[idx+1:], s[idx:])
	return out
}

// subtreeSize returns the element count of the subtree headed by ref,
// reading it directly off the header/slots rather than recursing.
func (t *BPlusTree[V]) subtreeSize(ref slab.Ref) (uint32, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return 0, err
	}
	if !hdr.IsInner {
		leaf, err := t.factory.Open(t.alloc, ref)
		if err != nil {
			return 0, err
		}
		return leaf.Size(t.alloc)
	}
	slots := parseSlots(payload, hdr.Size)
	return uint32(slab.UntagInt(slots[len(slots)-1])), nil
}

// locate descends one level: given an inner node's slots and a position n
// within its subtree, returns the child index and the position within that
// child (spec.md §4.5's compact-O(1)-vs-general-binary-search split).
func (t *BPlusTree[V]) locate(slots []uint64, n uint32) (uint32, uint32, error) {
	form := slots[0]
	N := uint32(len(slots) - 2)

	if slab.IsTagged(form) {
		epc := uint32(slab.UntagInt(form))
		if epc == 0 {
			return 0, 0, errs.New(errs.CorruptFile, "btree.locate", "zero elems_per_child in compact form")
		}
		idx := n / epc
		if idx >= N {
			idx = N - 1
		}
		return idx, n - idx*epc, nil
	}

	offsets, err := array.Open(t.alloc, slab.AsRef(form))
	if err != nil {
		return 0, 0, err
	}
	idx, err := offsets.UpperBound(t.alloc, int64(n))
	if err != nil {
		return 0, 0, err
	}
	if idx >= N {
		idx = N - 1
	}
	var prevCum int64
	if idx > 0 {
		prevCum, err = offsets.Get(t.alloc, idx-1)
		if err != nil {
			return 0, 0, err
		}
	}
	return idx, n - uint32(prevCum), nil
}

// ensureOffsets materializes the offsets Array for a compact-form inner
// node and rewrites slot 0 from the tagged elems_per_child integer to the
// offsets ref, per spec.md §4.5. A no-op (returns ref unchanged) if the
// node is already in general form.
func (t *BPlusTree[V]) ensureOffsets(ctx *slab.CowContext, ref slab.Ref, capacity uint32, slots []uint64) (slab.Ref, error) {
	form := slots[0]
	if !slab.IsTagged(form) {
		return ref, nil
	}
	epc := slab.UntagInt(form)
	children := innerChildren(slots)

	offsets, err := array.New(ctx)
	if err != nil {
		return slab.NullRef, err
	}
	for k := 0; k < len(children)-1; k++ {
		if _, err := offsets.Add(ctx, int64(k+1)*int64(epc)); err != nil {
			return slab.NullRef, err
		}
	}

	total := slab.UntagInt(slots[len(slots)-1])
	newSlots := buildSlots(uint64(offsets.Ref()), children, total)
	return writeInnerNode(ctx, ref, capacity, newSlots)
}

// buildGeneralInner constructs a brand-new general-form inner node over
// children, computing the offsets Array from their current sizes.
func (t *BPlusTree[V]) buildGeneralInner(ctx *slab.CowContext, children []slab.Ref) (slab.Ref, error) {
	sizes := make([]uint32, len(children))
	var total uint64
	for i, c := range children {
		sz, err := t.subtreeSize(c)
		if err != nil {
			return slab.NullRef, err
		}
		sizes[i] = sz
		total += uint64(sz)
	}

	offsets, err := array.New(ctx)
	if err != nil {
		return slab.NullRef, err
	}
	var cum int64
	for i := 0; i < len(children)-1; i++ {
		cum += int64(sizes[i])
		if _, err := offsets.Add(ctx, cum); err != nil {
			return slab.NullRef, err
		}
	}

	slots := buildSlots(uint64(offsets.Ref()), children, total)
	return writeInnerNode(ctx, slab.NullRef, 0, slots)
}

// Size returns the tree's total element count.
func (t *BPlusTree[V]) Size() (uint32, error) {
	return t.subtreeSize(t.root)
}

// Get returns the element at position i.
func (t *BPlusTree[V]) Get(i uint32) (V, error) {
	return t.get(t.root, i)
}

func (t *BPlusTree[V]) get(ref slab.Ref, i uint32) (V, error) {
	var zero V
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return zero, err
	}
	if !hdr.IsInner {
		leaf, err := t.factory.Open(t.alloc, ref)
		if err != nil {
			return zero, err
		}
		return leaf.Get(t.alloc, i)
	}
	slots := parseSlots(payload, hdr.Size)
	childIdx, pos, err := t.locate(slots, i)
	if err != nil {
		return zero, err
	}
	return t.get(innerChildren(slots)[childIdx], pos)
}

// Set replaces the element at position i.
func (t *BPlusTree[V]) Set(ctx *slab.CowContext, i uint32, v V) error {
	newRoot, err := t.set(ctx, t.root, i, v)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

func (t *BPlusTree[V]) set(ctx *slab.CowContext, ref slab.Ref, i uint32, v V) (slab.Ref, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return slab.NullRef, err
	}
	if !hdr.IsInner {
		leaf, err := t.factory.Open(t.alloc, ref)
		if err != nil {
			return slab.NullRef, err
		}
		return leaf.Set(ctx, i, v)
	}
	slots := parseSlots(payload, hdr.Size)
	childIdx, pos, err := t.locate(slots, i)
	if err != nil {
		return slab.NullRef, err
	}
	children := innerChildren(slots)
	newChildRef, err := t.set(ctx, children[childIdx], pos, v)
	if err != nil {
		return slab.NullRef, err
	}
	children[childIdx] = newChildRef
	newSlots := buildSlots(slots[0], children, slab.UntagInt(slots[len(slots)-1]))
	return writeInnerNode(ctx, ref, hdr.Capacity, newSlots)
}

// buildLeaf creates a fresh leaf populated with values in order.
func (t *BPlusTree[V]) buildLeaf(ctx *slab.CowContext, values []V) (slab.Ref, error) {
	leaf, err := t.factory.New(ctx)
	if err != nil {
		return slab.NullRef, err
	}
	for i, v := range values {
		if _, err := leaf.Insert(ctx, uint32(i), v); err != nil {
			return slab.NullRef, err
		}
	}
	return leaf.Ref(), nil
}

// Insert inserts v at position n (0 <= n <= Size()).
func (t *BPlusTree[V]) Insert(ctx *slab.CowContext, n uint32, v V) error {
	newRoot, sibling, err := t.insertAt(ctx, t.root, n, v)
	if err != nil {
		return err
	}
	if sibling == nil {
		t.root = newRoot
		return nil
	}
	if hdr, _, err := t.alloc.ReadNode(newRoot); err != nil {
		return err
	} else if leftSize, err := t.subtreeSize(newRoot); err != nil {
		return err
	} else if !hdr.IsInner && leftSize == t.maxFanout {
		// A leaf root split by a pure append leaves a full left leaf and a
		// one-element sibling, so the new root starts in compact form.
		slots := buildSlots(slab.TaggedInt(uint64(leftSize)), []slab.Ref{newRoot, *sibling}, uint64(leftSize)+1)
		rootRef, err := writeInnerNode(ctx, slab.NullRef, 0, slots)
		if err != nil {
			return err
		}
		t.root = rootRef
		return nil
	}
	rootRef, err := t.buildGeneralInner(ctx, []slab.Ref{newRoot, *sibling})
	if err != nil {
		return err
	}
	t.root = rootRef
	return nil
}

func (t *BPlusTree[V]) insertLeaf(ctx *slab.CowContext, ref slab.Ref, n uint32, v V) (slab.Ref, *slab.Ref, error) {
	leaf, err := t.factory.Open(t.alloc, ref)
	if err != nil {
		return slab.NullRef, nil, err
	}
	size, err := leaf.Size(t.alloc)
	if err != nil {
		return slab.NullRef, nil, err
	}

	if size < t.maxFanout {
		newRef, err := leaf.Insert(ctx, n, v)
		return newRef, nil, err
	}

	// Leaf is full: split. Append-optimized per spec.md §4.5 — pure append
	// gets a brand-new one-element sibling; anything else splits at n.
	if n == size {
		sibRef, err := t.buildLeaf(ctx, []V{v})
		if err != nil {
			return slab.NullRef, nil, err
		}
		return ref, &sibRef, nil
	}

	tail := make([]V, 0, size-n+1)
	tail = append(tail, v)
	for j := n; j < size; j++ {
		val, err := leaf.Get(t.alloc, j)
		if err != nil {
			return slab.NullRef, nil, err
		}
		tail = append(tail, val)
	}
	newLeftRef, err := leaf.Truncate(ctx, n)
	if err != nil {
		return slab.NullRef, nil, err
	}
	sibRef, err := t.buildLeaf(ctx, tail)
	if err != nil {
		return slab.NullRef, nil, err
	}
	return newLeftRef, &sibRef, nil
}

func (t *BPlusTree[V]) insertAt(ctx *slab.CowContext, ref slab.Ref, n uint32, v V) (slab.Ref, *slab.Ref, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return slab.NullRef, nil, err
	}
	if !hdr.IsInner {
		return t.insertLeaf(ctx, ref, n, v)
	}

	slots := parseSlots(payload, hdr.Size)
	total := slab.UntagInt(slots[len(slots)-1])
	isAppend := n == uint32(total)

	if !isAppend && slab.IsTagged(slots[0]) {
		newRef, err := t.ensureOffsets(ctx, ref, hdr.Capacity, slots)
		if err != nil {
			return slab.NullRef, nil, err
		}
		ref = newRef
		hdr, payload, err = t.alloc.ReadNode(ref)
		if err != nil {
			return slab.NullRef, nil, err
		}
		slots = parseSlots(payload, hdr.Size)
	}

	childIdx, pos, err := t.locate(slots, n)
	if err != nil {
		return slab.NullRef, nil, err
	}
	children := innerChildren(slots)
	newChildRef, sibling, err := t.insertAt(ctx, children[childIdx], pos, v)
	if err != nil {
		return slab.NullRef, nil, err
	}
	children[childIdx] = newChildRef
	newTotal := total + 1
	form := slots[0]

	if sibling == nil {
		if !slab.IsTagged(form) {
			offsetsRef := slab.AsRef(form)
			offsets, err := array.Open(t.alloc, offsetsRef)
			if err != nil {
				return slab.NullRef, nil, err
			}
			for k := childIdx; k < offsets.Size(); k++ {
				val, err := offsets.Get(t.alloc, k)
				if err != nil {
					return slab.NullRef, nil, err
				}
				newOffRef, err := offsets.Set(ctx, k, val+1)
				if err != nil {
					return slab.NullRef, nil, err
				}
				offsetsRef = newOffRef
			}
			form = uint64(offsetsRef)
		}
		newSlots := buildSlots(form, children, newTotal)
		newSelfRef, err := writeInnerNode(ctx, ref, hdr.Capacity, newSlots)
		return newSelfRef, nil, err
	}

	// Child split: splice the new sibling into this node's child list.
	if slab.IsTagged(form) {
		children = append(children, *sibling)
	} else {
		offsetsRef := slab.AsRef(form)
		offsets, err := array.Open(t.alloc, offsetsRef)
		if err != nil {
			return slab.NullRef, nil, err
		}
		leftSize, err := t.subtreeSize(newChildRef)
		if err != nil {
			return slab.NullRef, nil, err
		}
		var prevCum int64
		if childIdx > 0 {
			prevCum, err = offsets.Get(t.alloc, childIdx-1)
			if err != nil {
				return slab.NullRef, nil, err
			}
		}
		newOffRef, err := offsets.Insert(ctx, childIdx, prevCum+int64(leftSize))
		if err != nil {
			return slab.NullRef, nil, err
		}
		for k := childIdx + 1; k < offsets.Size(); k++ {
			val, err := offsets.Get(t.alloc, k)
			if err != nil {
				return slab.NullRef, nil, err
			}
			if newOffRef, err = offsets.Set(ctx, k, val+1); err != nil {
				return slab.NullRef, nil, err
			}
		}
		form = uint64(newOffRef)
		children = insertRefAt(children, childIdx+1, *sibling)
	}

	if uint32(len(children)) <= t.maxFanout {
		newSlots := buildSlots(form, children, newTotal)
		newSelfRef, err := writeInnerNode(ctx, ref, hdr.Capacity, newSlots)
		return newSelfRef, nil, err
	}

	// This inner node itself overflowed; split it too. Simplification:
	// overflow splits always land in general form on both halves, even if
	// the parent was compact — compactness is a search-time optimization,
	// not a correctness invariant, so this trades a little locality for a
	// much simpler split path.
	mid := uint32(len(children)) / 2
	leftRef, err := t.buildGeneralInner(ctx, children[:mid])
	if err != nil {
		return slab.NullRef, nil, err
	}
	rightRef, err := t.buildGeneralInner(ctx, children[mid:])
	if err != nil {
		return slab.NullRef, nil, err
	}
	ctx.Retire(ref, hdr.Capacity)
	return leftRef, &rightRef, nil
}

// Erase removes the element at position i.
func (t *BPlusTree[V]) Erase(ctx *slab.CowContext, i uint32) error {
	newRoot, _, err := t.eraseAt(ctx, t.root, i)
	if err != nil {
		return err
	}
	collapsed, err := t.collapseIfSingleton(ctx, newRoot)
	if err != nil {
		return err
	}
	t.root = collapsed
	return nil
}

func (t *BPlusTree[V]) eraseAt(ctx *slab.CowContext, ref slab.Ref, i uint32) (slab.Ref, uint32, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return slab.NullRef, 0, err
	}

	if !hdr.IsInner {
		leaf, err := t.factory.Open(t.alloc, ref)
		if err != nil {
			return slab.NullRef, 0, err
		}
		newRef, err := leaf.Erase(ctx, i)
		if err != nil {
			return slab.NullRef, 0, err
		}
		newLeaf, err := t.factory.Open(t.alloc, newRef)
		if err != nil {
			return slab.NullRef, 0, err
		}
		sz, err := newLeaf.Size(t.alloc)
		return newRef, sz, err
	}

	slots := parseSlots(payload, hdr.Size)
	// Erase always breaks uniform-fill eligibility (spec.md §4.5's
	// ensure_offsets trigger list: "a non-append insert or any erase").
	if slab.IsTagged(slots[0]) {
		newRef, err := t.ensureOffsets(ctx, ref, hdr.Capacity, slots)
		if err != nil {
			return slab.NullRef, 0, err
		}
		ref = newRef
		hdr, payload, err = t.alloc.ReadNode(ref)
		if err != nil {
			return slab.NullRef, 0, err
		}
		slots = parseSlots(payload, hdr.Size)
	}

	childIdx, pos, err := t.locate(slots, i)
	if err != nil {
		return slab.NullRef, 0, err
	}
	children := innerChildren(slots)
	newChildRef, childSize, err := t.eraseAt(ctx, children[childIdx], pos)
	if err != nil {
		return slab.NullRef, 0, err
	}

	total := slab.UntagInt(slots[len(slots)-1]) - 1
	offsetsRef := slab.AsRef(slots[0])
	offsets, err := array.Open(t.alloc, offsetsRef)
	if err != nil {
		return slab.NullRef, 0, err
	}

	if childSize == 0 && len(children) > 1 {
		children = removeRefAt(children, childIdx)
		if offsets.Size() > 0 {
			eraseIdx := childIdx
			if eraseIdx >= offsets.Size() {
				eraseIdx = offsets.Size() - 1
			}
			newOffRef, err := offsets.Erase(ctx, eraseIdx)
			if err != nil {
				return slab.NullRef, 0, err
			}
			offsetsRef = newOffRef

			// The removed child's former size (always 1 here: a single
			// erase empties at most one child) must come off every
			// remaining entry at or past eraseIdx, the same as the
			// non-empty-child case below, or offsets[i] stops matching
			// the cumulative child-size sum (spec.md §8).
			for k := eraseIdx; k < offsets.Size(); k++ {
				val, err := offsets.Get(t.alloc, k)
				if err != nil {
					return slab.NullRef, 0, err
				}
				newOffRef, err := offsets.Set(ctx, k, val-1)
				if err != nil {
					return slab.NullRef, 0, err
				}
				offsetsRef = newOffRef
			}
		}
	} else {
		children[childIdx] = newChildRef
		for k := childIdx; k < offsets.Size(); k++ {
			val, err := offsets.Get(t.alloc, k)
			if err != nil {
				return slab.NullRef, 0, err
			}
			newOffRef, err := offsets.Set(ctx, k, val-1)
			if err != nil {
				return slab.NullRef, 0, err
			}
			offsetsRef = newOffRef
		}
	}

	if len(children) == 0 {
		empty, err := t.factory.New(ctx)
		if err != nil {
			return slab.NullRef, 0, err
		}
		ctx.Retire(ref, hdr.Capacity)
		return empty.Ref(), 0, nil
	}

	newSlots := buildSlots(uint64(offsetsRef), children, total)
	newSelfRef, err := writeInnerNode(ctx, ref, hdr.Capacity, newSlots)
	return newSelfRef, uint32(total), err
}

// collapseIfSingleton implements spec.md §4.5 step 5: an inner node left
// with exactly one child is replaced by that child, shrinking the tree by
// a level (possibly repeatedly).
func (t *BPlusTree[V]) collapseIfSingleton(ctx *slab.CowContext, ref slab.Ref) (slab.Ref, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return slab.NullRef, err
	}
	if !hdr.IsInner {
		return ref, nil
	}
	slots := parseSlots(payload, hdr.Size)
	children := innerChildren(slots)
	if len(children) != 1 {
		return ref, nil
	}
	ctx.Retire(ref, hdr.Capacity)
	return t.collapseIfSingleton(ctx, children[0])
}

// Clear resets the tree to a single empty leaf.
func (t *BPlusTree[V]) Clear(ctx *slab.CowContext) error {
	leaf, err := t.factory.New(ctx)
	if err != nil {
		return err
	}
	t.root = leaf.Ref()
	return nil
}

// Visitor is called once per leaf during Traverse with the leaf's subtree
// element offset; returning done=true terminates the traversal early.
type Visitor[V any] func(offset uint32, leaf Leaf[V]) (done bool, err error)

// Traverse visits every leaf in position order (spec.md §4.5).
func (t *BPlusTree[V]) Traverse(visit Visitor[V]) error {
	_, err := t.traverse(t.root, 0, visit)
	return err
}

func (t *BPlusTree[V]) traverse(ref slab.Ref, offset uint32, visit Visitor[V]) (bool, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return false, err
	}
	if !hdr.IsInner {
		leaf, err := t.factory.Open(t.alloc, ref)
		if err != nil {
			return false, err
		}
		return visit(offset, leaf)
	}
	slots := parseSlots(payload, hdr.Size)
	cur := offset
	for _, c := range innerChildren(slots) {
		sz, err := t.subtreeSize(c)
		if err != nil {
			return false, err
		}
		done, err := t.traverse(c, cur, visit)
		if err != nil || done {
			return done, err
		}
		cur += sz
	}
	return false, nil
}

// Verify walks the whole tree checking spec.md §8's B+-tree invariants:
// every inner node's total equals the sum of its children's subtree sizes,
// general-form offsets are strictly increasing and correctly sized, and
// every leaf is at the same depth.
func (t *BPlusTree[V]) Verify() error {
	_, err := t.verify(t.root, 0)
	return err
}

func (t *BPlusTree[V]) verify(ref slab.Ref, depth int) (int, error) {
	hdr, payload, err := t.alloc.ReadNode(ref)
	if err != nil {
		return 0, err
	}
	if !hdr.IsInner {
		return depth, nil
	}

	slots := parseSlots(payload, hdr.Size)
	children := innerChildren(slots)
	total := slab.UntagInt(slots[len(slots)-1])

	var sum uint64
	cumulative := make([]uint64, len(children))
	leafDepth := -1
	for i, c := range children {
		sz, err := t.subtreeSize(c)
		if err != nil {
			return 0, err
		}
		sum += uint64(sz)
		cumulative[i] = sum

		d, err := t.verify(c, depth+1)
		if err != nil {
			return 0, err
		}
		if leafDepth == -1 {
			leafDepth = d
		} else if leafDepth != d {
			return 0, errs.New(errs.CorruptFile, "btree.Verify", "leaves at mismatched depth")
		}
	}
	if sum != total {
		return 0, errs.New(errs.CorruptFile, "btree.Verify", "inner node total does not match sum of children")
	}

	if !slab.IsTagged(slots[0]) {
		offsets, err := array.Open(t.alloc, slab.AsRef(slots[0]))
		if err != nil {
			return 0, err
		}
		if offsets.Size() != uint32(len(children))-1 {
			return 0, errs.New(errs.CorruptFile, "btree.Verify", "offsets array has wrong size")
		}
		// spec.md §8: offsets[i] == sum of get_tree_size() over
		// children[0..=i], not merely strictly increasing — a removed
		// child's size must be subtracted from every later entry, and
		// this is the check that catches it when it isn't.
		prev := int64(-1)
		for k := uint32(0); k < offsets.Size(); k++ {
			v, err := offsets.Get(t.alloc, k)
			if err != nil {
				return 0, err
			}
			if v <= prev {
				return 0, errs.New(errs.CorruptFile, "btree.Verify", "offsets not strictly increasing")
			}
			prev = v
			if uint64(v) != cumulative[k] {
				return 0, errs.New(errs.CorruptFile, "btree.Verify", "offsets entry does not match cumulative child subtree size")
			}
		}
	}

	return leafDepth, nil
}

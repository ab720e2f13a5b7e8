// Package hashindex implements the secondary index described in spec.md
// §4.7: a hash trie over a condenser probe table, mapping a typed key to
// the set of row indices in a column that hold it.
package hashindex

import (
	"hash/maphash"

	"github.com/slabdb/slabdb/array"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// maxCollisions is the number of unresolved displacements tolerated before
// the whole table grows fourfold, per spec.md §4.7 ("e.g. 20").
const maxCollisions = 20

// probeWindow is the number of consecutive condenser slots checked per
// hash candidate ("4 consecutive byte-offsets", spec.md §4.7).
const probeWindow = 4

// Verifier fetches the actual key stored at a column row, used to confirm
// a quick_key/hash match against the real value (spec.md §4.7: "the values
// array is consulted... to verify the full key via a callback into the
// column").
type Verifier[K any] func(row uint32) (K, error)

// HashFunc produces the two independent 64-bit hash candidates used for
// hopscotch probing.
type HashFunc[K any] func(k K) (h1, h2 uint64)

// EqualFunc reports whether two keys are equal.
type EqualFunc[K any] func(a, b K) bool

// Index is a hash index over keys of type K, built on a single bucket
// whose bucket count grows fourfold when collisions exceed maxCollisions.
//
// Simplification from spec.md §4.7: the "trie keyed by successive bytes
// of a 64-bit hash" whose "depth grows with population" is realized here
// as a single flat top Array of bucket refs that grows fourfold in place
// (matching _examples/original_source/src/realm/index_integer.cpp's
// grow_tree, which never recurses into a second trie level either) rather
// than a recursively deepening multi-level trie. Every bucket keeps its
// own full 256-slot condenser + values array; growth redistributes
// entries across more buckets, it never adds trie depth.
type Index[K any] struct {
	alloc  *slab.Allocator
	hash   HashFunc[K]
	equal  EqualFunc[K]
	verify Verifier[K]
	top    slab.Ref // array.Array of bucket refs, size = mask+1

	// displacements counts unresolved-window evictions across the index's
	// lifetime (realm-core's index_integer.cpp tracks a comparable counter),
	// exposed via Stats() for the prometheus hook. Not persisted: it resets
	// on reopen, same as the teacher's own in-memory counters.
	displacements uint64
}

// Stats reports the index's current shape for the prometheus metrics hook
// (spec.md §6's displacement/bucket-count/trie-depth addition).
type Stats struct {
	BucketCount   uint32
	Displacements uint64
}

// Stats returns the index's current bucket count and cumulative
// displacement count. Trie depth is always 1: growTree quadruples the
// bucket count rather than adding a trie level (see the Index doc comment).
func (ix *Index[K]) Stats() (Stats, error) {
	top, err := ix.topArray()
	if err != nil {
		return Stats{}, err
	}
	return Stats{BucketCount: top.Size(), Displacements: ix.displacements}, nil
}

// bucket is a single hash-trie leaf: a condenser probe table plus a
// parallel values Array. A bucket has two underlying nodes (condenser,
// values), so the top Array — which can only store one ref per slot —
// actually stores a ref to a tiny two-slot handle node pointing at both;
// handleRef/handleCap track that handle the same way other containers
// track their own node identity.
type bucket struct {
	handleRef slab.Ref
	handleCap uint32
	cond      *condenser
	values    *array.Array
}

func openBucketHandle(alloc *slab.Allocator, handleRef slab.Ref) (*bucket, error) {
	hdr, payload, err := alloc.ReadNode(handleRef)
	if err != nil {
		return nil, err
	}
	condRef := slab.Ref(slab.GetUint64BE(payload[0:8]))
	valuesRef := slab.Ref(slab.GetUint64BE(payload[8:16]))
	cond, err := openCondenser(alloc, condRef)
	if err != nil {
		return nil, err
	}
	values, err := array.Open(alloc, valuesRef)
	if err != nil {
		return nil, err
	}
	return &bucket{handleRef: handleRef, handleCap: hdr.Capacity, cond: cond, values: values}, nil
}

// writeBucketHandle persists a bucket's (condenserRef, valuesRef) pair,
// mutating oldRef in place when owned and large enough, cloning
// otherwise — the same COW pattern as every other fixed-layout node in
// this module. oldRef == slab.NullRef means "always allocate fresh".
func writeBucketHandle(ctx *slab.CowContext, oldRef slab.Ref, oldCap uint32, condRef, valuesRef slab.Ref) (slab.Ref, uint32, error) {
	payload := make([]byte, 16)
	slab.PutUint64BE(payload[0:8], uint64(condRef))
	slab.PutUint64BE(payload[8:16], uint64(valuesRef))
	hdr := slab.Header{HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: 2}
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))

	if oldRef != slab.NullRef && ctx.Owned(oldRef) && needed <= oldCap {
		hdr.Capacity = oldCap
		if err := ctx.Alloc.WriteNode(oldRef, hdr, payload); err != nil {
			return slab.NullRef, 0, err
		}
		return oldRef, oldCap, nil
	}

	newCap := needed
	if newCap < slab.DefaultNodeCapacity {
		newCap = slab.DefaultNodeCapacity
	}
	newRef, err := ctx.Allocate(newCap)
	if err != nil {
		return slab.NullRef, 0, err
	}
	hdr.Capacity = newCap
	if err := ctx.Alloc.WriteNode(newRef, hdr, payload); err != nil {
		return slab.NullRef, 0, err
	}
	if oldRef != slab.NullRef {
		ctx.Retire(oldRef, oldCap)
	}
	return newRef, newCap, nil
}

func newBucket(ctx *slab.CowContext) (*bucket, error) {
	cond, err := newCondenser(ctx)
	if err != nil {
		return nil, err
	}
	values, err := array.New(ctx)
	if err != nil {
		return nil, err
	}
	handleRef, handleCap, err := writeBucketHandle(ctx, slab.NullRef, 0, cond.Ref(), values.Ref())
	if err != nil {
		return nil, err
	}
	return &bucket{handleRef: handleRef, handleCap: handleCap, cond: cond, values: values}, nil
}

// rewriteBucketHandle persists a bucket's updated condenser/values refs
// and updates its slot in top.
func (ix *Index[K]) rewriteBucketHandle(ctx *slab.CowContext, top *array.Array, topIdx int, b *bucket, condRef, valuesRef slab.Ref) error {
	newHandleRef, newCap, err := writeBucketHandle(ctx, b.handleRef, b.handleCap, condRef, valuesRef)
	if err != nil {
		return err
	}
	b.handleRef = newHandleRef
	b.handleCap = newCap
	_, err = top.Set(ctx, uint32(topIdx), int64(newHandleRef))
	return err
}

// New creates an empty index with a single bucket.
func New[K any](ctx *slab.CowContext, hash HashFunc[K], equal EqualFunc[K], verify Verifier[K]) (*Index[K], error) {
	b, err := newBucket(ctx)
	if err != nil {
		return nil, err
	}
	top, err := array.New(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := top.Add(ctx, int64(b.handleRef)); err != nil {
		return nil, err
	}
	return &Index[K]{alloc: ctx.Alloc, hash: hash, equal: equal, verify: verify, top: top.Ref()}, nil
}

// Open reopens an index from its top array ref.
func Open[K any](alloc *slab.Allocator, hash HashFunc[K], equal EqualFunc[K], verify Verifier[K], top slab.Ref) *Index[K] {
	return &Index[K]{alloc: alloc, hash: hash, equal: equal, verify: verify, top: top}
}

func (ix *Index[K]) Root() slab.Ref { return ix.top }

func (ix *Index[K]) topArray() (*array.Array, error) {
	return array.Open(ix.alloc, ix.top)
}

func mask(top *array.Array) uint64 {
	return uint64(top.Size()) - 1
}

func quickKeyOf(h1 uint64) uint8 { return uint8(h1) }

func windowStart(h uint64) int { return int((h >> 8) & 0xFF) }

// Insert adds row under key, per spec.md §4.7's conflict-resolution
// protocol: probe h1's then h2's window; on total occupancy, displace an
// existing entry and retry it under its other hash; after maxCollisions
// unresolved displacements, grow the table.
func (ix *Index[K]) Insert(ctx *slab.CowContext, key K, row uint32) error {
	return ix.insert(ctx, key, row, 0)
}

func (ix *Index[K]) insert(ctx *slab.CowContext, key K, row uint32, attempt int) error {
	top, err := ix.topArray()
	if err != nil {
		return err
	}
	h1, h2 := ix.hash(key)
	bIdx := int(h1 & mask(top))
	b, err := ix.bucketAtArray(top, bIdx)
	if err != nil {
		return err
	}

	if existingIdx, found, err := ix.findSlot(b, key, h1, h2, quickKeyOf(h1)); err != nil {
		return err
	} else if found {
		return ix.addRowToSlot(ctx, top, bIdx, b, existingIdx, row)
	}

	for _, h := range [2]uint64{h1, h2} {
		start := windowStart(h)
		for off := 0; off < probeWindow; off++ {
			slot := (start + off) % condenserSlots
			digest, err := b.cond.get(ix.alloc, slot)
			if err != nil {
				return err
			}
			if _, _, empty := unpackDigest(digest); empty {
				return ix.placeNewEntry(ctx, top, bIdx, b, slot, h1, row)
			}
		}
	}

	if attempt >= maxCollisions {
		if err := ix.growTree(ctx); err != nil {
			return err
		}
		return ix.insert(ctx, key, row, 0)
	}

	// Displace the first slot of h1's window and retry the evicted entry
	// under its own hashes.
	start := windowStart(h1)
	victimSlot := start % condenserSlots
	digest, err := b.cond.get(ix.alloc, victimSlot)
	if err != nil {
		return err
	}
	_, victimValuesIdx, _ := unpackDigest(digest)
	victimRows, err := ix.rowsAtValuesSlot(b, uint32(victimValuesIdx))
	if err != nil {
		return err
	}
	if len(victimRows) == 0 {
		return errs.New(errs.LogicError, "hashindex.insert", "displaced slot has no rows")
	}
	victimKey, err := ix.verify(victimRows[0])
	if err != nil {
		return err
	}

	if err := ix.placeNewEntry(ctx, top, bIdx, b, victimSlot, h1, row); err != nil {
		return err
	}
	ix.displacements++
	for _, r := range victimRows {
		if err := ix.insert(ctx, victimKey, r, attempt+1); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index[K]) bucketAtArray(top *array.Array, idx int) (*bucket, error) {
	raw, err := top.Get(ix.alloc, uint32(idx))
	if err != nil {
		return nil, err
	}
	return openBucketHandle(ix.alloc, slab.Ref(raw))
}

// findSlot looks for an existing slot whose quick_key matches and whose
// values entry verifies against key, across both h1 and h2 windows.
func (ix *Index[K]) findSlot(b *bucket, key K, h1, h2 uint64, quickKey uint8) (int, bool, error) {
	for _, h := range [2]uint64{h1, h2} {
		start := windowStart(h)
		for off := 0; off < probeWindow; off++ {
			slot := (start + off) % condenserSlots
			digest, err := b.cond.get(ix.alloc, slot)
			if err != nil {
				return 0, false, err
			}
			qk, valuesIdx, empty := unpackDigest(digest)
			if empty || qk != quickKey {
				continue
			}
			rows, err := ix.rowsAtValuesSlot(b, uint32(valuesIdx))
			if err != nil {
				return 0, false, err
			}
			if len(rows) == 0 {
				continue
			}
			actual, err := ix.verify(rows[0])
			if err != nil {
				return 0, false, err
			}
			if ix.equal(actual, key) {
				return valuesIdx, true, nil
			}
		}
	}
	return 0, false, nil
}

func (ix *Index[K]) rowsAtValuesSlot(b *bucket, valuesIdx uint32) ([]uint32, error) {
	raw, err := b.values.Get(ix.alloc, valuesIdx)
	if err != nil {
		return nil, err
	}
	if slab.IsTagged(uint64(raw)) {
		return []uint32{uint32(slab.UntagInt(uint64(raw)))}, nil
	}
	sub, err := array.Open(ix.alloc, slab.AsRef(uint64(raw)))
	if err != nil {
		return nil, err
	}
	n := sub.Size()
	out := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		v, err := sub.Get(ix.alloc, i)
		if err != nil {
			return nil, err
		}
		out[i] = uint32(v)
	}
	return out, nil
}

// addRowToSlot adds row to an already-located values slot, upgrading an
// inline single-row entry to a sorted multi-match sub-Array on its second
// row, and re-persists the bucket handle afterward since b.values' own
// ref (and any sub-Array ref it points at) may have changed under COW.
func (ix *Index[K]) addRowToSlot(ctx *slab.CowContext, top *array.Array, topIdx int, b *bucket, valuesIdx int, row uint32) error {
	raw, err := b.values.Get(ix.alloc, uint32(valuesIdx))
	if err != nil {
		return err
	}
	if slab.IsTagged(uint64(raw)) {
		existingRow := uint32(slab.UntagInt(uint64(raw)))
		if existingRow == row {
			return nil
		}
		sub, err := array.New(ctx)
		if err != nil {
			return err
		}
		lo, hi := existingRow, row
		if lo > hi {
			lo, hi = hi, lo
		}
		if _, err := sub.Add(ctx, int64(lo)); err != nil {
			return err
		}
		if _, err := sub.Add(ctx, int64(hi)); err != nil {
			return err
		}
		if _, err := b.values.Set(ctx, uint32(valuesIdx), int64(sub.Ref())); err != nil {
			return err
		}
		return ix.rewriteBucketHandle(ctx, top, topIdx, b, b.cond.Ref(), b.values.Ref())
	}

	sub, err := array.Open(ix.alloc, slab.AsRef(uint64(raw)))
	if err != nil {
		return err
	}
	pos, err := sub.LowerBound(ix.alloc, int64(row))
	if err != nil {
		return err
	}
	if pos < sub.Size() {
		if v, err := sub.Get(ix.alloc, pos); err == nil && v == int64(row) {
			return nil
		}
	}
	if _, err := sub.Insert(ctx, pos, int64(row)); err != nil {
		return err
	}
	if _, err := b.values.Set(ctx, uint32(valuesIdx), int64(sub.Ref())); err != nil {
		return err
	}
	return ix.rewriteBucketHandle(ctx, top, topIdx, b, b.cond.Ref(), b.values.Ref())
}

func (ix *Index[K]) placeNewEntry(ctx *slab.CowContext, top *array.Array, topIdx int, b *bucket, slot int, h1 uint64, row uint32) error {
	valuesIdx := b.values.Size()
	if _, err := b.values.Add(ctx, int64(slab.TaggedInt(uint64(row)))); err != nil {
		return err
	}
	digest := packDigest(quickKeyOf(h1), int(valuesIdx))
	newCondRef, err := b.cond.set(ctx, slot, digest)
	if err != nil {
		return err
	}
	return ix.rewriteBucketHandle(ctx, top, topIdx, b, newCondRef, b.values.Ref())
}

// Erase removes row from key's entry.
func (ix *Index[K]) Erase(ctx *slab.CowContext, key K, row uint32) error {
	top, err := ix.topArray()
	if err != nil {
		return err
	}
	h1, h2 := ix.hash(key)
	bIdx := int(h1 & mask(top))
	b, err := ix.bucketAtArray(top, bIdx)
	if err != nil {
		return err
	}
	valuesIdx, found, err := ix.findSlot(b, key, h1, h2, quickKeyOf(h1))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	raw, err := b.values.Get(ix.alloc, uint32(valuesIdx))
	if err != nil {
		return err
	}
	if slab.IsTagged(uint64(raw)) {
		return nil // single-entry slot for a different row; nothing to erase
	}
	sub, err := array.Open(ix.alloc, slab.AsRef(uint64(raw)))
	if err != nil {
		return err
	}
	pos, err := sub.LowerBound(ix.alloc, int64(row))
	if err != nil {
		return err
	}
	if pos >= sub.Size() {
		return nil
	}
	if v, err := sub.Get(ix.alloc, pos); err != nil || v != int64(row) {
		return err
	}
	if _, err := sub.Erase(ctx, pos); err != nil {
		return err
	}
	if sub.Size() == 1 {
		last, err := sub.Get(ix.alloc, 0)
		if err != nil {
			return err
		}
		if _, err := b.values.Set(ctx, uint32(valuesIdx), int64(slab.TaggedInt(uint64(last)))); err != nil {
			return err
		}
	} else {
		if _, err := b.values.Set(ctx, uint32(valuesIdx), int64(sub.Ref())); err != nil {
			return err
		}
	}
	return ix.rewriteBucketHandle(ctx, top, bIdx, b, b.cond.Ref(), b.values.Ref())
}

// FindAll returns every row index currently stored under key.
func (ix *Index[K]) FindAll(key K) ([]uint32, error) {
	top, err := ix.topArray()
	if err != nil {
		return nil, err
	}
	h1, h2 := ix.hash(key)
	bIdx := int(h1 & mask(top))
	b, err := ix.bucketAtArray(top, bIdx)
	if err != nil {
		return nil, err
	}
	valuesIdx, found, err := ix.findSlot(b, key, h1, h2, quickKeyOf(h1))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	candidates, err := ix.rowsAtValuesSlot(b, uint32(valuesIdx))
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, row := range candidates {
		actual, err := ix.verify(row)
		if err != nil {
			return nil, err
		}
		if ix.equal(actual, key) {
			out = append(out, row)
		}
	}
	return out, nil
}

// AdjustRowIndexes bumps every stored row index >= min by diff, per
// spec.md §4.7, after the underlying column shifts rows on insert/erase.
func (ix *Index[K]) AdjustRowIndexes(ctx *slab.CowContext, min uint32, diff int32) error {
	top, err := ix.topArray()
	if err != nil {
		return err
	}
	for i := uint32(0); i < top.Size(); i++ {
		raw, err := top.Get(ix.alloc, i)
		if err != nil {
			return err
		}
		b, err := openBucketHandle(ix.alloc, slab.Ref(raw))
		if err != nil {
			return err
		}
		touched := false
		for vi := uint32(0); vi < b.values.Size(); vi++ {
			v, err := b.values.Get(ix.alloc, vi)
			if err != nil {
				return err
			}
			if slab.IsTagged(uint64(v)) {
				row := uint32(slab.UntagInt(uint64(v)))
				if row >= min {
					if _, err := b.values.Set(ctx, vi, int64(slab.TaggedInt(uint64(int32(row)+diff)))); err != nil {
						return err
					}
					touched = true
				}
				continue
			}
			sub, err := array.Open(ix.alloc, slab.AsRef(uint64(v)))
			if err != nil {
				return err
			}
			subTouched := false
			n := sub.Size()
			for j := uint32(0); j < n; j++ {
				row, err := sub.Get(ix.alloc, j)
				if err != nil {
					return err
				}
				if uint32(row) >= min {
					if _, err := sub.Set(ctx, j, row+int64(diff)); err != nil {
						return err
					}
					subTouched = true
				}
			}
			if subTouched {
				if _, err := b.values.Set(ctx, vi, int64(sub.Ref())); err != nil {
					return err
				}
				touched = true
			}
		}
		if touched {
			if err := ix.rewriteBucketHandle(ctx, top, int(i), b, b.cond.Ref(), b.values.Ref()); err != nil {
				return err
			}
		}
	}
	return nil
}

// growTree quadruples the top array (spec.md §4.7's "4x(mask+1)") and
// redistributes every entry across the enlarged bucket set.
func (ix *Index[K]) growTree(ctx *slab.CowContext) error {
	oldTop, err := ix.topArray()
	if err != nil {
		return err
	}
	newSize := oldTop.Size() * 4

	entries, err := ix.collectAllEntries(oldTop)
	if err != nil {
		return err
	}

	newTop, err := array.New(ctx)
	if err != nil {
		return err
	}
	newBuckets := make([]*bucket, newSize)
	for i := uint32(0); i < newSize; i++ {
		b, err := newBucket(ctx)
		if err != nil {
			return err
		}
		newBuckets[i] = b
		if _, err := newTop.Add(ctx, 0); err != nil {
			return err
		}
	}

	ix.top = newTop.Ref()
	for i, b := range newBuckets {
		if err := ix.rewriteBucketHandle(ctx, newTop, i, b, b.cond.Ref(), b.values.Ref()); err != nil {
			return err
		}
	}

	for _, e := range entries {
		for _, row := range e.rows {
			if err := ix.Insert(ctx, e.key, row); err != nil {
				return err
			}
		}
	}
	return nil
}

type collectedEntry[K any] struct {
	key  K
	rows []uint32
}

func (ix *Index[K]) collectAllEntries(top *array.Array) ([]collectedEntry[K], error) {
	var out []collectedEntry[K]
	for i := uint32(0); i < top.Size(); i++ {
		raw, err := top.Get(ix.alloc, i)
		if err != nil {
			return nil, err
		}
		b, err := openBucketHandle(ix.alloc, slab.Ref(raw))
		if err != nil {
			return nil, err
		}
		for slot := 0; slot < condenserSlots; slot++ {
			digest, err := b.cond.get(ix.alloc, slot)
			if err != nil {
				return nil, err
			}
			_, valuesIdx, empty := unpackDigest(digest)
			if empty {
				continue
			}
			rows, err := ix.rowsAtValuesSlot(b, uint32(valuesIdx))
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				continue
			}
			key, err := ix.verify(rows[0])
			if err != nil {
				return nil, err
			}
			out = append(out, collectedEntry[K]{key: key, rows: rows})
		}
	}
	return out, nil
}

// NewStringHash builds a HashFunc[string] backed by two independently
// seeded maphash.Hash instances (stdlib, no pack library implements
// two-candidate string hashing).
func NewStringHash() HashFunc[string] {
	var seed1, seed2 maphash.Seed = maphash.MakeSeed(), maphash.MakeSeed()
	return func(k string) (uint64, uint64) {
		return maphash.String(seed1, k), maphash.String(seed2, k)
	}
}

// IntHash is the HashFunc[int64] for integer-keyed indexes: spec.md §4.7
// treats an integer key as already being its own "hash" (two independent
// bit-mixes of it stand in for the two candidates).
func IntHash(k int64) (uint64, uint64) {
	u := uint64(k)
	h1 := u*0x9E3779B97F4A7C15 + 1
	h2 := u*0xBF58476D1CE4E5B9 + 1
	h1 ^= h1 >> 33
	h2 ^= h2 >> 29
	return h1, h2
}

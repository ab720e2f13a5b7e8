// Package btree implements the B+-tree described in spec.md §4.5: an
// ordered-by-position sequence over an arbitrary leaf type, with
// logarithmic search, append-optimized splits, and lazy compact→general
// form transitions (spec.md §9's "tagged variant, no leaf inheritance"
// redesign realized as a Go generic type parameterized by element value).
package btree

import (
	"github.com/slabdb/slabdb/array"
	"github.com/slabdb/slabdb/slab"
)

// Leaf is the interface every leaf type a BPlusTree can be built over must
// satisfy: size, positional get/set/insert/erase, and truncate (spec.md
// §4.5's "arbitrary leaf type that supports size(), insert_at(ndx),
// erase_at(ndx), and move(other, from)" — move is implemented generically
// in terms of Get/Insert/Truncate rather than requiring a bespoke method
// per leaf kind).
type Leaf[V any] interface {
	Ref() slab.Ref
	Size(alloc *slab.Allocator) (uint32, error)
	Get(alloc *slab.Allocator, i uint32) (V, error)
	Set(ctx *slab.CowContext, i uint32, v V) (slab.Ref, error)
	Insert(ctx *slab.CowContext, i uint32, v V) (slab.Ref, error)
	Erase(ctx *slab.CowContext, i uint32) (slab.Ref, error)
	Truncate(ctx *slab.CowContext, n uint32) (slab.Ref, error)
}

// LeafFactory opens/creates a leaf accessor for a given value type. Column
// (spec.md §4.6) picks IntLeafFactory, StringLeafFactory, or a Blob-backed
// factory depending on column type.
type LeafFactory[V any] struct {
	Open func(alloc *slab.Allocator, ref slab.Ref) (Leaf[V], error)
	New  func(ctx *slab.CowContext) (Leaf[V], error)
}

// intArrayLeaf adapts *array.Array (whose Size takes no allocator and
// cannot fail) to the Leaf[int64] interface.
type intArrayLeaf struct{ *array.Array }

func (l intArrayLeaf) Size(_ *slab.Allocator) (uint32, error) { return l.Array.Size(), nil }

// IntLeafFactory builds B+-trees of signed 64-bit integers over
// array.Array leaves — the leaf kind for integer columns.
var IntLeafFactory = LeafFactory[int64]{
	Open: func(alloc *slab.Allocator, ref slab.Ref) (Leaf[int64], error) {
		a, err := array.Open(alloc, ref)
		if err != nil {
			return nil, err
		}
		return intArrayLeaf{a}, nil
	},
	New: func(ctx *slab.CowContext) (Leaf[int64], error) {
		a, err := array.New(ctx)
		if err != nil {
			return nil, err
		}
		return intArrayLeaf{a}, nil
	},
}

// StringLeafFactory builds B+-trees of strings over array.String leaves
// (short/long form chosen automatically per leaf) — the leaf kind for
// string columns. *array.String already satisfies Leaf[string] directly.
var StringLeafFactory = LeafFactory[string]{
	Open: func(alloc *slab.Allocator, ref slab.Ref) (Leaf[string], error) {
		return array.OpenString(alloc, ref)
	},
	New: func(ctx *slab.CowContext) (Leaf[string], error) {
		return array.NewString(ctx)
	},
}

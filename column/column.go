// Package column implements spec.md §4.6: a logical typed sequence built
// as a B+-tree over a type-specific leaf (integer Array, string Array
// choosing short/long form per leaf, or a binary long leaf).
package column

import (
	"github.com/slabdb/slabdb/array"
	"github.com/slabdb/slabdb/btree"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// Kind identifies a column's element type.
type Kind int

const (
	KindInt Kind = iota
	KindString
	KindBinary
)

// Int is a column of signed 64-bit integers.
type Int struct {
	tree *btree.BPlusTree[int64]
}

// NewInt creates an empty integer column.
func NewInt(ctx *slab.CowContext, maxFanout uint32) (*Int, error) {
	tree, err := btree.New(ctx, btree.IntLeafFactory, maxFanout)
	if err != nil {
		return nil, err
	}
	return &Int{tree: tree}, nil
}

// OpenInt reopens an integer column from its root ref.
func OpenInt(alloc *slab.Allocator, root slab.Ref, maxFanout uint32) *Int {
	return &Int{tree: btree.Open(alloc, btree.IntLeafFactory, root, maxFanout)}
}

func (c *Int) Root() slab.Ref                   { return c.tree.Root() }
func (c *Int) Size() (uint32, error)            { return c.tree.Size() }
func (c *Int) Get(i uint32) (int64, error)      { return c.tree.Get(i) }
func (c *Int) Verify() error                     { return c.tree.Verify() }

func (c *Int) Set(ctx *slab.CowContext, i uint32, v int64) error {
	return c.tree.Set(ctx, i, v)
}

func (c *Int) Insert(ctx *slab.CowContext, i uint32, v int64) error {
	return c.tree.Insert(ctx, i, v)
}

func (c *Int) Erase(ctx *slab.CowContext, i uint32) error {
	return c.tree.Erase(ctx, i)
}

func (c *Int) Clear(ctx *slab.CowContext) error {
	return c.tree.Clear(ctx)
}

// String is a column of strings, stored per-leaf as short or long form
// (array.String picks the form transparently on every mutation, per
// spec.md §4.6's "format is chosen per leaf and may differ between
// leaves of the same column").
type String struct {
	tree *btree.BPlusTree[string]
}

func NewString(ctx *slab.CowContext, maxFanout uint32) (*String, error) {
	tree, err := btree.New(ctx, btree.StringLeafFactory, maxFanout)
	if err != nil {
		return nil, err
	}
	return &String{tree: tree}, nil
}

func OpenString(alloc *slab.Allocator, root slab.Ref, maxFanout uint32) *String {
	return &String{tree: btree.Open(alloc, btree.StringLeafFactory, root, maxFanout)}
}

func (c *String) Root() slab.Ref                    { return c.tree.Root() }
func (c *String) Size() (uint32, error)             { return c.tree.Size() }
func (c *String) Get(i uint32) (string, error)      { return c.tree.Get(i) }
func (c *String) Verify() error                      { return c.tree.Verify() }

func (c *String) Set(ctx *slab.CowContext, i uint32, v string) error {
	return c.tree.Set(ctx, i, v)
}

func (c *String) Insert(ctx *slab.CowContext, i uint32, v string) error {
	return c.tree.Insert(ctx, i, v)
}

func (c *String) Erase(ctx *slab.CowContext, i uint32) error {
	return c.tree.Erase(ctx, i)
}

func (c *String) Clear(ctx *slab.CowContext) error {
	return c.tree.Clear(ctx)
}

// Binary is a column of byte blobs, unconditionally a long-leaf (no
// short-form distinction — spec.md §4.6 "a Binary long leaf
// unconditionally"). Built over btree.Leaf[[]byte] via binaryLeaf, since
// array.Blob itself is not a B+-tree leaf (it has no positional
// insert/erase of whole elements — it holds bytes, not blob values), so
// each row is a standalone Blob node addressed through an Array of refs.
type Binary struct {
	tree *btree.BPlusTree[[]byte]
}

var binaryLeafFactory = btree.LeafFactory[[]byte]{
	Open: func(alloc *slab.Allocator, ref slab.Ref) (btree.Leaf[[]byte], error) {
		return openBinaryLeaf(alloc, ref)
	},
	New: func(ctx *slab.CowContext) (btree.Leaf[[]byte], error) {
		return newBinaryLeaf(ctx)
	},
}

func NewBinary(ctx *slab.CowContext, maxFanout uint32) (*Binary, error) {
	tree, err := btree.New(ctx, binaryLeafFactory, maxFanout)
	if err != nil {
		return nil, err
	}
	return &Binary{tree: tree}, nil
}

func OpenBinary(alloc *slab.Allocator, root slab.Ref, maxFanout uint32) *Binary {
	return &Binary{tree: btree.Open(alloc, binaryLeafFactory, root, maxFanout)}
}

func (c *Binary) Root() slab.Ref                  { return c.tree.Root() }
func (c *Binary) Size() (uint32, error)           { return c.tree.Size() }
func (c *Binary) Get(i uint32) ([]byte, error)    { return c.tree.Get(i) }
func (c *Binary) Verify() error                    { return c.tree.Verify() }

func (c *Binary) Set(ctx *slab.CowContext, i uint32, v []byte) error {
	return c.tree.Set(ctx, i, v)
}

func (c *Binary) Insert(ctx *slab.CowContext, i uint32, v []byte) error {
	return c.tree.Insert(ctx, i, v)
}

func (c *Binary) Erase(ctx *slab.CowContext, i uint32) error {
	return c.tree.Erase(ctx, i)
}

func (c *Binary) Clear(ctx *slab.CowContext) error {
	return c.tree.Clear(ctx)
}

// binaryLeaf is a B+-tree leaf whose elements are whole byte slices, built
// as a refs Array (one ref per row: 0, the null ref, for an empty row, or a
// Blob ref) rather than one shared Blob — each row's bytes are an independent
// Blob node so Replace on one row never touches another's storage.
type binaryLeaf struct {
	refs *array.Array
}

func openBinaryLeaf(alloc *slab.Allocator, ref slab.Ref) (btree.Leaf[[]byte], error) {
	a, err := array.Open(alloc, ref)
	if err != nil {
		return nil, err
	}
	return binaryLeaf{a}, nil
}

func newBinaryLeaf(ctx *slab.CowContext) (btree.Leaf[[]byte], error) {
	a, err := array.New(ctx)
	if err != nil {
		return nil, err
	}
	return binaryLeaf{a}, nil
}

func (l binaryLeaf) Ref() slab.Ref { return l.refs.Ref() }

func (l binaryLeaf) Size(_ *slab.Allocator) (uint32, error) { return l.refs.Size(), nil }

func (l binaryLeaf) Get(alloc *slab.Allocator, i uint32) ([]byte, error) {
	raw, err := l.refs.Get(alloc, i)
	if err != nil {
		return nil, err
	}
	if raw == 0 {
		return nil, nil
	}
	blob, err := array.OpenBlob(alloc, slab.Ref(raw))
	if err != nil {
		return nil, err
	}
	return blob.Bytes(alloc)
}

func (l binaryLeaf) writeBlob(ctx *slab.CowContext, v []byte) (int64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	blob, err := array.NewBlob(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := blob.Replace(ctx, 0, 0, v); err != nil {
		return 0, err
	}
	return int64(blob.Ref()), nil
}

func (l binaryLeaf) Set(ctx *slab.CowContext, i uint32, v []byte) (slab.Ref, error) {
	raw, err := l.writeBlob(ctx, v)
	if err != nil {
		return slab.NullRef, err
	}
	newRef, err := l.refs.Set(ctx, i, raw)
	if err != nil {
		return slab.NullRef, err
	}
	return newRef, nil
}

func (l binaryLeaf) Insert(ctx *slab.CowContext, i uint32, v []byte) (slab.Ref, error) {
	raw, err := l.writeBlob(ctx, v)
	if err != nil {
		return slab.NullRef, err
	}
	return l.refs.Insert(ctx, i, raw)
}

func (l binaryLeaf) Erase(ctx *slab.CowContext, i uint32) (slab.Ref, error) {
	return l.refs.Erase(ctx, i)
}

func (l binaryLeaf) Truncate(ctx *slab.CowContext, n uint32) (slab.Ref, error) {
	return l.refs.Truncate(ctx, n)
}

// Open reopens a column of the given kind from its root ref.
func Open(alloc *slab.Allocator, kind Kind, root slab.Ref, maxFanout uint32) (interface{}, error) {
	switch kind {
	case KindInt:
		return OpenInt(alloc, root, maxFanout), nil
	case KindString:
		return OpenString(alloc, root, maxFanout), nil
	case KindBinary:
		return OpenBinary(alloc, root, maxFanout), nil
	default:
		return nil, errs.New(errs.LogicError, "column.Open", "unknown column kind")
	}
}

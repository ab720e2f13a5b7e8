package slabdb

import (
	"github.com/slabdb/slabdb/column"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// tableSlots is a Table's own fixed node layout: column-name column root,
// column-root column root, schema-descriptor column root (spec.md §3
// "Table: two parallel columns giving column name and column root ref, plus
// a schema descriptor array").
const tableSlots = 3

const (
	slotColumnNames = iota
	slotColumnRoots
	slotSchema
)

// Table is a named collection of typed columns, addressed by row index.
// Internal layout beyond the two parallel directory columns plus schema
// array is out of scope (spec.md §3 parenthetical).
type Table struct {
	alloc     *slab.Allocator
	maxFanout uint32

	ref slab.Ref
	cap uint32

	names  *column.String
	roots  *column.Int
	schema *column.Int // column.Kind per column, stored as int64
}

func newTable(ctx *slab.CowContext, maxFanout uint32) (*Table, error) {
	names, err := column.NewString(ctx, maxFanout)
	if err != nil {
		return nil, err
	}
	roots, err := column.NewInt(ctx, maxFanout)
	if err != nil {
		return nil, err
	}
	schema, err := column.NewInt(ctx, maxFanout)
	if err != nil {
		return nil, err
	}

	t := &Table{alloc: ctx.Alloc, maxFanout: maxFanout, names: names, roots: roots, schema: schema}
	if err := t.persist(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func openTable(alloc *slab.Allocator, ref slab.Ref, maxFanout uint32) (*Table, error) {
	hdr, payload, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	if hdr.Size != tableSlots {
		return nil, errs.New(errs.CorruptFile, "openTable", "unexpected table slot count")
	}
	slots := parseGroupSlots(payload, hdr.Size)

	return &Table{
		alloc:     alloc,
		maxFanout: maxFanout,
		ref:       ref,
		cap:       hdr.Capacity,
		names:     column.OpenString(alloc, slab.Ref(slots[slotColumnNames]), maxFanout),
		roots:     column.OpenInt(alloc, slab.Ref(slots[slotColumnRoots]), maxFanout),
		schema:    column.OpenInt(alloc, slab.Ref(slots[slotSchema]), maxFanout),
	}, nil
}

func (t *Table) Root() slab.Ref { return t.ref }

func (t *Table) persist(ctx *slab.CowContext) error {
	slots := []uint64{
		uint64(t.names.Root()),
		uint64(t.roots.Root()),
		uint64(t.schema.Root()),
	}
	payload := encodeGroupSlots(slots)
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))

	if ctx.Owned(t.ref) && t.cap >= needed {
		hdr, _, err := ctx.Alloc.ReadNode(t.ref)
		if err != nil {
			return err
		}
		hdr.Size = tableSlots
		return ctx.Alloc.WriteNode(t.ref, hdr, payload)
	}

	newRef, err := ctx.Allocate(needed)
	if err != nil {
		return err
	}
	hdr := slab.Header{HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: tableSlots, Capacity: needed}
	if err := ctx.Alloc.WriteNode(newRef, hdr, payload); err != nil {
		return err
	}
	if t.ref != slab.NullRef {
		ctx.Retire(t.ref, t.cap)
	}
	t.ref = newRef
	t.cap = needed
	return nil
}

// ColumnNames returns every column name in declaration order.
func (t *Table) ColumnNames() ([]string, error) {
	n, err := t.names.Size()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		s, err := t.names.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (t *Table) findColumn(name string) (int, error) {
	n, err := t.names.Size()
	if err != nil {
		return -1, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := t.names.Get(i)
		if err != nil {
			return -1, err
		}
		if s == name {
			return int(i), nil
		}
	}
	return -1, nil
}

// AddColumn creates a new, empty column of the given kind.
func (t *Table) AddColumn(ctx *slab.CowContext, name string, kind column.Kind) error {
	if idx, err := t.findColumn(name); err != nil {
		return err
	} else if idx >= 0 {
		return errs.New(errs.LogicError, "Table.AddColumn", "column already exists: "+name)
	}

	var root slab.Ref
	switch kind {
	case column.KindInt:
		c, err := column.NewInt(ctx, t.maxFanout)
		if err != nil {
			return err
		}
		root = c.Root()
	case column.KindString:
		c, err := column.NewString(ctx, t.maxFanout)
		if err != nil {
			return err
		}
		root = c.Root()
	case column.KindBinary:
		c, err := column.NewBinary(ctx, t.maxFanout)
		if err != nil {
			return err
		}
		root = c.Root()
	default:
		return errs.New(errs.LogicError, "Table.AddColumn", "unknown column kind")
	}

	namesSize, err := t.names.Size()
	if err != nil {
		return err
	}
	if err := t.names.Insert(ctx, namesSize, name); err != nil {
		return err
	}
	rootsSize, err := t.roots.Size()
	if err != nil {
		return err
	}
	if err := t.roots.Insert(ctx, rootsSize, int64(root)); err != nil {
		return err
	}
	schemaSize, err := t.schema.Size()
	if err != nil {
		return err
	}
	if err := t.schema.Insert(ctx, schemaSize, int64(kind)); err != nil {
		return err
	}

	return t.persist(ctx)
}

// Column opens the named column, returning its kind and the handle to
// operate on it (one of *column.Int, *column.String, *column.Binary).
func (t *Table) Column(name string) (column.Kind, interface{}, error) {
	idx, err := t.findColumn(name)
	if err != nil {
		return 0, nil, err
	}
	if idx < 0 {
		return 0, nil, errs.New(errs.LogicError, "Table.Column", "no such column: "+name)
	}
	root, err := t.roots.Get(uint32(idx))
	if err != nil {
		return 0, nil, err
	}
	kind, err := t.schema.Get(uint32(idx))
	if err != nil {
		return 0, nil, err
	}
	handle, err := column.Open(t.alloc, column.Kind(kind), slab.Ref(root), t.maxFanout)
	if err != nil {
		return 0, nil, err
	}
	return column.Kind(kind), handle, nil
}

// SetColumnRoot persists a new root ref for an existing column, called by
// the writer after mutating a column's tree (the column's root may move
// under copy-on-write).
func (t *Table) SetColumnRoot(ctx *slab.CowContext, name string, newRoot slab.Ref) error {
	idx, err := t.findColumn(name)
	if err != nil {
		return err
	}
	if idx < 0 {
		return errs.New(errs.LogicError, "Table.SetColumnRoot", "no such column: "+name)
	}
	if err := t.roots.Set(ctx, uint32(idx), int64(newRoot)); err != nil {
		return err
	}
	return t.persist(ctx)
}

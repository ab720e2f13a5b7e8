package slabdb

import (
	"github.com/slabdb/slabdb/array"
	"github.com/slabdb/slabdb/column"
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// groupSlots is the fixed layout of a Group's own node: table-name column
// root, table-roots column root, free-list positions/sizes/versions array
// roots, the current version (tagged), and an optional history/evacuation
// metadata ref (spec.md §3 "Group").
const groupSlots = 7

const (
	slotTableNames = iota
	slotTableRoots
	slotFreePositions
	slotFreeSizes
	slotFreeVersions
	slotVersion
	slotHistory
)

// Group is the file-wide root: an Array of refs to the table directory and
// free-list bookkeeping, per spec.md §3 "Group".
type Group struct {
	alloc     *slab.Allocator
	maxFanout uint32

	ref  slab.Ref
	cap  uint32
	slots []uint64

	names *column.String
	roots *column.Int
}

func parseGroupSlots(payload []byte, n uint32) []uint64 {
	out := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		out[i] = slab.GetUint64BE(payload[i*8:])
	}
	return out
}

func encodeGroupSlots(slots []uint64) []byte {
	payload := make([]byte, len(slots)*8)
	for i, s := range slots {
		slab.PutUint64BE(payload[i*8:], s)
	}
	return payload
}

// NewGroup bootstraps an empty group: empty table-name/table-roots columns,
// empty free-list arrays, version 1. Used as the txn.Bootstrap callback for
// brand-new database files.
func NewGroup(ctx *slab.CowContext, maxFanout uint32) (*Group, error) {
	names, err := column.NewString(ctx, maxFanout)
	if err != nil {
		return nil, err
	}
	roots, err := column.NewInt(ctx, maxFanout)
	if err != nil {
		return nil, err
	}
	positions, err := array.New(ctx)
	if err != nil {
		return nil, err
	}
	sizes, err := array.New(ctx)
	if err != nil {
		return nil, err
	}
	versions, err := array.New(ctx)
	if err != nil {
		return nil, err
	}

	slots := make([]uint64, groupSlots)
	slots[slotTableNames] = uint64(names.Root())
	slots[slotTableRoots] = uint64(roots.Root())
	slots[slotFreePositions] = uint64(positions.Ref())
	slots[slotFreeSizes] = uint64(sizes.Ref())
	slots[slotFreeVersions] = uint64(versions.Ref())
	slots[slotVersion] = slab.TaggedInt(1)
	slots[slotHistory] = uint64(slab.NullRef)

	payload := encodeGroupSlots(slots)
	hdr := slab.Header{HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: groupSlots}
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))
	ref, err := ctx.Allocate(needed)
	if err != nil {
		return nil, err
	}
	hdr.Capacity = needed
	if err := ctx.Alloc.WriteNode(ref, hdr, payload); err != nil {
		return nil, err
	}

	return &Group{alloc: ctx.Alloc, maxFanout: maxFanout, ref: ref, cap: needed, slots: slots, names: names, roots: roots}, nil
}

// OpenGroup opens an existing group at ref.
func OpenGroup(alloc *slab.Allocator, ref slab.Ref, maxFanout uint32) (*Group, error) {
	hdr, payload, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	if hdr.Size != groupSlots {
		return nil, errs.New(errs.CorruptFile, "OpenGroup", "unexpected group slot count")
	}
	slots := parseGroupSlots(payload, hdr.Size)

	names := column.OpenString(alloc, slab.Ref(slots[slotTableNames]), maxFanout)
	roots := column.OpenInt(alloc, slab.Ref(slots[slotTableRoots]), maxFanout)

	return &Group{alloc: alloc, maxFanout: maxFanout, ref: ref, cap: hdr.Capacity, slots: slots, names: names, roots: roots}, nil
}

func (g *Group) Root() slab.Ref { return g.ref }

// persist writes g.slots back into the group's node, COW-aware. The
// table-name/table-roots slots are refreshed from the live columns first,
// since their mutating methods may have moved the column's own root.
func (g *Group) persist(ctx *slab.CowContext) error {
	g.slots[slotTableNames] = uint64(g.names.Root())
	g.slots[slotTableRoots] = uint64(g.roots.Root())

	payload := encodeGroupSlots(g.slots)
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))

	if ctx.Owned(g.ref) && g.cap >= needed {
		hdr, _, err := ctx.Alloc.ReadNode(g.ref)
		if err != nil {
			return err
		}
		hdr.Size = groupSlots
		return ctx.Alloc.WriteNode(g.ref, hdr, payload)
	}

	newRef, err := ctx.Allocate(needed)
	if err != nil {
		return err
	}
	hdr := slab.Header{HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: groupSlots, Capacity: needed}
	if err := ctx.Alloc.WriteNode(newRef, hdr, payload); err != nil {
		return err
	}
	ctx.Retire(g.ref, g.cap)
	g.ref = newRef
	g.cap = needed
	return nil
}

// Version returns the group's recorded version counter.
func (g *Group) Version() uint64 {
	v, _, empty := unpackTagged(g.slots[slotVersion])
	if empty {
		return 0
	}
	return v
}

func unpackTagged(v uint64) (uint64, bool, bool) {
	if slab.IsTagged(v) {
		return slab.UntagInt(v), true, false
	}
	return 0, false, true
}

// SetVersion records the group's version counter. Commits do not call it,
// so the stored value stays as set here (1 for a new group); slabtrawl does
// not read it.
func (g *Group) SetVersion(ctx *slab.CowContext, v uint64) error {
	g.slots[slotVersion] = slab.TaggedInt(v)
	return g.persist(ctx)
}

// SyncFreeList writes the allocator's current free-list entries into the
// group's three parallel arrays, so a reopen can rehydrate them.
func (g *Group) SyncFreeList(ctx *slab.CowContext, fl *slab.FreeList) error {
	positions, sizes, versions := fl.Snapshot()

	posArr, err := writeFreeListArray(ctx, slab.Ref(g.slots[slotFreePositions]), positions)
	if err != nil {
		return err
	}
	sizeArr, err := writeFreeListArray(ctx, slab.Ref(g.slots[slotFreeSizes]), sizes)
	if err != nil {
		return err
	}
	verArr, err := writeFreeListArray(ctx, slab.Ref(g.slots[slotFreeVersions]), versions)
	if err != nil {
		return err
	}

	g.slots[slotFreePositions] = uint64(posArr)
	g.slots[slotFreeSizes] = uint64(sizeArr)
	g.slots[slotFreeVersions] = uint64(verArr)
	return g.persist(ctx)
}

func writeFreeListArray(ctx *slab.CowContext, oldRef slab.Ref, values []uint64) (slab.Ref, error) {
	arr, err := array.Open(ctx.Alloc, oldRef)
	if err != nil {
		return slab.NullRef, err
	}
	if _, err := arr.Truncate(ctx, 0); err != nil {
		return slab.NullRef, err
	}
	for _, v := range values {
		if _, err := arr.Add(ctx, int64(v)); err != nil {
			return slab.NullRef, err
		}
	}
	return arr.Ref(), nil
}

// LoadFreeList reconstructs a slab.FreeList from the group's persisted
// arrays, for rehydration after Open.
func (g *Group) LoadFreeList() (*slab.FreeList, error) {
	positions, err := readFreeListArray(g.alloc, slab.Ref(g.slots[slotFreePositions]))
	if err != nil {
		return nil, err
	}
	sizes, err := readFreeListArray(g.alloc, slab.Ref(g.slots[slotFreeSizes]))
	if err != nil {
		return nil, err
	}
	versions, err := readFreeListArray(g.alloc, slab.Ref(g.slots[slotFreeVersions]))
	if err != nil {
		return nil, err
	}
	return slab.NewFreeList(positions, sizes, versions), nil
}

func readFreeListArray(alloc *slab.Allocator, ref slab.Ref) ([]uint64, error) {
	arr, err := array.Open(alloc, ref)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, arr.Size())
	for i := uint32(0); i < arr.Size(); i++ {
		v, err := arr.Get(alloc, i)
		if err != nil {
			return nil, err
		}
		out[i] = uint64(v)
	}
	return out, nil
}

// TableNames returns every table name in directory order.
func (g *Group) TableNames() ([]string, error) {
	n, err := g.names.Size()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		s, err := g.names.Get(i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (g *Group) findTable(name string) (int, error) {
	n, err := g.names.Size()
	if err != nil {
		return -1, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := g.names.Get(i)
		if err != nil {
			return -1, err
		}
		if s == name {
			return int(i), nil
		}
	}
	return -1, nil
}

// CreateTable adds a new, empty table to the directory.
func (g *Group) CreateTable(ctx *slab.CowContext, name string) (*Table, error) {
	if idx, err := g.findTable(name); err != nil {
		return nil, err
	} else if idx >= 0 {
		return nil, errs.New(errs.LogicError, "Group.CreateTable", "table already exists: "+name)
	}

	tbl, err := newTable(ctx, g.maxFanout)
	if err != nil {
		return nil, err
	}

	namesSize, err := g.names.Size()
	if err != nil {
		return nil, err
	}
	if err := g.names.Insert(ctx, namesSize, name); err != nil {
		return nil, err
	}
	rootsSize, err := g.roots.Size()
	if err != nil {
		return nil, err
	}
	if err := g.roots.Insert(ctx, rootsSize, int64(tbl.Root())); err != nil {
		return nil, err
	}
	if err := g.persist(ctx); err != nil {
		return nil, err
	}
	return tbl, nil
}

// OpenTable opens an existing table by name.
func (g *Group) OpenTable(name string) (*Table, error) {
	idx, err := g.findTable(name)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, errs.New(errs.LogicError, "Group.OpenTable", "no such table: "+name)
	}
	root, err := g.roots.Get(uint32(idx))
	if err != nil {
		return nil, err
	}
	return openTable(g.alloc, slab.Ref(root), g.maxFanout)
}

// RefreshTableRoot updates the directory's recorded root ref for name to
// tbl's current root. Every mutation of a Table (AddColumn, SetColumnRoot)
// may move the table's own node under copy-on-write, so callers must call
// this before committing whenever they mutated a Table obtained from this
// Group.
func (g *Group) RefreshTableRoot(ctx *slab.CowContext, name string, tbl *Table) error {
	idx, err := g.findTable(name)
	if err != nil {
		return err
	}
	if idx < 0 {
		return errs.New(errs.LogicError, "Group.RefreshTableRoot", "no such table: "+name)
	}
	if err := g.roots.Set(ctx, uint32(idx), int64(tbl.Root())); err != nil {
		return err
	}
	return g.persist(ctx)
}

// DropTable removes a table from the directory. The underlying columns'
// nodes are not explicitly freed (no reachable-set walk is implemented
// here); they become unreachable from the live root and stay allocated
// (slabtrawl verify counts them as orphaned bytes but does not reclaim
// them), consistent with
// spec.md §3's "free list tracks reachability from the live root" model at
// the Group/Table granularity rather than the node granularity Erase uses.
func (g *Group) DropTable(ctx *slab.CowContext, name string) error {
	idx, err := g.findTable(name)
	if err != nil {
		return err
	}
	if idx < 0 {
		return errs.New(errs.LogicError, "Group.DropTable", "no such table: "+name)
	}
	if err := g.names.Erase(ctx, uint32(idx)); err != nil {
		return err
	}
	if err := g.roots.Erase(ctx, uint32(idx)); err != nil {
		return err
	}
	return g.persist(ctx)
}

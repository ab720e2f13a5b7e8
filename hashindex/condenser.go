package hashindex

import "github.com/slabdb/slabdb/slab"

// condenserSlots is the fixed slot count of a bucket's condenser, per
// spec.md §4.7: "every leaf of the trie is a hash-bucket node with 256
// slots of 16 bits each".
const condenserSlots = 256

// condenser is the fixed-size 256x16-bit probe table described in
// spec.md §4.7. It never grows (always condenserSlots*2 bytes), so unlike
// array.Array it never needs a width upgrade — only the owned-vs-clone COW
// branch applies.
type condenser struct {
	ref slab.Ref
	cap uint32
}

func newCondenser(ctx *slab.CowContext) (*condenser, error) {
	payload := make([]byte, condenserSlots*2)
	hdr := slab.Header{WidthType: slab.WidthBytesPerElem, WidthLog2: 1, Size: condenserSlots}
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))
	cap := needed
	if cap < slab.DefaultNodeCapacity {
		cap = slab.DefaultNodeCapacity
	}
	ref, err := ctx.Allocate(cap)
	if err != nil {
		return nil, err
	}
	hdr.Capacity = cap
	if err := ctx.Alloc.WriteNode(ref, hdr, payload); err != nil {
		return nil, err
	}
	return &condenser{ref: ref, cap: cap}, nil
}

func openCondenser(alloc *slab.Allocator, ref slab.Ref) (*condenser, error) {
	hdr, _, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	return &condenser{ref: ref, cap: hdr.Capacity}, nil
}

func (c *condenser) Ref() slab.Ref { return c.ref }

// get returns the raw 16-bit digest at slot i: (quickKey<<8)|(slotIdx+1),
// or 0 if the slot is empty.
func (c *condenser) get(alloc *slab.Allocator, i int) (uint16, error) {
	_, payload, err := alloc.ReadNode(c.ref)
	if err != nil {
		return 0, err
	}
	return uint16(payload[i*2])<<8 | uint16(payload[i*2+1]), nil
}

// set writes digest at slot i, mutating in place when owned and cloning
// otherwise (the condenser's capacity never changes, so the only branch is
// ownership).
func (c *condenser) set(ctx *slab.CowContext, i int, digest uint16) (slab.Ref, error) {
	_, payload, err := ctx.Alloc.ReadNode(c.ref)
	if err != nil {
		return slab.NullRef, err
	}
	next := make([]byte, len(payload))
	copy(next, payload)
	next[i*2] = byte(digest >> 8)
	next[i*2+1] = byte(digest)

	hdr := slab.Header{WidthType: slab.WidthBytesPerElem, WidthLog2: 1, Size: condenserSlots, Capacity: c.cap}

	if ctx.Owned(c.ref) {
		if err := ctx.Alloc.WriteNode(c.ref, hdr, next); err != nil {
			return slab.NullRef, err
		}
		return c.ref, nil
	}

	newRef, err := ctx.Allocate(c.cap)
	if err != nil {
		return slab.NullRef, err
	}
	if err := ctx.Alloc.WriteNode(newRef, hdr, next); err != nil {
		return slab.NullRef, err
	}
	ctx.Retire(c.ref, c.cap)
	c.ref = newRef
	return newRef, nil
}

func packDigest(quickKey uint8, slotIdx int) uint16 {
	return uint16(quickKey)<<8 | uint16(slotIdx+1)
}

func unpackDigest(digest uint16) (quickKey uint8, slotIdx int, empty bool) {
	if digest&0xFF == 0 {
		return 0, 0, true
	}
	return uint8(digest >> 8), int(digest&0xFF) - 1, false
}

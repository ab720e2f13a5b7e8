package array

import (
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// Blob is a byte-indexed leaf: an Array with width_type = byte_per_elem_ignore
// (spec.md §4.4). Its payload is a raw, unpacked byte sequence.
type Blob struct {
	ref slab.Ref
	hdr slab.Header
}

// OpenBlob decodes the Blob accessor for an existing ref.
func OpenBlob(alloc *slab.Allocator, ref slab.Ref) (*Blob, error) {
	hdr, _, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	if hdr.WidthType != slab.WidthBytePerElemIgnore {
		return nil, errs.New(errs.CorruptFile, "array.OpenBlob", "ref is not a Blob node")
	}
	return &Blob{ref: ref, hdr: hdr}, nil
}

// NewBlob allocates a fresh, empty Blob node.
func NewBlob(ctx *slab.CowContext) (*Blob, error) {
	ref, err := ctx.Allocate(slab.DefaultNodeCapacity)
	if err != nil {
		return nil, err
	}
	hdr := slab.Header{Capacity: slab.DefaultNodeCapacity, WidthType: slab.WidthBytePerElemIgnore}
	if err := ctx.Alloc.WriteNode(ref, hdr, nil); err != nil {
		return nil, err
	}
	return &Blob{ref: ref, hdr: hdr}, nil
}

// Ref returns the accessor's current backing ref.
func (b *Blob) Ref() slab.Ref { return b.ref }

// Size returns the number of bytes.
func (b *Blob) Size() uint32 { return b.hdr.Size }

// Bytes returns a copy of the blob's content.
func (b *Blob) Bytes(alloc *slab.Allocator) ([]byte, error) {
	_, payload, err := alloc.ReadNode(b.ref)
	if err != nil {
		return nil, err
	}
	out := make([]byte, b.hdr.Size)
	copy(out, payload[:b.hdr.Size])
	return out, nil
}

// Replace splices data into [start,end). It rewrites the node in place when
// the node is owned by ctx and its capacity fits the new size, and otherwise
// allocates a new node and retires the old one.
func (b *Blob) Replace(ctx *slab.CowContext, start, end uint32, data []byte) (slab.Ref, error) {
	if start > end || end > b.hdr.Size {
		return slab.NullRef, errs.New(errs.LogicError, "array.Blob.Replace", "invalid splice range")
	}

	current, err := b.Bytes(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}

	next := make([]byte, 0, len(current)-int(end-start)+len(data))
	next = append(next, current[:start]...)
	next = append(next, data...)
	next = append(next, current[end:]...)

	newHdr := slab.Header{WidthType: slab.WidthBytePerElemIgnore, Size: uint32(len(next))}
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(next)))

	if ctx.Owned(b.ref) && needed <= b.hdr.Capacity {
		newHdr.Capacity = b.hdr.Capacity
		if err := ctx.Alloc.WriteNode(b.ref, newHdr, next); err != nil {
			return slab.NullRef, err
		}
		b.hdr = newHdr
		return b.ref, nil
	}

	newCap := needed
	if newCap < slab.DefaultNodeCapacity {
		newCap = slab.DefaultNodeCapacity
	}
	newRef, allocErr := ctx.Allocate(newCap)
	if allocErr != nil {
		return slab.NullRef, allocErr
	}
	newHdr.Capacity = newCap
	if err := ctx.Alloc.WriteNode(newRef, newHdr, next); err != nil {
		return slab.NullRef, err
	}

	ctx.Retire(b.ref, b.hdr.Capacity)
	b.ref = newRef
	b.hdr = newHdr
	return newRef, nil
}

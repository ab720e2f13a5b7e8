// Package array implements the packed-bit integer Array leaf (spec.md §4.3)
// and the Blob/String leaves built on top of it (spec.md §4.4).
package array

import (
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// widthBitsTable maps a header WidthLog2 (0..7) to its element width in bits.
var widthBitsTable = [8]uint32{0, 1, 2, 4, 8, 16, 32, 64}

// Array is a transient accessor over a ref for the packed-bit integer
// sequence leaf. It is not safe to share between threads, matching
// spec.md §4.3's concurrency note: any number of read-only accessors on the
// same committed ref are safe because the underlying bytes are never
// mutated in place once committed.
type Array struct {
	ref slab.Ref
	hdr slab.Header
}

// Open decodes the Array accessor for an existing ref.
func Open(alloc *slab.Allocator, ref slab.Ref) (*Array, error) {
	hdr, _, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	if hdr.HasRefs || hdr.IsInner {
		return nil, errs.New(errs.CorruptFile, "array.Open", "ref is not an Array node")
	}
	return &Array{ref: ref, hdr: hdr}, nil
}

// New allocates a fresh, empty Array node.
func New(ctx *slab.CowContext) (*Array, error) {
	ref, err := ctx.Allocate(slab.DefaultNodeCapacity)
	if err != nil {
		return nil, err
	}

	hdr := slab.Header{Capacity: slab.DefaultNodeCapacity, WidthType: slab.WidthBits}
	if err := ctx.Alloc.WriteNode(ref, hdr, nil); err != nil {
		return nil, err
	}

	return &Array{ref: ref, hdr: hdr}, nil
}

// Ref returns the accessor's current backing ref.
func (a *Array) Ref() slab.Ref { return a.ref }

// Size returns the number of elements.
func (a *Array) Size() uint32 { return a.hdr.Size }

func elemWidthBits(hdr slab.Header) uint32 { return widthBitsTable[hdr.WidthLog2] }

// decode reads every element into a plain slice. Array operations are
// implemented by decode/mutate/re-encode, which keeps the on-disk format
// exactly as specified (smallest packed width, copy-on-write) without
// threading bit-offset arithmetic through every mutator.
func (a *Array) decode(alloc *slab.Allocator) ([]int64, error) {
	_, payload, err := alloc.ReadNode(a.ref)
	if err != nil {
		return nil, err
	}

	width := elemWidthBits(a.hdr)
	out := make([]int64, a.hdr.Size)
	for i := uint32(0); i < a.hdr.Size; i++ {
		out[i] = signedFromRaw(getBits(payload, i, width), width)
	}
	return out, nil
}

// Get returns the value at index i.
func (a *Array) Get(alloc *slab.Allocator, i uint32) (int64, error) {
	if i >= a.hdr.Size {
		return 0, errs.New(errs.LogicError, "array.Get", "index out of range")
	}
	values, err := a.decode(alloc)
	if err != nil {
		return 0, err
	}
	return values[i], nil
}

// Back returns the last element.
func (a *Array) Back(alloc *slab.Allocator) (int64, error) {
	if a.hdr.Size == 0 {
		return 0, errs.New(errs.LogicError, "array.Back", "array is empty")
	}
	return a.Get(alloc, a.hdr.Size-1)
}

// minWidthLog2 finds the smallest power-of-two bit width (as a WidthLog2
// index) that losslessly represents every value in values.
func minWidthLog2(values []int64) uint8 {
	var lo, hi int64
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	for log2 := uint8(0); log2 < 7; log2++ {
		width := widthBitsTable[log2]
		if width == 0 {
			if lo == 0 && hi == 0 {
				return log2
			}
			continue
		}
		min := -(int64(1) << (width - 1))
		max := (int64(1) << (width - 1)) - 1
		if lo >= min && hi <= max {
			return log2
		}
	}
	return 7 // 64-bit always fits.
}

// reencode rewrites the array's payload at the smallest width fitting
// values, persisting the result via ctx (mutating in place if the node is
// owned by the current transaction and wide enough, or copy-on-write
// otherwise), and returns the resulting ref.
func (a *Array) reencode(ctx *slab.CowContext, values []int64) (slab.Ref, error) {
	log2 := minWidthLog2(values)
	width := widthBitsTable[log2]

	byteLen := slab.CalcByteLen(slab.WidthBits, uint32(len(values)), log2)
	payload := make([]byte, byteLen)
	for i, v := range values {
		setBits(payload, uint32(i), width, rawFromSigned(v, width))
	}

	newHdr := slab.Header{
		WidthType: slab.WidthBits,
		WidthLog2: log2,
		Size:      uint32(len(values)),
	}

	needed := slab.HeaderSize + slab.AlignUp8(byteLen)

	if ctx.Owned(a.ref) && needed <= a.hdr.Capacity {
		newHdr.Capacity = a.hdr.Capacity
		if err := ctx.Alloc.WriteNode(a.ref, newHdr, payload); err != nil {
			return slab.NullRef, err
		}
		a.hdr = newHdr
		return a.ref, nil
	}

	newCap := needed
	if newCap < slab.DefaultNodeCapacity {
		newCap = slab.DefaultNodeCapacity
	}
	newRef, err := ctx.Allocate(newCap)
	if err != nil {
		return slab.NullRef, err
	}
	newHdr.Capacity = newCap
	if err := ctx.Alloc.WriteNode(newRef, newHdr, payload); err != nil {
		return slab.NullRef, err
	}

	ctx.Retire(a.ref, a.hdr.Capacity)
	a.ref = newRef
	a.hdr = newHdr
	return newRef, nil
}

// Set updates the value at index i, upgrading the node's width if v does
// not fit the current width, per spec.md §4.3's width policy.
func (a *Array) Set(ctx *slab.CowContext, i uint32, v int64) (slab.Ref, error) {
	if i >= a.hdr.Size {
		return slab.NullRef, errs.New(errs.LogicError, "array.Set", "index out of range")
	}
	values, err := a.decode(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	values[i] = v
	return a.reencode(ctx, values)
}

// Insert inserts v at index i, shifting subsequent elements right.
func (a *Array) Insert(ctx *slab.CowContext, i uint32, v int64) (slab.Ref, error) {
	if i > a.hdr.Size {
		return slab.NullRef, errs.New(errs.LogicError, "array.Insert", "index out of range")
	}
	values, err := a.decode(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	values = append(values, 0)
	copy(values[i+1:], values[i:len(values)-1])
	values[i] = v
	return a.reencode(ctx, values)
}

// Add appends v.
func (a *Array) Add(ctx *slab.CowContext, v int64) (slab.Ref, error) {
	return a.Insert(ctx, a.hdr.Size, v)
}

// Erase removes the element at index i.
func (a *Array) Erase(ctx *slab.CowContext, i uint32) (slab.Ref, error) {
	if i >= a.hdr.Size {
		return slab.NullRef, errs.New(errs.LogicError, "array.Erase", "index out of range")
	}
	values, err := a.decode(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	values = append(values[:i], values[i+1:]...)
	return a.reencode(ctx, values)
}

// Truncate shrinks the array to its first n elements.
func (a *Array) Truncate(ctx *slab.CowContext, n uint32) (slab.Ref, error) {
	if n > a.hdr.Size {
		return slab.NullRef, errs.New(errs.LogicError, "array.Truncate", "n exceeds size")
	}
	values, err := a.decode(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	return a.reencode(ctx, values[:n])
}

// LowerBound returns the index of the first element >= v. The array must be
// sorted.
func (a *Array) LowerBound(alloc *slab.Allocator, v int64) (uint32, error) {
	values, err := a.decode(alloc)
	if err != nil {
		return 0, err
	}
	lo, hi := uint32(0), uint32(len(values))
	for lo < hi {
		mid := (lo + hi) / 2
		if values[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// UpperBound returns the index of the first element > v. The array must be
// sorted.
func (a *Array) UpperBound(alloc *slab.Allocator, v int64) (uint32, error) {
	values, err := a.decode(alloc)
	if err != nil {
		return 0, err
	}
	lo, hi := uint32(0), uint32(len(values))
	for lo < hi {
		mid := (lo + hi) / 2
		if values[mid] <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// FindFirst returns the index of the first occurrence of v in [begin,end),
// or -1 if absent. Unlike LowerBound/UpperBound, the array need not be sorted.
func (a *Array) FindFirst(alloc *slab.Allocator, v int64, begin, end uint32) (int64, error) {
	values, err := a.decode(alloc)
	if err != nil {
		return -1, err
	}
	end = clampEnd(end, uint32(len(values)))
	for i := begin; i < end; i++ {
		if values[i] == v {
			return int64(i), nil
		}
	}
	return -1, nil
}

// FindAll appends the indices of every occurrence of v in [begin,end) to result.
func (a *Array) FindAll(alloc *slab.Allocator, result []uint32, v int64, begin, end uint32) ([]uint32, error) {
	values, err := a.decode(alloc)
	if err != nil {
		return nil, err
	}
	end = clampEnd(end, uint32(len(values)))
	for i := begin; i < end; i++ {
		if values[i] == v {
			result = append(result, i)
		}
	}
	return result, nil
}

// CondOp is the conditional-find predicate kind (spec.md §4.3).
type CondOp int

const (
	CondEqual CondOp = iota
	CondNotEqual
	CondLess
	CondGreater
	CondBetween
)

// FindCond returns every index in [begin,end) satisfying op against v1 (and
// v2, for CondBetween).
func (a *Array) FindCond(alloc *slab.Allocator, op CondOp, v1, v2 int64, begin, end uint32) ([]uint32, error) {
	values, err := a.decode(alloc)
	if err != nil {
		return nil, err
	}
	end = clampEnd(end, uint32(len(values)))

	var out []uint32
	for i := begin; i < end; i++ {
		v := values[i]
		var match bool
		switch op {
		case CondEqual:
			match = v == v1
		case CondNotEqual:
			match = v != v1
		case CondLess:
			match = v < v1
		case CondGreater:
			match = v > v1
		case CondBetween:
			match = v >= v1 && v <= v2
		}
		if match {
			out = append(out, i)
		}
	}
	return out, nil
}

func clampEnd(end, size uint32) uint32 {
	if end > size {
		return size
	}
	return end
}

// getBits reads the i-th widthBits-wide element from payload (big-endian
// within multi-byte elements; sub-byte elements never cross a byte boundary
// since 1, 2 and 4 all divide 8 evenly).
func getBits(payload []byte, i uint32, widthBits uint32) uint64 {
	if widthBits == 0 {
		return 0
	}
	if widthBits < 8 {
		elemsPerByte := 8 / widthBits
		byteIdx := i / elemsPerByte
		slot := i % elemsPerByte
		shift := slot * widthBits
		mask := uint64((1 << widthBits) - 1)
		return (uint64(payload[byteIdx]) >> shift) & mask
	}

	nBytes := widthBits / 8
	byteIdx := uint64(i) * uint64(nBytes)
	var v uint64
	for b := uint32(0); b < nBytes; b++ {
		v = v<<8 | uint64(payload[byteIdx+uint64(b)])
	}
	return v
}

// setBits writes the i-th widthBits-wide element into payload.
func setBits(payload []byte, i uint32, widthBits uint32, raw uint64) {
	if widthBits == 0 {
		return
	}
	if widthBits < 8 {
		elemsPerByte := 8 / widthBits
		byteIdx := i / elemsPerByte
		slot := i % elemsPerByte
		shift := slot * widthBits
		mask := uint64((1 << widthBits) - 1)
		payload[byteIdx] = payload[byteIdx]&^byte(mask<<shift) | byte((raw&mask)<<shift)
		return
	}

	nBytes := widthBits / 8
	byteIdx := uint64(i) * uint64(nBytes)
	for b := uint32(0); b < nBytes; b++ {
		shift := (nBytes - 1 - b) * 8
		payload[byteIdx+uint64(b)] = byte(raw >> shift)
	}
}

func rawFromSigned(v int64, widthBits uint32) uint64 {
	if widthBits == 0 {
		return 0
	}
	if widthBits == 64 {
		return uint64(v)
	}
	mask := uint64(1)<<widthBits - 1
	return uint64(v) & mask
}

func signedFromRaw(raw uint64, widthBits uint32) int64 {
	if widthBits == 0 {
		return 0
	}
	if widthBits == 64 {
		return int64(raw)
	}
	signBit := uint64(1) << (widthBits - 1)
	if raw&signBit != 0 {
		return int64(raw) - int64(uint64(1)<<widthBits)
	}
	return int64(raw)
}

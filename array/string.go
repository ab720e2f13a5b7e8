package array

import (
	"github.com/slabdb/slabdb/errs"
	"github.com/slabdb/slabdb/slab"
)

// shortFormMaxContent is the largest string a short-form leaf can hold: one
// byte of its fixed stride is reserved to record the pad count, and the
// stride itself is a power of two capped at 64 bytes. Exceeding this forces
// a local upgrade to long form (spec.md §4.4/§6).
const shortFormMaxContent = 63

// String is the String/Binary leaf (spec.md §4.4): either short form (a
// single fixed-stride Array of padded entries) or long form (an offsets
// Array plus a Blob of concatenated payloads), distinguished by the node
// header's has_refs bit exactly as the teacher-adjacent AdaptiveStringColumn
// distinguishes "IsLongStrings" via HasRefs.
type String struct {
	ref slab.Ref
	hdr slab.Header
}

// OpenString decodes the String accessor for an existing ref.
func OpenString(alloc *slab.Allocator, ref slab.Ref) (*String, error) {
	hdr, _, err := alloc.ReadNode(ref)
	if err != nil {
		return nil, err
	}
	return &String{ref: ref, hdr: hdr}, nil
}

// NewString allocates a fresh, empty short-form String leaf.
func NewString(ctx *slab.CowContext) (*String, error) {
	ref, err := ctx.Allocate(slab.DefaultNodeCapacity)
	if err != nil {
		return nil, err
	}
	hdr := slab.Header{Capacity: slab.DefaultNodeCapacity, WidthType: slab.WidthBytesPerElem}
	if err := ctx.Alloc.WriteNode(ref, hdr, nil); err != nil {
		return nil, err
	}
	return &String{ref: ref, hdr: hdr}, nil
}

// Ref returns the accessor's current backing ref.
func (s *String) Ref() slab.Ref { return s.ref }

// IsLongForm reports whether the leaf is currently in long form.
func (s *String) IsLongForm() bool { return s.hdr.HasRefs }

func strideOf(hdr slab.Header) uint32 {
	if hdr.Size == 0 && hdr.WidthLog2 == 0 {
		return 0
	}
	return 1 << hdr.WidthLog2
}

// longRefs reads the offsets-Array ref and Blob ref out of a long-form
// leaf's payload, which is laid out exactly like a B+-tree inner node's
// two-ref child slot area: width_type=bytes_per_elem, width_log2=3 (8-byte
// refs), size=2.
func (s *String) longRefs(alloc *slab.Allocator) (offsetsRef, blobRef slab.Ref, err error) {
	_, payload, err := alloc.ReadNode(s.ref)
	if err != nil {
		return slab.NullRef, slab.NullRef, err
	}
	if len(payload) < 16 {
		return slab.NullRef, slab.NullRef, errs.New(errs.CorruptFile, "array.String", "short long-form payload")
	}
	offsetsRef = slab.Ref(slab.GetUint64BE(payload[0:8]))
	blobRef = slab.Ref(slab.GetUint64BE(payload[8:16]))
	return offsetsRef, blobRef, nil
}

func (s *String) writeLongRefs(ctx *slab.CowContext, offsetsRef, blobRef slab.Ref) (slab.Ref, error) {
	payload := make([]byte, 16)
	slab.PutUint64BE(payload[0:8], uint64(offsetsRef))
	slab.PutUint64BE(payload[8:16], uint64(blobRef))

	newHdr := slab.Header{HasRefs: true, WidthType: slab.WidthBytesPerElem, WidthLog2: 3, Size: 2}
	needed := slab.HeaderSize + slab.AlignUp8(16)

	if ctx.Owned(s.ref) && needed <= s.hdr.Capacity {
		newHdr.Capacity = s.hdr.Capacity
		if err := ctx.Alloc.WriteNode(s.ref, newHdr, payload); err != nil {
			return slab.NullRef, err
		}
		s.hdr = newHdr
		return s.ref, nil
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

	ctx.Retire(s.ref, s.hdr.Capacity)
	s.ref = newRef
	s.hdr = newHdr
	return newRef, nil
}

// Size returns the number of strings held by the leaf.
func (s *String) Size(alloc *slab.Allocator) (uint32, error) {
	if !s.hdr.HasRefs {
		return s.hdr.Size, nil
	}
	offsetsRef, _, err := s.longRefs(alloc)
	if err != nil {
		return 0, err
	}
	offsets, err := Open(alloc, offsetsRef)
	if err != nil {
		return 0, err
	}
	return offsets.Size(), nil
}

// Get returns the string at index i.
func (s *String) Get(alloc *slab.Allocator, i uint32) (string, error) {
	if !s.hdr.HasRefs {
		stride := strideOf(s.hdr)
		if i >= s.hdr.Size {
			return "", errs.New(errs.LogicError, "array.String.Get", "index out of range")
		}
		_, payload, err := alloc.ReadNode(s.ref)
		if err != nil {
			return "", err
		}
		if stride == 0 {
			return "", nil
		}
		entry := payload[i*stride : (i+1)*stride]
		padCount := entry[stride-1]
		length := stride - 1 - uint32(padCount)
		return string(entry[:length]), nil
	}

	offsetsRef, blobRef, err := s.longRefs(alloc)
	if err != nil {
		return "", err
	}
	offsets, err := Open(alloc, offsetsRef)
	if err != nil {
		return "", err
	}
	if i >= offsets.Size() {
		return "", errs.New(errs.LogicError, "array.String.Get", "index out of range")
	}
	blob, err := OpenBlob(alloc, blobRef)
	if err != nil {
		return "", err
	}

	var start int64
	if i > 0 {
		start, err = offsets.Get(alloc, i-1)
		if err != nil {
			return "", err
		}
	}
	end, err := offsets.Get(alloc, i)
	if err != nil {
		return "", err
	}

	bytes, err := blob.Bytes(alloc)
	if err != nil {
		return "", err
	}
	return string(bytes[start:end]), nil
}

func (s *String) decodeAll(alloc *slab.Allocator) ([]string, error) {
	n, err := s.Size(alloc)
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := uint32(0); i < n; i++ {
		v, err := s.Get(alloc, i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// encodeShort rewrites the leaf as a short-form fixed-stride Array, or
// reports that the content no longer fits short form (any value longer than
// shortFormMaxContent bytes).
func (s *String) encodeShort(ctx *slab.CowContext, values []string) (slab.Ref, bool, error) {
	maxLen := 0
	for _, v := range values {
		if len(v) > maxLen {
			maxLen = len(v)
		}
	}
	if maxLen > shortFormMaxContent {
		return slab.NullRef, false, nil
	}

	stride := uint32(0)
	widthLog2 := uint8(0)
	if maxLen > 0 || len(values) > 0 {
		contentCap := uint32(1)
		for int(contentCap)-1 < maxLen {
			contentCap <<= 1
		}
		stride = contentCap
		widthLog2 = uint8(bitsLog2(stride))
	}

	payload := make([]byte, uint64(len(values))*uint64(stride))
	for i, v := range values {
		entry := payload[uint32(i)*stride : (uint32(i)+1)*stride]
		copy(entry, v)
		if stride > 0 {
			entry[stride-1] = byte(int(stride) - 1 - len(v))
		}
	}

	newHdr := slab.Header{WidthType: slab.WidthBytesPerElem, WidthLog2: widthLog2, Size: uint32(len(values))}
	ref, err := s.persist(ctx, newHdr, payload)
	return ref, true, err
}

// encodeLong rewrites the leaf as long form: a fresh offsets Array and Blob.
func (s *String) encodeLong(ctx *slab.CowContext, values []string) (slab.Ref, error) {
	offsets, err := New(ctx)
	if err != nil {
		return slab.NullRef, err
	}
	blob, err := NewBlob(ctx)
	if err != nil {
		return slab.NullRef, err
	}

	var cursor int64
	allBytes := make([]byte, 0, 64)
	for _, v := range values {
		allBytes = append(allBytes, v...)
		cursor += int64(len(v))
		if _, err := offsets.Add(ctx, cursor); err != nil {
			return slab.NullRef, err
		}
	}
	if _, err := blob.Replace(ctx, 0, 0, allBytes); err != nil {
		return slab.NullRef, err
	}

	return s.writeLongRefs(ctx, offsets.Ref(), blob.Ref())
}

func (s *String) persist(ctx *slab.CowContext, newHdr slab.Header, payload []byte) (slab.Ref, error) {
	needed := slab.HeaderSize + slab.AlignUp8(uint32(len(payload)))

	if ctx.Owned(s.ref) && needed <= s.hdr.Capacity {
		newHdr.Capacity = s.hdr.Capacity
		if err := ctx.Alloc.WriteNode(s.ref, newHdr, payload); err != nil {
			return slab.NullRef, err
		}
		s.hdr = newHdr
		return s.ref, nil
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

	ctx.Retire(s.ref, s.hdr.Capacity)
	s.ref = newRef
	s.hdr = newHdr
	return newRef, nil
}

// reencode rewrites the leaf to hold values, choosing short form when every
// value fits and long form otherwise (spec.md §4.4's per-leaf upgrade rule).
func (s *String) reencode(ctx *slab.CowContext, values []string) (slab.Ref, error) {
	if ref, ok, err := s.encodeShort(ctx, values); err != nil {
		return slab.NullRef, err
	} else if ok {
		return ref, nil
	}
	return s.encodeLong(ctx, values)
}

// Set replaces the string at index i.
func (s *String) Set(ctx *slab.CowContext, i uint32, v string) (slab.Ref, error) {
	values, err := s.decodeAll(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	if i >= uint32(len(values)) {
		return slab.NullRef, errs.New(errs.LogicError, "array.String.Set", "index out of range")
	}
	values[i] = v
	return s.reencode(ctx, values)
}

// Add appends v.
func (s *String) Add(ctx *slab.CowContext, v string) (slab.Ref, error) {
	values, err := s.decodeAll(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	values = append(values, v)
	return s.reencode(ctx, values)
}

// Insert inserts v at index i, shifting subsequent entries right.
func (s *String) Insert(ctx *slab.CowContext, i uint32, v string) (slab.Ref, error) {
	values, err := s.decodeAll(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	if i > uint32(len(values)) {
		return slab.NullRef, errs.New(errs.LogicError, "array.String.Insert", "index out of range")
	}
	values = append(values, "")
	copy(values[i+1:], values[i:len(values)-1])
	values[i] = v
	return s.reencode(ctx, values)
}

// Erase removes the string at index i.
func (s *String) Erase(ctx *slab.CowContext, i uint32) (slab.Ref, error) {
	values, err := s.decodeAll(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	if i >= uint32(len(values)) {
		return slab.NullRef, errs.New(errs.LogicError, "array.String.Erase", "index out of range")
	}
	values = append(values[:i], values[i+1:]...)
	return s.reencode(ctx, values)
}

// Truncate shrinks the leaf to its first n strings.
func (s *String) Truncate(ctx *slab.CowContext, n uint32) (slab.Ref, error) {
	values, err := s.decodeAll(ctx.Alloc)
	if err != nil {
		return slab.NullRef, err
	}
	if n > uint32(len(values)) {
		return slab.NullRef, errs.New(errs.LogicError, "array.String.Truncate", "n exceeds size")
	}
	return s.reencode(ctx, values[:n])
}

func bitsLog2(v uint32) int {
	log2 := 0
	for (uint32(1) << log2) < v {
		log2++
	}
	return log2
}

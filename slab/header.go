package slab

import "github.com/slabdb/slabdb/errs"

// HeaderSize is the fixed size, in bytes, of the universal node header
// that precedes every persisted node's payload.
const HeaderSize = 8

// WidthType selects how Header.WidthLog2 should be interpreted.
type WidthType uint8

const (
	// WidthBits: WidthLog2 0..7 selects an element width of 0, 1, 2, 4, 8,
	// 16, 32 or 64 bits (packed-bit Array).
	WidthBits WidthType = 0
	// WidthBytesPerElem: element width is 2^WidthLog2 bytes.
	WidthBytesPerElem WidthType = 1
	// WidthBytePerElemIgnore: payload is a raw byte sequence (Blob leaf);
	// width is always a single byte per element regardless of WidthLog2.
	WidthBytePerElemIgnore WidthType = 2
)

const (
	flagIsInner     = 0x80
	flagHasRefs     = 0x40
	flagContext     = 0x20
	flagWidthType   = 0x18
	widthTypeShift  = 3
	flagWidthLog2   = 0x07
)

// Header is the decoded form of the 8-byte node header every persisted
// object begins with. See spec.md §3/§6 for the exact bit layout.
type Header struct {
	// Capacity is the total allocated size in bytes, header included.
	Capacity uint32
	// IsInner marks a B+-tree inner node.
	IsInner bool
	// HasRefs marks a node whose payload slots are refs or tagged values.
	HasRefs bool
	// ContextFlag's meaning depends on the container (e.g. compact vs
	// general form discriminator for inner nodes).
	ContextFlag bool
	// WidthType selects how WidthLog2 is interpreted.
	WidthType WidthType
	// WidthLog2 is in [0,7]. For WidthBits it selects 0, 1, 2, 4, ..., 64
	// bits (0 means a zero-bit element: a constant-true/all-zero payload);
	// for WidthBytesPerElem the element width is 2^WidthLog2 bytes.
	WidthLog2 uint8
	// Size is the number of elements in the payload.
	Size uint32
}

// ElemWidthBits returns the per-element width, in bits, implied by the
// header's WidthType/WidthLog2.
func (h Header) ElemWidthBits() uint32 {
	switch h.WidthType {
	case WidthBits:
		if h.WidthLog2 == 0 {
			return 0
		}
		return 1 << (h.WidthLog2 - 1)
	case WidthBytesPerElem:
		return 8 * (1 << h.WidthLog2)
	case WidthBytePerElemIgnore:
		return 8
	default:
		return 0
	}
}

// ByteLen computes the number of payload bytes implied by the header,
// i.e. ceil(size * elemWidthBits / 8).
func (h Header) ByteLen() uint32 {
	return CalcByteLen(h.WidthType, h.Size, h.WidthLog2)
}

// CalcByteLen is the pure function spec.md §4.2 requires: byte length from
// (width_type, size, width_log2), independent of any live Header value.
func CalcByteLen(wt WidthType, size uint32, widthLog2 uint8) uint32 {
	var bits uint32
	switch wt {
	case WidthBits:
		if widthLog2 == 0 {
			return 0
		}
		bits = 1 << (widthLog2 - 1)
	case WidthBytesPerElem:
		bits = 8 * (1 << widthLog2)
	case WidthBytePerElemIgnore:
		bits = 8
	}

	totalBits := uint64(size) * uint64(bits)
	return uint32((totalBits + 7) / 8)
}

// DecodeHeader parses an 8-byte block into a Header. It is a pure function:
// any reader of a node can decode size and byte-length purely from these
// eight bytes, which is why a byte-by-byte scan of the file is sufficient
// to locate every allocated node for recovery.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errs.New(errs.CorruptFile, "DecodeHeader", "short header block")
	}

	capacity := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	flags := b[4]
	size := uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])

	h := Header{
		Capacity:    capacity,
		IsInner:     flags&flagIsInner != 0,
		HasRefs:     flags&flagHasRefs != 0,
		ContextFlag: flags&flagContext != 0,
		WidthType:   WidthType((flags & flagWidthType) >> widthTypeShift),
		WidthLog2:   flags & flagWidthLog2,
		Size:        size,
	}

	if h.ByteLen() > h.Capacity {
		return Header{}, errs.New(errs.CorruptFile, "DecodeHeader", "byte length exceeds capacity")
	}

	return h, nil
}

// EncodeHeader serializes a Header back to its 8-byte on-disk form. Padding
// byte 3 is always written as zero to keep the recovery scan reliable.
func EncodeHeader(h Header) [HeaderSize]byte {
	var b [HeaderSize]byte

	b[0] = byte(h.Capacity >> 16)
	b[1] = byte(h.Capacity >> 8)
	b[2] = byte(h.Capacity)
	b[3] = 0

	var flags byte
	if h.IsInner {
		flags |= flagIsInner
	}
	if h.HasRefs {
		flags |= flagHasRefs
	}
	if h.ContextFlag {
		flags |= flagContext
	}
	flags |= byte(h.WidthType) << widthTypeShift & flagWidthType
	flags |= h.WidthLog2 & flagWidthLog2
	b[4] = flags

	b[5] = byte(h.Size >> 16)
	b[6] = byte(h.Size >> 8)
	b[7] = byte(h.Size)

	return b
}

// WithSize returns a copy of h with Size replaced, preserving all other
// header bits — used by mutators that only change element count.
func (h Header) WithSize(size uint32) Header {
	h.Size = size
	return h
}

// WithWidthLog2 returns a copy of h with WidthLog2 replaced — used by Array
// width-upgrade rewrites.
func (h Header) WithWidthLog2(w uint8) Header {
	h.WidthLog2 = w
	return h
}

// PadLen returns the number of zero padding bytes needed after a payload of
// byteLen bytes to reach the next 8-byte boundary.
func PadLen(byteLen uint32) uint32 {
	rem := byteLen % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}

// AlignUp8 rounds n up to the next multiple of 8.
func AlignUp8(n uint32) uint32 {
	return n + PadLen(n)
}

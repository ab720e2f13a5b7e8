package slab

// Ref is a 64-bit file offset, always 8-byte aligned, identifying a node.
// A Ref of 0 means "null". The low bit is reserved as a discriminator for
// slots that may hold either a ref or an inline tagged integer: a ref
// always has its low bit clear, and TaggedInt(x) sets it.
type Ref uint64

// NullRef is the ref value meaning "no node".
const NullRef Ref = 0

// IsNull reports whether r is the null ref.
func (r Ref) IsNull() bool { return r == NullRef }

// TaggedInt encodes x as a tagged inline integer: (x<<1)|1. Any slot that
// may hold either a Ref or an inline value uses this encoding to
// distinguish the two without a side-band flag.
func TaggedInt(x uint64) uint64 { return (x << 1) | 1 }

// IsTagged reports whether a raw 64-bit slot value is a tagged inline
// integer (low bit set) as opposed to a Ref (low bit clear).
func IsTagged(raw uint64) bool { return raw&1 == 1 }

// UntagInt reverses TaggedInt: extracts the inline integer from a tagged
// slot value. Caller must have checked IsTagged first.
func UntagInt(raw uint64) uint64 { return raw >> 1 }

// AsRef reinterprets a raw 64-bit slot value as a Ref. Caller must have
// checked !IsTagged first.
func AsRef(raw uint64) Ref { return Ref(raw) }

// PutUint64BE writes v as 8 big-endian bytes into b, used by any container
// that packs fixed-width ref/count slots directly (B+-tree inner nodes,
// long-form String leaves) rather than through the packed-bit Array codec.
func PutUint64BE(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// GetUint64BE reads 8 big-endian bytes from b.
func GetUint64BE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

package slab

import "github.com/slabdb/slabdb/errs"

// FileHeaderSize is the fixed size of the file-level group header.
const FileHeaderSize = 24

// Magic is the 4-byte file format signature, spec.md §6: "T-DB".
var Magic = [4]byte{0x54, 0x2D, 0x44, 0x42}

// FormatVersion is the current on-disk file format version.
const FormatVersion uint16 = 1

const fileFlagSelectB = 0x01

// FileHeader is the 24-byte header at the start of every slabdb file.
type FileHeader struct {
	// TopRefA, TopRefB are the two candidate roots; Flags selects which is live.
	TopRefA, TopRefB Ref
	FormatVersion    uint16
	// SelectB is true when TopRefB is the live root, false for TopRefA.
	SelectB bool
}

// LiveTopRef returns whichever of TopRefA/TopRefB is currently selected.
func (h FileHeader) LiveTopRef() Ref {
	if h.SelectB {
		return h.TopRefB
	}
	return h.TopRefA
}

// WithNewTopRef returns a copy of h with the new top ref written into the
// currently INACTIVE slot — the slot the live selector does not point to.
// This is step 1 of the commit protocol (spec.md §4.9): the new root is
// durable before the selector is ever flipped.
func (h FileHeader) WithNewTopRef(newTop Ref) FileHeader {
	if h.SelectB {
		h.TopRefA = newTop
	} else {
		h.TopRefB = newTop
	}
	return h
}

// Flipped returns a copy of h with the live-selector bit flipped — the
// single atomic publish point of a commit.
func (h FileHeader) Flipped() FileHeader {
	h.SelectB = !h.SelectB
	return h
}

// EncodeFileHeader serializes the 24-byte file header.
func EncodeFileHeader(h FileHeader) [FileHeaderSize]byte {
	var b [FileHeaderSize]byte
	putUint64(b[0:8], uint64(h.TopRefA))
	putUint64(b[8:16], uint64(h.TopRefB))
	copy(b[16:20], Magic[:])
	b[20] = byte(h.FormatVersion)
	b[21] = byte(h.FormatVersion >> 8)
	b[22] = 0
	if h.SelectB {
		b[23] = fileFlagSelectB
	}
	return b
}

// DecodeFileHeader parses the 24-byte file header and validates the magic.
func DecodeFileHeader(b []byte) (FileHeader, error) {
	if len(b) < FileHeaderSize {
		return FileHeader{}, errs.New(errs.CorruptFile, "DecodeFileHeader", "short file header")
	}
	if b[16] != Magic[0] || b[17] != Magic[1] || b[18] != Magic[2] || b[19] != Magic[3] {
		return FileHeader{}, errs.New(errs.CorruptFile, "DecodeFileHeader", "magic mismatch")
	}

	return FileHeader{
		TopRefA:       Ref(getUint64(b[0:8])),
		TopRefB:       Ref(getUint64(b[8:16])),
		FormatVersion: uint16(b[20]) | uint16(b[21])<<8,
		SelectB:       b[23]&fileFlagSelectB != 0,
	}, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Package commitlog implements spec.md §4.8: a crash-safe, append-mostly
// log of per-commit changesets, stored as a dual-preamble header file plus
// two rotating log files.
package commitlog

import "encoding/binary"

// preambleSize is the on-disk byte size of a single Preamble record: five
// uint64 fields plus a bool padded to 8 bytes fill the first 48 bytes; the
// last 8 bytes are zero.
const preambleSize = 56

// Preamble mirrors spec.md §4.8's per-commit-range bookkeeping record.
// Two of these live in the header file (A and B); exactly one is live at
// any time, selected by the header's selector byte.
type Preamble struct {
	ActiveFileIsLogA        bool
	BeginOldestCommitRange  uint64
	BeginNewestCommitRange  uint64
	EndCommitRange          uint64
	WriteOffset             uint64
	LastVersionSeenLocally  uint64
}

func encodePreamble(p Preamble) [preambleSize]byte {
	var b [preambleSize]byte
	if p.ActiveFileIsLogA {
		b[0] = 1
	}
	binary.LittleEndian.PutUint64(b[8:16], p.BeginOldestCommitRange)
	binary.LittleEndian.PutUint64(b[16:24], p.BeginNewestCommitRange)
	binary.LittleEndian.PutUint64(b[24:32], p.EndCommitRange)
	binary.LittleEndian.PutUint64(b[32:40], p.WriteOffset)
	binary.LittleEndian.PutUint64(b[40:48], p.LastVersionSeenLocally)
	return b
}

func decodePreamble(b []byte) Preamble {
	return Preamble{
		ActiveFileIsLogA:       b[0] != 0,
		BeginOldestCommitRange: binary.LittleEndian.Uint64(b[8:16]),
		BeginNewestCommitRange: binary.LittleEndian.Uint64(b[16:24]),
		EndCommitRange:         binary.LittleEndian.Uint64(b[24:32]),
		WriteOffset:            binary.LittleEndian.Uint64(b[32:40]),
		LastVersionSeenLocally: binary.LittleEndian.Uint64(b[40:48]),
	}
}

// hasVersion reports whether a commit log entry for version v (the log of
// the transition from v-1 to v) exists, per spec.md §4.8's existence
// invariant.
func (p Preamble) hasVersion(v uint64) bool {
	return p.BeginOldestCommitRange <= v-1 && v-1 < p.EndCommitRange
}

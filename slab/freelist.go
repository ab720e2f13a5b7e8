package slab

import "sort"

// FreeEntry is one reclaimed byte span: [Start, Start+Size), freed at Version.
// A Version of 0 means "free for immediate reuse" (spec.md §4.1).
type FreeEntry struct {
	Start   Ref
	Size    uint32
	Version uint64
}

// FreeList tracks reclaimed spans across committed snapshots so that pages
// referenced by any live reader are never reused, per spec.md §4.1. It
// mirrors the three-parallel-array representation the group root persists
// (positions, sizes, versions) but is kept in memory as a single slice
// sorted by start offset, which keeps coalescing straightforward; Take and
// Remove scan it linearly.
type FreeList struct {
	entries []FreeEntry
}

// NewFreeList builds a FreeList from the group root's three parallel arrays.
func NewFreeList(positions, sizes, versions []uint64) *FreeList {
	fl := &FreeList{entries: make([]FreeEntry, len(positions))}
	for i := range positions {
		fl.entries[i] = FreeEntry{Start: Ref(positions[i]), Size: uint32(sizes[i]), Version: versions[i]}
	}
	fl.sort()
	return fl
}

func (fl *FreeList) sort() {
	sort.Slice(fl.entries, func(i, j int) bool { return fl.entries[i].Start < fl.entries[j].Start })
}

// Snapshot returns the three parallel arrays for persistence into the group
// root's free-list columns.
func (fl *FreeList) Snapshot() (positions, sizes, versions []uint64) {
	positions = make([]uint64, len(fl.entries))
	sizes = make([]uint64, len(fl.entries))
	versions = make([]uint64, len(fl.entries))
	for i, e := range fl.entries {
		positions[i] = uint64(e.Start)
		sizes[i] = uint64(e.Size)
		versions[i] = e.Version
	}
	return
}

// Put records a newly-freed span.
func (fl *FreeList) Put(start Ref, size uint32, version uint64) {
	fl.entries = append(fl.entries, FreeEntry{Start: start, Size: size, Version: version})
	fl.sort()
}

// Take finds and removes the first free-list entry of at least size bytes
// whose version is eligible for reuse (<= oldestLiveVersion, i.e. no pinned
// reader snapshot still needs it). If the entry is larger than needed, the
// remainder is kept as a smaller free entry at the tail of the match.
func (fl *FreeList) Take(size uint32, oldestLiveVersion uint64) (Ref, bool) {
	for i, e := range fl.entries {
		if e.Size >= size && e.Version <= oldestLiveVersion {
			if e.Size == size {
				fl.entries = append(fl.entries[:i], fl.entries[i+1:]...)
			} else {
				fl.entries[i] = FreeEntry{Start: e.Start + Ref(size), Size: e.Size - size, Version: e.Version}
			}
			return e.Start, true
		}
	}
	return NullRef, false
}

// Coalesce merges adjacent free-list entries (end == next.start) whose
// versions are both <= oldestLiveVersion, per spec.md §4.1's commit-time
// coalescing rule.
func (fl *FreeList) Coalesce(oldestLiveVersion uint64) {
	if len(fl.entries) < 2 {
		return
	}
	fl.sort()

	merged := fl.entries[:1]
	for _, e := range fl.entries[1:] {
		last := &merged[len(merged)-1]
		end := last.Start + Ref(last.Size)
		if end == e.Start && last.Version <= oldestLiveVersion && e.Version <= oldestLiveVersion {
			last.Size += e.Size
			continue
		}
		merged = append(merged, e)
	}
	fl.entries = merged
}

// Remove deletes the entry starting at start, if present. Used to undo a Put
// when a writer that produced it rolls back rather than commits. Reports
// whether an entry was found and removed.
func (fl *FreeList) Remove(start Ref) bool {
	for i, e := range fl.entries {
		if e.Start == start {
			fl.entries = append(fl.entries[:i], fl.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of free-list entries.
func (fl *FreeList) Len() int { return len(fl.entries) }

// TotalFreeBytes sums the size of every free-list entry.
func (fl *FreeList) TotalFreeBytes() uint64 {
	var total uint64
	for _, e := range fl.entries {
		total += uint64(e.Size)
	}
	return total
}

// Entries returns a copy of the free-list entries, e.g. for the trawler's
// "every byte is reachable XOR on exactly one free-list entry" check.
func (fl *FreeList) Entries() []FreeEntry {
	out := make([]FreeEntry, len(fl.entries))
	copy(out, fl.entries)
	return out
}

package slab

// CowContext carries what every mutating operation on a node needs to
// decide whether to mutate in place or copy-on-write, per spec.md §4.1:
// "every mutating operation on a node first checks whether the node is in
// a read-only region... if so, the node is cloned into a fresh allocation."
//
// A node is read-only iff its ref was allocated before the current write
// transaction began (WriteHorizon); any ref allocated at or after the
// horizon was created by — and is only visible to — the in-flight writer,
// so it may be mutated in place or freed immediately without waiting on any
// reader.
//
// This is the "arena + explicit context" redesign from spec.md §9 in place
// of a threaded m_parent back-pointer: callers pass CowContext down through
// every mutation call instead of nodes holding a pointer back to their
// allocator/parent.
type CowContext struct {
	Alloc             *Allocator
	WriteHorizon      Ref
	Version           uint64
	OldestLiveVersion uint64

	// retired records every ref this context has pushed onto the
	// allocator's shared free list (via Retire), regardless of which
	// version they were tagged with. A rolled-back writer's mutations
	// never reach a published root, so every one of these entries must be
	// pulled back off the free list on Rollback — otherwise a later,
	// unrelated commit can make them eligible (or a renewed bump
	// allocation from the reset nextOffset can collide with them) and
	// Alloc can hand out bytes that are still part of the live, reachable
	// tree. See DiscardRetired.
	retired []Ref
}

// Owned reports whether ref was allocated during the transaction this
// context belongs to (and so may be mutated in place).
func (c *CowContext) Owned(ref Ref) bool { return ref != NullRef && ref >= c.WriteHorizon }

// Allocate allocates size bytes under this context's free-list eligibility.
func (c *CowContext) Allocate(size uint32) (Ref, error) {
	return c.Alloc.Alloc(size, c.OldestLiveVersion)
}

// Retire frees ref: immediately reusable if it was never visible to any
// reader (allocated this transaction), otherwise tagged with the version it
// was superseded at so the free list withholds it until no live snapshot
// needs it. Either way the resulting free-list entry is tracked so a later
// Rollback of this same writer can undo it.
func (c *CowContext) Retire(ref Ref, size uint32) {
	if ref.IsNull() {
		return
	}
	if c.Owned(ref) {
		c.Alloc.Free(ref, size, 0)
	} else {
		c.Alloc.Free(ref, size, c.Version)
	}
	c.retired = append(c.retired, ref)
}

// DiscardRetired removes every free-list entry this context added via
// Retire and clears the tracked list. Called by Writer.Rollback (alongside
// resetting the allocator's next-offset) so an aborted writer's copy-on-write
// clones of pre-existing, still-reachable nodes are never exposed to reuse.
func (c *CowContext) DiscardRetired() {
	if len(c.retired) == 0 {
		return
	}
	c.Alloc.reclaim(c.retired)
	c.retired = nil
}

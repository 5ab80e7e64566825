package gc

// Write barriers. The mutator calls one of these on every store of a white
// object into a black one; which one depends on the mutation. Single-field
// stores shade the new referent (forward); bulk mutations re-queue the
// parent for a re-scan (backward). The common no-op path is the caller's
// color test; only qualifying stores reach these functions.

// BarrierForward restores the tri-color invariant after storing child into a
// field of the black parent.
func (s *State) BarrierForward(parent, child Object) {
	if !isBlack(parent) || !isWhite(child) {
		return
	}
	if s.keepInvariant() {
		s.reallyMarkObject(child)
		if isOld(parent) {
			// The child is about to be reachable from the old generation;
			// give its own children one cycle of visibility before it turns
			// truly old.
			setAge(child, ageOld0)
		}
		return
	}
	// Sweep phase: the invariant is already broken everywhere behind the
	// cursor. In incremental mode, whitening the parent saves further
	// barriers on an object the sweeper will retag anyway. The generational
	// sweep does not distinguish white shades, so there whitening would kill
	// a live object; do nothing instead.
	if s.mode == ModeIncremental {
		setColor(parent, s.currentWhite)
	}
}

// BarrierBack re-queues a mutated black parent for re-scanning; cheaper than
// a forward barrier per field when many fields changed at once.
func (s *State) BarrierBack(parent Object) {
	if !isBlack(parent) {
		return
	}
	if getAge(parent) == ageTouched2 {
		// Still linked on grayAgain from the previous cycle; recoloring is
		// enough to make the pending re-scan count.
		setColor(parent, colorGray)
	} else if s.mode != ModeIncremental && getAge(parent) == ageTouched1 {
		// Already queued this cycle.
		return
	} else {
		linkGCList(parent, &s.grayAgain)
	}
	if isOld(parent) {
		setAge(parent, ageTouched1)
	}
}

package gc

// Weak-table resolution: ephemeron convergence and the clearing passes run
// from the atomic phase.

// valueIsCleared reports whether a weak entry's referent should be removed.
// Strings behave as values, never as collectable entries: they are
// content-addressed, so the check marks them instead.
func (s *State) valueIsCleared(v Value) bool {
	if !v.IsCollectable() {
		return false
	}
	if ts, ok := v.obj.(*TString); ok {
		s.markObject(ts)
		return false
	}
	return isWhite(v.obj)
}

// clearDeadKey tombstones the key of an empty slot whose key object may be
// collected: the slot stays, keeping the chain and iteration intact.
func clearDeadKey(n *node) {
	if n.key.IsCollectable() {
		n.key.kind = kindDead
	}
}

// convergeEphemerons iterates the ephemeron list until no pass marks a new
// object. Each pass flips traversal direction, which shortens convergence on
// key chains inside a single table. Termination: every productive pass marks
// at least one previously-white object.
func (s *State) convergeEphemerons() {
	reverse := false
	for {
		s.ephemeronRounds++
		next := s.ephemeron
		s.ephemeron = nil
		changed := false
		for next != nil {
			t := next.(*Table)
			next = t.gclist
			setColor(t, colorBlack) // off the list for now
			if s.traverseEphemeron(t, reverse) > 0 {
				s.propagateAll()
				changed = true
			}
		}
		reverse = !reverse
		if !changed {
			return
		}
	}
}

// clearByValues walks weak-value tables from list down to (but excluding)
// until, emptying array slots and hash values whose referent is unmarked.
func (s *State) clearByValues(list, until Object) {
	for o := list; o != until; {
		t := o.(*Table)
		o = t.gclist
		for i := range t.array {
			if s.valueIsCleared(t.array[i]) {
				t.array[i] = Nil
			}
		}
		for i := range t.nodes {
			n := &t.nodes[i]
			if !n.val.isEmpty() && s.valueIsCleared(n.val) {
				n.val = Nil
			}
			if n.val.isEmpty() {
				clearDeadKey(n)
			}
		}
	}
}

// clearByKeys walks ephemeron tables removing entries whose key is unmarked:
// the value is emptied and the key tombstoned.
func (s *State) clearByKeys(list Object) {
	for o := list; o != nil; {
		t := o.(*Table)
		o = t.gclist
		for i := range t.nodes {
			n := &t.nodes[i]
			if !n.val.isEmpty() && s.valueIsCleared(n.key) {
				n.val = Nil
			}
			if n.val.isEmpty() {
				clearDeadKey(n)
			}
		}
	}
}

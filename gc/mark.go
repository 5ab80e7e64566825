package gc

// Marking. markObject is idempotent: white objects get their size added to
// the cycle's marked-byte counter and either turn black on the spot (no
// outbound references) or join the gray list for later traversal.
// propagateOne pops one gray object, blackens it, and visits its references.

func (s *State) markValue(v Value) {
	if v.IsCollectable() {
		s.markObject(v.obj)
	}
}

func (s *State) markObject(o Object) {
	if o == nil || !isWhite(o) {
		return
	}
	s.reallyMarkObject(o)
}

func (s *State) markObjectN(o Object) {
	// Optional references arrive as typed pointers; a nil pointer inside the
	// interface is absent too.
	switch t := o.(type) {
	case nil:
		return
	case *Table:
		if t == nil {
			return
		}
	case *TString:
		if t == nil {
			return
		}
	case *Proto:
		if t == nil {
			return
		}
	}
	s.markObject(o)
}

// reallyMarkObject marks regardless of current color. Minor collections use
// it to push black Old1 objects back through traversal so their nursery
// children get seen.
func (s *State) reallyMarkObject(o Object) {
	if isWhite(o) {
		s.markedBytes += s.objectSize(o)
	}
	switch t := o.(type) {
	case *TString:
		setColor(o, colorBlack)
	case *Upvalue:
		if t.isOpen() {
			setColor(o, colorGray) // aliases a mutable stack slot
		} else {
			setColor(o, colorBlack)
			s.markValue(t.val)
		}
	case *Userdata:
		if len(t.userValues) == 0 {
			s.markObjectN(t.metatable)
			setColor(o, colorBlack)
		} else {
			linkGCList(o, &s.gray)
		}
	case *Table, *Closure, *HostClosure, *Proto, *Thread:
		linkGCList(o, &s.gray)
	default:
		panic("gc: cannot mark object of type " + o.gcHeader().tag.String())
	}
}

func (s *State) objectSize(o Object) int64 {
	switch t := o.(type) {
	case *TString:
		return t.size()
	case *Table:
		return t.size()
	case *HostClosure:
		return t.size()
	case *Closure:
		return t.size()
	case *Proto:
		return t.size()
	case *Upvalue:
		return t.size()
	case *Userdata:
		return t.size()
	case *Thread:
		return t.size()
	}
	panic("gc: unsized object")
}

// clearGrayLists empties every gray list; restartCollection and the switch
// into generational mode start from a clean slate.
func (s *State) clearGrayLists() {
	s.gray, s.grayAgain = nil, nil
	s.weak, s.ephemeron, s.allWeak = nil, nil, nil
}

// restartCollection begins a new cycle: reset the mark counter and mark the
// roots (main thread, registry, primitive metatables, and anything waiting
// on the finalization queue).
func (s *State) restartCollection() {
	s.clearGrayLists()
	s.markedBytes = 0
	s.markObject(s.mainThread)
	s.markObject(s.registry)
	s.markMetatables()
	s.markBeingFinalized()
}

func (s *State) markMetatables() {
	for _, mt := range s.metatables {
		s.markObjectN(mt)
	}
}

// markBeingFinalized marks objects on the to-be-finalized queue: they are
// transiently reachable, since their finalizers will receive them.
func (s *State) markBeingFinalized() int64 {
	var work int64
	for o := s.toBeFnz; o != nil; o = o.gcHeader().next {
		s.markObject(o)
		work++
	}
	return work
}

// propagateOne pops one object off the gray list, blackens it, and traverses
// it. Returns a work estimate proportional to the references visited.
func (s *State) propagateOne() int64 {
	o := s.gray
	s.gray = *getGCList(o)
	setColor(o, colorBlack)
	switch t := o.(type) {
	case *Table:
		return s.traverseTable(t)
	case *Userdata:
		return s.traverseUserdata(t)
	case *Closure:
		return s.traverseClosure(t)
	case *HostClosure:
		return s.traverseHostClosure(t)
	case *Proto:
		return s.traverseProto(t)
	case *Thread:
		return s.traverseThread(t)
	}
	panic("gc: cannot traverse object of type " + o.gcHeader().tag.String())
}

func (s *State) propagateAll() int64 {
	var work int64
	for s.gray != nil {
		work += s.propagateOne()
	}
	return work
}

// genLink keeps the generational invariant after traversing a black object:
// Touched1 objects must stay on grayAgain for the next cycle; Touched2
// objects age back toward Old.
func (s *State) genLink(o Object) {
	switch getAge(o) {
	case ageTouched1:
		linkGCList(o, &s.grayAgain) // recolors gray
	case ageTouched2:
		setAge(o, ageOld) // fully re-scanned, no barrier since
	}
}

func (s *State) traverseTable(t *Table) int64 {
	weakKeys, weakVals := t.weakMode(s)
	s.markObjectN(t.metatable)
	switch {
	case weakKeys && weakVals:
		// Nothing to traverse now; both halves may be cleared in atomic.
		linkGCList(t, &s.allWeak)
	case weakKeys:
		return s.traverseEphemeron(t, false)
	case weakVals:
		return s.traverseWeakValue(t)
	default:
		s.traverseStrongTable(t)
	}
	return 1 + int64(len(t.array)) + 2*int64(len(t.nodes))
}

func (s *State) traverseStrongTable(t *Table) {
	for _, v := range t.array {
		s.markValue(v)
	}
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.val.isEmpty() {
			clearDeadKey(n)
			continue
		}
		s.markValue(n.key)
		s.markValue(n.val)
	}
	s.genLink(t)
}

// traverseWeakValue marks the keys of a weak-value table. Tables that may
// need value clearing go on the weak list once the final decision can be
// made (atomic); during propagation they queue on grayAgain instead.
func (s *State) traverseWeakValue(t *Table) int64 {
	hasClears := len(t.array) > 0
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.val.isEmpty() {
			clearDeadKey(n)
			continue
		}
		s.markValue(n.key)
		if !hasClears && s.valueIsCleared(n.val) {
			hasClears = true
		}
	}
	if s.phase == PhaseAtomic && hasClears {
		linkGCList(t, &s.weak)
	} else {
		linkGCList(t, &s.grayAgain)
	}
	return 1 + 2*int64(len(t.nodes))
}

// traverseEphemeron propagates through a weak-key table: a value is marked
// only once its key is. Returns nonzero when it marked something, which the
// convergence loop uses as its progress signal. The traversal direction
// alternates between convergence rounds; chains laid out backwards in the
// node array converge much faster on the reversed pass.
func (s *State) traverseEphemeron(t *Table, reverse bool) int64 {
	var marked int64
	hasClears := false   // table has an unmarked key?
	hasWhiteWhite := false // entry with unmarked key and unmarked value?
	for _, v := range t.array {
		if v.IsCollectable() && isWhite(v.obj) {
			marked++
			s.reallyMarkObject(v.obj) // array entries have implicit strong keys
		}
	}
	visit := func(n *node) {
		if n.val.isEmpty() {
			clearDeadKey(n)
			return
		}
		keyWhite := n.key.IsCollectable() && isWhite(n.key.obj)
		valWhite := s.valueIsCleared(n.val)
		switch {
		case keyWhite && valWhite:
			hasClears = true
			hasWhiteWhite = true
		case keyWhite:
			hasClears = true
		case valWhite:
			// Key is reachable: the value is too.
			marked++
			s.markValue(n.val)
		}
	}
	if reverse {
		for i := len(t.nodes) - 1; i >= 0; i-- {
			visit(&t.nodes[i])
		}
	} else {
		for i := range t.nodes {
			visit(&t.nodes[i])
		}
	}
	switch {
	case s.phase == PhasePropagate:
		linkGCList(t, &s.grayAgain) // final decision happens in atomic
	case hasWhiteWhite:
		linkGCList(t, &s.ephemeron) // must iterate again
	case hasClears:
		linkGCList(t, &s.allWeak) // only key clearing remains
	default:
		s.genLink(t)
	}
	return marked
}

func (s *State) traverseUserdata(u *Userdata) int64 {
	s.markObjectN(u.metatable)
	for _, v := range u.userValues {
		s.markValue(v)
	}
	s.genLink(u)
	return 1 + int64(len(u.userValues))
}

func (s *State) traverseProto(p *Proto) int64 {
	s.markObjectN(p.Source)
	for _, k := range p.Consts {
		s.markValue(k)
	}
	for i := range p.Upvals {
		s.markObjectN(p.Upvals[i].Name)
	}
	for _, sub := range p.Protos {
		s.markObjectN(sub)
	}
	for i := range p.LocVars {
		s.markObjectN(p.LocVars[i].Name)
	}
	return 1 + int64(len(p.Consts)) + int64(len(p.Upvals)) +
		int64(len(p.Protos)) + int64(len(p.LocVars))
}

func (s *State) traverseHostClosure(c *HostClosure) int64 {
	for _, v := range c.upvals {
		s.markValue(v)
	}
	s.genLink(c)
	return 1 + int64(len(c.upvals))
}

func (s *State) traverseClosure(c *Closure) int64 {
	s.markObjectN(c.Proto)
	for _, uv := range c.upvals {
		if uv != nil {
			s.markObject(uv)
		}
	}
	s.genLink(c)
	return 1 + int64(len(c.upvals))
}

// traverseThread scans the live stack. Threads seen before atomic are
// re-queued on grayAgain: the mutator may run them again before the cycle
// ends, and the atomic re-scan catches those stores without per-slot
// barriers.
func (s *State) traverseThread(th *Thread) int64 {
	if isOld(th) || s.phase == PhasePropagate {
		linkGCList(th, &s.grayAgain)
	}
	for i := 0; i < th.top; i++ {
		s.markValue(th.stack[i])
	}
	for uv := th.openUpv; uv != nil; uv = uv.next {
		s.markObject(uv) // open upvalues cannot be collected
	}
	if s.phase == PhaseAtomic {
		th.clearUnusedSlots()
		if !th.inTwups() && th.openUpv != nil {
			// remarkUpvalues may have dropped it from the list.
			th.twups = s.twups
			s.twups = th
		}
		if !s.emergency {
			th.shrinkStack(s)
		}
	}
	return 1 + int64(th.top)
}

// remarkUpvalues revisits threads with open upvalues. A thread that died
// since its last scan still shares its open upvalue cells with live
// closures, so the cells' current stack values must be marked.
func (s *State) remarkUpvalues() int64 {
	var work int64
	p := &s.twups
	for *p != nil {
		th := *p
		if !isWhite(th) && th.openUpv != nil {
			p = &th.twups
			continue
		}
		// Unmarked thread, or no open upvalues left: drop from the list.
		*p = th.twups
		th.twups = th
		for uv := th.openUpv; uv != nil; uv = uv.next {
			work++
			if !isWhite(uv) {
				s.markValue(th.stack[uv.slot])
			}
		}
	}
	return work
}

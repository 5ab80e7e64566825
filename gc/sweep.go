package gc

// Sweeping walks object lists in bounded chunks, freeing objects that still
// wear the previous cycle's white and re-tagging survivors with the current
// one. Four sub-phases cover allGC, finObj, toBeFnz, and the epilogue.

// sweepQuantum bounds how many objects one incremental call may visit.
const sweepQuantum = 20

// freeObject releases an object: type-owned buffers are surrendered to the
// accounting, interned strings leave the intern table, and the header is
// unhooked from whatever list the caller already unlinked it from.
func (s *State) freeObject(o Object) {
	size := s.objectSize(o)
	switch t := o.(type) {
	case *TString:
		if t.tag == TagShortString {
			s.strt.remove(t)
		}
	case *Thread:
		// Cells shared with surviving closures must not alias a dead stack.
		for uv := t.openUpv; uv != nil; {
			next := uv.next
			uv.val = t.stack[uv.slot]
			uv.thread = nil
			uv.next = nil
			uv = next
		}
		t.openUpv = nil
		if t.inTwups() {
			// Unlink from the threads-with-upvalues list.
			p := &s.twups
			for *p != t {
				p = &(*p).twups
			}
			*p = t.twups
			t.twups = t
		}
	case *Upvalue:
		// Open upvalues die only with their thread; nothing extra to do.
	}
	h := o.gcHeader()
	h.next = nil
	s.totalBytes -= size
	s.debt -= size
	reclaimedBytes.Inc(float64(size))
}

// sweepList visits up to count objects starting at the cursor p, freeing
// dead ones and re-tagging survivors to the current white and age New. It returns the
// cursor position for the next call, or nil when the list is exhausted.
func (s *State) sweepList(p *Object, count int) *Object {
	ow := otherWhite(s.currentWhite)
	for i := 0; *p != nil && i < count; i++ {
		o := *p
		h := o.gcHeader()
		if isDeadColor(h.marked&colorMask, ow) && !isFixed(o) {
			*p = h.next
			s.freeObject(o)
		} else {
			h.marked = (h.marked &^ gcBitsMask) | s.currentWhite // age New
			p = &h.next
		}
	}
	if *p == nil {
		return nil
	}
	return p
}

// sweepToLive advances the cursor past dead objects until one survivor has
// been re-tagged; used to seat the cursor when sweeping begins.
func (s *State) sweepToLive(p *Object) *Object {
	old := p
	for p == old {
		p = s.sweepList(p, 1)
		if p == nil {
			return nil
		}
	}
	return p
}

// sweepToOld is the full-list pass used when entering generational mode:
// dead objects are freed and every survivor becomes Old. Threads must keep
// being watched (grayAgain); open upvalues stay gray; everything else turns
// black.
func (s *State) sweepToOld(p *Object) {
	for *p != nil {
		o := *p
		h := o.gcHeader()
		if isWhite(o) && !isFixed(o) {
			*p = h.next
			s.freeObject(o)
			continue
		}
		setAge(o, ageOld)
		if th, ok := o.(*Thread); ok {
			linkGCList(th, &s.grayAgain)
		} else if uv, ok := o.(*Upvalue); ok && uv.isOpen() {
			setColor(o, colorGray)
		} else {
			setColor(o, colorBlack)
		}
		p = &h.next
	}
}

// ageAfterMinor is the age-transition table a minor sweep applies to
// survivors.
var ageAfterMinor = [...]byte{
	ageNew:      ageSurvival,
	ageSurvival: ageOld1,
	ageOld0:     ageOld1,
	ageOld1:     ageOld,
	ageOld:      ageOld,
	ageTouched1: ageTouched1,
	ageTouched2: ageTouched2,
}

// sweepGen sweeps [p, limit) for a minor collection: dead nursery objects
// are freed, survivors advance one age band. New objects return to white;
// older survivors keep their color. It reports the bytes that reached Old1
// (graduating out of the nursery for good) and remembers the first such
// object.
func (s *State) sweepGen(p *Object, limit Object, firstOld1 *Object) (addedOld int64, out *Object) {
	white := s.currentWhite
	for *p != limit {
		o := *p
		h := o.gcHeader()
		if isWhite(o) && !isFixed(o) {
			*p = h.next
			s.freeObject(o)
			continue
		}
		if getAge(o) == ageNew {
			h.marked = (h.marked &^ gcBitsMask) | white | ageSurvival<<ageShift
		} else {
			setAge(o, ageAfterMinor[getAge(o)])
			if getAge(o) == ageOld1 {
				addedOld += s.objectSize(o)
				if firstOld1 != nil && *firstOld1 == nil {
					*firstOld1 = o
				}
			}
		}
		p = &h.next
	}
	return addedOld, p
}

// whitenList makes every object on a list white with age New; used when
// leaving generational mode.
func (s *State) whitenList(list Object) {
	for o := list; o != nil; o = o.gcHeader().next {
		h := o.gcHeader()
		h.marked = (h.marked &^ gcBitsMask) | s.currentWhite
	}
}

// freeList frees every object on a list unconditionally (shutdown).
func (s *State) freeList(list Object) {
	for o := list; o != nil; {
		next := o.gcHeader().next
		s.freeObject(o)
		o = next
	}
}

func (s *State) freeAllObjects() {
	s.clearGrayLists()
	s.freeList(s.toBeFnz)
	s.toBeFnz = nil
	s.freeList(s.finObj)
	s.finObj = nil
	s.freeList(s.allGC)
	s.allGC = nil
	s.survival, s.old1, s.reallyOld, s.firstOld1 = nil, nil, nil, nil
	s.finObjSur, s.finObjOld1, s.finObjROld = nil, nil, nil
	s.sweepAt = nil
	s.twups = nil
}

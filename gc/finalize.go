package gc

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/selene-lang/selene/errdefs"
	"github.com/selene-lang/selene/internal/multierror"
)

// Finalization. Objects whose metatable carries __gc live on the finObj list
// while reachable. Once dead they move to the toBeFnz queue, get re-marked
// (the finalizer will touch them), and are invoked one per collector step.

// CheckFinalizer is called when a metatable is installed: if it has a __gc
// field and the object still lives on the plain list, the object moves to
// the finalizable list.
func (s *State) CheckFinalizer(o Object, mt *Table) {
	h := o.gcHeader()
	if toFinalize(o) || h.marked&flagNoFin != 0 || s.closing {
		return
	}
	if mt == nil || mt.Get(StringValue(s.strGC)).IsNil() {
		setFlag(o, flagNoFin) // cleared if the metatable changes
		return
	}
	if s.inSweepPhase() {
		// The object may sit behind the sweep cursor with a stale white;
		// refresh it and keep the cursor valid.
		setColor(o, s.currentWhite)
		if s.sweepAt != nil && *s.sweepAt == o {
			s.sweepAt = s.sweepToLive(s.sweepAt)
		}
	} else {
		s.correctAnchors(o)
	}
	// Unlink from allGC, link into finObj.
	p := &s.allGC
	for *p != o {
		p = &(*p).gcHeader().next
	}
	*p = h.next
	h.next = s.finObj
	s.finObj = o
	setFlag(o, flagFinalized)
	finalizableGauge.Inc()
}

// correctAnchors moves any generational anchor pointing at o one object
// forward before o leaves the allGC list.
func (s *State) correctAnchors(o Object) {
	next := o.gcHeader().next
	if s.survival == o {
		s.survival = next
	}
	if s.old1 == o {
		s.old1 = next
	}
	if s.reallyOld == o {
		s.reallyOld = next
	}
	if s.firstOld1 == o {
		s.firstOld1 = next
	}
}

// separateToFinalize scans the young portion of finObj and moves every dead
// entry (or every entry, at shutdown) to the tail of the toBeFnz queue.
// It runs after the first mark pass and before the resurrection re-mark.
func separateToFinalize(s *State, all bool) {
	lastNext := &s.toBeFnz
	for *lastNext != nil {
		lastNext = &(*lastNext).gcHeader().next
	}
	p := &s.finObj
	for *p != nil && *p != s.finObjOld1 {
		o := *p
		h := o.gcHeader()
		if !(isWhite(o) || all) || isFixed(o) {
			p = &h.next
			continue
		}
		if s.finObjSur == o {
			s.finObjSur = h.next
		}
		*p = h.next
		h.next = nil
		*lastNext = o
		lastNext = &h.next
	}
}

// takeToFinalize pops the queue head back onto allGC: the object is
// transiently reachable again and, unless the finalizer resurrects it, the
// next cycle will reclaim it.
func (s *State) takeToFinalize() Object {
	o := s.toBeFnz
	h := o.gcHeader()
	s.toBeFnz = h.next
	h.next = s.allGC
	s.allGC = o
	clearFlag(o, flagFinalized)
	finalizableGauge.Dec()
	if s.inSweepPhase() {
		setColor(o, s.currentWhite)
	} else if getAge(o) == ageOld1 {
		s.firstOld1 = o
	}
	return o
}

// invokeOne runs the next pending finalizer in a protected context:
// collection and debug hooks are disabled for the duration, and errors are
// demoted to warnings through the host channel.
func (s *State) invokeOne() {
	o := s.takeToFinalize()
	mm := s.metamethodGC(o)
	if mm.IsNil() {
		return
	}
	prevStopped, prevHooks := s.stopped, s.allowHooks
	s.stopped = true // re-entering the collector from __gc would be fatal
	s.allowHooks = false
	s.inFinalizer = true
	err := s.protectedInvoke(mm, ObjValue(o))
	s.stopped, s.allowHooks = prevStopped, prevHooks
	s.inFinalizer = false
	finalizerRuns.Inc()
	if err != nil {
		finalizerErrors.Inc()
		s.warn(fmt.Sprintf("error in __gc metamethod (%v)", err))
	}
}

func (s *State) metamethodGC(o Object) Value {
	var mt *Table
	switch t := o.(type) {
	case *Table:
		mt = t.metatable
	case *Userdata:
		mt = t.metatable
	}
	if mt == nil {
		return Nil
	}
	return mt.Get(StringValue(s.strGC))
}

func (s *State) protectedInvoke(fn Value, arg Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = errdefs.FinalizerFailure(e)
				return
			}
			err = errdefs.FinalizerFailure(errors.Errorf("%v", r))
		}
	}()
	if callErr := s.invoke(s, fn, []Value{arg}); callErr != nil {
		err = errdefs.FinalizerFailure(callErr)
	}
	return err
}

// runPendingFinalizers drains the queue between generational cycles.
func (s *State) runPendingFinalizers() {
	for s.toBeFnz != nil {
		s.invokeOne()
	}
}

// runAllFinalizers drains the queue at shutdown, collecting errors instead
// of warning.
func (s *State) runAllFinalizers() error {
	var errs []error
	for s.toBeFnz != nil {
		o := s.takeToFinalize()
		mm := s.metamethodGC(o)
		if mm.IsNil() {
			continue
		}
		prevStopped := s.stopped
		s.stopped = true
		if err := s.protectedInvoke(mm, ObjValue(o)); err != nil {
			errs = append(errs, err)
		}
		s.stopped = prevStopped
	}
	return multierror.Join(errs...)
}

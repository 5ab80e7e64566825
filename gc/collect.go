package gc

import (
	"math"
	"unsafe"

	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/selene-lang/selene/errdefs"
)

// The orchestrator: the phase state machine, step sizing, and the switches
// between the incremental and generational strategies.

const ptrSize = int64(unsafe.Sizeof(uintptr(0)))

// Step runs collector work until the allocation debt is paid off (or a
// cycle boundary is reached). Called by the mutator at allocation points.
func (s *State) Step() {
	if s.stopped || s.closing {
		return
	}
	start := s.clockSrc.Now()
	if s.mode == ModeIncremental {
		s.incStep(false)
	} else {
		s.genStep()
	}
	pauseTimer.Update(s.clockSrc.Since(start))
	heapGauge.Set(float64(s.totalBytes))
}

// FullCollection runs a complete cycle end to end. In emergency mode
// (allocation failure) finalizers are skipped and the string table and
// stacks are left alone: anything that could allocate is off the table.
func (s *State) FullCollection(emergency bool) {
	if s.closing || s.inFinalizer {
		return
	}
	prev := s.emergency
	s.emergency = emergency
	if emergency {
		s.emit(EventEmergency)
		cyclesTotal.WithValues("emergency").Inc()
	}
	start := s.clockSrc.Now()
	if s.mode == ModeIncremental {
		s.fullInc()
	} else {
		s.fullGen()
	}
	pauseTimer.Update(s.clockSrc.Since(start))
	heapGauge.Set(float64(s.totalBytes))
	s.emergency = prev
}

// singleStep dispatches one phase transition and returns the work done.
// With fast set, propagation defers wholesale to the atomic drain and sweeps
// are unbounded.
func (s *State) singleStep(fast bool) int64 {
	switch s.phase {
	case PhasePause:
		s.startCycle()
		s.phase = PhasePropagate
		return 1
	case PhasePropagate:
		if fast || s.gray == nil {
			s.phase = PhaseEnterAtomic
			return 0
		}
		return s.propagateOne()
	case PhaseEnterAtomic:
		work := s.atomic()
		if s.mode == ModeGenMajor && s.checkMinorMajor() {
			// The major cycle reclaimed enough; drop back to minor mode.
			s.atomicToGen()
			return work
		}
		s.enterSweep()
		return work
	case PhaseSweepAllGC:
		return s.sweepStep(PhaseSweepFinObj, &s.finObj, fast)
	case PhaseSweepFinObj:
		return s.sweepStep(PhaseSweepToBeFnz, &s.toBeFnz, fast)
	case PhaseSweepToBeFnz:
		return s.sweepStep(PhaseSweepEnd, nil, fast)
	case PhaseSweepEnd:
		s.checkStringTableSize()
		s.phase = PhaseCallFin
		return 0
	case PhaseCallFin:
		if s.toBeFnz != nil && !s.emergency {
			s.invokeOne()
			return finalizerCost
		}
		s.endCycle()
		return 0
	}
	panic("gc: step in invalid phase")
}

// finalizerCost is the work charged for one finalizer call.
const finalizerCost = 50

func (s *State) startCycle() {
	s.cycleID = newCycleID()
	s.ephemeronRounds = 0
	s.restartCollection()
	s.emit(EventCycleStart)
}

func (s *State) endCycle() {
	s.phase = PhasePause
	if s.mode == ModeGenMajor {
		// The cycle stayed major; measure future growth against the live
		// set it established.
		s.majorBase = s.estimate
	}
	cyclesTotal.WithValues(s.mode.String()).Inc()
	s.emit(EventCycleEnd)
	log.L.WithFields(log.Fields{
		"cycle": s.cycleID,
		"mode":  s.mode.String(),
		"live":  s.estimate,
		"total": s.totalBytes,
	}).Debug("gc: cycle finished")
}

func (s *State) sweepStep(next Phase, nextList *Object, fast bool) int64 {
	if s.sweepAt != nil {
		count := sweepQuantum
		if fast {
			count = math.MaxInt32
		}
		s.sweepAt = s.sweepList(s.sweepAt, count)
		if s.sweepAt != nil {
			return sweepQuantum
		}
	}
	s.phase = next
	s.sweepAt = nextList
	return 0
}

func (s *State) enterSweep() {
	s.phase = PhaseSweepAllGC
	s.sweepAt = s.sweepToLive(&s.allGC)
}

// atomic is the one indivisible step: finish marking, resolve weak tables,
// separate and resurrect finalizable objects, clear weak entries, and flip
// the current white.
func (s *State) atomic() int64 {
	var work int64
	grayAgain := s.grayAgain
	s.grayAgain = nil
	s.phase = PhaseAtomic
	s.markObject(s.mainThread) // the running thread
	s.markObject(s.registry)
	s.markMetatables()
	work += s.propagateAll()
	work += s.remarkUpvalues()
	work += s.propagateAll()
	s.gray = grayAgain
	work += s.propagateAll()
	s.convergeEphemerons()
	// All strongly reachable objects are marked. Clear weak values before
	// finalizers can resurrect anything.
	s.clearByValues(s.weak, nil)
	s.clearByValues(s.allWeak, nil)
	origWeak, origAll := s.weak, s.allWeak
	separateToFinalize(s, false)
	work += s.markBeingFinalized()
	work += s.propagateAll()
	s.convergeEphemerons()
	// Resurrection done; now drop entries with dead keys, then finish
	// value-clearing on tables the resurrection pass added.
	s.clearByKeys(s.ephemeron)
	s.clearByKeys(s.allWeak)
	s.clearByValues(s.weak, origWeak)
	s.clearByValues(s.allWeak, origAll)
	s.checkStringTableSize()
	s.currentWhite = otherWhite(s.currentWhite)
	s.estimate = s.markedBytes
	s.emit(EventAtomicDone)
	return work
}

// incStep performs one bounded incremental slice, sized from the step
// parameters.
func (s *State) incStep(fast bool) {
	stepBytes := applyParam(s.params[ParamStepSize], stepSizeBase)
	work2do := applyParam(s.params[ParamStepMul], stepBytes/ptrSize)
	for {
		work2do -= s.singleStep(fast)
		if s.mode == ModeGenMinor {
			// A major-generational atomic decided to resume minor mode.
			s.setMinorDebt()
			return
		}
		if s.phase == PhasePause {
			s.setPause()
			return
		}
		if !fast && work2do <= 0 {
			s.setDebt(-stepBytes)
			return
		}
	}
}

// setPause parks the collector until the heap reaches pause% of the live
// estimate of the cycle that just ended.
func (s *State) setPause() {
	threshold := applyParam(s.params[ParamPause], s.estimate)
	debt := s.totalBytes - threshold
	if debt > -minStepBytes {
		debt = -minStepBytes
	}
	s.setDebt(debt)
}

func (s *State) runUntil(target Phase) {
	for s.phase != target {
		s.singleStep(true)
	}
}

func (s *State) fullInc() {
	if s.keepInvariant() {
		// Black objects around: whiten everything by sweeping before the
		// new cycle, so nothing survives on a stale mark.
		s.enterSweep()
	}
	s.runUntil(PhasePause)
	s.runUntil(PhaseCallFin) // a complete mark + sweep
	s.runUntil(PhasePause)   // run pending finalizers
	s.setPause()
}

func (s *State) fullGen() {
	s.enterInc(ModeGenMajor)
	s.enterGen()
}

// SetMode requests a collector mode. Entering generational mode runs the
// current cycle out and then does a full mark that turns survivors old;
// entering incremental mode whitens the heap at once and restarts from the
// pause phase without finishing the current cycle.
func (s *State) SetMode(m Mode) error {
	switch m {
	case ModeIncremental:
		if s.mode != ModeIncremental {
			s.enterInc(ModeIncremental)
			s.setDebt(-minStepBytes)
		}
	case ModeGenMinor:
		if s.mode == ModeIncremental {
			s.enterGen()
		}
	default:
		return errdefs.InvalidParameter(errors.Errorf("cannot request mode %s", m))
	}
	return nil
}

// enterGen finishes the current incremental cycle, marks the world, and
// turns every survivor old.
func (s *State) enterGen() {
	s.runUntil(PhasePause)
	s.runUntil(PhasePropagate) // restart: roots marked
	s.atomic()
	s.atomicToGen()
	s.setMinorDebt()
}

// atomicToGen follows an atomic phase: sweep everything to Old, set up the
// generational anchors, and settle into minor mode.
func (s *State) atomicToGen() {
	s.clearGrayLists()
	s.phase = PhaseSweepAllGC
	s.sweepToOld(&s.allGC)
	s.reallyOld, s.old1, s.survival = s.allGC, s.allGC, s.allGC
	s.firstOld1 = nil
	s.sweepToOld(&s.finObj)
	s.finObjROld, s.finObjOld1, s.finObjSur = s.finObj, s.finObj, s.finObj
	s.sweepToOld(&s.toBeFnz)
	if s.mode != ModeGenMinor {
		s.mode = ModeGenMinor
		s.emit(EventModeChange)
	}
	s.majorBase = s.totalBytes
	s.markedBytes = 0 // now counts bytes growing old
	s.estimate = s.totalBytes
	s.finishGenCycle()
}

// enterInc whitens the whole heap and resets the machine to a paused
// incremental (or major-generational) collector.
func (s *State) enterInc(m Mode) {
	s.whitenList(s.allGC)
	s.survival, s.old1, s.reallyOld, s.firstOld1 = nil, nil, nil, nil
	s.whitenList(s.finObj)
	s.whitenList(s.toBeFnz)
	s.finObjSur, s.finObjOld1, s.finObjROld = nil, nil, nil
	s.clearGrayLists()
	s.sweepAt = nil
	s.phase = PhasePause
	if s.mode != m {
		s.mode = m
		s.emit(EventModeChange)
	}
}

func (s *State) genStep() {
	if s.mode == ModeGenMajor {
		s.incStep(false)
		return
	}
	s.youngCollection()
}

func (s *State) setMinorDebt() {
	debt := applyParam(s.params[ParamMinorMul], s.totalBytes)
	if debt < minStepBytes {
		debt = minStepBytes
	}
	s.setDebt(-debt)
}

// markOld re-greys black Old1 objects in [from, to): they were swept into
// the old generation last cycle and may still point at the nursery, so the
// minor mark must traverse them once more. Afterwards they are truly Old.
func (s *State) markOld(from, to Object) {
	for o := from; o != to; o = o.gcHeader().next {
		if getAge(o) == ageOld1 {
			setAge(o, ageOld)
			if isBlack(o) {
				s.reallyMarkObject(o)
			}
		}
	}
}

// youngCollection is a minor cycle: mark from the roots plus the old
// objects that may reference the nursery, then age-sweep the young bands.
func (s *State) youngCollection() {
	marked := s.markedBytes // atomic scrambles the old-byte count; restore after
	if s.firstOld1 != nil {
		s.markOld(s.firstOld1, s.reallyOld)
		s.firstOld1 = nil
	}
	s.markOld(s.finObj, s.finObjROld)
	s.markOld(s.toBeFnz, nil)
	s.atomic()

	s.phase = PhaseSweepAllGC
	var added int64
	a, pSurvival := s.sweepGen(&s.allGC, s.survival, &s.firstOld1)
	added += a
	a, _ = s.sweepGen(pSurvival, s.old1, &s.firstOld1)
	added += a
	s.reallyOld = s.old1
	s.old1 = *pSurvival
	s.survival = s.allGC

	a, pSur := s.sweepGen(&s.finObj, s.finObjSur, nil)
	added += a
	a, _ = s.sweepGen(pSur, s.finObjOld1, nil)
	added += a
	s.finObjROld = s.finObjOld1
	s.finObjOld1 = *pSur
	s.finObjSur = s.finObj

	a, _ = s.sweepGen(&s.toBeFnz, nil, nil)
	added += a

	s.markedBytes = marked + added
	cyclesTotal.WithValues(s.mode.String()).Inc()
	s.emit(EventCycleEnd)

	if s.markedBytes > applyParam(s.params[ParamMajorMinor], s.majorBase) {
		// Too many bytes have grown old; escalate to a full cycle.
		s.enterInc(ModeGenMajor)
		s.setPause()
		return
	}
	s.finishGenCycle()
	s.setMinorDebt()
}

// checkMinorMajor decides, after a major-generational atomic, whether the
// cycle reclaimed enough to resume minor collections.
func (s *State) checkMinorMajor() bool {
	inc := applyParam(s.params[ParamMajorMinor], s.majorBase)
	return s.markedBytes <= s.majorBase+inc/2
}

// finishGenCycle re-normalizes the gray lists for the next minor cycle and
// runs whatever finalization became due.
func (s *State) finishGenCycle() {
	s.correctGrayLists()
	s.checkStringTableSize()
	s.phase = PhasePropagate // minor cycles skip the restart step
	if !s.emergency {
		s.runPendingFinalizers()
	}
}

// correctGrayLists folds the weak lists back into grayAgain and fixes the
// color and age of everything on it, dropping entries the next minor cycle
// need not see.
func (s *State) correctGrayLists() {
	p := correctGrayList(&s.grayAgain)
	*p = s.weak
	s.weak = nil
	p = correctGrayList(p)
	*p = s.allWeak
	s.allWeak = nil
	p = correctGrayList(p)
	*p = s.ephemeron
	s.ephemeron = nil
	correctGrayList(p)
}

func correctGrayList(p *Object) *Object {
	for *p != nil {
		o := *p
		next := getGCList(o)
		switch {
		case isWhite(o):
			*p = *next // dead; drop from the list
		case getAge(o) == ageTouched1:
			// Touched this cycle: stays listed, black until the next
			// barrier.
			setColor(o, colorBlack)
			setAge(o, ageTouched2)
			p = next
		case o.gcHeader().tag == TagThread:
			p = next // threads stay on the list while alive
		default:
			if getAge(o) == ageTouched2 {
				setAge(o, ageOld)
			}
			setColor(o, colorBlack)
			*p = *next
		}
	}
	return p
}

package gc

import (
	"fmt"
	"testing"

	goevents "github.com/docker/go-events"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// recordSink captures collector events for assertions.
type recordSink struct {
	events []Event
}

func (r *recordSink) Write(ev goevents.Event) error {
	if e, ok := ev.(Event); ok {
		r.events = append(r.events, e)
	}
	return nil
}

func (r *recordSink) Close() error { return nil }

func (r *recordSink) count(kind EventKind, mode Mode) int {
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Mode == mode {
			n++
		}
	}
	return n
}

func TestEnterGenerationalMode(t *testing.T) {
	s := New()
	tbl := s.NewTable()
	setGlobal(t, s, "t", ObjValue(tbl))
	for i := 1; i <= 100; i++ {
		assert.NilError(t, s.TableSet(tbl, Int(int64(i)), Int(int64(i))))
	}

	assert.NilError(t, s.SetMode(ModeGenMinor))
	assert.Equal(t, s.Mode(), ModeGenMinor)
	assert.Check(t, isOld(tbl), "survivors become old when entering generational mode")
	assert.Check(t, is.Equal(getGlobal(s, "t").AsTable(), tbl))
	checkHeap(t, s)
}

func TestModeRoundTripPreservesHeap(t *testing.T) {
	s := New()
	tbl := s.NewTable()
	setGlobal(t, s, "t", ObjValue(tbl))
	for i := 1; i <= 200; i++ {
		assert.NilError(t, s.TableSet(tbl, Int(int64(i)), StringValue(s.NewString(fmt.Sprintf("v-%d", i)))))
	}
	s.FullCollection(false)
	live := s.CountBytes()

	assert.NilError(t, s.SetMode(ModeGenMinor))
	assert.NilError(t, s.SetMode(ModeIncremental))
	assert.Equal(t, s.Mode(), ModeIncremental)
	s.FullCollection(false)

	assert.Equal(t, s.CountBytes(), live)
	for i := 1; i <= 200; i++ {
		got := tbl.Get(Int(int64(i))).AsString()
		if assert.Check(t, got != nil, "entry %d lost in mode switch", i) {
			assert.Check(t, is.Equal(got.String(), fmt.Sprintf("v-%d", i)))
		}
	}
	checkHeap(t, s)
}

func TestFullCollectionStaysGenerational(t *testing.T) {
	s := New()
	tbl := s.NewTable()
	setGlobal(t, s, "t", ObjValue(tbl))
	assert.NilError(t, s.SetMode(ModeGenMinor))

	s.FullCollection(false)
	assert.Equal(t, s.Mode(), ModeGenMinor, "a full GC in generational mode ends in generational mode")
	assert.Check(t, is.Equal(getGlobal(s, "t").AsTable(), tbl))
	checkHeap(t, s)
}

func TestMinorCollectionsReclaimShortLived(t *testing.T) {
	sink := &recordSink{}
	s := New(WithSink(sink))
	assert.NilError(t, s.SetMode(ModeGenMinor))

	for i := 0; i < 10000; i++ {
		scratch := s.NewTable()
		setGlobal(t, s, "scratch", ObjValue(scratch))
		if i%100 == 99 {
			s.Step()
		}
	}
	assert.Check(t, sink.count(EventCycleEnd, ModeGenMinor) > 0, "minor collections must fire")
	// Only the rotating root survives: the heap oscillates around a steady
	// state instead of accumulating ten thousand tables.
	assert.Check(t, s.CountBytes() < 512*1024, "short-lived objects must die young (heap: %d)", s.CountBytes())
	checkHeap(t, s)
}

func TestAgePromotion(t *testing.T) {
	s := New()
	assert.NilError(t, s.SetMode(ModeGenMinor))

	obj := s.NewTable()
	setGlobal(t, s, "obj", ObjValue(obj))
	assert.Equal(t, getAge(obj), ageNew)

	s.Step() // first minor: nursery -> survival
	assert.Equal(t, getAge(obj), ageSurvival)
	s.Step() // second minor: survival -> old1
	assert.Equal(t, getAge(obj), ageOld1)
	s.Step() // third minor: old1 -> old
	assert.Equal(t, getAge(obj), ageOld)
	assert.Check(t, isOld(obj))
	checkHeap(t, s)
}

func TestOldAccumulationTriggersMajor(t *testing.T) {
	sink := &recordSink{}
	s := New(WithSink(sink))
	// Escalate as soon as any meaningful amount of data grows old.
	assert.NilError(t, s.SetParam(ParamMajorMinor, 1))
	assert.NilError(t, s.SetMode(ModeGenMinor))

	keep := s.NewTable()
	setGlobal(t, s, "keep", ObjValue(keep))
	sawMajor := false
	for i := 0; i < 3000; i++ {
		assert.NilError(t, s.TableSet(keep, Int(int64(i+1)), StringValue(s.NewString(fmt.Sprintf("old-%d", i)))))
		if i%50 == 49 {
			s.Step()
			if s.Mode() == ModeGenMajor {
				sawMajor = true
			}
		}
	}
	assert.Check(t, sawMajor, "promoted bytes must escalate to a major cycle")

	// Let the collector settle; the major cycle hands control back to minor.
	for i := 0; i < 50 && s.Mode() != ModeGenMinor; i++ {
		s.Step()
	}
	assert.Equal(t, s.Mode(), ModeGenMinor)
	assert.Check(t, is.Equal(getGlobal(s, "keep").AsTable(), keep))
	checkHeap(t, s)
}

func TestGenerationalBarrierKeepsNurseryChild(t *testing.T) {
	s := New()
	assert.NilError(t, s.SetMode(ModeGenMinor))

	old := s.NewTable()
	setGlobal(t, s, "old", ObjValue(old))
	s.Step()
	s.Step()
	s.Step()
	assert.Check(t, isOld(old))
	assert.Check(t, isBlack(old))

	// Store a brand-new object into the old black table: the backward
	// barrier must record the touch or the minor cycle would free the child.
	child := s.NewTable()
	assert.NilError(t, s.TableSet(old, Int(1), ObjValue(child)))
	assert.Equal(t, getAge(old), ageTouched1)

	s.Step() // minor collection
	assert.Check(t, is.Equal(old.Get(Int(1)).AsTable(), child), "nursery child of a touched old object survives")
	checkHeap(t, s)
}

func TestForwardBarrierAgesChildOld0(t *testing.T) {
	s := New()
	assert.NilError(t, s.SetMode(ModeGenMinor))
	parent := s.NewUserdata(nil, 1)
	setGlobal(t, s, "p", ObjValue(parent))
	s.Step()
	s.Step()
	s.Step()
	assert.Check(t, isOld(parent))
	assert.Check(t, isBlack(parent))

	child := s.NewTable()
	s.SetUserValue(parent, 0, ObjValue(child))
	assert.Equal(t, getAge(child), ageOld0, "forward barrier from an old parent pre-ages the child")

	s.Step()
	assert.Check(t, is.Equal(parent.UserValue(0).AsTable(), child))
	checkHeap(t, s)
}

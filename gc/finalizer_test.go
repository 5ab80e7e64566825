package gc

import (
	"errors"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// newFinalizable builds a userdata whose __gc runs fn, roots it under name.
func newFinalizable(t *testing.T, s *State, name string, fn HostFunc) *Userdata {
	t.Helper()
	u := s.NewUserdata(nil, 0)
	setGlobal(t, s, name, ObjValue(u))
	fin := s.NewHostClosure(fn)
	setGlobal(t, s, "fintmp", ObjValue(fin))
	mt := s.NewTable()
	assert.NilError(t, s.TableSet(mt, StringValue(s.NewString("__gc")), ObjValue(fin)))
	s.SetMetatable(u, mt)
	setGlobal(t, s, "fintmp", Nil)
	return u
}

func TestFinalizerRunsOnceOnCollection(t *testing.T) {
	s := New()
	runs := 0
	var u *Userdata
	u = newFinalizable(t, s, "u", func(_ *State, args []Value) ([]Value, error) {
		runs++
		assert.Check(t, is.Equal(args[0].AsUserdata(), u))
		return nil, nil
	})
	assert.Check(t, toFinalize(u))

	s.FullCollection(false)
	assert.Equal(t, runs, 0, "reachable object must not be finalized")

	setGlobal(t, s, "u", Nil)
	s.FullCollection(false)
	assert.Equal(t, runs, 1)

	// The object had no resurrection; the next cycle frees it silently.
	before := s.CountBytes()
	s.FullCollection(false)
	assert.Equal(t, runs, 1, "finalizer must not run twice")
	assert.Check(t, s.CountBytes() < before)
	checkHeap(t, s)
}

func TestFinalizerResurrection(t *testing.T) {
	s := New()
	runs := 0
	newFinalizable(t, s, "u", func(st *State, args []Value) ([]Value, error) {
		runs++
		// Store self into a global: the object becomes reachable again.
		return nil, st.TableSet(st.Registry(), StringValue(st.NewString("saved")), args[0])
	})

	setGlobal(t, s, "u", Nil)
	s.FullCollection(false)
	assert.Equal(t, runs, 1)
	saved := getGlobal(s, "saved").AsUserdata()
	assert.Assert(t, saved != nil, "object must survive the cycle it was finalized in")
	assert.Check(t, !toFinalize(saved))
	checkHeap(t, s)

	// Still rooted through the global: further cycles leave it alone.
	s.FullCollection(false)
	assert.Equal(t, runs, 1)

	// Unreachable again: freed without a second finalizer run.
	setGlobal(t, s, "saved", Nil)
	before := s.CountBytes()
	s.FullCollection(false)
	assert.Equal(t, runs, 1, "finalizer must not run a second time")
	assert.Check(t, s.CountBytes() < before)
	checkHeap(t, s)
}

func TestFinalizerErrorIsWarnedAndSwallowed(t *testing.T) {
	var warned []string
	s := New(WithWarn(func(msg string) { warned = append(warned, msg) }))
	newFinalizable(t, s, "u", func(_ *State, _ []Value) ([]Value, error) {
		return nil, errors.New("finalizer exploded")
	})

	setGlobal(t, s, "u", Nil)
	s.FullCollection(false)

	assert.Equal(t, len(warned), 1)
	assert.Check(t, strings.Contains(warned[0], "__gc"))
	assert.Check(t, strings.Contains(warned[0], "finalizer exploded"))
	// Collection continues normally afterwards.
	s.FullCollection(false)
	checkHeap(t, s)
}

func TestFinalizerPanicIsCaught(t *testing.T) {
	var warned []string
	s := New(WithWarn(func(msg string) { warned = append(warned, msg) }))
	newFinalizable(t, s, "u", func(_ *State, _ []Value) ([]Value, error) {
		panic("finalizer panic")
	})

	setGlobal(t, s, "u", Nil)
	s.FullCollection(false)
	assert.Equal(t, len(warned), 1)
	assert.Check(t, strings.Contains(warned[0], "finalizer panic"))
}

func TestFinalizerCannotReenterCollector(t *testing.T) {
	s := New()
	newFinalizable(t, s, "u", func(st *State, _ []Value) ([]Value, error) {
		// Allocation inside a finalizer must not start nested collection.
		assert.Check(t, !st.IsRunning())
		st.NewTable()
		st.Step() // must be a no-op
		return nil, nil
	})
	setGlobal(t, s, "u", Nil)
	s.FullCollection(false)
	assert.Check(t, s.IsRunning(), "stepping re-enabled after the finalizer")
	checkHeap(t, s)
}

func TestCheckFinalizerMovesBetweenLists(t *testing.T) {
	s := New()
	u := s.NewUserdata(nil, 0)
	setGlobal(t, s, "u", ObjValue(u))
	assert.Check(t, !toFinalize(u))

	fin := s.NewHostClosure(func(_ *State, _ []Value) ([]Value, error) { return nil, nil })
	setGlobal(t, s, "fintmp", ObjValue(fin))
	mt := s.NewTable()
	assert.NilError(t, s.TableSet(mt, StringValue(s.NewString("__gc")), ObjValue(fin)))
	s.SetMetatable(u, mt)
	setGlobal(t, s, "fintmp", Nil)

	assert.Check(t, toFinalize(u))
	found := false
	for o := s.finObj; o != nil; o = o.gcHeader().next {
		if o == Object(u) {
			found = true
		}
	}
	assert.Check(t, found, "object must move to the finalizable list")
	checkHeap(t, s)
}

func TestMetatableWithoutGCStaysOnAllGC(t *testing.T) {
	s := New()
	u := s.NewUserdata(nil, 0)
	setGlobal(t, s, "u", ObjValue(u))
	mt := s.NewTable()
	s.SetMetatable(u, mt)
	assert.Check(t, !toFinalize(u))
	checkHeap(t, s)
}

func TestShutdownFinalizersRunForLiveObjects(t *testing.T) {
	s := New()
	runs := 0
	newFinalizable(t, s, "u", func(_ *State, _ []Value) ([]Value, error) {
		runs++
		return nil, nil
	})
	// Still rooted; Close must finalize it anyway.
	assert.NilError(t, s.Close())
	assert.Equal(t, runs, 1)
}

func TestShutdownJoinsFinalizerErrors(t *testing.T) {
	s := New()
	newFinalizable(t, s, "a", func(_ *State, _ []Value) ([]Value, error) {
		return nil, errors.New("first failure")
	})
	newFinalizable(t, s, "b", func(_ *State, _ []Value) ([]Value, error) {
		return nil, errors.New("second failure")
	})
	err := s.Close()
	assert.Assert(t, err != nil)
	assert.Check(t, strings.Contains(err.Error(), "first failure"))
	assert.Check(t, strings.Contains(err.Error(), "second failure"))
}

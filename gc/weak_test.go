package gc

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func newWeakTable(t *testing.T, s *State, mode string) *Table {
	t.Helper()
	tbl := s.NewTable()
	setGlobal(t, s, "weaktmp", ObjValue(tbl))
	mt := s.NewTable()
	assert.NilError(t, s.TableSet(tbl, Int(1), ObjValue(mt))) // keep mt rooted through tbl
	modeVal := s.NewString(mode)
	assert.NilError(t, s.TableSet(mt, StringValue(s.NewString("__mode")), StringValue(modeVal)))
	s.SetMetatable(tbl, mt)
	assert.NilError(t, s.TableSet(tbl, Int(1), Nil))
	return tbl
}

func TestWeakValuesAreCleared(t *testing.T) {
	s := New()
	tbl := newWeakTable(t, s, "v")
	setGlobal(t, s, "t", ObjValue(tbl))

	holder := s.NewTable()
	setGlobal(t, s, "holder", ObjValue(holder))
	for i := 1; i <= 10; i++ {
		u := s.NewUserdata(make([]byte, 64), 0)
		assert.NilError(t, s.TableSet(holder, Int(int64(i)), ObjValue(u)))
		assert.NilError(t, s.TableSet(tbl, Int(int64(i)), ObjValue(u)))
	}
	before := s.CountBytes()
	setGlobal(t, s, "holder", Nil)
	s.FullCollection(false)

	// All ten values were only reachable through the weak table.
	for i := 1; i <= 10; i++ {
		assert.Check(t, tbl.Get(Int(int64(i))).IsNil(), "entry %d should be cleared", i)
	}
	assert.Check(t, s.CountBytes() < before)
	assert.Check(t, is.Equal(getGlobal(s, "t").AsTable(), tbl))
	assert.Equal(t, tbl.Len(), int64(0))
	checkHeap(t, s)
}

func TestWeakValuesKeepReachableEntries(t *testing.T) {
	s := New()
	tbl := newWeakTable(t, s, "v")
	setGlobal(t, s, "t", ObjValue(tbl))

	kept := s.NewUserdata(nil, 0)
	setGlobal(t, s, "kept", ObjValue(kept))
	assert.NilError(t, s.TableSet(tbl, Int(1), ObjValue(kept)))
	dropped := s.NewUserdata(nil, 0)
	assert.NilError(t, s.TableSet(tbl, Int(2), ObjValue(dropped)))

	s.FullCollection(false)

	assert.Check(t, is.Equal(tbl.Get(Int(1)).AsUserdata(), kept))
	assert.Check(t, tbl.Get(Int(2)).IsNil())
	checkHeap(t, s)
}

func TestWeakValueCycleIsCollected(t *testing.T) {
	s := New()
	tbl := newWeakTable(t, s, "v")
	setGlobal(t, s, "t", ObjValue(tbl))

	// Two tables referencing each other, reachable only as weak values.
	a := s.NewTable()
	setGlobal(t, s, "tmpa", ObjValue(a))
	b := s.NewTable()
	setGlobal(t, s, "tmpb", ObjValue(b))
	assert.NilError(t, s.TableSet(tbl, Int(1), ObjValue(a)))
	assert.NilError(t, s.TableSet(tbl, Int(2), ObjValue(b)))
	assert.NilError(t, s.TableSet(a, StringValue(s.NewString("other")), ObjValue(b)))
	assert.NilError(t, s.TableSet(b, StringValue(s.NewString("other")), ObjValue(a)))

	before := s.CountBytes()
	setGlobal(t, s, "tmpa", Nil)
	setGlobal(t, s, "tmpb", Nil)
	s.FullCollection(false)

	assert.Check(t, tbl.Get(Int(1)).IsNil())
	assert.Check(t, tbl.Get(Int(2)).IsNil())
	assert.Check(t, s.CountBytes() < before)
	checkHeap(t, s)
}

func TestEphemeronChainIsCollected(t *testing.T) {
	s := New()
	e := newWeakTable(t, s, "k")
	setGlobal(t, s, "e", ObjValue(e))

	// E[k1] = k2; E[k2] = v; nothing else references k1, k2 or v.
	k1 := s.NewTable()
	setGlobal(t, s, "tmp1", ObjValue(k1))
	k2 := s.NewTable()
	setGlobal(t, s, "tmp2", ObjValue(k2))
	v := s.NewTable()
	assert.NilError(t, s.TableSet(e, ObjValue(k1), ObjValue(k2)))
	assert.NilError(t, s.TableSet(e, ObjValue(k2), ObjValue(v)))

	before := s.CountBytes()
	setGlobal(t, s, "tmp1", Nil)
	setGlobal(t, s, "tmp2", Nil)
	s.FullCollection(false)

	assert.Equal(t, e.count(), 0)
	assert.Check(t, before-s.CountBytes() >= s.objectSize(k1))
	assert.Check(t, s.ephemeronRounds >= 2, "convergence must iterate, got %d rounds", s.ephemeronRounds)
	checkHeap(t, s)
}

func TestEphemeronKeepsValueWhileKeyReachable(t *testing.T) {
	s := New()
	e := newWeakTable(t, s, "k")
	setGlobal(t, s, "e", ObjValue(e))

	key := s.NewTable()
	setGlobal(t, s, "key", ObjValue(key))
	val := s.NewTable()
	assert.NilError(t, s.TableSet(e, ObjValue(key), ObjValue(val)))

	s.FullCollection(false)
	assert.Check(t, is.Equal(e.Get(ObjValue(key)).AsTable(), val), "value must survive while its key is reachable")

	// Drop the key: the whole entry goes.
	setGlobal(t, s, "key", Nil)
	s.FullCollection(false)
	assert.Equal(t, e.count(), 0)
	checkHeap(t, s)
}

func TestEphemeronChainThroughTwoTables(t *testing.T) {
	s := New()
	e1 := newWeakTable(t, s, "k")
	setGlobal(t, s, "e1", ObjValue(e1))
	e2 := newWeakTable(t, s, "k")
	setGlobal(t, s, "e2", ObjValue(e2))

	root := s.NewTable()
	setGlobal(t, s, "root", ObjValue(root))
	k1 := s.NewTable()
	assert.NilError(t, s.TableSet(root, Int(1), ObjValue(k1)))
	k2 := s.NewTable()
	assert.NilError(t, s.TableSet(e1, ObjValue(k1), ObjValue(k2)))
	v := s.NewTable()
	assert.NilError(t, s.TableSet(e2, ObjValue(k2), ObjValue(v)))

	s.FullCollection(false)
	// k1 reachable => k2 reachable through e1 => v reachable through e2.
	assert.Check(t, is.Equal(e2.Get(ObjValue(k2)).AsTable(), v))

	assert.NilError(t, s.TableSet(root, Int(1), Nil))
	s.FullCollection(false)
	assert.Equal(t, e1.count(), 0)
	assert.Equal(t, e2.count(), 0)
	checkHeap(t, s)
}

func TestFullyWeakTable(t *testing.T) {
	s := New()
	tbl := newWeakTable(t, s, "kv")
	setGlobal(t, s, "t", ObjValue(tbl))

	k := s.NewTable()
	setGlobal(t, s, "tmpk", ObjValue(k))
	u := s.NewUserdata(nil, 0)
	assert.NilError(t, s.TableSet(tbl, ObjValue(k), Int(7))) // dying key, immediate value
	assert.NilError(t, s.TableSet(tbl, Int(5), ObjValue(u))) // live key, dying value

	setGlobal(t, s, "tmpk", Nil)
	s.FullCollection(false)
	assert.Equal(t, tbl.count(), 0)
	checkHeap(t, s)
}

func TestStringsAreNeverWeakCleared(t *testing.T) {
	s := New()
	tbl := newWeakTable(t, s, "v")
	setGlobal(t, s, "t", ObjValue(tbl))
	str := s.NewString("short lived string value")
	assert.NilError(t, s.TableSet(tbl, Int(1), StringValue(str)))

	s.FullCollection(false)
	got := tbl.Get(Int(1)).AsString()
	assert.Assert(t, got != nil, "strings behave as values, never cleared")
	assert.Check(t, is.Equal(got.String(), "short lived string value"))
	checkHeap(t, s)
}

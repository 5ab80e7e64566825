package gc

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// heapMachine drives a State with a random interleaving of mutator and
// collector actions while mirroring the rooted contents in plain Go maps.
// After every action the collector's invariants and the model must agree.
type heapMachine struct {
	s     *State
	model [4]map[int64]string // nil slot = no table rooted there
}

func TestHeapInvariantsUnderRandomInterleaving(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &heapMachine{s: New()}
		t.Repeat(rapid.StateMachineActions(m))
	})
}

func (m *heapMachine) slotName(i int) string { return fmt.Sprintf("r%d", i) }

func (m *heapMachine) table(i int) *Table {
	return m.s.Registry().Get(StringValue(m.s.NewString(m.slotName(i)))).AsTable()
}

func (m *heapMachine) AllocTable(t *rapid.T) {
	i := rapid.IntRange(0, 3).Draw(t, "slot")
	tbl := m.s.NewTable()
	if err := m.s.TableSet(m.s.Registry(), StringValue(m.s.NewString(m.slotName(i))), ObjValue(tbl)); err != nil {
		t.Fatalf("rooting table: %v", err)
	}
	m.model[i] = map[int64]string{}
}

func (m *heapMachine) SetEntry(t *rapid.T) {
	i := rapid.IntRange(0, 3).Draw(t, "slot")
	if m.model[i] == nil {
		return
	}
	k := rapid.Int64Range(1, 64).Draw(t, "key")
	v := rapid.StringMatching(`[a-z]{1,16}`).Draw(t, "value")
	tbl := m.table(i)
	if err := m.s.TableSet(tbl, Int(k), StringValue(m.s.NewString(v))); err != nil {
		t.Fatalf("table set: %v", err)
	}
	m.model[i][k] = v
}

func (m *heapMachine) DeleteEntry(t *rapid.T) {
	i := rapid.IntRange(0, 3).Draw(t, "slot")
	if m.model[i] == nil {
		return
	}
	k := rapid.Int64Range(1, 64).Draw(t, "key")
	if err := m.s.TableSet(m.table(i), Int(k), Nil); err != nil {
		t.Fatalf("table delete: %v", err)
	}
	delete(m.model[i], k)
}

func (m *heapMachine) DropTable(t *rapid.T) {
	i := rapid.IntRange(0, 3).Draw(t, "slot")
	if m.model[i] == nil {
		return
	}
	if err := m.s.TableSet(m.s.Registry(), StringValue(m.s.NewString(m.slotName(i))), Nil); err != nil {
		t.Fatalf("unrooting table: %v", err)
	}
	m.model[i] = nil
}

func (m *heapMachine) Step(t *rapid.T) {
	m.s.setDebt(1)
	m.s.Step()
}

func (m *heapMachine) Full(t *rapid.T) {
	m.s.FullCollection(false)
}

func (m *heapMachine) ToggleMode(t *rapid.T) {
	var err error
	if m.s.Mode() == ModeIncremental {
		err = m.s.SetMode(ModeGenMinor)
	} else {
		err = m.s.SetMode(ModeIncremental)
	}
	if err != nil {
		t.Fatalf("mode switch: %v", err)
	}
}

// Check runs after every action: the heap must verify and the rooted tables
// must still hold exactly what the model says.
func (m *heapMachine) Check(t *rapid.T) {
	if err := m.s.CheckHeap(); err != nil {
		t.Fatalf("heap verification failed: %v", err)
	}
	for i, want := range m.model {
		tbl := m.table(i)
		if want == nil {
			if tbl != nil {
				t.Fatalf("slot %d: expected no table, found one", i)
			}
			continue
		}
		if tbl == nil {
			t.Fatalf("slot %d: rooted table disappeared", i)
		}
		if got := tbl.count(); got != len(want) {
			t.Fatalf("slot %d: %d entries, model has %d", i, got, len(want))
		}
		for k, v := range want {
			got := tbl.Get(Int(k)).AsString()
			if got == nil || got.String() != v {
				t.Fatalf("slot %d key %d: got %v, want %q", i, k, got, v)
			}
		}
	}
}

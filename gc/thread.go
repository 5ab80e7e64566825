package gc

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/selene-lang/selene/errdefs"
)

const (
	initialStackSize = 32
	maxStackSize     = 1 << 20
)

// Thread is a coroutine: a value stack plus the list of upvalues still
// aliasing its stack slots. The GC re-scans threads in the atomic phase, so
// the mutator may grow and mutate the stack freely between steps.
type Thread struct {
	GCObject
	stack   []Value
	top     int
	openUpv *Upvalue // open upvalues, ordered by descending slot
	twups   *Thread  // link in the state's threads-with-upvalues list
	gclist  Object
}

func (th *Thread) size() int64 {
	return int64(unsafe.Sizeof(*th)) + int64(len(th.stack))*int64(unsafe.Sizeof(Value{}))
}

func (th *Thread) Top() int { return th.top }

// inTwups reports membership in the state's threads-with-upvalues list.
// The self-link is the "not listed" sentinel.
func (th *Thread) inTwups() bool { return th.twups != th }

// Push grows the stack as needed and appends v.
func (th *Thread) Push(s *State, v Value) error {
	if th.top == len(th.stack) {
		if err := th.growStack(s, 1); err != nil {
			return err
		}
	}
	th.stack[th.top] = v
	th.top++
	return nil
}

// Pop removes and returns the top of the stack.
func (th *Thread) Pop() Value {
	th.top--
	v := th.stack[th.top]
	th.stack[th.top] = Nil
	return v
}

// Slot returns the value at a stack index below top.
func (th *Thread) Slot(i int) Value { return th.stack[i] }

// SetSlot stores into a live stack slot.
func (th *Thread) SetSlot(i int, v Value) { th.stack[i] = v }

func (th *Thread) growStack(s *State, need int) error {
	newSize := len(th.stack) * 2
	if newSize == 0 {
		newSize = initialStackSize
	}
	for newSize < th.top+need {
		newSize *= 2
	}
	if newSize > maxStackSize {
		return errdefs.InvalidParameter(errors.New("stack overflow"))
	}
	old := int64(len(th.stack)) * int64(unsafe.Sizeof(Value{}))
	ns := make([]Value, newSize)
	copy(ns, th.stack)
	th.stack = ns
	s.accountBytes(int64(newSize)*int64(unsafe.Sizeof(Value{})) - old)
	return nil
}

// shrinkStack halves an oversized stack down to twice the in-use portion.
// Run from the atomic phase; skipped during emergency collection, when any
// reallocation is unwelcome.
func (th *Thread) shrinkStack(s *State) {
	inUse := th.top
	if inUse < initialStackSize/2 {
		inUse = initialStackSize / 2
	}
	target := len(th.stack)
	for target/2 >= inUse*2 && target > initialStackSize {
		target /= 2
	}
	if target == len(th.stack) {
		return
	}
	old := int64(len(th.stack)) * int64(unsafe.Sizeof(Value{}))
	ns := make([]Value, target)
	copy(ns, th.stack[:th.top])
	th.stack = ns
	s.accountBytes(int64(target)*int64(unsafe.Sizeof(Value{})) - old)
}

// clearUnusedSlots nils everything above top so dead references do not keep
// objects alive through the stack slice.
func (th *Thread) clearUnusedSlots() {
	for i := th.top; i < len(th.stack); i++ {
		th.stack[i] = Nil
	}
}

// FindUpvalue returns the open upvalue aliasing the given stack slot,
// creating it when absent. New upvalues register the thread in the state's
// threads-with-upvalues list so the atomic phase can re-mark them.
func (s *State) FindUpvalue(th *Thread, slot int) *Upvalue {
	p := &th.openUpv
	for *p != nil && (*p).slot >= slot {
		if (*p).slot == slot {
			return *p
		}
		p = &(*p).next
	}
	uv := &Upvalue{thread: th, slot: slot, next: *p}
	s.registerObject(uv, TagUpvalue, uv.size())
	*p = uv
	if !th.inTwups() {
		th.twups = s.twups
		s.twups = th
	}
	return uv
}

// CloseUpvalues closes every open upvalue at or above the given stack level,
// copying the aliased slot into the cell. A gray cell closed during the mark
// phases turns black and has its payload marked here; otherwise it turns
// current white.
func (s *State) CloseUpvalues(th *Thread, level int) {
	for th.openUpv != nil && th.openUpv.slot >= level {
		uv := th.openUpv
		th.openUpv = uv.next
		uv.val = th.stack[uv.slot]
		uv.thread = nil
		uv.next = nil
		// A closed upvalue leaves the "always gray" regime; recolor it for
		// the current phase.
		if isGray(uv) {
			if s.keepInvariant() {
				setColor(uv, colorBlack)
				s.markValue(uv.val)
			} else {
				setColor(uv, s.currentWhite)
			}
		}
	}
}

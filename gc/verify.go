package gc

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/selene-lang/selene/internal/multierror"
)

// Heap verification, in the spirit of a checkmark pass: re-derive
// reachability with an independent walk and cross-check it against the
// collector's own bookkeeping. Debug/test only; never called on the
// production path.

// CheckHeap validates the collector's universal invariants at the current
// point and returns every violation found.
//
//   - byte accounting: totalBytes equals the summed size of every listed
//     object;
//   - list/flag agreement: an object carries the finalized flag iff it is on
//     the finobj or the to-be-finalized list;
//   - containment: every object reachable from the roots is on a list;
//   - tri-color: during the mark phases (propagate, atomic) in incremental
//     mode, no black object strongly references a white one.
func (s *State) CheckHeap() error {
	var errs []error

	listed := mapset.NewThreadUnsafeSet[Object]()
	var sum int64
	collect := func(name string, list Object, wantFnzFlag bool) {
		for o := list; o != nil; o = o.gcHeader().next {
			if !listed.Add(o) {
				errs = append(errs, errors.Errorf("object %p (%s) linked twice", o, o.gcHeader().tag))
				return
			}
			sum += s.objectSize(o)
			if toFinalize(o) != wantFnzFlag {
				errs = append(errs, errors.Errorf("object %p (%s) on %s with finalized=%v",
					o, o.gcHeader().tag, name, toFinalize(o)))
			}
		}
	}
	collect("allgc", s.allGC, false)
	collect("finobj", s.finObj, true)
	collect("tobefnz", s.toBeFnz, true)

	if sum != s.totalBytes {
		errs = append(errs, errors.Errorf("accounting drift: lists hold %d bytes, counter says %d", sum, s.totalBytes))
	}

	reached := mapset.NewThreadUnsafeSet[Object]()
	var stack []Object
	push := func(o Object) {
		if o != nil && reached.Add(o) {
			stack = append(stack, o)
		}
	}
	push(s.mainThread)
	push(s.registry)
	for _, mt := range s.metatables {
		if mt != nil {
			push(mt)
		}
	}
	for o := s.toBeFnz; o != nil; o = o.gcHeader().next {
		push(o)
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !listed.Contains(o) {
			errs = append(errs, errors.Errorf("reachable object %p (%s) is on no list", o, o.gcHeader().tag))
			continue
		}
		s.forEachRef(o, func(child Object, _ bool) {
			push(child)
		})
	}

	if s.mode == ModeIncremental && s.keepInvariant() {
		for o := range listed.Iter() {
			if !isBlack(o) {
				continue
			}
			parent := o
			s.forEachRef(parent, func(child Object, weakEdge bool) {
				if !weakEdge && isWhite(child) {
					errs = append(errs, errors.Errorf("black %p (%s) references white %p (%s)",
						parent, parent.gcHeader().tag, child, child.gcHeader().tag))
				}
			})
		}
	}

	return multierror.Join(errs...)
}

// forEachRef visits every outbound reference of o. weakEdge marks edges a
// weak table does not keep alive.
func (s *State) forEachRef(o Object, f func(child Object, weakEdge bool)) {
	visitValue := func(v Value, weak bool) {
		if v.IsCollectable() {
			f(v.obj, weak)
		}
	}
	switch t := o.(type) {
	case *TString:
	case *Table:
		weakK, weakV := t.weakMode(s)
		if t.metatable != nil {
			f(t.metatable, false)
		}
		for _, v := range t.array {
			visitValue(v, weakV)
		}
		for i := range t.nodes {
			n := &t.nodes[i]
			if n.val.isEmpty() {
				continue
			}
			if n.key.kind != kindDead {
				visitValue(n.key, weakK)
			}
			visitValue(n.val, weakV)
		}
	case *Userdata:
		if t.metatable != nil {
			f(t.metatable, false)
		}
		for _, v := range t.userValues {
			visitValue(v, false)
		}
	case *HostClosure:
		for _, v := range t.upvals {
			visitValue(v, false)
		}
	case *Closure:
		if t.Proto != nil {
			f(t.Proto, false)
		}
		for _, uv := range t.upvals {
			if uv != nil {
				f(uv, false)
			}
		}
	case *Proto:
		if t.Source != nil {
			f(t.Source, false)
		}
		for _, k := range t.Consts {
			visitValue(k, false)
		}
		for i := range t.Upvals {
			if t.Upvals[i].Name != nil {
				f(t.Upvals[i].Name, false)
			}
		}
		for _, sub := range t.Protos {
			f(sub, false)
		}
		for i := range t.LocVars {
			if t.LocVars[i].Name != nil {
				f(t.LocVars[i].Name, false)
			}
		}
	case *Upvalue:
		visitValue(t.Value(), false)
	case *Thread:
		for i := 0; i < t.top; i++ {
			visitValue(t.stack[i], false)
		}
		for uv := t.openUpv; uv != nil; uv = uv.next {
			f(uv, false)
		}
	}
}

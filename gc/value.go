package gc

import (
	"math"
	"unsafe"
)

// ValueKind discriminates the tagged Value union.
type ValueKind uint8

const (
	KindNil ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindObject

	// kindDead marks a collected table key kept in place so hash chains and
	// iteration stay intact.
	kindDead

	numKinds
)

// Value is the runtime's tagged value: an immediate (nil, boolean, integer,
// float) or a reference to a collectable object.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	n    float64
	obj  Object
}

// Nil is the nil value.
var Nil = Value{}

func Bool(b bool) Value    { return Value{kind: KindBool, b: b} }
func Int(i int64) Value    { return Value{kind: KindInt, i: i} }
func Float(n float64) Value { return Value{kind: KindFloat, n: n} }

// ObjValue wraps a collectable object. A nil object yields the nil value.
func ObjValue(o Object) Value {
	if o == nil {
		return Nil
	}
	return Value{kind: KindObject, obj: o}
}

func StringValue(s *TString) Value { return ObjValue(s) }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNil() bool     { return v.kind == KindNil }

// isEmpty reports a slot holding neither a value nor a dead key.
func (v Value) isEmpty() bool { return v.kind == KindNil }

func (v Value) IsCollectable() bool { return v.kind == KindObject }

func (v Value) AsBool() bool     { return v.b }
func (v Value) AsInt() int64     { return v.i }
func (v Value) AsFloat() float64 { return v.n }

// AsObject returns the referenced object, or nil for immediates.
func (v Value) AsObject() Object {
	if v.kind != KindObject {
		return nil
	}
	return v.obj
}

func (v Value) AsTable() *Table {
	t, _ := v.AsObject().(*Table)
	return t
}

func (v Value) AsString() *TString {
	s, _ := v.AsObject().(*TString)
	return s
}

func (v Value) AsUserdata() *Userdata {
	u, _ := v.AsObject().(*Userdata)
	return u
}

func (v Value) AsThread() *Thread {
	t, _ := v.AsObject().(*Thread)
	return t
}

// Truthy follows the language rule: only nil and false are false.
func (v Value) Truthy() bool {
	return !(v.kind == KindNil || (v.kind == KindBool && !v.b))
}

// normalizeKey turns a float with an exact integer value into an integer key
// so 2.0 and 2 address the same table slot.
func normalizeKey(k Value) Value {
	if k.kind == KindFloat {
		if i := int64(k.n); float64(i) == k.n {
			return Int(i)
		}
	}
	return k
}

// rawEqual is primitive equality: same kind and same payload, objects by
// identity. Dead keys compare equal to the object they used to hold, which
// keeps in-flight iterations anchored.
func rawEqual(a, b Value) bool {
	if a.kind != b.kind {
		// A dead key still matches the collected object it held.
		if a.kind == kindDead && b.kind == KindObject {
			return a.obj == b.obj
		}
		if b.kind == kindDead && a.kind == KindObject {
			return a.obj == b.obj
		}
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.n == b.n
	case KindObject, kindDead:
		return a.obj == b.obj
	}
	return false
}

// hashValue maps a key to a bucket-selection hash. Strings use their interned
// hash; other objects hash by identity.
func hashValue(v Value, seed uint32) uint32 {
	switch v.kind {
	case KindNil:
		return seed
	case KindBool:
		if v.b {
			return seed ^ 0x9e3779b9
		}
		return seed ^ 0x85ebca6b
	case KindInt:
		return hashUint64(uint64(v.i), seed)
	case KindFloat:
		return hashUint64(math.Float64bits(v.n), seed)
	case KindObject, kindDead:
		if s, ok := v.obj.(*TString); ok {
			return s.hash
		}
		return pointerHash(v.obj)
	}
	return seed
}

func hashUint64(x uint64, seed uint32) uint32 {
	x ^= uint64(seed)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return uint32(x) ^ uint32(x>>32)
}

// pointerHash hashes an object by the address of its header. Heap objects
// never move, so identity hashing is stable for a table key's lifetime.
func pointerHash(o Object) uint32 {
	p := uintptr(unsafe.Pointer(o.gcHeader()))
	return hashUint64(uint64(p), 0)
}

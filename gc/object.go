// Package gc implements the garbage collector at the heart of the Selene
// runtime: an incremental tri-color mark/sweep collector with an optional
// young-generation mode, weak tables with ephemeron keys, finalizers with
// resurrection, and the mutator write barriers that keep the tri-color
// invariant during interpretation.
//
// The interpreter thread drives all collector work; there is no collector
// goroutine. Work happens in bounded steps triggered at allocation points,
// so no mutator pause exceeds one step quantum.
package gc

// Tag identifies the concrete kind of a collectable object.
type Tag uint8

const (
	TagShortString Tag = iota
	TagLongString
	TagTable
	TagHostClosure
	TagClosure
	TagProto
	TagUpvalue
	TagUserdata
	TagThread
	numTags
)

func (t Tag) String() string {
	switch t {
	case TagShortString:
		return "shortstring"
	case TagLongString:
		return "longstring"
	case TagTable:
		return "table"
	case TagHostClosure:
		return "hostclosure"
	case TagClosure:
		return "closure"
	case TagProto:
		return "proto"
	case TagUpvalue:
		return "upvalue"
	case TagUserdata:
		return "userdata"
	case TagThread:
		return "thread"
	}
	return "invalid"
}

// Layout of the marked byte:
//
//	bits 0-1: color (one of the two whites, gray, or black)
//	bits 2-4: generational age
//	bit  5:   finalized (object sits on finObj or the to-be-finalized list)
//	bit  6:   fixed (never collected)
//	bit  7:   no finalizer needed (metatable checked, no __gc found)
//
// The two whites alternate across cycles: an object still wearing the
// previous cycle's white at sweep time is dead.
const (
	colorWhiteA byte = 0
	colorWhiteB byte = 1
	colorGray   byte = 2
	colorBlack  byte = 3
	colorMask   byte = 3

	ageShift = 2
	ageMask  = 7 << ageShift

	flagFinalized byte = 1 << 5
	flagFixed     byte = 1 << 6
	flagNoFin     byte = 1 << 7

	// gcBitsMask covers everything the sweeper resets on survivors.
	gcBitsMask = colorMask | ageMask
)

// Generational ages. An object advances New -> Survival -> Old1 -> Old across
// minor cycles (Old0 is the intermediate state given to objects created old
// by a forward barrier). Touched1/Touched2 track old objects recently hit by
// a backward barrier.
const (
	ageNew byte = iota
	ageSurvival
	ageOld0
	ageOld1
	ageOld
	ageTouched1
	ageTouched2
)

// GCObject is the collectable header embedded at the start of every heap
// object: the all-list link, the type tag, and the packed marked byte.
type GCObject struct {
	next   Object
	tag    Tag
	marked byte
}

// Object is implemented by every collectable variant through its embedded
// GCObject header.
type Object interface {
	gcHeader() *GCObject
}

func (h *GCObject) gcHeader() *GCObject { return h }

func color(o Object) byte     { return o.gcHeader().marked & colorMask }
func isWhite(o Object) bool   { return color(o) <= colorWhiteB }
func isGray(o Object) bool    { return color(o) == colorGray }
func isBlack(o Object) bool   { return color(o) == colorBlack }
func isFixed(o Object) bool   { return o.gcHeader().marked&flagFixed != 0 }
func toFinalize(o Object) bool { return o.gcHeader().marked&flagFinalized != 0 }

func setColor(o Object, c byte) {
	h := o.gcHeader()
	h.marked = (h.marked &^ colorMask) | c
}

func otherWhite(white byte) byte {
	if white == colorWhiteA {
		return colorWhiteB
	}
	return colorWhiteA
}

// isDeadColor reports whether a color byte denotes an object left over from
// the previous cycle, given the other (non-current) white.
func isDeadColor(c, other byte) bool { return c == other }

func getAge(o Object) byte { return (o.gcHeader().marked & ageMask) >> ageShift }

func setAge(o Object, age byte) {
	h := o.gcHeader()
	h.marked = (h.marked &^ ageMask) | age<<ageShift
}

// isOld reports whether the object belongs to an old generation band.
// Survival objects are still nursery from the barriers' point of view.
func isOld(o Object) bool { return getAge(o) > ageSurvival }

func setFlag(o Object, f byte)   { o.gcHeader().marked |= f }
func clearFlag(o Object, f byte) { o.gcHeader().marked &^= f }

// getGCList returns the gray-list link slot of a gray-capable object.
// Strings and upvalues never appear on a gray list; asking for their slot is
// a collector bug, not a case to paper over.
func getGCList(o Object) *Object {
	switch t := o.(type) {
	case *Table:
		return &t.gclist
	case *HostClosure:
		return &t.gclist
	case *Closure:
		return &t.gclist
	case *Proto:
		return &t.gclist
	case *Userdata:
		return &t.gclist
	case *Thread:
		return &t.gclist
	}
	panic("gc: object of type " + o.gcHeader().tag.String() + " has no gray list")
}

// linkGCList pushes o onto the given gray list and colors it gray.
func linkGCList(o Object, list *Object) {
	*getGCList(o) = *list
	*list = o
	setColor(o, colorGray)
}

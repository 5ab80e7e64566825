package gc

import "unsafe"

// HostFunc is the signature of functions the embedder exposes to the
// runtime. Finalizers written in the host language are HostFuncs.
type HostFunc func(s *State, args []Value) ([]Value, error)

// UpvalDesc describes an upvalue of a compiled prototype.
type UpvalDesc struct {
	Name    *TString
	InStack bool
	Index   uint8
}

// LocVar is debug information for a local variable of a prototype.
type LocVar struct {
	Name    *TString
	StartPC int32
	EndPC   int32
}

// Proto is a compiled function template: bytecode, constants, nested
// prototypes and debug names. The GC owns its lifetime; its contents are
// produced by the compiler, which is outside this package.
type Proto struct {
	GCObject
	Source   *TString
	Code     []uint32
	Consts   []Value
	Upvals   []UpvalDesc
	Protos   []*Proto
	LocVars  []LocVar
	gclist   Object
}

func (p *Proto) size() int64 {
	return int64(unsafe.Sizeof(*p)) +
		int64(len(p.Code))*4 +
		int64(len(p.Consts))*int64(unsafe.Sizeof(Value{})) +
		int64(len(p.Upvals))*int64(unsafe.Sizeof(UpvalDesc{})) +
		int64(len(p.Protos))*int64(unsafe.Sizeof((*Proto)(nil))) +
		int64(len(p.LocVars))*int64(unsafe.Sizeof(LocVar{}))
}

// Upvalue is a shared mutable cell. While open it aliases a live stack slot
// of its owning thread; closing copies the value into the cell itself.
type Upvalue struct {
	GCObject
	thread *Thread // owning thread while open; nil once closed
	slot   int
	val    Value
	next   *Upvalue // open-upvalue list of the owning thread
}

func (uv *Upvalue) isOpen() bool { return uv.thread != nil }

// Value returns the cell's current content.
func (uv *Upvalue) Value() Value {
	if uv.thread != nil {
		return uv.thread.stack[uv.slot]
	}
	return uv.val
}

// SetValue stores into the cell. Stores into cells captured by black
// closures go through the state-level setter, which applies the barrier.
func (uv *Upvalue) SetValue(v Value) {
	if uv.thread != nil {
		uv.thread.stack[uv.slot] = v
		return
	}
	uv.val = v
}

func (uv *Upvalue) size() int64 { return int64(unsafe.Sizeof(*uv)) }

// HostClosure is a host function bundled with captured values.
type HostClosure struct {
	GCObject
	Fn     HostFunc
	upvals []Value
	gclist Object
}

func (c *HostClosure) Upvalue(i int) Value     { return c.upvals[i] }
func (c *HostClosure) NumUpvalues() int        { return len(c.upvals) }

func (c *HostClosure) size() int64 {
	return int64(unsafe.Sizeof(*c)) + int64(len(c.upvals))*int64(unsafe.Sizeof(Value{}))
}

// Closure is a language-level closure: a prototype plus shared upvalue cells.
type Closure struct {
	GCObject
	Proto  *Proto
	upvals []*Upvalue
	gclist Object
}

func (c *Closure) Upvalue(i int) *Upvalue { return c.upvals[i] }
func (c *Closure) NumUpvalues() int       { return len(c.upvals) }

func (c *Closure) size() int64 {
	return int64(unsafe.Sizeof(*c)) + int64(len(c.upvals))*int64(unsafe.Sizeof((*Upvalue)(nil)))
}

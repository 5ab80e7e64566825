package gc

import (
	"math"
	"unsafe"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/log"
	"github.com/docker/go-events"
	"github.com/pkg/errors"

	"github.com/selene-lang/selene/errdefs"
	"github.com/selene-lang/selene/internal/multierror"
)

// Mode selects the collection strategy.
type Mode uint8

const (
	// ModeIncremental is the tri-color incremental collector.
	ModeIncremental Mode = iota
	// ModeGenMinor runs young-generation (minor) collections.
	ModeGenMinor
	// ModeGenMajor is a full incremental cycle run from generational mode;
	// it decides at its atomic point whether to drop back to minor.
	ModeGenMajor
)

func (m Mode) String() string {
	switch m {
	case ModeIncremental:
		return "incremental"
	case ModeGenMinor:
		return "minor"
	case ModeGenMajor:
		return "major"
	}
	return "invalid"
}

// AllocFunc is the host's single reallocator entry point, reduced to its
// accounting decision: may the logical heap grow from oldSize to newSize
// bytes? Returning false on growth signals out-of-memory; shrinking always
// succeeds. The default allocator never refuses.
type AllocFunc func(oldSize, newSize int64) bool

// InvokeFunc runs a callable value on behalf of the collector (finalizers).
// The default handles host closures; embedders with an interpreter install
// their own.
type InvokeFunc func(s *State, fn Value, args []Value) error

// Param names a byte-encoded log-scaled collector tunable.
type Param uint8

const (
	// ParamPause scales how much the heap may grow over the live estimate
	// before a new cycle starts.
	ParamPause Param = iota
	// ParamStepMul scales how much mark/sweep work each step performs.
	ParamStepMul
	// ParamStepSize scales the byte quantum between steps.
	ParamStepSize
	// ParamMinorMul scales nursery growth allowed before a minor collection.
	ParamMinorMul
	// ParamMajorMinor scales old-generation growth tolerated before a minor
	// mode escalates to a major cycle.
	ParamMajorMinor
	numParams
)

// Collector phases. Order matters: the invariant-preserving phases precede
// the sweep phases.
type Phase uint8

const (
	PhasePropagate Phase = iota
	PhaseEnterAtomic
	PhaseAtomic
	PhaseSweepAllGC
	PhaseSweepFinObj
	PhaseSweepToBeFnz
	PhaseSweepEnd
	PhaseCallFin
	PhasePause
)

func (p Phase) String() string {
	switch p {
	case PhasePropagate:
		return "propagate"
	case PhaseEnterAtomic:
		return "enteratomic"
	case PhaseAtomic:
		return "atomic"
	case PhaseSweepAllGC:
		return "sweepallgc"
	case PhaseSweepFinObj:
		return "sweepfinobj"
	case PhaseSweepToBeFnz:
		return "sweeptobefnz"
	case PhaseSweepEnd:
		return "sweepend"
	case PhaseCallFin:
		return "callfin"
	case PhasePause:
		return "pause"
	}
	return "invalid"
}

// State owns the heap: every collectable object, the collector's phase
// machine, and the host hooks. A State is confined to one goroutine; the
// mutator and the collector share it cooperatively.
type State struct {
	alloc  AllocFunc
	warn   func(msg string)
	invoke InvokeFunc

	totalBytes  int64
	debt        int64
	markedBytes int64 // bytes marked this cycle; in minor mode, bytes grown old
	estimate    int64 // live-byte estimate from the last atomic
	majorBase   int64 // live bytes after the last major/generational entry

	currentWhite byte
	phase        Phase
	mode         Mode
	stopped      bool
	closing      bool
	emergency    bool

	// Object lists. allGC holds every live collectable without a pending
	// finalizer; finObj those with one installed; toBeFnz those awaiting
	// their finalizer call.
	allGC   Object
	finObj  Object
	toBeFnz Object
	sweepAt *Object // sweep cursor into the list being swept

	// Generational sublist anchors into allGC: [allGC, survival) is the
	// nursery, [survival, old1) the survivors, [old1, reallyOld) became old
	// last cycle, [reallyOld, nil) is old. firstOld1 caches the first Old1
	// object anywhere in allGC.
	survival  Object
	old1      Object
	reallyOld Object
	firstOld1 Object
	// The same anchors for finObj.
	finObjSur  Object
	finObjOld1 Object
	finObjROld Object

	// Gray work-lists, threaded through each object's gclist slot.
	gray      Object
	grayAgain Object
	weak      Object
	ephemeron Object
	allWeak   Object

	twups *Thread // threads with open upvalues

	strt stringTable
	seed uint32

	registry   *Table
	mainThread *Thread
	metatables [numKinds]*Table

	params [numParams]int8

	memErr error // preallocated so it survives OOM

	// Metafield names the collector consults, interned once and pinned.
	strGC   *TString
	strMode *TString

	// Per-cycle observability.
	clockSrc        clock.Clock
	sink            events.Sink
	cycleID         string
	ephemeronRounds int
	inFinalizer     bool
	allowHooks      bool
}

// Option configures a State at creation.
type Option func(*State)

// WithAllocator installs the host allocation gate.
func WithAllocator(fn AllocFunc) Option {
	return func(s *State) { s.alloc = fn }
}

// WithWarn installs the warning channel used for finalizer errors.
func WithWarn(fn func(msg string)) Option {
	return func(s *State) { s.warn = fn }
}

// WithInvoke installs the callable runner used for finalizers.
func WithInvoke(fn InvokeFunc) Option {
	return func(s *State) { s.invoke = fn }
}

// WithClock injects the time source used for pause measurement and event
// timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *State) { s.clockSrc = c }
}

// WithSink attaches an event sink receiving collector lifecycle events.
func WithSink(sink events.Sink) Option {
	return func(s *State) { s.sink = sink }
}

func (s *State) internFixed(str string) *TString {
	ts := s.NewString(str)
	s.Fix(ts)
	return ts
}

// New creates an empty heap with its main thread and registry.
func New(opts ...Option) *State {
	s := &State{
		alloc:        func(_, _ int64) bool { return true },
		currentWhite: colorWhiteA,
		phase:        PhasePause,
		mode:         ModeIncremental,
		allowHooks:   true,
		clockSrc:     clock.NewClock(),
	}
	s.warn = func(msg string) { log.L.Warn(msg) }
	s.invoke = defaultInvoke
	for _, o := range opts {
		o(s)
	}
	s.seed = hashUint64(uint64(uintptr(unsafe.Pointer(s))), 0x5eed)
	s.strt.init()
	s.memErr = errdefs.OutOfMemory(errors.New("not enough memory"))
	s.params[ParamPause] = defaultPause
	s.params[ParamStepMul] = defaultStepMul
	s.params[ParamStepSize] = defaultStepSize
	s.params[ParamMinorMul] = defaultMinorMul
	s.params[ParamMajorMinor] = defaultMajorMinor

	s.setDebt(-minStepBytes)
	s.mainThread = &Thread{}
	s.mainThread.twups = s.mainThread
	s.registerObject(s.mainThread, TagThread, s.mainThread.size())
	s.Fix(s.mainThread)

	s.registry = s.NewTable()
	s.Fix(s.registry)

	s.strGC = s.internFixed("__gc")
	s.strMode = s.internFixed("__mode")
	s.setDebt(-minStepBytes)
	return s
}

func defaultInvoke(s *State, fn Value, args []Value) error {
	if hc, ok := fn.AsObject().(*HostClosure); ok {
		_, err := hc.Fn(s, args)
		return err
	}
	return errors.New("value is not callable by the default invoker")
}

// Registry returns the root table embedders use to anchor values.
func (s *State) Registry() *Table { return s.registry }

// MainThread returns the heap's primordial coroutine.
func (s *State) MainThread() *Thread { return s.mainThread }

// Mode returns the current collection mode.
func (s *State) Mode() Mode { return s.mode }

// CountBytes returns the logical size of the heap.
func (s *State) CountBytes() int64 { return s.totalBytes }

// IsRunning reports whether collection steps are enabled.
func (s *State) IsRunning() bool { return !s.stopped }

// Stop disables collection until Restart. Allocation still succeeds; debt
// accumulates.
func (s *State) Stop() { s.stopped = true }

// Restart re-enables collection.
func (s *State) Restart() { s.stopped = false }

// Metatable returns the primitive metatable for a value kind.
func (s *State) Metatable(k ValueKind) *Table { return s.metatables[k] }

// SetKindMetatable installs a primitive metatable shared by every value of
// the kind.
func (s *State) SetKindMetatable(k ValueKind, mt *Table) {
	s.metatables[k] = mt
}

// isDead reports whether an object was left white by the previous cycle.
func (s *State) isDead(o Object) bool {
	return isDeadColor(color(o), otherWhite(s.currentWhite)) && !isFixed(o)
}

func (s *State) keepInvariant() bool { return s.phase <= PhaseAtomic }

func (s *State) inSweepPhase() bool {
	return s.phase >= PhaseSweepAllGC && s.phase <= PhaseSweepEnd
}

// registerObject links a freshly built object into the heap: current white,
// age New, on the all-objects list. Allocation may trigger a collection step
// first, so the object is linked only after the gate clears.
func (s *State) registerObject(o Object, tag Tag, size int64) {
	s.checkGC()
	s.reserveBytes(size)
	h := o.gcHeader()
	h.tag = tag
	h.marked = s.currentWhite // age New, no flags
	h.next = s.allGC
	s.allGC = o
	s.totalBytes += size
	s.debt += size
}

// NewTable allocates an empty table.
func (s *State) NewTable() *Table {
	t := &Table{}
	s.registerObject(t, TagTable, t.size())
	return t
}

// NewUserdata allocates a userdata with the given payload and user-value
// slot count.
func (s *State) NewUserdata(data []byte, userValues int) *Userdata {
	u := &Userdata{data: data, userValues: make([]Value, userValues)}
	s.registerObject(u, TagUserdata, u.size())
	return u
}

// NewHostClosure wraps a host function with captured upvalues.
func (s *State) NewHostClosure(fn HostFunc, upvals ...Value) *HostClosure {
	c := &HostClosure{Fn: fn, upvals: upvals}
	s.registerObject(c, TagHostClosure, c.size())
	return c
}

// NewClosure instantiates a prototype with unset upvalue cells.
func (s *State) NewClosure(p *Proto, nupvals int) *Closure {
	c := &Closure{Proto: p, upvals: make([]*Upvalue, nupvals)}
	s.registerObject(c, TagClosure, c.size())
	return c
}

// SetClosureUpvalue wires an upvalue cell into a closure slot, with barrier.
func (s *State) SetClosureUpvalue(c *Closure, i int, uv *Upvalue) {
	c.upvals[i] = uv
	s.BarrierForward(c, uv)
}

// NewProto allocates a function template.
func (s *State) NewProto() *Proto {
	p := &Proto{}
	s.registerObject(p, TagProto, p.size())
	return p
}

// NewThread allocates a coroutine.
func (s *State) NewThread() *Thread {
	th := &Thread{}
	th.twups = th
	s.registerObject(th, TagThread, th.size())
	return th
}

// Fix pins an object: it will never be collected. Used for objects that must
// survive everything, such as the main thread, the registry and the cached
// metafield names.
func (s *State) Fix(o Object) {
	setFlag(o, flagFixed)
	setAge(o, ageOld)
}

// accountBytes records a logical heap size change from a type-owned buffer
// (table parts, stacks, string payloads). Growth goes through the allocation
// gate.
func (s *State) accountBytes(delta int64) {
	if delta > 0 {
		s.reserveBytes(delta)
	}
	s.totalBytes += delta
	s.debt += delta
}

// reserveBytes asks the allocator for growth; on refusal it runs an
// emergency collection and retries once before raising the memory error.
func (s *State) reserveBytes(n int64) {
	if s.alloc(s.totalBytes, s.totalBytes+n) {
		return
	}
	if !s.closing {
		log.L.WithField("bytes", n).Debug("gc: allocation refused, emergency collection")
		s.FullCollection(true)
		if s.alloc(s.totalBytes, s.totalBytes+n) {
			return
		}
	}
	s.raiseMemoryError()
}

func (s *State) raiseMemoryError() {
	panic(s.memErr)
}

// checkGC is the mutator-side trigger: run a step when debt went positive.
func (s *State) checkGC() {
	if s.debt > 0 && !s.stopped && !s.closing {
		s.Step()
	}
}

func (s *State) setDebt(d int64) { s.debt = d }

// Debt returns the current allocation debt (a step runs when positive).
func (s *State) Debt() int64 { return s.debt }

// applyParam decodes a byte-encoded log-scaled parameter: x * 2^(b/8).
func applyParam(b int8, x int64) int64 {
	f := float64(x) * math.Pow(2, float64(b)/8)
	if f > math.MaxInt64/2 {
		return math.MaxInt64 / 2
	}
	return int64(f)
}

// encodeParam turns a percentage into the byte encoding applyParam expects.
func encodeParam(percent int) (int8, error) {
	if percent <= 0 {
		return 0, errdefs.InvalidParameter(errors.Errorf("parameter must be positive, got %d", percent))
	}
	b := math.Round(8 * math.Log2(float64(percent)/100))
	if b < math.MinInt8 || b > math.MaxInt8 {
		return 0, errdefs.InvalidParameter(errors.Errorf("parameter %d out of range", percent))
	}
	return int8(b), nil
}

// Default tunables, as percentages run through encodeParam:
// pause 200%, stepmul 100%, stepsize 800% of the byte quantum base,
// minormul 25%, majorminor 100%.
const (
	defaultPause      int8 = 8
	defaultStepMul    int8 = 0
	defaultStepSize   int8 = 24
	defaultMinorMul   int8 = -16
	defaultMajorMinor int8 = 0
)

// stepSizeBase is the quantum the step-size parameter scales: 2^(b/8) KiB
// multiples of one kibibyte.
const stepSizeBase = 1 << 10

// minStepBytes keeps the collector idle right after creation.
const minStepBytes = 8 * 1024

// SetParam stores a tunable given as a percentage (100 = neutral). The value
// is kept byte-encoded on a log scale.
func (s *State) SetParam(p Param, percent int) error {
	if p >= numParams {
		return errdefs.InvalidParameter(errors.Errorf("unknown parameter %d", p))
	}
	b, err := encodeParam(percent)
	if err != nil {
		return err
	}
	s.params[p] = b
	return nil
}

// SetMetatable installs a metatable on a table or userdata, applying the
// write barrier and routing through the finalizer check so a __gc field
// moves the object to the finalizable list.
func (s *State) SetMetatable(o Object, mt *Table) {
	switch t := o.(type) {
	case *Table:
		t.metatable = mt
	case *Userdata:
		t.metatable = mt
	default:
		panic("gc: object of type " + o.gcHeader().tag.String() + " cannot carry a metatable")
	}
	clearFlag(o, flagNoFin)
	if mt != nil {
		s.BarrierForward(o, mt)
		s.CheckFinalizer(o, mt)
	}
}

// TableSet is the mutator's table store: raw set plus the backward barrier
// (bulk-friendly: re-scanning the table is cheaper than marking per field).
func (s *State) TableSet(t *Table, key, val Value) error {
	if err := t.set(s, key, val); err != nil {
		return err
	}
	if isBlack(t) && ((key.IsCollectable() && isWhite(key.obj)) || (val.IsCollectable() && isWhite(val.obj))) {
		s.BarrierBack(t)
	}
	return nil
}

// SetUserValue stores into a userdata slot with the forward barrier
// (single-field store).
func (s *State) SetUserValue(u *Userdata, i int, v Value) {
	u.userValues[i] = v
	if isBlack(u) && v.IsCollectable() && isWhite(v.obj) {
		s.BarrierForward(u, v.obj)
	}
}

// SetUpvalue stores into an upvalue cell with the forward barrier against
// the cell itself (closed cells are collectable parents).
func (s *State) SetUpvalue(uv *Upvalue, v Value) {
	uv.SetValue(v)
	if !uv.isOpen() && isBlack(uv) && v.IsCollectable() && isWhite(v.obj) {
		s.BarrierForward(uv, v.obj)
	}
}

// Close shuts the heap down: collection stops, pending finalizers all run
// (their errors joined and returned), and every object is freed. The state
// must not be used afterwards.
func (s *State) Close() error {
	s.closing = true
	// Drop the generational anchors so the separation covers all of finObj.
	s.finObjSur, s.finObjOld1, s.finObjROld = nil, nil, nil
	separateToFinalize(s, true)
	err := s.runAllFinalizers()
	s.freeAllObjects()
	if s.totalBytes != 0 {
		err = multierror.Join(err, errors.Errorf("gc: %d bytes still accounted after close", s.totalBytes))
	}
	return err
}

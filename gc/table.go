package gc

import (
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/selene-lang/selene/errdefs"
)

// maxArrayBits bounds the array part; asking for more is a size overflow.
const maxArrayBits = 30

// node is one slot of a table's hash part. Chains run through absolute
// indices in the node slice; -1 terminates a chain.
type node struct {
	key  Value
	val  Value
	next int
}

// Table is the language's only structured type: a hybrid of a dense array
// part for integer keys 1..n and an open hash part for everything else.
//
// A key whose object was collected by a weak-table sweep is not removed;
// its slot keeps a dead marker so chains and in-flight iteration survive.
type Table struct {
	GCObject
	array     []Value
	nodes     []node
	lastFree  int // free slots are searched downward from here
	metatable *Table
	gclist    Object
}

func (t *Table) size() int64 {
	return int64(unsafe.Sizeof(*t)) +
		int64(len(t.array))*int64(unsafe.Sizeof(Value{})) +
		int64(len(t.nodes))*int64(unsafe.Sizeof(node{}))
}

func (t *Table) Metatable() *Table { return t.metatable }

// weakMode reads the metatable's __mode field. The mode is re-derived on
// every traversal, so changing __mode takes effect at the table's next visit.
func (t *Table) weakMode(s *State) (weakKeys, weakVals bool) {
	if t.metatable == nil {
		return false, false
	}
	mode := t.metatable.Get(StringValue(s.strMode))
	ms := mode.AsString()
	if ms == nil {
		return false, false
	}
	return strings.ContainsRune(ms.str, 'k'), strings.ContainsRune(ms.str, 'v')
}

func (t *Table) mainPosition(key Value) int {
	return int(hashValue(key, 0)) & (len(t.nodes) - 1)
}

// Get returns the value stored under key, or nil.
func (t *Table) Get(key Value) Value {
	key = normalizeKey(key)
	if key.kind == KindInt {
		if i := key.i; 1 <= i && i <= int64(len(t.array)) {
			return t.array[i-1]
		}
	}
	if len(t.nodes) == 0 || key.IsNil() {
		return Nil
	}
	for i := t.mainPosition(key); i != -1; i = t.nodes[i].next {
		if rawEqual(t.nodes[i].key, key) && t.nodes[i].key.kind != kindDead {
			return t.nodes[i].val
		}
	}
	return Nil
}

// set stores key/val without barriers; growing the hash part goes through
// resize, which charges the size change. Callers: the state-level TableSet,
// resize, and newKey after a rehash.
func (t *Table) set(s *State, key, val Value) error {
	key = normalizeKey(key)
	switch {
	case key.IsNil():
		return errdefs.InvalidParameter(errors.New("table index is nil"))
	case key.kind == KindFloat && key.n != key.n:
		return errdefs.InvalidParameter(errors.New("table index is NaN"))
	}
	if key.kind == KindInt {
		if i := key.i; 1 <= i && i <= int64(len(t.array)) {
			t.array[i-1] = val
			return nil
		}
	}
	// Existing hash entry?
	if len(t.nodes) > 0 {
		for i := t.mainPosition(key); i != -1; i = t.nodes[i].next {
			if rawEqual(t.nodes[i].key, key) && t.nodes[i].key.kind != kindDead {
				t.nodes[i].val = val
				return nil
			}
		}
	}
	if val.IsNil() {
		return nil // no slot to create for an absent key
	}
	return t.newKey(s, key, val)
}

// newKey inserts a fresh key, growing the table when the hash part is full.
func (t *Table) newKey(s *State, key, val Value) error {
	if len(t.nodes) == 0 {
		if err := t.resize(s, len(t.array), 1); err != nil {
			return err
		}
	}
	mp := t.mainPosition(key)
	if !t.nodes[mp].key.isEmpty() || t.nodes[mp].key.kind == kindDead {
		f := t.freePos()
		if f == -1 {
			if err := t.rehash(s, key); err != nil {
				return err
			}
			return t.set(s, key, val)
		}
		other := t.mainPosition(t.nodes[mp].key)
		if other != mp {
			// Colliding node is out of its main position: move it to the
			// free slot and take its place.
			prev := other
			for t.nodes[prev].next != mp {
				prev = t.nodes[prev].next
			}
			t.nodes[prev].next = f
			t.nodes[f] = t.nodes[mp]
			t.nodes[mp] = node{next: -1}
		} else {
			// Colliding node is in its main position: chain the new key
			// from the free slot.
			t.nodes[f] = node{key: key, val: val, next: t.nodes[mp].next}
			t.nodes[mp].next = f
			return nil
		}
	}
	t.nodes[mp].key = key
	t.nodes[mp].val = val
	return nil
}

func (t *Table) freePos() int {
	for t.lastFree > 0 {
		t.lastFree--
		n := &t.nodes[t.lastFree]
		if n.key.isEmpty() && n.val.isEmpty() {
			return t.lastFree
		}
	}
	return -1
}

// rehash recomputes optimal array/hash sizes for the live entries plus the
// key about to be inserted.
func (t *Table) rehash(s *State, extra Value) error {
	var nums [maxArrayBits + 1]int // nums[i] = # of int keys in (2^(i-1), 2^i]
	totalInt := 0
	countIntKey := func(i int64) {
		if i >= 1 && i <= 1<<maxArrayBits {
			lg := 0
			for x := i - 1; x > 0; x >>= 1 {
				lg++
			}
			nums[lg]++
			totalInt++
		}
	}
	total := 0
	for i, v := range t.array {
		if !v.isEmpty() {
			countIntKey(int64(i + 1))
			total++
		}
	}
	for i := range t.nodes {
		n := &t.nodes[i]
		if n.val.isEmpty() || n.key.kind == kindDead {
			continue
		}
		if n.key.kind == KindInt {
			countIntKey(n.key.i)
		}
		total++
	}
	total++ // the pending key
	if extra.kind == KindInt {
		countIntKey(extra.i)
	}
	// Optimal array size: the largest power of two with more than half of
	// its slots holding integer keys.
	arraySize, inArray, acc := 0, 0, 0
	for lg, twoPow := 0, 1; lg <= maxArrayBits && acc < totalInt; lg, twoPow = lg+1, twoPow*2 {
		acc += nums[lg]
		if acc > twoPow/2 {
			arraySize = twoPow
			inArray = acc
		}
	}
	return t.resize(s, arraySize, total-inArray)
}

func nextPow2(n int) (int, error) {
	if n < 0 || n > 1<<maxArrayBits {
		return 0, errdefs.InvalidParameter(errors.New("table overflow"))
	}
	p := 1
	for p < n {
		p *= 2
	}
	return p, nil
}

// resize rebuilds the table with the given array length and at least
// hashCount hash slots, re-inserting every live entry and charging the byte
// delta to the state's accounting (which may trigger an emergency
// collection on allocator refusal).
func (t *Table) resize(s *State, arraySize, hashCount int) error {
	hashSize := 0
	if hashCount > 0 {
		var err error
		if hashSize, err = nextPow2(hashCount); err != nil {
			return err
		}
	}
	oldSize := t.size()
	oldArray, oldNodes := t.array, t.nodes

	t.array = make([]Value, arraySize)
	if hashSize > 0 {
		t.nodes = make([]node, hashSize)
		for i := range t.nodes {
			t.nodes[i].next = -1
		}
	} else {
		t.nodes = nil
	}
	t.lastFree = hashSize

	copy(t.array, oldArray)
	for i := arraySize; i < len(oldArray); i++ {
		if !oldArray[i].isEmpty() {
			if err := t.set(s, Int(int64(i+1)), oldArray[i]); err != nil {
				return err
			}
		}
	}
	for i := range oldNodes {
		n := &oldNodes[i]
		if n.val.isEmpty() || n.key.kind == kindDead {
			continue
		}
		if err := t.set(s, n.key, n.val); err != nil {
			return err
		}
	}
	s.accountBytes(t.size() - oldSize)
	return nil
}

// Next implements stateless iteration: given the previous key (or nil to
// start), it returns the next live entry. Dead keys still anchor the cursor,
// so collecting a weak entry mid-iteration does not derail the walk.
func (t *Table) Next(key Value) (Value, Value, error) {
	i := 0
	if !key.IsNil() {
		idx, err := t.findIndex(key)
		if err != nil {
			return Nil, Nil, err
		}
		i = idx + 1
	}
	for ; i < len(t.array); i++ {
		if !t.array[i].isEmpty() {
			return Int(int64(i + 1)), t.array[i], nil
		}
	}
	for j := i - len(t.array); j < len(t.nodes); j++ {
		if !t.nodes[j].val.isEmpty() && t.nodes[j].key.kind != kindDead {
			return t.nodes[j].key, t.nodes[j].val, nil
		}
	}
	return Nil, Nil, nil
}

// findIndex locates a key's position in iteration order; dead keys match by
// the identity of the object they held.
func (t *Table) findIndex(key Value) (int, error) {
	key = normalizeKey(key)
	if key.kind == KindInt && key.i >= 1 && key.i <= int64(len(t.array)) {
		return int(key.i) - 1, nil
	}
	if len(t.nodes) > 0 {
		for i := t.mainPosition(key); i != -1; i = t.nodes[i].next {
			if rawEqual(t.nodes[i].key, key) {
				return len(t.array) + i, nil
			}
		}
	}
	return 0, errdefs.InvalidParameter(errors.New("invalid key to next"))
}

// Len returns a border of the table: an n such that t[n] is non-nil and
// t[n+1] is nil.
func (t *Table) Len() int64 {
	if n := len(t.array); n > 0 && t.array[n-1].isEmpty() {
		// Binary search for a border inside the array part.
		lo, hi := 0, n
		for hi-lo > 1 {
			mid := (lo + hi) / 2
			if t.array[mid-1].isEmpty() {
				hi = mid
			} else {
				lo = mid
			}
		}
		return int64(lo)
	}
	// Array part full (or absent); probe the hash part.
	n := int64(len(t.array))
	if len(t.nodes) == 0 {
		return n
	}
	for !t.Get(Int(n + 1)).IsNil() {
		n++
	}
	return n
}

// count returns the number of live entries (tests and the verifier only).
func (t *Table) count() int {
	c := 0
	for _, v := range t.array {
		if !v.isEmpty() {
			c++
		}
	}
	for i := range t.nodes {
		if !t.nodes[i].val.isEmpty() && t.nodes[i].key.kind != kindDead {
			c++
		}
	}
	return c
}

package gc

import "unsafe"

// Strings up to this length are interned in the state's string table and
// compared by identity.
const shortStringLimit = 40

// TString is a collectable string. Short strings are interned: two equal
// short strings are the same object. Long strings live on the heap like any
// other object and keep identity semantics at the GC level only.
type TString struct {
	GCObject
	hash  uint32
	str   string
	hnext *TString // chain link inside the intern table
}

func (s *TString) String() string { return s.str }
func (s *TString) Len() int       { return len(s.str) }

func (s *TString) size() int64 {
	return int64(unsafe.Sizeof(*s)) + int64(len(s.str))
}

func hashString(str string, seed uint32) uint32 {
	// FNV-1a folded with the state seed; cheap and good enough for bucket
	// selection.
	h := seed ^ 2166136261
	for i := 0; i < len(str); i++ {
		h ^= uint32(str[i])
		h *= 16777619
	}
	return h
}

// stringTable interns short strings. Buckets chain through TString.hnext.
type stringTable struct {
	buckets []*TString
	count   int
}

const minStringTableSize = 64

func (st *stringTable) init() {
	st.buckets = make([]*TString, minStringTableSize)
}

// resize rehashes every interned string into a table of the given size
// (a power of two).
func (st *stringTable) resize(newSize int) {
	old := st.buckets
	st.buckets = make([]*TString, newSize)
	for _, s := range old {
		for s != nil {
			next := s.hnext
			i := int(s.hash) & (newSize - 1)
			s.hnext = st.buckets[i]
			st.buckets[i] = s
			s = next
		}
	}
}

// remove unlinks a short string being freed by the sweeper.
func (st *stringTable) remove(s *TString) {
	p := &st.buckets[int(s.hash)&(len(st.buckets)-1)]
	for *p != s {
		p = &(*p).hnext
	}
	*p = s.hnext
	s.hnext = nil
	st.count--
}

// NewString returns a string value, interning short strings. Reusing a short
// string that is currently dead (white of the previous cycle) revives it in
// place instead of allocating a duplicate.
func (s *State) NewString(str string) *TString {
	if len(str) <= shortStringLimit {
		return s.internShort(str)
	}
	ts := &TString{str: str, hash: hashString(str, s.seed)}
	s.registerObject(ts, TagLongString, ts.size())
	return ts
}

func (s *State) internShort(str string) *TString {
	h := hashString(str, s.seed)
	i := int(h) & (len(s.strt.buckets) - 1)
	for ts := s.strt.buckets[i]; ts != nil; ts = ts.hnext {
		if ts.hash == h && ts.str == str {
			if s.isDead(ts) {
				// Resurrect: the sweeper has not reached it yet.
				setColor(ts, s.currentWhite)
			}
			return ts
		}
	}
	if s.strt.count >= len(s.strt.buckets) {
		s.strt.resize(len(s.strt.buckets) * 2)
		i = int(h) & (len(s.strt.buckets) - 1)
	}
	ts := &TString{str: str, hash: h}
	s.registerObject(ts, TagShortString, ts.size())
	ts.hnext = s.strt.buckets[i]
	s.strt.buckets[i] = ts
	s.strt.count++
	return ts
}

// checkStringTableSize shrinks the intern table when it is running at less
// than a quarter of capacity. Called at the end of sweep and from the atomic
// phase; skipped during emergency collection.
func (s *State) checkStringTableSize() {
	if s.emergency {
		return
	}
	size := len(s.strt.buckets)
	for size > minStringTableSize && s.strt.count < size/4 {
		size /= 2
	}
	if size != len(s.strt.buckets) {
		s.strt.resize(size)
	}
}

package gc

import "unsafe"

// Userdata is an opaque host buffer with an optional metatable and a fixed
// number of user-value slots the host can use to root language values.
type Userdata struct {
	GCObject
	metatable  *Table
	userValues []Value
	data       []byte
	gclist     Object
}

func (u *Userdata) Metatable() *Table { return u.metatable }
func (u *Userdata) Data() []byte      { return u.data }

func (u *Userdata) NumUserValues() int { return len(u.userValues) }

func (u *Userdata) UserValue(i int) Value {
	if i < 0 || i >= len(u.userValues) {
		return Nil
	}
	return u.userValues[i]
}

func (u *Userdata) size() int64 {
	return int64(unsafe.Sizeof(*u)) +
		int64(len(u.userValues))*int64(unsafe.Sizeof(Value{})) +
		int64(len(u.data))
}

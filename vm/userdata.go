package vm

// Userdata is a block of host memory managed by the collector. Size is its
// logical payload size; Data holds whatever Go value the embedder attaches.
// A userdata may carry user values, which the collector traverses.
type Userdata struct {
	header
	size      int
	user      []Value
	metatable *Table
	Data      any
}

// Size returns the logical payload size in bytes.
func (u *Userdata) Size() int { return u.size }

// Metatable returns the userdata's metatable, or nil.
func (u *Userdata) Metatable() *Table { return u.metatable }

// NumUserValues returns the number of user value slots.
func (u *Userdata) NumUserValues() int { return len(u.user) }

// UserValue returns user value n (1-based), or Nil when out of range.
func (u *Userdata) UserValue(n int) Value {
	if n < 1 || n > len(u.user) {
		return Nil
	}
	return u.user[n-1]
}

func (g *State) newUserdata(size, nuv int) *Userdata {
	u := &Userdata{size: size}
	if nuv > 0 {
		u.user = make([]Value, nuv)
	}
	g.newObject(u, TypeUserdata)
	return u
}

// setUserValue stores user value n, returning false when n is out of
// range.
func (g *State) setUserValue(u *Userdata, n int, v Value) bool {
	if n < 1 || n > len(u.user) {
		return false
	}
	u.user[n-1] = v
	g.barrierBackValue(u, v)
	return true
}

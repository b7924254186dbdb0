package vm

import "strings"

// tm names a metamethod. Only the events the runtime honours are listed.
type tm uint8

const (
	tmIndex tm = iota
	tmNewIndex
	tmGC
	tmMode
	tmCall

	numTMs
)

var tmEventNames = [numTMs]string{"__index", "__newindex", "__gc", "__mode", "__call"}

// initTMNames creates the metamethod name strings and fixes them so they
// are never collected.
func (g *State) initTMNames() {
	for i, name := range tmEventNames {
		s := g.newString(name)
		g.fix(s)
		s.reserved = uint8(i + 1)
		g.tmNames[i] = s
	}
}

// fastTM looks up a metamethod in mt, caching its absence in the table's
// flags. Stores into the table reset the cache.
func (g *State) fastTM(mt *Table, e tm) Value {
	if mt == nil || mt.flags&(1<<e) != 0 {
		return Nil
	}
	v := mt.getStr(g.tmNames[e])
	if v.IsNil() {
		mt.flags |= 1 << e
	}
	return v
}

func (g *State) metatableOf(v Value) *Table {
	switch v.tt {
	case TypeTable:
		return v.gc.(*Table).metatable
	case TypeUserdata:
		return v.gc.(*Userdata).metatable
	}
	return g.mt[v.tt.basic()]
}

func (g *State) metamethod(v Value, e tm) Value {
	return g.fastTM(g.metatableOf(v), e)
}

// weakMode reports which parts of t are weak according to the __mode field
// of its metatable.
func (g *State) weakMode(t *Table) (weakKeys, weakValues bool) {
	mode := g.fastTM(t.metatable, tmMode)
	if mode.tt != TypeShortString {
		return false, false
	}
	s := mode.gc.(*String).s
	return strings.IndexByte(s, 'k') >= 0, strings.IndexByte(s, 'v') >= 0
}

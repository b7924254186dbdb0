package vm

import (
	"github.com/zeebo/xxh3"
)

// maxShortLen is the longest string that gets interned.
const maxShortLen = 40

// minStrTabSize is the initial and minimum bucket count of the intern table.
const minStrTabSize = 128

// String is an immutable heap string. Short strings are interned, so two
// short strings with the same contents are the same object.
type String struct {
	header
	s     string
	hash  uint64
	hnext *String // intern chain
	// reserved is the metamethod index + 1 for metamethod names, 0 otherwise.
	reserved uint8
}

// Value returns the string contents.
func (s *String) Value() string { return s.s }

// ---------------------------------------------------------------------------
// Intern table
// ---------------------------------------------------------------------------

type stringTable struct {
	hash []*String
	nuse int
}

func (g *State) hashString(s string) uint64 {
	return xxh3.HashStringSeed(s, g.seed)
}

// resize rebuilds the bucket array with n buckets. n is a power of two.
func (st *stringTable) resize(g *State, n int) {
	g.charge(int64(n-len(st.hash)) * sizeStrBucket)
	nh := make([]*String, n)
	mask := uint64(n - 1)
	for _, p := range st.hash {
		for p != nil {
			next := p.hnext
			i := p.hash & mask
			p.hnext = nh[i]
			nh[i] = p
			p = next
		}
	}
	st.hash = nh
}

func (st *stringTable) remove(g *State, ts *String) {
	i := ts.hash & uint64(len(st.hash)-1)
	p := &st.hash[i]
	for *p != ts {
		p = &(*p).hnext
	}
	*p = ts.hnext
	ts.hnext = nil
	st.nuse--
}

// checkSizes shrinks the intern table when it is less than a quarter full.
// It never runs during an emergency collection, which must not reshape
// structures the interrupted mutator may be using.
func (g *State) checkSizes() {
	if g.gc.emergency {
		return
	}
	st := &g.strt
	if st.nuse < len(st.hash)/4 && len(st.hash)/2 >= minStrTabSize {
		st.resize(g, len(st.hash)/2)
	}
}

// internShort returns the interned string for s, creating it if needed. A
// string that is dead but not yet swept is brought back to life instead.
func (g *State) internShort(s string) *String {
	st := &g.strt
	h := g.hashString(s)
	for ts := st.hash[h&uint64(len(st.hash)-1)]; ts != nil; ts = ts.hnext {
		if ts.s == s {
			if g.isDead(ts) {
				g.changeWhite(ts)
			}
			return ts
		}
	}
	if st.nuse >= len(st.hash) {
		st.resize(g, len(st.hash)*2)
	}
	ts := &String{s: s, hash: h}
	g.newObject(ts, TypeShortString)
	i := h & uint64(len(st.hash)-1)
	ts.hnext = st.hash[i]
	st.hash[i] = ts
	st.nuse++
	return ts
}

// newString creates a string object. The result is only reachable through
// the caller until it is stored somewhere the collector can see.
func (g *State) newString(s string) *String {
	if len(s) <= maxShortLen {
		return g.internShort(s)
	}
	ts := &String{s: s, hash: g.hashString(s)}
	g.newObject(ts, TypeLongString)
	return ts
}

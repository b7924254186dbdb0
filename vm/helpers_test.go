package vm

import (
	"testing"
)

// newTestState returns a State with invariant checks enabled. It is closed
// when the test ends.
func newTestState(t *testing.T) *State {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Checks = true
	g := New(cfg)
	t.Cleanup(g.Close)
	return g
}

// stoppedState returns a checked State whose collector only runs when the
// test asks for it.
func stoppedState(t *testing.T) *State {
	t.Helper()
	g := newTestState(t)
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return g
}

func freed(o Object) bool { return o.gcHeader().owner == listNone }

// checkHeap verifies list membership tags and byte accounting: every
// linked object carries the tag of its list, the object count matches,
// and the charged bytes equal the sizes of all objects plus the string
// table buckets.
func checkHeap(t *testing.T, g *State) {
	t.Helper()
	var total int64
	n := 0
	walk := func(list Object, owner listID) {
		for o := list; o != nil; o = o.gcHeader().next {
			h := o.gcHeader()
			if h.owner != owner {
				t.Errorf("object #%d (%s) on %s is tagged %s", h.id, h.tt, owner, h.owner)
			}
			if (owner == listFinObj || owner == listToBeFnz) != h.separated {
				t.Errorf("object #%d on %s has separated=%v", h.id, owner, h.separated)
			}
			total += objSize(o)
			n++
		}
	}
	walk(g.gc.allgc, listAllGC)
	walk(g.gc.finobj, listFinObj)
	walk(g.gc.tobefnz, listToBeFnz)
	walk(g.gc.fixedgc, listFixed)
	if n != g.gc.numObjects {
		t.Errorf("found %d objects, counter says %d", n, g.gc.numObjects)
	}
	total += int64(len(g.strt.hash)) * sizeStrBucket
	if total != g.gc.totalBytes {
		t.Errorf("objects account for %d bytes, heap says %d", total, g.gc.totalBytes)
	}

	interned := 0
	for _, s := range g.strt.hash {
		for ; s != nil; s = s.hnext {
			if freed(s) {
				t.Errorf("freed string %q still interned", s.s)
			}
			interned++
		}
	}
	if interned != g.strt.nuse {
		t.Errorf("string table holds %d strings, nuse = %d", interned, g.strt.nuse)
	}
}

// children returns the objects o holds strong or weak references to.
// Entries with nil values are ignored, as are dead keys.
func children(o Object) []Object {
	var out []Object
	addV := func(v Value) {
		if v.tt.collectable() {
			out = append(out, v.gc)
		}
	}
	switch x := o.(type) {
	case *Table:
		if x.metatable != nil {
			out = append(out, x.metatable)
		}
		for _, v := range x.array {
			addV(v)
		}
		for i := range x.node {
			n := &x.node[i]
			if n.val.IsNil() {
				continue
			}
			addV(n.key)
			addV(n.val)
		}
	case *Userdata:
		if x.metatable != nil {
			out = append(out, x.metatable)
		}
		for _, v := range x.user {
			addV(v)
		}
	case *LClosure:
		out = append(out, x.proto)
		for _, uv := range x.upvals {
			if uv != nil {
				out = append(out, uv)
			}
		}
	case *GoClosure:
		for _, v := range x.upvalues {
			addV(v)
		}
	case *Proto:
		if x.source != nil {
			out = append(out, x.source)
		}
		for _, k := range x.k {
			addV(k)
		}
		for _, c := range x.p {
			out = append(out, c)
		}
		for _, uv := range x.upvalues {
			if uv.Name != nil {
				out = append(out, uv.Name)
			}
		}
		for _, lv := range x.locvars {
			if lv.Name != nil {
				out = append(out, lv.Name)
			}
		}
	case *Upval:
		if !x.isOpen() {
			addV(x.value)
		}
	case *Thread:
		for _, v := range x.stack[:x.top] {
			addV(v)
		}
		for uv := x.openupval; uv != nil; uv = uv.openNext {
			out = append(out, uv)
		}
	}
	return out
}

// checkNoDangling verifies that no linked object references a freed one.
// It is only meaningful between cycles.
func checkNoDangling(t *testing.T, g *State) {
	t.Helper()
	check := func(list Object) {
		for o := list; o != nil; o = o.gcHeader().next {
			for _, c := range children(o) {
				if freed(c) {
					t.Errorf("%s #%d references freed %s #%d",
						o.gcHeader().tt, o.gcHeader().id, c.gcHeader().tt, c.gcHeader().id)
				}
			}
		}
	}
	check(g.gc.allgc)
	check(g.gc.finobj)
	check(g.gc.tobefnz)
	check(g.gc.fixedgc)
	for _, mt := range g.mt {
		if mt != nil && freed(mt) {
			t.Errorf("default metatable #%d was freed", mt.id)
		}
	}
}

// mustProtect runs fn and fails the test on a raised error.
func mustProtect(t *testing.T, L *Thread, fn func()) {
	t.Helper()
	if err := L.Protect(fn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// fullCollect runs a full collection and fails the test on error.
func fullCollect(t *testing.T, g *State) {
	t.Helper()
	if err := g.FullCollect(false); err != nil {
		t.Fatalf("FullCollect: %v", err)
	}
}

// step runs one collector step and fails the test on error.
func step(t *testing.T, g *State) bool {
	t.Helper()
	done, err := g.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return done
}

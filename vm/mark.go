package vm

import "time"

// ---------------------------------------------------------------------------
// Marking primitives
// ---------------------------------------------------------------------------

func (g *State) markValue(v Value) {
	if v.tt.collectable() && v.gc.gcHeader().isWhite() {
		g.reallyMark(v.gc)
	}
}

func (g *State) markObject(o Object) {
	if o.gcHeader().isWhite() {
		g.reallyMark(o)
	}
}

// Typed helpers; a nil pointer must not reach markObject as a non-nil
// interface.

func (g *State) markTable(t *Table) {
	if t != nil && t.isWhite() {
		g.reallyMark(t)
	}
}

func (g *State) markString(s *String) {
	if s != nil && s.isWhite() {
		g.reallyMark(s)
	}
}

func (g *State) markProto(p *Proto) {
	if p != nil && p.isWhite() {
		g.reallyMark(p)
	}
}

func (g *State) markUpval(u *Upval) {
	if u != nil && u.isWhite() {
		g.reallyMark(u)
	}
}

// reallyMark marks a white object. Strings and closed upvalues become
// black at once; open upvalues stay gray because the stack slot they refer
// to can change without a barrier; userdata without user values only need
// their metatable. Everything else goes on the gray list.
//
// Recursion here is bounded: an upvalue's value is marked through
// markValue, which may link a table or closure but never another upvalue,
// and a userdata's metatable is always a table.
func (g *State) reallyMark(o Object) {
	g.gc.marked += objSize(o)
	switch x := o.(type) {
	case *String:
		set2black(x)
	case *Upval:
		if x.isOpen() {
			set2gray(x)
		} else {
			set2black(x)
		}
		g.markValue(x.get())
	case *Userdata:
		if len(x.user) == 0 {
			g.markTable(x.metatable)
			set2black(x)
			return
		}
		g.linkGray(x, &g.gc.gray)
	case *Table, *LClosure, *GoClosure, *Proto, *Thread:
		g.linkGray(o, &g.gc.gray)
	default:
		panic(&InternalError{What: "reallyMark: unknown object type"})
	}
}

func (g *State) markMetatables() {
	for _, mt := range g.mt {
		g.markTable(mt)
	}
}

// markBeingFinalized marks every object waiting for its finalizer so it
// survives until the finalizer has run.
func (g *State) markBeingFinalized() {
	for o := g.gc.tobefnz; o != nil; o = o.gcHeader().next {
		g.markObject(o)
	}
}

// restartCollection starts a new cycle by marking the root set.
func (g *State) restartCollection() {
	g.clearGrayLists()
	g.gc.marked = 0
	g.gc.cycleStart = time.Now()
	g.markObject(g.mainThread)
	g.markObject(g.current())
	g.markTable(g.registry)
	g.markMetatables()
	g.markBeingFinalized()
}

// ---------------------------------------------------------------------------
// Propagation
// ---------------------------------------------------------------------------

// genLink keeps objects touched in this cycle on grayagain so the next
// minor collection traverses them again.
func (g *State) genLink(o Object) {
	h := o.gcHeader()
	g.assert(h.isBlack(), "genLink on non-black object #%d", h.id)
	switch h.age {
	case AgeTouched1:
		g.linkGray(o, &g.gc.grayagain)
	case AgeTouched2:
		h.age = AgeOld
	}
}

// propagateMark traverses the head of the gray list and returns the work
// done.
func (g *State) propagateMark() int64 {
	o := g.gc.gray
	h := o.gcHeader()
	nw2black(o)
	g.gc.gray = h.gclist
	h.gclist = nil
	h.inGray = false
	switch x := o.(type) {
	case *Table:
		return g.traverseTable(x)
	case *Userdata:
		return g.traverseUserdata(x)
	case *LClosure:
		return g.traverseLClosure(x)
	case *GoClosure:
		return g.traverseGoClosure(x)
	case *Proto:
		return g.traverseProto(x)
	case *Thread:
		return g.traverseThread(x)
	}
	panic(&InternalError{What: "propagateMark: unexpected gray object " + h.tt.String()})
}

func (g *State) propagateAll() {
	for g.gc.gray != nil {
		g.propagateMark()
	}
}

// ---------------------------------------------------------------------------
// Traversals
// ---------------------------------------------------------------------------

func (g *State) traverseTable(t *Table) int64 {
	g.markTable(t.metatable)
	wk, wv := g.weakMode(t)
	switch {
	case wk && wv:
		g.linkGray(t, &g.gc.allweak)
	case wk:
		g.traverseEphemeron(t, false)
	case wv:
		g.traverseWeakValue(t)
	default:
		g.traverseStrongTable(t)
	}
	return 1 + int64(len(t.array)) + 2*int64(len(t.node))
}

func (g *State) traverseStrongTable(t *Table) {
	for _, v := range t.array {
		g.markValue(v)
	}
	for i := range t.node {
		n := &t.node[i]
		if n.val.IsNil() {
			n.clearKey()
			continue
		}
		g.markValue(n.key)
		g.markValue(n.val)
	}
	g.genLink(t)
}

func (g *State) traverseUserdata(u *Userdata) int64 {
	g.markTable(u.metatable)
	for _, v := range u.user {
		g.markValue(v)
	}
	g.genLink(u)
	return 1 + int64(len(u.user))
}

func (g *State) traverseProto(p *Proto) int64 {
	g.markString(p.source)
	for _, k := range p.k {
		g.markValue(k)
	}
	for i := range p.upvalues {
		g.markString(p.upvalues[i].Name)
	}
	for _, c := range p.p {
		g.markProto(c)
	}
	for i := range p.locvars {
		g.markString(p.locvars[i].Name)
	}
	return 1 + int64(len(p.k)+len(p.upvalues)+len(p.p)+len(p.locvars))
}

func (g *State) traverseGoClosure(cl *GoClosure) int64 {
	for _, v := range cl.upvalues {
		g.markValue(v)
	}
	return 1 + int64(len(cl.upvalues))
}

func (g *State) traverseLClosure(cl *LClosure) int64 {
	g.markProto(cl.proto)
	for _, uv := range cl.upvals {
		g.markUpval(uv)
	}
	return 1 + int64(len(cl.upvals))
}

// traverseThread marks the live part of a thread's stack and its open
// upvalues. Stacks change without barriers, so a thread traversed while
// propagating, or an old thread, is traversed again in the atomic phase.
func (g *State) traverseThread(th *Thread) int64 {
	if th.isOld() || g.gc.state == StatePropagate {
		g.linkGray(th, &g.gc.grayagain)
	}
	if th.stack == nil {
		return 1
	}
	g.assert(g.gc.state == StateAtomic || th.openupval == nil || th.inTwups,
		"thread with open upvalues missing from twups")
	for _, v := range th.stack[:th.top] {
		g.markValue(v)
	}
	for uv := th.openupval; uv != nil; uv = uv.openNext {
		g.markObject(uv)
	}
	if g.gc.state == StateAtomic {
		if !g.gc.emergency {
			th.shrinkStack()
		}
		clear(th.stack[th.top:])
		if !th.inTwups && th.openupval != nil {
			th.twupsNext = g.gc.twups
			th.inTwups = true
			g.gc.twups = th
		}
	}
	return 1 + int64(len(th.stack))
}

// remarkUpvals drops dead threads and threads without open upvalues from
// twups. For a dropped thread, the values of its visited open upvalues are
// marked, since stack writes are not covered by barriers.
func (g *State) remarkUpvals() int64 {
	var work int64
	p := &g.gc.twups
	for *p != nil {
		th := *p
		work++
		if !th.isWhite() && th.openupval != nil {
			p = &th.twupsNext
			continue
		}
		*p = th.twupsNext
		th.twupsNext = nil
		th.inTwups = false
		for uv := th.openupval; uv != nil; uv = uv.openNext {
			work++
			if !uv.isWhite() {
				g.assert(uv.isOpen() && uv.isGray(), "remarkUpvals: visited upvalue is not open and gray")
				g.markValue(uv.get())
			}
		}
	}
	return work
}

// ---------------------------------------------------------------------------
// Atomic phase
// ---------------------------------------------------------------------------

// atomic finishes marking in one indivisible pass, clears weak tables,
// separates unreachable objects with finalizers, and flips the current
// white.
func (g *State) atomic() {
	gc := &g.gc
	grayagain := gc.grayagain
	gc.grayagain = nil
	g.assert(gc.ephemeron == nil && gc.weak == nil, "atomic: weak lists not empty")
	gc.state = StateAtomic
	g.markObject(g.current())
	// The registry and default metatables can change through the API
	// without barriers.
	g.markTable(g.registry)
	g.markMetatables()
	g.propagateAll()
	g.remarkUpvals()
	g.propagateAll()
	gc.gray = grayagain
	g.propagateAll()
	g.convergeEphemerons()
	// All strongly reachable objects are marked. Clear values from weak
	// tables before resurrecting objects with finalizers.
	g.clearByValues(gc.weak, nil)
	g.clearByValues(gc.allweak, nil)
	origWeak, origAll := gc.weak, gc.allweak
	g.separateToBeFinalized(false)
	g.markBeingFinalized()
	g.propagateAll()
	g.convergeEphemerons()
	// All resurrected objects are marked.
	g.clearByKeys(gc.ephemeron)
	g.clearByKeys(gc.allweak)
	g.clearByValues(gc.weak, origWeak)
	g.clearByValues(gc.allweak, origAll)
	gc.currentWhite = g.otherWhite()
	g.assert(gc.gray == nil, "atomic: gray list not empty")
}

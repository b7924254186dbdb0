package vm

import "fmt"

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func checkPointer(p *Object, o Object) {
	if *p == o {
		*p = o.gcHeader().next
	}
}

// correctPointers moves the generational boundaries off o before o leaves
// allgc.
func (g *State) correctPointers(o Object) {
	checkPointer(&g.gc.survival, o)
	checkPointer(&g.gc.old1, o)
	checkPointer(&g.gc.reallyOld, o)
	checkPointer(&g.gc.firstOld1, o)
}

// checkFinalizer moves o to the finobj list if mt has a __gc field. An
// object already registered, or any object while the state is closing, is
// left alone.
func (g *State) checkFinalizer(o Object, mt *Table) {
	h := o.gcHeader()
	if h.separated || g.fastTM(mt, tmGC).IsNil() || g.gc.stp&stopClosing != 0 {
		return
	}
	if g.isSweepPhase() {
		g.makeWhite(o)
		if g.gc.sweepgc == &h.next {
			g.gc.sweepgc = g.sweepToLive(g.gc.sweepgc)
		}
	} else {
		g.correctPointers(o)
	}
	p := &g.gc.allgc
	for *p != o {
		p = &(*p).gcHeader().next
	}
	*p = h.next
	h.next = g.gc.finobj
	h.owner = listFinObj
	g.gc.finobj = o
	h.separated = true
}

// ---------------------------------------------------------------------------
// Separation
// ---------------------------------------------------------------------------

// separateToBeFinalized moves the unreachable objects of finobj (all of
// them when all is set) to the end of tobefnz, keeping their order.
func (g *State) separateToBeFinalized(all bool) {
	gc := &g.gc
	lastNext := &gc.tobefnz
	for *lastNext != nil {
		lastNext = &(*lastNext).gcHeader().next
	}
	p := &gc.finobj
	for *p != gc.finobjOld1 {
		curr := *p
		h := curr.gcHeader()
		g.assert(h.separated, "object #%d on finobj without finalizer flag", h.id)
		if !(h.isWhite() || all) {
			p = &h.next
			continue
		}
		if curr == gc.finobjSur {
			gc.finobjSur = h.next
		}
		*p = h.next
		h.next = *lastNext
		h.owner = listToBeFnz
		*lastNext = curr
		lastNext = &h.next
	}
}

// ---------------------------------------------------------------------------
// Running finalizers
// ---------------------------------------------------------------------------

// udata2finalize takes the first object of tobefnz and returns it to
// allgc as a normal object.
func (g *State) udata2finalize() Object {
	gc := &g.gc
	o := gc.tobefnz
	h := o.gcHeader()
	g.assert(h.separated, "udata2finalize: object #%d not separated", h.id)
	gc.tobefnz = h.next
	h.next = gc.allgc
	h.owner = listAllGC
	gc.allgc = o
	h.separated = false
	if g.isSweepPhase() {
		g.makeWhite(o)
	} else if h.age == AgeOld1 {
		gc.firstOld1 = o
	}
	return o
}

// runOneFinalizer calls the __gc metamethod of the first object waiting
// for finalization. The call runs with collector steps and hooks disabled;
// an error it raises becomes a warning.
func (g *State) runOneFinalizer() {
	gc := &g.gc
	g.assert(!gc.emergency, "finalizer run during an emergency collection")
	v := ObjectValue(g.udata2finalize())
	fn := g.metamethod(v, tmGC)
	if fn.IsNil() {
		return
	}
	L := g.current()
	oldAllow := L.allowHook
	oldStp := gc.stp
	gc.stp |= stopGC
	L.allowHook = false
	top := L.top
	err := L.protect(top, func() {
		L.checkStack(2)
		L.push(fn)
		L.push(v)
		L.call(top, 0)
	})
	L.allowHook = oldAllow
	gc.stp = oldStp
	gc.finalized++
	gc.cycleFinalized++
	if err != nil {
		g.warn(fmt.Sprintf("error in __gc metamethod (%v)", err))
	}
}

func (g *State) callAllPendingFinalizers() {
	for g.gc.tobefnz != nil {
		g.runOneFinalizer()
	}
}

// freeAllObjects finalizes every object with a finalizer, reachable or
// not, then frees the whole heap.
func (g *State) freeAllObjects() {
	gc := &g.gc
	gc.stp = stopClosing
	g.changeMode(KindIncremental)
	g.separateToBeFinalized(true)
	g.assert(gc.finobj == nil, "finobj not empty after separating all")
	g.callAllPendingFinalizers()
	g.clearGrayLists()
	g.deleteList(gc.allgc, g.mainThread)
	g.assert(gc.finobj == nil, "finalizer registered while closing")
	g.deleteList(gc.fixedgc, nil)
	gc.allgc = g.mainThread
	g.mainThread.next = nil
	gc.fixedgc = nil
}

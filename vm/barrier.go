package vm

// ---------------------------------------------------------------------------
// Write barriers
// ---------------------------------------------------------------------------

// barrier is the forward barrier, run when a reference to the white object
// v is stored into the black object o. While the invariant is kept, v is
// marked at once; a v stored into an old object becomes old0 so that it is
// not yet treated as fully old. During sweeping in incremental mode, o is
// whitened instead so further stores into it need no barrier.
func (g *State) barrier(o, v Object) {
	oh, vh := o.gcHeader(), v.gcHeader()
	g.assert(oh.isBlack() && vh.isWhite() && !g.isDead(v) && !g.isDead(o),
		"barrier: bad colors %s -> %s", oh.color, vh.color)
	if g.keepInvariant() {
		g.reallyMark(v)
		if oh.isOld() {
			g.assert(!vh.isOld(), "barrier: white object #%d is old", vh.id)
			vh.age = AgeOld0
		}
		return
	}
	g.assert(g.isSweepPhase(), "barrier outside marking and sweeping")
	if g.gc.kind != KindGenMinor {
		g.makeWhite(o)
	}
}

// barrierBack is the backward barrier, run when the black object o may
// receive many new references at once. o goes back to gray, on grayagain
// unless it is touched2 and already there. An old o becomes touched1.
func (g *State) barrierBack(o Object) {
	h := o.gcHeader()
	g.assert(h.isBlack() && !g.isDead(o), "barrierBack: object #%d not black", h.id)
	g.assert(g.gc.kind != KindGenMinor || (h.isOld() && h.age != AgeTouched1),
		"barrierBack: object #%d has age %s in minor mode", h.id, h.age)
	if h.age == AgeTouched2 {
		set2gray(o)
	} else {
		g.linkGray(o, &g.gc.grayagain)
	}
	if h.isOld() {
		h.age = AgeTouched1
	}
}

// barrierValue runs the forward barrier for storing v into o when needed.
func (g *State) barrierValue(o Object, v Value) {
	if v.tt.collectable() && o.gcHeader().isBlack() && v.gc.gcHeader().isWhite() {
		g.barrier(o, v.gc)
	}
}

// barrierObject runs the forward barrier for storing v into o when needed.
func (g *State) barrierObject(o, v Object) {
	if o.gcHeader().isBlack() && v.gcHeader().isWhite() {
		g.barrier(o, v)
	}
}

// barrierBackValue runs the backward barrier for storing v into o when
// needed.
func (g *State) barrierBackValue(o Object, v Value) {
	if v.tt.collectable() && o.gcHeader().isBlack() && v.gc.gcHeader().isWhite() {
		g.barrierBack(o)
	}
}

// Barrier is the forward write barrier for embedders that store a
// reference to v inside o by other means than the API.
func (g *State) Barrier(o, v Object) {
	g.barrierObject(o, v)
}

// BarrierBack is the backward write barrier for embedders.
func (g *State) BarrierBack(o Object) {
	if o.gcHeader().isBlack() {
		g.barrierBack(o)
	}
}

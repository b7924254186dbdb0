package vm

import "time"

// ---------------------------------------------------------------------------
// Generational mode
//
// In generational mode allgc is split by boundary pointers:
//
//	allgc .. survival   new objects
//	survival .. old1    objects that survived one minor collection
//	old1 .. reallyOld   objects that became old in the last collection
//	reallyOld .. nil    old objects
//
// finobj is split the same way by finobjSur, finobjOld1 and finobjROld.
// ---------------------------------------------------------------------------

// markOld makes the old1 objects between from and to fully old, and
// traverses the black ones again: they may point to objects that are
// still young.
func (g *State) markOld(from, to Object) {
	for p := from; p != to; p = p.gcHeader().next {
		h := p.gcHeader()
		if h.age != AgeOld1 {
			continue
		}
		g.assert(!h.isWhite(), "markOld: old1 object #%d is white", h.id)
		h.age = AgeOld
		if h.isBlack() {
			g.reallyMark(p)
		}
	}
}

// finishGenCycle ends a generational cycle.
func (g *State) finishGenCycle() {
	g.correctGrayLists()
	g.checkSizes()
	g.gc.state = StatePropagate
	if !g.gc.emergency {
		g.callAllPendingFinalizers()
	}
}

// minorToInc leaves minor collections, continuing as an incremental cycle
// of the given kind from the sweep phase.
func (g *State) minorToInc(kind Kind) {
	gc := &g.gc
	gc.majorMinor = gc.marked
	gc.kind = kind
	gc.reallyOld, gc.old1, gc.survival = nil, nil, nil
	gc.finobjROld, gc.finobjOld1, gc.finobjSur = nil, nil, nil
	g.enterSweep()
	g.setDebt(g.applyGCParam(ParamStepSize, 100))
}

// checkMinorMajor reports whether the bytes promoted to old since the last
// major collection exceed minormajor percent of its live bytes. A zero
// parameter disables major collections.
func (g *State) checkMinorMajor() bool {
	limit := g.applyGCParam(ParamMinorMajor, g.gc.majorMinor)
	if limit == 0 {
		return false
	}
	return g.gc.marked >= limit
}

// youngCollection performs a minor collection.
func (g *State) youngCollection() {
	gc := &g.gc
	g.assert(gc.state == StatePropagate, "youngCollection in state %s", gc.state)
	gc.cycleStart = time.Now()
	marked := gc.marked
	var addedOld1 int64
	if gc.firstOld1 != nil {
		g.markOld(gc.firstOld1, gc.reallyOld)
		gc.firstOld1 = nil
	}
	g.markOld(gc.finobj, gc.finobjROld)
	g.markOld(gc.tobefnz, nil)

	g.atomic()

	// Sweep the nursery and get the link of its last live element.
	gc.state = StateSweepAllGC
	psurvival := g.sweepGen(&gc.allgc, gc.survival, &gc.firstOld1, &addedOld1)
	g.sweepGen(psurvival, gc.old1, &gc.firstOld1, &addedOld1)
	gc.reallyOld = gc.old1
	gc.old1 = *psurvival
	gc.survival = gc.allgc

	// Same for finobj, without the firstOld1 shortcut.
	var dummy Object
	psurvival = g.sweepGen(&gc.finobj, gc.finobjSur, &dummy, &addedOld1)
	g.sweepGen(psurvival, gc.finobjOld1, &dummy, &addedOld1)
	gc.finobjROld = gc.finobjOld1
	gc.finobjOld1 = *psurvival
	gc.finobjSur = gc.finobj

	g.sweepGen(&gc.tobefnz, nil, &dummy, &addedOld1)

	gc.marked = marked + addedOld1
	g.endCycle(KindGenMinor)

	if g.checkMinorMajor() {
		g.log.Debugf("promoted %d bytes since last major collection, switching to major mode", gc.marked)
		g.minorToInc(KindGenMajor)
		// Avoid a pause before the first major cycle.
		gc.marked = 0
	} else {
		g.finishGenCycle()
	}
}

// atomicToGen turns a freshly marked heap into a generational one: every
// survivor becomes old.
func (g *State) atomicToGen() {
	gc := &g.gc
	g.clearGrayLists()
	gc.state = StateSweepAllGC
	g.sweepToOld(&gc.allgc)
	gc.reallyOld, gc.old1, gc.survival = gc.allgc, gc.allgc, gc.allgc
	gc.firstOld1 = nil

	g.sweepToOld(&gc.finobj)
	gc.finobjROld, gc.finobjOld1, gc.finobjSur = gc.finobj, gc.finobj, gc.finobj

	g.sweepToOld(&gc.tobefnz)

	g.endCycle(gc.kind)
	gc.kind = KindGenMinor
	gc.majorMinor = gc.marked
	gc.marked = 0
	g.finishGenCycle()
}

// setMinorDebt allows minormul percent of the live bytes to be allocated
// before the next minor collection.
func (g *State) setMinorDebt() {
	g.setDebt(g.applyGCParam(ParamMinorMul, g.gc.majorMinor))
}

// enterGen runs a full incremental cycle up to the atomic phase and turns
// its result into a generational heap.
func (g *State) enterGen() {
	g.runUntilState(StatePause, true)
	g.runUntilState(StatePropagate, true)
	g.atomic()
	g.atomicToGen()
	g.setMinorDebt()
}

// fullGen performs a full collection in generational mode.
func (g *State) fullGen() {
	g.minorToInc(KindIncremental)
	g.enterGen()
}

// checkMajorMinor runs after the atomic phase of a major collection. If
// more than majorminor percent of the bytes allocated since the last major
// collection turned out to be garbage, the collector returns to minor
// collections.
func (g *State) checkMajorMinor() bool {
	gc := &g.gc
	if gc.kind == KindGenMajor {
		total := gc.totalBytes
		added := total - gc.majorMinor
		limit := g.applyGCParam(ParamMajorMinor, added)
		toBeCollected := total - gc.marked
		if toBeCollected > limit {
			g.log.Debugf("major collection reclaims %d bytes, returning to minor mode", toBeCollected)
			g.atomicToGen()
			g.setMinorDebt()
			return true
		}
	}
	gc.majorMinor = gc.marked
	return false
}

package vm

// ---------------------------------------------------------------------------
// Incremental sweep
// ---------------------------------------------------------------------------

// sweepList sweeps at most count objects (all of them when count is
// negative) starting at the link p. Objects carrying the stale white are
// freed; the others become current white with age new. It returns the link
// to continue from, or nil at the end of the list.
func (g *State) sweepList(p *Object, count int) *Object {
	ow := g.otherWhite()
	white := g.gc.currentWhite
	for i := 0; *p != nil && (count < 0 || i < count); i++ {
		curr := *p
		h := curr.gcHeader()
		if h.color == ow {
			*p = h.next
			g.freeObject(curr)
		} else {
			h.color = white
			h.age = AgeNew
			p = &h.next
		}
	}
	if *p == nil {
		return nil
	}
	return p
}

// sweepToLive sweeps until it moves past at least one live object, so the
// returned link belongs to an object that will not be freed.
func (g *State) sweepToLive(p *Object) *Object {
	old := p
	for {
		p = g.sweepList(p, 1)
		if p != old {
			return p
		}
	}
}

// deleteList frees every object from p up to limit.
func (g *State) deleteList(p, limit Object) {
	for p != nil && p != limit {
		next := p.gcHeader().next
		g.freeObject(p)
		p = next
	}
}

// ---------------------------------------------------------------------------
// Generational sweep
// ---------------------------------------------------------------------------

// nextAge is the age an object reaches when it survives a minor
// collection. Old0 only comes from barriers; sweeping never produces it.
var nextAge = [...]Age{
	AgeNew:      AgeSurvival,
	AgeSurvival: AgeOld1,
	AgeOld0:     AgeOld1,
	AgeOld1:     AgeOld,
	AgeOld:      AgeOld,
	AgeTouched1: AgeTouched1,
	AgeTouched2: AgeTouched2,
}

// sweepGen sweeps a generational list up to limit. Dead objects are freed,
// new objects become white survivals, others advance along nextAge keeping
// their color. Bytes becoming old1 are added to addedOld and the first old1
// object is remembered in firstOld1.
func (g *State) sweepGen(p *Object, limit Object, firstOld1 *Object, addedOld *int64) *Object {
	white := g.gc.currentWhite
	for *p != limit {
		curr := *p
		h := curr.gcHeader()
		if h.isWhite() {
			g.assert(!h.isOld() && g.isDead(curr), "sweepGen: white object #%d is old or not dead", h.id)
			*p = h.next
			g.freeObject(curr)
			continue
		}
		if h.age == AgeNew {
			h.color = white
			h.age = AgeSurvival
		} else {
			g.assert(h.age != AgeOld1, "sweepGen: old1 object #%d not advanced by markOld", h.id)
			h.age = nextAge[h.age]
			if h.age == AgeOld1 {
				*addedOld += objSize(curr)
				if *firstOld1 == nil {
					*firstOld1 = curr
				}
			}
		}
		p = &h.next
	}
	return p
}

// sweepToOld frees dead objects and makes every survivor old. Threads go
// to grayagain because stacks are not covered by barriers; open upvalues
// stay gray.
func (g *State) sweepToOld(p *Object) {
	for *p != nil {
		curr := *p
		h := curr.gcHeader()
		if h.isWhite() {
			g.assert(g.isDead(curr), "sweepToOld: white object #%d is not dead", h.id)
			*p = h.next
			g.freeObject(curr)
			continue
		}
		h.age = AgeOld
		switch x := curr.(type) {
		case *Thread:
			g.linkGray(x, &g.gc.grayagain)
		case *Upval:
			if x.isOpen() {
				set2gray(x)
			} else {
				nw2black(x)
			}
		default:
			nw2black(curr)
		}
		p = &h.next
	}
}

// correctGrayList prepares a gray list for the next minor collection.
// White objects leave the list; objects touched in this cycle become black
// and touched2 and stay; threads stay; everything else becomes black and
// leaves. It returns the link at the end of the list.
func (g *State) correctGrayList(p *Object) *Object {
	for *p != nil {
		curr := *p
		h := curr.gcHeader()
		switch {
		case h.isWhite():
		case h.age == AgeTouched1:
			g.assert(h.isGray(), "correctGrayList: touched1 object #%d not gray", h.id)
			nw2black(curr)
			h.age = AgeTouched2
			p = &h.gclist
			continue
		case h.tt == TypeThread:
			p = &h.gclist
			continue
		default:
			g.assert(h.isOld(), "correctGrayList: young object #%d not white", h.id)
			if h.age == AgeTouched2 {
				h.age = AgeOld
			}
			nw2black(curr)
		}
		*p = h.gclist
		h.gclist = nil
		h.inGray = false
	}
	return p
}

// correctGrayLists merges all gray lists into grayagain, keeping only the
// objects the next minor collection must revisit.
func (g *State) correctGrayLists() {
	gc := &g.gc
	list := g.correctGrayList(&gc.grayagain)
	*list = gc.weak
	gc.weak = nil
	list = g.correctGrayList(list)
	*list = gc.allweak
	gc.allweak = nil
	list = g.correctGrayList(list)
	*list = gc.ephemeron
	gc.ephemeron = nil
	g.correctGrayList(list)
}

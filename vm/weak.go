package vm

// ---------------------------------------------------------------------------
// Weak tables
// ---------------------------------------------------------------------------

// isCleared reports whether a weak reference to the value in v should be
// removed. Strings are values, never weak: they are marked instead.
func (g *State) isCleared(v Value) bool {
	if !v.tt.collectable() {
		return false
	}
	if v.tt.isString() {
		g.markObject(v.gc)
		return false
	}
	return v.gc.gcHeader().isWhite()
}

func valueIsWhite(v Value) bool {
	return v.tt.collectable() && v.gc.gcHeader().isWhite()
}

// traverseWeakValue marks the keys of a table with weak values. The table
// goes to weak when it may hold values to clear after the atomic phase,
// otherwise to grayagain.
func (g *State) traverseWeakValue(t *Table) {
	// An array part may hold white values; not worth checking now.
	hasClears := len(t.array) > 0
	for i := range t.node {
		n := &t.node[i]
		if n.val.IsNil() {
			n.clearKey()
			continue
		}
		g.markValue(n.key)
		if !hasClears && g.isCleared(n.val) {
			hasClears = true
		}
	}
	if g.gc.state == StateAtomic && hasClears {
		g.linkGray(t, &g.gc.weak)
	} else {
		g.linkGray(t, &g.gc.grayagain)
	}
}

// traverseEphemeron marks the values whose keys are marked and reports
// whether it marked anything. With inverse set the hash part is walked
// backwards, which speeds up convergence of chains of ephemerons.
func (g *State) traverseEphemeron(t *Table, inverse bool) bool {
	marked := false
	hasClears := false // table has white keys
	hasWW := false     // table has white key to white value entries
	for _, v := range t.array {
		if valueIsWhite(v) {
			marked = true
			g.reallyMark(v.gc)
		}
	}
	nsize := len(t.node)
	for i := 0; i < nsize; i++ {
		j := i
		if inverse {
			j = nsize - 1 - i
		}
		n := &t.node[j]
		switch {
		case n.val.IsNil():
			n.clearKey()
		case g.isCleared(n.key):
			hasClears = true
			if valueIsWhite(n.val) {
				hasWW = true
			}
		case valueIsWhite(n.val):
			marked = true
			g.reallyMark(n.val.gc)
		}
	}
	switch {
	case g.gc.state == StatePropagate:
		g.linkGray(t, &g.gc.grayagain)
	case hasWW:
		g.linkGray(t, &g.gc.ephemeron)
	case hasClears:
		g.linkGray(t, &g.gc.allweak)
	default:
		g.genLink(t)
	}
	return marked
}

// convergeEphemerons traverses the ephemeron list until no more values get
// marked, and reports whether any value was marked.
func (g *State) convergeEphemerons() bool {
	markedAny := false
	inverse := false
	for {
		next := g.gc.ephemeron
		g.gc.ephemeron = nil
		changed := false
		for next != nil {
			t := next.(*Table)
			next = t.gclist
			t.gclist = nil
			t.inGray = false
			nw2black(t)
			if g.traverseEphemeron(t, inverse) {
				g.propagateAll()
				changed = true
			}
		}
		if !changed {
			return markedAny
		}
		markedAny = true
		inverse = !inverse
	}
}

// clearByKeys removes the entries with unmarked keys from every table on
// the list.
func (g *State) clearByKeys(l Object) {
	for ; l != nil; l = l.gcHeader().gclist {
		t := l.(*Table)
		for i := range t.node {
			n := &t.node[i]
			if g.isCleared(n.key) {
				n.val = Nil
			}
			if n.val.IsNil() {
				n.clearKey()
			}
		}
	}
}

// clearByValues removes the entries with unmarked values from the tables
// on the list up to, but not including, stop.
func (g *State) clearByValues(l, stop Object) {
	for ; l != stop; l = l.gcHeader().gclist {
		t := l.(*Table)
		for i, v := range t.array {
			if g.isCleared(v) {
				t.array[i] = Nil
			}
		}
		for i := range t.node {
			n := &t.node[i]
			if g.isCleared(n.val) {
				n.val = Nil
			}
			if n.val.IsNil() {
				n.clearKey()
			}
		}
	}
}

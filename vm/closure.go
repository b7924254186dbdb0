package vm

// ---------------------------------------------------------------------------
// Prototypes
// ---------------------------------------------------------------------------

// UpvalDesc describes how a closure captures one upvalue: from a register
// of the enclosing function (InStack) or from one of its upvalues.
type UpvalDesc struct {
	Name    *String
	InStack bool
	Index   uint8
}

// LocVar is debug information about a local variable.
type LocVar struct {
	Name    *String
	StartPC int
	EndPC   int
}

// Proto is a compiled function.
type Proto struct {
	header
	source    *String
	k         []Value
	p         []*Proto
	code      []Instruction
	upvalues  []UpvalDesc
	locvars   []LocVar
	numParams uint8
	maxStack  uint8
}

// Source returns the prototype's source name, or "".
func (p *Proto) Source() string {
	if p.source == nil {
		return ""
	}
	return p.source.s
}

// Code returns the prototype's instructions.
func (p *Proto) Code() []Instruction { return p.code }

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// GoFunction is a function implemented in Go. Its arguments are the values
// of the current frame; it pushes its results and returns how many there
// are. A returned error is raised in the calling thread.
type GoFunction func(t *Thread) (int, error)

// LClosure is a closure over a bytecode prototype.
type LClosure struct {
	header
	proto  *Proto
	upvals []*Upval
}

// Proto returns the closure's prototype.
func (cl *LClosure) Proto() *Proto { return cl.proto }

// GoClosure is a Go function with upvalues.
type GoClosure struct {
	header
	fn       GoFunction
	upvalues []Value
}

func (g *State) newLClosure(p *Proto) *LClosure {
	cl := &LClosure{proto: p, upvals: make([]*Upval, len(p.upvalues))}
	g.newObject(cl, TypeLuaClosure)
	return cl
}

func (g *State) newGoClosure(fn GoFunction, nup int) *GoClosure {
	cl := &GoClosure{fn: fn, upvalues: make([]Value, nup)}
	g.newObject(cl, TypeGoClosure)
	return cl
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// Upval is a variable captured by a closure. While open it refers to a
// slot of its thread's stack by index; once closed it holds the value
// itself.
type Upval struct {
	header
	thread *Thread
	index  int
	value  Value
	open   bool
	// Open upvalues of a thread form a list sorted by decreasing index.
	openNext *Upval
	openPrev **Upval
}

func (u *Upval) isOpen() bool { return u.open }

func (u *Upval) get() Value {
	if u.open {
		return u.thread.stack[u.index]
	}
	return u.value
}

func (u *Upval) set(v Value) {
	if u.open {
		u.thread.stack[u.index] = v
	} else {
		u.value = v
	}
}

// unlink removes an open upvalue from its thread's list.
func (u *Upval) unlink() {
	*u.openPrev = u.openNext
	if u.openNext != nil {
		u.openNext.openPrev = u.openPrev
	}
	u.openNext = nil
	u.openPrev = nil
}

// findUpval returns the open upvalue for stack slot level, creating it if
// needed.
func (t *Thread) findUpval(level int) *Upval {
	g := t.g
	pp := &t.openupval
	for p := *pp; p != nil && p.index >= level; p = *pp {
		g.assert(!g.isDead(p), "findUpval: dead open upvalue")
		if p.index == level {
			return p
		}
		pp = &p.openNext
	}
	return t.newUpval(level, pp)
}

func (t *Thread) newUpval(level int, prev **Upval) *Upval {
	g := t.g
	uv := &Upval{thread: t, index: level, open: true}
	g.newObject(uv, TypeUpval)
	next := *prev
	uv.openNext = next
	uv.openPrev = prev
	if next != nil {
		next.openPrev = &uv.openNext
	}
	*prev = uv
	if !t.inTwups {
		t.twupsNext = g.gc.twups
		t.inTwups = true
		g.gc.twups = t
	}
	return uv
}

// closeUpvals closes every open upvalue at or above stack slot level.
func (t *Thread) closeUpvals(level int) {
	g := t.g
	for uv := t.openupval; uv != nil && uv.index >= level; uv = t.openupval {
		v := t.stack[uv.index]
		uv.unlink()
		uv.value = v
		uv.open = false
		uv.thread = nil
		if !uv.isWhite() {
			// Closed upvalues cannot be gray.
			nw2black(uv)
			g.barrierValue(uv, v)
		}
	}
}

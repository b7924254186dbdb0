package vm

import "fmt"

// ---------------------------------------------------------------------------
// Stack indices
// ---------------------------------------------------------------------------

// RegistryIndex is the pseudo-index of the registry table.
const RegistryIndex = -DefaultMaxStack - 1000

// UpvalueIndex returns the pseudo-index of upvalue i (1-based) of the
// running Go closure.
func UpvalueIndex(i int) int { return RegistryIndex - i }

// slot converts an acceptable stack index to an absolute slot. Pseudo
// indices and positions above top yield -1.
func (t *Thread) slot(idx int) int {
	switch {
	case idx > 0:
		o := t.ci.fn + idx
		if o >= t.top {
			return -1
		}
		return o
	case idx > RegistryIndex:
		if idx == 0 || -idx > t.top-(t.ci.fn+1) {
			panic(&InternalError{What: fmt.Sprintf("invalid stack index %d", idx)})
		}
		return t.top + idx
	}
	return -1
}

// Index returns the value at idx. Positions above top read as nil.
func (t *Thread) Index(idx int) Value {
	switch {
	case idx == RegistryIndex:
		return ObjectValue(t.g.registry)
	case idx < RegistryIndex:
		cl, ok := t.stack[t.ci.fn].gc.(*GoClosure)
		n := RegistryIndex - idx
		if !ok || n > len(cl.upvalues) {
			return Nil
		}
		return cl.upvalues[n-1]
	}
	if o := t.slot(idx); o >= 0 {
		return t.stack[o]
	}
	return Nil
}

// setIndex stores v at idx, which may be an upvalue pseudo-index.
func (t *Thread) setIndex(idx int, v Value) {
	if idx < RegistryIndex {
		cl, ok := t.stack[t.ci.fn].gc.(*GoClosure)
		n := RegistryIndex - idx
		if !ok || n > len(cl.upvalues) {
			panic(&InternalError{What: fmt.Sprintf("invalid upvalue index %d", n)})
		}
		cl.upvalues[n-1] = v
		t.g.barrierValue(cl, v)
		return
	}
	o := t.slot(idx)
	if o < 0 {
		panic(&InternalError{What: fmt.Sprintf("invalid stack index %d", idx)})
	}
	t.stack[o] = v
}

// AbsIndex converts a relative index into an absolute one.
func (t *Thread) AbsIndex(idx int) int {
	if idx > 0 || idx <= RegistryIndex {
		return idx
	}
	return t.top - t.ci.fn + idx
}

// Top returns the index of the top element, which is also the number of
// elements in the current frame.
func (t *Thread) Top() int { return t.top - (t.ci.fn + 1) }

// SetTop sets the top of the frame. New slots are nil.
func (t *Thread) SetTop(idx int) {
	base := t.ci.fn + 1
	var ntop int
	if idx >= 0 {
		ntop = base + idx
		t.checkStack(ntop - t.top)
		for t.top < ntop {
			t.stack[t.top] = Nil
			t.top++
		}
	} else {
		ntop = t.top + idx + 1
		if ntop < base {
			panic(&InternalError{What: fmt.Sprintf("invalid new top %d", idx)})
		}
	}
	t.top = ntop
}

// Pop removes n elements.
func (t *Thread) Pop(n int) { t.SetTop(-n - 1) }

// CheckStack ensures room for n more elements.
func (t *Thread) CheckStack(n int) error {
	return catch(func() { t.checkStack(n) })
}

// Replace pops the top value and stores it at idx.
func (t *Thread) Replace(idx int) {
	v := t.stack[t.top-1]
	t.setIndex(idx, v)
	t.top--
}

// ---------------------------------------------------------------------------
// Push functions
// ---------------------------------------------------------------------------

// Push pushes v.
func (t *Thread) Push(v Value) {
	t.checkStack(1)
	t.push(v)
}

// PushNil pushes nil.
func (t *Thread) PushNil() { t.Push(Nil) }

// PushBool pushes a boolean.
func (t *Thread) PushBool(b bool) { t.Push(Bool(b)) }

// PushInt pushes an integer.
func (t *Thread) PushInt(i int64) { t.Push(Int(i)) }

// PushFloat pushes a float.
func (t *Thread) PushFloat(f float64) { t.Push(Float(f)) }

// PushValue pushes a copy of the value at idx.
func (t *Thread) PushValue(idx int) { t.Push(t.Index(idx)) }

// PushString pushes a string and returns the string object.
func (t *Thread) PushString(s string) *String {
	t.checkStack(1)
	ts := t.g.newString(s)
	t.push(ObjectValue(ts))
	t.g.checkGC()
	return ts
}

// PushGoFunction pushes a Go function without upvalues.
func (t *Thread) PushGoFunction(fn GoFunction) { t.PushGoClosure(fn, 0) }

// PushGoClosure pops n values and pushes a Go closure with them as
// upvalues.
func (t *Thread) PushGoClosure(fn GoFunction, n int) {
	t.checkStack(1)
	cl := t.g.newGoClosure(fn, n)
	t.top -= n
	copy(cl.upvalues, t.stack[t.top:t.top+n])
	t.push(ObjectValue(cl))
	t.g.checkGC()
}

// PushGlobalTable pushes the globals table.
func (t *Thread) PushGlobalTable() { t.Push(ObjectValue(t.g.Globals())) }

// ---------------------------------------------------------------------------
// Object creation
// ---------------------------------------------------------------------------

// NewTable pushes a new empty table.
func (t *Thread) NewTable() *Table { return t.CreateTable(0, 0) }

// CreateTable pushes a new table with room for narr array elements and
// nrec hash entries.
func (t *Thread) CreateTable(narr, nrec int) *Table {
	t.checkStack(1)
	tbl := t.g.newTable(narr, nrec)
	t.push(ObjectValue(tbl))
	t.g.checkGC()
	return tbl
}

// NewUserdata pushes a new userdata with a payload of size bytes and nuv
// user values.
func (t *Thread) NewUserdata(size, nuv int) *Userdata {
	t.checkStack(1)
	u := t.g.newUserdata(size, nuv)
	t.push(ObjectValue(u))
	t.g.checkGC()
	return u
}

// NewThread pushes a new thread sharing this thread's State.
func (t *Thread) NewThread() *Thread {
	t.checkStack(1)
	th := t.g.newThreadObject()
	th.hook = t.hook
	t.push(ObjectValue(th))
	t.g.checkGC()
	return th
}

// ---------------------------------------------------------------------------
// Table access
// ---------------------------------------------------------------------------

// GetField pushes t[k] for the table at idx and returns its type.
func (t *Thread) GetField(idx int, k string) Type {
	tv := t.Index(idx)
	t.checkStack(2)
	key := ObjectValue(t.g.newString(k))
	t.push(key)
	v := t.getTable(tv, key)
	t.stack[t.top-1] = v
	return v.tt
}

// SetField does t[k] = v, where t is at idx and v is the top value, and
// pops v.
func (t *Thread) SetField(idx int, k string) {
	tv := t.Index(idx)
	t.checkStack(1)
	key := ObjectValue(t.g.newString(k))
	t.push(key)
	t.setTable(tv, key, t.stack[t.top-2])
	t.top -= 2
}

// GetIndex pushes t[i] for the table at idx.
func (t *Thread) GetIndex(idx int, i int64) Type {
	tv := t.Index(idx)
	v := t.getTable(tv, Int(i))
	t.Push(v)
	return v.tt
}

// SetIndex does t[i] = v, where t is at idx and v is the top value, and
// pops v.
func (t *Thread) SetIndex(idx int, i int64) {
	tv := t.Index(idx)
	t.setTable(tv, Int(i), t.stack[t.top-1])
	t.top--
}

// GetTable replaces the key on top with t[key] for the table at idx.
func (t *Thread) GetTable(idx int) Type {
	tv := t.Index(idx)
	v := t.getTable(tv, t.stack[t.top-1])
	t.stack[t.top-1] = v
	return v.tt
}

// SetTable does t[k] = v with k and v the two top values, and pops both.
func (t *Thread) SetTable(idx int) {
	tv := t.Index(idx)
	t.setTable(tv, t.stack[t.top-2], t.stack[t.top-1])
	t.top -= 2
}

// RawGet is GetTable without metamethods.
func (t *Thread) RawGet(idx int) Type {
	tbl := t.tableAt(idx)
	v := tbl.Get(t.stack[t.top-1])
	t.stack[t.top-1] = v
	return v.tt
}

// RawSet is SetTable without metamethods.
func (t *Thread) RawSet(idx int) {
	tbl := t.tableAt(idx)
	if err := t.g.RawSet(tbl, t.stack[t.top-2], t.stack[t.top-1]); err != nil {
		throw(err)
	}
	t.top -= 2
}

// RawGetIndex pushes t[i] without metamethods.
func (t *Thread) RawGetIndex(idx int, i int64) Type {
	v := t.tableAt(idx).GetInt(i)
	t.Push(v)
	return v.tt
}

// RawSetIndex does t[i] = v without metamethods and pops v.
func (t *Thread) RawSetIndex(idx int, i int64) {
	t.g.RawSetInt(t.tableAt(idx), i, t.stack[t.top-1])
	t.top--
}

func (t *Thread) tableAt(idx int) *Table {
	tbl := t.Index(idx).Table()
	if tbl == nil {
		throw(runtimeErrorf("table expected, got %s", t.Index(idx).tt))
	}
	return tbl
}

// GetGlobal pushes the global name and returns its type.
func (t *Thread) GetGlobal(name string) Type {
	t.PushGlobalTable()
	tp := t.GetField(-1, name)
	t.stack[t.top-2] = t.stack[t.top-1]
	t.top--
	return tp
}

// SetGlobal pops a value and stores it as the global name.
func (t *Thread) SetGlobal(name string) {
	t.PushGlobalTable()
	t.stack[t.top-1], t.stack[t.top-2] = t.stack[t.top-2], t.stack[t.top-1]
	t.SetField(-2, name)
	t.top--
}

// ---------------------------------------------------------------------------
// Metatables, user values and upvalues
// ---------------------------------------------------------------------------

// GetMetatable pushes the metatable of the value at idx, if it has one.
func (t *Thread) GetMetatable(idx int) bool {
	mt := t.g.metatableOf(t.Index(idx))
	if mt == nil {
		return false
	}
	t.Push(ObjectValue(mt))
	return true
}

// SetMetatable pops a table or nil and makes it the metatable of the value
// at idx. A metatable with a __gc field registers the object for
// finalization.
func (t *Thread) SetMetatable(idx int) {
	g := t.g
	obj := t.Index(idx)
	mtv := t.stack[t.top-1]
	var mt *Table
	switch mtv.tt {
	case TypeNil:
	case TypeTable:
		mt = mtv.Table()
	default:
		throw(runtimeErrorf("table expected for metatable, got %s", mtv.tt))
	}
	switch obj.tt {
	case TypeTable:
		tbl := obj.Table()
		tbl.metatable = mt
		if mt != nil {
			g.barrierObject(tbl, mt)
			g.checkFinalizer(tbl, mt)
		}
	case TypeUserdata:
		u := obj.Userdata()
		u.metatable = mt
		if mt != nil {
			g.barrierObject(u, mt)
			g.checkFinalizer(u, mt)
		}
	default:
		g.mt[obj.tt.basic()] = mt
	}
	t.top--
}

// GetUserValue pushes user value n of the userdata at idx.
func (t *Thread) GetUserValue(idx, n int) Type {
	u := t.Index(idx).Userdata()
	v := Nil
	if u != nil {
		v = u.UserValue(n)
	}
	t.Push(v)
	return v.tt
}

// SetUserValue pops a value and stores it as user value n of the userdata
// at idx. It reports false if the userdata has no such value.
func (t *Thread) SetUserValue(idx, n int) bool {
	u := t.Index(idx).Userdata()
	ok := u != nil && t.g.setUserValue(u, n, t.stack[t.top-1])
	t.top--
	return ok
}

// GetUpvalue pushes upvalue n (1-based) of the closure at funcIdx.
func (t *Thread) GetUpvalue(funcIdx, n int) bool {
	switch cl := t.Index(funcIdx).gc.(type) {
	case *LClosure:
		if n < 1 || n > len(cl.upvals) || cl.upvals[n-1] == nil {
			return false
		}
		t.Push(cl.upvals[n-1].get())
		return true
	case *GoClosure:
		if n < 1 || n > len(cl.upvalues) {
			return false
		}
		t.Push(cl.upvalues[n-1])
		return true
	}
	return false
}

// SetUpvalue pops a value into upvalue n (1-based) of the closure at
// funcIdx.
func (t *Thread) SetUpvalue(funcIdx, n int) bool {
	v := t.stack[t.top-1]
	ok := false
	switch cl := t.Index(funcIdx).gc.(type) {
	case *LClosure:
		if n >= 1 && n <= len(cl.upvals) && cl.upvals[n-1] != nil {
			uv := cl.upvals[n-1]
			uv.set(v)
			t.g.barrierValue(uv, v)
			ok = true
		}
	case *GoClosure:
		if n >= 1 && n <= len(cl.upvalues) {
			cl.upvalues[n-1] = v
			t.g.barrierValue(cl, v)
			ok = true
		}
	}
	t.top--
	return ok
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call calls the function below the nargs top values and leaves nresults
// results (all of them for MultRet). Errors, including allocation
// failures, are returned; the function and its arguments are then removed.
func (t *Thread) Call(nargs, nresults int) error {
	if t.g.closed {
		return ErrClosed
	}
	fn := t.top - nargs - 1
	if fn <= t.ci.fn {
		panic(&InternalError{What: "Call: not enough elements on the stack"})
	}
	return t.protect(fn, func() { t.call(fn, nresults) })
}

// Protect runs fn so that errors raised by the API functions it calls are
// returned instead of unwinding further.
func (t *Thread) Protect(fn func()) error {
	if t.g.closed {
		return ErrClosed
	}
	return t.protect(t.top, fn)
}

// Load builds the prototype described by b and pushes a closure for it.
// Upvalues of the main function are closed and nil, except that a first
// upvalue named "_ENV" receives the globals table.
func (t *Thread) Load(b *ProtoBuilder) error {
	if t.g.closed {
		return ErrClosed
	}
	if err := b.Verify(); err != nil {
		return err
	}
	return t.protect(t.top, func() {
		g := t.g
		p := t.buildProto(b)
		t.checkStack(1)
		t.push(ObjectValue(p))
		cl := g.newLClosure(p)
		t.stack[t.top-1] = ObjectValue(cl)
		for i := range cl.upvals {
			uv := &Upval{}
			g.newObject(uv, TypeUpval)
			cl.upvals[i] = uv
			g.barrierObject(cl, uv)
		}
		if len(cl.upvals) > 0 && b.Upvalues[0].Name == "_ENV" {
			cl.upvals[0].value = ObjectValue(g.Globals())
		}
		g.checkGC()
	})
}

// buildProto creates the collector objects for b. The prototype is
// anchored on the stack while its constants and children are allocated.
func (t *Thread) buildProto(b *ProtoBuilder) *Proto {
	g := t.g
	p := &Proto{
		k:         make([]Value, len(b.Constants)),
		p:         make([]*Proto, len(b.Protos)),
		code:      append([]Instruction(nil), b.Code...),
		upvalues:  make([]UpvalDesc, len(b.Upvalues)),
		locvars:   make([]LocVar, len(b.Locals)),
		numParams: uint8(b.NumParams),
		maxStack:  uint8(b.MaxStack),
	}
	g.newObject(p, TypeProto)
	t.checkStack(1)
	t.push(ObjectValue(p))
	if b.Source != "" {
		p.source = g.newString(b.Source)
		g.barrierObject(p, p.source)
	}
	for i, k := range b.Constants {
		var v Value
		switch x := k.(type) {
		case bool:
			v = Bool(x)
		case int:
			v = Int(int64(x))
		case int64:
			v = Int(x)
		case float64:
			v = Float(x)
		case string:
			v = ObjectValue(g.newString(x))
		}
		p.k[i] = v
		g.barrierValue(p, v)
	}
	for i, child := range b.Protos {
		c := t.buildProto(child)
		p.p[i] = c
		g.barrierObject(p, c)
	}
	for i, uv := range b.Upvalues {
		p.upvalues[i] = UpvalDesc{InStack: uv.InStack, Index: uint8(uv.Index)}
		if uv.Name != "" {
			s := g.newString(uv.Name)
			p.upvalues[i].Name = s
			g.barrierObject(p, s)
		}
	}
	for i, lv := range b.Locals {
		p.locvars[i] = LocVar{StartPC: lv.StartPC, EndPC: lv.EndPC}
		if lv.Name != "" {
			s := g.newString(lv.Name)
			p.locvars[i].Name = s
			g.barrierObject(p, s)
		}
	}
	t.top--
	return p
}

// ---------------------------------------------------------------------------
// Indexing with metamethods
// ---------------------------------------------------------------------------

// maxTagLoop bounds __index and __newindex chains.
const maxTagLoop = 2000

// getTable returns v[k], following __index handlers.
func (t *Thread) getTable(v, k Value) Value {
	g := t.g
	for loop := 0; loop < maxTagLoop; loop++ {
		var h Value
		if tbl := v.Table(); tbl != nil {
			res := tbl.Get(k)
			if !res.IsNil() {
				return res
			}
			h = g.fastTM(tbl.metatable, tmIndex)
			if h.IsNil() {
				return Nil
			}
		} else {
			h = g.metamethod(v, tmIndex)
			if h.IsNil() {
				throw(runtimeErrorf("attempt to index a %s value", v.tt))
			}
		}
		if h.IsFunction() {
			return t.callValue(h, v, k)
		}
		v = h
	}
	throw(runtimeErrorf("'__index' chain too long; possible loop"))
	return Nil
}

// setTable does v[k] = val, following __newindex handlers.
func (t *Thread) setTable(v, k, val Value) {
	g := t.g
	for loop := 0; loop < maxTagLoop; loop++ {
		var h Value
		if tbl := v.Table(); tbl != nil {
			if !tbl.Get(k).IsNil() {
				t.rawSet(tbl, k, val)
				return
			}
			h = g.fastTM(tbl.metatable, tmNewIndex)
			if h.IsNil() {
				t.rawSet(tbl, k, val)
				return
			}
		} else {
			h = g.metamethod(v, tmNewIndex)
			if h.IsNil() {
				throw(runtimeErrorf("attempt to index a %s value", v.tt))
			}
		}
		if h.IsFunction() {
			t.checkStack(4)
			fn := t.top
			t.push(h)
			t.push(v)
			t.push(k)
			t.push(val)
			t.call(fn, 0)
			return
		}
		v = h
	}
	throw(runtimeErrorf("'__newindex' chain too long; possible loop"))
}

func (t *Thread) rawSet(tbl *Table, k, v Value) {
	if err := t.g.RawSet(tbl, k, v); err != nil {
		throw(err)
	}
}

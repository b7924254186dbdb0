package vm

import "math"

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// execute runs the bytecode frame ci until its RETURN. Nested calls recurse
// through call. Registers are addressed by stack index, so the stack may
// be reallocated by any instruction.
func (t *Thread) execute(ci *callInfo) {
	g := t.g
	cl := t.stack[ci.fn].gc.(*LClosure)
	p := cl.proto
	k := p.k
	code := p.code
	base := ci.base
	pc := ci.savedpc

	// checkGC is a collector checkpoint. The whole frame is treated as
	// live while the collector runs.
	checkGC := func() {
		if g.gc.debt <= 0 {
			ci.savedpc = pc
			t.top = ci.top
			g.step()
		}
	}
	rk := func(i Instruction) Value {
		if i.K() {
			return k[i.C()]
		}
		return t.stack[base+i.C()]
	}

	for {
		i := code[pc]
		pc++
		a := base + i.A()

		switch i.Op() {
		case OpMove:
			t.stack[a] = t.stack[base+i.B()]

		case OpLoadK:
			t.stack[a] = k[i.Bx()]

		case OpLoadI:
			t.stack[a] = Int(int64(i.SBx()))

		case OpLoadNil:
			for j := 0; j <= i.B(); j++ {
				t.stack[a+j] = Nil
			}

		case OpLoadTrue:
			t.stack[a] = True

		case OpLoadFalse:
			t.stack[a] = False

		case OpGetUpval:
			t.stack[a] = cl.upvals[i.B()].get()

		case OpSetUpval:
			uv := cl.upvals[i.B()]
			v := t.stack[a]
			uv.set(v)
			g.barrierValue(uv, v)

		case OpGetGlobal:
			ci.savedpc = pc
			t.stack[a] = t.getTable(ObjectValue(g.Globals()), k[i.Bx()])

		case OpSetGlobal:
			ci.savedpc = pc
			t.setTable(ObjectValue(g.Globals()), k[i.Bx()], t.stack[a])

		case OpNewTable:
			t.stack[a] = ObjectValue(g.newTable(i.B(), i.C()))
			checkGC()

		case OpGetTable:
			ci.savedpc = pc
			t.stack[a] = t.getTable(t.stack[base+i.B()], t.stack[base+i.C()])

		case OpSetTable:
			ci.savedpc = pc
			t.setTable(t.stack[a], t.stack[base+i.B()], rk(i))

		case OpGetField:
			ci.savedpc = pc
			t.stack[a] = t.getTable(t.stack[base+i.B()], k[i.C()])

		case OpSetField:
			ci.savedpc = pc
			t.setTable(t.stack[a], k[i.B()], rk(i))

		case OpAdd:
			t.stack[a] = arith(OpAdd, t.stack[base+i.B()], t.stack[base+i.C()])

		case OpSub:
			t.stack[a] = arith(OpSub, t.stack[base+i.B()], t.stack[base+i.C()])

		case OpLT:
			if lessThan(t.stack[a], t.stack[base+i.B()]) != i.K() {
				pc++
			}

		case OpEQ:
			if RawEqual(t.stack[a], t.stack[base+i.B()]) != i.K() {
				pc++
			}

		case OpJmp:
			pc += i.SBx()

		case OpTest:
			if t.stack[a].Truthy() != i.K() {
				pc++
			}

		case OpForPrep:
			if forPrep(t.stack[a : a+4]) {
				pc += i.Bx() + 1
			}

		case OpForLoop:
			// R[A+1] holds the remaining iteration count.
			count := uint64(t.stack[a+1].n)
			if count > 0 {
				step := int64(t.stack[a+2].n)
				idx := int64(t.stack[a].n) + step
				t.stack[a+1].n = count - 1
				t.stack[a] = Int(idx)
				t.stack[a+3] = Int(idx)
				pc -= i.Bx()
				checkGC()
			}

		case OpClosure:
			t.pushClosure(cl, p.p[i.Bx()], base, a)
			checkGC()

		case OpCall:
			ci.savedpc = pc
			if n := i.B(); n != 0 {
				t.top = a + n
			}
			t.call(a, i.C()-1)
			if i.C() != 0 {
				t.top = ci.top
			}

		case OpReturn:
			n := i.B() - 1
			if n < 0 {
				n = t.top - a
			}
			ci.savedpc = pc
			t.closeUpvals(base)
			t.callHook(HookReturn)
			t.postCall(ci, a, n)
			return

		case OpClose:
			t.closeUpvals(a)

		default:
			panic(&InternalError{What: "invalid opcode " + i.Op().String()})
		}
	}
}

// pushClosure creates a closure for p in register ra. Upvalues captured
// from the enclosing frame are found or created among its open upvalues;
// the rest are shared with the enclosing closure.
func (t *Thread) pushClosure(encl *LClosure, p *Proto, base, ra int) {
	g := t.g
	ncl := g.newLClosure(p)
	t.stack[ra] = ObjectValue(ncl)
	for j, desc := range p.upvalues {
		var uv *Upval
		if desc.InStack {
			uv = t.findUpval(base + int(desc.Index))
		} else {
			uv = encl.upvals[desc.Index]
		}
		ncl.upvals[j] = uv
		g.barrierObject(ncl, uv)
	}
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func arith(op Opcode, x, y Value) Value {
	if x.tt == TypeInt && y.tt == TypeInt {
		a, b := int64(x.n), int64(y.n)
		if op == OpAdd {
			return Int(a + b)
		}
		return Int(a - b)
	}
	a, ok1 := x.AsFloat()
	b, ok2 := y.AsFloat()
	if !ok1 || !ok2 {
		bad := x
		if ok1 {
			bad = y
		}
		throw(runtimeErrorf("attempt to perform arithmetic on a %s value", bad.tt))
	}
	if op == OpAdd {
		return Float(a + b)
	}
	return Float(a - b)
}

func lessThan(x, y Value) bool {
	switch {
	case x.tt == TypeInt && y.tt == TypeInt:
		return int64(x.n) < int64(y.n)
	case x.IsNumber() && y.IsNumber():
		a, _ := x.AsFloat()
		b, _ := y.AsFloat()
		return a < b
	case x.IsString() && y.IsString():
		a, _ := x.Str()
		b, _ := y.Str()
		return a < b
	}
	throw(runtimeErrorf("attempt to compare %s with %s", x.tt, y.tt))
	return false
}

// forPrep checks and converts the loop registers [init, limit, step,
// control] and reports whether the loop must be skipped. Only integer
// loops are supported; the limit register is replaced by the iteration
// count.
func forPrep(r []Value) bool {
	init, ok1 := r[0].AsInt()
	limit, ok2 := r[1].AsInt()
	step, ok3 := r[2].AsInt()
	if !ok1 {
		throw(runtimeErrorf("'for' initial value must be an integer"))
	}
	if !ok3 {
		throw(runtimeErrorf("'for' step must be an integer"))
	}
	if !ok2 {
		f, isNum := r[1].AsFloat()
		if !isNum || math.IsNaN(f) {
			throw(runtimeErrorf("'for' limit must be a number"))
		}
		// Clip a float limit to the integer range.
		switch {
		case f >= math.MaxInt64:
			limit = math.MaxInt64
		case f <= math.MinInt64:
			limit = math.MinInt64
		case step > 0:
			limit = int64(math.Floor(f))
		default:
			limit = int64(math.Ceil(f))
		}
	}
	if step == 0 {
		throw(runtimeErrorf("'for' step is zero"))
	}
	if (step > 0 && init > limit) || (step < 0 && init < limit) {
		return true
	}
	var count uint64
	if step > 0 {
		count = (uint64(limit) - uint64(init)) / uint64(step)
	} else {
		// -(step+1)+1 avoids overflow for the minimum integer.
		s := uint64(-(step + 1)) + 1
		count = (uint64(init) - uint64(limit)) / s
	}
	r[0] = Int(init)
	r[1] = Value{tt: TypeInt, n: count}
	r[2] = Int(step)
	r[3] = Int(init)
	return false
}

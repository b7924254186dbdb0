package vm

// MultRet asks a call for all of its results.
const MultRet = -1

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// protect runs f and turns a thrown error into a return value. On error,
// upvalues at or above level are closed, the call chain is restored, and
// the stack is cut back to level.
func (t *Thread) protect(level int, f func()) error {
	oldCI := t.ci
	oldN := t.nCcalls
	oldAllow := t.allowHook
	oldRunning := t.g.running
	t.g.running = t
	err := catch(f)
	if err != nil {
		t.closeUpvals(level)
		t.ci = oldCI
		t.nCcalls = oldN
		t.allowHook = oldAllow
		t.top = level
		if !t.g.gc.emergency {
			t.shrinkStack()
		}
	}
	t.g.running = oldRunning
	return err
}

// tryFuncTM inserts the __call handler of the non-function value at fn
// below its arguments.
func (t *Thread) tryFuncTM(fn int) {
	h := t.g.metamethod(t.stack[fn], tmCall)
	if !h.IsFunction() {
		throw(runtimeErrorf("attempt to call a %s value", t.stack[fn].tt))
	}
	t.checkStack(1)
	copy(t.stack[fn+1:t.top+1], t.stack[fn:t.top])
	t.top++
	t.stack[fn] = h
}

// call calls the function at slot fn with the arguments above it, leaving
// nresults results (all of them for MultRet) starting at fn.
func (t *Thread) call(fn, nresults int) {
	t.nCcalls++
	if t.nCcalls > maxCalls {
		throw(ErrStackOverflow)
	}
	if !t.stack[fn].IsFunction() {
		t.tryFuncTM(fn)
	}
	switch cl := t.stack[fn].gc.(type) {
	case *GoClosure:
		t.callGo(fn, nresults, cl)
	case *LClosure:
		t.callLua(fn, nresults, cl)
	}
	t.nCcalls--
}

func (t *Thread) callGo(fn, nresults int, cl *GoClosure) {
	t.checkStack(minStack)
	ci := t.extendCI()
	ci.fn = fn
	ci.top = t.top + minStack
	ci.nresults = nresults
	ci.lua = false
	t.callHook(HookCall)
	n, err := cl.fn(t)
	if err != nil {
		throw(err)
	}
	if n < 0 || n > t.top-(fn+1) {
		panic(&InternalError{What: "Go function returned more results than it pushed"})
	}
	t.callHook(HookReturn)
	t.postCall(ci, t.top-n, n)
}

func (t *Thread) callLua(fn, nresults int, cl *LClosure) {
	p := cl.proto
	fsize := int(p.maxStack)
	nargs := t.top - fn - 1
	t.checkStack(fsize + 1)
	ci := t.extendCI()
	ci.fn = fn
	ci.base = fn + 1
	ci.top = fn + 1 + fsize
	ci.nresults = nresults
	ci.savedpc = 0
	ci.lua = true
	for ; nargs < int(p.numParams); nargs++ {
		t.stack[t.top] = Nil
		t.top++
	}
	t.top = ci.top
	t.callHook(HookCall)
	t.execute(ci)
}

// postCall moves n results starting at slot res to the function slot of
// ci, adjusts them to the wanted count, and returns to the caller frame.
func (t *Thread) postCall(ci *callInfo, res, n int) {
	wanted := ci.nresults
	dst := ci.fn
	if wanted == MultRet {
		wanted = n
	}
	copy(t.stack[dst:dst+min(n, wanted)], t.stack[res:res+min(n, wanted)])
	for i := n; i < wanted; i++ {
		t.stack[dst+i] = Nil
	}
	t.top = dst + wanted
	t.ci = ci.previous
}

// callValue calls f with args and returns its first result. The call is
// unprotected.
func (t *Thread) callValue(f Value, args ...Value) Value {
	t.checkStack(len(args) + 1)
	fn := t.top
	t.push(f)
	for _, a := range args {
		t.push(a)
	}
	t.call(fn, 1)
	t.top--
	return t.stack[t.top]
}

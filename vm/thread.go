package vm

// ---------------------------------------------------------------------------
// Threads and stacks
// ---------------------------------------------------------------------------

const (
	// minStack is the number of free slots guaranteed to a Go function.
	minStack = 20
	// basicStackSize is the initial stack size.
	basicStackSize = 2 * minStack
	// extraStack slots past the usable stack absorb small overruns.
	extraStack = 5
	// maxCalls bounds the depth of nested calls.
	maxCalls = 200
)

// HookEvent identifies the event passed to a hook.
type HookEvent uint8

const (
	HookCall HookEvent = iota
	HookReturn
)

// HookFunc is a debug hook called on function calls and returns.
type HookFunc func(t *Thread, ev HookEvent)

// callInfo describes one active call. All positions are stack indices, so
// a reallocated stack needs no fix-up.
type callInfo struct {
	fn       int // slot holding the called function
	top      int // first slot past the frame
	base     int // first register of a bytecode frame
	savedpc  int
	nresults int
	lua      bool
	previous *callInfo
	next     *callInfo
}

// Thread is an execution stack: a value stack, its call chain and the
// list of open upvalues pointing into it.
type Thread struct {
	header
	g         *State
	stack     []Value
	top       int
	ci        *callInfo
	baseCI    callInfo
	nci       int
	openupval *Upval
	// Link in the list of threads with open upvalues.
	twupsNext *Thread
	inTwups   bool
	nCcalls   int
	hook      HookFunc
	allowHook bool
}

// State returns the thread's runtime instance.
func (t *Thread) State() *State { return t.g }

// newThreadObject creates a thread with a fresh stack.
func (g *State) newThreadObject() *Thread {
	t := &Thread{g: g, allowHook: true}
	t.stack = make([]Value, basicStackSize+extraStack)
	g.newObject(t, TypeThread)
	t.initCI()
	return t
}

func (t *Thread) initCI() {
	ci := &t.baseCI
	ci.fn = 0
	ci.top = 1 + minStack
	ci.previous, ci.next = nil, nil
	ci.nresults = 0
	t.stack[0] = Nil
	t.top = 1
	t.ci = ci
}

// freeThread closes the upvalues of a thread about to be freed. The
// stack keeps its length so the released size matches the charged one.
func (g *State) freeThread(t *Thread) {
	t.closeUpvals(0)
	if t.inTwups {
		p := &g.gc.twups
		for *p != nil && *p != t {
			p = &(*p).twupsNext
		}
		if *p == t {
			*p = t.twupsNext
		}
		t.inTwups = false
	}
}

// stackSize is the usable part of the stack.
func (t *Thread) stackSize() int { return len(t.stack) - extraStack }

// reallocStack resizes the stack to n usable slots.
func (t *Thread) reallocStack(n int) {
	old := len(t.stack)
	nsize := n + extraStack
	t.g.charge(int64(nsize-old) * sizeValue)
	ns := make([]Value, nsize)
	copy(ns, t.stack)
	t.stack = ns
}

// growStack makes room for n more slots above top, doubling the stack up
// to the configured limit.
func (t *Thread) growStack(n int) {
	limit := t.g.maxStack
	size := t.stackSize()
	needed := t.top + n
	if needed > limit {
		throw(ErrStackOverflow)
	}
	nsize := 2 * size
	if nsize > limit {
		nsize = limit
	}
	if nsize < needed {
		nsize = needed
	}
	t.reallocStack(nsize)
}

// checkStack ensures n free slots above top.
func (t *Thread) checkStack(n int) {
	if t.stackSize()-t.top < n {
		t.growStack(n)
	}
}

func (t *Thread) stackInUse() int {
	lim := t.top
	for ci := t.ci; ci != nil; ci = ci.previous {
		if lim < ci.top {
			lim = ci.top
		}
	}
	res := lim + 1
	if res < minStack {
		res = minStack
	}
	return res
}

// shrinkStack gives back stack space when the stack is much larger than
// what is in use, and frees unused call infos.
func (t *Thread) shrinkStack() {
	limit := t.g.maxStack
	inuse := t.stackInUse()
	maxSize := inuse * 3
	if inuse > limit/3 {
		maxSize = limit
	}
	if inuse <= limit && t.stackSize() > maxSize {
		nsize := inuse * 2
		if inuse > limit/2 {
			nsize = limit
		}
		t.reallocStack(nsize)
	}
	t.shrinkCI()
}

// extendCI returns the call info following the current one, allocating it
// when needed.
func (t *Thread) extendCI() *callInfo {
	if t.ci.next == nil {
		t.g.charge(sizeCallInfo)
		ci := &callInfo{previous: t.ci}
		t.ci.next = ci
		t.nci++
	}
	t.ci = t.ci.next
	return t.ci
}

// shrinkCI frees half of the unused call infos.
func (t *Thread) shrinkCI() {
	ci := t.ci.next
	if ci == nil {
		return
	}
	for ci.next != nil {
		next2 := ci.next.next
		ci.next = next2
		t.nci--
		t.g.release(sizeCallInfo)
		if next2 == nil {
			break
		}
		next2.previous = ci
		ci = next2
	}
}

func (t *Thread) push(v Value) {
	t.stack[t.top] = v
	t.top++
}

// SetHook installs a debug hook. Nil removes it.
func (t *Thread) SetHook(fn HookFunc) { t.hook = fn }

func (t *Thread) callHook(ev HookEvent) {
	if t.hook == nil || !t.allowHook {
		return
	}
	t.allowHook = false
	t.hook(t, ev)
	t.allowHook = true
}

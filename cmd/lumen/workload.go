package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/lumen/vm"
)

// Result summarizes one workload run on one instance.
type Result struct {
	Workload string
	Instance string
	Before   int64 // live bytes before the workload
	Peak     int64 // live bytes with everything allocated
	After    int64 // live bytes after the final collection
	Detail   string
	Stats    vm.Stats
}

type workloadFunc func(g *vm.State, r *Result) error

var workloads = map[string]workloadFunc{
	"alloc":        runAlloc,
	"ephemeron":    runEphemeron,
	"finalizer":    runFinalizer,
	"generational": runGenerational,
	"churn":        runChurn,
}

func workloadNames() string {
	names := make([]string, 0, len(workloads))
	for name := range workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// runWorkload runs the named workload on g.
func runWorkload(name string, g *vm.State) (*Result, error) {
	fn, ok := workloads[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (have %s)", name, workloadNames())
	}
	r := &Result{Workload: name, Instance: g.ID().String()}
	if err := g.FullCollect(false); err != nil {
		return nil, err
	}
	r.Before = g.LiveBytes()
	var err error
	if perr := g.Main().Protect(func() { err = fn(g, r) }); perr != nil {
		err = perr
	}
	if err != nil {
		return nil, fmt.Errorf("workload %s: %w", name, err)
	}
	if err := g.FullCollect(false); err != nil {
		return nil, err
	}
	r.After = g.LiveBytes()
	r.Stats = g.Stats()
	return r, nil
}

// ---------------------------------------------------------------------------
// Workloads
// ---------------------------------------------------------------------------

const allocCount = 10000

// runAlloc fills a table with small tables, drops it and collects.
func runAlloc(g *vm.State, r *Result) error {
	L := g.Main()
	L.CreateTable(allocCount, 0)
	for i := int64(1); i <= allocCount; i++ {
		L.NewTable()
		L.RawSetIndex(-2, i)
	}
	r.Peak = g.LiveBytes()
	L.Pop(1)
	if err := g.FullCollect(false); err != nil {
		return err
	}
	r.Detail = fmt.Sprintf("%d tables", allocCount)
	return nil
}

// runEphemeron maps large userdata keys to small tables in a weak-keyed
// table and drops the keys.
func runEphemeron(g *vm.State, r *Result) error {
	L := g.Main()
	L.NewTable()
	L.NewTable()
	L.PushString("k")
	L.SetField(-2, "__mode")
	L.SetMetatable(-2)
	weak := L.Index(-1).Table()
	for i := 0; i < 100; i++ {
		L.NewUserdata(64*1024, 0)
		L.NewTable()
		L.RawSet(-3)
	}
	r.Peak = g.LiveBytes()
	before := weak.Count()
	if err := g.FullCollect(false); err != nil {
		return err
	}
	r.Detail = fmt.Sprintf("%d entries before, %d after", before, weak.Count())
	L.Pop(1)
	return nil
}

// runFinalizer registers finalizers on unreachable userdata.
func runFinalizer(g *vm.State, r *Result) error {
	L := g.Main()
	calls := 0
	L.NewTable()
	L.PushGoFunction(func(t *vm.Thread) (int, error) {
		calls++
		return 0, nil
	})
	L.SetField(-2, "__gc")
	for i := 0; i < 100; i++ {
		L.NewUserdata(256, 0)
		L.PushValue(-2)
		L.SetMetatable(-2)
		L.Pop(1)
	}
	L.Pop(1)
	r.Peak = g.LiveBytes()
	if err := g.FullCollect(false); err != nil {
		return err
	}
	r.Detail = fmt.Sprintf("%d finalizers ran", calls)
	return nil
}

// runGenerational keeps a sliding window of live tables so that objects
// survive a few minor collections before dying.
func runGenerational(g *vm.State, r *Result) error {
	if _, err := g.ChangeMode(vm.ModeGenerational); err != nil {
		return err
	}
	L := g.Main()
	const window = 1000
	L.CreateTable(window, 0)
	for i := int64(0); i < 50*window; i++ {
		L.CreateTable(0, 2)
		L.RawSetIndex(-2, i%window+1)
	}
	r.Peak = g.LiveBytes()
	L.Pop(1)
	st := g.Stats()
	r.Detail = fmt.Sprintf("%d minor, %d major collections", st.MinorCollections, st.MajorCollections)
	return nil
}

// churnProgram builds a loop that allocates a table and a closure
// capturing it on every iteration:
//
//	function (n)
//	  for i = 1, n do
//	    local t = {}
//	    t.f = function() return t end
//	  end
//	end
func churnProgram() *vm.ProtoBuilder {
	inner := vm.NewProtoBuilder("churn.inner", 0, 1)
	inner.Upvalue("t", true, 5)
	inner.Emit(vm.OpGetUpval, 0, 0, 0)
	inner.Emit(vm.OpReturn, 0, 2, 0)

	b := vm.NewProtoBuilder("churn", 1, 7)
	b.EmitAsBx(vm.OpLoadI, 1, 1)
	b.Emit(vm.OpMove, 2, 0, 0)
	b.EmitAsBx(vm.OpLoadI, 3, 1)
	prep := b.EmitABx(vm.OpForPrep, 1, 0)
	body := b.Len()
	b.Emit(vm.OpNewTable, 5, 0, 1)
	b.EmitABx(vm.OpClosure, 6, b.Proto(inner))
	b.Emit(vm.OpSetField, 5, b.Constant("f"), 6)
	b.Emit(vm.OpClose, 5, 0, 0)
	n := b.Len() - body
	b.Code[prep] = vm.CreateABx(vm.OpForPrep, 1, n)
	b.EmitABx(vm.OpForLoop, 1, n+1)
	b.Emit(vm.OpReturn, 0, 1, 0)
	return b
}

// runChurn runs the interpreter loop under normal pacing.
func runChurn(g *vm.State, r *Result) error {
	L := g.Main()
	if err := L.Load(churnProgram()); err != nil {
		return err
	}
	L.PushInt(20000)
	if err := L.Call(1, 0); err != nil {
		return err
	}
	r.Peak = g.LiveBytes()
	st := g.Stats()
	r.Detail = fmt.Sprintf("%d cycles while running", st.Cycles)
	return nil
}

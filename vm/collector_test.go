package vm

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestStateMachineVisitsEveryPhase(t *testing.T) {
	g := stoppedState(t)
	if g.GCState() != StatePause {
		t.Fatalf("new state is in %s, want pause", g.GCState())
	}

	var seen []GCState
	for i := 0; i < 10000; i++ {
		g.singleStep(false)
		s := g.GCState()
		if len(seen) == 0 || seen[len(seen)-1] != s {
			seen = append(seen, s)
		}
		if s == StatePause {
			break
		}
	}

	want := []GCState{
		StatePropagate, StateEnterAtomic, StateSweepAllGC, StateSweepFinObj,
		StateSweepToBeFnz, StateSweepEnd, StateCallFin, StatePause,
	}
	if len(seen) != len(want) {
		t.Fatalf("visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, seen[i], want[i])
		}
	}
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestStepReportsCycleEnd(t *testing.T) {
	g := stoppedState(t)
	before := g.Stats().Cycles

	steps := 0
	for !step(t, g) {
		steps++
		if steps > 1000 {
			t.Fatal("cycle did not finish after 1000 steps")
		}
	}
	if g.GCState() != StatePause {
		t.Errorf("state = %s, want pause", g.GCState())
	}
	if got := g.Stats().Cycles; got != before+1 {
		t.Errorf("cycles = %d, want %d", got, before+1)
	}
	if g.IsRunning() {
		t.Error("Step must not restart a stopped collector")
	}
}

func TestFullCollectFromEveryPhase(t *testing.T) {
	phases := []GCState{StatePause, StatePropagate, StateEnterAtomic, StateSweepAllGC, StateSweepEnd, StateCallFin}
	for _, phase := range phases {
		t.Run(phase.String(), func(t *testing.T) {
			g := stoppedState(t)
			L := g.Main()
			var garbage []*Table
			mustProtect(t, L, func() {
				L.NewTable() // kept
				for i := 0; i < 50; i++ {
					garbage = append(garbage, L.NewTable())
					L.Pop(1)
				}
			})
			kept := L.Index(1).Table()

			for i := 0; g.GCState() != phase; i++ {
				if i > 10000 {
					t.Fatalf("never reached %s", phase)
				}
				g.singleStep(false)
			}
			fullCollect(t, g)

			if g.GCState() != StatePause {
				t.Errorf("state = %s, want pause", g.GCState())
			}
			if freed(kept) {
				t.Error("rooted table was freed")
			}
			for i, o := range garbage {
				if !freed(o) {
					t.Errorf("garbage table %d survived", i)
				}
			}
			checkHeap(t, g)
			checkNoDangling(t, g)
		})
	}
}

// ---------------------------------------------------------------------------
// Embedder controls
// ---------------------------------------------------------------------------

func TestStopRestart(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	if err := g.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if g.IsRunning() {
		t.Error("IsRunning after Stop")
	}
	cycles := g.Stats().Cycles
	mustProtect(t, L, func() {
		for i := 0; i < 5000; i++ {
			L.NewTable()
			L.Pop(1)
		}
	})
	if g.Stats().Cycles != cycles {
		t.Errorf("stopped collector ran %d cycles", g.Stats().Cycles-cycles)
	}
	if g.GCState() != StatePause {
		t.Errorf("stopped collector advanced to %s", g.GCState())
	}

	if err := g.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !g.IsRunning() {
		t.Error("not running after Restart")
	}
	mustProtect(t, L, func() {
		for i := 0; i < 5000; i++ {
			L.NewTable()
			L.Pop(1)
		}
	})
	if g.Stats().Cycles == cycles {
		t.Error("restarted collector never completed a cycle")
	}
	checkHeap(t, g)
}

func TestClosedStateRejectsControls(t *testing.T) {
	g := New(DefaultConfig())
	L := g.Main()
	g.Close()
	g.Close() // idempotent

	if !g.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if err := g.FullCollect(false); !errors.Is(err, ErrClosed) {
		t.Errorf("FullCollect: %v, want ErrClosed", err)
	}
	if _, err := g.Step(); !errors.Is(err, ErrClosed) {
		t.Errorf("Step: %v, want ErrClosed", err)
	}
	if _, err := g.ChangeMode(ModeGenerational); !errors.Is(err, ErrClosed) {
		t.Errorf("ChangeMode: %v, want ErrClosed", err)
	}
	if err := g.Stop(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stop: %v, want ErrClosed", err)
	}
	if err := g.CheckStep(); !errors.Is(err, ErrClosed) {
		t.Errorf("CheckStep: %v, want ErrClosed", err)
	}
	if err := L.Protect(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Protect: %v, want ErrClosed", err)
	}
	if err := L.Call(0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Call: %v, want ErrClosed", err)
	}
	if g.gc.numObjects != 1 {
		t.Errorf("%d objects left after Close, want only the main thread", g.gc.numObjects)
	}
}

func TestCheckStepRunsOnlyOnDebt(t *testing.T) {
	g := newTestState(t)
	fullCollect(t, g)
	g.setDebt(1 << 20)
	state := g.GCState()
	if err := g.CheckStep(); err != nil {
		t.Fatalf("CheckStep: %v", err)
	}
	if g.GCState() != state {
		t.Errorf("CheckStep with credit moved the collector to %s", g.GCState())
	}
	g.setDebt(0)
	if err := g.CheckStep(); err != nil {
		t.Fatalf("CheckStep: %v", err)
	}
	if g.GCState() == StatePause {
		t.Error("CheckStep without credit did not start a cycle")
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func TestTracerReceivesCycles(t *testing.T) {
	var cycles []CycleStats
	cfg := DefaultConfig()
	cfg.Checks = true
	cfg.Tracer = TracerFunc(func(s CycleStats) { cycles = append(cycles, s) })
	g := New(cfg)
	defer g.Close()
	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}

	L := g.Main()
	mustProtect(t, L, func() {
		for i := 0; i < 100; i++ {
			L.NewUserdata(100, 0)
			L.Pop(1)
		}
	})
	fullCollect(t, g)

	if len(cycles) == 0 {
		t.Fatal("tracer saw no cycle")
	}
	last := cycles[len(cycles)-1]
	if last.Instance != g.ID().String() {
		t.Errorf("Instance = %q, want %q", last.Instance, g.ID())
	}
	if last.Kind != "incremental" {
		t.Errorf("Kind = %q, want incremental", last.Kind)
	}
	if last.FreedObjects < 100 {
		t.Errorf("FreedObjects = %d, want at least 100", last.FreedObjects)
	}
	if last.FreedBytes < 100*(sizeUserdata+100) {
		t.Errorf("FreedBytes = %d, too small", last.FreedBytes)
	}
	if last.LiveBytes != g.LiveBytes() {
		t.Errorf("LiveBytes = %d, want %d", last.LiveBytes, g.LiveBytes())
	}
	if last.Cycle != g.Stats().Cycles {
		t.Errorf("Cycle = %d, want %d", last.Cycle, g.Stats().Cycles)
	}
	st := g.Stats()
	if st.FullCollections != 1 {
		t.Errorf("FullCollections = %d, want 1", st.FullCollections)
	}
	if st.Objects != g.gc.numObjects || st.LiveBytes != g.LiveBytes() {
		t.Errorf("Stats = %+v inconsistent with heap", st)
	}
}

// ---------------------------------------------------------------------------
// End-to-end: allocate, drop, collect
// ---------------------------------------------------------------------------

func TestScenarioAllocDropCollect(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	fullCollect(t, g)
	base := g.LiveBytes()

	var sample []*Table
	mustProtect(t, L, func() {
		L.CreateTable(10000, 0)
		for i := int64(1); i <= 10000; i++ {
			tbl := L.NewTable()
			if i%100 == 0 {
				sample = append(sample, tbl)
			}
			L.RawSetIndex(-2, i)
		}
	})
	if g.LiveBytes() < base+10000*sizeTable {
		t.Fatalf("live bytes %d do not account for 10000 tables (base %d)", g.LiveBytes(), base)
	}
	L.Pop(1)
	fullCollect(t, g)

	if diff := g.LiveBytes() - base; diff < -4*sizeHeader || diff > 4*sizeHeader {
		t.Errorf("live bytes = %d, baseline %d (diff %d)", g.LiveBytes(), base, diff)
	}
	for i, tbl := range sample {
		if !freed(tbl) {
			t.Errorf("sample table %d not freed", i)
		}
	}
	checkHeap(t, g)
}

// ---------------------------------------------------------------------------
// Randomized mutator
// ---------------------------------------------------------------------------

// TestRandomMutationNoDanglingReferences drives a random mutator that
// keeps all its roots on the stack, interleaved with collector steps, and
// checks after every finished cycle that nothing live points to freed
// memory.
func TestRandomMutationNoDanglingReferences(t *testing.T) {
	for _, variant := range []string{"incremental", "generational", "switching"} {
		t.Run(variant, func(t *testing.T) {
			g := stoppedState(t)
			L := g.Main()
			if variant == "generational" {
				if _, err := g.ChangeMode(ModeGenerational); err != nil {
					t.Fatalf("ChangeMode: %v", err)
				}
			}
			fullCollect(t, g)
			baseObjects := g.gc.numObjects

			noop := func(*Thread) (int, error) { return 0, nil }
			rng := rand.New(rand.NewSource(7))
			const maxRoots = 24

			for i := 0; i < 4000; i++ {
				op := rng.Intn(20)
				mustProtect(t, L, func() {
					top := L.Top()
					switch {
					case op < 6 && top < maxRoots:
						switch rng.Intn(4) {
						case 0, 1:
							L.NewTable()
						case 2:
							L.NewUserdata(rng.Intn(64), 1)
						case 3:
							L.PushString(fmt.Sprintf("s%d", rng.Intn(50)))
						}
					case op < 11 && top >= 2:
						dst := 1 + rng.Intn(top)
						src := 1 + rng.Intn(top)
						switch L.Index(dst).Type() {
						case TypeTable:
							if rng.Intn(3) == 0 {
								L.PushValue(1 + rng.Intn(top))
							} else {
								L.PushInt(int64(rng.Intn(8)))
							}
							L.PushValue(src)
							L.RawSet(dst)
						case TypeUserdata:
							L.PushValue(src)
							L.SetUserValue(dst, 1)
						}
					case op == 11 && top >= 1:
						dst := 1 + rng.Intn(top)
						if L.Index(dst).Type() != TypeTable && L.Index(dst).Type() != TypeUserdata {
							return
						}
						L.NewTable()
						if L.Index(dst).Type() == TypeUserdata {
							L.PushGoFunction(noop)
							L.SetField(-2, "__gc")
						} else {
							L.PushString([]string{"k", "v", "kv"}[rng.Intn(3)])
							L.SetField(-2, "__mode")
						}
						L.SetMetatable(dst)
					case op < 15 && top > 0:
						L.Replace(1 + rng.Intn(top))
					case op < 19:
						step(t, g)
						if g.GCState() == StatePause || g.Kind() == KindGenMinor {
							checkNoDangling(t, g)
						}
					case op == 19 && variant == "switching":
						mode := ModeIncremental
						if g.Kind() == KindIncremental {
							mode = ModeGenerational
						}
						if _, err := g.ChangeMode(mode); err != nil {
							t.Fatalf("ChangeMode: %v", err)
						}
						if g.GCState() == StatePause || g.Kind() == KindGenMinor {
							checkNoDangling(t, g)
						}
					default:
						fullCollect(t, g)
						checkNoDangling(t, g)
					}
				})
				if t.Failed() {
					t.Fatalf("heap broken after operation %d", i)
				}
			}
			checkHeap(t, g)

			L.SetTop(0)
			fullCollect(t, g)
			fullCollect(t, g)
			checkHeap(t, g)
			checkNoDangling(t, g)
			if g.gc.numObjects != baseObjects {
				t.Errorf("%d objects after dropping every root, want %d", g.gc.numObjects, baseObjects)
			}
		})
	}
}

package vm

import (
	"errors"
	"testing"
)

// fillRound stores n new tables in the table at index 1 starting at key
// first, and returns them.
func fillRound(t *testing.T, L *Thread, first int64, n int) []*Table {
	t.Helper()
	out := make([]*Table, 0, n)
	mustProtect(t, L, func() {
		for i := int64(0); i < int64(n); i++ {
			out = append(out, L.NewTable())
			L.RawSetIndex(1, first+i)
		}
	})
	return out
}

func TestChangeModeRoundTrip(t *testing.T) {
	g := stoppedState(t)
	L := g.Main()
	var o *Table
	mustProtect(t, L, func() { o = L.NewTable() })

	old, err := g.ChangeMode(ModeGenerational)
	if err != nil {
		t.Fatalf("ChangeMode: %v", err)
	}
	if old != ModeIncremental {
		t.Errorf("previous mode = %s, want incremental", old)
	}
	if g.Kind() != KindGenMinor || g.GCState() != StatePropagate {
		t.Errorf("kind/state = %s/%s, want minor/propagate", g.Kind(), g.GCState())
	}
	if !o.isOld() {
		t.Errorf("surviving table has age %s, want old", o.age)
	}
	checkHeap(t, g)
	checkNoDangling(t, g)

	// Switching to the current mode does nothing.
	if old, _ = g.ChangeMode(ModeGenerational); old != ModeGenerational {
		t.Errorf("previous mode = %s, want generational", old)
	}

	if old, err = g.ChangeMode(ModeIncremental); err != nil || old != ModeGenerational {
		t.Fatalf("ChangeMode back = %s, %v", old, err)
	}
	if g.Kind() != KindIncremental {
		t.Errorf("kind = %s, want incremental", g.Kind())
	}
	fullCollect(t, g)
	if o.age != AgeNew {
		t.Errorf("table has age %s after an incremental cycle, want new", o.age)
	}
	if freed(o) {
		t.Fatal("rooted table freed by the mode change")
	}
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestGenerationalModeFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeGenerational
	cfg.Checks = true
	g := New(cfg)
	defer g.Close()
	if g.Kind() != KindGenMinor {
		t.Errorf("kind = %s, want minor", g.Kind())
	}
	if g.Stats().Cycles != 1 {
		t.Errorf("entering generational mode counted %d cycles, want 1", g.Stats().Cycles)
	}
}

func TestMinorCollectionFreesYoungGarbage(t *testing.T) {
	g := stoppedState(t)
	if _, err := g.ChangeMode(ModeGenerational); err != nil {
		t.Fatal(err)
	}
	L := g.Main()
	var garbage []*Table
	mustProtect(t, L, func() {
		for i := 0; i < 100; i++ {
			garbage = append(garbage, L.NewTable())
			L.Pop(1)
		}
	})
	minors := g.Stats().MinorCollections
	step(t, g)
	if g.Stats().MinorCollections != minors+1 {
		t.Errorf("Step did not run a minor collection")
	}
	for i, o := range garbage {
		if !freed(o) {
			t.Fatalf("young garbage table %d survived a minor collection", i)
		}
	}
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestOldGarbageWaitsForMajorCollection(t *testing.T) {
	g := stoppedState(t)
	L := g.Main()
	var o *Table
	mustProtect(t, L, func() { o = L.NewTable() })
	if _, err := g.ChangeMode(ModeGenerational); err != nil {
		t.Fatal(err)
	}
	L.SetTop(0)
	step(t, g)
	step(t, g)
	if freed(o) {
		t.Fatal("minor collection freed an old object")
	}
	fullCollect(t, g)
	if !freed(o) {
		t.Error("full collection kept unreachable old object")
	}
	if g.Kind() != KindGenMinor {
		t.Errorf("kind after full collection = %s, want minor", g.Kind())
	}
	checkHeap(t, g)
}

// TestSwitchToMajorAndBack grows a live structure until the bytes
// promoted to old force a major collection, then drops it so that the
// major collection finds mostly garbage and returns to minor mode.
func TestSwitchToMajorAndBack(t *testing.T) {
	g := stoppedState(t)
	L := g.Main()
	mustProtect(t, L, func() { L.NewTable() })
	fullCollect(t, g)
	base := g.LiveBytes()
	if _, err := g.ChangeMode(ModeGenerational); err != nil {
		t.Fatal(err)
	}

	var tracked []*Table
	tracked = append(tracked, fillRound(t, L, 1, 1000)...)
	step(t, g)
	if g.Kind() != KindGenMinor {
		t.Fatalf("kind after the first minor = %s, want minor", g.Kind())
	}
	tracked = append(tracked, fillRound(t, L, 1001, 1000)...)
	step(t, g)
	if g.Kind() != KindGenMajor {
		t.Fatalf("kind = %s after promoting %d bytes, want major", g.Kind(), g.gc.majorMinor)
	}
	checkHeap(t, g)

	// A full collection in major mode stays in major mode.
	fulls := g.Stats().FullCollections
	fullCollect(t, g)
	if g.Kind() != KindGenMajor {
		t.Errorf("kind after full collection = %s, want major", g.Kind())
	}
	if g.Stats().FullCollections != fulls+1 {
		t.Error("full collection not counted")
	}
	for _, o := range tracked {
		if freed(o) {
			t.Fatal("live table freed in major mode")
		}
	}

	L.SetTop(0)
	for i := 0; g.Kind() != KindGenMinor; i++ {
		if i > 10000 {
			t.Fatal("major collection never returned to minor mode")
		}
		step(t, g)
	}
	for i, o := range tracked {
		if !freed(o) {
			t.Fatalf("dropped table %d survived the major collection", i)
		}
	}
	if diff := g.LiveBytes() - base; diff > 1024 || diff < -1024 {
		t.Errorf("live bytes = %d, baseline %d", g.LiveBytes(), base)
	}
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestMajorCollectionsDisabled(t *testing.T) {
	g := stoppedState(t)
	if _, err := g.SetParam(ParamMinorMajor, 0); err != nil {
		t.Fatal(err)
	}
	L := g.Main()
	mustProtect(t, L, func() { L.NewTable() })
	if _, err := g.ChangeMode(ModeGenerational); err != nil {
		t.Fatal(err)
	}
	for round := 0; round < 4; round++ {
		fillRound(t, L, int64(round*1000+1), 1000)
		step(t, g)
		step(t, g)
		if g.Kind() != KindGenMinor {
			t.Fatalf("round %d: kind = %s with major collections disabled", round, g.Kind())
		}
	}
	checkHeap(t, g)
}

func TestGenerationalPacing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = ModeGenerational
	cfg.Checks = true
	g := New(cfg)
	defer g.Close()
	L := g.Main()

	mustProtect(t, L, func() {
		for i := 0; i < 50000; i++ {
			L.CreateTable(0, 2)
			L.Pop(1)
		}
	})
	st := g.Stats()
	if st.MinorCollections == 0 {
		t.Fatal("no minor collections while allocating garbage")
	}
	if st.LiveBytes > 256*1024 {
		t.Errorf("live bytes = %d after allocating only garbage", st.LiveBytes)
	}
	checkHeap(t, g)
}

func TestChangeModeFromMajor(t *testing.T) {
	g := stoppedState(t)
	L := g.Main()
	mustProtect(t, L, func() { L.NewTable() })
	if _, err := g.ChangeMode(ModeGenerational); err != nil {
		t.Fatal(err)
	}
	fillRound(t, L, 1, 1000)
	step(t, g)
	fillRound(t, L, 1001, 1000)
	step(t, g)
	if g.Kind() != KindGenMajor {
		t.Skipf("collector did not switch to major mode (kind %s)", g.Kind())
	}

	old, err := g.ChangeMode(ModeIncremental)
	if err != nil || old != ModeGenerational {
		t.Fatalf("ChangeMode = %s, %v", old, err)
	}
	if g.Kind() != KindIncremental {
		t.Errorf("kind = %s, want incremental", g.Kind())
	}
	fullCollect(t, g)
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestChangeModeOnClosedState(t *testing.T) {
	g := New(DefaultConfig())
	g.Close()
	if _, err := g.ChangeMode(ModeGenerational); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

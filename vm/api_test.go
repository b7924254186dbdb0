package vm

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryLayout(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	reg := g.Registry()
	if reg.GetInt(registryMainThread).Thread() != L {
		t.Error("registry does not hold the main thread")
	}
	if reg.GetInt(registryGlobals).Table() != g.Globals() {
		t.Error("registry does not hold the globals")
	}
	if L.Index(RegistryIndex).Table() != reg {
		t.Error("RegistryIndex does not address the registry")
	}
}

func TestStackIndices(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	mustProtect(t, L, func() {
		for i := int64(1); i <= 3; i++ {
			L.PushInt(i * 10)
		}
		if L.Top() != 3 {
			t.Fatalf("Top = %d", L.Top())
		}
		if v, _ := L.Index(-1).AsInt(); v != 30 {
			t.Errorf("Index(-1) = %v", L.Index(-1))
		}
		if L.AbsIndex(-1) != 3 {
			t.Errorf("AbsIndex(-1) = %d", L.AbsIndex(-1))
		}
		if !L.Index(10).IsNil() {
			t.Error("index above top is not nil")
		}
		L.PushInt(99)
		L.Replace(1)
		if v, _ := L.Index(1).AsInt(); v != 99 || L.Top() != 3 {
			t.Errorf("after Replace: [1] = %v, top %d", L.Index(1), L.Top())
		}
		L.SetTop(5)
		if !L.Index(5).IsNil() {
			t.Error("slots added by SetTop are not nil")
		}
		L.Pop(4)
		if L.Top() != 1 {
			t.Errorf("Top after Pop = %d", L.Top())
		}
	})
}

// ---------------------------------------------------------------------------
// Metamethods
// ---------------------------------------------------------------------------

func TestIndexMetamethods(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	mustProtect(t, L, func() {
		base := L.NewTable() // 1
		L.PushInt(7)
		L.SetField(1, "x")

		L.NewTable() // 2, inherits from base
		L.NewTable()
		L.PushValue(1)
		L.SetField(-2, "__index")
		L.SetMetatable(2)
		L.GetField(2, "x")
		if v, _ := L.Index(-1).AsInt(); v != 7 {
			t.Errorf("inherited field = %v, want 7", L.Index(-1))
		}
		L.Pop(1)

		L.NewTable() // 3, computed fields
		L.NewTable()
		L.PushGoFunction(func(th *Thread) (int, error) {
			key, _ := th.Index(2).Str()
			th.PushString("got " + key)
			return 1, nil
		})
		L.SetField(-2, "__index")
		L.SetMetatable(3)
		L.GetField(3, "y")
		if s, _ := L.Index(-1).Str(); s != "got y" {
			t.Errorf("computed field = %v", L.Index(-1))
		}
		L.Pop(1)

		proxy := L.NewTable() // 4, writes go to base
		L.NewTable()
		L.PushValue(1)
		L.SetField(-2, "__newindex")
		L.SetMetatable(4)
		L.PushInt(9)
		L.SetField(4, "z")
		if v, _ := base.Get(ObjectValue(g.newString("z"))).AsInt(); v != 9 {
			t.Errorf("base.z = %v after writing through the proxy", base.Get(ObjectValue(g.newString("z"))))
		}
		if proxy.Count() != 0 {
			t.Error("write through __newindex stored into the proxy")
		}
		// Existing keys are written directly.
		L.PushInt(1)
		L.RawSetIndex(4, 1)
		L.PushInt(2)
		L.SetIndex(4, 1)
		if v, _ := proxy.GetInt(1).AsInt(); v != 2 {
			t.Errorf("proxy[1] = %v", proxy.GetInt(1))
		}
	})
	checkHeap(t, g)
}

func TestIndexErrors(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	mustProtect(t, L, func() {
		L.NewTable() // 1
		L.NewTable() // 2, its own metatable and __index
		L.PushValue(2)
		L.SetField(2, "__index")
		L.PushValue(2)
		L.SetMetatable(2)
		L.SetMetatable(1)
	})

	tests := []struct {
		name string
		fn   func()
		want string
	}{
		{"loop", func() { L.GetField(1, "missing") }, "'__index' chain too long"},
		{"non-table", func() {
			L.PushInt(1)
			L.GetField(-1, "x")
		}, "attempt to index a integer value"},
		{"nil key", func() {
			L.PushNil()
			L.PushInt(1)
			L.RawSet(1)
		}, "index is nil"},
		{"call non-function", func() {
			L.PushInt(3)
			L.callValue(L.Index(-1))
		}, "attempt to call a integer value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top := L.Top()
			err := L.Protect(tt.fn)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
			if L.Top() != top {
				t.Errorf("top = %d after the error, want %d", L.Top(), top)
			}
		})
	}
}

func TestCallMetamethod(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	var self *Table
	mustProtect(t, L, func() {
		self = L.NewTable()
		L.NewTable()
		L.PushGoFunction(func(th *Thread) (int, error) {
			if th.Index(1).Table() != self {
				t.Error("__call handler did not receive the called object first")
			}
			th.PushInt(int64(th.Top()))
			return 1, nil
		})
		L.SetField(-2, "__call")
		L.SetMetatable(-2)
		L.PushInt(1)
		L.PushInt(2)
	})
	if err := L.Call(2, 1); err != nil {
		t.Fatal(err)
	}
	if n, _ := L.Index(-1).AsInt(); n != 3 {
		t.Errorf("handler saw %d arguments, want 3", n)
	}
}

func TestDefaultMetatableForStrings(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	mustProtect(t, L, func() {
		L.PushString("s") // 1
		L.NewTable()      // 2
		L.NewTable()      // 3
		L.PushInt(42)
		L.SetField(3, "answer")
		L.SetField(2, "__index")
		L.SetMetatable(1)
		L.GetField(1, "answer")
		if v, _ := L.Index(-1).AsInt(); v != 42 {
			t.Errorf("string method lookup = %v", L.Index(-1))
		}
	})
	L.SetTop(0)
	fullCollect(t, g)
	mustProtect(t, L, func() {
		L.PushString("other")
		if !L.GetMetatable(-1) {
			t.Error("default string metatable lost")
		}
	})
	checkNoDangling(t, g)
}

// ---------------------------------------------------------------------------
// Closures and user values
// ---------------------------------------------------------------------------

func TestGoClosureUpvalues(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	mustProtect(t, L, func() {
		L.PushInt(0)
		L.PushGoClosure(func(th *Thread) (int, error) {
			n, _ := th.Index(UpvalueIndex(1)).AsInt()
			th.PushInt(n + 1)
			th.Replace(UpvalueIndex(1))
			th.PushValue(UpvalueIndex(1))
			return 1, nil
		}, 1)
	})
	for i := int64(1); i <= 3; i++ {
		L.PushValue(1)
		if got := callInt(t, L, 0); got != i {
			t.Fatalf("call %d returned %d", i, got)
		}
	}
	if !L.GetUpvalue(1, 1) {
		t.Fatal("no upvalue 1")
	}
	if v, _ := L.Index(-1).AsInt(); v != 3 {
		t.Errorf("upvalue = %v, want 3", L.Index(-1))
	}
	L.Pop(1)
	if L.GetUpvalue(1, 2) {
		t.Error("closure reports a second upvalue")
	}

	var tbl *Table
	mustProtect(t, L, func() {
		tbl = L.NewTable()
		if !L.SetUpvalue(1, 1) {
			t.Fatal("SetUpvalue failed")
		}
	})
	fullCollect(t, g)
	if freed(tbl) {
		t.Error("table stored in a Go closure upvalue was freed")
	}
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestUserValues(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	var u *Userdata
	var held *Table
	mustProtect(t, L, func() {
		u = L.NewUserdata(8, 2)
		held = L.NewTable()
		if !L.SetUserValue(1, 1) {
			t.Error("SetUserValue(1) failed")
		}
		L.PushInt(5)
		if L.SetUserValue(1, 3) {
			t.Error("SetUserValue accepted a value past the end")
		}
		if L.Top() != 1 {
			t.Errorf("SetUserValue left %d values", L.Top())
		}
	})
	if u.NumUserValues() != 2 || u.Size() != 8 {
		t.Errorf("userdata has %d user values and %d bytes", u.NumUserValues(), u.Size())
	}
	fullCollect(t, g)
	if freed(held) {
		t.Fatal("user value freed while its userdata is reachable")
	}
	mustProtect(t, L, func() {
		if tp := L.GetUserValue(1, 1); tp != TypeTable {
			t.Errorf("user value 1 has type %s", tp)
		}
		if tp := L.GetUserValue(1, 2); tp != TypeNil {
			t.Errorf("user value 2 has type %s", tp)
		}
	})
	checkHeap(t, g)
	checkNoDangling(t, g)
}

// ---------------------------------------------------------------------------
// Heap limit
// ---------------------------------------------------------------------------

func limitedState(t *testing.T, limit int64) *State {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Checks = true
	cfg.HeapLimit = limit
	g := New(cfg)
	t.Cleanup(g.Close)
	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestHeapLimitRaisesMemoryError(t *testing.T) {
	const limit = 64 * 1024
	g := limitedState(t, limit)
	L := g.Main()
	n := 0
	err := L.Protect(func() {
		L.NewTable()
		for i := int64(1); ; i++ {
			L.NewTable()
			L.RawSetIndex(1, i)
			n++
		}
	})
	if !errors.Is(err, ErrMemory) {
		t.Fatalf("err = %v, want ErrMemory", err)
	}
	if n == 0 {
		t.Fatal("no allocation succeeded")
	}
	if g.LiveBytes() > limit {
		t.Errorf("live bytes %d exceed the limit %d", g.LiveBytes(), limit)
	}
	if g.Stats().FullCollections == 0 {
		t.Error("no emergency collection before failing")
	}
	checkHeap(t, g)

	// The state stays usable once the live data is gone.
	fullCollect(t, g)
	mustProtect(t, L, func() {
		for i := 0; i < 100; i++ {
			L.NewTable()
			L.Pop(1)
		}
	})
	checkHeap(t, g)
	checkNoDangling(t, g)
}

func TestEmergencyCollectionWhileStopped(t *testing.T) {
	const limit = 64 * 1024
	g := limitedState(t, limit)
	L := g.Main()
	mustProtect(t, L, func() {
		for i := 0; i < 10000; i++ {
			L.CreateTable(0, 2)
			L.Pop(1)
		}
	})
	if g.Stats().FullCollections == 0 {
		t.Error("garbage was reclaimed without an emergency collection")
	}
	if g.IsRunning() {
		t.Error("emergency collection restarted the collector")
	}
	if g.LiveBytes() > limit {
		t.Errorf("live bytes %d exceed the limit %d", g.LiveBytes(), limit)
	}
	checkHeap(t, g)
}

func TestLoadRejectsInvalidCode(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	b := NewProtoBuilder("bad", 0, 1)
	b.Emit(OpMove, 0, 5, 0)
	b.Emit(OpReturn, 0, 1, 0)
	if err := L.Load(b); err == nil {
		t.Fatal("Load accepted an out-of-range register")
	}
	if L.Top() != 0 {
		t.Errorf("failed Load pushed %d values", L.Top())
	}
}

func TestLoadSetsEnvironmentUpvalue(t *testing.T) {
	g := newTestState(t)
	L := g.Main()
	b := NewProtoBuilder("env", 0, 1)
	b.Upvalue("_ENV", true, 0)
	b.Emit(OpGetUpval, 0, 0, 0)
	b.Emit(OpReturn, 0, 2, 0)
	if err := L.Load(b); err != nil {
		t.Fatal(err)
	}
	cl := L.Index(1).gc.(*LClosure)
	if cl.Proto().Source() != "env" {
		t.Errorf("source = %q", cl.Proto().Source())
	}
	if err := L.Call(0, 1); err != nil {
		t.Fatal(err)
	}
	if L.Index(-1).Table() != g.Globals() {
		t.Errorf("_ENV = %v, want the globals table", L.Index(-1))
	}
	checkHeap(t, g)
}

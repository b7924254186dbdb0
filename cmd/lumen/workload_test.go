package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/lumen/vm"
	"github.com/chazu/lumen/vm/trace"
)

func run(t *testing.T, name string) *Result {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.Checks = true
	g := vm.New(cfg)
	defer g.Close()
	r, err := runWorkload(name, g)
	if err != nil {
		t.Fatalf("runWorkload(%s): %v", name, err)
	}
	return r
}

func TestAllocWorkloadReclaims(t *testing.T) {
	r := run(t, "alloc")
	if r.Peak < r.Before+allocCount*16 {
		t.Errorf("peak %d too small for %d tables (before %d)", r.Peak, allocCount, r.Before)
	}
	if r.After > r.Before+1024 {
		t.Errorf("live bytes after = %d, before = %d; tables were not reclaimed", r.After, r.Before)
	}
}

func TestEphemeronWorkloadClearsEntries(t *testing.T) {
	r := run(t, "ephemeron")
	if !strings.HasSuffix(r.Detail, ", 0 after") {
		t.Errorf("detail = %q, want every entry cleared", r.Detail)
	}
	if r.After > r.Before+1024 {
		t.Errorf("live bytes after = %d, before = %d", r.After, r.Before)
	}
}

func TestFinalizerWorkloadRunsAll(t *testing.T) {
	r := run(t, "finalizer")
	if r.Detail != "100 finalizers ran" {
		t.Errorf("detail = %q", r.Detail)
	}
	if r.Stats.Finalized != 100 {
		t.Errorf("Finalized = %d, want 100", r.Stats.Finalized)
	}
}

func TestGenerationalWorkload(t *testing.T) {
	r := run(t, "generational")
	if r.Stats.MinorCollections == 0 {
		t.Error("expected minor collections")
	}
	if r.Stats.Kind == vm.KindIncremental {
		t.Errorf("kind = %v, want a generational kind", r.Stats.Kind)
	}
}

func TestChurnWorkload(t *testing.T) {
	r := run(t, "churn")
	if r.Stats.Cycles == 0 {
		t.Error("expected automatic cycles while the loop ran")
	}
	if r.After > r.Before+4096 {
		t.Errorf("live bytes after = %d, before = %d", r.After, r.Before)
	}
}

func TestChurnProgramVerifies(t *testing.T) {
	if err := churnProgram().Verify(); err != nil {
		t.Fatalf("Verify: %v\n%s", err, churnProgram().Disassemble())
	}
}

func TestUnknownWorkload(t *testing.T) {
	g := vm.New(vm.DefaultConfig())
	defer g.Close()
	_, err := runWorkload("nope", g)
	if err == nil || !strings.Contains(err.Error(), "unknown workload") {
		t.Errorf("err = %v, want unknown workload", err)
	}
}

func TestRunInstancesSharesTracer(t *testing.T) {
	rec := &trace.Recorder{}
	cfg := vm.DefaultConfig()
	cfg.Tracer = rec

	results, err := runInstances(context.Background(), "alloc", 3, cfg)
	if err != nil {
		t.Fatalf("runInstances: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	ids := map[string]bool{}
	for _, r := range results {
		ids[r.Instance] = true
	}
	if len(ids) != 3 {
		t.Errorf("instances are not distinct: %v", ids)
	}
	for _, c := range rec.Cycles() {
		if !ids[c.Instance] {
			t.Errorf("cycle from unknown instance %q", c.Instance)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lumen.toml"), []byte("[gc]\nmode = \"generational\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.VM().Mode != vm.ModeGenerational {
		t.Errorf("mode = %v, want generational", cfg.VM().Mode)
	}
	sinks, err := openSinks(cfg)
	if err != nil {
		t.Fatalf("openSinks: %v", err)
	}
	if sinks != nil {
		t.Errorf("sinks = %v, want none", sinks)
	}
}

// Lumen CLI - runs collector workloads on independent runtime instances
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/lumen/config"
	"github.com/chazu/lumen/vm"
	"github.com/chazu/lumen/vm/trace"
)

func main() {
	configDir := flag.String("config", "", "Directory containing lumen.toml (default: search upward from the working directory)")
	workload := flag.String("workload", "alloc", "Workload to run: "+workloadNames())
	instances := flag.Int("instances", 1, "Number of independent instances to run concurrently")
	mode := flag.String("mode", "", "Override the collector mode (incremental or generational)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lumen [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a collector workload and reports heap statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lumen -workload ephemeron             # Weak-keyed table with dropped keys\n")
		fmt.Fprintf(os.Stderr, "  lumen -workload churn -instances 4    # Interpreter loop on four instances\n")
		fmt.Fprintf(os.Stderr, "  lumen -workload alloc -mode generational\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	vmConfig := cfg.VM()
	switch *mode {
	case "":
	case vm.ModeIncremental.String():
		vmConfig.Mode = vm.ModeIncremental
	case vm.ModeGenerational.String():
		vmConfig.Mode = vm.ModeGenerational
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown mode %q\n", *mode)
		os.Exit(1)
	}
	if *instances < 1 {
		fmt.Fprintf(os.Stderr, "Error: -instances must be at least 1\n")
		os.Exit(1)
	}

	sink, err := openSinks(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if sink != nil {
		vmConfig.Tracer = sink
	}

	results, err := runInstances(context.Background(), *workload, *instances, vmConfig)
	if sink != nil {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, r := range results {
		printResult(r, *verbose)
	}
}

// loadConfig loads lumen.toml from dir, or searches for one when dir is
// empty. Without a file the defaults apply.
func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// openSinks opens the trace outputs named by the configuration. It
// returns nil when tracing is off.
func openSinks(cfg *config.Config) (trace.Multi, error) {
	var sinks trace.Multi
	if p := cfg.TracePath(cfg.Trace.CBOR); p != "" {
		s, err := trace.CreateCBORFile(p)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if p := cfg.TracePath(cfg.Trace.SQLite); p != "" {
		s, err := trace.OpenSQLite(p)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// runInstances runs the workload on n instances concurrently. Instances
// share nothing but the trace sinks.
func runInstances(ctx context.Context, workload string, n int, cfg vm.Config) ([]*Result, error) {
	results := make([]*Result, n)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			g := vm.New(cfg)
			defer g.Close()
			r, err := runWorkload(workload, g)
			if err != nil {
				return fmt.Errorf("instance %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func printResult(r *Result, verbose bool) {
	fmt.Printf("%s [%s]: %s\n", r.Workload, r.Instance, r.Detail)
	fmt.Printf("  live: %s before, %s peak, %s after\n",
		humanize.IBytes(uint64(r.Before)), humanize.IBytes(uint64(r.Peak)), humanize.IBytes(uint64(r.After)))
	fmt.Printf("  cycles: %d (%d minor, %d major, %d full), %d finalized\n",
		r.Stats.Cycles, r.Stats.MinorCollections, r.Stats.MajorCollections,
		r.Stats.FullCollections, r.Stats.Finalized)
	if verbose {
		fmt.Printf("  state: %s, kind: %s, objects: %d, strings: %d\n",
			r.Stats.State, r.Stats.Kind, r.Stats.Objects, r.Stats.Strings)
	}
}

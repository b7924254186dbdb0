// Package trace provides sinks for the per-cycle statistics a vm.State
// reports through its Tracer: a CBOR record stream and a SQLite table.
package trace

import (
	"sync"

	"github.com/chazu/lumen/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lumen.trace")

// Sink is a Tracer that may fail and holds resources.
type Sink interface {
	vm.Tracer
	// Err returns the first error met while recording.
	Err() error
	Close() error
}

// ---------------------------------------------------------------------------
// Multi
// ---------------------------------------------------------------------------

// Multi fans cycle records out to several sinks.
type Multi []Sink

// TraceCycle forwards s to every sink.
func (m Multi) TraceCycle(s vm.CycleStats) {
	for _, sink := range m {
		sink.TraceCycle(s)
	}
}

// Err returns the first error of any sink.
func (m Multi) Err() error {
	for _, sink := range m {
		if err := sink.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, sink := range m {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder keeps cycle records in memory. It is safe for use by several
// States at once.
type Recorder struct {
	mu     sync.Mutex
	cycles []vm.CycleStats
}

// TraceCycle appends s.
func (r *Recorder) TraceCycle(s vm.CycleStats) {
	r.mu.Lock()
	r.cycles = append(r.cycles, s)
	r.mu.Unlock()
}

// Cycles returns a copy of the recorded cycles.
func (r *Recorder) Cycles() []vm.CycleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]vm.CycleStats(nil), r.cycles...)
}

// Err always returns nil.
func (r *Recorder) Err() error { return nil }

// Close does nothing.
func (r *Recorder) Close() error { return nil }

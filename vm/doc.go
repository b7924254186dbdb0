// Package vm implements the Lumen runtime.
//
// This package contains:
//   - Tagged value representation and the heap object model
//   - The allocator hook and per-type size accounting
//   - An incremental and generational tri-color garbage collector
//     (write barriers, marking, weak tables and ephemerons, sweeping,
//     finalization, and the collector state machine)
//   - The string intern table, tables, closures, userdata and threads
//   - A thin embedding façade over the value stack
//   - A small register interpreter
//
// A State owns every structure of one runtime instance. Nothing is shared
// between instances and no State method is safe for concurrent use: the
// collector runs in bounded steps on the same goroutine as the code that
// allocates.
package vm

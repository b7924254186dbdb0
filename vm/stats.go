package vm

import "time"

// CycleStats describes one finished collection cycle: an incremental
// cycle reaching Pause, a minor collection, or a major or full collection.
type CycleStats struct {
	Instance     string        `cbor:"1,keyasint"`
	Cycle        uint64        `cbor:"2,keyasint"`
	Kind         string        `cbor:"3,keyasint"`
	LiveBytes    int64         `cbor:"4,keyasint"`
	MarkedBytes  int64         `cbor:"5,keyasint"`
	FreedBytes   int64         `cbor:"6,keyasint"`
	FreedObjects int64         `cbor:"7,keyasint"`
	Finalized    int           `cbor:"8,keyasint"`
	Objects      int           `cbor:"9,keyasint"`
	Emergency    bool          `cbor:"10,keyasint"`
	Duration     time.Duration `cbor:"11,keyasint"`
	Time         time.Time     `cbor:"12,keyasint"`
}

// Tracer receives the statistics of every finished cycle. It is called
// from inside the collector and must not use the State.
type Tracer interface {
	TraceCycle(CycleStats)
}

// TracerFunc adapts a function to the Tracer interface.
type TracerFunc func(CycleStats)

// TraceCycle calls f(s).
func (f TracerFunc) TraceCycle(s CycleStats) { f(s) }

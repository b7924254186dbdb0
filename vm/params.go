package vm

import (
	"fmt"
	"math"
	"math/bits"
)

// Param names a collector tunable.
type Param uint8

const (
	// ParamPause is how long the collector waits before starting a new
	// incremental cycle, as a percentage of the live bytes after the last
	// one.
	ParamPause Param = iota
	// ParamStepMul is the speed of the collector relative to allocation.
	ParamStepMul
	// ParamStepSize is the granularity of an incremental step in bytes.
	ParamStepSize
	// ParamMinorMul is how much the heap may grow between minor
	// collections, as a percentage of the live bytes.
	ParamMinorMul
	// ParamMinorMajor is how many bytes may be promoted to old during
	// minor collections before a major collection, as a percentage of the
	// live bytes after the last major one.
	ParamMinorMajor
	// ParamMajorMinor is how many of the bytes added since the last major
	// collection must be reclaimed to return to minor collections.
	ParamMajorMinor

	numParams
)

var paramNames = [...]string{"pause", "stepmul", "stepsize", "minormul", "minormajor", "majorminor"}

func (p Param) String() string {
	if int(p) < len(paramNames) {
		return paramNames[p]
	}
	return fmt.Sprintf("param(%d)", uint8(p))
}

// Defaults for the tunables. StepSize is in bytes; all others are
// percentages.
const (
	DefaultPause      = 250
	DefaultStepMul    = 200
	DefaultStepSize   = 8 * 1024
	DefaultMinorMul   = 20
	DefaultMinorMajor = 70
	DefaultMajorMinor = 50
)

const maxLMem = math.MaxInt64

// codeParam encodes a percentage into one byte as a tiny float 'eeeexxxx':
// a 4-bit exponent with excess 7 and a 4-bit mantissa with an implicit
// leading one when the exponent is not zero. The encoded quantity is
// p/100 * 128, so 100% codes to exactly 1.0.
func codeParam(p uint64) byte {
	if p >= (0x1F<<(0xF-7-1))*100 {
		return 0xFF
	}
	p = (p*128 + 99) / 100
	if p < 0x10 {
		return byte(p)
	}
	log := uint(ceilLog2(p+1)) - 5
	return byte(((p >> log) - 0x10) | uint64((log+1)<<4))
}

// applyParam computes x * p where p is a coded parameter, saturating at
// the maximum representable size.
func applyParam(p byte, x int64) int64 {
	m := int64(p & 0xF)
	e := int(p >> 4)
	if e > 0 {
		e--
		m += 0x10
	}
	e -= 7
	if e >= 0 {
		if x < (maxLMem/0x1F)>>uint(e) {
			return (x * m) << uint(e)
		}
		return maxLMem
	}
	e = -e
	if x < maxLMem/0x1F {
		return (x * m) >> uint(e)
	}
	if x>>uint(e) < maxLMem/0x1F {
		return (x >> uint(e)) * m
	}
	return maxLMem
}

// decodeParam returns the percentage a coded parameter stands for.
func decodeParam(p byte) int {
	return int(applyParam(p, 100))
}

func ceilLog2(x uint64) int {
	return bits.Len64(x - 1)
}

func (g *State) applyGCParam(p Param, x int64) int64 {
	return applyParam(g.gc.params[p], x)
}

func (g *State) setGCParam(p Param, percent int) {
	if percent < 0 {
		percent = 0
	}
	g.gc.params[p] = codeParam(uint64(percent))
}

// SetParam sets a tunable and returns its previous value. Values are
// percentages, except ParamStepSize which is in bytes. The stored value is
// rounded to the nearest representable one. A negative value only queries.
func (g *State) SetParam(p Param, value int) (int, error) {
	if p >= numParams {
		return 0, fmt.Errorf("vm: unknown collector parameter %d", p)
	}
	if g.gc.stp&stopGC != 0 {
		return 0, ErrGCBusy
	}
	old := g.Param(p)
	if value >= 0 {
		g.setGCParam(p, value)
	}
	return old, nil
}

// Param returns the current value of a tunable.
func (g *State) Param(p Param) int {
	if p >= numParams {
		return 0
	}
	return decodeParam(g.gc.params[p])
}

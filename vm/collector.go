package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// States and kinds
// ---------------------------------------------------------------------------

// GCState is the phase of the collector's state machine.
type GCState uint8

const (
	StatePropagate GCState = iota
	StateEnterAtomic
	StateAtomic
	StateSweepAllGC
	StateSweepFinObj
	StateSweepToBeFnz
	StateSweepEnd
	StateCallFin
	StatePause
)

var gcStateNames = [...]string{
	"propagate", "enteratomic", "atomic", "sweepallgc", "sweepfinobj",
	"sweeptobefnz", "sweepend", "callfin", "pause",
}

func (s GCState) String() string {
	if int(s) < len(gcStateNames) {
		return gcStateNames[s]
	}
	return fmt.Sprintf("gcstate(%d)", uint8(s))
}

// Kind is the kind of collection the collector is currently doing.
type Kind uint8

const (
	KindIncremental Kind = iota
	KindGenMinor
	KindGenMajor
)

var kindNames = [...]string{"incremental", "minor", "major"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Reasons for the collector to be stopped.
const (
	stopUser    = 1 << iota // stopped by the embedder
	stopGC                  // running a finalizer
	stopClosing             // state is closing
)

// Number of objects swept per incremental sweep step.
const sweepMax = 20

// Sentinel results of singleStep. Other results are work units.
const (
	stepToMinor  = -1
	stepAtomic   = -2
	stepToPause  = -3
	workFinalize = 50
)

// keepInvariant reports whether the tri-color invariant must hold: no black
// object points to a white one. It holds during marking and is relaxed
// during sweeping.
func (g *State) keepInvariant() bool { return g.gc.state <= StateAtomic }

func (g *State) isSweepPhase() bool {
	return g.gc.state >= StateSweepAllGC && g.gc.state <= StateSweepEnd
}

// ---------------------------------------------------------------------------
// Gray lists
// ---------------------------------------------------------------------------

// linkGray paints o gray and pushes it on a gray list.
func (g *State) linkGray(o Object, list *Object) {
	h := o.gcHeader()
	g.assert(!h.inGray, "object #%d linked into two gray lists", h.id)
	h.gclist = *list
	h.inGray = true
	*list = o
	set2gray(o)
}

// dropGrayList empties a gray list, clearing membership of every element.
func dropGrayList(list *Object) {
	for o := *list; o != nil; {
		h := o.gcHeader()
		o = h.gclist
		h.gclist = nil
		h.inGray = false
	}
	*list = nil
}

func (g *State) clearGrayLists() {
	dropGrayList(&g.gc.gray)
	dropGrayList(&g.gc.grayagain)
	dropGrayList(&g.gc.weak)
	dropGrayList(&g.gc.allweak)
	dropGrayList(&g.gc.ephemeron)
}

// ---------------------------------------------------------------------------
// Pacing
// ---------------------------------------------------------------------------

// setDebt sets how many bytes may be allocated before the next step.
func (g *State) setDebt(debt int64) {
	if debt > maxLMem-g.gc.totalBytes {
		debt = maxLMem - g.gc.totalBytes
	}
	g.gc.debt = debt
}

// setPause sets the debt so that the next cycle starts when the heap has
// grown to pause percent of the bytes marked in the last cycle.
func (g *State) setPause() {
	threshold := g.applyGCParam(ParamPause, g.gc.marked)
	debt := threshold - g.gc.totalBytes
	if debt < 0 {
		debt = 0
	}
	g.setDebt(debt)
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func (g *State) enterSweep() {
	g.gc.state = StateSweepAllGC
	g.assert(g.gc.sweepgc == nil, "enterSweep: sweep already in progress")
	g.gc.sweepgc = g.sweepToLive(&g.gc.allgc)
}

func (g *State) sweepStep(next GCState, nextList *Object, fast bool) {
	if g.gc.sweepgc != nil {
		n := sweepMax
		if fast {
			n = -1
		}
		g.gc.sweepgc = g.sweepList(g.gc.sweepgc, n)
		return
	}
	g.gc.state = next
	g.gc.sweepgc = nextList
}

// singleStep performs one indivisible unit of collector work and returns
// its cost or one of the step sentinels.
func (g *State) singleStep(fast bool) int64 {
	gc := &g.gc
	if gc.stopEm {
		panic(&InternalError{What: "collector step started during a step"})
	}
	gc.stopEm = true
	var res int64
	switch gc.state {
	case StatePause:
		g.restartCollection()
		gc.state = StatePropagate
		res = 1
	case StatePropagate:
		if fast || gc.gray == nil {
			gc.state = StateEnterAtomic
			res = 1
		} else {
			res = g.propagateMark()
		}
	case StateEnterAtomic:
		g.atomic()
		if g.checkMajorMinor() {
			res = stepToMinor
		} else {
			g.enterSweep()
			res = stepAtomic
		}
	case StateSweepAllGC:
		g.sweepStep(StateSweepFinObj, &gc.finobj, fast)
		res = sweepMax
	case StateSweepFinObj:
		g.sweepStep(StateSweepToBeFnz, &gc.tobefnz, fast)
		res = sweepMax
	case StateSweepToBeFnz:
		g.sweepStep(StateSweepEnd, nil, fast)
		res = sweepMax
	case StateSweepEnd:
		g.checkSizes()
		gc.state = StateCallFin
		res = sweepMax
	case StateCallFin:
		if gc.tobefnz != nil && !gc.emergency {
			gc.stopEm = false
			g.runOneFinalizer()
			res = workFinalize
		} else {
			gc.state = StatePause
			g.endCycle(gc.kind)
			res = stepToPause
		}
	default:
		panic(&InternalError{What: "invalid collector state " + gc.state.String()})
	}
	gc.stopEm = false
	return res
}

// runUntilState advances the collector until it reaches state s.
func (g *State) runUntilState(s GCState, fast bool) {
	g.assert(g.gc.kind == KindIncremental, "runUntilState in %s mode", g.gc.kind)
	for g.gc.state != s {
		g.singleStep(fast)
	}
}

// incStep performs a basic incremental step: it does work proportional to
// the step size times the step multiplier, stopping early at the atomic
// phase or the end of a cycle.
func (g *State) incStep() {
	stepSize := g.applyGCParam(ParamStepSize, 100)
	work := g.applyGCParam(ParamStepMul, stepSize/sizePointer)
	fast := work == 0
	for {
		res := g.singleStep(fast)
		if res == stepToMinor {
			return
		}
		if res == stepToPause || (res == stepAtomic && !fast) {
			break
		}
		work -= res
		if !fast && work <= 0 {
			break
		}
	}
	if g.gc.state == StatePause {
		g.setPause()
	} else {
		g.setDebt(stepSize)
	}
}

// step is called when the debt reaches zero.
func (g *State) step() {
	if g.gc.stp != 0 {
		g.setDebt(20000)
		return
	}
	switch g.gc.kind {
	case KindIncremental, KindGenMajor:
		g.incStep()
	case KindGenMinor:
		g.youngCollection()
		g.setMinorDebt()
	}
}

// checkGC runs a step when the debt is exhausted.
func (g *State) checkGC() {
	if g.gc.debt <= 0 {
		g.step()
	}
}

func (g *State) fullInc() {
	if g.keepInvariant() {
		// Sweep everything back to white and start over.
		g.enterSweep()
	}
	g.runUntilState(StatePause, true)
	g.runUntilState(StateCallFin, true)
	g.runUntilState(StatePause, true)
	g.setPause()
}

// fullGC performs a complete collection. In an emergency, finalizers are
// not run and stacks are not shrunk.
func (g *State) fullGC(emergency bool) {
	gc := &g.gc
	if gc.emergency {
		panic(&InternalError{What: "nested emergency collection"})
	}
	gc.emergency = emergency
	gc.fulls++
	switch gc.kind {
	case KindGenMinor:
		g.fullGen()
	case KindIncremental:
		g.fullInc()
	case KindGenMajor:
		gc.kind = KindIncremental
		g.fullInc()
		gc.kind = KindGenMajor
	}
	gc.emergency = false
}

// changeMode switches between incremental and generational collection.
func (g *State) changeMode(kind Kind) {
	gc := &g.gc
	if gc.kind == KindGenMajor {
		gc.kind = KindIncremental
	}
	if kind == gc.kind {
		return
	}
	if kind == KindIncremental {
		g.log.Debug("leaving generational mode")
		g.minorToInc(KindIncremental)
	} else {
		g.log.Debug("entering generational mode")
		g.enterGen()
	}
}

// ---------------------------------------------------------------------------
// Embedder controls
// ---------------------------------------------------------------------------

func (g *State) checkControl() error {
	if g.closed {
		return ErrClosed
	}
	if g.gc.stp&(stopGC|stopClosing) != 0 {
		return ErrGCBusy
	}
	return nil
}

// Step performs one basic collector step even when the collector is
// stopped. It reports whether the step finished a cycle.
func (g *State) Step() (bool, error) {
	if err := g.checkControl(); err != nil {
		return false, err
	}
	old := g.gc.stp
	g.gc.stp = 0
	err := catch(func() {
		g.setDebt(0)
		g.step()
	})
	g.gc.stp = old
	return err == nil && g.gc.state == StatePause, err
}

// CheckStep performs a step if the allocation debt is exhausted.
func (g *State) CheckStep() error {
	if g.closed {
		return ErrClosed
	}
	return catch(g.checkGC)
}

// FullCollect performs a complete collection cycle. An emergency
// collection does not run finalizers or shrink stacks.
func (g *State) FullCollect(emergency bool) error {
	if err := g.checkControl(); err != nil {
		return err
	}
	g.log.Infof("full collection (%s, %d bytes in use)", g.gc.kind, g.gc.totalBytes)
	return catch(func() { g.fullGC(emergency) })
}

// ChangeMode switches the collector mode and returns the previous one.
func (g *State) ChangeMode(m Mode) (Mode, error) {
	if err := g.checkControl(); err != nil {
		return 0, err
	}
	old := ModeGenerational
	if g.gc.kind == KindIncremental {
		old = ModeIncremental
	}
	kind := KindIncremental
	if m == ModeGenerational {
		kind = KindGenMinor
	}
	return old, catch(func() { g.changeMode(kind) })
}

// Stop stops automatic collection.
func (g *State) Stop() error {
	if err := g.checkControl(); err != nil {
		return err
	}
	g.gc.stp = stopUser
	return nil
}

// Restart resumes automatic collection.
func (g *State) Restart() error {
	if err := g.checkControl(); err != nil {
		return err
	}
	g.setDebt(0)
	g.gc.stp = 0
	return nil
}

// IsRunning reports whether automatic collection is enabled.
func (g *State) IsRunning() bool { return g.gc.stp == 0 }

// LiveBytes returns the number of bytes currently accounted to the heap.
func (g *State) LiveBytes() int64 { return g.gc.totalBytes }

// GCState returns the collector's current phase.
func (g *State) GCState() GCState { return g.gc.state }

// Kind returns the kind of collection in progress.
func (g *State) Kind() Kind { return g.gc.kind }

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// Stats is a snapshot of collector counters.
type Stats struct {
	State            GCState
	Kind             Kind
	Running          bool
	LiveBytes        int64
	MarkedBytes      int64
	Debt             int64
	Objects          int
	Cycles           uint64
	MinorCollections uint64
	MajorCollections uint64
	FullCollections  uint64
	Finalized        uint64
	Strings          int
}

// Stats returns a snapshot of collector counters.
func (g *State) Stats() Stats {
	gc := &g.gc
	return Stats{
		State:            gc.state,
		Kind:             gc.kind,
		Running:          gc.stp == 0,
		LiveBytes:        gc.totalBytes,
		MarkedBytes:      gc.marked,
		Debt:             gc.debt,
		Objects:          gc.numObjects,
		Cycles:           gc.cycles,
		MinorCollections: gc.minors,
		MajorCollections: gc.majors,
		FullCollections:  gc.fulls,
		Finalized:        gc.finalized,
		Strings:          g.strt.nuse,
	}
}

// endCycle closes the statistics of a finished cycle and hands them to
// the tracer.
func (g *State) endCycle(kind Kind) {
	gc := &g.gc
	gc.cycles++
	switch kind {
	case KindGenMinor:
		gc.minors++
	case KindGenMajor:
		gc.majors++
	}
	if g.tracer != nil {
		now := time.Now()
		var d time.Duration
		if !gc.cycleStart.IsZero() {
			d = now.Sub(gc.cycleStart)
		}
		g.tracer.TraceCycle(CycleStats{
			Instance:     g.id.String(),
			Cycle:        gc.cycles,
			Kind:         kind.String(),
			LiveBytes:    gc.totalBytes,
			MarkedBytes:  gc.marked,
			FreedBytes:   gc.cycleFreedBytes,
			FreedObjects: gc.cycleFreedObjects,
			Finalized:    gc.cycleFinalized,
			Objects:      gc.numObjects,
			Emergency:    gc.emergency,
			Duration:     d,
			Time:         now,
		})
	}
	gc.cycleFreedBytes = 0
	gc.cycleFreedObjects = 0
	gc.cycleFinalized = 0
	gc.cycleStart = time.Time{}
}

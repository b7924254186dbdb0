package vm

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Mode selects the collector's operating mode.
type Mode uint8

const (
	ModeIncremental Mode = iota
	ModeGenerational
)

func (m Mode) String() string {
	if m == ModeGenerational {
		return "generational"
	}
	return "incremental"
}

// WarnFunc receives non-fatal warnings such as errors raised by finalizers.
type WarnFunc func(msg string)

// Config holds the settings of a new State. Start from DefaultConfig; zero
// is a meaningful value for several tunables.
type Config struct {
	Mode Mode

	// Collector tunables, see Param.
	Pause      int
	StepMul    int
	StepSize   int
	MinorMul   int
	MinorMajor int
	MajorMinor int

	// HeapLimit caps the logical heap in bytes. Zero means no limit.
	HeapLimit int64

	// MaxStack is the largest number of slots a thread stack may hold,
	// at most DefaultMaxStack.
	MaxStack int

	// Checks enables invariant assertions inside the collector.
	Checks bool

	// Seed for string hashing. Zero derives one from the instance ID.
	Seed uint64

	Tracer   Tracer
	WarnFunc WarnFunc
}

// DefaultMaxStack is the default stack limit in slots.
const DefaultMaxStack = 1000000

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Mode:       ModeIncremental,
		Pause:      DefaultPause,
		StepMul:    DefaultStepMul,
		StepSize:   DefaultStepSize,
		MinorMul:   DefaultMinorMul,
		MinorMajor: DefaultMinorMajor,
		MajorMinor: DefaultMajorMinor,
		MaxStack:   DefaultMaxStack,
	}
}

// ---------------------------------------------------------------------------
// Collector state
// ---------------------------------------------------------------------------

// collector holds every piece of collector bookkeeping for one State.
type collector struct {
	state        GCState
	kind         Kind
	currentWhite Color
	stp          uint8
	emergency    bool
	// stopEm is set while a collector step runs; it blocks emergency
	// collections and detects reentrant steps.
	stopEm bool

	totalBytes int64
	debt       int64
	// marked counts bytes marked in the current cycle. In generational
	// minor mode it counts bytes promoted to old since the last major
	// collection.
	marked int64
	// majorMinor is the live-byte baseline of the last major collection.
	majorMinor int64
	params     [numParams]byte
	numObjects int

	// Population lists, linked through header.next.
	allgc   Object
	finobj  Object
	tobefnz Object
	fixedgc Object

	// Gray lists, linked through header.gclist.
	gray      Object
	grayagain Object
	weak      Object
	allweak   Object
	ephemeron Object

	// sweepgc points at the link holding the next object to sweep.
	sweepgc *Object

	// Generational boundaries inside allgc and finobj.
	survival   Object
	old1       Object
	reallyOld  Object
	firstOld1  Object
	finobjSur  Object
	finobjOld1 Object
	finobjROld Object

	// twups lists threads with open upvalues.
	twups *Thread

	// Counters.
	cycles    uint64
	minors    uint64
	majors    uint64
	fulls     uint64
	finalized uint64

	cycleStart        time.Time
	cycleFreedBytes   int64
	cycleFreedObjects int64
	cycleFinalized    int
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// State is one runtime instance: a heap, its collector, a registry and a
// main thread. A State shares nothing with other States.
type State struct {
	gc   collector
	strt stringTable
	seed uint64
	id   uuid.UUID

	registry   *Table
	mainThread *Thread
	running    *Thread
	mt         [numBasicTypes]*Table
	tmNames    [numTMs]*String
	memErrMsg  *String

	warn     WarnFunc
	tracer   Tracer
	log      commonlog.Logger
	maxStack int
	limit    int64
	checks   bool
	nextID   uint64

	// complete is false while the state is being built.
	complete bool
	closed   bool
}

// Registry slots.
const (
	registryMainThread = 1
	registryGlobals    = 2
)

// New creates a State with the given configuration.
func New(cfg Config) *State {
	g := &State{
		id:       uuid.New(),
		log:      commonlog.GetLogger("lumen.vm"),
		tracer:   cfg.Tracer,
		warn:     cfg.WarnFunc,
		maxStack: cfg.MaxStack,
		limit:    cfg.HeapLimit,
		checks:   cfg.Checks,
	}
	if g.maxStack <= 0 || g.maxStack > DefaultMaxStack {
		g.maxStack = DefaultMaxStack
	}
	g.seed = cfg.Seed
	if g.seed == 0 {
		g.seed = binary.LittleEndian.Uint64(g.id[:8])
	}
	if g.warn == nil {
		g.warn = func(msg string) { g.log.Warning(msg) }
	}

	gc := &g.gc
	gc.currentWhite = White0
	gc.state = StatePause
	gc.kind = KindIncremental
	g.setGCParam(ParamPause, cfg.Pause)
	g.setGCParam(ParamStepMul, cfg.StepMul)
	g.setGCParam(ParamStepSize, cfg.StepSize)
	g.setGCParam(ParamMinorMul, cfg.MinorMul)
	g.setGCParam(ParamMinorMajor, cfg.MinorMajor)
	g.setGCParam(ParamMajorMinor, cfg.MajorMinor)

	g.strt.resize(g, minStrTabSize)
	g.mainThread = g.newThreadObject()
	g.running = g.mainThread
	g.initRegistry()
	g.initTMNames()
	g.memErrMsg = g.newString(ErrMemory.Error())
	g.fix(g.memErrMsg)

	g.setPause()
	g.complete = true
	if cfg.Mode == ModeGenerational {
		g.changeMode(KindGenMinor)
	}
	return g
}

func (g *State) initRegistry() {
	L := g.mainThread
	g.registry = g.newTable(2, 0)
	// Anchor the registry on the main stack while it is filled.
	L.push(ObjectValue(g.registry))
	g.registry.array[registryMainThread-1] = ObjectValue(g.mainThread)
	g.registry.array[registryGlobals-1] = ObjectValue(g.newTable(0, 0))
	L.top--
}

// ID returns the instance identifier.
func (g *State) ID() uuid.UUID { return g.id }

// Main returns the main thread.
func (g *State) Main() *Thread { return g.mainThread }

// Registry returns the registry table.
func (g *State) Registry() *Table { return g.registry }

// Globals returns the table of global variables.
func (g *State) Globals() *Table {
	return g.registry.array[registryGlobals-1].Table()
}

// SetWarnFunc replaces the warning function. Nil restores logging.
func (g *State) SetWarnFunc(fn WarnFunc) {
	if fn == nil {
		fn = func(msg string) { g.log.Warning(msg) }
	}
	g.warn = fn
}

// SetTracer installs a sink for per-cycle statistics.
func (g *State) SetTracer(t Tracer) { g.tracer = t }

// current returns the thread on whose behalf the collector runs code.
func (g *State) current() *Thread {
	if g.running != nil {
		return g.running
	}
	return g.mainThread
}

// Close runs every pending finalizer, including those of objects still
// reachable, and releases all objects. The State cannot be used afterwards.
func (g *State) Close() {
	if g.closed {
		return
	}
	L := g.mainThread
	L.ci = &L.baseCI
	L.closeUpvals(0)
	g.freeAllObjects()
	g.closed = true
	g.log.Debugf("state %s closed", g.id)
}

// Closed reports whether Close was called.
func (g *State) Closed() bool { return g.closed }

package vm

// ---------------------------------------------------------------------------
// Logical sizes
// ---------------------------------------------------------------------------

// Sizes approximate the layout a systems-language runtime would use. They
// drive the byte debt and the live-byte accounting; the host collector's
// real footprint is not observable here.
const (
	sizeHeader    = 16
	sizeValue     = 16
	sizeNode      = 2*sizeValue + 8
	sizePointer   = 8
	sizeCallInfo  = 64
	sizeStrBucket = sizePointer

	sizeString    = sizeHeader + 24
	sizeTable     = sizeHeader + 40
	sizeLClosure  = sizeHeader + 16
	sizeGoClosure = sizeHeader + 16
	sizeUserdata  = sizeHeader + 24
	sizeThread    = sizeHeader + 184
	sizeProto     = sizeHeader + 112
	sizeUpval     = sizeHeader + 24
	sizeUpvalDesc = 16
	sizeLocVar    = 16
)

// objSize returns the logical size of o including its variable-length
// payload. The sum of objSize over all linked objects equals the bytes
// charged for them.
func objSize(o Object) int64 {
	switch x := o.(type) {
	case *String:
		return sizeString + int64(len(x.s)) + 1
	case *Table:
		return sizeTable + sizeValue*int64(len(x.array)) + sizeNode*int64(len(x.node))
	case *LClosure:
		return sizeLClosure + sizePointer*int64(len(x.upvals))
	case *GoClosure:
		return sizeGoClosure + sizeValue*int64(len(x.upvalues))
	case *Userdata:
		return sizeUserdata + sizeValue*int64(len(x.user)) + int64(x.size)
	case *Thread:
		return sizeThread + sizeValue*int64(len(x.stack)) + sizeCallInfo*int64(x.nci)
	case *Proto:
		return sizeProto + sizeValue*int64(len(x.k)) + sizePointer*int64(len(x.p)) +
			4*int64(len(x.code)) + sizeUpvalDesc*int64(len(x.upvalues)) +
			sizeLocVar*int64(len(x.locvars))
	case *Upval:
		return sizeUpval
	}
	panic(&InternalError{What: "objSize: unknown object type"})
}

// SizeOf returns the logical size the collector accounts for o.
func SizeOf(o Object) int64 { return objSize(o) }

// ---------------------------------------------------------------------------
// Allocator hook
// ---------------------------------------------------------------------------

// charge accounts n more bytes against the heap. When a heap limit is
// configured and would be exceeded, an emergency full collection runs and
// the request is retried once; if it still cannot be satisfied ErrMemory is
// thrown. Negative n releases bytes.
func (g *State) charge(n int64) {
	if n < 0 {
		g.release(-n)
		return
	}
	if g.limit > 0 && g.gc.totalBytes+n > g.limit {
		if g.canTryAgain() {
			g.log.Warningf("heap limit %d reached, running emergency collection", g.limit)
			g.fullGC(true)
		}
		if g.gc.totalBytes+n > g.limit {
			throw(ErrMemory)
		}
	}
	g.gc.totalBytes += n
	g.gc.debt -= n
}

// release returns n bytes to the heap. Releasing does not pay back debt.
func (g *State) release(n int64) {
	g.gc.totalBytes -= n
}

func (g *State) canTryAgain() bool {
	return g.complete && !g.gc.stopEm && !g.gc.emergency
}

// newObject is the single creation entry point for heap objects. The
// payload of o must already hold its final variable-length shape so that
// objSize is exact; element contents may be filled in afterwards as long as
// o stays reachable only through the caller until then.
//
// The object is stamped with the current white, age new, and the given
// tag, and linked at the head of allgc.
func (g *State) newObject(o Object, tt Type) {
	h := o.gcHeader()
	h.tt = tt
	g.charge(objSize(o))
	g.nextID++
	h.id = g.nextID
	h.color = g.gc.currentWhite
	h.age = AgeNew
	h.next = g.gc.allgc
	h.owner = listAllGC
	g.gc.allgc = o
	g.gc.numObjects++
}

// freeObject releases o. Only the sweeper and state teardown call it.
func (g *State) freeObject(o Object) {
	g.assert(!o.gcHeader().inGray, "freeing object #%d still on a gray list", o.gcHeader().id)
	size := objSize(o)
	switch x := o.(type) {
	case *Upval:
		if x.isOpen() {
			x.unlink()
		}
	case *String:
		if x.tt == TypeShortString {
			g.strt.remove(g, x)
		}
	case *Thread:
		g.freeThread(x)
	}
	g.release(size)
	g.gc.numObjects--
	g.gc.cycleFreedBytes += size
	g.gc.cycleFreedObjects++
	h := o.gcHeader()
	h.owner = listNone
	h.next = nil
	h.gclist = nil
}

// fix moves o, which must be the most recent allocation, from allgc to
// fixedgc. Fixed objects are gray and old forever and are only released
// when the state closes.
func (g *State) fix(o Object) {
	h := o.gcHeader()
	g.assert(g.gc.allgc == o, "fix: object must be the first in allgc")
	set2gray(o)
	h.age = AgeOld
	g.gc.allgc = h.next
	h.next = g.gc.fixedgc
	h.owner = listFixed
	g.gc.fixedgc = o
}

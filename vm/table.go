package vm

import (
	"math"
	"math/bits"
)

// ---------------------------------------------------------------------------
// Table layout
// ---------------------------------------------------------------------------

// node is one slot of a table's hash part. Collisions are chained through
// next, an offset to another node of the same array.
type node struct {
	val  Value
	key  Value
	next int32
}

// Table is an associative array with an array part for keys 1..n and a hash
// part for everything else.
type Table struct {
	header
	// flags caches the absence of metamethods: bit i set means the
	// metamethod with index i is known to be missing.
	flags     uint8
	array     []Value
	node      []node // power-of-two length, or nil
	lastFree  int
	metatable *Table
}

const maxABits = 31

// Metatable returns the table's metatable, or nil.
func (t *Table) Metatable() *Table { return t.metatable }

func (t *Table) sizeNode() int { return len(t.node) }

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

func hashInt(i int64) uint64 {
	u := uint64(i)
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return u
}

// keyHash returns the hash of a normalized, non-nil key.
func keyHash(k Value) uint64 {
	switch k.tt {
	case TypeBool:
		return k.n
	case TypeInt:
		return hashInt(int64(k.n))
	case TypeFloat:
		return hashInt(int64(k.n)) ^ 0x9e3779b97f4a7c15
	case TypeShortString, TypeLongString:
		return k.gc.(*String).hash
	}
	return hashInt(int64(k.gc.gcHeader().id))
}

func (t *Table) mainPosition(k Value) int {
	return int(keyHash(k) & uint64(len(t.node)-1))
}

// keyEqual compares a lookup key with a node key. With deadOK, a dead key
// matches the object it used to hold, which lets iteration continue after
// an entry was cleared.
func keyEqual(k Value, n *node, deadOK bool) bool {
	nk := n.key
	if nk.tt == typeDeadKey {
		return deadOK && k.tt.collectable() && k.gc == nk.gc
	}
	if k.tt != nk.tt {
		return false
	}
	switch k.tt {
	case TypeBool, TypeInt, TypeFloat:
		return k.n == nk.n
	case TypeLongString:
		return k.gc == nk.gc || k.gc.(*String).s == nk.gc.(*String).s
	}
	return k.gc == nk.gc
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

func (t *Table) findNode(k Value, deadOK bool) int {
	if len(t.node) == 0 {
		return -1
	}
	i := t.mainPosition(k)
	for {
		n := &t.node[i]
		if keyEqual(k, n, deadOK) {
			return i
		}
		if n.next == 0 {
			return -1
		}
		i += int(n.next)
	}
}

// normalizeKey converts floats with an integral value into integers.
func normalizeKey(k Value) Value {
	if k.tt == TypeFloat {
		if i, ok := floatToInt(math.Float64frombits(k.n)); ok {
			return Int(i)
		}
	}
	return k
}

// Get returns t[k] without metamethods.
func (t *Table) Get(k Value) Value {
	k = normalizeKey(k)
	switch k.tt {
	case TypeNil:
		return Nil
	case TypeInt:
		return t.GetInt(int64(k.n))
	}
	if i := t.findNode(k, false); i >= 0 {
		return t.node[i].val
	}
	return Nil
}

// GetInt returns t[i] without metamethods.
func (t *Table) GetInt(i int64) Value {
	if uint64(i)-1 < uint64(len(t.array)) {
		return t.array[i-1]
	}
	if j := t.findNode(Int(i), false); j >= 0 {
		return t.node[j].val
	}
	return Nil
}

// GetStr returns t[s] for an already created string key.
func (t *Table) getStr(s *String) Value {
	if j := t.findNode(ObjectValue(s), false); j >= 0 {
		return t.node[j].val
	}
	return Nil
}

// Len returns a border of the table: an index n with t[n] non-nil and
// t[n+1] nil, or 0 when t[1] is nil.
func (t *Table) Len() int64 {
	n := len(t.array)
	if n > 0 && t.array[n-1].IsNil() {
		lo, hi := 0, n
		for hi-lo > 1 {
			m := (lo + hi) / 2
			if t.array[m-1].IsNil() {
				hi = m
			} else {
				lo = m
			}
		}
		return int64(lo)
	}
	if len(t.node) == 0 {
		return int64(n)
	}
	j := int64(n)
	i := j + 1
	for !t.GetInt(i).IsNil() {
		j = i
		if i > math.MaxInt64/2 {
			for k := int64(1); !t.GetInt(k).IsNil(); k++ {
				j = k
			}
			return j
		}
		i *= 2
	}
	for i-j > 1 {
		m := (i + j) / 2
		if t.GetInt(m).IsNil() {
			i = m
		} else {
			j = m
		}
	}
	return j
}

// Next returns the entry following key k in traversal order. Start with
// Nil; ok is false when k is not a key of the table.
func (t *Table) Next(k Value) (key, val Value, ok bool) {
	i, ok := t.findIndex(k)
	if !ok {
		return Nil, Nil, false
	}
	for ; i < len(t.array); i++ {
		if !t.array[i].IsNil() {
			return Int(int64(i + 1)), t.array[i], true
		}
	}
	for i -= len(t.array); i < len(t.node); i++ {
		if !t.node[i].val.IsNil() {
			return t.node[i].key, t.node[i].val, true
		}
	}
	return Nil, Nil, true
}

func (t *Table) findIndex(k Value) (int, bool) {
	if k.IsNil() {
		return 0, true
	}
	k = normalizeKey(k)
	if k.tt == TypeInt {
		if i := int64(k.n); i >= 1 && i <= int64(len(t.array)) {
			return int(i), true
		}
	}
	j := t.findNode(k, true)
	if j < 0 {
		return 0, false
	}
	return len(t.array) + j + 1, true
}

// Count returns the number of non-nil entries.
func (t *Table) Count() int {
	n := 0
	for _, v := range t.array {
		if !v.IsNil() {
			n++
		}
	}
	for i := range t.node {
		if !t.node[i].val.IsNil() {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Insertion
// ---------------------------------------------------------------------------

// clearKey turns the key of an empty node into a dead key so the collector
// does not keep its object alive. The chain through the node stays intact.
func (n *node) clearKey() {
	if n.key.tt.collectable() {
		n.key = Value{tt: typeDeadKey, gc: n.key.gc}
	}
}

func (t *Table) getFreePos() int {
	for t.lastFree > 0 {
		t.lastFree--
		if t.node[t.lastFree].key.IsNil() {
			return t.lastFree
		}
	}
	return -1
}

// set stores t[k] = v. Keys must be non-nil and not NaN. The caller runs
// the backward barrier.
func (g *State) tableSet(t *Table, k, v Value) error {
	k = normalizeKey(k)
	switch k.tt {
	case TypeNil:
		return runtimeErrorf("index is nil")
	case TypeFloat:
		if math.IsNaN(math.Float64frombits(k.n)) {
			return runtimeErrorf("index is NaN")
		}
	case TypeInt:
		if i := int64(k.n); uint64(i)-1 < uint64(len(t.array)) {
			t.array[i-1] = v
			return nil
		}
	}
	if i := t.findNode(k, false); i >= 0 {
		t.node[i].val = v
		return nil
	}
	if v.IsNil() {
		return nil
	}
	g.newKey(t, k, v)
	return nil
}

// newKey inserts a key that is not present. If the key's main position is
// taken by a node that is not in its own main position, that node moves to
// a free slot; otherwise the new key goes to the free slot.
func (g *State) newKey(t *Table, k, v Value) {
	if len(t.node) == 0 {
		g.rehash(t, k)
		g.mustSet(t, k, v)
		return
	}
	mp := t.mainPosition(k)
	if !t.node[mp].val.IsNil() {
		f := t.getFreePos()
		if f < 0 {
			g.rehash(t, k)
			g.mustSet(t, k, v)
			return
		}
		othern := t.mainPosition(t.node[mp].key)
		if othern != mp {
			for othern+int(t.node[othern].next) != mp {
				othern += int(t.node[othern].next)
			}
			t.node[othern].next = int32(f - othern)
			t.node[f] = t.node[mp]
			if t.node[mp].next != 0 {
				t.node[f].next += int32(mp - f)
				t.node[mp].next = 0
			}
			t.node[mp].val = Nil
		} else {
			if t.node[mp].next != 0 {
				t.node[f].next = int32(mp + int(t.node[mp].next) - f)
			}
			t.node[mp].next = int32(f - mp)
			mp = f
		}
	}
	t.node[mp].key = k
	t.node[mp].val = v
}

func (g *State) mustSet(t *Table, k, v Value) {
	if err := g.tableSet(t, k, v); err != nil {
		panic(&InternalError{What: "table set after rehash: " + err.Error()})
	}
}

// ---------------------------------------------------------------------------
// Rehash
// ---------------------------------------------------------------------------

func countInt(k Value, nums *[maxABits + 1]int) int {
	if k.tt != TypeInt {
		return 0
	}
	i := int64(k.n)
	if i < 1 || i > 1<<maxABits {
		return 0
	}
	nums[ceilLog2(uint64(i))]++
	return 1
}

func (t *Table) numUseArray(nums *[maxABits + 1]int) int {
	ause := 0
	i := 1
	for lg, ttlg := 0, 1; lg <= maxABits; lg, ttlg = lg+1, ttlg*2 {
		lc := 0
		lim := ttlg
		if lim > len(t.array) {
			lim = len(t.array)
			if i > lim {
				break
			}
		}
		for ; i <= lim; i++ {
			if !t.array[i-1].IsNil() {
				lc++
			}
		}
		nums[lg] += lc
		ause += lc
	}
	return ause
}

func (t *Table) numUseHash(nums *[maxABits + 1]int, na *int) int {
	total := 0
	for i := range t.node {
		n := &t.node[i]
		if !n.val.IsNil() {
			*na += countInt(n.key, nums)
			total++
		}
	}
	return total
}

// computeSizes picks the largest power of two n such that more than half
// of the slots 1..n would be in use.
func computeSizes(nums *[maxABits + 1]int, na *int) int {
	a, nna, optimal := 0, 0, 0
	for i, twotoi := 0, 1; twotoi > 0 && *na > twotoi/2 && i <= maxABits; i, twotoi = i+1, twotoi*2 {
		a += nums[i]
		if a > twotoi/2 {
			optimal = twotoi
			nna = a
		}
	}
	*na = nna
	return optimal
}

func (g *State) rehash(t *Table, extra Value) {
	var nums [maxABits + 1]int
	na := t.numUseArray(&nums)
	total := na
	total += t.numUseHash(&nums, &na)
	na += countInt(extra, &nums)
	total++
	asize := computeSizes(&nums, &na)
	g.resizeTable(t, asize, total-na)
}

// resizeTable gives t an array part of nasize slots and a hash part with
// room for nhsize keys. The size change is charged before anything moves,
// so an allocation failure leaves the table untouched.
func (g *State) resizeTable(t *Table, nasize, nhsize int) {
	nnode := 0
	if nhsize > 0 {
		nnode = 1 << bits.Len(uint(nhsize-1))
	}
	delta := sizeValue*int64(nasize-len(t.array)) + sizeNode*int64(nnode-len(t.node))
	g.charge(delta)

	oldArray, oldNode := t.array, t.node
	if nnode > 0 {
		t.node = make([]node, nnode)
	} else {
		t.node = nil
	}
	t.lastFree = nnode
	if nasize <= len(oldArray) {
		t.array = oldArray[:nasize:nasize]
	} else {
		t.array = make([]Value, nasize)
		copy(t.array, oldArray)
	}
	for i := nasize; i < len(oldArray); i++ {
		if !oldArray[i].IsNil() {
			g.mustSet(t, Int(int64(i+1)), oldArray[i])
		}
	}
	for i := range oldNode {
		n := &oldNode[i]
		if !n.val.IsNil() {
			g.mustSet(t, n.key, n.val)
		}
	}
}

// newTable creates a table with preallocated array and hash parts.
func (g *State) newTable(narr, nrec int) *Table {
	t := &Table{}
	if narr > 0 {
		t.array = make([]Value, narr)
	}
	if nrec > 0 {
		n := 1 << bits.Len(uint(nrec-1))
		t.node = make([]node, n)
		t.lastFree = n
	}
	g.newObject(t, TypeTable)
	return t
}

// ---------------------------------------------------------------------------
// Stores with barriers
// ---------------------------------------------------------------------------

// RawSet stores t[k] = v without metamethods and runs the backward barrier.
func (g *State) RawSet(t *Table, k, v Value) error {
	if err := g.tableSet(t, k, v); err != nil {
		return err
	}
	t.flags = 0
	g.barrierBackValue(t, k)
	g.barrierBackValue(t, v)
	return nil
}

// RawSetInt stores t[i] = v.
func (g *State) RawSetInt(t *Table, i int64, v Value) {
	if err := g.RawSet(t, Int(i), v); err != nil {
		panic(&InternalError{What: err.Error()})
	}
}

package vm

import "fmt"

// ---------------------------------------------------------------------------
// Type tags
// ---------------------------------------------------------------------------

// Type identifies the concrete type of a value or heap object.
type Type uint8

const (
	TypeNil Type = iota
	TypeBool
	TypeInt
	TypeFloat

	// Collectable types. Every heap object carries one of these tags.
	TypeShortString
	TypeLongString
	TypeTable
	TypeLuaClosure
	TypeGoClosure
	TypeUserdata
	TypeThread
	TypeProto
	TypeUpval

	// typeDeadKey marks a hash key whose entry was removed. The key keeps
	// its object so iteration can still find it, but it is not traversed.
	typeDeadKey

	numTypes
)

var typeNames = [...]string{
	TypeNil:         "nil",
	TypeBool:        "boolean",
	TypeInt:         "integer",
	TypeFloat:       "float",
	TypeShortString: "string",
	TypeLongString:  "string",
	TypeTable:       "table",
	TypeLuaClosure:  "function",
	TypeGoClosure:   "function",
	TypeUserdata:    "userdata",
	TypeThread:      "thread",
	TypeProto:       "proto",
	TypeUpval:       "upvalue",
	typeDeadKey:     "deadkey",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) collectable() bool {
	return t >= TypeShortString && t < typeDeadKey
}

func (t Type) isString() bool {
	return t == TypeShortString || t == TypeLongString
}

// basicType collapses variants (short/long strings, closure kinds, numbers)
// into the slot used for per-type default metatables.
type basicType uint8

const (
	basicNil basicType = iota
	basicBool
	basicNumber
	basicString
	basicTable
	basicFunction
	basicUserdata
	basicThread
	numBasicTypes
)

func (t Type) basic() basicType {
	switch t {
	case TypeBool:
		return basicBool
	case TypeInt, TypeFloat:
		return basicNumber
	case TypeShortString, TypeLongString:
		return basicString
	case TypeTable:
		return basicTable
	case TypeLuaClosure, TypeGoClosure:
		return basicFunction
	case TypeUserdata:
		return basicUserdata
	case TypeThread:
		return basicThread
	}
	return basicNil
}

// ---------------------------------------------------------------------------
// Colors and ages
// ---------------------------------------------------------------------------

// Color is the tri-color marking state of an object. There are two whites:
// the collector alternates which one means "not reached this cycle" so that
// objects still carrying the other white after the atomic flip are provably
// dead.
type Color uint8

const (
	White0 Color = iota
	White1
	Gray
	Black
)

func (c Color) String() string {
	switch c {
	case White0:
		return "white0"
	case White1:
		return "white1"
	case Gray:
		return "gray"
	case Black:
		return "black"
	}
	return fmt.Sprintf("color(%d)", uint8(c))
}

// Age is the generational age of an object.
type Age uint8

const (
	AgeNew      Age = iota // created in current cycle
	AgeSurvival            // created in previous cycle
	AgeOld0                // marked old by a forward barrier in this cycle
	AgeOld1                // first full cycle as old
	AgeOld                 // really old object (not to be visited)
	AgeTouched1            // old object touched this cycle
	AgeTouched2            // old object touched in previous cycle
)

var ageNames = [...]string{"new", "survival", "old0", "old1", "old", "touched1", "touched2"}

func (a Age) String() string {
	if int(a) < len(ageNames) {
		return ageNames[a]
	}
	return fmt.Sprintf("age(%d)", uint8(a))
}

// ---------------------------------------------------------------------------
// GC header
// ---------------------------------------------------------------------------

// listID names the population list an object is linked into through its
// next field.
type listID uint8

const (
	listNone listID = iota // freed, or not yet linked
	listAllGC
	listFinObj
	listToBeFnz
	listFixed
)

var listNames = [...]string{"none", "allgc", "finobj", "tobefnz", "fixedgc"}

func (l listID) String() string { return listNames[l] }

// header is embedded in every heap object.
//
// An object belongs to exactly one population list at a time (owner, linked
// through next) and to at most one gray list at a time (inGray, linked
// through gclist). The two links are independent.
type header struct {
	next   Object
	gclist Object
	id     uint64
	tt     Type
	color  Color
	age    Age
	owner  listID
	inGray bool
	// separated is set while the object lives on the finobj or tobefnz
	// lists, i.e. its finalizer is registered and still pending.
	separated bool
}

// Object is implemented by every heap type through its embedded header.
type Object interface {
	gcHeader() *header
}

func (h *header) gcHeader() *header { return h }

// Type returns the object's immutable type tag.
func (h *header) Type() Type { return h.tt }

func (h *header) isWhite() bool { return h.color == White0 || h.color == White1 }
func (h *header) isBlack() bool { return h.color == Black }
func (h *header) isGray() bool  { return h.color == Gray }
func (h *header) isOld() bool   { return h.age > AgeSurvival }

// ColorOf reports an object's current color.
func ColorOf(o Object) Color { return o.gcHeader().color }

// AgeOf reports an object's current generational age.
func AgeOf(o Object) Age { return o.gcHeader().age }

func (g *State) otherWhite() Color { return g.gc.currentWhite ^ 1 }

// isDead reports whether o carries the stale white. Only meaningful between
// the atomic flip and the moment the sweeper reaches o.
func (g *State) isDead(o Object) bool {
	return o.gcHeader().color == g.otherWhite()
}

func (g *State) makeWhite(o Object) {
	o.gcHeader().color = g.gc.currentWhite
}

// changeWhite turns a dead object back into a live one.
func (g *State) changeWhite(o Object) {
	h := o.gcHeader()
	if h.isWhite() {
		h.color ^= 1
	}
}

func set2gray(o Object)  { o.gcHeader().color = Gray }
func set2black(o Object) { o.gcHeader().color = Black }

// nw2black paints a non-white object black.
func nw2black(o Object) { o.gcHeader().color = Black }

func changeAge(o Object, from, to Age) {
	h := o.gcHeader()
	if h.age == from {
		h.age = to
	}
}

package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Value is a dynamically typed Lumen value.
//
// Non-collectable values (nil, booleans, integers, floats) live entirely in
// tt and n. Collectable values carry the heap object in gc; tt always equals
// the object's own tag. A Go pointer cannot be hidden inside a NaN-boxed
// word without defeating the host collector, so the reference is kept as a
// separate interface field.
type Value struct {
	tt Type
	n  uint64
	gc Object
}

// Nil is the nil value.
var Nil = Value{}

// Predefined booleans.
var (
	True  = Value{tt: TypeBool, n: 1}
	False = Value{tt: TypeBool, n: 0}
)

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Int returns an integer value.
func Int(i int64) Value {
	return Value{tt: TypeInt, n: uint64(i)}
}

// Float returns a float value.
func Float(f float64) Value {
	return Value{tt: TypeFloat, n: math.Float64bits(f)}
}

// ObjectValue wraps a heap object.
func ObjectValue(o Object) Value {
	return Value{tt: o.gcHeader().tt, gc: o}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Type returns the value's type tag.
func (v Value) Type() Type { return v.tt }

// IsNil returns true if v is nil.
func (v Value) IsNil() bool { return v.tt == TypeNil }

// IsCollectable returns true if v references a heap object.
func (v Value) IsCollectable() bool { return v.tt.collectable() }

// IsString returns true for both short and long strings.
func (v Value) IsString() bool { return v.tt.isString() }

// IsFunction returns true for script and Go closures.
func (v Value) IsFunction() bool { return v.tt == TypeLuaClosure || v.tt == TypeGoClosure }

// IsNumber returns true for integers and floats.
func (v Value) IsNumber() bool { return v.tt == TypeInt || v.tt == TypeFloat }

// Truthy returns false only for nil and false.
func (v Value) Truthy() bool {
	return !(v.tt == TypeNil || (v.tt == TypeBool && v.n == 0))
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// AsInt returns the integer payload. Floats with an exact integer value
// convert.
func (v Value) AsInt() (int64, bool) {
	switch v.tt {
	case TypeInt:
		return int64(v.n), true
	case TypeFloat:
		return floatToInt(math.Float64frombits(v.n))
	}
	return 0, false
}

// AsFloat returns the numeric payload as a float.
func (v Value) AsFloat() (float64, bool) {
	switch v.tt {
	case TypeInt:
		return float64(int64(v.n)), true
	case TypeFloat:
		return math.Float64frombits(v.n), true
	}
	return 0, false
}

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) {
	if v.tt != TypeBool {
		return false, false
	}
	return v.n != 0, true
}

// Object returns the referenced heap object, or nil.
func (v Value) Object() Object {
	if v.tt.collectable() {
		return v.gc
	}
	return nil
}

// Table returns the referenced table, or nil.
func (v Value) Table() *Table {
	if v.tt == TypeTable {
		return v.gc.(*Table)
	}
	return nil
}

// Userdata returns the referenced userdata, or nil.
func (v Value) Userdata() *Userdata {
	if v.tt == TypeUserdata {
		return v.gc.(*Userdata)
	}
	return nil
}

// Thread returns the referenced thread, or nil.
func (v Value) Thread() *Thread {
	if v.tt == TypeThread {
		return v.gc.(*Thread)
	}
	return nil
}

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	if v.tt.isString() {
		return v.gc.(*String).s, true
	}
	return "", false
}

func (v Value) stringObject() *String {
	return v.gc.(*String)
}

// String formats the value for diagnostics.
func (v Value) String() string {
	switch v.tt {
	case TypeNil:
		return "nil"
	case TypeBool:
		return strconv.FormatBool(v.n != 0)
	case TypeInt:
		return strconv.FormatInt(int64(v.n), 10)
	case TypeFloat:
		return strconv.FormatFloat(math.Float64frombits(v.n), 'g', 14, 64)
	case TypeShortString, TypeLongString:
		return v.gc.(*String).s
	case typeDeadKey:
		return "deadkey"
	}
	return fmt.Sprintf("%s: #%d", v.tt, v.gc.gcHeader().id)
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// RawEqual compares two values without metamethods. Integers and floats
// with the same mathematical value are equal.
func RawEqual(a, b Value) bool {
	if a.tt != b.tt {
		if a.IsNumber() && b.IsNumber() {
			fa, _ := a.AsFloat()
			fb, _ := b.AsFloat()
			return fa == fb
		}
		if a.tt.isString() && b.tt.isString() {
			return a.gc.(*String).s == b.gc.(*String).s
		}
		return false
	}
	switch a.tt {
	case TypeNil:
		return true
	case TypeBool, TypeInt:
		return a.n == b.n
	case TypeFloat:
		return math.Float64frombits(a.n) == math.Float64frombits(b.n)
	case TypeShortString:
		return a.gc == b.gc
	case TypeLongString:
		return a.gc == b.gc || a.gc.(*String).s == b.gc.(*String).s
	}
	return a.gc == b.gc
}

func floatToInt(f float64) (int64, bool) {
	if math.Floor(f) != f || f < -9.223372036854775808e18 || f >= 9.223372036854775808e18 {
		return 0, false
	}
	return int64(f), true
}

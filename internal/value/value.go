// Package value implements Vela's tagged value and heap object model
// (spec.md §3): nil, bool, number and the family of GC-managed heap
// objects (String, Table, Function, Closure, Upvalue, Native, Thread,
// Userdata, BoundMethod).
//
// Go's interface{} already carries a runtime type tag, so a bare
// interface{} serves as the "tagged sum" the spec describes -- there is
// no separate Kind enum to keep in sync with the Go type switch.
package value

import (
	"math"
)

// Value is any Vela value: nil, bool, float64 (number), or one of the
// heap object pointer types declared in this package.
type Value = interface{}

// IsTruthy implements Vela's truthiness rule: nil and false are falsy,
// every other value (including 0 and the empty string) is truthy.
func IsTruthy(v Value) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// TypeName returns the dynamic type name used by `typeof` and in error
// messages: any|int|float|bool|str|table (spec §3 Function type hints).
func TypeName(v Value) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return "int"
		}
		return "float"
	case *String:
		return "str"
	case *Table:
		return "table"
	case *Function, *Closure, *Native, *BoundMethod:
		return "fn"
	case *Thread:
		return "thread"
	case *Userdata:
		return "userdata"
	case *Range:
		return "range"
	default:
		return "any"
	}
}

// Equals implements the equality rules of spec §3: nil==nil, same-type
// primitives compare by value, strings by content, other objects by
// identity unless a metamethod supplies __eq (handled one level up in
// the VM, which has metatable access).
func Equals(a, b Value) bool {
	if a == nil && b == nil {
		return true
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case *String:
		bv, ok := b.(*String)
		return ok && av.Hash == bv.Hash && av.Chars == bv.Chars
	default:
		return a == b
	}
}

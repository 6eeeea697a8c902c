package vm

import (
	"strings"

	"vela/internal/value"
)

// Canonical metamethod names (spec §4.4/§9 "cache the name strings once
// at VM init"). Interned once here as *value.String so every lookup
// reuses the same key object instead of allocating a fresh String per
// check, and so the GC root walk in gc.go has something concrete to mark.
var (
	mmIndex    = value.NewString("__index")
	mmNewIndex = value.NewString("__newindex")
	mmCall     = value.NewString("__call")
	mmStr      = value.NewString("__str")
	mmAdd      = value.NewString("__add")
	mmSub      = value.NewString("__sub")
	mmMul      = value.NewString("__mul")
	mmDiv      = value.NewString("__div")
	mmMod      = value.NewString("__mod")
	mmPow      = value.NewString("__pow")
	mmIntDiv   = value.NewString("__idiv")
	mmNeg      = value.NewString("__neg")
	mmEq       = value.NewString("__eq")
	mmLt       = value.NewString("__lt")
	mmHas      = value.NewString("__has")
	mmAppend   = value.NewString("__append")
	mmNext     = value.NewString("__next")
	mmSlice    = value.NewString("__slice")
	mmNew      = value.NewString("__new")
	mmName     = value.NewString("__name")
)

var reservedMetamethodNames = []*value.String{
	mmIndex, mmNewIndex, mmCall, mmStr, mmAdd, mmSub, mmMul, mmDiv, mmMod,
	mmPow, mmIntDiv, mmNeg, mmEq, mmLt, mmHas, mmAppend, mmNext, mmSlice,
	mmNew, mmName,
}

// maxIndexChainDepth bounds __index/__newindex recursion (spec §4.6: "The
// recursion is bounded (depth 10) to avoid pathological chains").
const maxIndexChainDepth = 10

// metatableOf returns the metatable consulted for v's metamethods, if any.
func metatableOf(v value.Value) *value.Table {
	switch t := v.(type) {
	case *value.Table:
		return t.Metatable
	case *value.Userdata:
		return t.Metatable
	}
	return nil
}

// getMetamethod looks up name directly on v's metatable (no __index
// fallthrough for the metamethod lookup itself, per spec §4.4).
func getMetamethod(v value.Value, name *value.String) (value.Value, bool) {
	mt := metatableOf(v)
	if mt == nil {
		return nil, false
	}
	return mt.Get(name)
}

// maybeBindMethod wraps fetched in a BoundMethod when it is a self-flagged
// callable and receiver isn't itself a module table (spec §4.6 GET step 4).
func maybeBindMethod(receiver, fetched value.Value) value.Value {
	if t, ok := receiver.(*value.Table); ok && t.IsModule {
		return fetched
	}
	switch f := fetched.(type) {
	case *value.Native:
		if f.IsSelf {
			return value.NewBoundMethod(receiver, f)
		}
	case *value.Closure:
		if f.Fn.IsSelf {
			return value.NewBoundMethod(receiver, f)
		}
	}
	return fetched
}

// GetTable implements spec §4.6's GET semantics: string-indexing falls
// through to the `string` native module; table/userdata consult the
// __index chain (closure/native called, table recursed into, bounded).
func (vm *VM) GetTable(frame *value.Frame, receiver, key value.Value) (value.Value, error) {
	return vm.getTableDepth(frame, receiver, key, 0)
}

func (vm *VM) getTableDepth(frame *value.Frame, receiver, key value.Value, depth int) (value.Value, error) {
	if depth > maxIndexChainDepth {
		return nil, vm.runtimeErrorf(frame, "'__index' chain too long; possible loop")
	}

	switch r := receiver.(type) {
	case *value.String:
		return vm.stringIndex(frame, r, key)

	case *value.Table:
		if v, ok := r.Get(key); ok {
			return maybeBindMethod(receiver, v), nil
		}
		if r.Metatable == nil {
			return nil, nil
		}
		idx, ok := r.Metatable.Get(mmIndex)
		if !ok {
			return nil, nil
		}
		switch h := idx.(type) {
		case *value.Table:
			return vm.getTableDepth(frame, h, key, depth+1)
		case *value.Closure, *value.Native, *value.BoundMethod:
			return vm.callValue(frame, h, []value.Value{receiver, key})
		default:
			return nil, nil
		}

	case *value.Userdata:
		if r.Metatable == nil {
			return nil, nil
		}
		idx, ok := r.Metatable.Get(mmIndex)
		if !ok {
			return nil, nil
		}
		switch h := idx.(type) {
		case *value.Table:
			return vm.getTableDepth(frame, h, key, depth+1)
		case *value.Closure, *value.Native, *value.BoundMethod:
			return vm.callValue(frame, h, []value.Value{receiver, key})
		default:
			return nil, nil
		}

	case nil:
		return nil, vm.runtimeErrorf(frame, "attempt to index a nil value")

	default:
		return nil, vm.runtimeErrorf(frame, "attempt to index a %s value", value.TypeName(receiver))
	}
}

// stringIndex implements char-at-index (1-based, negative from the end)
// for numeric keys, and falls through to the `string` native module table
// for named method lookups (spec §4.6 GET step 1).
func (vm *VM) stringIndex(frame *value.Frame, s *value.String, key value.Value) (value.Value, error) {
	if n, ok := key.(float64); ok {
		i := int(n)
		runes := []rune(s.Chars)
		if i < 0 {
			i = len(runes) + i + 1
		}
		if i < 1 || i > len(runes) {
			return nil, nil
		}
		return value.NewString(string(runes[i-1])), nil
	}
	if vm.Modules == nil {
		return nil, nil
	}
	mod, err := vm.Modules.Import(vm, "string")
	if err != nil {
		return nil, nil
	}
	v, ok := mod.Get(key)
	if !ok {
		return nil, nil
	}
	return maybeBindMethod(s, v), nil
}

// SetTable implements spec §4.6's SET semantics: write in place if the
// key already exists directly, else consult __newindex before falling
// back to a direct insert.
func (vm *VM) SetTable(frame *value.Frame, receiver, key, val value.Value) error {
	return vm.setTableDepth(frame, receiver, key, val, 0)
}

func (vm *VM) setTableDepth(frame *value.Frame, receiver, key, val value.Value, depth int) error {
	if depth > maxIndexChainDepth {
		return vm.runtimeErrorf(frame, "'__newindex' chain too long; possible loop")
	}
	t, ok := receiver.(*value.Table)
	if !ok {
		if ud, isUD := receiver.(*value.Userdata); isUD {
			if ud.Metatable == nil {
				return vm.runtimeErrorf(frame, "attempt to index a userdata value")
			}
			return vm.dispatchNewIndex(frame, ud.Metatable, receiver, key, val, depth)
		}
		return vm.runtimeErrorf(frame, "attempt to index a %s value", value.TypeName(receiver))
	}
	if _, exists := t.Get(key); exists || t.Metatable == nil {
		t.Set(key, val)
		vm.maybeCollect()
		return nil
	}
	return vm.dispatchNewIndex(frame, t.Metatable, receiver, key, val, depth)
}

func (vm *VM) dispatchNewIndex(frame *value.Frame, mt *value.Table, receiver, key, val value.Value, depth int) error {
	ni, ok := mt.Get(mmNewIndex)
	if !ok {
		if t, isTable := receiver.(*value.Table); isTable {
			t.Set(key, val)
			vm.maybeCollect()
			return nil
		}
		return vm.runtimeErrorf(frame, "attempt to index a %s value", value.TypeName(receiver))
	}
	switch h := ni.(type) {
	case *value.Table:
		return vm.setTableDepth(frame, h, key, val, depth+1)
	case *value.Closure, *value.Native, *value.BoundMethod:
		_, err := vm.callValue(frame, h, []value.Value{receiver, key, val})
		return err
	}
	return nil
}

// ---- arithmetic / comparison metamethod fallback ----

func arithMetamethodName(mm int) *value.String {
	switch mm {
	case mmAddOp:
		return mmAdd
	case mmSubOp:
		return mmSub
	case mmMulOp:
		return mmMul
	case mmDivOp:
		return mmDiv
	case mmModOp:
		return mmMod
	case mmPowOp:
		return mmPow
	case mmIntDivOp:
		return mmIntDiv
	}
	return nil
}

const (
	mmAddOp = iota
	mmSubOp
	mmMulOp
	mmDivOp
	mmModOp
	mmPowOp
	mmIntDivOp
)

// arith dispatches a binary arithmetic op: numeric fast path, string
// concatenation for '+', else a metamethod fallback on either operand.
func (vm *VM) arith(frame *value.Frame, mm int, a, b value.Value) (value.Value, error) {
	an, aok := a.(float64)
	bn, bok := b.(float64)
	if aok && bok {
		switch mm {
		case mmAddOp:
			return value.NumAdd(an, bn), nil
		case mmSubOp:
			return value.NumSub(an, bn), nil
		case mmMulOp:
			return value.NumMul(an, bn), nil
		case mmDivOp:
			return value.NumDiv(an, bn), nil
		case mmModOp:
			return value.NumMod(an, bn), nil
		case mmPowOp:
			return value.NumPow(an, bn), nil
		case mmIntDivOp:
			return value.NumIntDiv(an, bn), nil
		}
	}
	if mm == mmAddOp {
		as, aIsStr := a.(*value.String)
		bs, bIsStr := b.(*value.String)
		if aIsStr || bIsStr {
			left := stringOperand(a, as, aIsStr)
			right := stringOperand(b, bs, bIsStr)
			if left != "" || right != "" || (aIsStr && bIsStr) {
				return value.NewString(left + right), nil
			}
		}
	}
	name := arithMetamethodName(mm)
	if h, ok := getMetamethod(a, name); ok {
		return vm.callValue(frame, h, []value.Value{a, b})
	}
	if h, ok := getMetamethod(b, name); ok {
		return vm.callValue(frame, h, []value.Value{a, b})
	}
	return nil, vm.runtimeErrorf(frame, "attempt to perform arithmetic on a %s value", value.TypeName(pickNonNumber(a, b)))
}

func stringOperand(v value.Value, s *value.String, isStr bool) string {
	if isStr {
		return s.Chars
	}
	return value.PlainString(v)
}

func pickNonNumber(a, b value.Value) value.Value {
	if _, ok := a.(float64); !ok {
		return a
	}
	return b
}

func (vm *VM) negate(frame *value.Frame, a value.Value) (value.Value, error) {
	if n, ok := a.(float64); ok {
		return value.NumNegate(n), nil
	}
	if h, ok := getMetamethod(a, mmNeg); ok {
		return vm.callValue(frame, h, []value.Value{a})
	}
	return nil, vm.runtimeErrorf(frame, "attempt to negate a %s value", value.TypeName(a))
}

// equals implements spec §3 equality, falling back to __eq when both
// operands are the same kind of object and neither is equal by the base
// rules.
func (vm *VM) equals(frame *value.Frame, a, b value.Value) (bool, error) {
	if value.Equals(a, b) {
		return true, nil
	}
	if h, ok := getMetamethod(a, mmEq); ok {
		res, err := vm.callValue(frame, h, []value.Value{a, b})
		if err != nil {
			return false, err
		}
		return value.IsTruthy(res), nil
	}
	return false, nil
}

// less implements '<' with numeric/string fast paths and an __lt fallback.
func (vm *VM) less(frame *value.Frame, a, b value.Value) (bool, error) {
	if an, ok := a.(float64); ok {
		if bn, ok := b.(float64); ok {
			return an < bn, nil
		}
	}
	if as, ok := a.(*value.String); ok {
		if bs, ok := b.(*value.String); ok {
			return strings.Compare(as.Chars, bs.Chars) < 0, nil
		}
	}
	if h, ok := getMetamethod(a, mmLt); ok {
		res, err := vm.callValue(frame, h, []value.Value{a, b})
		if err != nil {
			return false, err
		}
		return value.IsTruthy(res), nil
	}
	return false, vm.runtimeErrorf(frame, "attempt to compare a %s with a %s", value.TypeName(a), value.TypeName(b))
}

// has implements the HAS operator: table/__has membership test, distinct
// from `in` (substring/key presence) per spec §4.6.
func (vm *VM) has(frame *value.Frame, a, b value.Value) (bool, error) {
	if h, ok := getMetamethod(a, mmHas); ok {
		res, err := vm.callValue(frame, h, []value.Value{a, b})
		if err != nil {
			return false, err
		}
		return value.IsTruthy(res), nil
	}
	if t, ok := a.(*value.Table); ok {
		_, found := t.Get(b)
		return found, nil
	}
	if s, ok := a.(*value.String); ok {
		if bs, ok := b.(*value.String); ok {
			return strings.Contains(s.Chars, bs.Chars), nil
		}
	}
	return false, vm.runtimeErrorf(frame, "attempt to use 'has' on a %s value", value.TypeName(a))
}

// in implements the IN operator: key/substring presence.
func (vm *VM) in(frame *value.Frame, a, b value.Value) (bool, error) {
	return vm.has(frame, b, a)
}

// str implements `str(x)`/`tostring`: PlainString for the cases that
// don't need a metamethod round-trip, else a bounded __str call.
func (vm *VM) str(frame *value.Frame, v value.Value) (string, error) {
	if h, ok := getMetamethod(v, mmStr); ok {
		res, err := vm.callValue(frame, h, []value.Value{v})
		if err != nil {
			return fmt_placeholder(v), nil
		}
		if s, ok := res.(*value.String); ok {
			return s.Chars, nil
		}
		return value.PlainString(res), nil
	}
	return value.PlainString(v), nil
}

func fmt_placeholder(v value.Value) string {
	return "<" + value.TypeName(v) + ">"
}

// appendValue implements APPEND: __append if present, else push-to-array-end.
func (vm *VM) appendValue(frame *value.Frame, receiver, val value.Value) error {
	if h, ok := getMetamethod(receiver, mmAppend); ok {
		_, err := vm.callValue(frame, h, []value.Value{receiver, val})
		return err
	}
	t, ok := receiver.(*value.Table)
	if !ok {
		return vm.runtimeErrorf(frame, "attempt to append to a %s value", value.TypeName(receiver))
	}
	t.Append(val)
	vm.maybeCollect()
	return nil
}

// length implements the '#' unary operator.
func (vm *VM) length(frame *value.Frame, v value.Value) (value.Value, error) {
	switch t := v.(type) {
	case *value.String:
		return float64(t.Len()), nil
	case *value.Table:
		if t.Metatable != nil {
			if h, ok := t.Metatable.Get(value.NewString("__len")); ok {
				return vm.callValue(frame, h, []value.Value{v})
			}
		}
		return float64(t.ArrayLen()), nil
	}
	return nil, vm.runtimeErrorf(frame, "attempt to get length of a %s value", value.TypeName(v))
}

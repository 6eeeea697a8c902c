package vm

import (
	"vela/internal/value"
)

// iterPrep implements ITER_PREP: turns a popped iterable into the
// (iterFn, state, ctrl) triple the generic for-in protocol expects (spec
// §4.2 "for x in expr"). The convention followed throughout, grounded in
// spec.md's own examples (`for i in 1..3`, `for _, v in g()`), is that the
// FIRST bound loop variable is always the resumable control value: a
// table's key, a range's current number, a generator's step index, a
// string's character (rune) index -- next's second argument round-trips exactly that
// value back in.
func (vm *VM) iterPrep(th *value.Thread, frame *value.Frame, iterable value.Value) error {
	switch it := iterable.(type) {
	case *value.Table:
		fn := &value.Native{Name: "next", Fn: func(args []value.Value) (value.Value, error) {
			t := args[0].(*value.Table)
			k, v, ok := t.Next(args[1])
			if !ok {
				return false, nil
			}
			return multiValue{k, v}, nil
		}}
		vm.track(fn)
		th.Push(fn)
		th.Push(it)
		th.Push(nil)
		return nil

	case *value.Range:
		fn := &value.Native{Name: "range_next", Fn: func(args []value.Value) (value.Value, error) {
			r := args[0].(*value.Range)
			var cur float64
			if args[1] == nil {
				cur = r.Start
			} else {
				cur = args[1].(float64) + r.Step
			}
			if r.Step == 0 {
				return false, nil
			}
			if r.Step > 0 && cur > r.Stop {
				return false, nil
			}
			if r.Step < 0 && cur < r.Stop {
				return false, nil
			}
			return cur, nil
		}}
		vm.track(fn)
		th.Push(fn)
		th.Push(it)
		th.Push(nil)
		return nil

	case *value.String:
		fn := &value.Native{Name: "string_next", Fn: func(args []value.Value) (value.Value, error) {
			s := args[0].(*value.String)
			runes := []rune(s.Chars)
			var idx int
			if args[1] == nil {
				idx = 0
			} else {
				idx = int(args[1].(float64))
			}
			if idx >= len(runes) {
				return false, nil
			}
			return multiValue{float64(idx + 1), value.NewString(string(runes[idx]))}, nil
		}}
		vm.track(fn)
		th.Push(fn)
		th.Push(it)
		th.Push(nil)
		return nil

	case *value.Thread:
		fn := &value.Native{Name: "gen_next", Fn: func(args []value.Value) (value.Value, error) {
			return vm.genNext(args)
		}}
		vm.track(fn)
		th.Push(fn)
		th.Push(it)
		th.Push(nil)
		return nil

	default:
		if h, ok := getMetamethod(iterable, mmNext); ok {
			res, err := vm.callValue(frame, h, []value.Value{iterable})
			if err != nil {
				return err
			}
			if mv, ok := res.(multiValue); ok && len(mv) == 3 {
				th.Push(mv[0])
				th.Push(mv[1])
				th.Push(mv[2])
				return nil
			}
		}
	}
	return vm.runtimeErrorf(frame, "attempt to iterate a %s value", value.TypeName(iterable))
}

// iterPrepArray implements ITER_PREP_IPAIRS: array-only, index-keyed
// iteration over a table's dense prefix, used when the compiler can prove
// pure array iteration is intended.
func (vm *VM) iterPrepArray(th *value.Thread, frame *value.Frame, iterable value.Value) error {
	t, ok := iterable.(*value.Table)
	if !ok {
		return vm.runtimeErrorf(frame, "attempt to iterate a %s value as an array", value.TypeName(iterable))
	}
	fn := &value.Native{Name: "ipairs_next", Fn: func(args []value.Value) (value.Value, error) {
		tt := args[0].(*value.Table)
		var idx int
		if args[1] == nil {
			idx = 0
		} else {
			idx = int(args[1].(float64))
		}
		idx++
		v, found := tt.GetArray(idx)
		if !found {
			return false, nil
		}
		return multiValue{float64(idx), v}, nil
	}}
	vm.track(fn)
	th.Push(fn)
	th.Push(t)
	th.Push(nil)
	return nil
}

// doSlice implements SLICE (spec §4.2 `a..b:step` inside `[...]`): Python-
// like nil-default and negative-from-end bounds over a table's array part
// or a string's runes, falling back to __slice for everything else.
func (vm *VM) doSlice(frame *value.Frame, receiver, start, stop, step value.Value) (value.Value, error) {
	if h, ok := getMetamethod(receiver, mmSlice); ok {
		return vm.callValue(frame, h, []value.Value{receiver, start, stop, step})
	}

	stepN := 1.0
	if step != nil {
		stepN = step.(float64)
	}
	if stepN == 0 {
		return nil, vm.runtimeErrorf(frame, "slice step cannot be 0")
	}

	switch r := receiver.(type) {
	case *value.Table:
		n := r.ArrayLen()
		lo, hi := sliceBounds(start, stop, stepN, n)
		out := value.NewTable()
		vm.track(out)
		if stepN > 0 {
			for i := lo; i < hi; i += int(stepN) {
				v, _ := r.GetArray(i + 1)
				out.Append(v)
			}
		} else {
			for i := lo; i > hi; i += int(stepN) {
				v, _ := r.GetArray(i + 1)
				out.Append(v)
			}
		}
		return out, nil

	case *value.String:
		runes := []rune(r.Chars)
		n := len(runes)
		lo, hi := sliceBounds(start, stop, stepN, n)
		var out []rune
		if stepN > 0 {
			for i := lo; i < hi; i += int(stepN) {
				out = append(out, runes[i])
			}
		} else {
			for i := lo; i > hi; i += int(stepN) {
				out = append(out, runes[i])
			}
		}
		return value.NewString(string(out)), nil

	default:
		return nil, vm.runtimeErrorf(frame, "attempt to slice a %s value", value.TypeName(receiver))
	}
}

// sliceBounds resolves nil-default / negative-from-end start and stop
// against length n, clamped to [0, n], returning a half-open [lo, hi) for
// a positive step or the mirrored descending bounds for a negative one.
func sliceBounds(start, stop value.Value, step float64, n int) (int, int) {
	lo, hi := 0, n
	if step < 0 {
		lo, hi = n-1, -1
	}
	if start != nil {
		lo = normalizeIndex(start.(float64), n)
	}
	if stop != nil {
		hi = normalizeIndex(stop.(float64), n)
	}
	if lo < -1 {
		lo = -1
	}
	if lo > n {
		lo = n
	}
	if hi < -1 {
		hi = -1
	}
	if hi > n {
		hi = n
	}
	return lo, hi
}

func normalizeIndex(v float64, n int) int {
	i := int(v)
	if i < 0 {
		i = n + i
	}
	return i
}

package vm

import (
	"math"

	"vela/internal/bytecode"
	"vela/internal/value"
)

// multiValue is an internal-only sentinel a native iterator function
// returns to hand back more than one stack value from a single NativeFn
// call (NativeFn itself only ever returns one Go value); invoke() expands
// it onto the thread's stack instead of pushing it as a single value. It
// never appears as a user-visible Vela value.
type multiValue []value.Value

// invoke resolves callee(args) against every callable shape the language
// has (spec §4.6 "invoke_call_with_arg_count"): closures push a new frame
// and let the dispatch loop pick them up on its next iteration (the fast,
// non-recursive path); natives run immediately; bound methods and __call
// unwrap and recurse in Go only (never re-entering the bytecode loop).
func (vm *VM) invoke(th *value.Thread, frame *value.Frame, callee value.Value, args []value.Value) (result value.Value, framePushed bool, err error) {
	switch c := callee.(type) {
	case *value.Closure:
		if c.Fn.IsGenerator {
			gt, gerr := vm.newGeneratorThread(c, args)
			if gerr != nil {
				return nil, false, gerr
			}
			return gt, false, nil
		}
		if err := vm.pushClosureFrame(th, c, args); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case *value.Native:
		res, nerr := c.Fn(args)
		if nerr != nil {
			return nil, false, vm.runtimeErrorf(frame, "%s", nerr.Error())
		}
		return res, false, nil

	case *value.BoundMethod:
		full := make([]value.Value, 0, len(args)+1)
		full = append(full, c.Receiver)
		full = append(full, args...)
		return vm.invoke(th, frame, c.Callable, full)

	case *value.Thread:
		idx, val, more, rerr := vm.resumeGenerator(c, nil)
		if rerr != nil {
			return nil, false, rerr
		}
		if !more {
			return false, false, nil
		}
		return multiValue{idx, val}, false, nil

	default:
		if h, ok := getMetamethod(callee, mmCall); ok {
			full := make([]value.Value, 0, len(args)+1)
			full = append(full, callee)
			full = append(full, args...)
			return vm.invoke(th, frame, h, full)
		}
		return nil, false, vm.runtimeErrorf(frame, "attempt to call a %s value", value.TypeName(callee))
	}
}

// callValue is the reentrant helper metamethod dispatch (GET/SET_TABLE,
// arithmetic, __str, etc.) uses: unlike the opcode-driven fast path, it
// must synchronously produce a result even when callee is a closure, so
// it drives a nested dispatch loop with yielding disallowed (spec §9:
// "cannot yield across a native/metamethod call boundary").
func (vm *VM) callValue(frame *value.Frame, callee value.Value, args []value.Value) (value.Value, error) {
	th := vm.current
	result, framePushed, err := vm.invoke(th, frame, callee, args)
	if err != nil {
		return nil, err
	}
	if !framePushed {
		if mv, ok := result.(multiValue); ok {
			if len(mv) == 0 {
				return nil, nil
			}
			return mv[0], nil
		}
		return result, nil
	}
	minFrames := len(th.Frames) - 1
	res, _, rerr := vm.run(minFrames, false)
	return res, rerr
}

// pushClosureFrame binds args onto th per spec §4.6's parameter-binding
// steps (positional, literal defaults for missing trailing params,
// variadic packing, type-hint checks) and pushes the new call frame.
func (vm *VM) pushClosureFrame(th *value.Thread, cl *value.Closure, args []value.Value) error {
	fn := cl.Fn
	base := len(th.Stack)
	// Slot 0 holds the receiver for a self method, else the closure itself;
	// the compiler numbers declared parameters from slot 1.
	if fn.IsSelf && len(args) > 0 {
		th.Push(args[0])
		args = args[1:]
	} else {
		th.Push(cl)
	}
	nDefaults := len(fn.Defaults)
	firstDefaultParam := fn.Arity - nDefaults

	for i := 0; i < fn.Arity; i++ {
		var v value.Value
		switch {
		case i < len(args):
			v = args[i]
		case i >= firstDefaultParam && firstDefaultParam >= 0:
			v = fn.Defaults[i-firstDefaultParam]
		default:
			v = nil
		}
		if i < len(fn.ParamHints) {
			if hint := fn.ParamHints[i]; hint != "" {
				if herr := checkTypeHint(hint, v); herr != nil {
					return vm.runtimeErrorf(th.CurrentFrame(), "argument %d to %s: %v", i+1, fnLabel(fn), herr)
				}
			}
		}
		th.Push(v)
	}
	if fn.IsVariadic {
		extra := value.NewTable()
		if len(args) > fn.Arity {
			for _, v := range args[fn.Arity:] {
				extra.Append(v)
			}
		}
		vm.track(extra)
		th.Push(extra)
	}
	th.Frames = append(th.Frames, value.Frame{Closure: cl, IP: 0, Base: base})
	return nil
}

func fnLabel(fn *value.Function) string {
	if fn.Name == "" {
		return "<anonymous>"
	}
	return fn.Name
}

// checkTypeHint implements spec §4.2's parameter type hints: "" and "any"
// always pass; "int" additionally requires an integral float64.
func checkTypeHint(hint string, v value.Value) error {
	switch hint {
	case "", "any":
		return nil
	case "int":
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return typeHintError(hint, v)
		}
	case "float":
		if _, ok := v.(float64); !ok {
			return typeHintError(hint, v)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return typeHintError(hint, v)
		}
	case "str":
		if _, ok := v.(*value.String); !ok {
			return typeHintError(hint, v)
		}
	case "table":
		if _, ok := v.(*value.Table); !ok {
			return typeHintError(hint, v)
		}
	}
	return nil
}

func typeHintError(hint string, v value.Value) error {
	return hintMismatch{hint: hint, got: value.TypeName(v)}
}

type hintMismatch struct {
	hint, got string
}

func (h hintMismatch) Error() string {
	return "expected " + h.hint + ", got " + h.got
}

// execCallOp implements CALL/CALL0/CALL1/CALL2/CALL_NAMED/CALL_EXPAND: it
// reads the callee and its arguments directly off the thread's operand
// stack (spec §4.2 "callee read at peek(n)"), resolves named/expand
// trailing tables, and either pushes a new frame (closure) or pushes the
// immediate result (everything else).
func (vm *VM) execCallOp(th *value.Thread, frame *value.Frame, op bytecode.OpCode, n int) error {
	hasTrailing := op == bytecode.OpCallNamed || op == bytecode.OpCallExpand
	total := n
	if hasTrailing {
		total++
	}
	base := len(th.Stack) - total - 1
	if base < 0 {
		return vm.runtimeErrorf(frame, "stack underflow preparing call")
	}
	callee := th.Stack[base]
	rawArgs := append([]value.Value(nil), th.Stack[base+1:]...)
	th.Stack = th.Stack[:base]

	var positional []value.Value
	var named *value.Table

	switch op {
	case bytecode.OpCallNamed:
		positional = rawArgs[:len(rawArgs)-1]
		if t, ok := rawArgs[len(rawArgs)-1].(*value.Table); ok {
			named = t
		}
	case bytecode.OpCallExpand:
		positional = append([]value.Value(nil), rawArgs[:len(rawArgs)-1]...)
		if t, ok := rawArgs[len(rawArgs)-1].(*value.Table); ok {
			for i := 1; i <= t.ArrayLen(); i++ {
				v, _ := t.GetArray(i)
				positional = append(positional, v)
			}
		}
	default:
		positional = rawArgs
	}

	if named != nil {
		if cl, ok := callee.(*value.Closure); ok && !cl.Fn.IsGenerator {
			positional = mergeNamedArgs(cl.Fn, positional, named)
		} else {
			positional = append(positional, named)
		}
	}

	result, framePushed, err := vm.invoke(th, frame, callee, positional)
	if err != nil {
		return err
	}
	if framePushed {
		vm.lastResultCount = 0
		return nil
	}
	if mv, ok := result.(multiValue); ok {
		for _, v := range mv {
			th.Push(v)
		}
		vm.lastResultCount = len(mv)
		return nil
	}
	th.Push(result)
	vm.lastResultCount = 1
	return nil
}

// mergeNamedArgs binds a CALL_NAMED trailing table's entries onto a
// closure's parameters by name (spec §8 `f(1, c=5)`), leaving any
// parameter neither positionally supplied nor named as a hole for
// pushClosureFrame's default/nil fallback to fill.
func mergeNamedArgs(fn *value.Function, positional []value.Value, named *value.Table) []value.Value {
	args := append([]value.Value(nil), positional...)
	nDefaults := len(fn.Defaults)
	firstDefaultParam := fn.Arity - nDefaults
	// defaultFor fills a gap left between the last positional argument and
	// a later named one (e.g. f(1, c=5) skipping b) with that parameter's
	// own default instead of nil, so a skipped default-bearing parameter
	// still resolves to its default (spec.md §8 example 5).
	defaultFor := func(slot int) value.Value {
		if slot >= firstDefaultParam && firstDefaultParam >= 0 && slot-firstDefaultParam < nDefaults {
			return fn.Defaults[slot-firstDefaultParam]
		}
		return nil
	}
	named.Pairs(func(k, v value.Value) bool {
		ks, ok := k.(*value.String)
		if !ok {
			return true
		}
		for i, pn := range fn.ParamNames {
			if pn == ks.Chars {
				for len(args) <= i {
					args = append(args, defaultFor(len(args)))
				}
				args[i] = v
				break
			}
		}
		return true
	})
	return args
}

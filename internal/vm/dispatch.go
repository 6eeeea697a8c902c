package vm

import (
	"vela/internal/bytecode"
	"vela/internal/value"
)

// run is the single dispatch loop (spec §4.6). It operates on vm.current,
// looping while that thread has more than minFrames call frames -- the
// caller picks minFrames so a nested, reentrant call (callValue, a
// generator resume) stops exactly when its own frame returns rather than
// unwinding frames that belong to an outer call. Every iteration re-fetches
// th and frame fresh: th.Frames can reallocate on append (CALL) and
// vm.current can change under a coroutine/generator resume mid-loop.
//
// When allowYield is true, a YIELD opcode suspends the thread and returns
// immediately instead of erroring; this is how generator stepping (spec
// §9) re-enters run() without unwinding the generator's own frames.
func (vm *VM) run(minFrames int, allowYield bool) (value.Value, bool, error) {
	for {
		th := vm.current
		if len(th.Frames) <= minFrames {
			if len(th.Stack) > 0 {
				return th.Pop(), false, nil
			}
			return nil, false, nil
		}
		frame := th.CurrentFrame()

		if vm.interruptRequested {
			vm.interruptRequested = false
			err := vm.runtimeErrorf(frame, "interrupted")
			if !vm.raiseException(th, value.NewString(err.Error())) {
				return nil, false, err
			}
			continue
		}

		chunk := frame.Closure.Fn.Chunk
		opIP := frame.IP
		op := bytecode.OpCode(chunk.Code[opIP])
		frame.IP++

		switch op {

		// ---- stack/consts ----
		case bytecode.OpConstant:
			idx := chunk.Code[frame.IP]
			frame.IP++
			th.Push(chunk.Constants[idx])
			vm.maybeCollect()

		case bytecode.OpNil:
			th.Push(nil)
		case bytecode.OpTrue:
			th.Push(true)
		case bytecode.OpFalse:
			th.Push(false)
		case bytecode.OpPop:
			th.Pop()
		case bytecode.OpDup:
			th.Push(th.Peek(0))
		case bytecode.OpSwap:
			n := len(th.Stack)
			th.Stack[n-1], th.Stack[n-2] = th.Stack[n-2], th.Stack[n-1]

		// ---- variables ----
		case bytecode.OpGetLocal:
			slot := int(chunk.Code[frame.IP])
			frame.IP++
			th.Push(th.Stack[frame.Base+slot])

		case bytecode.OpSetLocal:
			slot := int(chunk.Code[frame.IP])
			frame.IP++
			th.Stack[frame.Base+slot] = th.Peek(0)

		case bytecode.OpGetUpvalue:
			idx := int(chunk.Code[frame.IP])
			frame.IP++
			th.Push(frame.Closure.Upvalues[idx].Get())

		case bytecode.OpSetUpvalue:
			idx := int(chunk.Code[frame.IP])
			frame.IP++
			frame.Closure.Upvalues[idx].Set(th.Peek(0))

		case bytecode.OpCloseUpvalue:
			th.CloseUpvaluesFrom(len(th.Stack) - 1)
			th.Pop()

		case bytecode.OpGetGlobal:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			ic := chunk.GlobalCache(opIP)
			if ic.Valid && ic.Version == vm.Globals.Version() && ic.Name == name.Chars {
				th.Push(ic.Value)
				break
			}
			v, ok := vm.Globals.Get(name)
			if !ok {
				if err := vm.throwOrFail(th, frame, "undefined global '%s'", name.Chars); err != nil {
					return nil, false, err
				}
				continue
			}
			ic.Valid, ic.Version, ic.Name, ic.Value = true, vm.Globals.Version(), name.Chars, v
			th.Push(v)

		case bytecode.OpDefineGlobal:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			vm.Globals.Set(name, th.Pop())

		case bytecode.OpSetGlobal:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			vm.Globals.Set(name, th.Peek(0))

		case bytecode.OpDeleteGlobal:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			vm.Globals.Delete(name)

		// ---- tables ----
		case bytecode.OpNewTable:
			t := value.NewTable()
			vm.track(t)
			th.Push(t)
			vm.maybeCollect()

		case bytecode.OpGetTable:
			key := th.Pop()
			receiver := th.Pop()
			ic := chunk.TableCache(opIP)
			if ks, ok := key.(*value.String); ok {
				if t, ok := receiver.(*value.Table); ok {
					if ic.Valid && ic.Table == value.Value(t) && ic.Version == t.Version() && ic.Key == ks.Chars {
						th.Push(ic.Value)
						break
					}
					v, err := vm.GetTable(frame, receiver, key)
					if err != nil {
						if vm.raiseException(th, value.NewString(err.Error())) {
							continue
						}
						return nil, false, err
					}
					ic.Valid, ic.Table, ic.Version, ic.Key, ic.Value = true, value.Value(t), t.Version(), ks.Chars, v
					th.Push(v)
					vm.maybeCollect()
					break
				}
			}
			v, err := vm.GetTable(frame, receiver, key)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(v)
			vm.maybeCollect()

		case bytecode.OpGetMetaTable:
			receiver := th.Pop()
			mt := metatableOf(receiver)
			if mt == nil {
				th.Push(nil)
			} else {
				th.Push(mt)
			}

		case bytecode.OpSetTable:
			val := th.Pop()
			key := th.Pop()
			receiver := th.Peek(0)
			if err := vm.SetTable(frame, receiver, key, val); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			vm.maybeCollect()

		case bytecode.OpDeleteTable:
			key := th.Pop()
			receiver := th.Pop()
			if t, ok := receiver.(*value.Table); ok {
				t.Delete(key)
			}

		case bytecode.OpSetMetatable:
			mt := th.Pop()
			receiver := th.Peek(0)
			t, ok := receiver.(*value.Table)
			if !ok {
				if err := vm.throwOrFail(th, frame, "attempt to set metatable on a %s value", value.TypeName(receiver)); err != nil {
					return nil, false, err
				}
				continue
			}
			if mt == nil {
				t.Metatable = nil
			} else if mtt, ok := mt.(*value.Table); ok {
				t.Metatable = mtt
			} else {
				if err := vm.throwOrFail(th, frame, "metatable must be a table"); err != nil {
					return nil, false, err
				}
				continue
			}

		case bytecode.OpAppend:
			val := th.Pop()
			receiver := th.Peek(0)
			if err := vm.appendValue(frame, receiver, val); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		// ---- arithmetic ----
		case bytecode.OpAdd, bytecode.OpSubtract, bytecode.OpMultiply, bytecode.OpDivide,
			bytecode.OpModulo, bytecode.OpPower, bytecode.OpIntDiv:
			b := th.Pop()
			a := th.Pop()
			res, err := vm.arith(frame, arithOpFor(op), a, b)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		case bytecode.OpNegate:
			a := th.Pop()
			res, err := vm.negate(frame, a)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		case bytecode.OpNot:
			th.Push(!value.IsTruthy(th.Pop()))

		case bytecode.OpLength:
			res, err := vm.length(frame, th.Pop())
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		// ---- fused superinstructions (reserved widths; see optimizer.go) ----
		case bytecode.OpAddConst, bytecode.OpSubConst, bytecode.OpMulConst, bytecode.OpDivConst, bytecode.OpModConst:
			idx := chunk.Code[frame.IP]
			frame.IP++
			a := th.Pop()
			res, err := vm.arith(frame, constFusedOpFor(op), a, chunk.Constants[idx])
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		case bytecode.OpIncLocal:
			slot := int(chunk.Code[frame.IP])
			frame.IP++
			// Stands in for GET_LOCAL; CONSTANT 1; ADD; SET_LOCAL, so it
			// stores the sum and also leaves it on the stack.
			res, err := vm.arith(frame, mmAddOp, th.Stack[frame.Base+slot], float64(1))
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Stack[frame.Base+slot] = res
			th.Push(res)

		case bytecode.OpSubLocalConst, bytecode.OpMulLocalConst, bytecode.OpDivLocalConst, bytecode.OpModLocalConst:
			slot := int(chunk.Code[frame.IP])
			constIdx := int(chunk.ReadUint16(frame.IP + 1))
			frame.IP += 3
			res, err := vm.arith(frame, localFusedOpFor(op), th.Stack[frame.Base+slot], chunk.Constants[constIdx])
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Stack[frame.Base+slot] = res

		case bytecode.OpSetLocalFromOp:
			slot := int(chunk.Code[frame.IP])
			frame.IP += 3
			th.Stack[frame.Base+slot] = th.Peek(0)

		// ---- comparison ----
		case bytecode.OpEqual:
			b := th.Pop()
			a := th.Pop()
			eq, err := vm.equals(frame, a, b)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(eq)

		case bytecode.OpLess:
			b := th.Pop()
			a := th.Pop()
			lt, err := vm.less(frame, a, b)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(lt)

		case bytecode.OpGreater:
			b := th.Pop()
			a := th.Pop()
			gt, err := vm.less(frame, b, a)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(gt)

		case bytecode.OpHas:
			b := th.Pop()
			a := th.Pop()
			res, err := vm.has(frame, a, b)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		case bytecode.OpIn:
			b := th.Pop()
			a := th.Pop()
			res, err := vm.in(frame, a, b)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)

		// ---- control flow ----
		case bytecode.OpJump:
			off := chunk.ReadUint16(frame.IP)
			frame.IP += 2 + off

		case bytecode.OpJumpIfFalse:
			off := chunk.ReadUint16(frame.IP)
			frame.IP += 2
			if !value.IsTruthy(th.Peek(0)) {
				frame.IP += off
			}

		case bytecode.OpJumpIfTrue:
			off := chunk.ReadUint16(frame.IP)
			frame.IP += 2
			if value.IsTruthy(th.Peek(0)) {
				frame.IP += off
			}

		case bytecode.OpLoop:
			off := chunk.ReadUint16(frame.IP)
			frame.IP += 2 - off

		case bytecode.OpForPrep:
			slot := int(chunk.Code[frame.IP])
			off := chunk.ReadUint16(frame.IP + 1)
			frame.IP += 3
			base := frame.Base + slot
			control := th.Stack[base].(float64)
			limit := th.Stack[base+1].(float64)
			step := th.Stack[base+2].(float64)
			if step == 0 || (step > 0 && control > limit) || (step < 0 && control < limit) {
				frame.IP += off
			}

		case bytecode.OpForLoop:
			slot := int(chunk.Code[frame.IP])
			off := chunk.ReadUint16(frame.IP + 1)
			frame.IP += 3
			base := frame.Base + slot
			step := th.Stack[base+2].(float64)
			limit := th.Stack[base+1].(float64)
			control := th.Stack[base].(float64) + step
			if (step > 0 && control <= limit) || (step < 0 && control >= limit) {
				th.Stack[base] = control
				th.Stack[base+3] = control
				frame.IP -= off
			}

		// ---- calls / returns ----
		case bytecode.OpCall:
			n := int(chunk.Code[frame.IP])
			frame.IP++
			if err := vm.execCallOp(th, frame, op, n); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		case bytecode.OpCall0:
			if err := vm.execCallOp(th, frame, op, 0); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
		case bytecode.OpCall1:
			if err := vm.execCallOp(th, frame, op, 1); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
		case bytecode.OpCall2:
			if err := vm.execCallOp(th, frame, op, 2); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		case bytecode.OpCallNamed, bytecode.OpCallExpand:
			n := int(chunk.Code[frame.IP])
			frame.IP++
			if err := vm.execCallOp(th, frame, op, n); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		case bytecode.OpReturn:
			result := th.Pop()
			done, ret, err := vm.doReturn(th, minFrames, []value.Value{result})
			if err != nil {
				return nil, false, err
			}
			if done {
				return ret, false, nil
			}

		case bytecode.OpReturnN:
			n := int(chunk.Code[frame.IP])
			frame.IP++
			results := make([]value.Value, n)
			for i := n - 1; i >= 0; i-- {
				results[i] = th.Pop()
			}
			done, ret, err := vm.doReturn(th, minFrames, results)
			if err != nil {
				return nil, false, err
			}
			if done {
				return ret, false, nil
			}

		case bytecode.OpAdjustStack:
			want := int(chunk.Code[frame.IP])
			frame.IP++
			have := vm.lastResultCount
			for have < want {
				th.Push(nil)
				have++
			}
			for have > want {
				th.Pop()
				have--
			}

		case bytecode.OpUnpack:
			v := th.Pop()
			t, ok := v.(*value.Table)
			if !ok {
				if err := vm.throwOrFail(th, frame, "attempt to unpack a %s value", value.TypeName(v)); err != nil {
					return nil, false, err
				}
				continue
			}
			n := t.ArrayLen()
			for i := 1; i <= n; i++ {
				e, _ := t.GetArray(i)
				th.Push(e)
			}
			vm.lastResultCount = n

		case bytecode.OpClosure:
			constIdx := chunk.Code[frame.IP]
			frame.IP++
			fn := chunk.Constants[constIdx].(*value.Function)
			cl := &value.Closure{Fn: fn, Upvalues: make([]*value.Upvalue, fn.UpvalueCount)}
			for i := 0; i < fn.UpvalueCount; i++ {
				isLocal := chunk.Code[frame.IP]
				index := int(chunk.Code[frame.IP+1])
				frame.IP += 2
				if isLocal != 0 {
					cl.Upvalues[i] = th.CaptureUpvalue(frame.Base + index)
				} else {
					cl.Upvalues[i] = frame.Closure.Upvalues[index]
				}
			}
			vm.track(cl)
			th.Push(cl)
			vm.maybeCollect()

		case bytecode.OpBuildString:
			n := int(chunk.Code[frame.IP])
			frame.IP++
			parts := make([]string, n)
			for i := n - 1; i >= 0; i-- {
				v := th.Pop()
				if s, ok := v.(*value.String); ok {
					parts[i] = s.Chars
				} else {
					s, err := vm.str(frame, v)
					if err != nil {
						if vm.raiseException(th, value.NewString(err.Error())) {
							goto nextInstr
						}
						return nil, false, err
					}
					parts[i] = s
				}
			}
			{
				built := ""
				for _, p := range parts {
					built += p
				}
				s := value.NewString(built)
				vm.track(s)
				th.Push(s)
				vm.maybeCollect()
			}

		// ---- iteration ----
		case bytecode.OpIterPrep:
			if err := vm.iterPrep(th, frame, th.Pop()); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		case bytecode.OpIterPrepIPairs:
			if err := vm.iterPrepArray(th, frame, th.Pop()); err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}

		case bytecode.OpRange:
			stop := th.Pop()
			start := th.Pop()
			sn, sok := start.(float64)
			en, eok := stop.(float64)
			if !sok || !eok {
				if err := vm.throwOrFail(th, frame, "range bounds must be numbers"); err != nil {
					return nil, false, err
				}
				continue
			}
			r := value.NewRange(sn, en)
			vm.track(r)
			th.Push(r)
			vm.maybeCollect()

		case bytecode.OpSlice:
			step := th.Pop()
			stop := th.Pop()
			start := th.Pop()
			receiver := th.Pop()
			res, err := vm.doSlice(frame, receiver, start, stop, step)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(res)
			vm.maybeCollect()

		// ---- exceptions ----
		case bytecode.OpTry:
			off := chunk.ReadUint16(frame.IP)
			frame.IP += 2
			th.Handlers = append(th.Handlers, value.ExceptionHandler{
				FrameCount: len(th.Frames),
				StackTop:   len(th.Stack),
				CatchIP:    frame.IP + off,
			})

		case bytecode.OpEndTry:
			if n := len(th.Handlers); n > 0 {
				th.Handlers = th.Handlers[:n-1]
			}

		case bytecode.OpEndFinally:
			// no-op marker; the compiler's own rethrow sequence handles
			// propagating a pending exception past the finally block.

		case bytecode.OpThrow:
			v := th.Pop()
			if !vm.raiseException(th, v) {
				return nil, false, vm.runtimeErrorf(frame, "uncaught exception: %s", value.PlainString(v))
			}

		// ---- coroutines ----
		case bytecode.OpYield:
			v := th.Pop()
			if !allowYield {
				if err := vm.throwOrFail(th, frame, "'yield' outside of a generator"); err != nil {
					return nil, false, err
				}
				continue
			}
			return v, true, nil

		// ---- modules ----
		case bytecode.OpImport:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			if vm.Modules == nil {
				if err := vm.throwOrFail(th, frame, "no module loader configured"); err != nil {
					return nil, false, err
				}
				continue
			}
			mod, err := vm.Modules.Import(vm, name.Chars)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			th.Push(mod)

		case bytecode.OpImportStar:
			idx := chunk.Code[frame.IP]
			frame.IP++
			name := chunk.Constants[idx].(*value.String)
			if vm.Modules == nil {
				if err := vm.throwOrFail(th, frame, "no module loader configured"); err != nil {
					return nil, false, err
				}
				continue
			}
			mod, err := vm.Modules.Import(vm, name.Chars)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			mod.Pairs(func(k, v value.Value) bool {
				if ks, ok := k.(*value.String); ok {
					vm.Globals.Set(ks, v)
				}
				return true
			})

		// ---- printing / diagnostics ----
		case bytecode.OpPrint:
			v := th.Pop()
			s, err := vm.str(frame, v)
			if err != nil {
				if vm.raiseException(th, value.NewString(err.Error())) {
					continue
				}
				return nil, false, err
			}
			vm.Stdout.WriteString(s + "\n")

		case bytecode.OpGC:
			vm.CollectGarbage()

		default:
			err := vm.runtimeErrorf(frame, "unknown opcode %v", op)
			return nil, false, err
		}

	nextInstr:
		continue
	}
}

// doReturn pops th's current frame, placing results (as a multiValue when
// more than one) where the caller's call opcode expects them; reports
// done=true once th's frame count drops to minFrames, meaning this
// invocation of run() is finished and should hand result back to its
// caller.
func (vm *VM) doReturn(th *value.Thread, minFrames int, results []value.Value) (done bool, result value.Value, err error) {
	frame := th.CurrentFrame()
	th.TruncateTo(frame.Base)
	th.Frames = th.Frames[:len(th.Frames)-1]

	if len(th.Frames) <= minFrames {
		if len(results) == 0 {
			return true, nil, nil
		}
		return true, results[0], nil
	}

	if len(results) == 1 {
		th.Push(results[0])
		vm.lastResultCount = 1
	} else {
		for _, r := range results {
			th.Push(r)
		}
		vm.lastResultCount = len(results)
	}
	return false, nil, nil
}

// throwOrFail raises a formatted runtime error as a Vela exception if a
// handler covers it, else returns the Go error so run() can propagate it
// out entirely.
func (vm *VM) throwOrFail(th *value.Thread, frame *value.Frame, format string, args ...interface{}) error {
	err := vm.runtimeErrorf(frame, format, args...)
	if vm.raiseException(th, value.NewString(err.Error())) {
		return nil
	}
	return err
}

func arithOpFor(op bytecode.OpCode) int {
	switch op {
	case bytecode.OpAdd:
		return mmAddOp
	case bytecode.OpSubtract:
		return mmSubOp
	case bytecode.OpMultiply:
		return mmMulOp
	case bytecode.OpDivide:
		return mmDivOp
	case bytecode.OpModulo:
		return mmModOp
	case bytecode.OpPower:
		return mmPowOp
	case bytecode.OpIntDiv:
		return mmIntDivOp
	}
	return mmAddOp
}

func constFusedOpFor(op bytecode.OpCode) int {
	switch op {
	case bytecode.OpAddConst:
		return mmAddOp
	case bytecode.OpSubConst:
		return mmSubOp
	case bytecode.OpMulConst:
		return mmMulOp
	case bytecode.OpDivConst:
		return mmDivOp
	case bytecode.OpModConst:
		return mmModOp
	}
	return mmAddOp
}

func localFusedOpFor(op bytecode.OpCode) int {
	switch op {
	case bytecode.OpSubLocalConst:
		return mmSubOp
	case bytecode.OpMulLocalConst:
		return mmMulOp
	case bytecode.OpDivLocalConst:
		return mmDivOp
	case bytecode.OpModLocalConst:
		return mmModOp
	}
	return mmSubOp
}

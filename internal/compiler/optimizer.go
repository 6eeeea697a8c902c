package compiler

import (
	"vela/internal/bytecode"
	"vela/internal/value"
)

// instr is one decoded bytecode instruction: its opcode, the raw operand
// bytes that followed it, and the byte offset it started at in the
// original chunk (used to retarget jumps after folding).
type instr struct {
	op      bytecode.OpCode
	operand []byte
	oldPos  int
}

// Optimize runs a conservative peephole pass over chunk in place (spec
// §4.3): constant folding of two adjacent numeric CONSTANT loads feeding
// a binary arithmetic op, and GET_LOCAL/CONSTANT(1)/ADD/SET_LOCAL fusion
// into INC_LOCAL. Jump/loop/try targets are tracked through folding and
// rewritten against the rebuilt instruction stream. Any chunk this pass
// can't confidently decode (e.g. a CLOSURE referencing a constant that
// isn't a *value.Function) is left untouched.
func Optimize(chunk *bytecode.Chunk) {
	instrs, ok := decodeChunk(chunk)
	if !ok {
		return
	}

	jumpTargets := map[int]bool{}
	for _, in := range instrs {
		if target, isJump := jumpTargetOf(in); isJump {
			jumpTargets[target] = true
		}
	}

	rebuild(chunk, instrs, jumpTargets)
}

// decodeChunk walks chunk.Code into a flat instruction list. Returns
// ok=false if it encounters anything it can't safely interpret.
func decodeChunk(chunk *bytecode.Chunk) ([]instr, bool) {
	var out []instr
	code := chunk.Code
	i := 0
	for i < len(code) {
		op := bytecode.OpCode(code[i])
		start := i
		i++
		width, variable := operandWidth(op)
		if variable {
			if i >= len(code) {
				return nil, false
			}
			constIdx := int(code[i])
			i++
			if constIdx < 0 || constIdx >= len(chunk.Constants) {
				return nil, false
			}
			fn, isFn := chunk.Constants[constIdx].(*value.Function)
			if !isFn {
				return nil, false
			}
			upvalBytes := fn.UpvalueCount * 2
			if i+upvalBytes > len(code) {
				return nil, false
			}
			operand := make([]byte, 1+upvalBytes)
			operand[0] = byte(constIdx)
			copy(operand[1:], code[i:i+upvalBytes])
			i += upvalBytes
			out = append(out, instr{op: op, operand: operand, oldPos: start})
			continue
		}
		if i+width > len(code) {
			return nil, false
		}
		operand := append([]byte(nil), code[i:i+width]...)
		i += width
		out = append(out, instr{op: op, operand: operand, oldPos: start})
	}
	return out, true
}

// operandWidth gives the fixed operand byte width for every opcode the
// compiler itself ever emits, plus the superinstructions a peephole pass
// may introduce. variable is true only for CLOSURE, whose width depends
// on the referenced function's upvalue count.
func operandWidth(op bytecode.OpCode) (width int, variable bool) {
	switch op {
	case bytecode.OpConstant, bytecode.OpGetLocal, bytecode.OpSetLocal,
		bytecode.OpGetUpvalue, bytecode.OpSetUpvalue,
		bytecode.OpGetGlobal, bytecode.OpDefineGlobal, bytecode.OpSetGlobal, bytecode.OpDeleteGlobal,
		bytecode.OpCall, bytecode.OpCallNamed, bytecode.OpCallExpand,
		bytecode.OpReturnN, bytecode.OpAdjustStack, bytecode.OpUnpack, bytecode.OpBuildString,
		bytecode.OpImport, bytecode.OpImportStar,
		bytecode.OpAddConst, bytecode.OpSubConst, bytecode.OpMulConst, bytecode.OpDivConst, bytecode.OpModConst,
		bytecode.OpIncLocal:
		return 1, false
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue, bytecode.OpLoop, bytecode.OpTry:
		return 2, false
	case bytecode.OpForPrep, bytecode.OpForLoop,
		bytecode.OpSubLocalConst, bytecode.OpMulLocalConst, bytecode.OpDivLocalConst, bytecode.OpModLocalConst,
		bytecode.OpSetLocalFromOp:
		return 3, false
	case bytecode.OpClosure:
		return 0, true
	default:
		return 0, false
	}
}

// jumpTargetOf computes the absolute old-chunk byte offset a jump/loop/try
// instruction lands on, if it is one.
func jumpTargetOf(in instr) (int, bool) {
	switch in.op {
	case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue, bytecode.OpTry:
		off := int(in.operand[0])<<8 | int(in.operand[1])
		return in.oldPos + 1 + 2 + off, true
	case bytecode.OpLoop:
		off := int(in.operand[0])<<8 | int(in.operand[1])
		return in.oldPos + 1 + 2 - off, true
	case bytecode.OpForPrep:
		off := int(in.operand[1])<<8 | int(in.operand[2])
		return in.oldPos + 1 + 3 + off, true
	case bytecode.OpForLoop:
		off := int(in.operand[1])<<8 | int(in.operand[2])
		return in.oldPos + 1 + 3 - off, true
	}
	return 0, false
}

func asNumber(c interface{}) (float64, bool) {
	n, ok := c.(float64)
	return n, ok
}

func isFoldableBinOp(op bytecode.OpCode) bool {
	switch op {
	case bytecode.OpAdd, bytecode.OpSubtract, bytecode.OpMultiply, bytecode.OpDivide, bytecode.OpModulo:
		return true
	}
	return false
}

// rebuild re-emits folded into a fresh Chunk. Two peephole patterns are
// applied as it walks the stream: two adjacent numeric CONSTANT loads
// feeding a binary arithmetic op collapse into one folded CONSTANT, and
// `GET_LOCAL n; CONSTANT(1); ADD; SET_LOCAL n` collapses into INC_LOCAL
// n. Both are skipped if any instruction inside the matched window is a
// jump target, since folding would make that target unreachable. Every
// jump/loop/try operand is retargeted against the old->new position map
// built along the way.
func rebuild(chunk *bytecode.Chunk, folded []instr, jumpTargets map[int]bool) {
	oldConstants := chunk.Constants
	newChunk := bytecode.NewChunk()
	// Instructions copied unchanged keep their constant operands, so the
	// rebuilt chunk starts from the old pool.
	newChunk.Constants = append(newChunk.Constants, oldConstants...)
	oldToNew := map[int]int{}

	type pendingJump struct {
		newPos   int
		oldTarget int
		kind     int // 0=forward(add) at +2, 1=backward(sub) at +2, 2=forward 3-byte(forprep), 3=backward 3-byte(forloop)
	}
	var pending []pendingJump

	i := 0
	for i < len(folded) {
		oldToNew[folded[i].oldPos] = len(newChunk.Code)

		if i+2 < len(folded) && folded[i].op == bytecode.OpConstant && folded[i+1].op == bytecode.OpConstant && isFoldableBinOp(folded[i+2].op) &&
			!jumpTargets[folded[i+1].oldPos] && !jumpTargets[folded[i+2].oldPos] {
			ai := int(folded[i].operand[0])
			bi := int(folded[i+1].operand[0])
			if ai < len(oldConstants) && bi < len(oldConstants) {
				an, aok := asNumber(oldConstants[ai])
				bn, bok := asNumber(oldConstants[bi])
				if aok && bok {
					var result float64
					skip := false
					switch folded[i+2].op {
					case bytecode.OpAdd:
						result = an + bn
					case bytecode.OpSubtract:
						result = an - bn
					case bytecode.OpMultiply:
						result = an * bn
					case bytecode.OpDivide:
						if bn == 0 {
							skip = true
						} else {
							result = an / bn
						}
					case bytecode.OpModulo:
						if bn == 0 {
							skip = true
						} else {
							result = value.NumMod(an, bn)
						}
					}
					if !skip {
						idx := newChunk.AddConstant(result)
						newChunk.WriteOp(bytecode.OpConstant)
						newChunk.WriteByte(byte(idx))
						oldToNew[folded[i+1].oldPos] = len(newChunk.Code) - 1
						oldToNew[folded[i+2].oldPos] = len(newChunk.Code)
						i += 3
						continue
					}
				}
			}
		}

		if i+3 < len(folded) && folded[i].op == bytecode.OpGetLocal && folded[i+1].op == bytecode.OpConstant &&
			folded[i+2].op == bytecode.OpAdd && folded[i+3].op == bytecode.OpSetLocal &&
			folded[i].operand[0] == folded[i+3].operand[0] &&
			!jumpTargets[folded[i+1].oldPos] && !jumpTargets[folded[i+2].oldPos] && !jumpTargets[folded[i+3].oldPos] {
			ci := int(folded[i+1].operand[0])
			if ci < len(oldConstants) {
				if n, ok := asNumber(oldConstants[ci]); ok && n == 1 {
					newChunk.WriteOp(bytecode.OpIncLocal)
					newChunk.WriteByte(folded[i].operand[0])
					oldToNew[folded[i+1].oldPos] = len(newChunk.Code) - 1
					oldToNew[folded[i+2].oldPos] = len(newChunk.Code)
					oldToNew[folded[i+3].oldPos] = len(newChunk.Code)
					i += 4
					continue
				}
			}
		}

		in := folded[i]
		newPos := len(newChunk.Code)
		newChunk.WriteOp(in.op)
		switch {
		case len(in.operand) == 0:
		case in.op == bytecode.OpJump || in.op == bytecode.OpJumpIfFalse || in.op == bytecode.OpJumpIfTrue:
			target, _ := jumpTargetOf(in)
			newChunk.WriteUint16(0, bytecode.DebugInfo{})
			pending = append(pending, pendingJump{newPos: newPos, oldTarget: target, kind: 0})
		case in.op == bytecode.OpLoop:
			target, _ := jumpTargetOf(in)
			newChunk.WriteUint16(0, bytecode.DebugInfo{})
			pending = append(pending, pendingJump{newPos: newPos, oldTarget: target, kind: 1})
		case in.op == bytecode.OpTry:
			target, _ := jumpTargetOf(in)
			newChunk.WriteUint16(0, bytecode.DebugInfo{})
			pending = append(pending, pendingJump{newPos: newPos, oldTarget: target, kind: 0})
		case in.op == bytecode.OpForPrep:
			target, _ := jumpTargetOf(in)
			newChunk.WriteByte(in.operand[0])
			newChunk.WriteUint16(0, bytecode.DebugInfo{})
			pending = append(pending, pendingJump{newPos: newPos, oldTarget: target, kind: 2})
		case in.op == bytecode.OpForLoop:
			target, _ := jumpTargetOf(in)
			newChunk.WriteByte(in.operand[0])
			newChunk.WriteUint16(0, bytecode.DebugInfo{})
			pending = append(pending, pendingJump{newPos: newPos, oldTarget: target, kind: 3})
		case in.op == bytecode.OpClosure:
			constIdx := int(in.operand[0])
			fn := oldConstants[constIdx].(*value.Function)
			newIdx := newChunk.AddConstant(fn)
			newChunk.WriteByte(byte(newIdx))
			newChunk.Code = append(newChunk.Code, in.operand[1:]...)
			newChunk.Lines = append(newChunk.Lines, make([]int, len(in.operand)-1)...)
			newChunk.Columns = append(newChunk.Columns, make([]int, len(in.operand)-1)...)
			newChunk.Debug = append(newChunk.Debug, make([]bytecode.DebugInfo, len(in.operand)-1)...)
		default:
			for _, b := range in.operand {
				newChunk.WriteByte(b)
			}
		}
		i++
	}

	for _, pj := range pending {
		newTarget, ok := oldToNew[pj.oldTarget]
		if !ok {
			newTarget = len(newChunk.Code)
		}
		switch pj.kind {
		case 0:
			offset := newTarget - (pj.newPos + 1 + 2)
			newChunk.PatchUint16(pj.newPos+1, offset)
		case 1:
			offset := (pj.newPos + 1 + 2) - newTarget
			newChunk.PatchUint16(pj.newPos+1, offset)
		case 2:
			offset := newTarget - (pj.newPos + 1 + 1 + 2)
			newChunk.PatchUint16(pj.newPos+2, offset)
		case 3:
			offset := (pj.newPos + 1 + 1 + 2) - newTarget
			newChunk.PatchUint16(pj.newPos+2, offset)
		}
	}

	newChunk.GlobalCaches = make(map[int]*bytecode.GlobalIC)
	newChunk.TableCaches = make(map[int]*bytecode.TableIC)

	// Carry each old instruction's source position over to the bytes it
	// became, so tracebacks still report lines after optimization.
	for k, in := range folded {
		start, end := oldToNew[in.oldPos], len(newChunk.Code)
		if k+1 < len(folded) {
			end = oldToNew[folded[k+1].oldPos]
		}
		d := chunk.GetDebugInfo(in.oldPos)
		for p := start; p < end; p++ {
			newChunk.Debug[p], newChunk.Lines[p], newChunk.Columns[p] = d, d.Line, d.Column
		}
	}

	*chunk = *newChunk
}

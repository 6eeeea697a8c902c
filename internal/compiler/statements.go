package compiler

import (
	"vela/internal/bytecode"
	"vela/internal/lexer"
	"vela/internal/value"
)

// declaration dispatches the forms that may only appear as full
// statements (never mid-expression): named function/method/class
// declarations and `local`. Everything else goes through statement.
func (c *Compiler) declaration() {
	switch c.peek().Type {
	case lexer.TokenFn:
		c.fnDeclaration()
	case lexer.TokenLocal:
		c.localDeclaration()
	case lexer.TokenClass:
		c.classDeclaration()
	default:
		c.statement()
	}
}

func (c *Compiler) statement() {
	switch c.peek().Type {
	case lexer.TokenIf:
		c.ifStatement()
	case lexer.TokenWhile:
		c.whileStatement()
	case lexer.TokenFor:
		c.forStatement()
	case lexer.TokenReturn:
		c.returnStatement()
	case lexer.TokenTry:
		c.tryStatement()
	case lexer.TokenThrow:
		c.throwStatement()
	case lexer.TokenImport, lexer.TokenFrom:
		c.importStatement()
	case lexer.TokenBreak:
		c.breakStatement()
	case lexer.TokenContinue:
		c.continueStatement()
	case lexer.TokenMatch:
		c.matchStatement()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.emitOp(bytecode.OpPop)
}

// ---- local / fn declarations ----

func (c *Compiler) localDeclaration() {
	c.advance() // 'local'
	names := []string{c.expect(lexer.TokenIdent, "expected variable name").Lexeme}
	hints := []string{c.optionalTypeHint()}
	for c.match(lexer.TokenComma) {
		names = append(names, c.expect(lexer.TokenIdent, "expected variable name").Lexeme)
		hints = append(hints, c.optionalTypeHint())
	}
	if c.match(lexer.TokenEqual) {
		n := 0
		for {
			c.expression()
			n++
			if !c.match(lexer.TokenComma) {
				break
			}
		}
		if n != len(names) {
			c.emitOpByte(bytecode.OpAdjustStack, byte(len(names)))
		}
	} else {
		for range names {
			c.emitOp(bytecode.OpNil)
		}
	}
	for i, nm := range names {
		c.declareLocal(nm, hints[i])
	}
}

func (c *Compiler) optionalTypeHint() string {
	if c.match(lexer.TokenColon) {
		return c.expect(lexer.TokenIdent, "expected type hint").Lexeme
	}
	return ""
}

// fnDeclaration handles the two named forms: `fn name(...)` (bound as a
// local or global, recursion-friendly) and `fn recv.name(...)` (bound as
// a field on recv with an implicit `self` parameter).
func (c *Compiler) fnDeclaration() {
	c.advance() // 'fn'
	first := c.expect(lexer.TokenIdent, "expected function name")

	if c.match(lexer.TokenDot) {
		methodName := c.expect(lexer.TokenIdent, "expected method name after '.'").Lexeme
		c.resolveAndGet(first.Lexeme)
		c.emitConstant(value.NewString(methodName))
		c.compileFunctionBody(first.Lexeme+"."+methodName, true)
		c.emitOp(bytecode.OpSetTable)
		c.emitOp(bytecode.OpPop)
		return
	}

	name := first.Lexeme
	isTop := c.current.scopeDepth == 0
	if !isTop {
		// Reserve the slot before compiling the body so a recursive call
		// inside resolves to this local (as an upvalue) rather than a
		// global lookup.
		c.declareLocal(name, "")
	}
	c.compileFunctionBody(name, false)
	if isTop {
		idx := c.chunk().AddConstant(value.NewString(name))
		c.emitOpByte(bytecode.OpDefineGlobal, byte(idx))
	}
}

// classDeclaration desugars `class Name[(Base)]: ... end` into a plain
// table acting as the shared method prototype: Name.__index = Name makes
// instance lookups fall through to it, and an optional base class is
// wired in via Name's own metatable so static/class-level lookups chain
// to Base the same way (spec §4.2 metatable-driven OOP sugar).
func (c *Compiler) classDeclaration() {
	c.advance() // 'class'
	name := c.expect(lexer.TokenIdent, "expected class name").Lexeme

	hasBase := false
	baseName := ""
	if c.match(lexer.TokenLParen) {
		baseName = c.expect(lexer.TokenIdent, "expected base class name").Lexeme
		hasBase = true
		c.expect(lexer.TokenRParen, "expected ')' after base class name")
	}

	c.emitOp(bytecode.OpNewTable)
	isTop := c.current.scopeDepth == 0
	if isTop {
		idx := c.chunk().AddConstant(value.NewString(name))
		c.emitOpByte(bytecode.OpDefineGlobal, byte(idx))
	} else {
		c.declareLocal(name, "")
	}

	// Name.__index = Name
	c.resolveAndGet(name)
	c.emitConstant(value.NewString("__index"))
	c.resolveAndGet(name)
	c.emitOp(bytecode.OpSetTable)
	c.emitOp(bytecode.OpPop)

	if hasBase {
		// setmetatable(Name, {__index = Base})
		c.resolveAndGet(name)
		c.emitOp(bytecode.OpNewTable)
		c.emitOp(bytecode.OpDup)
		c.emitConstant(value.NewString("__index"))
		c.resolveAndGet(baseName)
		c.emitOp(bytecode.OpSetTable)
		c.emitOp(bytecode.OpPop)
		c.emitOp(bytecode.OpSetMetatable)
		c.emitOp(bytecode.OpPop)
	}

	indented := c.openBlock()
	for {
		if c.check(lexer.TokenEOF) {
			break
		}
		if indented && c.check(lexer.TokenDedent) {
			break
		}
		if !indented && c.check(lexer.TokenEnd) {
			break
		}
		switch {
		case c.match(lexer.TokenFn):
			methodName := c.expect(lexer.TokenIdent, "expected method name").Lexeme
			c.resolveAndGet(name)
			c.emitConstant(value.NewString(methodName))
			c.compileFunctionBody(name+"."+methodName, true)
			c.emitOp(bytecode.OpSetTable)
			c.emitOp(bytecode.OpPop)
		case c.match(lexer.TokenLocal):
			fieldName := c.expect(lexer.TokenIdent, "expected field name").Lexeme
			c.expect(lexer.TokenEqual, "expected '=' in class field declaration")
			c.resolveAndGet(name)
			c.emitConstant(value.NewString(fieldName))
			c.expression()
			c.emitOp(bytecode.OpSetTable)
			c.emitOp(bytecode.OpPop)
		default:
			c.errorHere("expected method or field declaration in class body")
			c.advance()
		}
		c.skipStatementSeparators()
	}
	c.closeBlock(indented)
}

// ---- if / elif / else ----

func (c *Compiler) ifStatement() {
	c.advance() // 'if'
	var endJumps []int
	indented := c.compileIfBranch(&endJumps)
	if !indented {
		c.expect(lexer.TokenEnd, "expected 'end' to close if statement")
	}
	for _, j := range endJumps {
		c.patchJump(j)
	}
}

func (c *Compiler) compileIfBranch(endJumps *[]int) bool {
	c.expression()
	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)

	indented := c.openBlock()
	c.beginScope()
	c.blockStatements(indented, lexer.TokenElif, lexer.TokenElse)
	c.endScope()
	if indented {
		c.match(lexer.TokenDedent)
	}

	*endJumps = append(*endJumps, c.emitJump(bytecode.OpJump))
	c.patchJump(thenJump)
	c.emitOp(bytecode.OpPop)

	if c.match(lexer.TokenElif) {
		return c.compileIfBranch(endJumps)
	}
	if c.match(lexer.TokenElse) {
		elseIndented := c.openBlock()
		c.beginScope()
		c.blockStatements(elseIndented)
		c.endScope()
		if elseIndented {
			c.match(lexer.TokenDedent)
		}
		return elseIndented
	}
	return indented
}

// ---- while ----

func (c *Compiler) whileStatement() {
	c.advance() // 'while'
	loop := &loopCtx{scopeDepth: c.current.scopeDepth, continueTo: -1}
	c.current.loops = append(c.current.loops, loop)

	loopStart := len(c.chunk().Code)
	loop.continueTo = loopStart
	c.expression()
	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)

	indented := c.openBlock()
	c.beginScope()
	c.blockStatements(indented)
	c.endScope()
	c.closeBlock(indented)

	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)

	for _, j := range loop.breakJumps {
		c.patchJump(j)
	}
	c.current.loops = c.current.loops[:len(c.current.loops)-1]
}

// ---- for ----

func (c *Compiler) forStatement() {
	c.advance() // 'for'
	first := c.expect(lexer.TokenIdent, "expected loop variable name").Lexeme
	if c.check(lexer.TokenEqual) {
		c.numericFor(first)
		return
	}
	names := []string{first}
	for c.match(lexer.TokenComma) {
		names = append(names, c.expect(lexer.TokenIdent, "expected loop variable name").Lexeme)
	}
	c.expect(lexer.TokenIn, "expected 'in' in for-in loop")
	c.genericFor(names)
}

func (c *Compiler) numericFor(name string) {
	c.advance() // '='
	c.beginScope()

	c.expression()
	ctrlSlot := len(c.current.locals)
	c.declareLocal("", "") // control value

	c.expect(lexer.TokenComma, "expected ',' after for-loop start value")
	c.expression()
	c.declareLocal("", "") // limit

	if c.match(lexer.TokenComma) {
		c.expression()
	} else {
		c.emitConstant(1.0)
	}
	c.declareLocal("", "") // step

	c.emitOpByte(bytecode.OpGetLocal, byte(ctrlSlot))
	c.declareLocal(name, "") // user-visible loop variable

	exitJump := c.emitForPrep(byte(ctrlSlot))

	loop := &loopCtx{scopeDepth: c.current.scopeDepth, continueTo: -1}
	c.current.loops = append(c.current.loops, loop)

	loopStart := len(c.chunk().Code)
	indented := c.openBlock()
	c.beginScope()
	c.blockStatements(indented)
	c.endScope()
	c.closeBlock(indented)

	for _, j := range loop.continueJumps {
		c.patchJump(j)
	}
	c.emitForLoop(byte(ctrlSlot), loopStart)
	c.patchJump(exitJump)

	for _, j := range loop.breakJumps {
		c.patchJump(j)
	}
	c.current.loops = c.current.loops[:len(c.current.loops)-1]
	c.endScope()
}

// genericFor compiles the iterator-protocol form: ITER_PREP turns the
// iterable into (iterFn, state, ctrl); each pass calls iterFn(state,
// ctrl), normalizes the results to len(names) values, and stops when the
// first result is falsy (spec's generic for-in protocol).
func (c *Compiler) genericFor(names []string) {
	c.beginScope()
	c.expression()
	c.emitOp(bytecode.OpIterPrep)
	iterSlot := len(c.current.locals)
	c.declareLocal("", "")
	c.declareLocal("", "")
	c.declareLocal("", "")
	stateSlot := iterSlot + 1
	ctrlSlot := iterSlot + 2

	varSlots := make([]int, len(names))
	for i, nm := range names {
		c.emitOp(bytecode.OpNil)
		c.declareLocal(nm, "")
		varSlots[i] = len(c.current.locals) - 1
	}

	loop := &loopCtx{scopeDepth: c.current.scopeDepth, continueTo: -1}
	c.current.loops = append(c.current.loops, loop)

	loopStart := len(c.chunk().Code)
	loop.continueTo = loopStart

	c.emitOpByte(bytecode.OpGetLocal, byte(iterSlot))
	c.emitOpByte(bytecode.OpGetLocal, byte(stateSlot))
	c.emitOpByte(bytecode.OpGetLocal, byte(ctrlSlot))
	c.emitOp(bytecode.OpCall2)
	c.emitOpByte(bytecode.OpAdjustStack, byte(len(names)))

	for i := len(names) - 1; i >= 0; i-- {
		c.emitOpByte(bytecode.OpSetLocal, byte(varSlots[i]))
		c.emitOp(bytecode.OpPop)
	}

	c.emitOpByte(bytecode.OpGetLocal, byte(varSlots[0]))
	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)

	c.emitOpByte(bytecode.OpGetLocal, byte(varSlots[0]))
	c.emitOpByte(bytecode.OpSetLocal, byte(ctrlSlot))
	c.emitOp(bytecode.OpPop)

	indented := c.openBlock()
	c.beginScope()
	c.blockStatements(indented)
	c.endScope()
	c.closeBlock(indented)

	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)

	for _, j := range loop.breakJumps {
		c.patchJump(j)
	}
	c.current.loops = c.current.loops[:len(c.current.loops)-1]
	c.endScope()
}

// ---- break / continue / return / throw ----

func (c *Compiler) breakStatement() {
	c.advance()
	if len(c.current.loops) == 0 {
		c.errorHere("'break' outside of a loop")
		return
	}
	loop := c.current.loops[len(c.current.loops)-1]
	c.popLocalsToDepth(loop.scopeDepth)
	loop.breakJumps = append(loop.breakJumps, c.emitJump(bytecode.OpJump))
}

func (c *Compiler) continueStatement() {
	c.advance()
	if len(c.current.loops) == 0 {
		c.errorHere("'continue' outside of a loop")
		return
	}
	loop := c.current.loops[len(c.current.loops)-1]
	c.popLocalsToDepth(loop.scopeDepth)
	if loop.continueTo >= 0 {
		c.emitLoop(loop.continueTo)
	} else {
		loop.continueJumps = append(loop.continueJumps, c.emitJump(bytecode.OpJump))
	}
}

func (c *Compiler) returnStatement() {
	c.advance() // 'return'
	if c.atStatementEnd() {
		c.emitOp(bytecode.OpNil)
		c.emitOp(bytecode.OpReturn)
		return
	}
	n := 0
	for {
		c.expression()
		n++
		if !c.match(lexer.TokenComma) {
			break
		}
	}
	if n == 1 {
		c.emitOp(bytecode.OpReturn)
	} else {
		c.emitOpByte(bytecode.OpReturnN, byte(n))
	}
}

func (c *Compiler) atStatementEnd() bool {
	switch c.peek().Type {
	case lexer.TokenNewline, lexer.TokenSemi, lexer.TokenEnd, lexer.TokenDedent, lexer.TokenEOF:
		return true
	}
	return false
}

func (c *Compiler) throwStatement() {
	c.advance() // 'throw'
	c.expression()
	c.emitOp(bytecode.OpThrow)
}

// ---- try / except / finally ----

// tryStatement compiles `try: BODY [except [name]: HANDLER] [finally:
// FINALLY] end`. TRY registers a handler whose catch target is patched
// to the except dispatch point (or straight to finally, if there's no
// except clause); a hidden boolean-ish local remembers whether an
// uncaught exception is pending so finally can run on both the normal
// and exceptional path before re-throwing (spec §4.6).
func (c *Compiler) tryStatement() {
	c.advance() // 'try'
	c.beginScope()
	tryJump := c.emitJump(bytecode.OpTry)

	bodyIndented := c.openBlock()
	c.beginScope()
	c.blockStatements(bodyIndented, lexer.TokenExcept, lexer.TokenFinally)
	c.endScope()
	if bodyIndented {
		c.match(lexer.TokenDedent)
	}
	c.emitOp(bytecode.OpEndTry)

	c.emitOp(bytecode.OpFalse)
	pendingSlot := len(c.current.locals)
	c.declareLocal("", "")

	toFinally := c.emitJump(bytecode.OpJump)
	c.patchJump(tryJump) // exception lands here; exception value on stack top
	// The handler cuts the stack back to its height at TRY, so the exception
	// sits in pendingSlot; push a false flag under it so the flag is in
	// pendingSlot and the exception in the slot above.
	c.emitOp(bytecode.OpFalse)
	c.emitOp(bytecode.OpSwap)

	hasExcept := c.check(lexer.TokenExcept)
	if hasExcept {
		c.advance()
		c.beginScope()
		if c.check(lexer.TokenIdent) {
			name := c.advance().Lexeme
			c.declareLocal(name, "")
		} else {
			c.emitOp(bytecode.OpPop)
		}
		exceptIndented := c.openBlock()
		c.blockStatements(exceptIndented, lexer.TokenFinally)
		c.endScope()
		if exceptIndented {
			c.match(lexer.TokenDedent)
		}
	} else {
		c.emitOpByte(bytecode.OpSetLocal, byte(pendingSlot))
		c.emitOp(bytecode.OpPop)
	}
	c.patchJump(toFinally)

	if c.check(lexer.TokenFinally) {
		c.advance()
		finIndented := c.openBlock()
		c.beginScope()
		c.blockStatements(finIndented)
		c.endScope()
		c.closeBlock(finIndented)
	} else {
		c.expect(lexer.TokenEnd, "expected 'end' to close try statement")
	}

	if !hasExcept {
		c.emitOpByte(bytecode.OpGetLocal, byte(pendingSlot))
		rethrowSkip := c.emitJump(bytecode.OpJumpIfFalse)
		c.emitOp(bytecode.OpPop)
		c.emitOpByte(bytecode.OpGetLocal, byte(pendingSlot))
		c.emitOp(bytecode.OpThrow)
		c.patchJump(rethrowSkip)
		c.emitOp(bytecode.OpPop)
	}
	c.endScope()
}

// ---- import ----

func (c *Compiler) importStatement() {
	if c.match(lexer.TokenFrom) {
		modName := c.expect(lexer.TokenIdent, "expected module name").Lexeme
		c.expect(lexer.TokenImport, "expected 'import' after module name")
		if c.match(lexer.TokenStar) {
			idx := c.chunk().AddConstant(value.NewString(modName))
			c.emitOpByte(bytecode.OpImportStar, byte(idx))
			return
		}
		names := []string{c.expect(lexer.TokenIdent, "expected imported name").Lexeme}
		for c.match(lexer.TokenComma) {
			names = append(names, c.expect(lexer.TokenIdent, "expected imported name").Lexeme)
		}
		modIdx := c.chunk().AddConstant(value.NewString(modName))
		c.emitOpByte(bytecode.OpImport, byte(modIdx))
		for _, nm := range names {
			c.emitOp(bytecode.OpDup)
			c.emitConstant(value.NewString(nm))
			c.emitOp(bytecode.OpGetTable)
			c.bindName(nm)
		}
		c.emitOp(bytecode.OpPop) // discard the module table itself
		return
	}

	c.advance() // 'import'
	modName := c.expect(lexer.TokenIdent, "expected module name").Lexeme
	bindAs := modName
	if c.match(lexer.TokenAs) {
		bindAs = c.expect(lexer.TokenIdent, "expected alias name after 'as'").Lexeme
	}
	modIdx := c.chunk().AddConstant(value.NewString(modName))
	c.emitOpByte(bytecode.OpImport, byte(modIdx))
	c.bindName(bindAs)
}

// bindName binds the value currently on the stack top to name, as a
// local in the enclosing scope or a global at top level.
func (c *Compiler) bindName(name string) {
	if c.current.scopeDepth == 0 {
		idx := c.chunk().AddConstant(value.NewString(name))
		c.emitOpByte(bytecode.OpDefineGlobal, byte(idx))
	} else {
		c.declareLocal(name, "")
	}
}

// ---- match ----

// matchStatement desugars `match expr: case v1: ... case v2: ... case _:
// ... end` into an equality-chained if/elif/else over a hidden subject
// local; `_` is the wildcard/else arm.
func (c *Compiler) matchStatement() {
	c.advance() // 'match'
	c.beginScope()
	c.expression()
	subjSlot := len(c.current.locals)
	c.declareLocal("", "")

	c.expect(lexer.TokenColon, "expected ':' after match subject")
	c.skipNewlines()
	indented := c.match(lexer.TokenIndent)

	var endJumps []int
	for {
		if c.check(lexer.TokenEOF) {
			break
		}
		if indented && c.check(lexer.TokenDedent) {
			break
		}
		if !indented && c.check(lexer.TokenEnd) {
			break
		}
		c.expect(lexer.TokenCase, "expected 'case' in match body")
		wildcard := c.check(lexer.TokenIdent) && c.peek().Lexeme == "_"

		hasNext := false
		var nextJump int
		if wildcard {
			c.advance()
		} else {
			c.emitOpByte(bytecode.OpGetLocal, byte(subjSlot))
			c.expression()
			c.emitOp(bytecode.OpEqual)
			nextJump = c.emitJump(bytecode.OpJumpIfFalse)
			hasNext = true
			c.emitOp(bytecode.OpPop)
		}

		caseIndented := c.openBlock()
		c.beginScope()
		c.blockStatements(caseIndented, lexer.TokenCase)
		c.endScope()
		if caseIndented {
			c.match(lexer.TokenDedent)
		}

		endJumps = append(endJumps, c.emitJump(bytecode.OpJump))
		if hasNext {
			c.patchJump(nextJump)
			c.emitOp(bytecode.OpPop)
		}
		if wildcard {
			break
		}
		c.skipStatementSeparators()
	}
	for _, j := range endJumps {
		c.patchJump(j)
	}
	if indented {
		c.match(lexer.TokenDedent)
		c.match(lexer.TokenEnd)
	} else {
		c.expect(lexer.TokenEnd, "expected 'end' to close match")
	}
	c.endScope()
}

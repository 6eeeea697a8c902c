// Package compiler implements Vela's single-pass compiler (spec §4.2): a
// Pratt-style expression parser fused with a recursive-descent statement
// parser that emits bytecode directly into the current function's chunk.
// No AST is ever materialized.
package compiler

import (
	"fmt"

	"vela/internal/bytecode"
	"vela/internal/lexer"
	"vela/internal/value"
)

type localVar struct {
	name     string
	depth    int
	captured bool
	isConst  bool
	typeHint string
}

// loopCtx tracks break/continue patch points for the innermost loop.
type loopCtx struct {
	breakJumps  []int
	continueTo  int // LOOP target ip for `continue`; -1 if continue re-jumps via a patch list instead
	continueJumps []int
	scopeDepth  int
}

// funcState is the compiler's per-function bookkeeping: its chunk, the
// locals-as-a-slot-stack (mapping 1:1 onto runtime frame-relative stack
// slots), and the enclosing function needed to resolve upvalues.
type funcState struct {
	enclosing *funcState
	fn        *value.Function
	locals    []localVar
	scopeDepth int
	upvalues  []value.UpvalueDesc
	loops     []*loopCtx
	isMethod  bool
	hasYield  bool
}

// Compiler is the single-pass parser+emitter. It owns the token stream
// for the whole source unit; entering a nested function pushes a new
// funcState and continues consuming the same stream.
type Compiler struct {
	tokens   []lexer.Token
	pos      int
	fileName string
	current  *funcState
	Errors   []error
}

func NewCompiler(tokens []lexer.Token, fileName string) *Compiler {
	c := &Compiler{tokens: tokens, fileName: fileName}
	c.pushFunc("<script>", false)
	return c
}

// Compile drives the whole token stream to completion and returns the
// top-level script function, peephole-optimized, or an error if any
// compile error was recorded.
func (c *Compiler) Compile() (*value.Function, error) {
	c.skipNewlines()
	for !c.check(lexer.TokenEOF) {
		c.declaration()
		c.skipStatementSeparators()
	}
	fn := c.endFunction()
	if len(c.Errors) > 0 {
		return nil, c.Errors[0]
	}
	return fn, nil
}

func (c *Compiler) pushFunc(name string, variadic bool) {
	fn := &value.Function{Name: name, Chunk: bytecode.NewChunk()}
	fs := &funcState{enclosing: c.current, fn: fn}
	// Slot 0 is reserved for the receiver/called-closure itself, mirroring
	// the runtime call convention (spec §4.2: `self` occupies parameter 0).
	fs.locals = append(fs.locals, localVar{name: "", depth: 0})
	c.current = fs
}

func (c *Compiler) endFunction() *value.Function {
	c.emitReturn()
	fn := c.current.fn
	fn.UpvalueCount = len(c.current.upvalues)
	fn.IsGenerator = c.current.hasYield
	Optimize(fn.Chunk)
	c.current = c.current.enclosing
	return fn
}

func (c *Compiler) chunk() *bytecode.Chunk { return c.current.fn.Chunk }

func (c *Compiler) errorAt(tok lexer.Token, msg string) {
	c.Errors = append(c.Errors, fmt.Errorf("%s:%d: %s", c.fileName, tok.Line, msg))
}

func (c *Compiler) errorHere(msg string) { c.errorAt(c.peek(), msg) }

// ---- token stream helpers ----

func (c *Compiler) peek() lexer.Token  { return c.tokens[c.pos] }
func (c *Compiler) peekAt(n int) lexer.Token {
	if c.pos+n >= len(c.tokens) {
		return c.tokens[len(c.tokens)-1]
	}
	return c.tokens[c.pos+n]
}
func (c *Compiler) previous() lexer.Token { return c.tokens[c.pos-1] }
func (c *Compiler) check(t lexer.TokenType) bool { return c.peek().Type == t }
func (c *Compiler) atEnd() bool { return c.check(lexer.TokenEOF) }

func (c *Compiler) advance() lexer.Token {
	if !c.atEnd() {
		c.pos++
	}
	return c.previous()
}

func (c *Compiler) match(t lexer.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) expect(t lexer.TokenType, msg string) lexer.Token {
	if c.check(t) {
		return c.advance()
	}
	c.errorHere(msg)
	return c.peek()
}

// skipNewlines consumes any run of NEWLINE tokens (blank lines).
func (c *Compiler) skipNewlines() {
	for c.check(lexer.TokenNewline) {
		c.advance()
	}
}

// skipStatementSeparators consumes the `;`/NEWLINE run between statements.
func (c *Compiler) skipStatementSeparators() {
	for c.check(lexer.TokenSemi) || c.check(lexer.TokenNewline) {
		c.advance()
	}
}

func (c *Compiler) debugInfo() bytecode.DebugInfo {
	t := c.previous()
	return bytecode.DebugInfo{Line: t.Line, Column: t.Column, File: c.fileName, Function: c.current.fn.Name}
}

// ---- emission helpers ----

func (c *Compiler) emitOp(op bytecode.OpCode) {
	c.chunk().WriteOpWithDebug(op, c.debugInfo())
}

func (c *Compiler) emitByte(b byte) {
	c.chunk().WriteByteWithDebug(b, c.debugInfo())
}

func (c *Compiler) emitOpByte(op bytecode.OpCode, b byte) {
	c.emitOp(op)
	c.emitByte(b)
}

func (c *Compiler) emitConstant(v value.Value) {
	idx := c.chunk().AddConstant(v)
	c.emitOpByte(bytecode.OpConstant, byte(idx))
}

func (c *Compiler) emitReturn() {
	c.emitOp(bytecode.OpNil)
	c.emitOp(bytecode.OpReturn)
}

// emitJump writes a jump opcode with a placeholder 2-byte offset and
// returns the offset of that placeholder for later patching.
func (c *Compiler) emitJump(op bytecode.OpCode) int {
	c.emitOp(op)
	return c.chunk().WriteUint16(0, c.debugInfo())
}

func (c *Compiler) patchJump(pos int) {
	target := len(c.chunk().Code) - (pos + 2)
	c.chunk().PatchUint16(pos, target)
}

// emitLoop emits a LOOP instruction that jumps backward to loopStart.
func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(bytecode.OpLoop)
	offset := len(c.chunk().Code) - loopStart + 2
	c.chunk().WriteUint16(offset, c.debugInfo())
}

// emitForPrep emits FOR_PREP <slot> <jump>: the VM tests the numeric
// for-loop's three control values (at slot, slot+1, slot+2) and, if the
// loop would run zero times, jumps forward past the body.
func (c *Compiler) emitForPrep(slot byte) int {
	c.emitOp(bytecode.OpForPrep)
	c.emitByte(slot)
	return c.chunk().WriteUint16(0, c.debugInfo())
}

// emitForLoop emits FOR_LOOP <slot> <back-jump>: the VM increments the
// control value at slot by the step at slot+2, and if still within range
// (compared against the limit at slot+1) updates the visible loop
// variable at slot+3 and jumps back to loopStart.
func (c *Compiler) emitForLoop(slot byte, loopStart int) {
	c.emitOp(bytecode.OpForLoop)
	c.emitByte(slot)
	offset := len(c.chunk().Code) - loopStart + 2
	c.chunk().WriteUint16(offset, c.debugInfo())
}

// popLocalsToDepth emits the POP/CLOSE_UPVALUE instructions needed to
// unwind the runtime stack down to depth, without touching the
// compiler's own locals bookkeeping (used by break/continue, which jump
// out of scopes whose normal endScope cleanup hasn't run yet).
func (c *Compiler) popLocalsToDepth(depth int) {
	fs := c.current
	for i := len(fs.locals) - 1; i >= 0 && fs.locals[i].depth > depth; i-- {
		if fs.locals[i].captured {
			c.emitOp(bytecode.OpCloseUpvalue)
		} else {
			c.emitOp(bytecode.OpPop)
		}
	}
}

// ---- scope / locals ----

func (c *Compiler) beginScope() { c.current.scopeDepth++ }

func (c *Compiler) endScope() {
	c.current.scopeDepth--
	fs := c.current
	for len(fs.locals) > 0 && fs.locals[len(fs.locals)-1].depth > fs.scopeDepth {
		last := fs.locals[len(fs.locals)-1]
		if last.captured {
			c.emitOp(bytecode.OpCloseUpvalue)
		} else {
			c.emitOp(bytecode.OpPop)
		}
		fs.locals = fs.locals[:len(fs.locals)-1]
	}
}

// declareLocal registers name as a local occupying the next stack slot
// (the value it refers to must already be pushed by the caller). An
// empty name marks a compiler-internal hidden slot (loop control
// variables and the like) and is exempt from the redeclaration check.
func (c *Compiler) declareLocal(name string, typeHint string) {
	fs := c.current
	if name != "" {
		for i := len(fs.locals) - 1; i >= 0; i-- {
			if fs.locals[i].depth < fs.scopeDepth {
				break
			}
			if fs.locals[i].name == name {
				c.errorHere(fmt.Sprintf("'%s' already declared in this scope", name))
				return
			}
		}
	}
	fs.locals = append(fs.locals, localVar{name: name, depth: fs.scopeDepth, typeHint: typeHint})
}

func resolveLocal(fs *funcState, name string) int {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return i
		}
	}
	return -1
}

// resolveUpvalue walks enclosing functions looking for name as a local;
// the first ancestor that has it marks that slot captured, and every
// intermediate function gets an upvalue entry chaining back to it
// (spec §4.2).
func resolveUpvalue(fs *funcState, name string) int {
	if fs.enclosing == nil {
		return -1
	}
	if slot := resolveLocal(fs.enclosing, name); slot != -1 {
		fs.enclosing.locals[slot].captured = true
		return addUpvalue(fs, slot, true)
	}
	if up := resolveUpvalue(fs.enclosing, name); up != -1 {
		return addUpvalue(fs, up, false)
	}
	return -1
}

func addUpvalue(fs *funcState, index int, isLocal bool) int {
	for i, u := range fs.upvalues {
		if u.Index == index && u.IsLocal == isLocal {
			return i
		}
	}
	fs.upvalues = append(fs.upvalues, value.UpvalueDesc{IsLocal: isLocal, Index: index})
	return len(fs.upvalues) - 1
}

// ---- expression parsing (Pratt) ----

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *Compiler) parsePrecedence(prec precedence) {
	tok := c.advance()
	rule := getRule(tok.Type)
	if rule.prefix == nil {
		c.errorAt(tok, fmt.Sprintf("unexpected token %s in expression", tok.Type))
		return
	}
	canAssign := prec <= precAssignment
	rule.prefix(c, canAssign)

	for prec <= getRule(c.peek().Type).precedence {
		// ':' continues an expression only as a method call, written with
		// the name right after the colon and followed by '('; any other ':'
		// ends the expression (a block header or a slice step).
		if c.check(lexer.TokenColon) {
			colon, name := c.peek(), c.peekAt(1)
			if name.Type != lexer.TokenIdent || name.Line != colon.Line || name.Column != colon.Column+1 || c.peekAt(2).Type != lexer.TokenLParen {
				break
			}
		}
		c.advance()
		infix := getRule(c.previous().Type).infix
		if infix == nil {
			break
		}
		infix(c, canAssign)
	}

	if canAssign && c.match(lexer.TokenEqual) {
		c.errorHere("invalid assignment target")
	}
}

func (c *Compiler) number(canAssign bool) {
	tok := c.previous()
	var n float64
	fmt.Sscanf(tok.Lexeme, "%g", &n)
	c.emitConstant(n)
}

func (c *Compiler) stringLit(canAssign bool) {
	c.emitConstant(value.NewString(c.previous().Lexeme))
}

func (c *Compiler) rawString(canAssign bool) {
	c.emitConstant(value.NewString(c.previous().Lexeme))
}

// interpString compiles a `"...{expr}..."` literal into a sequence of
// pushed parts followed by BUILD_STRING n (spec §4.1).
func (c *Compiler) interpString(canAssign bool) {
	tok := c.previous()
	n := 0
	for _, part := range tok.Parts {
		if part.Text == "" && !part.IsExpr {
			continue
		}
		if part.IsExpr {
			sub := NewCompiler(lexFragment(part.Text), c.fileName)
			sub.current = c.current // emit straight into this function so locals, upvalues and constants resolve here
			sub.compileSubExpression()
		} else {
			c.emitConstant(value.NewString(part.Text))
		}
		n++
	}
	if n == 0 {
		c.emitConstant(value.NewString(""))
		n = 1
	}
	c.emitOpByte(bytecode.OpBuildString, byte(n))
}

// compileSubExpression parses a single expression from this sub-compiler's
// full token stream (used for interpolation fragments only).
func (c *Compiler) compileSubExpression() {
	c.expression()
}

// spliceSub appends a sub-compiler's emitted code onto c's current chunk,
// adding the pre-splice constant-pool length to CONSTANT and global-name
// operands and copying local/upvalue operands unchanged; every other byte
// is copied as an opcode. Nothing calls it: interpString compiles its
// fragments directly into the enclosing function.
func (c *Compiler) spliceSub(sub *Compiler) {
	src := sub.chunk()
	base := len(c.chunk().Constants)
	for _, k := range src.Constants {
		c.chunk().AddConstant(k)
	}
	for i := 0; i < len(src.Code); i++ {
		op := bytecode.OpCode(src.Code[i])
		c.emitOp(op)
		switch op {
		case bytecode.OpConstant, bytecode.OpGetLocal, bytecode.OpSetLocal,
			bytecode.OpGetUpvalue, bytecode.OpSetUpvalue:
			i++
			operand := int(src.Code[i])
			if op == bytecode.OpConstant {
				operand += base
			}
			c.emitByte(byte(operand))
		case bytecode.OpGetGlobal, bytecode.OpDefineGlobal, bytecode.OpSetGlobal:
			i++
			c.emitByte(byte(int(src.Code[i]) + base))
		}
	}
}

// lexFragment re-tokenizes an interpolation fragment's source text as a
// standalone (non-indentation-sensitive, single-expression) token list.
func lexFragment(src string) []lexer.Token {
	s := lexer.NewScanner(src)
	toks := s.ScanTokens()
	// Strip the synthetic NEWLINE/INDENT/DEDENT/EOF noise an expression
	// fragment never needs, keeping only the content tokens plus a
	// trailing EOF so parsePrecedence can run as it would on real input.
	out := make([]lexer.Token, 0, len(toks))
	for _, t := range toks {
		switch t.Type {
		case lexer.TokenNewline, lexer.TokenIndent, lexer.TokenDedent:
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 || out[len(out)-1].Type != lexer.TokenEOF {
		out = append(out, lexer.Token{Type: lexer.TokenEOF})
	}
	return out
}

func (c *Compiler) literal(canAssign bool) {
	switch c.previous().Type {
	case lexer.TokenTrue:
		c.emitOp(bytecode.OpTrue)
	case lexer.TokenFalse:
		c.emitOp(bytecode.OpFalse)
	case lexer.TokenNil:
		c.emitOp(bytecode.OpNil)
	}
}

func (c *Compiler) grouping(canAssign bool) {
	c.expression()
	c.expect(lexer.TokenRParen, "expected ')' after expression")
}

func (c *Compiler) unary(canAssign bool) {
	op := c.previous().Type
	c.parsePrecedence(precUnary)
	switch op {
	case lexer.TokenMinus:
		c.emitOp(bytecode.OpNegate)
	case lexer.TokenNot:
		c.emitOp(bytecode.OpNot)
	case lexer.TokenHash:
		c.emitOp(bytecode.OpLength)
	}
}

func (c *Compiler) binary(canAssign bool) {
	op := c.previous().Type
	rule := getRule(op)
	// Left-assoc ops parse the RHS one level tighter; `^` is right-assoc.
	if op == lexer.TokenCaret {
		c.parsePrecedence(rule.precedence)
	} else {
		c.parsePrecedence(rule.precedence + 1)
	}
	switch op {
	case lexer.TokenPlus:
		c.emitOp(bytecode.OpAdd)
	case lexer.TokenMinus:
		c.emitOp(bytecode.OpSubtract)
	case lexer.TokenStar:
		c.emitOp(bytecode.OpMultiply)
	case lexer.TokenSlash:
		c.emitOp(bytecode.OpDivide)
	case lexer.TokenSlash2:
		c.emitOp(bytecode.OpIntDiv)
	case lexer.TokenPercent:
		c.emitOp(bytecode.OpModulo)
	case lexer.TokenCaret:
		c.emitOp(bytecode.OpPower)
	case lexer.TokenDoubleEq:
		c.emitOp(bytecode.OpEqual)
	case lexer.TokenNotEq:
		c.emitOp(bytecode.OpEqual)
		c.emitOp(bytecode.OpNot)
	case lexer.TokenLT:
		c.emitOp(bytecode.OpLess)
	case lexer.TokenLE:
		c.emitOp(bytecode.OpGreater)
		c.emitOp(bytecode.OpNot)
	case lexer.TokenGT:
		c.emitOp(bytecode.OpGreater)
	case lexer.TokenGE:
		c.emitOp(bytecode.OpLess)
		c.emitOp(bytecode.OpNot)
	case lexer.TokenIn:
		c.emitOp(bytecode.OpIn)
	case lexer.TokenHas:
		c.emitOp(bytecode.OpHas)
	}
}

// rangeOrConcat handles `..`: between two expressions in an index/slice
// context it's a range, but the grammar resolves that at the call site
// (`SLICE`); as a general binary operator `..` builds a range value.
func (c *Compiler) rangeOrConcat(canAssign bool) {
	c.parsePrecedence(precRange + 1)
	c.emitOp(bytecode.OpRange)
}

func (c *Compiler) and_(canAssign bool) {
	endJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func (c *Compiler) or_(canAssign bool) {
	elseJump := c.emitJump(bytecode.OpJumpIfFalse)
	endJump := c.emitJump(bytecode.OpJump)
	c.patchJump(elseJump)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *Compiler) selfExpr(canAssign bool) {
	c.resolveAndGet("self")
}

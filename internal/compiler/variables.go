package compiler

import (
	"vela/internal/bytecode"
	"vela/internal/lexer"
	"vela/internal/value"
)

// varKind identifies how an identifier resolved, so assignment can emit
// the matching SET instruction.
type varKind int

const (
	varGlobal varKind = iota
	varLocal
	varUpvalue
)

func (c *Compiler) resolveName(name string) (varKind, int) {
	if slot := resolveLocal(c.current, name); slot != -1 {
		return varLocal, slot
	}
	if slot := resolveUpvalue(c.current, name); slot != -1 {
		return varUpvalue, slot
	}
	return varGlobal, 0
}

func (c *Compiler) resolveAndGet(name string) {
	kind, slot := c.resolveName(name)
	switch kind {
	case varLocal:
		c.emitOpByte(bytecode.OpGetLocal, byte(slot))
	case varUpvalue:
		c.emitOpByte(bytecode.OpGetUpvalue, byte(slot))
	default:
		idx := c.chunk().AddConstant(value.NewString(name))
		c.emitOpByte(bytecode.OpGetGlobal, byte(idx))
	}
}

// variable is the prefix rule for a bare identifier: emits a GET, or a
// SET if canAssign and this identifier is immediately followed by `=`.
func (c *Compiler) variable(canAssign bool) {
	name := c.previous().Lexeme
	kind, slot := c.resolveName(name)

	if canAssign && c.check(lexer.TokenEqual) && c.peekAt(1).Type != lexer.TokenEqual {
		c.advance() // '='
		c.expression()
		switch kind {
		case varLocal:
			c.emitOpByte(bytecode.OpSetLocal, byte(slot))
		case varUpvalue:
			c.emitOpByte(bytecode.OpSetUpvalue, byte(slot))
		default:
			idx := c.chunk().AddConstant(value.NewString(name))
			c.emitOpByte(bytecode.OpSetGlobal, byte(idx))
		}
		return
	}

	switch kind {
	case varLocal:
		c.emitOpByte(bytecode.OpGetLocal, byte(slot))
	case varUpvalue:
		c.emitOpByte(bytecode.OpGetUpvalue, byte(slot))
	default:
		idx := c.chunk().AddConstant(value.NewString(name))
		c.emitOpByte(bytecode.OpGetGlobal, byte(idx))
	}
}

// dot compiles `.name` as a table/field access, or assignment to one when
// canAssign and it's immediately followed by `=`. GET_TABLE pops (key,
// receiver) and pushes the result; SET_TABLE pops (value, key, receiver)
// and pushes the receiver back (not the value), so a table/array literal
// or a class body can chain several SET_TABLE/APPEND calls against the
// same NEW_TABLE without re-fetching it. As an expression, `obj.x = v`
// therefore evaluates to obj, not v.
func (c *Compiler) dot(canAssign bool) {
	name := c.expect(lexer.TokenIdent, "expected field name after '.'").Lexeme
	keyIdx := c.chunk().AddConstant(value.NewString(name))

	if canAssign && c.check(lexer.TokenEqual) && c.peekAt(1).Type != lexer.TokenEqual {
		c.advance()
		c.emitOpByte(bytecode.OpConstant, byte(keyIdx)) // stack: receiver, key
		c.expression()                                  // stack: receiver, key, value
		c.emitOp(bytecode.OpSetTable)
		return
	}
	c.emitOpByte(bytecode.OpConstant, byte(keyIdx))
	c.emitOp(bytecode.OpGetTable)
}

// index compiles `[expr]` as either SLICE (when a `..` or `:` step
// appears inside the brackets) or plain GET_TABLE/SET_TABLE.
func (c *Compiler) index(canAssign bool) {
	if c.sliceAhead() {
		c.compileSlice()
		return
	}
	c.expression()
	c.expect(lexer.TokenRBracket, "expected ']' after index expression")

	if canAssign && c.check(lexer.TokenEqual) && c.peekAt(1).Type != lexer.TokenEqual {
		c.advance()
		c.expression() // stack is already receiver, key; push value on top
		c.emitOp(bytecode.OpSetTable)
		return
	}
	c.emitOp(bytecode.OpGetTable)
}

// sliceAhead performs a tiny bracket-balanced lookahead to see whether the
// current `[...]` contains a `..` range or `:` step marker at depth 0,
// which makes it a slice rather than a plain index.
func (c *Compiler) sliceAhead() bool {
	depth := 0
	for i := 0; ; i++ {
		t := c.peekAt(i)
		switch t.Type {
		case lexer.TokenLBracket, lexer.TokenLParen, lexer.TokenLBrace:
			depth++
		case lexer.TokenRBracket:
			if depth == 0 {
				return false
			}
			depth--
		case lexer.TokenRParen, lexer.TokenRBrace:
			depth--
		case lexer.TokenColon, lexer.TokenDotDot:
			if depth == 0 {
				return true
			}
		case lexer.TokenEOF:
			return false
		}
	}
}

// compileSlice parses `i..j:k` (any part optional) and emits SLICE,
// which consults __slice or falls back to numeric indexing (spec §4.2).
func (c *Compiler) compileSlice() {
	hasStart := !c.check(lexer.TokenColon) && !c.check(lexer.TokenDotDot)
	if hasStart {
		c.parsePrecedence(precRange + 1)
	} else {
		c.emitOp(bytecode.OpNil)
	}
	if c.match(lexer.TokenDotDot) {
		if !c.check(lexer.TokenColon) && !c.check(lexer.TokenRBracket) {
			c.parsePrecedence(precRange + 1)
		} else {
			c.emitOp(bytecode.OpNil)
		}
	} else {
		c.emitOp(bytecode.OpNil)
	}
	if c.match(lexer.TokenColon) {
		c.parsePrecedence(precRange + 1)
	} else {
		c.emitOp(bytecode.OpNil)
	}
	c.expect(lexer.TokenRBracket, "expected ']' to close slice")
	c.emitOp(bytecode.OpSlice)
}

func (c *Compiler) arrayLiteral(canAssign bool) {
	c.emitOp(bytecode.OpNewTable)
	if !c.check(lexer.TokenRBracket) {
		for {
			c.skipNewlines()
			if c.check(lexer.TokenRBracket) {
				break
			}
			c.expression()
			c.emitOp(bytecode.OpAppend)
			c.skipNewlines()
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.skipNewlines()
	c.expect(lexer.TokenRBracket, "expected ']' to close array literal")
}

// tableLiteral compiles `{k=v, ..., i=..., positional, ...}`: NEW_TABLE,
// then SET_TABLE for each keyed element and APPEND for positional ones.
func (c *Compiler) tableLiteral(canAssign bool) {
	c.emitOp(bytecode.OpNewTable)
	c.skipNewlines()
	for !c.check(lexer.TokenRBrace) {
		if (c.check(lexer.TokenIdent) && c.peekAt(1).Type == lexer.TokenEqual) ||
			c.check(lexer.TokenLBracket) {
			c.tableEntry()
		} else {
			c.expression()
			c.emitOp(bytecode.OpAppend)
		}
		c.skipNewlines()
		if !c.match(lexer.TokenComma) {
			break
		}
		c.skipNewlines()
	}
	c.expect(lexer.TokenRBrace, "expected '}' to close table literal")
}

func (c *Compiler) tableEntry() {
	if c.match(lexer.TokenLBracket) {
		c.expression()
		c.expect(lexer.TokenRBracket, "expected ']' after computed key")
	} else {
		name := c.expect(lexer.TokenIdent, "expected field name").Lexeme
		c.emitConstant(value.NewString(name))
	}
	c.expect(lexer.TokenEqual, "expected '=' in table entry")
	c.expression()
	c.emitOp(bytecode.OpSetTable)
}

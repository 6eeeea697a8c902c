package compiler

import (
	"vela/internal/bytecode"
	"vela/internal/lexer"
	"vela/internal/value"
)

// call compiles `(...)` as an infix operator on an already-pushed callee.
func (c *Compiler) call(canAssign bool) {
	c.finishCall(0)
}

// finishCall parses a parenthesized argument list and emits the matching
// CALL variant. leading counts positional arguments already sitting on
// the stack below the callee before this call began (used by methodCall
// to fold the receiver in as implicit argument 0). The calling
// convention (spec §4.6 "invoke_call_with_arg_count") reads the callee
// at peek(n), so arguments are simply pushed on top of it.
//
// Three argument forms may appear: plain positional args
// (CALL/CALL0/CALL1/CALL2), one or more `name=value` pairs collapsed into
// a single trailing table arg (CALL_NAMED), or a single `*expr` spread
// collapsed into a trailing table arg to unpack (CALL_EXPAND). When both
// named args and a spread are present, CALL_NAMED is emitted whatever
// their order. positional always counts only the
// plain args pushed before that trailing table.
func (c *Compiler) finishCall(leading int) {
	positional := leading
	hasNamed := false
	hasExpand := false

	c.skipNewlines()
	if !c.check(lexer.TokenRParen) {
		for {
			c.skipNewlines()
			if c.check(lexer.TokenRParen) {
				break
			}
			switch {
			case c.check(lexer.TokenStar):
				c.advance()
				c.expression()
				hasExpand = true
			case c.check(lexer.TokenIdent) && c.peekAt(1).Type == lexer.TokenEqual:
				if !hasNamed {
					c.emitOp(bytecode.OpNewTable)
					hasNamed = true
				}
				name := c.advance().Lexeme
				c.advance() // '='
				c.emitConstant(value.NewString(name))
				c.expression()
				c.emitOp(bytecode.OpSetTable)
			default:
				c.expression()
				positional++
			}
			c.skipNewlines()
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.skipNewlines()
	c.expect(lexer.TokenRParen, "expected ')' after arguments")

	switch {
	case hasNamed:
		c.emitOpByte(bytecode.OpCallNamed, byte(positional))
	case hasExpand:
		c.emitOpByte(bytecode.OpCallExpand, byte(positional))
	case positional == 0:
		c.emitOp(bytecode.OpCall0)
	case positional == 1:
		c.emitOp(bytecode.OpCall1)
	case positional == 2:
		c.emitOp(bytecode.OpCall2)
	default:
		c.emitOpByte(bytecode.OpCall, byte(positional))
	}
}

// methodCall compiles Vela's `:` message form, `recv:m(args)`, as sugar
// for `recv.m(recv, args)`. DUP saves a copy of the receiver for the
// GET_TABLE lookup while the original stays put; SWAP then puts the
// looked-up method below the receiver, so the receiver naturally becomes
// positional argument 0 once finishCall pushes the rest.
func (c *Compiler) methodCall(canAssign bool) {
	name := c.expect(lexer.TokenIdent, "expected method name after ':'").Lexeme
	keyIdx := c.chunk().AddConstant(value.NewString(name))
	c.emitOp(bytecode.OpDup)
	c.emitOpByte(bytecode.OpConstant, byte(keyIdx))
	c.emitOp(bytecode.OpGetTable) // stack: recv, method
	c.emitOp(bytecode.OpSwap)     // stack: method, recv
	c.expect(lexer.TokenLParen, "expected '(' after method name")
	c.finishCall(1)
}

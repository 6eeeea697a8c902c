package compiler

import (
	"vela/internal/bytecode"
	"vela/internal/lexer"
)

// yieldExpr compiles `yield [expr]` as an expression: its value is
// whatever the thread's resumer passes back into Resume. Any function
// containing a yield is compiled as a generator (fn.IsGenerator).
func (c *Compiler) yieldExpr(canAssign bool) {
	c.current.hasYield = true
	if c.atStatementEnd() || c.check(lexer.TokenRParen) || c.check(lexer.TokenComma) {
		c.emitOp(bytecode.OpNil)
	} else {
		c.parsePrecedence(precAssignment + 1)
	}
	c.emitOp(bytecode.OpYield)
}

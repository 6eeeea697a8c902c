package compiler

import (
	"fmt"

	"vela/internal/bytecode"
	"vela/internal/lexer"
	"vela/internal/value"
)

// functionLiteral is the prefix rule for `fn`, used both for anonymous
// function expressions and (via compileFunctionBody) for named/method
// declarations parsed in statements.go.
func (c *Compiler) functionLiteral(canAssign bool) {
	c.compileFunctionBody("", false)
}

// compileFunctionBody parses a parameter list and body starting right
// after `fn` (and, for named forms, right after the name) and leaves the
// resulting closure on the stack via CLOSURE. isMethod marks the
// implicit `self` receiver parameter used by `fn obj.m(...)` and `:`
// message dispatch.
func (c *Compiler) compileFunctionBody(name string, isMethod bool) {
	c.pushFunc(name, false)
	fs := c.current
	fs.fn.IsSelf = isMethod
	fs.isMethod = isMethod
	if isMethod {
		fs.locals[0].name = "self"
	}

	c.expect(lexer.TokenLParen, "expected '(' after function name")
	c.skipNewlines()
	if !c.check(lexer.TokenRParen) {
		for {
			c.skipNewlines()
			if c.match(lexer.TokenStar) {
				pname := c.expect(lexer.TokenIdent, "expected parameter name after '*'").Lexeme
				c.declareLocal(pname, "")
				fs.fn.IsVariadic = true
				fs.fn.ParamNames = append(fs.fn.ParamNames, pname)
				fs.fn.ParamHints = append(fs.fn.ParamHints, "")
				break
			}
			pname := c.expect(lexer.TokenIdent, "expected parameter name").Lexeme
			hint := ""
			if c.match(lexer.TokenColon) {
				hint = c.expect(lexer.TokenIdent, "expected type hint after ':'").Lexeme
			}
			c.declareLocal(pname, hint)
			fs.fn.ParamNames = append(fs.fn.ParamNames, pname)
			fs.fn.ParamHints = append(fs.fn.ParamHints, hint)
			fs.fn.Arity++
			if c.match(lexer.TokenEqual) {
				fs.fn.Defaults = append(fs.fn.Defaults, c.parseConstDefault())
			}
			c.skipNewlines()
			if !c.match(lexer.TokenComma) {
				break
			}
		}
	}
	c.skipNewlines()
	c.expect(lexer.TokenRParen, "expected ')' to close parameter list")

	c.block()

	fn := c.endFunction()
	fn.Name = name

	idx := c.chunk().AddConstant(fn)
	c.emitOpByte(bytecode.OpClosure, byte(idx))
	for _, uv := range fs.upvalues {
		if uv.IsLocal {
			c.emitByte(1)
		} else {
			c.emitByte(0)
		}
		c.emitByte(byte(uv.Index))
	}
}

// parseConstDefault parses a single literal token as a parameter default.
// Defaults are restricted to literals (spec: stored as plain Values on
// the Function, not re-evaluated bytecode).
func (c *Compiler) parseConstDefault() value.Value {
	tok := c.advance()
	switch tok.Type {
	case lexer.TokenNumber:
		var n float64
		fmt.Sscanf(tok.Lexeme, "%g", &n)
		return n
	case lexer.TokenString:
		return value.NewString(tok.Lexeme)
	case lexer.TokenTrue:
		return true
	case lexer.TokenFalse:
		return false
	case lexer.TokenNil:
		return nil
	case lexer.TokenMinus:
		if c.check(lexer.TokenNumber) {
			n2 := c.advance()
			var n float64
			fmt.Sscanf(n2.Lexeme, "%g", &n)
			return -n
		}
		c.errorAt(tok, "expected number after '-' in default value")
		return nil
	default:
		c.errorAt(tok, "default values must be a literal")
		return nil
	}
}

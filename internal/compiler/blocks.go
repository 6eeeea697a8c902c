package compiler

import "vela/internal/lexer"

// openBlock consumes the ':' that introduces a block body and reports
// whether the body uses indentation (INDENT consumed) rather than
// relying on an explicit trailing `end` (spec's hybrid grammar, §4.1/§8).
func (c *Compiler) openBlock() bool {
	c.expect(lexer.TokenColon, "expected ':' to open block")
	c.skipNewlines()
	return c.match(lexer.TokenIndent)
}

// blockStatements compiles declarations until a DEDENT/`end` (matching
// how the block was opened) or one of stops is seen, without consuming
// the terminator.
func (c *Compiler) blockStatements(indented bool, stops ...lexer.TokenType) {
	for {
		if c.check(lexer.TokenEOF) {
			return
		}
		if indented && c.check(lexer.TokenDedent) {
			return
		}
		if !indented && c.check(lexer.TokenEnd) {
			return
		}
		stopped := false
		for _, s := range stops {
			if c.check(s) {
				stopped = true
				break
			}
		}
		if stopped {
			return
		}
		c.declaration()
		c.skipStatementSeparators()
	}
}

// closeBlock consumes the terminator matching how the block was opened.
func (c *Compiler) closeBlock(indented bool) {
	if indented {
		c.match(lexer.TokenDedent)
		c.match(lexer.TokenEnd)
		return
	}
	c.expect(lexer.TokenEnd, "expected 'end' to close block")
}

// block parses a whole `: ... end`/`: <INDENT> ... <DEDENT>` body inside
// its own scope. Used by function bodies; the statement forms open and
// close their blocks themselves.
func (c *Compiler) block() {
	indented := c.openBlock()
	c.beginScope()
	c.blockStatements(indented)
	c.endScope()
	c.closeBlock(indented)
}

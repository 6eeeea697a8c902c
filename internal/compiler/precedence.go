package compiler

import "vela/internal/lexer"

// Precedence levels, low to high, exactly the order spec §4.2 specifies:
// or, and, comparison chain, range, additive, multiplicative, unary,
// power (right-assoc), call/index/slice, literal.
type precedence int

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precComparison
	precRange
	precTerm
	precFactor
	precUnary
	precPower
	precCall
	precPrimary
)

type parseRule struct {
	prefix     func(c *Compiler, canAssign bool)
	infix      func(c *Compiler, canAssign bool)
	precedence precedence
}

var rules map[lexer.TokenType]parseRule

func init() {
	rules = map[lexer.TokenType]parseRule{
		lexer.TokenLParen:   {(*Compiler).grouping, (*Compiler).call, precCall},
		lexer.TokenLBracket: {(*Compiler).arrayLiteral, (*Compiler).index, precCall},
		lexer.TokenLBrace:   {(*Compiler).tableLiteral, nil, precNone},
		lexer.TokenDot:      {nil, (*Compiler).dot, precCall},
		lexer.TokenColon:    {nil, (*Compiler).methodCall, precCall},
		lexer.TokenMinus:    {(*Compiler).unary, (*Compiler).binary, precTerm},
		lexer.TokenPlus:     {nil, (*Compiler).binary, precTerm},
		lexer.TokenSlash:    {nil, (*Compiler).binary, precFactor},
		lexer.TokenSlash2:   {nil, (*Compiler).binary, precFactor},
		lexer.TokenStar:     {nil, (*Compiler).binary, precFactor},
		lexer.TokenPercent:  {nil, (*Compiler).binary, precFactor},
		lexer.TokenCaret:    {nil, (*Compiler).binary, precPower},
		lexer.TokenHash:     {(*Compiler).unary, nil, precNone},
		lexer.TokenNot:      {(*Compiler).unary, nil, precNone},
		lexer.TokenDoubleEq: {nil, (*Compiler).binary, precComparison},
		lexer.TokenNotEq:    {nil, (*Compiler).binary, precComparison},
		lexer.TokenLT:       {nil, (*Compiler).binary, precComparison},
		lexer.TokenGT:       {nil, (*Compiler).binary, precComparison},
		lexer.TokenLE:       {nil, (*Compiler).binary, precComparison},
		lexer.TokenGE:       {nil, (*Compiler).binary, precComparison},
		lexer.TokenIn:       {nil, (*Compiler).binary, precComparison},
		lexer.TokenHas:      {nil, (*Compiler).binary, precComparison},
		lexer.TokenDotDot:   {nil, (*Compiler).rangeOrConcat, precRange},
		lexer.TokenAnd:      {nil, (*Compiler).and_, precAnd},
		lexer.TokenOr:       {nil, (*Compiler).or_, precOr},
		lexer.TokenNumber:      {(*Compiler).number, nil, precNone},
		lexer.TokenString:      {(*Compiler).stringLit, nil, precNone},
		lexer.TokenInterpPart:  {(*Compiler).interpString, nil, precNone},
		lexer.TokenRaw:         {(*Compiler).rawString, nil, precNone},
		lexer.TokenTrue:        {(*Compiler).literal, nil, precNone},
		lexer.TokenFalse:       {(*Compiler).literal, nil, precNone},
		lexer.TokenNil:         {(*Compiler).literal, nil, precNone},
		lexer.TokenIdent:       {(*Compiler).variable, nil, precNone},
		lexer.TokenSelf:        {(*Compiler).selfExpr, nil, precNone},
		lexer.TokenFn:          {(*Compiler).functionLiteral, nil, precNone},
		lexer.TokenYield:       {(*Compiler).yieldExpr, nil, precNone},
	}
}

func getRule(t lexer.TokenType) parseRule {
	if r, ok := rules[t]; ok {
		return r
	}
	return parseRule{nil, nil, precNone}
}

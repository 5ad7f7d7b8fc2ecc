// Package parser parses FHIRPath expressions into the syntax tree of package ast.
//
// The parser is a hand-written recursive descent parser using precedence
// climbing for binary operators. Syntax errors are reported as
// *fhirpath.Error of kind fhirpath.ParseError carrying the byte offset of the
// offending token.
//
// Example:
//
//	expr, err := parser.Parse("Patient.name.where(use = 'official').given")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := fhirpath.NewEvaluator().Evaluate(ctx, expr, env)
package parser

import (
	"fmt"
	"strings"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
)

// Parse parses a FHIRPath expression.
func Parse(expr string) (ast.Expression, error) {
	p := newParser(expr)
	return p.parse()
}

// MustParse parses a FHIRPath expression and panics on syntax errors.
//
// This function is useful when you know the expression is valid,
// such as in tests or with hardcoded expressions.
func MustParse(expr string) ast.Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Binding powers, higher values bind more tightly.
const (
	bpNone = iota * 10
	bpImplies
	bpOr
	bpAnd
	bpMembership
	bpEquality
	bpInequality
	bpUnion
	bpType
	bpAdditive
	bpMultiplicative
	bpPolarity
	bpPostfix
)

type parser struct {
	lexer   *Lexer
	current Token
}

func newParser(input string) *parser {
	p := &parser{lexer: NewLexer(input)}
	p.advance()
	return p
}

func (p *parser) parse() (ast.Expression, error) {
	if p.current.Type == TokenEOF {
		return nil, p.errorAt(p.current, "empty expression")
	}
	expr, err := p.parseExpression(bpNone)
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.unexpected()
	}
	return expr, nil
}

func (p *parser) advance() {
	p.current = p.lexer.Next()
}

func (p *parser) expect(tt TokenType) error {
	if p.current.Type != tt {
		return p.errorAt(p.current, fmt.Sprintf("expected %s but got %s", tt, describe(p.current)))
	}
	p.advance()
	return nil
}

func (p *parser) errorAt(t Token, message string) error {
	if t.Type == TokenError {
		message = t.Value
	}
	return &fhirpath.Error{
		Kind:     fhirpath.ParseError,
		Message:  message,
		Position: t.Position,
	}
}

func (p *parser) unexpected() error {
	return p.errorAt(p.current, fmt.Sprintf("unexpected %s", describe(p.current)))
}

func describe(t Token) string {
	switch t.Type {
	case TokenEOF:
		return "end of expression"
	case TokenIdentifier, TokenNumber, TokenLongNumber:
		return fmt.Sprintf("%q", t.Value)
	}
	if t.Value != "" {
		return fmt.Sprintf("%s %q", t.Type, t.Value)
	}
	return t.Type.String()
}

// infix returns the binding power of the current token as binary operator.
func (p *parser) infix() int {
	switch p.current.Type {
	case TokenDot, TokenBracketOpen:
		return bpPostfix
	case TokenMult, TokenDiv:
		return bpMultiplicative
	case TokenPlus, TokenMinus, TokenConcat:
		return bpAdditive
	case TokenPipe:
		return bpUnion
	case TokenLess, TokenLessEqual, TokenGreater, TokenGreaterEqual:
		return bpInequality
	case TokenEqual, TokenNotEqual, TokenEquivalent, TokenNotEquiv:
		return bpEquality
	case TokenIdentifier:
		switch p.current.Value {
		case "div", "mod":
			return bpMultiplicative
		case "is", "as":
			return bpType
		case "in", "contains":
			return bpMembership
		case "and":
			return bpAnd
		case "or", "xor":
			return bpOr
		case "implies":
			return bpImplies
		}
	}
	return bpNone
}

func (p *parser) parseExpression(minBP int) (ast.Expression, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		bp := p.infix()
		if bp == bpNone || bp <= minBP {
			return left, nil
		}
		op := p.current
		p.advance()

		switch {
		case op.Type == TokenDot:
			inv, err := p.parseInvocation()
			if err != nil {
				return nil, err
			}
			left = &ast.InvocationExpression{Left: left, Invocation: inv}
			continue
		case op.Type == TokenBracketOpen:
			index, err := p.parseExpression(bpNone)
			if err != nil {
				return nil, err
			}
			if err := p.expect(TokenBracketClose); err != nil {
				return nil, err
			}
			left = &ast.IndexerExpression{Left: left, Index: index}
			continue
		case bp == bpType:
			spec, err := p.parseTypeSpecifier()
			if err != nil {
				return nil, err
			}
			left = &ast.TypeExpression{Left: left, Op: ast.TypeOp(op.Value), Type: spec}
			continue
		}

		right, err := p.parseExpression(bp)
		if err != nil {
			return nil, err
		}
		left = binaryExpression(op, left, right)
	}
}

func binaryExpression(op Token, left, right ast.Expression) ast.Expression {
	switch op.Type {
	case TokenMult:
		return &ast.MultiplicativeExpression{Left: left, Op: ast.Multiply, Right: right}
	case TokenDiv:
		return &ast.MultiplicativeExpression{Left: left, Op: ast.Divide, Right: right}
	case TokenPlus:
		return &ast.AdditiveExpression{Left: left, Op: ast.Add, Right: right}
	case TokenMinus:
		return &ast.AdditiveExpression{Left: left, Op: ast.Subtract, Right: right}
	case TokenConcat:
		return &ast.AdditiveExpression{Left: left, Op: ast.Concat, Right: right}
	case TokenPipe:
		return &ast.UnionExpression{Left: left, Right: right}
	case TokenLess, TokenLessEqual, TokenGreater, TokenGreaterEqual:
		return &ast.InequalityExpression{Left: left, Op: ast.InequalityOp(op.Value), Right: right}
	case TokenEqual, TokenNotEqual, TokenEquivalent, TokenNotEquiv:
		return &ast.EqualityExpression{Left: left, Op: ast.EqualityOp(op.Value), Right: right}
	}

	switch op.Value {
	case "div", "mod":
		return &ast.MultiplicativeExpression{Left: left, Op: ast.MultiplicativeOp(op.Value), Right: right}
	case "in", "contains":
		return &ast.MembershipExpression{Left: left, Op: ast.MembershipOp(op.Value), Right: right}
	case "and":
		return &ast.AndExpression{Left: left, Right: right}
	case "or", "xor":
		return &ast.OrExpression{Left: left, Op: ast.OrOp(op.Value), Right: right}
	}
	// implies is the only operator left
	return &ast.ImpliesExpression{Left: left, Right: right}
}

func (p *parser) parsePrefix() (ast.Expression, error) {
	t := p.current
	switch t.Type {
	case TokenPlus, TokenMinus:
		p.advance()
		operand, err := p.parseExpression(bpPolarity)
		if err != nil {
			return nil, err
		}
		return &ast.PolarityExpression{Op: ast.PolarityOp(t.Value), Operand: operand}, nil
	case TokenParenOpen:
		p.advance()
		inner, err := p.parseExpression(bpNone)
		if err != nil {
			return nil, err
		}
		if err := p.expect(TokenParenClose); err != nil {
			return nil, err
		}
		return &ast.TermExpression{Term: &ast.ParenthesizedTerm{Expression: inner}}, nil
	case TokenConstant:
		p.advance()
		name, err := p.parseConstantName()
		if err != nil {
			return nil, err
		}
		return &ast.TermExpression{Term: &ast.ExternalConstantTerm{Name: name}}, nil
	case TokenIdentifier:
		switch t.Value {
		case "true", "false":
			p.advance()
			return literal(ast.Literal{Kind: ast.BooleanLiteral, Value: t.Value}), nil
		}
	}

	if lit, ok, err := p.parseLiteral(); err != nil || ok {
		return lit, err
	}

	inv, err := p.parseInvocation()
	if err != nil {
		return nil, err
	}
	return &ast.TermExpression{Term: &ast.InvocationTerm{Invocation: inv}}, nil
}

func literal(l ast.Literal) ast.Expression {
	return &ast.TermExpression{Term: &ast.LiteralTerm{Literal: l}}
}

// parseLiteral parses the current token as literal, ok=false when it is none.
func (p *parser) parseLiteral() (ast.Expression, bool, error) {
	t := p.current
	switch t.Type {
	case TokenBraceOpen:
		p.advance()
		if err := p.expect(TokenBraceClose); err != nil {
			return nil, false, err
		}
		return literal(ast.Literal{Kind: ast.NullLiteral}), true, nil
	case TokenString:
		p.advance()
		s, err := fhirpath.Unescape(t.Value)
		if err != nil {
			return nil, false, p.errorAt(t, fmt.Sprintf("invalid string literal: %v", err))
		}
		return literal(ast.Literal{Kind: ast.StringLiteral, Value: s}), true, nil
	case TokenLongNumber:
		p.advance()
		return literal(ast.Literal{Kind: ast.LongNumberLiteral, Value: t.Value}), true, nil
	case TokenNumber:
		p.advance()
		switch {
		case p.current.Type == TokenString:
			unit, err := fhirpath.Unescape(p.current.Value)
			if err != nil {
				return nil, false, p.errorAt(p.current, fmt.Sprintf("invalid unit: %v", err))
			}
			p.advance()
			return literal(ast.Literal{Kind: ast.QuantityLiteral, Value: t.Value, Unit: unit}), true, nil
		case p.current.Type == TokenIdentifier && ast.IsCalendarUnit(p.current.Value):
			unit := p.current.Value
			p.advance()
			return literal(ast.Literal{Kind: ast.QuantityLiteral, Value: t.Value, Unit: unit}), true, nil
		}
		return literal(ast.Literal{Kind: ast.NumberLiteral, Value: t.Value}), true, nil
	case TokenTemporal:
		p.advance()
		switch {
		case strings.HasPrefix(t.Value, "T"):
			return literal(ast.Literal{Kind: ast.TimeLiteral, Value: t.Value[1:]}), true, nil
		case strings.Contains(t.Value, "T"):
			return literal(ast.Literal{Kind: ast.DateTimeLiteral, Value: t.Value}), true, nil
		}
		return literal(ast.Literal{Kind: ast.DateLiteral, Value: t.Value}), true, nil
	}
	return nil, false, nil
}

// parseInvocation parses a member, function or special variable invocation.
func (p *parser) parseInvocation() (ast.Invocation, error) {
	t := p.current
	if t.Type == TokenVariable {
		p.advance()
		switch t.Value {
		case "this":
			return &ast.ThisInvocation{}, nil
		case "index":
			return &ast.IndexInvocation{}, nil
		case "total":
			return &ast.TotalInvocation{}, nil
		}
		return nil, p.errorAt(t, fmt.Sprintf("unknown variable $%s", t.Value))
	}

	name, err := p.parseIdentifier()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenParenOpen {
		return &ast.MemberInvocation{Name: name}, nil
	}

	p.advance()
	fn := &ast.FunctionInvocation{Name: name}
	if p.current.Type == TokenParenClose {
		p.advance()
		return fn, nil
	}
	for {
		param, err := p.parseExpression(bpNone)
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, param)
		if p.current.Type != TokenComma {
			break
		}
		p.advance()
	}
	if err := p.expect(TokenParenClose); err != nil {
		return nil, err
	}
	return fn, nil
}

func (p *parser) parseIdentifier() (string, error) {
	t := p.current
	switch t.Type {
	case TokenIdentifier:
		p.advance()
		return t.Value, nil
	case TokenDelimited:
		p.advance()
		name, err := fhirpath.Unescape(t.Value)
		if err != nil {
			return "", p.errorAt(t, fmt.Sprintf("invalid identifier: %v", err))
		}
		return name, nil
	}
	return "", p.errorAt(t, fmt.Sprintf("expected identifier but got %s", describe(t)))
}

// parseConstantName parses the name after %, which may also be a string.
func (p *parser) parseConstantName() (string, error) {
	if t := p.current; t.Type == TokenString {
		p.advance()
		name, err := fhirpath.Unescape(t.Value)
		if err != nil {
			return "", p.errorAt(t, fmt.Sprintf("invalid constant name: %v", err))
		}
		return name, nil
	}
	return p.parseIdentifier()
}

func (p *parser) parseTypeSpecifier() (ast.TypeSpecifier, error) {
	name, err := p.parseIdentifier()
	if err != nil {
		return nil, err
	}
	spec := ast.TypeSpecifier{name}
	for p.current.Type == TokenDot {
		p.advance()
		name, err := p.parseIdentifier()
		if err != nil {
			return nil, err
		}
		spec = append(spec, name)
	}
	return spec, nil
}

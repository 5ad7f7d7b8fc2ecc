// Package ast defines the syntax tree of FHIRPath expressions.
//
// The evaluator in package fhirpath consumes these nodes; any parser that
// produces them can be used. Every node renders back to FHIRPath source text
// through its String method.
package ast

import (
	"fmt"
	"strings"
)

// Expression is any node that can appear where an expression is expected.
type Expression interface {
	fmt.Stringer
	expressionNode()
}

// Term is the operand of a TermExpression.
type Term interface {
	fmt.Stringer
	termNode()
}

// Invocation is applied to a focus, either the implicit one of a term or the
// result of the left side of an InvocationExpression.
type Invocation interface {
	fmt.Stringer
	invocationNode()
}

type LiteralKind int

const (
	NullLiteral LiteralKind = iota
	BooleanLiteral
	StringLiteral
	NumberLiteral
	LongNumberLiteral
	DateLiteral
	DateTimeLiteral
	TimeLiteral
	QuantityLiteral
	DateTimePrecisionLiteral
)

func (k LiteralKind) String() string {
	switch k {
	case NullLiteral:
		return "Null"
	case BooleanLiteral:
		return "Boolean"
	case StringLiteral:
		return "String"
	case NumberLiteral:
		return "Number"
	case LongNumberLiteral:
		return "LongNumber"
	case DateLiteral:
		return "Date"
	case DateTimeLiteral:
		return "DateTime"
	case TimeLiteral:
		return "Time"
	case QuantityLiteral:
		return "Quantity"
	case DateTimePrecisionLiteral:
		return "DateTimePrecision"
	}
	return fmt.Sprintf("LiteralKind(%d)", int(k))
}

// Literal holds the value text of a literal without its syntax decoration:
// strings are unescaped and unquoted, long numbers carry no L suffix,
// temporal literals carry no @ or @T prefix. For quantities Value is the
// number and Unit the unquoted unit.
type Literal struct {
	Kind  LiteralKind
	Value string
	Unit  string
}

func (l Literal) String() string {
	switch l.Kind {
	case NullLiteral:
		return "{}"
	case StringLiteral:
		return Quote(l.Value)
	case LongNumberLiteral:
		return l.Value + "L"
	case DateLiteral, DateTimeLiteral:
		return "@" + l.Value
	case TimeLiteral:
		return "@T" + l.Value
	case QuantityLiteral:
		if IsCalendarUnit(l.Unit) {
			return l.Value + " " + l.Unit
		}
		return l.Value + " " + Quote(l.Unit)
	}
	return l.Value
}

var calendarUnits = map[string]struct{}{
	"year": {}, "years": {}, "month": {}, "months": {}, "week": {}, "weeks": {},
	"day": {}, "days": {}, "hour": {}, "hours": {}, "minute": {}, "minutes": {},
	"second": {}, "seconds": {}, "millisecond": {}, "milliseconds": {},
}

// IsCalendarUnit reports whether unit is one of the unquoted calendar
// duration keywords allowed after a number.
func IsCalendarUnit(unit string) bool {
	_, ok := calendarUnits[unit]
	return ok
}

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\f", `\f`,
)

// Quote renders s as a single-quoted FHIRPath string literal.
func Quote(s string) string {
	return "'" + quoteReplacer.Replace(s) + "'"
}

// TypeSpecifier is a qualified type name like System.Integer or FHIR.Patient.
// It is never empty.
type TypeSpecifier []string

// Name returns the last segment.
func (t TypeSpecifier) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

// Namespace returns all segments but the last, joined by dots.
func (t TypeSpecifier) Namespace() string {
	if len(t) < 2 {
		return ""
	}
	return strings.Join(t[:len(t)-1], ".")
}

func (t TypeSpecifier) String() string {
	parts := make([]string, len(t))
	for i, p := range t {
		parts[i] = identifier(p)
	}
	return strings.Join(parts, ".")
}

// Terms

type InvocationTerm struct {
	Invocation Invocation
}

type LiteralTerm struct {
	Literal Literal
}

// ExternalConstantTerm is %name.
type ExternalConstantTerm struct {
	Name string
}

type ParenthesizedTerm struct {
	Expression Expression
}

func (t *InvocationTerm) String() string       { return t.Invocation.String() }
func (t *LiteralTerm) String() string          { return t.Literal.String() }
func (t *ExternalConstantTerm) String() string { return "%" + identifier(t.Name) }
func (t *ParenthesizedTerm) String() string    { return "(" + t.Expression.String() + ")" }

func (*InvocationTerm) termNode()       {}
func (*LiteralTerm) termNode()          {}
func (*ExternalConstantTerm) termNode() {}
func (*ParenthesizedTerm) termNode()    {}

// Invocations

type MemberInvocation struct {
	Name string
}

type FunctionInvocation struct {
	Name   string
	Params []Expression
}

// ThisInvocation is $this.
type ThisInvocation struct{}

// IndexInvocation is $index.
type IndexInvocation struct{}

// TotalInvocation is $total.
type TotalInvocation struct{}

func (i *MemberInvocation) String() string { return identifier(i.Name) }
func (i *FunctionInvocation) String() string {
	params := make([]string, len(i.Params))
	for j, p := range i.Params {
		params[j] = p.String()
	}
	return identifier(i.Name) + "(" + strings.Join(params, ", ") + ")"
}
func (*ThisInvocation) String() string  { return "$this" }
func (*IndexInvocation) String() string { return "$index" }
func (*TotalInvocation) String() string { return "$total" }

func (*MemberInvocation) invocationNode()   {}
func (*FunctionInvocation) invocationNode() {}
func (*ThisInvocation) invocationNode()     {}
func (*IndexInvocation) invocationNode()    {}
func (*TotalInvocation) invocationNode()    {}

// Operators

type PolarityOp string

const (
	Plus  PolarityOp = "+"
	Minus PolarityOp = "-"
)

type MultiplicativeOp string

const (
	Multiply MultiplicativeOp = "*"
	Divide   MultiplicativeOp = "/"
	Div      MultiplicativeOp = "div"
	Mod      MultiplicativeOp = "mod"
)

type AdditiveOp string

const (
	Add      AdditiveOp = "+"
	Subtract AdditiveOp = "-"
	Concat   AdditiveOp = "&"
)

type TypeOp string

const (
	Is TypeOp = "is"
	As TypeOp = "as"
)

type InequalityOp string

const (
	LessThan       InequalityOp = "<"
	LessOrEqual    InequalityOp = "<="
	GreaterThan    InequalityOp = ">"
	GreaterOrEqual InequalityOp = ">="
)

type EqualityOp string

const (
	Equal         EqualityOp = "="
	Equivalent    EqualityOp = "~"
	NotEqual      EqualityOp = "!="
	NotEquivalent EqualityOp = "!~"
)

type MembershipOp string

const (
	In       MembershipOp = "in"
	Contains MembershipOp = "contains"
)

type OrOp string

const (
	Or  OrOp = "or"
	Xor OrOp = "xor"
)

// Expressions

type TermExpression struct {
	Term Term
}

type InvocationExpression struct {
	Left       Expression
	Invocation Invocation
}

type IndexerExpression struct {
	Left  Expression
	Index Expression
}

type PolarityExpression struct {
	Op      PolarityOp
	Operand Expression
}

type MultiplicativeExpression struct {
	Left  Expression
	Op    MultiplicativeOp
	Right Expression
}

type AdditiveExpression struct {
	Left  Expression
	Op    AdditiveOp
	Right Expression
}

type TypeExpression struct {
	Left Expression
	Op   TypeOp
	Type TypeSpecifier
}

type UnionExpression struct {
	Left  Expression
	Right Expression
}

type InequalityExpression struct {
	Left  Expression
	Op    InequalityOp
	Right Expression
}

type EqualityExpression struct {
	Left  Expression
	Op    EqualityOp
	Right Expression
}

type MembershipExpression struct {
	Left  Expression
	Op    MembershipOp
	Right Expression
}

type AndExpression struct {
	Left  Expression
	Right Expression
}

type OrExpression struct {
	Left  Expression
	Op    OrOp
	Right Expression
}

type ImpliesExpression struct {
	Left  Expression
	Right Expression
}

func (e *TermExpression) String() string { return e.Term.String() }
func (e *InvocationExpression) String() string {
	return e.Left.String() + "." + e.Invocation.String()
}
func (e *IndexerExpression) String() string {
	return e.Left.String() + "[" + e.Index.String() + "]"
}
func (e *PolarityExpression) String() string { return string(e.Op) + e.Operand.String() }
func (e *MultiplicativeExpression) String() string {
	return binary(e.Left, string(e.Op), e.Right)
}
func (e *AdditiveExpression) String() string { return binary(e.Left, string(e.Op), e.Right) }
func (e *TypeExpression) String() string {
	return e.Left.String() + " " + string(e.Op) + " " + e.Type.String()
}
func (e *UnionExpression) String() string { return binary(e.Left, "|", e.Right) }
func (e *InequalityExpression) String() string {
	return binary(e.Left, string(e.Op), e.Right)
}
func (e *EqualityExpression) String() string   { return binary(e.Left, string(e.Op), e.Right) }
func (e *MembershipExpression) String() string { return binary(e.Left, string(e.Op), e.Right) }
func (e *AndExpression) String() string        { return binary(e.Left, "and", e.Right) }
func (e *OrExpression) String() string         { return binary(e.Left, string(e.Op), e.Right) }
func (e *ImpliesExpression) String() string    { return binary(e.Left, "implies", e.Right) }

func (*TermExpression) expressionNode()           {}
func (*InvocationExpression) expressionNode()     {}
func (*IndexerExpression) expressionNode()        {}
func (*PolarityExpression) expressionNode()       {}
func (*MultiplicativeExpression) expressionNode() {}
func (*AdditiveExpression) expressionNode()       {}
func (*TypeExpression) expressionNode()           {}
func (*UnionExpression) expressionNode()          {}
func (*InequalityExpression) expressionNode()     {}
func (*EqualityExpression) expressionNode()       {}
func (*MembershipExpression) expressionNode()     {}
func (*AndExpression) expressionNode()            {}
func (*OrExpression) expressionNode()             {}
func (*ImpliesExpression) expressionNode()        {}

func binary(left Expression, op string, right Expression) string {
	return left.String() + " " + op + " " + right.String()
}

// identifier renders name, delimiting it with backticks when it is not a
// plain identifier.
func identifier(name string) string {
	if isPlainIdentifier(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func isPlainIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Helpers for building trees by hand.

// Member builds the term expression for a bare identifier.
func Member(name string) Expression {
	return &TermExpression{Term: &InvocationTerm{Invocation: &MemberInvocation{Name: name}}}
}

// Path builds a chain of member invocations, e.g. Path("Patient", "name").
func Path(names ...string) Expression {
	if len(names) == 0 {
		return nil
	}
	expr := Member(names[0])
	for _, n := range names[1:] {
		expr = &InvocationExpression{Left: expr, Invocation: &MemberInvocation{Name: n}}
	}
	return expr
}

// Call applies the function name to left, or to the focus when left is nil.
func Call(left Expression, name string, params ...Expression) Expression {
	fn := &FunctionInvocation{Name: name, Params: params}
	if left == nil {
		return &TermExpression{Term: &InvocationTerm{Invocation: fn}}
	}
	return &InvocationExpression{Left: left, Invocation: fn}
}

// Lit builds a literal term expression.
func Lit(kind LiteralKind, value string) Expression {
	return &TermExpression{Term: &LiteralTerm{Literal: Literal{Kind: kind, Value: value}}}
}

// This builds the $this term expression.
func This() Expression {
	return &TermExpression{Term: &InvocationTerm{Invocation: &ThisInvocation{}}}
}

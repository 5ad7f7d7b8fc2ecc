package fhirpath

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
)

const defaultRepeatLimit = 256

// Evaluator evaluates FHIRPath expressions.
//
// An Evaluator is read-only after construction and can be used by multiple
// goroutines at once.
type Evaluator struct {
	registry     *Registry
	logger       *slog.Logger
	repeatLimit   int
	partialRepeat bool
}

type Option func(*Evaluator)

// WithRegistry sets the function registry. Defaults to NewRegistry().
func WithRegistry(r *Registry) Option {
	return func(e *Evaluator) {
		e.registry = r
	}
}

// WithLogger sets the logger for warnings and traces. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithRepeatLimit bounds the number of rounds repeat() runs. Values < 1 are ignored.
func WithRepeatLimit(rounds int) Option {
	return func(e *Evaluator) {
		if rounds > 0 {
			e.repeatLimit = rounds
		}
	}
}

// WithPartialRepeat makes repeat() log a warning and return the items found
// so far when the limit is reached, instead of failing with an EvaluationError.
func WithPartialRepeat() Option {
	return func(e *Evaluator) {
		e.partialRepeat = true
	}
}

// NewEvaluator creates an evaluator with the default built-in functions.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{repeatLimit: defaultRepeatLimit}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Evaluate evaluates expr in env and returns the normalized result.
//
// The context parameter can be used to provide additional configuration for the evaluation,
// such as decimal precision settings, trace logging or a fixed evaluation time.
//
// Example:
//
//	doc, _ := fhirpath.ParseObject(data)
//	expr, _ := parser.Parse("Patient.name.given")
//	result, err := fhirpath.NewEvaluator().Evaluate(ctx, expr, fhirpath.NewContext(doc))
//	if err != nil {
//	    // Handle error
//	}
//	fmt.Println(result) // Output: { Donald }
func (e *Evaluator) Evaluate(ctx context.Context, expr ast.Expression, env Context) (Collection, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = withEvaluationInstant(ctx)
	if _, ok := tracer(ctx); !ok {
		ctx = WithTracer(ctx, SlogTracer{Logger: e.logger})
	}

	result, err := e.evalExpression(ctx, expr, env)
	if err != nil {
		return nil, err
	}
	return Normalize(result), nil
}

func (e *Evaluator) evalExpression(ctx context.Context, expr ast.Expression, env Context) (Collection, error) {
	switch t := expr.(type) {
	case nil:
		return nil, evaluationError("can not evaluate empty expression")
	case *ast.TermExpression:
		return e.evalTerm(ctx, t.Term, env)
	case *ast.InvocationExpression:
		left, err := e.evalExpression(ctx, t.Left, env)
		if err != nil {
			return nil, err
		}
		return e.evalInvocation(ctx, left, t.Invocation, env)
	case *ast.IndexerExpression:
		left, err := e.evalExpression(ctx, t.Left, env)
		if err != nil {
			return nil, err
		}
		index, err := e.evalExpression(ctx, t.Index, env)
		if err != nil {
			return nil, err
		}
		if len(index) != 1 {
			return nil, nil
		}
		var i int
		switch v := index[0].(type) {
		case Integer:
			i = int(v)
		case Long:
			i = int(v)
		default:
			return nil, nil
		}
		if i < 0 || i >= len(left) {
			return nil, nil
		}
		return Collection{left[i]}, nil
	case *ast.PolarityExpression:
		operand, err := e.evalExpression(ctx, t.Operand, env)
		if err != nil {
			return nil, err
		}
		if len(operand) == 0 {
			return nil, nil
		}
		if len(operand) > 1 {
			return nil, evaluationError("polarity operand has len > 1: %v", operand)
		}
		switch operand[0].(type) {
		case Integer, Long, Decimal, Quantity:
		default:
			return nil, typeError("can not apply polarity %s to %s", t.Op, operand[0].TypeInfo())
		}
		if t.Op == ast.Plus {
			return operand, nil
		}
		if q, ok := operand[0].(Quantity); ok {
			var neg apd.Decimal
			neg.Neg(q.Value.Value)
			return Collection{Quantity{Value: Decimal{Value: &neg}, Unit: q.Unit}}, nil
		}
		if l, ok := operand[0].(Long); ok && isNumberLiteral(t.Operand) {
			// -2147483648 is an Integer even though its digits are not
			return Collection{narrow(-int64(l))}, nil
		}
		return operand.Multiply(ctx, Collection{Integer(-1)})
	case *ast.MultiplicativeExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ast.Multiply:
			return left.Multiply(ctx, right)
		case ast.Divide:
			return left.Divide(ctx, right)
		case ast.Div:
			return left.Div(ctx, right)
		case ast.Mod:
			return left.Mod(ctx, right)
		}
		return nil, internalError("unexpected multiplicative operator %q", t.Op)
	case *ast.AdditiveExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ast.Add:
			return left.Add(ctx, right)
		case ast.Subtract:
			return left.Subtract(ctx, right)
		case ast.Concat:
			return left.Concat(ctx, right)
		}
		return nil, internalError("unexpected additive operator %q", t.Op)
	case *ast.TypeExpression:
		left, err := e.evalExpression(ctx, t.Left, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ast.Is:
			return isType(left, t.Type)
		case ast.As:
			return asType(left, t.Type)
		}
		return nil, internalError("unexpected type operator %q", t.Op)
	case *ast.UnionExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		return left.Union(right), nil
	case *ast.InequalityExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		cmp, ok, err := left.Cmp(right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		switch t.Op {
		case ast.LessThan:
			return Collection{Boolean(cmp < 0)}, nil
		case ast.LessOrEqual:
			return Collection{Boolean(cmp <= 0)}, nil
		case ast.GreaterThan:
			return Collection{Boolean(cmp > 0)}, nil
		case ast.GreaterOrEqual:
			return Collection{Boolean(cmp >= 0)}, nil
		}
		return nil, internalError("unexpected inequality operator %q", t.Op)
	case *ast.EqualityExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ast.Equal:
			if eq, ok := left.Equal(right); ok {
				return Collection{Boolean(eq)}, nil
			}
			return nil, nil
		case ast.NotEqual:
			if eq, ok := left.Equal(right); ok {
				return Collection{Boolean(!eq)}, nil
			}
			return nil, nil
		case ast.Equivalent:
			return Collection{Boolean(left.Equivalent(right))}, nil
		case ast.NotEquivalent:
			return Collection{Boolean(!left.Equivalent(right))}, nil
		}
		return nil, internalError("unexpected equality operator %q", t.Op)
	case *ast.MembershipExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ast.In:
			if len(left) == 0 {
				return nil, nil
			} else if len(left) > 1 {
				return nil, evaluationError("left operand of \"in\" (membership) has more than 1 value")
			}
			return Collection{Boolean(right.Contains(left[0]))}, nil
		case ast.Contains:
			if len(right) == 0 {
				return nil, nil
			} else if len(right) > 1 {
				return nil, evaluationError("right operand of \"contains\" (membership) has more than 1 value")
			}
			return Collection{Boolean(left.Contains(right[0]))}, nil
		}
		return nil, internalError("unexpected membership operator %q", t.Op)
	case *ast.AndExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		l, lKnown := truthy(left)
		r, rKnown := truthy(right)
		switch {
		case lKnown && !l, rKnown && !r:
			return Collection{Boolean(false)}, nil
		case lKnown && rKnown:
			return Collection{Boolean(true)}, nil
		}
		return nil, nil
	case *ast.OrExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		l, lKnown := truthy(left)
		r, rKnown := truthy(right)
		switch t.Op {
		case ast.Or:
			switch {
			case lKnown && l, rKnown && r:
				return Collection{Boolean(true)}, nil
			case lKnown && rKnown:
				return Collection{Boolean(false)}, nil
			}
			return nil, nil
		case ast.Xor:
			if lKnown && rKnown {
				return Collection{Boolean(l != r)}, nil
			}
			return nil, nil
		}
		return nil, internalError("unexpected or operator %q", t.Op)
	case *ast.ImpliesExpression:
		left, right, err := e.evalOperands(ctx, t.Left, t.Right, env)
		if err != nil {
			return nil, err
		}
		l, lKnown := truthy(left)
		r, rKnown := truthy(right)
		switch {
		case lKnown && !l, rKnown && r:
			return Collection{Boolean(true)}, nil
		case lKnown && rKnown:
			return Collection{Boolean(false)}, nil
		}
		return nil, nil
	default:
		return nil, internalError("unexpected expression %T", expr)
	}
}

// evalOperands evaluates both sides of a binary operator, left first.
func (e *Evaluator) evalOperands(ctx context.Context, left, right ast.Expression, env Context) (Collection, Collection, error) {
	l, err := e.evalExpression(ctx, left, env)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.evalExpression(ctx, right, env)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func (e *Evaluator) evalTerm(ctx context.Context, term ast.Term, env Context) (Collection, error) {
	switch t := term.(type) {
	case *ast.InvocationTerm:
		return e.evalInvocation(ctx, env.focus(), t.Invocation, env)
	case *ast.LiteralTerm:
		return evalLiteral(t.Literal)
	case *ast.ExternalConstantTerm:
		return env.variable(t.Name), nil
	case *ast.ParenthesizedTerm:
		return e.evalExpression(ctx, t.Expression, env)
	default:
		return nil, internalError("unexpected term %T", term)
	}
}

func evalLiteral(lit ast.Literal) (Collection, error) {
	switch lit.Kind {
	case ast.NullLiteral:
		return nil, nil
	case ast.BooleanLiteral:
		switch lit.Value {
		case "true":
			return Collection{Boolean(true)}, nil
		case "false":
			return Collection{Boolean(false)}, nil
		}
		return nil, evaluationError("expected boolean literal, got %s", lit.Value)
	case ast.StringLiteral:
		return Collection{String(lit.Value)}, nil
	case ast.NumberLiteral:
		if strings.Contains(lit.Value, ".") {
			d, err := parseDecimal(lit.Value)
			if err != nil {
				return nil, evaluationError("invalid number literal %s", lit.Value)
			}
			return Collection{d}, nil
		}
		v, err := strconv.ParseInt(lit.Value, 10, 64)
		if err != nil {
			return nil, evaluationError("invalid integer literal %s", lit.Value)
		}
		return Collection{narrow(v)}, nil
	case ast.LongNumberLiteral:
		v, err := strconv.ParseInt(lit.Value, 10, 64)
		if err != nil {
			return nil, evaluationError("invalid long literal %s", lit.Value)
		}
		return Collection{Long(v)}, nil
	case ast.DateLiteral:
		d, err := ParseDate(lit.Value)
		if err != nil {
			return nil, withKind(EvaluationError, err)
		}
		return Collection{d}, nil
	case ast.DateTimeLiteral:
		dt, err := ParseDateTime(lit.Value)
		if err != nil {
			return nil, withKind(EvaluationError, err)
		}
		return Collection{dt}, nil
	case ast.TimeLiteral:
		t, err := ParseTime(lit.Value)
		if err != nil {
			return nil, withKind(EvaluationError, err)
		}
		return Collection{t}, nil
	case ast.QuantityLiteral:
		value, err := parseDecimal(lit.Value)
		if err != nil {
			return nil, evaluationError("invalid quantity literal %s", lit)
		}
		unit := lit.Unit
		if unit == "" {
			unit = "1"
		}
		return Collection{Quantity{Value: value, Unit: String(unit)}}, nil
	case ast.DateTimePrecisionLiteral:
		p, ok := ParseDateTimePrecision(lit.Value)
		if !ok {
			return nil, evaluationError("invalid date time precision %s", lit.Value)
		}
		return Collection{p}, nil
	}
	return nil, internalError("unexpected literal %s", lit.Kind)
}

// isNumberLiteral reports whether expr is a number literal without L suffix.
func isNumberLiteral(expr ast.Expression) bool {
	t, ok := expr.(*ast.TermExpression)
	if !ok {
		return false
	}
	lit, ok := t.Term.(*ast.LiteralTerm)
	return ok && lit.Literal.Kind == ast.NumberLiteral
}

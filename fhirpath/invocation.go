package fhirpath

import (
	"context"
	"strings"

	"github.com/damedic/fhirpath-go/datatype"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
)

func (e *Evaluator) evalInvocation(
	ctx context.Context,
	focus Collection,
	inv ast.Invocation,
	env Context,
) (Collection, error) {
	switch t := inv.(type) {
	case *ast.MemberInvocation:
		return evalMember(focus, t.Name), nil
	case *ast.FunctionInvocation:
		return e.evalFunctionCall(ctx, focus, t, env)
	case *ast.ThisInvocation:
		return env.focus(), nil
	case *ast.IndexInvocation, *ast.TotalInvocation:
		return nil, evaluationError("$index/$total unsupported")
	default:
		return nil, internalError("unexpected invocation %T", inv)
	}
}

// evalMember resolves name on every object of focus and flattens the results.
// Other elements have no members.
func evalMember(focus Collection, name string) Collection {
	var members Collection
	for _, e := range focus {
		if o, ok := e.(Object); ok {
			members = append(members, o.Member(name)...)
		}
	}
	return members
}

// elementEnv binds element as $this, and as current object when it is one.
func elementEnv(env Context, element Element) Context {
	env = env.WithThis(Collection{element})
	if o, ok := element.(Object); ok {
		env = env.WithCurrent(o)
	}
	return env
}

func (e *Evaluator) evalFunctionCall(
	ctx context.Context,
	focus Collection,
	fn *ast.FunctionInvocation,
	env Context,
) (Collection, error) {
	switch fn.Name {
	case "where":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		return e.filter(ctx, focus, fn.Params[0], env)
	case "select":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		var result Collection
		for _, element := range focus {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			projected, err := e.evalExpression(ctx, fn.Params[0], elementEnv(env, element))
			if err != nil {
				return nil, err
			}
			result = append(result, projected...)
		}
		return result, nil
	case "repeat":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		return e.repeat(ctx, focus, fn.Params[0], env)
	case "ofType":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		spec, err := e.typeArgument(ctx, fn.Params[0], env)
		if err != nil {
			return nil, err
		}
		var result Collection
		for _, element := range focus {
			ok, err := typeMatches(element, spec)
			if err != nil {
				return nil, err
			}
			if ok {
				result = append(result, element)
			}
		}
		return result, nil
	case "is", "as":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		spec, err := e.typeArgument(ctx, fn.Params[0], env)
		if err != nil {
			return nil, err
		}
		if fn.Name == "is" {
			return isType(focus, spec)
		}
		return asType(focus, spec)
	case "exists":
		// exists(criteria) is where(criteria).exists()
		if len(fn.Params) == 1 {
			matching, err := e.filter(ctx, focus, fn.Params[0], env)
			if err != nil {
				return nil, err
			}
			return Collection{Boolean(len(matching) > 0)}, nil
		}
	case "all":
		if err := checkParams(fn, 1); err != nil {
			return nil, err
		}
		for _, element := range focus {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			criterion, err := e.evalExpression(ctx, fn.Params[0], elementEnv(env, element))
			if err != nil {
				return nil, err
			}
			if b, known := truthy(criterion); !known || !b {
				return Collection{Boolean(false)}, nil
			}
		}
		return Collection{Boolean(true)}, nil
	}

	f, ok := e.registry.Lookup(fn.Name)
	if !ok {
		return nil, functionError("function %q not found", fn.Name)
	}
	args := make([]Collection, 0, len(fn.Params))
	for _, param := range fn.Params {
		if typeParamFunctions[fn.Name] {
			if spec, ok := typeSpecifierOf(param); ok {
				args = append(args, Collection{String(spec.Name())})
				continue
			}
		}
		arg, err := e.evalExpression(ctx, param, env)
		if err != nil {
			return nil, err
		}
		args = append(args, Normalize(arg))
	}
	result, err := f(ctx, focus, args)
	if err != nil {
		return nil, withKind(FunctionError, err)
	}
	return result, nil
}

// typeParamFunctions take a type name argument, written either as a type
// specifier like Patient or as a string.
var typeParamFunctions = map[string]bool{
	"getReferenceKey": true,
}

func checkParams(fn *ast.FunctionInvocation, n int) error {
	if len(fn.Params) != n {
		return functionError("%s() expects %d parameter(s), got %d", fn.Name, n, len(fn.Params))
	}
	return nil
}

// filter keeps the elements of focus for which criterion is true.
func (e *Evaluator) filter(ctx context.Context, focus Collection, criterion ast.Expression, env Context) (Collection, error) {
	var result Collection
	for _, element := range focus {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := e.evalExpression(ctx, criterion, elementEnv(env, element))
		if err != nil {
			return nil, err
		}
		if b, known := truthy(c); known && b {
			result = append(result, element)
		}
	}
	return result, nil
}

// repeat starts from the focus and applies projection to every newly found
// item until a round finds nothing new. The result holds the focus followed
// by the projected items in discovery order, without duplicates.
func (e *Evaluator) repeat(ctx context.Context, focus Collection, projection ast.Expression, env Context) (Collection, error) {
	result := focus.Distinct()
	frontier := result
	for round := 0; len(frontier) > 0; round++ {
		if round == e.repeatLimit {
			if !e.partialRepeat {
				return nil, evaluationError("repeat did not converge within %d rounds", e.repeatLimit)
			}
			e.logger.WarnContext(ctx, "repeat did not converge, returning partial result",
				"rounds", e.repeatLimit,
				"projection", projection.String(),
				"items", len(result),
			)
			break
		}

		var next Collection
		for _, element := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			projected, err := e.evalExpression(ctx, projection, elementEnv(env, element))
			if err != nil {
				return nil, err
			}
			for _, item := range projected {
				if !result.Contains(item) {
					result = append(result, item)
					next = append(next, item)
				}
			}
		}
		frontier = next
	}
	return result, nil
}

// typeArgument returns the type named by the argument of ofType(), is() or as().
// Identifiers and dotted paths name the type directly, other expressions
// must evaluate to a string.
func (e *Evaluator) typeArgument(ctx context.Context, param ast.Expression, env Context) (ast.TypeSpecifier, error) {
	if spec, ok := typeSpecifierOf(param); ok {
		return spec, nil
	}
	v, err := e.evalExpression(ctx, param, env)
	if err != nil {
		return nil, err
	}
	name, ok, err := Singleton[String](v)
	if err != nil || !ok || name == "" {
		return nil, typeError("expected type specifier, got %s", param)
	}
	return ast.TypeSpecifier(strings.Split(string(name), ".")), nil
}

func typeSpecifierOf(expr ast.Expression) (ast.TypeSpecifier, bool) {
	switch t := expr.(type) {
	case *ast.TermExpression:
		if term, ok := t.Term.(*ast.InvocationTerm); ok {
			if m, ok := term.Invocation.(*ast.MemberInvocation); ok {
				return ast.TypeSpecifier{m.Name}, true
			}
		}
	case *ast.InvocationExpression:
		m, ok := t.Invocation.(*ast.MemberInvocation)
		if !ok {
			return nil, false
		}
		left, ok := typeSpecifierOf(t.Left)
		if !ok {
			return nil, false
		}
		return append(left, m.Name), true
	}
	return nil, false
}

// typeMatches reports whether element is of the given type.
//
// System type names follow the subtype relation of the type lattice, so an
// Integer is also a Long and a Decimal. Any other unqualified or FHIR
// qualified name matches objects with that resourceType.
func typeMatches(element Element, spec ast.TypeSpecifier) (bool, error) {
	name := spec.Name()
	namespace := spec.Namespace()
	switch namespace {
	case "", "System", "FHIR":
	default:
		return false, typeError("unknown type %s", spec)
	}

	if namespace != "FHIR" {
		if t, ok := datatype.FromName(name); ok {
			return element.TypeInfo().IsSubtypeOf(t), nil
		}
		if namespace == "System" {
			return false, typeError("unknown type %s", spec)
		}
	}

	o, ok := element.(Object)
	if !ok {
		return false, nil
	}
	rt, ok := o.ResourceType()
	return ok && rt == name, nil
}

func singleTypeInput(focus Collection) (Element, bool, error) {
	switch len(focus) {
	case 0:
		return nil, false, nil
	case 1:
		return focus[0], true, nil
	}
	return nil, false, evaluationError("expected single input element")
}

func isType(focus Collection, spec ast.TypeSpecifier) (Collection, error) {
	element, ok, err := singleTypeInput(focus)
	if err != nil || !ok {
		return nil, err
	}
	match, err := typeMatches(element, spec)
	if err != nil {
		return nil, err
	}
	return Collection{Boolean(match)}, nil
}

func asType(focus Collection, spec ast.TypeSpecifier) (Collection, error) {
	element, ok, err := singleTypeInput(focus)
	if err != nil || !ok {
		return nil, err
	}
	match, err := typeMatches(element, spec)
	if err != nil || !match {
		return nil, err
	}
	return Collection{element}, nil
}

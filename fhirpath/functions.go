package fhirpath

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/apd/v3"
)

// Tracer defines the interface for logging trace messages
type Tracer interface {
	// Log logs a trace message with the given name and collection
	Log(name string, collection Collection) error
}

// StdoutTracer writes traces to io.Stdout.
type StdoutTracer struct{}

func (w StdoutTracer) Log(name string, collection Collection) error {
	_, err := fmt.Printf("%s: %v\n", name, collection)
	return err
}

// SlogTracer writes traces as debug records. A nil Logger uses slog.Default().
type SlogTracer struct {
	Logger *slog.Logger
}

func (t SlogTracer) Log(name string, collection Collection) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("fhirpath trace", "name", name, "count", len(collection), "value", collection.String())
	return nil
}

type tracerKey struct{}

// WithTracer installs the given trace logger into the context.
//
// By default, traces are logged with the evaluator's logger at debug level.
// To redirect trace logs to a custom output, use:
//
//	ctx = fhirpath.WithTracer(ctx, MyCustomTraceLogger(true, file))
func WithTracer(ctx context.Context, logger Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, logger)
}

func tracer(ctx context.Context) (Tracer, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(tracerKey{}).(Tracer)
	return logger, ok && logger != nil
}

type evaluationTimeKey struct{}

// WithEvaluationTime fixes the instant returned by now(), today() and timeOfDay().
//
// The instant is truncated to milliseconds.
func WithEvaluationTime(ctx context.Context, t time.Time) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, evaluationTimeKey{}, t.Truncate(time.Millisecond))
}

// withEvaluationInstant makes all temporal functions of one evaluation agree on the current instant.
func withEvaluationInstant(ctx context.Context) context.Context {
	if ctx != nil {
		if _, ok := ctx.Value(evaluationTimeKey{}).(time.Time); ok {
			return ctx
		}
	}
	return WithEvaluationTime(ctx, time.Now())
}

func evaluationInstant(ctx context.Context) time.Time {
	if ctx != nil {
		if t, ok := ctx.Value(evaluationTimeKey{}).(time.Time); ok {
			return t
		}
	}
	return time.Now().Truncate(time.Millisecond)
}

// Function is a built-in or user supplied function.
//
// The focus is the input collection of the invocation, args are the already
// evaluated arguments. Errors that are no *Error are reported as FunctionError.
type Function func(ctx context.Context, focus Collection, args []Collection) (Collection, error)

type Functions map[string]Function

// higherOrderFunctions are evaluated by the engine itself and never looked up
// in a Registry. exists is one of them only when called with a criteria.
var higherOrderFunctions = []string{"where", "select", "repeat", "ofType", "is", "as", "all"}

// Registry maps function names to functions.
//
// Register all functions before sharing the registry between goroutines,
// lookups are safe for concurrent use afterwards.
type Registry struct {
	functions Functions
}

// NewRegistry returns a registry with the FHIRPath built-ins and FHIRFunctions.
func NewRegistry() *Registry {
	r := &Registry{functions: make(Functions, len(defaultFunctions)+len(FHIRFunctions))}
	maps.Copy(r.functions, defaultFunctions)
	maps.Copy(r.functions, FHIRFunctions)
	return r
}

// Register adds fn under name, replacing a previous function of that name.
//
// Functions named like one of the higher-order forms (where, select, repeat,
// ofType, is, as, all) are stored but never called by the evaluator. A
// function named exists is only called for exists() without criteria.
func (r *Registry) Register(name string, fn Function) {
	if r.functions == nil {
		r.functions = Functions{}
	}
	r.functions[name] = fn
}

func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.functions[name]
	return fn, ok && fn != nil
}

// Names returns all registered names in lexical order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.functions))
}

func checkArity(name string, args []Collection, min, max int) error {
	if len(args) < min || len(args) > max {
		switch {
		case min == max && min == 0:
			return functionError("%s() expects no parameters, got %d", name, len(args))
		case min == max:
			return functionError("%s() expects %d parameter(s), got %d", name, min, len(args))
		default:
			return functionError("%s() expects %d to %d parameters, got %d", name, min, max, len(args))
		}
	}
	return nil
}

// singleInput returns the only element of focus, ok=false for an empty focus.
func singleInput(name string, focus Collection) (Element, bool, error) {
	switch len(focus) {
	case 0:
		return nil, false, nil
	case 1:
		return focus[0], true, nil
	}
	return nil, false, evaluationError("%s() expects a single input element, got %d", name, len(focus))
}

func stringArg(name string, arg Collection) (String, bool, error) {
	s, ok, err := Singleton[String](arg)
	if err != nil {
		return "", false, functionError("%s() expects a string parameter: %v", name, err)
	}
	return s, ok, nil
}

func integerArg(name string, arg Collection) (int, bool, error) {
	i, ok, err := Singleton[Integer](arg)
	if err != nil {
		return 0, false, functionError("%s() expects an integer parameter: %v", name, err)
	}
	return int(i), ok, nil
}

func booleanResult(b bool) (Collection, error) {
	return Collection{Boolean(b)}, nil
}

// defaultFunctions contains the functions defined by the FHIRPath standard.
// For FHIR-specific extension functions, see FHIRFunctions.
var defaultFunctions = Functions{
	// Existence functions
	"empty": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("empty", args, 0, 0); err != nil {
			return nil, err
		}
		return booleanResult(len(focus) == 0)
	},
	"exists": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("exists", args, 0, 0); err != nil {
			return nil, err
		}
		return booleanResult(len(focus) > 0)
	},
	"allTrue": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return booleanReduction("allTrue", focus, args, true, true)
	},
	"anyTrue": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return booleanReduction("anyTrue", focus, args, true, false)
	},
	"allFalse": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return booleanReduction("allFalse", focus, args, false, true)
	},
	"anyFalse": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return booleanReduction("anyFalse", focus, args, false, false)
	},
	"count": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("count", args, 0, 0); err != nil {
			return nil, err
		}
		return Collection{Integer(len(focus))}, nil
	},
	"distinct": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("distinct", args, 0, 0); err != nil {
			return nil, err
		}
		return focus.Distinct(), nil
	},
	"isDistinct": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("isDistinct", args, 0, 0); err != nil {
			return nil, err
		}
		return booleanResult(len(focus.Distinct()) == len(focus))
	},
	"subsetOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("subsetOf", args, 1, 1); err != nil {
			return nil, err
		}
		for _, e := range focus {
			if !args[0].Contains(e) {
				return booleanResult(false)
			}
		}
		return booleanResult(true)
	},
	"supersetOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("supersetOf", args, 1, 1); err != nil {
			return nil, err
		}
		for _, e := range args[0] {
			if !focus.Contains(e) {
				return booleanResult(false)
			}
		}
		return booleanResult(true)
	},

	// Subsetting functions
	"single": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("single", args, 0, 0); err != nil {
			return nil, err
		}
		if len(focus) > 1 {
			return nil, evaluationError("expected single item but got %d items", len(focus))
		}
		return focus, nil
	},
	"first": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("first", args, 0, 0); err != nil {
			return nil, err
		}
		if len(focus) == 0 {
			return nil, nil
		}
		return focus[:1], nil
	},
	"last": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("last", args, 0, 0); err != nil {
			return nil, err
		}
		if len(focus) == 0 {
			return nil, nil
		}
		return focus[len(focus)-1:], nil
	},
	"tail": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("tail", args, 0, 0); err != nil {
			return nil, err
		}
		if len(focus) < 2 {
			return nil, nil
		}
		return slices.Clone(focus[1:]), nil
	},
	"skip": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("skip", args, 1, 1); err != nil {
			return nil, err
		}
		n, ok, err := integerArg("skip", args[0])
		if err != nil || !ok {
			return nil, err
		}
		if n <= 0 {
			return focus, nil
		}
		if n >= len(focus) {
			return nil, nil
		}
		return slices.Clone(focus[n:]), nil
	},
	"take": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("take", args, 1, 1); err != nil {
			return nil, err
		}
		n, ok, err := integerArg("take", args[0])
		if err != nil || !ok {
			return nil, err
		}
		if n <= 0 {
			return nil, nil
		}
		if n >= len(focus) {
			return focus, nil
		}
		return slices.Clone(focus[:n]), nil
	},
	"intersect": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("intersect", args, 1, 1); err != nil {
			return nil, err
		}
		var result Collection
		for _, e := range focus {
			if args[0].Contains(e) && !result.Contains(e) {
				result = append(result, e)
			}
		}
		return result, nil
	},
	"exclude": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("exclude", args, 1, 1); err != nil {
			return nil, err
		}
		var result Collection
		for _, e := range focus {
			if !args[0].Contains(e) {
				result = append(result, e)
			}
		}
		return result, nil
	},

	// Combining functions
	"union": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("union", args, 1, 1); err != nil {
			return nil, err
		}
		return focus.Union(args[0]), nil
	},
	"combine": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("combine", args, 1, 1); err != nil {
			return nil, err
		}
		return focus.Combine(args[0]), nil
	},
	"coalesce": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if len(args) == 0 {
			return nil, functionError("coalesce() expects at least one parameter")
		}
		for _, arg := range args {
			if len(arg) > 0 {
				return arg, nil
			}
		}
		return nil, nil
	},
	"iif": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("iif", args, 2, 3); err != nil {
			return nil, err
		}
		if len(focus) > 1 {
			return nil, evaluationError("iif() requires an input collection with 0 or 1 items, got %d items", len(focus))
		}
		if b, known := truthy(args[0]); known && b {
			return args[1], nil
		}
		if len(args) == 3 {
			return args[2], nil
		}
		return nil, nil
	},

	// Conversion functions
	"toBoolean":          convertFunction[Boolean]("toBoolean"),
	"convertsToBoolean":  convertsToFunction[Boolean]("convertsToBoolean"),
	"toInteger":          convertFunction[Integer]("toInteger"),
	"convertsToInteger":  convertsToFunction[Integer]("convertsToInteger"),
	"toLong":             convertFunction[Long]("toLong"),
	"convertsToLong":     convertsToFunction[Long]("convertsToLong"),
	"toDecimal":          convertFunction[Decimal]("toDecimal"),
	"convertsToDecimal":  convertsToFunction[Decimal]("convertsToDecimal"),
	"toString":           convertFunction[String]("toString"),
	"convertsToString":   convertsToFunction[String]("convertsToString"),
	"toDate":             convertFunction[Date]("toDate"),
	"convertsToDate":     convertsToFunction[Date]("convertsToDate"),
	"toDateTime":         convertFunction[DateTime]("toDateTime"),
	"convertsToDateTime": convertsToFunction[DateTime]("convertsToDateTime"),
	"toTime":             convertFunction[Time]("toTime"),
	"convertsToTime":     convertsToFunction[Time]("convertsToTime"),
	"toQuantity": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		q, ok, err := toQuantity(ctx, "toQuantity", focus, args)
		if err != nil || !ok {
			return nil, err
		}
		return Collection{q}, nil
	},
	"convertsToQuantity": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if len(focus) == 0 {
			return nil, nil
		}
		_, ok, err := toQuantity(ctx, "convertsToQuantity", focus, args)
		if err != nil {
			return nil, err
		}
		return booleanResult(ok)
	},

	// String functions
	"indexOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "indexOf", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			sub, ok, err := stringArg("indexOf", args[0])
			if err != nil || !ok {
				return nil, err
			}
			return Collection{Integer(runeIndex(s, strings.Index(s, string(sub))))}, nil
		})
	},
	"lastIndexOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "lastIndexOf", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			sub, ok, err := stringArg("lastIndexOf", args[0])
			if err != nil || !ok {
				return nil, err
			}
			return Collection{Integer(runeIndex(s, strings.LastIndex(s, string(sub))))}, nil
		})
	},
	"substring": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("substring", args, 1, 2); err != nil {
			return nil, err
		}
		return stringFunction(ctx, "substring", focus, args, len(args), func(s string, args []Collection) (Collection, error) {
			runes := []rune(s)
			start, ok, err := integerArg("substring", args[0])
			if err != nil || !ok {
				return nil, err
			}
			if start < 0 || start >= len(runes) {
				return nil, nil
			}
			end := len(runes)
			if len(args) == 2 {
				length, ok, err := integerArg("substring", args[1])
				if err != nil {
					return nil, err
				}
				if ok {
					if length <= 0 {
						return Collection{String("")}, nil
					}
					end = min(start+length, len(runes))
				}
			}
			return Collection{String(runes[start:end])}, nil
		})
	},
	"startsWith": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "startsWith", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			prefix, ok, err := stringArg("startsWith", args[0])
			if err != nil || !ok {
				return nil, err
			}
			return booleanResult(strings.HasPrefix(s, string(prefix)))
		})
	},
	"endsWith": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "endsWith", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			suffix, ok, err := stringArg("endsWith", args[0])
			if err != nil || !ok {
				return nil, err
			}
			return booleanResult(strings.HasSuffix(s, string(suffix)))
		})
	},
	"contains": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "contains", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			sub, ok, err := stringArg("contains", args[0])
			if err != nil || !ok {
				return nil, err
			}
			return booleanResult(strings.Contains(s, string(sub)))
		})
	},
	"upper": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "upper", focus, args, 0, func(s string, _ []Collection) (Collection, error) {
			return Collection{String(strings.ToUpper(s))}, nil
		})
	},
	"lower": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "lower", focus, args, 0, func(s string, _ []Collection) (Collection, error) {
			return Collection{String(strings.ToLower(s))}, nil
		})
	},
	"replace": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "replace", focus, args, 2, func(s string, args []Collection) (Collection, error) {
			pattern, ok, err := stringArg("replace", args[0])
			if err != nil || !ok {
				return nil, err
			}
			substitution, ok, err := stringArg("replace", args[1])
			if err != nil || !ok {
				return nil, err
			}
			return Collection{String(strings.ReplaceAll(s, string(pattern), string(substitution)))}, nil
		})
	},
	"matches": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return regexFunction(ctx, "matches", focus, args, false)
	},
	"matchesFull": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return regexFunction(ctx, "matchesFull", focus, args, true)
	},
	"replaceMatches": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "replaceMatches", focus, args, 2, func(s string, args []Collection) (Collection, error) {
			pattern, ok, err := stringArg("replaceMatches", args[0])
			if err != nil || !ok {
				return nil, err
			}
			substitution, ok, err := stringArg("replaceMatches", args[1])
			if err != nil || !ok {
				return nil, err
			}
			re, err := compileRegex(string(pattern), "", false)
			if err != nil {
				return nil, err
			}
			return Collection{String(re.ReplaceAllString(s, string(substitution)))}, nil
		})
	},
	"length": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "length", focus, args, 0, func(s string, _ []Collection) (Collection, error) {
			return Collection{Integer(utf8.RuneCountInString(s))}, nil
		})
	},
	"toChars": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "toChars", focus, args, 0, func(s string, _ []Collection) (Collection, error) {
			var chars Collection
			for _, r := range s {
				chars = append(chars, String(r))
			}
			return chars, nil
		})
	},
	"trim": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "trim", focus, args, 0, func(s string, _ []Collection) (Collection, error) {
			return Collection{String(strings.TrimSpace(s))}, nil
		})
	},
	"split": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "split", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			separator, ok, err := stringArg("split", args[0])
			if err != nil || !ok {
				return nil, err
			}
			parts := strings.Split(s, string(separator))
			result := make(Collection, len(parts))
			for i, part := range parts {
				result[i] = String(part)
			}
			return result, nil
		})
	},
	"join": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("join", args, 0, 1); err != nil {
			return nil, err
		}
		if len(focus) == 0 {
			return nil, nil
		}
		var separator String
		if len(args) == 1 {
			sep, _, err := stringArg("join", args[0])
			if err != nil {
				return nil, err
			}
			separator = sep
		}
		parts := make([]string, 0, len(focus))
		for _, e := range focus {
			s, ok, err := e.ToString(true)
			if err != nil || !ok {
				return nil, functionError("join() can not join %s", e.TypeInfo())
			}
			parts = append(parts, string(s))
		}
		return Collection{String(strings.Join(parts, string(separator)))}, nil
	},
	"encode": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "encode", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			format, ok, err := stringArg("encode", args[0])
			if err != nil || !ok {
				return nil, err
			}
			switch format {
			case "hex":
				return Collection{String(hex.EncodeToString([]byte(s)))}, nil
			case "base64":
				return Collection{String(base64.StdEncoding.EncodeToString([]byte(s)))}, nil
			case "urlbase64":
				return Collection{String(base64.URLEncoding.EncodeToString([]byte(s)))}, nil
			}
			return nil, functionError("unsupported encoding format: %s", format)
		})
	},
	"decode": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return stringFunction(ctx, "decode", focus, args, 1, func(s string, args []Collection) (Collection, error) {
			format, ok, err := stringArg("decode", args[0])
			if err != nil || !ok {
				return nil, err
			}
			var decoded []byte
			switch format {
			case "hex":
				decoded, err = hex.DecodeString(s)
			case "base64":
				decoded, err = base64.StdEncoding.DecodeString(s)
			case "urlbase64":
				decoded, err = base64.URLEncoding.DecodeString(s)
			default:
				return nil, functionError("unsupported encoding format: %s", format)
			}
			if err != nil {
				return nil, functionError("invalid %s string: %v", format, err)
			}
			return Collection{String(decoded)}, nil
		})
	},

	// Math functions
	"abs": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("abs", args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("abs", focus)
		if err != nil || !ok {
			return nil, err
		}
		switch v := e.(type) {
		case Integer:
			if v < 0 {
				return Collection{narrow(-int64(v))}, nil
			}
			return Collection{v}, nil
		case Long:
			if v < 0 {
				r, ok := mulInt64(int64(v), -1)
				if !ok {
					return nil, evaluationError("abs() overflows Long: %v", v)
				}
				return Collection{Long(r)}, nil
			}
			return Collection{v}, nil
		case Decimal:
			var res apd.Decimal
			res.Abs(v.Value)
			return Collection{Decimal{Value: &res}}, nil
		case Quantity:
			var res apd.Decimal
			res.Abs(v.Value.Value)
			return Collection{Quantity{Value: Decimal{Value: &res}, Unit: v.Unit}}, nil
		}
		return nil, functionError("abs() expects Integer, Long, Decimal or Quantity but got %s", e.TypeInfo())
	},
	"ceiling": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return roundingFunction(ctx, "ceiling", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			return c.Ceil(res, d)
		})
	},
	"floor": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return roundingFunction(ctx, "floor", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			return c.Floor(res, d)
		})
	},
	"truncate": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return roundingFunction(ctx, "truncate", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			if d.Negative {
				return c.Ceil(res, d)
			}
			return c.Floor(res, d)
		})
	},
	"round": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("round", args, 0, 1); err != nil {
			return nil, err
		}
		d, ok, err := decimalInput("round", focus)
		if err != nil || !ok {
			return nil, err
		}
		decimalPlaces := 0
		if len(args) == 1 {
			n, ok, err := integerArg("round", args[0])
			if err != nil || !ok {
				return nil, err
			}
			if n < 0 {
				return nil, functionError("round() precision must be >= 0, got %d", n)
			}
			decimalPlaces = n
		}
		apdCtx := apdContext(ctx).WithPrecision(uint32(max(d.NumDigits()+int64(max(d.Exponent, 0))+int64(decimalPlaces), 1)))
		apdCtx.Rounding = apd.RoundHalfUp
		var rounded apd.Decimal
		if _, err := apdCtx.Quantize(&rounded, d, int32(-decimalPlaces)); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &rounded}}, nil
	},
	"exp": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return decimalFunction(ctx, "exp", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			return c.Exp(res, d)
		})
	},
	"ln": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return decimalFunction(ctx, "ln", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			if d.Sign() <= 0 {
				return 0, nil
			}
			return c.Ln(res, d)
		})
	},
	"sqrt": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return decimalFunction(ctx, "sqrt", focus, args, func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error) {
			if d.Negative {
				return 0, nil
			}
			return c.Sqrt(res, d)
		})
	},
	"log": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("log", args, 1, 1); err != nil {
			return nil, err
		}
		d, ok, err := decimalInput("log", focus)
		if err != nil || !ok {
			return nil, err
		}
		base, ok, err := Singleton[Decimal](args[0])
		if err != nil {
			return nil, functionError("log() expects a numeric base: %v", err)
		}
		if !ok || d.Sign() <= 0 || base.Value.Sign() <= 0 {
			return nil, nil
		}
		c := apdContext(ctx)
		var lnX, lnBase, res apd.Decimal
		if _, err := c.Ln(&lnX, d); err != nil {
			return nil, err
		}
		if _, err := c.Ln(&lnBase, base.Value); err != nil {
			return nil, err
		}
		if lnBase.IsZero() {
			return nil, nil
		}
		if _, err := c.Quo(&res, &lnX, &lnBase); err != nil {
			return nil, err
		}
		return Collection{Decimal{Value: &res}}, nil
	},
	"power": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("power", args, 1, 1); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("power", focus)
		if err != nil || !ok || len(args[0]) == 0 {
			return nil, err
		}
		if len(args[0]) > 1 {
			return nil, functionError("power() expects a single exponent")
		}
		if base, isInt := integral(e); isInt {
			if exponent, isInt := integral(args[0][0]); isInt && exponent >= 0 {
				if r, ok := powInt64(base, exponent); ok {
					if _, isLong := e.(Long); isLong {
						return Collection{Long(r)}, nil
					}
					return Collection{narrow(r)}, nil
				}
			}
		}
		base, _, err := e.ToDecimal(false)
		if err != nil {
			return nil, functionError("power() expects a numeric input: %v", err)
		}
		exponent, _, err := args[0][0].ToDecimal(false)
		if err != nil {
			return nil, functionError("power() expects a numeric exponent: %v", err)
		}
		var res apd.Decimal
		if _, err := apdContext(ctx).Pow(&res, base.Value, exponent.Value); err != nil {
			// e.g. fractional powers of negative numbers
			return nil, nil
		}
		return Collection{Decimal{Value: &res}}, nil
	},

	// Date and time functions
	"now": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("now", args, 0, 0); err != nil {
			return nil, err
		}
		return Collection{DateTime{
			Value:       evaluationInstant(ctx),
			Precision:   DateTimePrecisionMillisecond,
			HasTimeZone: true,
		}}, nil
	},
	"today": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("today", args, 0, 0); err != nil {
			return nil, err
		}
		instant := evaluationInstant(ctx)
		return Collection{Date{
			Value:     time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, time.UTC),
			Precision: DateTimePrecisionDay,
		}}, nil
	},
	"timeOfDay": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("timeOfDay", args, 0, 0); err != nil {
			return nil, err
		}
		instant := evaluationInstant(ctx)
		return Collection{Time{
			Value:     time.Date(0, 1, 1, instant.Hour(), instant.Minute(), instant.Second(), instant.Nanosecond(), time.UTC),
			Precision: DateTimePrecisionMillisecond,
		}}, nil
	},
	"yearOf": componentFunction("yearOf", DateTimePrecisionYear, func(t time.Time) int {
		return t.Year()
	}),
	"monthOf": componentFunction("monthOf", DateTimePrecisionMonth, func(t time.Time) int {
		return int(t.Month())
	}),
	"dayOf": componentFunction("dayOf", DateTimePrecisionDay, func(t time.Time) int {
		return t.Day()
	}),
	"hourOf": componentFunction("hourOf", DateTimePrecisionHour, func(t time.Time) int {
		return t.Hour()
	}),
	"minuteOf": componentFunction("minuteOf", DateTimePrecisionMinute, func(t time.Time) int {
		return t.Minute()
	}),
	"secondOf": componentFunction("secondOf", DateTimePrecisionSecond, func(t time.Time) int {
		return t.Second()
	}),
	"millisecondOf": componentFunction("millisecondOf", DateTimePrecisionMillisecond, func(t time.Time) int {
		return t.Nanosecond() / int(time.Millisecond)
	}),
	"timezoneOffsetOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("timezoneOffsetOf", args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("timezoneOffsetOf", focus)
		if err != nil || !ok {
			return nil, err
		}
		dt, isDateTime := e.(DateTime)
		if !isDateTime {
			return nil, functionError("timezoneOffsetOf() expects a DateTime, got %s", e.TypeInfo())
		}
		if !dt.HasTimeZone {
			return nil, nil
		}
		_, offset := dt.Value.Zone()
		var hours apd.Decimal
		if _, err := apdContext(ctx).Quo(&hours, apd.New(int64(offset), 0), apd.New(3600, 0)); err != nil {
			return nil, err
		}
		hours.Reduce(&hours)
		return Collection{Decimal{Value: &hours}}, nil
	},
	"dateOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("dateOf", args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("dateOf", focus)
		if err != nil || !ok {
			return nil, err
		}
		switch v := e.(type) {
		case Date:
			return Collection{v}, nil
		case DateTime:
			d, _, _ := v.ToDate(true)
			return Collection{d}, nil
		}
		return nil, functionError("dateOf() expects a Date or DateTime, got %s", e.TypeInfo())
	},
	"timeOf": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("timeOf", args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("timeOf", focus)
		if err != nil || !ok {
			return nil, err
		}
		dt, isDateTime := e.(DateTime)
		if !isDateTime {
			return nil, functionError("timeOf() expects a DateTime, got %s", e.TypeInfo())
		}
		if !dt.Precision.includes(DateTimePrecisionHour) {
			return nil, nil
		}
		v := dt.Value
		return Collection{Time{
			Value:     time.Date(0, 1, 1, v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), time.UTC),
			Precision: dt.Precision,
		}}, nil
	},
	"precision": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("precision", args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("precision", focus)
		if err != nil || !ok {
			return nil, err
		}
		switch v := e.(type) {
		case Decimal:
			return Collection{Integer(v.Precision())}, nil
		case Integer, Long:
			return Collection{Integer(0)}, nil
		case Date:
			return Collection{Integer(datePrecisionDigits(v.Precision))}, nil
		case DateTime:
			return Collection{Integer(datePrecisionDigits(v.Precision) + timePrecisionDigits(v.Precision))}, nil
		case Time:
			return Collection{Integer(timePrecisionDigits(v.Precision))}, nil
		}
		return nil, functionError("precision() is not defined for %s", e.TypeInfo())
	},

	// Utility functions
	"not": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("not", args, 0, 0); err != nil {
			return nil, err
		}
		b, known := truthy(focus)
		if !known {
			return nil, nil
		}
		return booleanResult(!b)
	},
	"trace": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("trace", args, 1, 2); err != nil {
			return nil, err
		}
		name, ok, err := stringArg("trace", args[0])
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, functionError("trace() name parameter can not be empty")
		}
		logged := focus
		if len(args) == 2 {
			logged = args[1]
		}
		logger, ok := tracer(ctx)
		if !ok {
			logger = StdoutTracer{}
		}
		if err := logger.Log(string(name), logged); err != nil {
			return nil, err
		}
		return focus, nil
	},
	"children": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("children", args, 0, 0); err != nil {
			return nil, err
		}
		var children Collection
		for _, e := range focus {
			children = append(children, e.Children()...)
		}
		return children, nil
	},
	"descendants": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("descendants", args, 0, 0); err != nil {
			return nil, err
		}
		// input trees are finite, so the walk ends once no node has children
		var descendants Collection
		current := focus
		for len(current) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var next Collection
			for _, e := range current {
				next = append(next, e.Children()...)
			}
			descendants = append(descendants, next...)
			current = next
		}
		return descendants, nil
	},
	"comparable": func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity("comparable", args, 1, 1); err != nil {
			return nil, err
		}
		e, ok, err := singleInput("comparable", focus)
		if err != nil || !ok || len(args[0]) != 1 {
			return nil, err
		}
		left, isQuantity := e.(Quantity)
		right, isOtherQuantity := args[0][0].(Quantity)
		if !isQuantity || !isOtherQuantity {
			return nil, functionError("comparable() expects quantities, got %s and %s", e.TypeInfo(), args[0][0].TypeInfo())
		}
		return booleanResult(unitsCompatible(string(canonicalUnit(left.Unit)), string(canonicalUnit(right.Unit))))
	},
}

func booleanReduction(name string, focus Collection, args []Collection, want, all bool) (Collection, error) {
	if err := checkArity(name, args, 0, 0); err != nil {
		return nil, err
	}
	for _, e := range focus {
		b, isBoolean := e.(Boolean)
		if !isBoolean {
			return nil, functionError("%s() expects Boolean elements, got %s", name, e.TypeInfo())
		}
		if all && bool(b) != want {
			return booleanResult(false)
		}
		if !all && bool(b) == want {
			return booleanResult(true)
		}
	}
	return booleanResult(all)
}

func convertFunction[T Element](name string) Function {
	return func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity(name, args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput(name, focus)
		if err != nil || !ok {
			return nil, err
		}
		v, ok, err := elementTo[T](e, true)
		if err != nil || !ok {
			return nil, nil
		}
		return Collection{v}, nil
	}
}

func convertsToFunction[T Element](name string) Function {
	return func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity(name, args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput(name, focus)
		if err != nil || !ok {
			return nil, err
		}
		_, ok, err = elementTo[T](e, true)
		return booleanResult(err == nil && ok)
	}
}

// toQuantity converts the focus to a quantity, optionally expressed in the unit given as argument.
func toQuantity(ctx context.Context, name string, focus Collection, args []Collection) (Quantity, bool, error) {
	if err := checkArity(name, args, 0, 1); err != nil {
		return Quantity{}, false, err
	}
	e, ok, err := singleInput(name, focus)
	if err != nil || !ok {
		return Quantity{}, false, err
	}
	q, ok, err := e.ToQuantity(true)
	if err != nil || !ok {
		return Quantity{}, false, nil
	}
	if len(args) == 1 {
		unit, ok, err := stringArg(name, args[0])
		if err != nil || !ok {
			return Quantity{}, false, err
		}
		converted, err := q.ConvertTo(ctx, string(unit))
		if err != nil {
			return Quantity{}, false, nil
		}
		converted.Unit = unit
		return converted, true, nil
	}
	return q, true, nil
}

// stringFunction applies fn to the single string of focus after checking the argument count.
// An empty focus or an empty argument results in empty.
func stringFunction(
	ctx context.Context,
	name string,
	focus Collection,
	args []Collection,
	arity int,
	fn func(s string, args []Collection) (Collection, error),
) (Collection, error) {
	if err := checkArity(name, args, arity, arity); err != nil {
		return nil, err
	}
	s, ok, err := Singleton[String](focus)
	if err != nil {
		return nil, functionError("%s() expects a single String input: %v", name, err)
	}
	if !ok {
		return nil, nil
	}
	return fn(string(s), args)
}

// runeIndex converts a byte offset in s to a character offset.
func runeIndex(s string, byteIndex int) int {
	if byteIndex < 0 {
		return -1
	}
	return utf8.RuneCountInString(s[:byteIndex])
}

// compileRegex compiles a FHIRPath regular expression. Dot matches newlines.
func compileRegex(pattern, flags string, full bool) (*regexp.Regexp, error) {
	if full {
		pattern = "^(?:" + pattern + ")$"
	}
	pattern = "(?s)" + pattern
	for _, flag := range flags {
		switch flag {
		case 'i':
			pattern = "(?i)" + pattern
		case 'm':
			pattern = "(?m)" + pattern
		default:
			return nil, functionError("unsupported regex flag: %c", flag)
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, functionError("invalid regular expression: %v", err)
	}
	return re, nil
}

func regexFunction(ctx context.Context, name string, focus Collection, args []Collection, full bool) (Collection, error) {
	if err := checkArity(name, args, 1, 2); err != nil {
		return nil, err
	}
	return stringFunction(ctx, name, focus, args, len(args), func(s string, args []Collection) (Collection, error) {
		pattern, ok, err := stringArg(name, args[0])
		if err != nil || !ok {
			return nil, err
		}
		var flags String
		if len(args) == 2 {
			if flags, _, err = stringArg(name, args[1]); err != nil {
				return nil, err
			}
		}
		re, err := compileRegex(string(pattern), string(flags), full)
		if err != nil {
			return nil, err
		}
		return booleanResult(re.MatchString(s))
	})
}

// decimalInput returns the single numeric input as decimal.
func decimalInput(name string, focus Collection) (*apd.Decimal, bool, error) {
	e, ok, err := singleInput(name, focus)
	if err != nil || !ok {
		return nil, false, err
	}
	d, ok, err := e.ToDecimal(false)
	if err != nil || !ok {
		return nil, false, functionError("%s() expects Integer, Long or Decimal but got %s", name, e.TypeInfo())
	}
	return d.Value, true, nil
}

// decimalFunction applies op to the numeric input. A zero result without
// error and condition from op means the function is undefined for the input.
func decimalFunction(
	ctx context.Context,
	name string,
	focus Collection,
	args []Collection,
	op func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error),
) (Collection, error) {
	if err := checkArity(name, args, 0, 0); err != nil {
		return nil, err
	}
	d, ok, err := decimalInput(name, focus)
	if err != nil || !ok {
		return nil, err
	}
	res := new(apd.Decimal)
	res.Form = apd.NaN
	if _, err := op(apdContext(ctx), res, d); err != nil {
		return nil, err
	}
	if res.Form == apd.NaN {
		return nil, nil
	}
	return Collection{Decimal{Value: res}}, nil
}

// roundingFunction rounds the numeric input to an integer with op.
func roundingFunction(
	ctx context.Context,
	name string,
	focus Collection,
	args []Collection,
	op func(c *apd.Context, res, d *apd.Decimal) (apd.Condition, error),
) (Collection, error) {
	if err := checkArity(name, args, 0, 0); err != nil {
		return nil, err
	}
	e, ok, err := singleInput(name, focus)
	if err != nil || !ok {
		return nil, err
	}
	switch e.(type) {
	case Integer, Long:
		return Collection{e}, nil
	}
	d, ok, err := decimalInput(name, focus)
	if err != nil || !ok {
		return nil, err
	}
	var res apd.Decimal
	if _, err := op(apdContext(ctx), &res, d); err != nil {
		return nil, err
	}
	i, err := res.Int64()
	if err != nil {
		return nil, evaluationError("%s() result out of range: %v", name, err)
	}
	return Collection{narrow(i)}, nil
}

// integral returns the value of Integer and Long elements.
func integral(e Element) (int64, bool) {
	switch v := e.(type) {
	case Integer:
		return int64(v), true
	case Long:
		return int64(v), true
	}
	return 0, false
}

func powInt64(base, exponent int64) (int64, bool) {
	result := int64(1)
	for range exponent {
		var ok bool
		if result, ok = mulInt64(result, base); !ok {
			return 0, false
		}
	}
	return result, true
}

func componentFunction(name string, level DateTimePrecision, component func(t time.Time) int) Function {
	return func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		if err := checkArity(name, args, 0, 0); err != nil {
			return nil, err
		}
		e, ok, err := singleInput(name, focus)
		if err != nil || !ok {
			return nil, err
		}

		var (
			t         time.Time
			precision DateTimePrecision
		)
		switch v := e.(type) {
		case Date:
			if level.order() > DateTimePrecisionDay.order() {
				return nil, functionError("%s() is not defined for Date", name)
			}
			t, precision = v.Value, v.Precision
		case DateTime:
			t, precision = v.Value, v.Precision
		case Time:
			if level.order() < DateTimePrecisionHour.order() {
				return nil, functionError("%s() is not defined for Time", name)
			}
			t, precision = v.Value, v.Precision
		default:
			return nil, functionError("%s() expects a temporal value, got %s", name, e.TypeInfo())
		}
		if !precision.includes(level) {
			return nil, nil
		}
		return Collection{Integer(component(t))}, nil
	}
}

func datePrecisionDigits(p DateTimePrecision) int {
	switch {
	case p.includes(DateTimePrecisionDay):
		return 8
	case p.includes(DateTimePrecisionMonth):
		return 6
	}
	return 4
}

func timePrecisionDigits(p DateTimePrecision) int {
	switch {
	case p.includes(DateTimePrecisionMillisecond):
		return 9
	case p.includes(DateTimePrecisionSecond):
		return 6
	case p.includes(DateTimePrecisionMinute):
		return 4
	case p.includes(DateTimePrecisionHour):
		return 2
	}
	return 0
}

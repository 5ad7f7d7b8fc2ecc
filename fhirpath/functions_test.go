package fhirpath

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/go-cmp/cmp"
)

var fixedEvaluationInstant = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

func dec(s string) Decimal {
	return Decimal{Value: mustDecimal(s)}
}

func mustDecimal(s string) *apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mustObject(t *testing.T, data string) Object {
	t.Helper()
	o, err := ParseObject([]byte(data))
	if err != nil {
		t.Fatalf("invalid test object: %v", err)
	}
	return o
}

// render describes every element with its Go type, so that 1 and 1.0 differ.
func render(c Collection) []string {
	out := make([]string, len(c))
	for i, e := range c {
		out[i] = fmt.Sprintf("%T %v", e, e)
	}
	return out
}

func testContext() context.Context {
	return WithEvaluationTime(context.Background(), fixedEvaluationInstant)
}

type functionTest struct {
	name     string
	fn       Function
	target   Collection
	args     []Collection
	expected Collection
}

func runFunctionTests(t *testing.T, tests []functionTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testFunction(t, tt.fn, tt.target, tt.args, tt.expected)
		})
	}
}

func testFunction(t *testing.T, fn Function, target Collection, args []Collection, expected Collection) {
	t.Helper()
	result, err := fn(testContext(), target, args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(render(expected), render(result)); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
}

func testFunctionError(t *testing.T, fn Function, target Collection, args []Collection, kind ErrorKind) {
	t.Helper()
	_, err := fn(testContext(), target, args)
	if err == nil {
		t.Fatalf("expected %s, got none", kind)
	}
	if !errors.Is(err, kind) {
		t.Errorf("expected %s, got %v", kind, err)
	}
}

func TestExistenceFunctions(t *testing.T) {
	runFunctionTests(t, []functionTest{
		{
			name:     "empty on empty",
			fn:       defaultFunctions["empty"],
			expected: Collection{Boolean(true)},
		},
		{
			name:     "empty on items",
			fn:       defaultFunctions["empty"],
			target:   Collection{Integer(1)},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "exists",
			fn:       defaultFunctions["exists"],
			target:   Collection{Integer(1), Integer(2)},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "allTrue on empty",
			fn:       defaultFunctions["allTrue"],
			expected: Collection{Boolean(true)},
		},
		{
			name:     "allTrue with false",
			fn:       defaultFunctions["allTrue"],
			target:   Collection{Boolean(true), Boolean(false)},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "anyTrue",
			fn:       defaultFunctions["anyTrue"],
			target:   Collection{Boolean(false), Boolean(true)},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "anyTrue on empty",
			fn:       defaultFunctions["anyTrue"],
			expected: Collection{Boolean(false)},
		},
		{
			name:     "allFalse",
			fn:       defaultFunctions["allFalse"],
			target:   Collection{Boolean(false), Boolean(false)},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "anyFalse",
			fn:       defaultFunctions["anyFalse"],
			target:   Collection{Boolean(true)},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "count",
			fn:       defaultFunctions["count"],
			target:   Collection{String("a"), String("b"), String("a")},
			expected: Collection{Integer(3)},
		},
		{
			name:     "count on empty",
			fn:       defaultFunctions["count"],
			expected: Collection{Integer(0)},
		},
		{
			name:     "distinct keeps first occurrence",
			fn:       defaultFunctions["distinct"],
			target:   Collection{Integer(2), Integer(1), Integer(2)},
			expected: Collection{Integer(2), Integer(1)},
		},
		{
			name:     "isDistinct",
			fn:       defaultFunctions["isDistinct"],
			target:   Collection{Integer(1), Integer(1)},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "subsetOf",
			fn:       defaultFunctions["subsetOf"],
			target:   Collection{Integer(1), Integer(2)},
			args:     []Collection{{Integer(3), Integer(2), Integer(1)}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "empty is subset of anything",
			fn:       defaultFunctions["subsetOf"],
			args:     []Collection{nil},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "supersetOf",
			fn:       defaultFunctions["supersetOf"],
			target:   Collection{Integer(1), Integer(2)},
			args:     []Collection{{Integer(3)}},
			expected: Collection{Boolean(false)},
		},
	})

	t.Run("allTrue rejects non booleans", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["allTrue"], Collection{Integer(1)}, nil, FunctionError)
	})
	t.Run("exists with too many arguments", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["exists"], nil, []Collection{nil}, FunctionError)
	})
}

func TestSubsettingFunctions(t *testing.T) {
	items := Collection{Integer(1), Integer(2), Integer(3), Integer(4)}
	runFunctionTests(t, []functionTest{
		{
			name:     "single",
			fn:       defaultFunctions["single"],
			target:   Collection{String("a")},
			expected: Collection{String("a")},
		},
		{
			name: "single on empty",
			fn:   defaultFunctions["single"],
		},
		{
			name:     "first",
			fn:       defaultFunctions["first"],
			target:   items,
			expected: Collection{Integer(1)},
		},
		{
			name:     "last",
			fn:       defaultFunctions["last"],
			target:   items,
			expected: Collection{Integer(4)},
		},
		{
			name:     "tail",
			fn:       defaultFunctions["tail"],
			target:   items,
			expected: Collection{Integer(2), Integer(3), Integer(4)},
		},
		{
			name:   "tail of single item",
			fn:     defaultFunctions["tail"],
			target: Collection{Integer(1)},
		},
		{
			name:     "skip",
			fn:       defaultFunctions["skip"],
			target:   items,
			args:     []Collection{{Integer(2)}},
			expected: Collection{Integer(3), Integer(4)},
		},
		{
			name:     "skip negative",
			fn:       defaultFunctions["skip"],
			target:   items,
			args:     []Collection{{Integer(-1)}},
			expected: items,
		},
		{
			name:   "skip all",
			fn:     defaultFunctions["skip"],
			target: items,
			args:   []Collection{{Integer(10)}},
		},
		{
			name:     "take",
			fn:       defaultFunctions["take"],
			target:   items,
			args:     []Collection{{Integer(2)}},
			expected: Collection{Integer(1), Integer(2)},
		},
		{
			name:   "take zero",
			fn:     defaultFunctions["take"],
			target: items,
			args:   []Collection{{Integer(0)}},
		},
		{
			name:     "intersect removes duplicates",
			fn:       defaultFunctions["intersect"],
			target:   Collection{Integer(1), Integer(2), Integer(2), Integer(3)},
			args:     []Collection{{Integer(2), Integer(3), Integer(5)}},
			expected: Collection{Integer(2), Integer(3)},
		},
		{
			name:     "exclude keeps duplicates",
			fn:       defaultFunctions["exclude"],
			target:   Collection{Integer(1), Integer(2), Integer(1), Integer(3)},
			args:     []Collection{{Integer(3)}},
			expected: Collection{Integer(1), Integer(2), Integer(1)},
		},
	})

	t.Run("single with many items", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["single"], items, nil, EvaluationError)
	})
	t.Run("skip with string count", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["skip"], items, []Collection{{String("1")}}, FunctionError)
	})
}

func TestCombiningFunctions(t *testing.T) {
	runFunctionTests(t, []functionTest{
		{
			name:     "union",
			fn:       defaultFunctions["union"],
			target:   Collection{Integer(1), Integer(2), Integer(1)},
			args:     []Collection{{Integer(2), Integer(3)}},
			expected: Collection{Integer(1), Integer(2), Integer(3)},
		},
		{
			name:     "union with equal numbers of different types",
			fn:       defaultFunctions["union"],
			target:   Collection{Integer(1)},
			args:     []Collection{{dec("1.0")}},
			expected: Collection{Integer(1)},
		},
		{
			name:     "combine",
			fn:       defaultFunctions["combine"],
			target:   Collection{Integer(1), Integer(2)},
			args:     []Collection{{Integer(2)}},
			expected: Collection{Integer(1), Integer(2), Integer(2)},
		},
		{
			name:     "coalesce",
			fn:       defaultFunctions["coalesce"],
			args:     []Collection{nil, {String("b")}, {String("c")}},
			expected: Collection{String("b")},
		},
		{
			name: "coalesce all empty",
			fn:   defaultFunctions["coalesce"],
			args: []Collection{nil, nil},
		},
		{
			name:     "iif true",
			fn:       defaultFunctions["iif"],
			args:     []Collection{{Boolean(true)}, {String("yes")}, {String("no")}},
			expected: Collection{String("yes")},
		},
		{
			name:     "iif false",
			fn:       defaultFunctions["iif"],
			args:     []Collection{{Boolean(false)}, {String("yes")}, {String("no")}},
			expected: Collection{String("no")},
		},
		{
			name:     "iif empty criterion",
			fn:       defaultFunctions["iif"],
			args:     []Collection{nil, {String("yes")}, {String("no")}},
			expected: Collection{String("no")},
		},
		{
			name: "iif false without otherwise",
			fn:   defaultFunctions["iif"],
			args: []Collection{{Boolean(false)}, {String("yes")}},
		},
	})

	t.Run("iif with many focus items", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["iif"], Collection{Integer(1), Integer(2)},
			[]Collection{{Boolean(true)}, {String("yes")}}, EvaluationError)
	})
	t.Run("coalesce without arguments", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["coalesce"], nil, nil, FunctionError)
	})
}

func TestConversionFunctions(t *testing.T) {
	date, _ := ParseDate("2020-01")
	dateTime, _ := ParseDateTime("2020-01-02T10:30:00Z")
	runFunctionTests(t, []functionTest{
		{
			name:     "toInteger from string",
			fn:       defaultFunctions["toInteger"],
			target:   Collection{String("12")},
			expected: Collection{Integer(12)},
		},
		{
			name:   "toInteger from invalid string",
			fn:     defaultFunctions["toInteger"],
			target: Collection{String("x")},
		},
		{
			name:     "convertsToInteger from invalid string",
			fn:       defaultFunctions["convertsToInteger"],
			target:   Collection{String("x")},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "toInteger from boolean",
			fn:       defaultFunctions["toInteger"],
			target:   Collection{Boolean(true)},
			expected: Collection{Integer(1)},
		},
		{
			name:     "toLong from string",
			fn:       defaultFunctions["toLong"],
			target:   Collection{String("5000000000")},
			expected: Collection{Long(5000000000)},
		},
		{
			name:     "toDecimal from integer",
			fn:       defaultFunctions["toDecimal"],
			target:   Collection{Integer(3)},
			expected: Collection{Decimal{Value: apd.New(3, 0)}},
		},
		{
			name:     "toDecimal from string",
			fn:       defaultFunctions["toDecimal"],
			target:   Collection{String("1.50")},
			expected: Collection{dec("1.50")},
		},
		{
			name:     "toBoolean from string",
			fn:       defaultFunctions["toBoolean"],
			target:   Collection{String("yes")},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "toString from boolean",
			fn:       defaultFunctions["toString"],
			target:   Collection{Boolean(false)},
			expected: Collection{String("false")},
		},
		{
			name:     "toString from integer",
			fn:       defaultFunctions["toString"],
			target:   Collection{Integer(42)},
			expected: Collection{String("42")},
		},
		{
			name:     "toDate from string",
			fn:       defaultFunctions["toDate"],
			target:   Collection{String("2020-01")},
			expected: Collection{date},
		},
		{
			name:     "toDateTime from string",
			fn:       defaultFunctions["toDateTime"],
			target:   Collection{String("2020-01-02T10:30:00Z")},
			expected: Collection{dateTime},
		},
		{
			name:     "convertsToDate from integer",
			fn:       defaultFunctions["convertsToDate"],
			target:   Collection{Integer(1)},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "convertsToQuantity from string",
			fn:       defaultFunctions["convertsToQuantity"],
			target:   Collection{String("5 'mg'")},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "convertsToQuantity from date",
			fn:       defaultFunctions["convertsToQuantity"],
			target:   Collection{date},
			expected: Collection{Boolean(false)},
		},
		{
			name: "conversion of empty",
			fn:   defaultFunctions["toInteger"],
		},
	})

	t.Run("toQuantity with target unit", func(t *testing.T) {
		result, err := defaultFunctions["toQuantity"](testContext(), Collection{String("5 'mg'")}, []Collection{{String("g")}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result) != 1 {
			t.Fatalf("expected one quantity, got %v", result)
		}
		q, ok := result[0].(Quantity)
		if !ok {
			t.Fatalf("expected Quantity, got %T", result[0])
		}
		if q.Unit != "g" || q.Value.Value.Cmp(mustDecimal("0.005")) != 0 {
			t.Errorf("toQuantity('g') = %v, want 0.005 'g'", q)
		}
	})
	t.Run("toQuantity with incompatible unit", func(t *testing.T) {
		testFunction(t, defaultFunctions["toQuantity"], Collection{String("5 'mg'")}, []Collection{{String("m")}}, nil)
	})
	t.Run("conversion of many items", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["toString"], Collection{Integer(1), Integer(2)}, nil, EvaluationError)
	})
}

func TestStringFunctions(t *testing.T) {
	runFunctionTests(t, []functionTest{
		{
			name:     "indexOf",
			fn:       defaultFunctions["indexOf"],
			target:   Collection{String("abcdef")},
			args:     []Collection{{String("cd")}},
			expected: Collection{Integer(2)},
		},
		{
			name:     "indexOf counts characters",
			fn:       defaultFunctions["indexOf"],
			target:   Collection{String("äöü")},
			args:     []Collection{{String("ü")}},
			expected: Collection{Integer(2)},
		},
		{
			name:     "indexOf missing",
			fn:       defaultFunctions["indexOf"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("x")}},
			expected: Collection{Integer(-1)},
		},
		{
			name:     "lastIndexOf",
			fn:       defaultFunctions["lastIndexOf"],
			target:   Collection{String("abcabc")},
			args:     []Collection{{String("b")}},
			expected: Collection{Integer(4)},
		},
		{
			name:     "substring with length",
			fn:       defaultFunctions["substring"],
			target:   Collection{String("abcdef")},
			args:     []Collection{{Integer(1)}, {Integer(2)}},
			expected: Collection{String("bc")},
		},
		{
			name:     "substring to end",
			fn:       defaultFunctions["substring"],
			target:   Collection{String("abcdef")},
			args:     []Collection{{Integer(2)}},
			expected: Collection{String("cdef")},
		},
		{
			name:   "substring out of range",
			fn:     defaultFunctions["substring"],
			target: Collection{String("abc")},
			args:   []Collection{{Integer(10)}},
		},
		{
			name:     "startsWith",
			fn:       defaultFunctions["startsWith"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("ab")}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "endsWith",
			fn:       defaultFunctions["endsWith"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("ab")}},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "contains",
			fn:       defaultFunctions["contains"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("b")}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "upper",
			fn:       defaultFunctions["upper"],
			target:   Collection{String("abc")},
			expected: Collection{String("ABC")},
		},
		{
			name:     "lower",
			fn:       defaultFunctions["lower"],
			target:   Collection{String("ABC")},
			expected: Collection{String("abc")},
		},
		{
			name:     "replace",
			fn:       defaultFunctions["replace"],
			target:   Collection{String("banana")},
			args:     []Collection{{String("a")}, {String("o")}},
			expected: Collection{String("bonono")},
		},
		{
			name:     "matches is partial",
			fn:       defaultFunctions["matches"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("b")}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "matches with flags",
			fn:       defaultFunctions["matches"],
			target:   Collection{String("ABC")},
			args:     []Collection{{String("^abc$")}, {String("i")}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "dot matches newline",
			fn:       defaultFunctions["matches"],
			target:   Collection{String("a\nb")},
			args:     []Collection{{String("a.b")}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "matchesFull",
			fn:       defaultFunctions["matchesFull"],
			target:   Collection{String("abc")},
			args:     []Collection{{String("b")}},
			expected: Collection{Boolean(false)},
		},
		{
			name:     "replaceMatches",
			fn:       defaultFunctions["replaceMatches"],
			target:   Collection{String("a1b2")},
			args:     []Collection{{String("[0-9]")}, {String("#")}},
			expected: Collection{String("a#b#")},
		},
		{
			name:     "length counts characters",
			fn:       defaultFunctions["length"],
			target:   Collection{String("héllo")},
			expected: Collection{Integer(5)},
		},
		{
			name:     "toChars",
			fn:       defaultFunctions["toChars"],
			target:   Collection{String("ab")},
			expected: Collection{String("a"), String("b")},
		},
		{
			name:     "trim",
			fn:       defaultFunctions["trim"],
			target:   Collection{String("  x \t")},
			expected: Collection{String("x")},
		},
		{
			name:     "split",
			fn:       defaultFunctions["split"],
			target:   Collection{String("a,b,,c")},
			args:     []Collection{{String(",")}},
			expected: Collection{String("a"), String("b"), String(""), String("c")},
		},
		{
			name:     "join",
			fn:       defaultFunctions["join"],
			target:   Collection{String("a"), String("b")},
			args:     []Collection{{String("-")}},
			expected: Collection{String("a-b")},
		},
		{
			name:     "join without separator",
			fn:       defaultFunctions["join"],
			target:   Collection{String("a"), String("b")},
			expected: Collection{String("ab")},
		},
		{
			name:     "encode base64",
			fn:       defaultFunctions["encode"],
			target:   Collection{String("hello")},
			args:     []Collection{{String("base64")}},
			expected: Collection{String("aGVsbG8=")},
		},
		{
			name:     "encode hex",
			fn:       defaultFunctions["encode"],
			target:   Collection{String("hi")},
			args:     []Collection{{String("hex")}},
			expected: Collection{String("6869")},
		},
		{
			name:     "decode base64",
			fn:       defaultFunctions["decode"],
			target:   Collection{String("aGVsbG8=")},
			args:     []Collection{{String("base64")}},
			expected: Collection{String("hello")},
		},
		{
			name: "string function on empty",
			fn:   defaultFunctions["upper"],
		},
		{
			name:   "empty argument",
			fn:     defaultFunctions["startsWith"],
			target: Collection{String("abc")},
			args:   []Collection{nil},
		},
	})

	t.Run("string function on integer", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["upper"], Collection{Integer(1)}, nil, FunctionError)
	})
	t.Run("invalid regular expression", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["matches"], Collection{String("a")}, []Collection{{String("(")}}, FunctionError)
	})
	t.Run("unknown encoding", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["encode"], Collection{String("a")}, []Collection{{String("rot13")}}, FunctionError)
	})
}

func TestMathFunctions(t *testing.T) {
	runFunctionTests(t, []functionTest{
		{
			name:     "abs integer",
			fn:       defaultFunctions["abs"],
			target:   Collection{Integer(-5)},
			expected: Collection{Integer(5)},
		},
		{
			name:     "abs decimal",
			fn:       defaultFunctions["abs"],
			target:   Collection{dec("-1.5")},
			expected: Collection{dec("1.5")},
		},
		{
			name:     "abs quantity keeps unit",
			fn:       defaultFunctions["abs"],
			target:   Collection{Quantity{Value: dec("-2"), Unit: "mg"}},
			expected: Collection{Quantity{Value: dec("2"), Unit: "mg"}},
		},
		{
			name:     "ceiling",
			fn:       defaultFunctions["ceiling"],
			target:   Collection{dec("1.1")},
			expected: Collection{Integer(2)},
		},
		{
			name:     "floor negative",
			fn:       defaultFunctions["floor"],
			target:   Collection{dec("-1.1")},
			expected: Collection{Integer(-2)},
		},
		{
			name:     "truncate negative",
			fn:       defaultFunctions["truncate"],
			target:   Collection{dec("-1.7")},
			expected: Collection{Integer(-1)},
		},
		{
			name:     "floor of integer",
			fn:       defaultFunctions["floor"],
			target:   Collection{Integer(3)},
			expected: Collection{Integer(3)},
		},
		{
			name:     "round to places",
			fn:       defaultFunctions["round"],
			target:   Collection{dec("3.14159")},
			args:     []Collection{{Integer(2)}},
			expected: Collection{dec("3.14")},
		},
		{
			name:     "round half up",
			fn:       defaultFunctions["round"],
			target:   Collection{dec("2.5")},
			expected: Collection{dec("3")},
		},
		{
			name:     "power of integers",
			fn:       defaultFunctions["power"],
			target:   Collection{Integer(2)},
			args:     []Collection{{Integer(10)}},
			expected: Collection{Integer(1024)},
		},
		{
			name:     "power overflowing integer",
			fn:       defaultFunctions["power"],
			target:   Collection{Integer(2)},
			args:     []Collection{{Integer(40)}},
			expected: Collection{Long(1099511627776)},
		},
		{
			name:   "sqrt of negative",
			fn:     defaultFunctions["sqrt"],
			target: Collection{Integer(-1)},
		},
		{
			name:   "ln of zero",
			fn:     defaultFunctions["ln"],
			target: Collection{Integer(0)},
		},
		{
			name: "math on empty",
			fn:   defaultFunctions["abs"],
		},
	})

	approx := []struct {
		name     string
		fn       Function
		target   Collection
		args     []Collection
		expected string
	}{
		{name: "sqrt", fn: defaultFunctions["sqrt"], target: Collection{Integer(16)}, expected: "4"},
		{name: "exp", fn: defaultFunctions["exp"], target: Collection{Integer(0)}, expected: "1"},
		{name: "ln", fn: defaultFunctions["ln"], target: Collection{Integer(1)}, expected: "0"},
		{name: "log", fn: defaultFunctions["log"], target: Collection{Integer(100)}, args: []Collection{{Integer(10)}}, expected: "2"},
		{name: "power of decimal", fn: defaultFunctions["power"], target: Collection{dec("2.5")}, args: []Collection{{Integer(2)}}, expected: "6.25"},
	}
	for _, tt := range approx {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn(testContext(), tt.target, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			d, ok, err := Singleton[Decimal](result)
			if err != nil || !ok {
				t.Fatalf("expected a single decimal, got %v", result)
			}
			var diff apd.Decimal
			if _, err := apd.BaseContext.WithPrecision(34).Sub(&diff, d.Value, mustDecimal(tt.expected)); err != nil {
				t.Fatal(err)
			}
			diff.Abs(&diff)
			if diff.Cmp(mustDecimal("1e-20")) > 0 {
				t.Errorf("%s = %v, want %s", tt.name, d, tt.expected)
			}
		})
	}

	t.Run("abs of string", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["abs"], Collection{String("1")}, nil, FunctionError)
	})
	t.Run("round with negative precision", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["round"], Collection{dec("1.5")}, []Collection{{Integer(-1)}}, FunctionError)
	})
}

func TestTemporalFunctionsDeterministic(t *testing.T) {
	ctx := testContext()
	call := func(name string) Collection {
		result, err := defaultFunctions[name](ctx, nil, nil)
		if err != nil {
			t.Fatalf("%s() unexpected error: %v", name, err)
		}
		return result
	}

	nowFirst, nowSecond := call("now"), call("now")
	if !nowFirst.Equivalent(nowSecond) {
		t.Fatalf("now() results differ within same context: %v vs %v", nowFirst, nowSecond)
	}
	dt, ok := nowFirst[0].(DateTime)
	if !ok {
		t.Fatalf("expected DateTime result, got %T", nowFirst[0])
	}
	if !dt.Value.Equal(fixedEvaluationInstant) || !dt.HasTimeZone {
		t.Fatalf("now() = %v, want %v with timezone", dt, fixedEvaluationInstant)
	}

	timeValue, ok := call("timeOfDay")[0].(Time)
	if !ok {
		t.Fatal("expected Time result")
	}
	if timeValue.Value.Year() != 0 || timeValue.Value.Month() != 1 || timeValue.Value.Day() != 1 {
		t.Fatalf("timeOfDay() should zero-out date component, got %v", timeValue.Value)
	}
	if timeValue.Value.Hour() != 3 || timeValue.Value.Minute() != 4 || timeValue.Value.Second() != 5 {
		t.Fatalf("timeOfDay() = %v, want 03:04:05", timeValue)
	}

	today, ok := call("today")[0].(Date)
	if !ok {
		t.Fatal("expected Date result")
	}
	if today.String() != "2020-01-02" || today.Precision != DateTimePrecisionDay {
		t.Fatalf("today() = %v, want 2020-01-02", today)
	}
}

func TestWithEvaluationTimeControlsTemporalFunctions(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	sourceInstant := time.Date(2024, 7, 3, 11, 22, 33, 987654321, loc)
	ctx := WithEvaluationTime(nil, sourceInstant)

	want := sourceInstant.Truncate(time.Millisecond)
	if got := evaluationInstant(ctx); !got.Equal(want) {
		t.Fatalf("evaluationInstant() = %v, want %v", got, want)
	}
	if got := evaluationInstant(withEvaluationInstant(ctx)); !got.Equal(want) {
		t.Fatalf("withEvaluationInstant() replaced fixed instant: %v", got)
	}

	result, err := defaultFunctions["millisecondOf"](ctx, Collection{DateTime{Value: want, Precision: DateTimePrecisionMillisecond, HasTimeZone: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(render(Collection{Integer(987)}), render(result)); diff != "" {
		t.Errorf("millisecondOf (-want +got):\n%s", diff)
	}
}

func TestDateTimeComponentFunctions(t *testing.T) {
	dateTime, _ := ParseDateTime("2020-05-06T10:30:15.250+05:30")
	dateTimeUTC, _ := ParseDateTime("2020-05-06T10:30Z")
	localDateTime, _ := ParseDateTime("2020-05-06T10:30")
	yearOnly, _ := ParseDate("2020")
	tm, _ := ParseTime("10:30")
	dateOnly, _ := ParseDate("2020-05-06")
	runFunctionTests(t, []functionTest{
		{
			name:     "yearOf",
			fn:       defaultFunctions["yearOf"],
			target:   Collection{dateTime},
			expected: Collection{Integer(2020)},
		},
		{
			name:     "monthOf",
			fn:       defaultFunctions["monthOf"],
			target:   Collection{dateTime},
			expected: Collection{Integer(5)},
		},
		{
			name:   "monthOf beyond precision",
			fn:     defaultFunctions["monthOf"],
			target: Collection{yearOnly},
		},
		{
			name:     "minuteOf time",
			fn:       defaultFunctions["minuteOf"],
			target:   Collection{tm},
			expected: Collection{Integer(30)},
		},
		{
			name:     "millisecondOf",
			fn:       defaultFunctions["millisecondOf"],
			target:   Collection{dateTime},
			expected: Collection{Integer(250)},
		},
		{
			name:     "timezoneOffsetOf",
			fn:       defaultFunctions["timezoneOffsetOf"],
			target:   Collection{dateTime},
			expected: Collection{dec("5.5")},
		},
		{
			name:     "timezoneOffsetOf UTC",
			fn:       defaultFunctions["timezoneOffsetOf"],
			target:   Collection{dateTimeUTC},
			expected: Collection{dec("0")},
		},
		{
			name:   "timezoneOffsetOf without timezone",
			fn:     defaultFunctions["timezoneOffsetOf"],
			target: Collection{localDateTime},
		},
		{
			name:     "dateOf",
			fn:       defaultFunctions["dateOf"],
			target:   Collection{dateTimeUTC},
			expected: Collection{dateOnly},
		},
		{
			name:     "timeOf",
			fn:       defaultFunctions["timeOf"],
			target:   Collection{localDateTime},
			expected: Collection{tm},
		},
	})

	t.Run("hourOf date", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["hourOf"], Collection{dateOnly}, nil, FunctionError)
	})
	t.Run("yearOf time", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["yearOf"], Collection{tm}, nil, FunctionError)
	})
}

func TestPrecisionFunction(t *testing.T) {
	fn := defaultFunctions["precision"]
	runFunctionTests(t, []functionTest{
		{
			name:     "Decimal precision",
			fn:       fn,
			target:   Collection{dec("1.58700")},
			expected: Collection{Integer(5)},
		},
		{
			name:     "Date precision digits",
			fn:       fn,
			target:   Collection{Date{Value: time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC), Precision: DateTimePrecisionMonth}},
			expected: Collection{Integer(6)},
		},
		{
			name: "DateTime precision digits",
			fn:   fn,
			target: Collection{DateTime{
				Value:     time.Date(2020, 5, 1, 10, 30, 0, 0, time.UTC),
				Precision: DateTimePrecisionMillisecond,
			}},
			expected: Collection{Integer(17)},
		},
		{
			name: "Time precision digits",
			fn:   fn,
			target: Collection{Time{
				Value:     time.Date(0, 1, 1, 10, 30, 0, 0, time.UTC),
				Precision: DateTimePrecisionMinute,
			}},
			expected: Collection{Integer(4)},
		},
	})
}

type recordingTracer struct {
	names  []string
	values []Collection
}

func (r *recordingTracer) Log(name string, collection Collection) error {
	r.names = append(r.names, name)
	r.values = append(r.values, collection)
	return nil
}

func TestUtilityFunctions(t *testing.T) {
	tree := mustObject(t, `{"resourceType":"Patient","a":{"b":1},"c":[2,3]}`)
	inner := mustObject(t, `{"b":1}`)
	runFunctionTests(t, []functionTest{
		{
			name:     "not",
			fn:       defaultFunctions["not"],
			target:   Collection{Boolean(true)},
			expected: Collection{Boolean(false)},
		},
		{
			name:   "not of non boolean",
			fn:     defaultFunctions["not"],
			target: Collection{Integer(1)},
		},
		{
			name:     "children skips resourceType",
			fn:       defaultFunctions["children"],
			target:   Collection{tree},
			expected: Collection{inner, Integer(2), Integer(3)},
		},
		{
			name:     "descendants",
			fn:       defaultFunctions["descendants"],
			target:   Collection{tree},
			expected: Collection{inner, Integer(2), Integer(3), Integer(1)},
		},
		{
			name:     "comparable quantities",
			fn:       defaultFunctions["comparable"],
			target:   Collection{Quantity{Value: dec("1"), Unit: "kg"}},
			args:     []Collection{{Quantity{Value: dec("1"), Unit: "g"}}},
			expected: Collection{Boolean(true)},
		},
		{
			name:     "incomparable quantities",
			fn:       defaultFunctions["comparable"],
			target:   Collection{Quantity{Value: dec("1"), Unit: "kg"}},
			args:     []Collection{{Quantity{Value: dec("1"), Unit: "m"}}},
			expected: Collection{Boolean(false)},
		},
	})

	t.Run("trace logs and returns focus", func(t *testing.T) {
		rec := &recordingTracer{}
		ctx := WithTracer(testContext(), rec)
		focus := Collection{Integer(1), Integer(2)}
		result, err := defaultFunctions["trace"](ctx, focus, []Collection{{String("numbers")}})
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(render(focus), render(result)); diff != "" {
			t.Errorf("trace() changed its input (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"numbers"}, rec.names); diff != "" {
			t.Errorf("unexpected trace names (-want +got):\n%s", diff)
		}
	})
	t.Run("trace logs projection", func(t *testing.T) {
		rec := &recordingTracer{}
		ctx := WithTracer(testContext(), rec)
		_, err := defaultFunctions["trace"](ctx, Collection{Integer(1)}, []Collection{{String("p")}, {String("projected")}})
		if err != nil {
			t.Fatal(err)
		}
		if len(rec.values) != 1 || rec.values[0].String() != "{ 'projected' }" {
			t.Errorf("unexpected traced values %v", rec.values)
		}
	})
	t.Run("trace without name", func(t *testing.T) {
		testFunctionError(t, defaultFunctions["trace"], nil, []Collection{nil}, FunctionError)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"count", "extension", "hasValue", "today"} {
		if _, ok := r.Lookup(name); !ok {
			t.Errorf("expected %s() to be registered", name)
		}
	}
	for _, name := range higherOrderFunctions {
		if _, ok := r.Lookup(name); ok {
			t.Errorf("higher-order function %s() must not be registered", name)
		}
	}

	r.Register("double", func(ctx context.Context, focus Collection, args []Collection) (Collection, error) {
		return focus.Combine(focus), nil
	})
	fn, ok := r.Lookup("double")
	if !ok {
		t.Fatal("registered function not found")
	}
	result, err := fn(context.Background(), Collection{Integer(1)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(render(Collection{Integer(1), Integer(1)}), render(result)); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}

	names := r.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %q before %q", names[i-1], names[i])
		}
	}

	// registries are independent
	if _, ok := NewRegistry().Lookup("double"); ok {
		t.Error("registration leaked into a new registry")
	}
}

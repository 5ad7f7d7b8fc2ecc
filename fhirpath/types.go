package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/datatype"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
)

// Element is a single, non-collection value.
type Element interface {
	// Children returns all child nodes with given names.
	//
	// If no name is passed, all children are returned.
	Children(name ...string) Collection
	ToBoolean(explicit bool) (v Boolean, ok bool, err error)
	ToString(explicit bool) (v String, ok bool, err error)
	ToInteger(explicit bool) (v Integer, ok bool, err error)
	ToLong(explicit bool) (v Long, ok bool, err error)
	ToDecimal(explicit bool) (v Decimal, ok bool, err error)
	ToDate(explicit bool) (v Date, ok bool, err error)
	ToTime(explicit bool) (v Time, ok bool, err error)
	ToDateTime(explicit bool) (v DateTime, ok bool, err error)
	ToQuantity(explicit bool) (v Quantity, ok bool, err error)
	// Equal reports ok=false when equality is indeterminate.
	Equal(other Element) (eq bool, ok bool)
	Equivalent(other Element) bool
	TypeInfo() datatype.DataType
	json.Marshaler
	fmt.Stringer
}

type cmpElement interface {
	Element
	// Cmp returns ok=false when the comparison is indeterminate,
	// e.g. for temporals of different precision.
	Cmp(other Element) (cmp int, ok bool, err error)
}

type multiplyElement interface {
	Element
	Multiply(ctx context.Context, other Element) (Element, error)
}

type divideElement interface {
	Element
	Divide(ctx context.Context, other Element) (Element, error)
}

type divElement interface {
	Element
	Div(ctx context.Context, other Element) (Element, error)
}

type modElement interface {
	Element
	Mod(ctx context.Context, other Element) (Element, error)
}

type addElement interface {
	Element
	Add(ctx context.Context, other Element) (Element, error)
}

type subtractElement interface {
	Element
	Subtract(ctx context.Context, other Element) (Element, error)
}

type apdContextKey struct{}

// WithAPDContext sets the apd.Context for Decimal operations.
//
// The apd.Context controls the precision and rounding behavior of decimal operations.
// By default 34 significant digits are kept.
//
// Example:
//
//	ctx = fhirpath.WithAPDContext(ctx, apd.BaseContext.WithPrecision(10))
//	result, err := evaluator.Evaluate(ctx, expr, env)
func WithAPDContext(
	ctx context.Context,
	apdContext *apd.Context,
) context.Context {
	return context.WithValue(ctx, apdContextKey{}, apdContext)
}

const defaultDecimalPrecision uint32 = 34

var defaultAPDContext = apd.BaseContext.WithPrecision(defaultDecimalPrecision)

func apdContext(ctx context.Context) *apd.Context {
	if ctx != nil {
		if apdContext, ok := ctx.Value(apdContextKey{}).(*apd.Context); ok && apdContext != nil {
			return apdContext
		}
	}
	return defaultAPDContext
}

func elementTo[T Element](e Element, explicit bool) (v T, ok bool, err error) {
	switch any(v).(type) {
	case Boolean:
		v, ok, err := e.ToBoolean(explicit)
		return any(v).(T), ok, err
	case String:
		v, ok, err := e.ToString(explicit)
		return any(v).(T), ok, err
	case Integer:
		v, ok, err := e.ToInteger(explicit)
		return any(v).(T), ok, err
	case Long:
		v, ok, err := e.ToLong(explicit)
		return any(v).(T), ok, err
	case Decimal:
		v, ok, err := e.ToDecimal(explicit)
		return any(v).(T), ok, err
	case Date:
		v, ok, err := e.ToDate(explicit)
		return any(v).(T), ok, err
	case Time:
		v, ok, err := e.ToTime(explicit)
		return any(v).(T), ok, err
	case DateTime:
		v, ok, err := e.ToDateTime(explicit)
		return any(v).(T), ok, err
	case Quantity:
		v, ok, err := e.ToQuantity(explicit)
		return any(v).(T), ok, err
	default:
		return v, false, internalError("can not convert to type %T", v)
	}
}

// Singleton returns the single element of c implicitly converted to T.
//
// An empty collection results in ok=false without error,
// a collection with more than one element is an error.
func Singleton[T Element](c Collection) (v T, ok bool, err error) {
	if len(c) == 0 {
		return v, false, nil
	} else if len(c) > 1 {
		return v, false, evaluationError("can not convert to singleton: collection contains > 1 values")
	}
	return elementTo[T](c[0], false)
}

// Normalize returns nil for an empty collection and c otherwise.
func Normalize(c Collection) Collection {
	if len(c) == 0 {
		return nil
	}
	return c
}

// truthy reports the boolean value of c.
//
// Only a single Boolean is known, everything else is indeterminate.
func truthy(c Collection) (value, known bool) {
	if len(c) != 1 {
		return false, false
	}
	b, ok := c[0].(Boolean)
	if !ok {
		return false, false
	}
	return bool(b), true
}

// Collection is an ordered sequence of elements.
//
// A collection with one element is interchangeable with the element itself.
type Collection []Element

// Equal returns ok=false if either collection is empty.
func (c Collection) Equal(other Collection) (eq bool, ok bool) {
	if len(c) == 0 || len(other) == 0 {
		return false, false
	}
	if len(c) != len(other) {
		return false, true
	}
	for i, e := range c {
		eq, ok := e.Equal(other[i])
		if !ok || !eq {
			return false, ok
		}
	}
	return true, true
}

// Equivalent compares without regard to order. Two empty collections are equivalent.
func (c Collection) Equivalent(other Collection) bool {
	if len(c) == 0 && len(other) == 0 {
		return true
	}
	if len(c) != len(other) {
		return false
	}

	matched := make([]bool, len(other))
outer:
	for _, e := range c {
		for i, o := range other {
			if !matched[i] && e.Equivalent(o) {
				matched[i] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func (c Collection) Cmp(other Collection) (cmp int, ok bool, err error) {
	if len(c) == 0 || len(other) == 0 {
		return 0, false, nil
	}
	if len(c) != 1 || len(other) != 1 {
		return 0, false, evaluationError("can not compare collections with len != 1: %v and %v", c, other)
	}

	left, ok := c[0].(cmpElement)
	if !ok {
		return 0, false, typeError("only strings, integers, longs, decimals, quantities, dates, datetimes and times can be compared, got %s", c[0].TypeInfo())
	}
	return left.Cmp(other[0])
}

// Union merges both collections, eliminating duplicates.
func (c Collection) Union(other Collection) Collection {
	var union Collection
	for _, e := range slices.Concat(c, other) {
		if !union.Contains(e) {
			union = append(union, e)
		}
	}
	return union
}

// Combine merges both collections without eliminating duplicates.
func (c Collection) Combine(other Collection) Collection {
	if len(c) == 0 {
		return slices.Clone(other)
	}
	if len(other) == 0 {
		return slices.Clone(c)
	}
	return slices.Concat(c, other)
}

func (c Collection) Contains(element Element) bool {
	for _, e := range c {
		eq, ok := e.Equal(element)
		if ok && eq {
			return true
		}
	}
	return false
}

// Distinct returns the collection without duplicates, keeping first occurrences.
func (c Collection) Distinct() Collection {
	return Collection(nil).Union(c)
}

func binaryOperands(c, other Collection, op string) (Element, Element, error) {
	if len(c) != 1 {
		return nil, nil, evaluationError("left value for %s has len != 1: %v", op, c)
	}
	if len(other) != 1 {
		return nil, nil, evaluationError("right value for %s has len != 1: %v", op, other)
	}
	return c[0], other[0], nil
}

func resultOf(e Element, err error) (Collection, error) {
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	return Collection{e}, nil
}

func (c Collection) Multiply(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "multiplication")
	if err != nil {
		return nil, err
	}
	left, ok := l.(multiplyElement)
	if !ok {
		return nil, typeError("can only multiply Integer, Long, Decimal or Quantity, got %s", l.TypeInfo())
	}
	return resultOf(left.Multiply(ctx, r))
}

func (c Collection) Divide(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "division")
	if err != nil {
		return nil, err
	}
	left, ok := l.(divideElement)
	if !ok {
		return nil, typeError("can only divide Integer, Long, Decimal or Quantity, got %s", l.TypeInfo())
	}
	return resultOf(left.Divide(ctx, r))
}

func (c Collection) Div(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "div")
	if err != nil {
		return nil, err
	}
	left, ok := l.(divElement)
	if !ok {
		return nil, typeError("can only div Integer, Long or Decimal, got %s", l.TypeInfo())
	}
	return resultOf(left.Div(ctx, r))
}

func (c Collection) Mod(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "mod")
	if err != nil {
		return nil, err
	}
	left, ok := l.(modElement)
	if !ok {
		return nil, typeError("can only mod Integer, Long or Decimal, got %s", l.TypeInfo())
	}
	return resultOf(left.Mod(ctx, r))
}

func (c Collection) Add(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "addition")
	if err != nil {
		return nil, err
	}
	left, ok := l.(addElement)
	if !ok {
		return nil, typeError("can only add Integer, Long, Decimal, Quantity, String or temporal values, got %s", l.TypeInfo())
	}
	return resultOf(left.Add(ctx, r))
}

func (c Collection) Subtract(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	l, r, err := binaryOperands(c, other, "subtraction")
	if err != nil {
		return nil, err
	}
	left, ok := l.(subtractElement)
	if !ok {
		return nil, typeError("can only subtract from Integer, Long, Decimal, Quantity or temporal values, got %s", l.TypeInfo())
	}
	return resultOf(left.Subtract(ctx, r))
}

// Concat joins the string forms of both operands. An empty operand counts as ''.
func (c Collection) Concat(ctx context.Context, other Collection) (Collection, error) {
	if len(c) > 1 {
		return nil, evaluationError("left value for concat has len > 1: %v", c)
	}
	if len(other) > 1 {
		return nil, evaluationError("right value for concat has len > 1: %v", other)
	}

	var left, right String
	if len(c) == 1 {
		s, ok, err := c[0].ToString(true)
		if err != nil || !ok {
			return nil, typeError("can not concat %s", c[0].TypeInfo())
		}
		left = s
	}
	if len(other) == 1 {
		s, ok, err := other[0].ToString(true)
		if err != nil || !ok {
			return nil, typeError("can not concat %s", other[0].TypeInfo())
		}
		right = s
	}
	return Collection{left + right}, nil
}

func (c Collection) String() string {
	if len(c) == 0 {
		return "{ }"
	}

	var b strings.Builder
	b.WriteString("{ ")

	for _, e := range c[:len(c)-1] {
		// strings.Builder Write implementation does not return error
		_, _ = fmt.Fprint(&b, e, ", ")
	}
	_, _ = fmt.Fprint(&b, c[len(c)-1])

	b.WriteString(" }")
	return b.String()
}

func (c Collection) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Element(c))
}

type Boolean bool

func (b Boolean) Children(name ...string) Collection {
	return nil
}

func (b Boolean) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	return b, true, nil
}
func (b Boolean) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(b.String()), true, nil
	}
	return "", false, implicitConversionError[Boolean, String](b)
}
func (b Boolean) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	if explicit {
		if b {
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, implicitConversionError[Boolean, Integer](b)
}
func (b Boolean) ToLong(explicit bool) (v Long, ok bool, err error) {
	if explicit {
		if b {
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, implicitConversionError[Boolean, Long](b)
}
func (b Boolean) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	if explicit {
		if b {
			return Decimal{Value: apd.New(10, -1)}, true, nil
		}
		return Decimal{Value: apd.New(0, -1)}, true, nil
	}
	return Decimal{}, false, implicitConversionError[Boolean, Decimal](b)
}
func (b Boolean) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[Boolean, Date]()
}
func (b Boolean) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[Boolean, Time]()
}
func (b Boolean) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[Boolean, DateTime]()
}
func (b Boolean) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	if explicit {
		d, _, _ := b.ToDecimal(true)
		return Quantity{Value: d, Unit: "1"}, true, nil
	}
	return Quantity{}, false, implicitConversionError[Boolean, Quantity](b)
}
func (b Boolean) Equal(other Element) (eq bool, ok bool) {
	if o, isBool := other.(Boolean); isBool {
		return b == o, true
	}
	return false, true
}
func (b Boolean) Equivalent(other Element) bool {
	eq, ok := b.Equal(other)
	return ok && eq
}
func (b Boolean) TypeInfo() datatype.DataType {
	return datatype.Boolean
}
func (b Boolean) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}
func (b Boolean) String() string {
	return strconv.FormatBool(bool(b))
}

type String string

func (s String) Children(name ...string) Collection {
	return nil
}

func (s String) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		switch strings.ToLower(string(s)) {
		case "true", "t", "yes", "y", "1", "1.0":
			return true, true, nil
		case "false", "f", "no", "n", "0", "0.0":
			return false, true, nil
		}
		return false, false, nil
	}
	return false, false, implicitConversionError[String, Boolean](s)
}
func (s String) ToString(explicit bool) (v String, ok bool, err error) {
	return s, true, nil
}
func (s String) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	if explicit {
		val, err := strconv.ParseInt(string(s), 10, 32)
		if err != nil {
			return 0, false, nil
		}
		return Integer(val), true, nil
	}
	return 0, false, implicitConversionError[String, Integer](s)
}
func (s String) ToLong(explicit bool) (v Long, ok bool, err error) {
	if explicit {
		val, err := strconv.ParseInt(strings.TrimSuffix(string(s), "L"), 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return Long(val), true, nil
	}
	return 0, false, implicitConversionError[String, Long](s)
}
func (s String) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	if explicit {
		d, err := parseDecimal(string(s))
		if err != nil {
			return Decimal{}, false, nil
		}
		return d, true, nil
	}
	return Decimal{}, false, implicitConversionError[String, Decimal](s)
}
func (s String) ToDate(explicit bool) (v Date, ok bool, err error) {
	if explicit {
		d, err := ParseDate(string(s))
		if err != nil {
			return Date{}, false, nil
		}
		return d, true, nil
	}
	return Date{}, false, implicitConversionError[String, Date](s)
}
func (s String) ToTime(explicit bool) (v Time, ok bool, err error) {
	if explicit {
		t, err := ParseTime(string(s))
		if err != nil {
			return Time{}, false, nil
		}
		return t, true, nil
	}
	return Time{}, false, implicitConversionError[String, Time](s)
}
func (s String) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	if explicit {
		dt, err := ParseDateTime(string(s))
		if err != nil {
			return DateTime{}, false, nil
		}
		return dt, true, nil
	}
	return DateTime{}, false, implicitConversionError[String, DateTime](s)
}
func (s String) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	if explicit {
		q, err := ParseQuantity(string(s))
		if err != nil {
			return Quantity{}, false, nil
		}
		return q, true, nil
	}
	return Quantity{}, false, implicitConversionError[String, Quantity](s)
}
func (s String) Equal(other Element) (eq bool, ok bool) {
	if o, isString := other.(String); isString {
		return s == o, true
	}
	return false, true
}
func (s String) Equivalent(other Element) bool {
	o, isString := other.(String)
	if !isString {
		return false
	}
	return normalizeWhitespace(string(s)) == normalizeWhitespace(string(o))
}

// normalizeWhitespace lower-cases s and collapses whitespace runs to a single space.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (s String) Cmp(other Element) (cmp int, ok bool, err error) {
	o, isString := other.(String)
	if !isString {
		return 0, false, typeError("can not compare String to %s, left: %v right: %v", other.TypeInfo(), s, other)
	}
	return strings.Compare(string(s), string(o)), true, nil
}
func (s String) Add(ctx context.Context, other Element) (Element, error) {
	o, isString := other.(String)
	if !isString {
		return nil, typeError("can not add %s to String, %v + %v", other.TypeInfo(), s, other)
	}
	return s + o, nil
}
func (s String) TypeInfo() datatype.DataType {
	return datatype.String
}
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}
func (s String) String() string {
	return ast.Quote(string(s))
}

var (
	// escapes not handled by strconv.Unquote
	unescapeReplacer = strings.NewReplacer(
		`\'`, `'`,
		"\\`", "`",
		`\/`, `/`,
	)
)

// unescape resolves the escape sequences of a string literal body.
func unescape(s string) (string, error) {
	unescaped := unescapeReplacer.Replace(s)

	// strconv.Unquote expects a double quoted Go literal,
	// so bare double quotes and control characters need escaping first.
	var builder strings.Builder
	builder.WriteByte('"')
	escaped := false
	for i := 0; i < len(unescaped); i++ {
		c := unescaped[i]
		if escaped {
			builder.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case '\\':
			builder.WriteByte(c)
			escaped = true
		case '"':
			builder.WriteString(`\"`)
		case '\n':
			builder.WriteString(`\n`)
		case '\r':
			builder.WriteString(`\r`)
		case '\t':
			builder.WriteString(`\t`)
		default:
			builder.WriteByte(c)
		}
	}
	builder.WriteByte('"')

	// handles \", \r, \n, \t, \f, \\, \uXXXX
	return strconv.Unquote(builder.String())
}

// Unescape resolves the escape sequences of a string literal body,
// e.g. `it\'s` becomes `it's`.
func Unescape(s string) (string, error) {
	return unescape(s)
}

// narrow returns an Integer when v fits 32 bits and a Long otherwise.
func narrow(v int64) Element {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return Long(v)
	}
	return Integer(v)
}

type Integer int32

func (i Integer) Children(name ...string) Collection {
	return nil
}

func (i Integer) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		switch i {
		case 0:
			return false, true, nil
		case 1:
			return true, true, nil
		default:
			return false, false, nil
		}
	}
	return false, false, implicitConversionError[Integer, Boolean](i)
}
func (i Integer) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(i.String()), true, nil
	}
	return "", false, implicitConversionError[Integer, String](i)
}
func (i Integer) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	return i, true, nil
}
func (i Integer) ToLong(explicit bool) (v Long, ok bool, err error) {
	return Long(i), true, nil
}
func (i Integer) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{Value: apd.New(int64(i), 0)}, true, nil
}
func (i Integer) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[Integer, Date]()
}
func (i Integer) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[Integer, Time]()
}
func (i Integer) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[Integer, DateTime]()
}
func (i Integer) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{
		Value: Decimal{Value: apd.New(int64(i), 0)},
		Unit:  "1",
	}, true, nil
}
func (i Integer) Equal(other Element) (eq bool, ok bool) {
	switch o := other.(type) {
	case Integer:
		return i == o, true
	case Long:
		return Long(i) == o, true
	case Decimal, Quantity:
		return other.Equal(i)
	}
	return false, true
}
func (i Integer) Equivalent(other Element) bool {
	switch other.(type) {
	case Decimal, Quantity:
		return other.Equivalent(i)
	}
	eq, ok := i.Equal(other)
	return ok && eq
}
func (i Integer) Cmp(other Element) (cmp int, ok bool, err error) {
	switch o := other.(type) {
	case Integer:
		return compareInts(int64(i), int64(o)), true, nil
	case Long:
		return compareInts(int64(i), int64(o)), true, nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Cmp(o)
	case Quantity:
		q, _, _ := i.ToQuantity(false)
		return q.Cmp(o)
	}
	return 0, false, typeError("can not compare %s to %s, left: %v right: %v", i.TypeInfo(), other.TypeInfo(), i, other)
}
func (i Integer) Multiply(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		return narrow(int64(i) * int64(o)), nil
	case Long:
		return Long(i).Multiply(ctx, o)
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Multiply(ctx, o)
	case Quantity:
		q, _, _ := i.ToQuantity(false)
		return q.Multiply(ctx, o)
	}
	return nil, typeError("can not multiply Integer with %s: %v * %v", other.TypeInfo(), i, other)
}
func (i Integer) Divide(ctx context.Context, other Element) (Element, error) {
	if q, isQuantity := other.(Quantity); isQuantity {
		left, _, _ := i.ToQuantity(false)
		return left.Divide(ctx, q)
	}
	d, _, _ := i.ToDecimal(false)
	return d.Divide(ctx, other)
}
func (i Integer) Div(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		if o == 0 {
			return nil, nil
		}
		return narrow(int64(i) / int64(o)), nil
	case Long:
		return Long(i).Div(ctx, o)
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Div(ctx, o)
	}
	return nil, typeError("can not div Integer with %s: %v div %v", other.TypeInfo(), i, other)
}
func (i Integer) Mod(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		if o == 0 {
			return nil, nil
		}
		return narrow(int64(i) % int64(o)), nil
	case Long:
		return Long(i).Mod(ctx, o)
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Mod(ctx, o)
	}
	return nil, typeError("can not mod Integer with %s: %v mod %v", other.TypeInfo(), i, other)
}
func (i Integer) Add(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		return narrow(int64(i) + int64(o)), nil
	case Long:
		return Long(i).Add(ctx, o)
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Add(ctx, o)
	}
	return nil, typeError("can not add Integer and %s: %v + %v", other.TypeInfo(), i, other)
}
func (i Integer) Subtract(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		return narrow(int64(i) - int64(o)), nil
	case Long:
		return Long(i).Subtract(ctx, o)
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Subtract(ctx, o)
	}
	return nil, typeError("can not subtract %s from Integer: %v - %v", other.TypeInfo(), i, other)
}
func (i Integer) TypeInfo() datatype.DataType {
	return datatype.Integer
}
func (i Integer) MarshalJSON() ([]byte, error) {
	return json.Marshal(int32(i))
}
func (i Integer) String() string {
	return strconv.Itoa(int(i))
}

type Long int64

func (l Long) Children(name ...string) Collection {
	return nil
}
func (l Long) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		switch l {
		case 0:
			return false, true, nil
		case 1:
			return true, true, nil
		default:
			return false, false, nil
		}
	}
	return false, false, implicitConversionError[Long, Boolean](l)
}
func (l Long) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(strconv.FormatInt(int64(l), 10)), true, nil
	}
	return "", false, implicitConversionError[Long, String](l)
}
func (l Long) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	if !explicit {
		return 0, false, implicitConversionError[Long, Integer](l)
	}
	if l < math.MinInt32 || l > math.MaxInt32 {
		return 0, false, nil
	}
	return Integer(l), true, nil
}
func (l Long) ToLong(explicit bool) (v Long, ok bool, err error) {
	return l, true, nil
}
func (l Long) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{Value: apd.New(int64(l), 0)}, true, nil
}
func (l Long) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[Long, Date]()
}
func (l Long) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[Long, Time]()
}
func (l Long) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[Long, DateTime]()
}
func (l Long) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{
		Value: Decimal{Value: apd.New(int64(l), 0)},
		Unit:  "1",
	}, true, nil
}
func (l Long) Equal(other Element) (eq bool, ok bool) {
	switch o := other.(type) {
	case Long:
		return l == o, true
	case Integer:
		return l == Long(o), true
	case Decimal, Quantity:
		return other.Equal(l)
	}
	return false, true
}
func (l Long) Equivalent(other Element) bool {
	switch other.(type) {
	case Decimal, Quantity:
		return other.Equivalent(l)
	}
	eq, ok := l.Equal(other)
	return ok && eq
}
func (l Long) Cmp(other Element) (cmp int, ok bool, err error) {
	switch o := other.(type) {
	case Long:
		return compareInts(int64(l), int64(o)), true, nil
	case Integer:
		return compareInts(int64(l), int64(o)), true, nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Cmp(o)
	case Quantity:
		q, _, _ := l.ToQuantity(false)
		return q.Cmp(o)
	}
	return 0, false, typeError("can not compare %s to %s, left: %v right: %v", l.TypeInfo(), other.TypeInfo(), l, other)
}
func (l Long) Multiply(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Long, Integer:
		r, _, _ := o.ToLong(false)
		result, ok := mulInt64(int64(l), int64(r))
		if !ok {
			return nil, evaluationError("long overflow: %v * %v", l, o)
		}
		return Long(result), nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Multiply(ctx, o)
	case Quantity:
		q, _, _ := l.ToQuantity(false)
		return q.Multiply(ctx, o)
	}
	return nil, typeError("can not multiply Long with %s: %v * %v", other.TypeInfo(), l, other)
}
func (l Long) Divide(ctx context.Context, other Element) (Element, error) {
	if q, isQuantity := other.(Quantity); isQuantity {
		left, _, _ := l.ToQuantity(false)
		return left.Divide(ctx, q)
	}
	d, _, _ := l.ToDecimal(false)
	return d.Divide(ctx, other)
}
func (l Long) Div(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Long, Integer:
		r, _, _ := o.ToLong(false)
		if r == 0 {
			return nil, nil
		}
		if l == math.MinInt64 && r == -1 {
			return nil, evaluationError("long overflow: %v div %v", l, o)
		}
		return Long(l / r), nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Div(ctx, o)
	}
	return nil, typeError("can not div Long with %s: %v div %v", other.TypeInfo(), l, other)
}
func (l Long) Mod(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Long, Integer:
		r, _, _ := o.ToLong(false)
		if r == 0 {
			return nil, nil
		}
		if r == -1 {
			return Long(0), nil
		}
		return Long(l % r), nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Mod(ctx, o)
	}
	return nil, typeError("can not mod Long with %s: %v mod %v", other.TypeInfo(), l, other)
}
func (l Long) Add(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Long, Integer:
		r, _, _ := o.ToLong(false)
		result, ok := addInt64(int64(l), int64(r))
		if !ok {
			return nil, evaluationError("long overflow: %v + %v", l, o)
		}
		return Long(result), nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Add(ctx, o)
	}
	return nil, typeError("can not add Long and %s: %v + %v", other.TypeInfo(), l, other)
}
func (l Long) Subtract(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Long, Integer:
		r, _, _ := o.ToLong(false)
		result, ok := subInt64(int64(l), int64(r))
		if !ok {
			return nil, evaluationError("long overflow: %v - %v", l, o)
		}
		return Long(result), nil
	case Decimal:
		d, _, _ := l.ToDecimal(false)
		return d.Subtract(ctx, o)
	}
	return nil, typeError("can not subtract %s from Long: %v - %v", other.TypeInfo(), l, other)
}
func (l Long) TypeInfo() datatype.DataType {
	return datatype.Long
}
func (l Long) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(l))
}
func (l Long) String() string {
	return fmt.Sprintf("%dL", l)
}

type Decimal struct {
	defaultConversionError[Decimal]
	Value *apd.Decimal
}

// parseDecimal parses a plain decimal number, rejecting NaN and infinities.
func parseDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, err
	}
	if d.Form != apd.Finite {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	return Decimal{Value: d}, nil
}

func (d Decimal) Children(name ...string) Collection {
	return nil
}

func (d Decimal) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		if d.Value.Cmp(apd.New(1, 0)) == 0 {
			return true, true, nil
		} else if d.Value.IsZero() {
			return false, true, nil
		}
		return false, false, nil
	}
	return false, false, implicitConversionError[Decimal, Boolean](d)
}
func (d Decimal) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(d.String()), true, nil
	}
	return "", false, implicitConversionError[Decimal, String](d)
}
func (d Decimal) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return d, true, nil
}
func (d Decimal) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{
		Value: d,
		Unit:  "1",
	}, true, nil
}
func (d Decimal) Equal(other Element) (eq bool, ok bool) {
	switch other.(type) {
	case Integer, Long, Decimal:
		o, _, _ := other.ToDecimal(false)
		return d.Value.Cmp(o.Value) == 0, true
	case Quantity:
		return other.Equal(d)
	}
	return false, true
}

// Equivalent compares at the precision of the less precise operand.
func (d Decimal) Equivalent(other Element) bool {
	switch other.(type) {
	case Integer, Long, Decimal:
	case Quantity:
		return other.Equivalent(d)
	default:
		return false
	}
	o, _, _ := other.ToDecimal(false)

	exponent := max(d.Value.Exponent, o.Value.Exponent)
	ctx := *defaultAPDContext
	ctx.Rounding = apd.RoundHalfUp
	var a, b apd.Decimal
	if _, err := ctx.Quantize(&a, d.Value, exponent); err != nil {
		return false
	}
	if _, err := ctx.Quantize(&b, o.Value, exponent); err != nil {
		return false
	}
	return a.Cmp(&b) == 0
}
func (d Decimal) Cmp(other Element) (cmp int, ok bool, err error) {
	switch other.(type) {
	case Integer, Long, Decimal:
		o, _, _ := other.ToDecimal(false)
		return d.Value.Cmp(o.Value), true, nil
	case Quantity:
		q, _, _ := d.ToQuantity(false)
		return q.Cmp(other)
	}
	return 0, false, typeError("can not compare Decimal to %s, left: %v right: %v", other.TypeInfo(), d, other)
}

// decimalOperand converts numeric operands for decimal arithmetic.
func decimalOperand(other Element) (Decimal, bool) {
	switch other.(type) {
	case Integer, Long, Decimal:
		o, _, _ := other.ToDecimal(false)
		return o, true
	}
	return Decimal{}, false
}

func (d Decimal) Multiply(ctx context.Context, other Element) (Element, error) {
	if q, isQuantity := other.(Quantity); isQuantity {
		left, _, _ := d.ToQuantity(false)
		return left.Multiply(ctx, q)
	}
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not multiply Decimal with %s: %v * %v", other.TypeInfo(), d, other)
	}
	var res apd.Decimal
	_, err := apdContext(ctx).Mul(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Divide(ctx context.Context, other Element) (Element, error) {
	if q, isQuantity := other.(Quantity); isQuantity {
		left, _, _ := d.ToQuantity(false)
		return left.Divide(ctx, q)
	}
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not divide Decimal with %s: %v / %v", other.TypeInfo(), d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err := apdContext(ctx).Quo(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}

// Div truncates the quotient and returns it as Integer or Long.
func (d Decimal) Div(ctx context.Context, other Element) (Element, error) {
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not div Decimal with %s: %v div %v", other.TypeInfo(), d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err := apdContext(ctx).QuoInteger(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	i, err := res.Int64()
	if err != nil {
		return nil, evaluationError("div result %s out of range", res.Text('f'))
	}
	return narrow(i), nil
}
func (d Decimal) Mod(ctx context.Context, other Element) (Element, error) {
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not mod Decimal with %s: %v mod %v", other.TypeInfo(), d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err := apdContext(ctx).Rem(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Add(ctx context.Context, other Element) (Element, error) {
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not add Decimal and %s: %v + %v", other.TypeInfo(), d, other)
	}
	var res apd.Decimal
	_, err := apdContext(ctx).Add(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Subtract(ctx context.Context, other Element) (Element, error) {
	o, ok := decimalOperand(other)
	if !ok {
		return nil, typeError("can not subtract %s from Decimal: %v - %v", other.TypeInfo(), d, other)
	}
	var res apd.Decimal
	_, err := apdContext(ctx).Sub(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}

// Precision returns the number of decimal places in the decimal value
func (d Decimal) Precision() int {
	if d.Value.Exponent < 0 {
		return int(-d.Value.Exponent)
	}
	return 0
}

func (d Decimal) TypeInfo() datatype.DataType {
	return datatype.Decimal
}
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.String()), nil
}
func (d Decimal) String() string {
	if d.Value == nil {
		return "0"
	}
	return d.Value.Text('f')
}

func compareInts[T int | int64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) == (b > 0)
}

func subInt64(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) == (b > 0)
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	return c, c/b == a
}

type defaultConversionError[F any] struct {
}

func (_ defaultConversionError[F]) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	return false, false, conversionError[F, Boolean]()
}
func (_ defaultConversionError[F]) ToString(explicit bool) (v String, ok bool, err error) {
	return "", false, conversionError[F, String]()
}
func (_ defaultConversionError[F]) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	return 0, false, conversionError[F, Integer]()
}
func (_ defaultConversionError[F]) ToLong(explicit bool) (v Long, ok bool, err error) {
	return 0, false, conversionError[F, Long]()
}
func (_ defaultConversionError[F]) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{}, false, conversionError[F, Decimal]()
}
func (_ defaultConversionError[F]) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[F, Date]()
}
func (_ defaultConversionError[F]) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[F, Time]()
}
func (_ defaultConversionError[F]) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[F, DateTime]()
}
func (_ defaultConversionError[F]) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{}, false, conversionError[F, Quantity]()
}

func typeName[T any]() string {
	var t T
	return strings.TrimPrefix(fmt.Sprintf("%T", t), "fhirpath.")
}

func conversionError[F any, T Element]() error {
	return typeError("%s can not be converted to %s", typeName[F](), typeName[T]())
}

func implicitConversionError[F Element, T Element](f F) error {
	return typeError("%s %v can not be implicitly converted to %s", typeName[F](), f, typeName[T]())
}

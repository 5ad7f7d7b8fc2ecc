package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/datatype"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
)

type Quantity struct {
	defaultConversionError[Quantity]
	Value Decimal
	Unit  String
}

func (q Quantity) Children(name ...string) Collection {
	return nil
}
func (q Quantity) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(q.String()), true, nil
	}
	return "", false, implicitConversionError[Quantity, String](q)
}
func (q Quantity) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return q, true, nil
}

// quantityOperand accepts quantities and numbers, the latter with unit '1'.
func quantityOperand(other Element) (Quantity, bool) {
	switch other.(type) {
	case Quantity, Integer, Long, Decimal:
		q, _, _ := other.ToQuantity(false)
		return q, true
	}
	return Quantity{}, false
}

// Equal requires the same canonical unit; 1 'g' and 1000 'mg' are not equal but equivalent.
func (q Quantity) Equal(other Element) (eq bool, ok bool) {
	o, isQuantity := quantityOperand(other)
	if !isQuantity {
		return false, true
	}
	if canonicalUnit(q.Unit) != canonicalUnit(o.Unit) {
		return false, true
	}
	return q.Value.Value.Cmp(o.Value.Value) == 0, true
}
func (q Quantity) Equivalent(other Element) bool {
	o, isQuantity := quantityOperand(other)
	if !isQuantity {
		return false
	}
	converted, err := o.convertTo(nil, canonicalUnit(q.Unit))
	if err != nil {
		return false
	}
	return q.Value.Equivalent(converted.Value)
}

// Cmp is indeterminate for units that can not be converted into each other.
func (q Quantity) Cmp(other Element) (cmp int, ok bool, err error) {
	o, isQuantity := quantityOperand(other)
	if !isQuantity {
		return 0, false, typeError("can not compare Quantity to %s, left: %v right: %v", other.TypeInfo(), q, other)
	}
	converted, err := o.convertTo(nil, canonicalUnit(q.Unit))
	if err != nil {
		return 0, false, nil
	}
	return q.Value.Value.Cmp(converted.Value.Value), true, nil
}
func (q Quantity) Multiply(ctx context.Context, other Element) (Element, error) {
	o, isQuantity := quantityOperand(other)
	if !isQuantity {
		return nil, typeError("can not multiply Quantity with %s: %v * %v", other.TypeInfo(), q, other)
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Mul(&res, q.Value.Value, o.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{
		Value: Decimal{Value: &res},
		Unit:  formatProductUnit(canonicalUnit(q.Unit), canonicalUnit(o.Unit)),
	}, nil
}
func (q Quantity) Divide(ctx context.Context, other Element) (Element, error) {
	o, isQuantity := quantityOperand(other)
	if !isQuantity {
		return nil, typeError("can not divide Quantity with %s: %v / %v", other.TypeInfo(), q, other)
	}
	if o.Value.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	if _, err := apdContext(ctx).Quo(&res, q.Value.Value, o.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{
		Value: Decimal{Value: &res},
		Unit:  formatDivisionUnit(canonicalUnit(q.Unit), canonicalUnit(o.Unit)),
	}, nil
}
func (q Quantity) Add(ctx context.Context, other Element) (Element, error) {
	o, isQuantity := other.(Quantity)
	if !isQuantity {
		return nil, typeError("can not add Quantity and %s: %v + %v", other.TypeInfo(), q, other)
	}
	converted, err := o.convertTo(ctx, canonicalUnit(q.Unit))
	if err != nil {
		return nil, typeError("quantity units do not match, left: %v right: %v", q, o)
	}
	var sum apd.Decimal
	if _, err := apdContext(ctx).Add(&sum, q.Value.Value, converted.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{Value: Decimal{Value: &sum}, Unit: q.Unit}, nil
}
func (q Quantity) Subtract(ctx context.Context, other Element) (Element, error) {
	o, isQuantity := other.(Quantity)
	if !isQuantity {
		return nil, typeError("can not subtract %s from Quantity: %v - %v", other.TypeInfo(), q, other)
	}
	converted, err := o.convertTo(ctx, canonicalUnit(q.Unit))
	if err != nil {
		return nil, typeError("quantity units do not match, left: %v right: %v", q, o)
	}
	var diff apd.Decimal
	if _, err := apdContext(ctx).Sub(&diff, q.Value.Value, converted.Value.Value); err != nil {
		return nil, err
	}
	return Quantity{Value: Decimal{Value: &diff}, Unit: q.Unit}, nil
}

// ConvertTo returns the quantity expressed in unit.
func (q Quantity) ConvertTo(ctx context.Context, unit string) (Quantity, error) {
	return q.convertTo(ctx, canonicalUnit(String(unit)))
}

func (q Quantity) convertTo(ctx context.Context, unit String) (Quantity, error) {
	from := canonicalUnit(q.Unit)
	if from == unit {
		return q, nil
	}
	v, err := convertUnit(ctx, q.Value.Value, string(from), string(unit))
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: v}, Unit: unit}, nil
}

// canonicalUnit maps definite calendar keywords to their UCUM unit.
// Years and months stay calendar keywords: they only equal themselves.
func canonicalUnit(unit String) String {
	switch unit {
	case "":
		return "1"
	case "year", "years":
		return "year"
	case "month", "months":
		return "month"
	case "week", "weeks":
		return "wk"
	case "day", "days":
		return "d"
	case "hour", "hours":
		return "h"
	case "minute", "minutes":
		return "min"
	case "second", "seconds":
		return "s"
	case "millisecond", "milliseconds":
		return "ms"
	}
	return unit
}

func formatProductUnit(left, right String) String {
	switch {
	case left == "1":
		return right
	case right == "1":
		return left
	}
	return String(fmt.Sprintf("%s.%s", wrapNumerator(left), wrapNumerator(right)))
}

func formatDivisionUnit(numerator, denominator String) String {
	switch {
	case numerator == denominator:
		return "1"
	case denominator == "1":
		return numerator
	case numerator == "1":
		return String(fmt.Sprintf("1/%s", wrapDenominator(denominator)))
	}
	return String(fmt.Sprintf("%s/%s", wrapNumerator(numerator), wrapDenominator(denominator)))
}

func wrapNumerator(u String) string {
	s := string(u)
	if strings.ContainsRune(s, '/') {
		return fmt.Sprintf("(%s)", s)
	}
	return s
}

func wrapDenominator(u String) string {
	s := string(u)
	if strings.ContainsAny(s, "./") {
		return fmt.Sprintf("(%s)", s)
	}
	return s
}

func (q Quantity) TypeInfo() datatype.DataType {
	return datatype.Quantity
}
func (q Quantity) MarshalJSON() ([]byte, error) {
	unit, err := json.Marshal(string(canonicalUnit(q.Unit)))
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"value":%s,"unit":%s}`, q.Value.String(), unit)), nil
}
func (q Quantity) String() string {
	u := string(q.Unit)
	if u == "" {
		u = "1"
	}
	if ast.IsCalendarUnit(u) {
		return fmt.Sprintf("%s %s", q.Value, u)
	}
	return fmt.Sprintf("%s %s", q.Value, ast.Quote(u))
}

var quantityRegex = regexp.MustCompile(`^([+-]?\d+(?:\.\d+)?)\s*(?:'((?:[^'\\]|\\.)*)'|([a-z]+))?$`)

// ParseQuantity parses the string form of a quantity, e.g. "5.4 'mg'", "4 days" or "1".
func ParseQuantity(s string) (Quantity, error) {
	m := quantityRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Quantity{}, fmt.Errorf("cannot parse quantity '%s'", s)
	}
	value, err := parseDecimal(m[1])
	if err != nil {
		return Quantity{}, fmt.Errorf("cannot parse quantity '%s': %w", s, err)
	}

	unit := "1"
	switch {
	case m[3] != "":
		if !ast.IsCalendarUnit(m[3]) {
			return Quantity{}, fmt.Errorf("cannot parse quantity '%s': unknown calendar unit %s", s, m[3])
		}
		unit = m[3]
	case strings.Contains(s, "'"):
		unit, err = unescape(m[2])
		if err != nil {
			return Quantity{}, fmt.Errorf("cannot parse quantity '%s': %w", s, err)
		}
	}
	return Quantity{Value: value, Unit: String(unit)}, nil
}

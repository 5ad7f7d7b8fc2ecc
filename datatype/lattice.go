package datatype

import "errors"

// ErrIncompatible can be returned by callers that refuse to combine two
// types whose common type is only Any.
var ErrIncompatible = errors.New("incompatible types")

// IsSubtypeOf reports whether t is a subtype of o.
//
// Every type is a subtype of itself and of Any. Integer <: Long <: Decimal,
// Date <: DateTime, lists and intervals are covariant in their element type
// and a type is a subtype of a choice when it is a subtype of one of its
// alternatives. Model types only match exactly.
func (t DataType) IsSubtypeOf(o DataType) bool {
	if t.Equal(o) || o.IsAny() {
		return true
	}

	switch {
	case t.Kind == KindSystem && o.Kind == KindSystem:
		switch t.System {
		case SystemInteger:
			return o.System == SystemLong || o.System == SystemDecimal
		case SystemLong:
			return o.System == SystemDecimal
		case SystemDate:
			return o.System == SystemDateTime
		}
	case t.Kind == KindList && o.Kind == KindList,
		t.Kind == KindInterval && o.Kind == KindInterval:
		return t.Element.IsSubtypeOf(*o.Element)
	case o.Kind == KindChoice:
		for _, c := range o.Types {
			if t.IsSubtypeOf(c) {
				return true
			}
		}
	}
	return false
}

// CanConvertTo reports whether a value of type t can be implicitly
// converted to target. Unknown converts in both directions.
func (t DataType) CanConvertTo(target DataType) bool {
	if t.IsSubtypeOf(target) {
		return true
	}
	if t.Kind == KindUnknown || target.Kind == KindUnknown {
		return true
	}

	switch {
	case t.Kind == KindSystem && target.Kind == KindSystem:
		_, ok := findSystemConversion(t.System, target.System)
		return ok
	case t.Kind == KindList && target.Kind == KindList,
		t.Kind == KindInterval && target.Kind == KindInterval:
		return t.Element.CanConvertTo(*target.Element)
	}
	return false
}

// CommonType returns the most specific type both a and b can be converted
// to, falling back to Any.
func CommonType(a, b DataType) DataType {
	if a.Equal(b) {
		return a
	}
	if a.IsSubtypeOf(b) {
		return b
	}
	if b.IsSubtypeOf(a) {
		return a
	}
	if a.IsNumeric() && b.IsNumeric() {
		return Decimal
	}
	if a.Kind == KindSystem && b.Kind == KindSystem {
		if (a.System == SystemDate && b.System == SystemDateTime) ||
			(a.System == SystemDateTime && b.System == SystemDate) {
			return DateTime
		}
	}
	if a.Kind == KindList && b.Kind == KindList {
		return List(CommonType(*a.Element, *b.Element))
	}
	if a.Kind == KindInterval && b.Kind == KindInterval {
		return Interval(CommonType(*a.Element, *b.Element))
	}
	return Any
}

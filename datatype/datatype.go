// Package datatype implements the static type lattice used when analysing
// expressions: system primitives, model types, lists, intervals, tuples,
// choices and type parameters, together with the subtype, conversion and
// common type rules between them.
package datatype

//go:generate go run ../internal/cmd/generate -out system_gen.go -pkg datatype

import (
	"fmt"
	"strings"
)

// SystemNamespace is the namespace of the system primitive types.
const SystemNamespace = "urn:hl7-org:elm-types:r1"

func (t SystemType) String() string {
	if t < 0 || int(t) >= len(systemTypeNames) {
		return fmt.Sprintf("SystemType(%d)", int(t))
	}
	return systemTypeNames[t]
}

// QualifiedName returns the name in the form {urn:hl7-org:elm-types:r1}Name.
func (t SystemType) QualifiedName() string {
	return "{" + SystemNamespace + "}" + t.String()
}

// IsNumeric reports whether t is Integer, Long or Decimal.
func (t SystemType) IsNumeric() bool {
	return t == SystemInteger || t == SystemLong || t == SystemDecimal
}

// IsTemporal reports whether t is Date, DateTime or Time.
func (t SystemType) IsTemporal() bool {
	return t == SystemDate || t == SystemDateTime || t == SystemTime
}

// SystemTypeFromName resolves a system type by simple or qualified name.
//
// Qualified names like "{urn:hl7-org:elm-types:r1}Integer" and dotted names
// like "System.Integer" are reduced to their last segment first.
func SystemTypeFromName(name string) (SystemType, bool) {
	if i := strings.LastIndexByte(name, '}'); i >= 0 {
		name = name[i+1:]
	} else if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	t, ok := systemTypesByName[name]
	return t, ok
}

// Kind tags the variant held by a DataType.
type Kind int

const (
	KindSystem Kind = iota
	KindModel
	KindList
	KindInterval
	KindTuple
	KindChoice
	KindTypeParameter
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "System"
	case KindModel:
		return "Model"
	case KindList:
		return "List"
	case KindInterval:
		return "Interval"
	case KindTuple:
		return "Tuple"
	case KindChoice:
		return "Choice"
	case KindTypeParameter:
		return "TypeParameter"
	case KindUnknown:
		return "Unknown"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// DataType is a static type. Which fields are meaningful depends on Kind:
//
//   - KindSystem: System
//   - KindModel: Namespace and Name
//   - KindList: Element is the element type
//   - KindInterval: Element is the point type
//   - KindTuple: Elements
//   - KindChoice: Types
//   - KindTypeParameter: Name
//
// The zero value is System Any.
type DataType struct {
	Kind      Kind
	System    SystemType
	Namespace string
	Name      string
	Element   *DataType
	Elements  []TupleElement
	Types     []DataType
}

// TupleElement is a named element of a tuple type.
type TupleElement struct {
	Name string
	Type DataType
}

var (
	Any        = System(SystemAny)
	Boolean    = System(SystemBoolean)
	Integer    = System(SystemInteger)
	Long       = System(SystemLong)
	Decimal    = System(SystemDecimal)
	String     = System(SystemString)
	Date       = System(SystemDate)
	DateTime   = System(SystemDateTime)
	Time       = System(SystemTime)
	Quantity   = System(SystemQuantity)
	Ratio      = System(SystemRatio)
	Code       = System(SystemCode)
	Concept    = System(SystemConcept)
	Vocabulary = System(SystemVocabulary)
	Unknown    = DataType{Kind: KindUnknown}
)

func System(t SystemType) DataType {
	return DataType{Kind: KindSystem, System: t}
}

func Model(namespace, name string) DataType {
	return DataType{Kind: KindModel, Namespace: namespace, Name: name}
}

func List(element DataType) DataType {
	return DataType{Kind: KindList, Element: &element}
}

func Interval(point DataType) DataType {
	return DataType{Kind: KindInterval, Element: &point}
}

func Tuple(elements ...TupleElement) DataType {
	return DataType{Kind: KindTuple, Elements: elements}
}

func Choice(types ...DataType) DataType {
	return DataType{Kind: KindChoice, Types: types}
}

func TypeParameter(name string) DataType {
	return DataType{Kind: KindTypeParameter, Name: name}
}

// FromName resolves a system type name to its DataType.
func FromName(name string) (DataType, bool) {
	t, ok := SystemTypeFromName(name)
	if !ok {
		return DataType{}, false
	}
	return System(t), true
}

func (t DataType) IsAny() bool {
	return t.Kind == KindSystem && t.System == SystemAny
}

func (t DataType) IsNumeric() bool {
	return t.Kind == KindSystem && t.System.IsNumeric()
}

func (t DataType) IsTemporal() bool {
	return t.Kind == KindSystem && t.System.IsTemporal()
}

// Equal reports structural equality. Tuple element order is ignored.
func (t DataType) Equal(o DataType) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindSystem:
		return t.System == o.System
	case KindModel:
		return t.Namespace == o.Namespace && t.Name == o.Name
	case KindList, KindInterval:
		return t.Element.Equal(*o.Element)
	case KindTuple:
		if len(t.Elements) != len(o.Elements) {
			return false
		}
	outer:
		for _, e := range t.Elements {
			for _, oe := range o.Elements {
				if e.Name == oe.Name && e.Type.Equal(oe.Type) {
					continue outer
				}
			}
			return false
		}
		return true
	case KindChoice:
		if len(t.Types) != len(o.Types) {
			return false
		}
		for i := range t.Types {
			if !t.Types[i].Equal(o.Types[i]) {
				return false
			}
		}
		return true
	case KindTypeParameter:
		return t.Name == o.Name
	case KindUnknown:
		return true
	}
	return false
}

// QualifiedName returns the name used when serializing the type.
func (t DataType) QualifiedName() string {
	switch t.Kind {
	case KindSystem:
		return t.System.QualifiedName()
	case KindModel:
		return "{" + t.Namespace + "}" + t.Name
	case KindList:
		return "List<" + t.Element.QualifiedName() + ">"
	case KindInterval:
		return "Interval<" + t.Element.QualifiedName() + ">"
	case KindTuple:
		return "Tuple"
	case KindChoice:
		return "Choice"
	case KindTypeParameter:
		return t.Name
	}
	return "Unknown"
}

func (t DataType) String() string {
	switch t.Kind {
	case KindSystem:
		return t.System.String()
	case KindModel:
		return t.Namespace + "." + t.Name
	case KindList:
		return fmt.Sprintf("List<%s>", *t.Element)
	case KindInterval:
		return fmt.Sprintf("Interval<%s>", *t.Element)
	case KindTuple:
		parts := make([]string, len(t.Elements))
		for i, e := range t.Elements {
			parts[i] = fmt.Sprintf("%s: %s", e.Name, e.Type)
		}
		return "Tuple { " + strings.Join(parts, ", ") + " }"
	case KindChoice:
		parts := make([]string, len(t.Types))
		for i, c := range t.Types {
			parts[i] = c.String()
		}
		return "Choice<" + strings.Join(parts, ", ") + ">"
	case KindTypeParameter:
		return t.Name
	}
	return "Unknown"
}

package datatype_test

import (
	"testing"

	"github.com/damedic/fhirpath-go/datatype"
	"github.com/google/go-cmp/cmp"
)

func TestSystemTypeNames(t *testing.T) {
	if got := datatype.SystemInteger.String(); got != "Integer" {
		t.Errorf("String() = %q, want Integer", got)
	}
	if got := datatype.SystemDateTime.QualifiedName(); got != "{urn:hl7-org:elm-types:r1}DateTime" {
		t.Errorf("QualifiedName() = %q", got)
	}
}

func TestSystemTypeFromName(t *testing.T) {
	tests := []struct {
		name   string
		want   datatype.SystemType
		wantOk bool
	}{
		{"Integer", datatype.SystemInteger, true},
		{"{urn:hl7-org:elm-types:r1}Decimal", datatype.SystemDecimal, true},
		{"System.String", datatype.SystemString, true},
		{"Vocabulary", datatype.SystemVocabulary, true},
		{"integer", 0, false},
		{"Patient", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := datatype.SystemTypeFromName(tt.name)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsSubtypeOf(t *testing.T) {
	patient := datatype.Model("FHIR", "Patient")

	tests := []struct {
		name string
		sub  datatype.DataType
		sup  datatype.DataType
		want bool
	}{
		{"reflexive", datatype.String, datatype.String, true},
		{"any", datatype.Quantity, datatype.Any, true},
		{"model to any", patient, datatype.Any, true},
		{"integer long", datatype.Integer, datatype.Long, true},
		{"integer decimal", datatype.Integer, datatype.Decimal, true},
		{"long decimal", datatype.Long, datatype.Decimal, true},
		{"decimal integer", datatype.Decimal, datatype.Integer, false},
		{"long integer", datatype.Long, datatype.Integer, false},
		{"date datetime", datatype.Date, datatype.DateTime, true},
		{"datetime date", datatype.DateTime, datatype.Date, false},
		{"list covariant", datatype.List(datatype.Integer), datatype.List(datatype.Decimal), true},
		{"list not contravariant", datatype.List(datatype.Decimal), datatype.List(datatype.Integer), false},
		{"interval covariant", datatype.Interval(datatype.Date), datatype.Interval(datatype.DateTime), true},
		{"list vs interval", datatype.List(datatype.Date), datatype.Interval(datatype.Date), false},
		{"choice member", datatype.Integer, datatype.Choice(datatype.String, datatype.Decimal), true},
		{"choice no member", datatype.Boolean, datatype.Choice(datatype.String, datatype.Decimal), false},
		{"model exact", patient, datatype.Model("FHIR", "Patient"), true},
		{"model other", patient, datatype.Model("FHIR", "Resource"), false},
		{"any not sub of string", datatype.Any, datatype.String, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.IsSubtypeOf(tt.sup); got != tt.want {
				t.Errorf("%v.IsSubtypeOf(%v) = %v, want %v", tt.sub, tt.sup, got, tt.want)
			}
		})
	}
}

func TestCanConvertTo(t *testing.T) {
	tests := []struct {
		name string
		from datatype.DataType
		to   datatype.DataType
		want bool
	}{
		{"integer decimal", datatype.Integer, datatype.Decimal, true},
		{"long decimal", datatype.Long, datatype.Decimal, true},
		{"code concept", datatype.Code, datatype.Concept, true},
		{"concept code", datatype.Concept, datatype.Code, false},
		{"string integer", datatype.String, datatype.Integer, false},
		{"unknown source", datatype.Unknown, datatype.Integer, true},
		{"unknown target", datatype.Integer, datatype.Unknown, true},
		{"list lift", datatype.List(datatype.Code), datatype.List(datatype.Concept), true},
		{"interval lift", datatype.Interval(datatype.Integer), datatype.Interval(datatype.Decimal), true},
		{"list no lift", datatype.List(datatype.String), datatype.List(datatype.Boolean), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanConvertTo(tt.to); got != tt.want {
				t.Errorf("%v.CanConvertTo(%v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCommonType(t *testing.T) {
	tests := []struct {
		name string
		a, b datatype.DataType
		want datatype.DataType
	}{
		{"same", datatype.String, datatype.String, datatype.String},
		{"integer long", datatype.Integer, datatype.Long, datatype.Long},
		{"long integer", datatype.Long, datatype.Integer, datatype.Long},
		{"integer decimal", datatype.Integer, datatype.Decimal, datatype.Decimal},
		{"date datetime", datatype.Date, datatype.DateTime, datatype.DateTime},
		{"datetime date", datatype.DateTime, datatype.Date, datatype.DateTime},
		{"lists", datatype.List(datatype.Integer), datatype.List(datatype.Decimal), datatype.List(datatype.Decimal)},
		{"intervals", datatype.Interval(datatype.Date), datatype.Interval(datatype.DateTime), datatype.Interval(datatype.DateTime)},
		{"unrelated", datatype.String, datatype.Boolean, datatype.Any},
		{"list and scalar", datatype.List(datatype.String), datatype.String, datatype.Any},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := datatype.CommonType(tt.a, tt.b)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("CommonType(%v, %v) mismatch (-want +got):\n%s", tt.a, tt.b, diff)
			}
		})
	}
}

func TestDisplayAndQualifiedName(t *testing.T) {
	person := datatype.Tuple(
		datatype.TupleElement{Name: "name", Type: datatype.String},
		datatype.TupleElement{Name: "age", Type: datatype.Integer},
	)

	tests := []struct {
		name      string
		typ       datatype.DataType
		display   string
		qualified string
	}{
		{"system", datatype.Integer, "Integer", "{urn:hl7-org:elm-types:r1}Integer"},
		{"model", datatype.Model("FHIR", "Patient"), "FHIR.Patient", "{FHIR}Patient"},
		{"list", datatype.List(datatype.String), "List<String>", "List<{urn:hl7-org:elm-types:r1}String>"},
		{"interval", datatype.Interval(datatype.Date), "Interval<Date>", "Interval<{urn:hl7-org:elm-types:r1}Date>"},
		{"tuple", person, "Tuple { name: String, age: Integer }", "Tuple"},
		{"choice", datatype.Choice(datatype.Integer, datatype.String), "Choice<Integer, String>", "Choice"},
		{"parameter", datatype.TypeParameter("T"), "T", "T"},
		{"unknown", datatype.Unknown, "Unknown", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.String(); got != tt.display {
				t.Errorf("String() = %q, want %q", got, tt.display)
			}
			if got := tt.typ.QualifiedName(); got != tt.qualified {
				t.Errorf("QualifiedName() = %q, want %q", got, tt.qualified)
			}
		})
	}
}

func TestTupleEqualityIgnoresOrder(t *testing.T) {
	a := datatype.Tuple(
		datatype.TupleElement{Name: "name", Type: datatype.String},
		datatype.TupleElement{Name: "age", Type: datatype.Integer},
	)
	b := datatype.Tuple(
		datatype.TupleElement{Name: "age", Type: datatype.Integer},
		datatype.TupleElement{Name: "name", Type: datatype.String},
	)
	if !a.Equal(b) {
		t.Errorf("expected %v to equal %v", a, b)
	}
	if b.String() != "Tuple { age: Integer, name: String }" {
		t.Errorf("serialization must keep element order, got %q", b.String())
	}
}

func TestImplicitConversions(t *testing.T) {
	got := datatype.ImplicitConversions()
	if len(got) != 5 {
		t.Fatalf("expected 5 conversions, got %d", len(got))
	}

	conv, ok := datatype.FindConversion(datatype.Integer, datatype.Decimal)
	if !ok {
		t.Fatal("expected Integer -> Decimal conversion")
	}
	if conv.Function != "ToDecimal" {
		t.Errorf("Function = %q, want ToDecimal", conv.Function)
	}

	conv, ok = datatype.FindConversion(datatype.Code, datatype.Concept)
	if !ok || conv.Function != "ToConcept" {
		t.Errorf("Code -> Concept = %v, %v", conv, ok)
	}

	if _, ok := datatype.FindConversion(datatype.Decimal, datatype.Integer); ok {
		t.Error("Decimal -> Integer must not be an implicit conversion")
	}

	got[0].Function = "changed"
	if datatype.ImplicitConversions()[0].Function != "ToLong" {
		t.Error("ImplicitConversions must return a copy")
	}
}

package datatype

// ImplicitConversion names the function an analyser inserts to convert a
// value of type From to type To.
type ImplicitConversion struct {
	From     DataType
	To       DataType
	Function string
}

var implicitConversions = []ImplicitConversion{
	{From: Integer, To: Long, Function: "ToLong"},
	{From: Integer, To: Decimal, Function: "ToDecimal"},
	{From: Long, To: Decimal, Function: "ToDecimal"},
	{From: Date, To: DateTime, Function: "ToDateTime"},
	{From: Code, To: Concept, Function: "ToConcept"},
}

// ImplicitConversions returns the table of implicit conversions.
// The returned slice is a copy and may be modified by the caller.
func ImplicitConversions() []ImplicitConversion {
	out := make([]ImplicitConversion, len(implicitConversions))
	copy(out, implicitConversions)
	return out
}

// FindConversion looks up the implicit conversion from one type to another.
func FindConversion(from, to DataType) (ImplicitConversion, bool) {
	for _, c := range implicitConversions {
		if c.From.Equal(from) && c.To.Equal(to) {
			return c, true
		}
	}
	return ImplicitConversion{}, false
}

func findSystemConversion(from, to SystemType) (ImplicitConversion, bool) {
	return FindConversion(System(from), System(to))
}

package assert

import (
	"reflect"
	"testing"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ElementComparer compares elements of the same Go type with their Equal method.
var ElementComparer = cmp.Comparer(func(a, b fhirpath.Element) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	eq, ok := a.Equal(b)
	return ok && eq
})

// FHIRPathEqual reports a diff when the collections differ in order, type or value.
// Empty and nil collections are equal.
func FHIRPathEqual(t testing.TB, expected, actual fhirpath.Collection) {
	t.Helper()
	if diff := cmp.Diff(expected, actual, ElementComparer, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s\nwant: %v\ngot:  %v", diff, expected, actual)
	}
}

package assert

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// JSONEqual compares two JSON documents ignoring formatting and key order.
func JSONEqual(t testing.TB, expected, actual string) {
	t.Helper()
	var want, got any
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		t.Fatalf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &got); err != nil {
		t.Fatalf("invalid actual JSON: %v\n%s", err, actual)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("JSON mismatch (-want +got):\n%s", diff)
	}
}

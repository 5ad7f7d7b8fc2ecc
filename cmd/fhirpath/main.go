// Command fhirpath parses and evaluates FHIRPath expressions against JSON
// or YAML documents.
//
//	fhirpath eval "Patient.name.given" --data patient.json
//	fhirpath parse "1 + 2 * 3" --format tree
//	fhirpath repl --data patient.json
//	fhirpath test cases.yaml --data patient.json
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

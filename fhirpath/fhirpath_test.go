package fhirpath_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/parser"
	"github.com/damedic/fhirpath-go/testdata"
	"github.com/damedic/fhirpath-go/testdata/assert"
)

// runFHIRPathTest executes a single test of the suite and validates the result
func runFHIRPathTest(t *testing.T, ctx context.Context, test testdata.FHIRPathTest) {
	expr, err := parser.Parse(test.Expression)
	if test.Invalid == "syntax" {
		if !errors.Is(err, fhirpath.ParseError) {
			t.Fatalf("expected parse error, got %v", err)
		}
		return
	}
	if err != nil {
		t.Fatalf("Unexpected error parsing expression: %v", err)
	}

	result, err := fhirpath.NewEvaluator().Evaluate(ctx, expr, fhirpath.NewContext(test.InputResource))
	if test.Invalid == "execution" {
		if err == nil {
			t.Fatalf("expected evaluation error, got %v", result)
		}
		return
	}
	if err != nil {
		t.Fatalf("Unexpected error evaluating expression: %v", err)
	}

	expected, err := test.OutputCollection()
	if err != nil {
		t.Fatalf("invalid expected output: %v", err)
	}
	assert.FHIRPathEqual(t, expected, result)
}

func TestFHIRPathTestSuite(t *testing.T) {
	ctx := fhirpath.WithAPDContext(context.Background(), apd.BaseContext.WithPrecision(8))
	tests := testdata.GetFHIRPathTests()

	for _, group := range tests.Groups {
		name := group.Name
		if group.Description != "" {
			name = fmt.Sprintf("%s (%s)", name, group.Description)
		}

		t.Run(name, func(t *testing.T) {
			for _, test := range group.Tests {
				t.Run(test.Name, func(t *testing.T) {
					runFHIRPathTest(t, ctx, test)
				})
			}
		})
	}
}

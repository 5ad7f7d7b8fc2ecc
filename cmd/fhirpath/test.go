package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/parser"
	"github.com/google/go-cmp/cmp"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// TestCase is an entry of a test file. Expected is compared with the JSON
// form of the result; a single value stands for a one element collection.
type TestCase struct {
	Expression  string `yaml:"expression"`
	Expected    any    `yaml:"expected"`
	ShouldError bool   `yaml:"shouldError"`
}

func newTestCmd(a *app) *cobra.Command {
	var dataPath string
	cmd := &cobra.Command{
		Use:   "test <file>",
		Short: "Run the expressions of a YAML or JSON test file",
		Args:  cobra.ExactArgs(1),
		Example: `fhirpath test cases.yaml --data patient.json

cases.yaml:
  - expression: name.given.first()
    expected: Peter
  - expression: name.given.count() > 1
    expected: [true]
  - expression: name.given +
    shouldError: true`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "couldn't read test file")
			}
			var cases []TestCase
			if err := yaml.Unmarshal(data, &cases); err != nil {
				return errors.Wrapf(err, "couldn't decode test file %s", args[0])
			}
			doc, err := loadDocument(dataPath, cmd.InOrStdin())
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetColWidth(48)
			table.SetAutoFormatHeaders(false)
			table.SetHeader([]string{"#", "Expression", "Status", "Details"})

			var failed int
			for i, c := range cases {
				status, details := "PASS", ""
				if err := a.runTestCase(cmd, c, doc); err != nil {
					status, details = "FAIL", err.Error()
					failed++
				}
				table.Append([]string{strconv.Itoa(i + 1), c.Expression, status, details})
			}
			table.Render()

			fmt.Fprintf(cmd.OutOrStdout(), "%d passed, %d failed\n", len(cases)-failed, failed)
			if failed > 0 {
				return errors.Errorf("%d of %d tests failed", failed, len(cases))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "document to evaluate against, - for stdin")
	return cmd
}

func (a *app) runTestCase(cmd *cobra.Command, c TestCase, doc fhirpath.Object) error {
	expr, err := parser.Parse(c.Expression)
	if err != nil {
		if c.ShouldError {
			return nil
		}
		return err
	}
	result, err := a.evaluate(cmd.Context(), expr, doc)
	if err != nil {
		if c.ShouldError {
			return nil
		}
		return err
	}
	if c.ShouldError {
		return errors.Errorf("expected an error, got %v", result)
	}

	got, err := normalizeJSON(result)
	if err != nil {
		return err
	}
	expected := c.Expected
	if _, isList := expected.([]any); !isList && expected != nil {
		expected = []any{expected}
	}
	want, err := normalizeJSON(expected)
	if err != nil {
		return err
	}
	if want == nil {
		want = []any{}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return errors.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	return nil
}

// normalizeJSON round trips v through JSON so numbers and maps compare equal
// regardless of their source.
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't marshal value")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "couldn't unmarshal value")
	}
	return out, nil
}

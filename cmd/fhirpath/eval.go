package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
	"github.com/damedic/fhirpath-go/fhirpath/parser"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newParseCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "parse <expression>",
		Short: "Parse an expression and print its syntax tree",
		Args:  cobra.ExactArgs(1),
		Example: `fhirpath parse "Patient.name.where(use = 'official').given"
fhirpath parse "1 + 2 * 3" --format tree`,
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := parser.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "couldn't parse expression")
			}
			return writeAST(cmd.OutOrStdout(), expr, format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "pretty", "output format: pretty or tree")
	return cmd
}

func newEvalCmd(a *app) *cobra.Command {
	var dataPath, format string
	cmd := &cobra.Command{
		Use:   "eval <expression>",
		Short: "Evaluate an expression against a JSON or YAML document",
		Args:  cobra.ExactArgs(1),
		Example: `fhirpath eval "Patient.name.given" --data patient.json
cat patient.json | fhirpath eval "name.count()" --data - --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := parser.Parse(args[0])
			if err != nil {
				return errors.Wrap(err, "couldn't parse expression")
			}
			doc, err := loadDocument(dataPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			result, err := a.evaluate(cmd.Context(), expr, doc)
			if err != nil {
				return errors.Wrap(err, "couldn't evaluate expression")
			}
			return writeResult(cmd.OutOrStdout(), result, format)
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "document to evaluate against, - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "pretty", "output format: pretty, json or table")
	return cmd
}

func writeResult(w io.Writer, result fhirpath.Collection, format string) error {
	switch format {
	case "pretty":
		_, err := fmt.Fprintln(w, result)
		return err
	case "json":
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "couldn't marshal result")
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "table":
		table := tablewriter.NewWriter(w)
		table.SetColWidth(48)
		table.SetAutoFormatHeaders(false)
		table.SetHeader([]string{"#", "Type", "Value"})
		for i, e := range result {
			table.Append([]string{strconv.Itoa(i), e.TypeInfo().String(), e.String()})
		}
		table.Render()
		return nil
	}
	return errors.Errorf("unknown output format %q", format)
}

func writeAST(w io.Writer, expr ast.Expression, format string) error {
	switch format {
	case "pretty":
		_, err := fmt.Fprintln(w, expr)
		return err
	case "tree":
		return writeTree(w, expr, 0)
	}
	return errors.Errorf("unknown output format %q", format)
}

// writeTree prints one node per line, children indented below their parent.
func writeTree(w io.Writer, node fmt.Stringer, depth int) error {
	label, children := describeNode(node)
	if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), label); err != nil {
		return err
	}
	for _, child := range children {
		if err := writeTree(w, child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func describeNode(node fmt.Stringer) (string, []fmt.Stringer) {
	switch n := node.(type) {
	case *ast.TermExpression:
		return describeNode(n.Term)
	case *ast.InvocationTerm:
		return describeNode(n.Invocation)
	case *ast.LiteralTerm:
		return fmt.Sprintf("%s %s", n.Literal.Kind, n.Literal), nil
	case *ast.ExternalConstantTerm:
		return "Constant " + n.String(), nil
	case *ast.ParenthesizedTerm:
		return "Parenthesized", []fmt.Stringer{n.Expression}
	case *ast.MemberInvocation:
		return "Member " + n.String(), nil
	case *ast.FunctionInvocation:
		params := make([]fmt.Stringer, len(n.Params))
		for i, p := range n.Params {
			params[i] = p
		}
		return "Function " + n.Name, params
	case *ast.ThisInvocation, *ast.IndexInvocation, *ast.TotalInvocation:
		return "Variable " + n.String(), nil
	case *ast.InvocationExpression:
		return "Invocation", []fmt.Stringer{n.Left, n.Invocation}
	case *ast.IndexerExpression:
		return "Indexer", []fmt.Stringer{n.Left, n.Index}
	case *ast.PolarityExpression:
		return "Polarity " + string(n.Op), []fmt.Stringer{n.Operand}
	case *ast.MultiplicativeExpression:
		return "Multiplicative " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.AdditiveExpression:
		return "Additive " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.TypeExpression:
		return "Type " + string(n.Op) + " " + n.Type.String(), []fmt.Stringer{n.Left}
	case *ast.UnionExpression:
		return "Union |", []fmt.Stringer{n.Left, n.Right}
	case *ast.InequalityExpression:
		return "Inequality " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.EqualityExpression:
		return "Equality " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.MembershipExpression:
		return "Membership " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.AndExpression:
		return "And", []fmt.Stringer{n.Left, n.Right}
	case *ast.OrExpression:
		return "Or " + string(n.Op), []fmt.Stringer{n.Left, n.Right}
	case *ast.ImpliesExpression:
		return "Implies", []fmt.Stringer{n.Left, n.Right}
	}
	return fmt.Sprintf("%T", node), nil
}

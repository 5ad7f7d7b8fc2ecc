package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/parser"
	"github.com/spf13/cobra"
)

func newReplCmd(a *app) *cobra.Command {
	var dataPath string
	cmd := &cobra.Command{
		Use:   "repl",
		Short: "Evaluate expressions interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(dataPath, nil)
			if err != nil {
				return err
			}
			r := &repl{app: a, doc: doc, out: cmd.OutOrStdout()}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "document to evaluate against")
	return cmd
}

type repl struct {
	app *app
	doc fhirpath.Object
	out io.Writer
}

const replHelp = `Commands:
  .help          show this help
  .data          show the loaded document
  .load <file>   load a JSON or YAML document
  .quit, .exit   leave the REPL

Any other input is evaluated as an expression, e.g.
  name.where(use = 'official').given
  5 + 3 * 2
  'hello'.upper()`

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "FHIRPath REPL, type .help for commands")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		r.evaluate(ctx, line)
	}
}

// command runs a dot command and reports whether the REPL should end.
func (r *repl) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	switch name {
	case ".quit", ".exit":
		return true
	case ".help":
		fmt.Fprintln(r.out, replHelp)
	case ".data":
		fmt.Fprintln(r.out, r.doc)
	case ".load":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			fmt.Fprintln(r.out, "usage: .load <file>")
			break
		}
		doc, err := loadDocument(arg, nil)
		if err != nil {
			fmt.Fprintln(r.out, "load error:", err)
			break
		}
		r.doc = doc
		fmt.Fprintln(r.out, "loaded", arg)
	default:
		fmt.Fprintf(r.out, "unknown command %s, type .help for commands\n", name)
	}
	return false
}

func (r *repl) evaluate(ctx context.Context, line string) {
	expr, err := parser.Parse(line)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	result, err := r.app.evaluate(ctx, expr, r.doc)
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}
	fmt.Fprintln(r.out, "=>", result)
}

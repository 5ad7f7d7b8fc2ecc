package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/damedic/fhirpath-go/fhirpath/ast"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// app holds the state shared by all commands, set up from config and flags
// before a command runs.
type app struct {
	configPath    string
	logLevel      string
	repeatLimit   int
	partialRepeat bool

	config    Config
	constants map[string]fhirpath.Collection
	logger    *slog.Logger
	evaluator *fhirpath.Evaluator
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "fhirpath",
		Short:         "Parse and evaluate FHIRPath expressions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (default warn)")
	flags.IntVar(&a.repeatLimit, "repeat-limit", 0, "maximum number of rounds run by repeat()")
	flags.BoolVar(&a.partialRepeat, "partial-repeat", false, "return the items found so far instead of failing when repeat() does not converge")

	cmd.AddCommand(
		newParseCmd(),
		newEvalCmd(a),
		newReplCmd(a),
		newTestCmd(a),
	)
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.configPath != "" {
		config, err := ReadConfig(a.configPath)
		if err != nil {
			return errors.Wrapf(err, "couldn't read config %s", a.configPath)
		}
		a.config = config
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		a.config.LogLevel = a.logLevel
	}
	if flags.Changed("repeat-limit") {
		a.config.RepeatLimit = a.repeatLimit
	}
	if flags.Changed("partial-repeat") {
		a.config.PartialRepeat = a.partialRepeat
	}

	level := slog.LevelWarn
	if a.config.LogLevel != "" {
		if err := level.UnmarshalText([]byte(a.config.LogLevel)); err != nil {
			return errors.Wrap(err, "invalid log level")
		}
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	constants, err := a.config.constants()
	if err != nil {
		return err
	}
	a.constants = constants

	opts := []fhirpath.Option{
		fhirpath.WithLogger(a.logger),
		fhirpath.WithRepeatLimit(a.config.RepeatLimit),
	}
	if a.config.PartialRepeat {
		opts = append(opts, fhirpath.WithPartialRepeat())
	}
	a.evaluator = fhirpath.NewEvaluator(opts...)
	return nil
}

// env creates the evaluation context for doc with the configured constants.
func (a *app) env(doc fhirpath.Object) fhirpath.Context {
	env := fhirpath.NewContext(doc)
	for name, value := range a.constants {
		env = env.WithConstant(name, value)
	}
	return env
}

func (a *app) evaluate(ctx context.Context, expr ast.Expression, doc fhirpath.Object) (fhirpath.Collection, error) {
	if a.config.Precision > 0 {
		ctx = fhirpath.WithAPDContext(ctx, apd.BaseContext.WithPrecision(a.config.Precision))
	}
	if a.config.Now != "" {
		// validated by ReadConfig
		now, _ := time.Parse(time.RFC3339, a.config.Now)
		ctx = fhirpath.WithEvaluationTime(ctx, now)
	}
	a.logger.DebugContext(ctx, "evaluating expression", "expression", expr.String())
	return a.evaluator.Evaluate(ctx, expr, a.env(doc))
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/compiler"
	"github.com/roach88/rowsync/internal/rules"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Config   string                     `json:"config,omitempty"`
	Settings *compiler.Config           `json:"settings,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []rules.CycleWarning       `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a deployment config without opening the database",
		Long: `Validate a CUE deployment config.

Compiles the config against the deployment schema, checks engine settings
and delete-policy overrides, builds the rule registry and reports static
rule cycles as warnings. The argument takes precedence over --config.

Examples:
  rowsync validate
  rowsync validate ./deploy/rowsync.cue
  rowsync validate ./deploy --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := *rootOpts
			if len(args) == 1 {
				opts.Config = args[0]
			}
			return runValidate(&opts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	dep, err := LoadDeployment(opts)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && len(loadErr.Problems) > 0 {
			return outputValidationErrors(formatter, loadErr.Problems)
		}
		return reportLoadError(formatter, err)
	}

	source := dep.Path
	if source == "" {
		source = "(defaults)"
	}
	formatter.VerboseLog("Validated %s", source)

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{
			Valid:    true,
			Config:   dep.Path,
			Settings: dep.Config,
			Warnings: dep.Warnings,
		})
	}

	fmt.Fprintf(formatter.Writer, "✓ Config valid: %s\n", source)
	fmt.Fprintf(formatter.Writer, "  database: %s\n", dep.Config.Database)
	fmt.Fprintf(formatter.Writer, "  max_rounds: %d, balance_filter: %s\n", dep.Config.MaxRounds, dep.Config.BalanceFilter)
	for _, w := range dep.Warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", w.Message)
	}
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:  false,
				Errors: errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1 (test/validation failure)
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", err.Code, err.Field, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
)

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <file|->",
		Short: "Apply a mutation batch as one transaction",
		Long: `Apply every mutation in a JSON or YAML file as one transaction.

Derived attributes, cascades and constraints are resolved before anything
is written; the batch commits completely or not at all. Use "-" to read
the batch from stdin.

Exit codes:
  0 - Transaction committed
  1 - Transaction rejected (constraint violation, restricted delete, ...)
  2 - Command error (bad config, unreadable input, database failure)

Examples:
  rowsync apply orders.yaml
  echo '[{"entity":"Customer","op":"insert","id":"c1","values":{"name":"Ann","credit_limit":100}}]' | rowsync apply -
  rowsync apply --db ./shop.db batch.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runApply(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	muts, err := readBatch(path, cmd.InOrStdin())
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read mutations", err)
	}
	formatter.VerboseLog("Read %d mutation(s) from %s", len(muts), path)

	s, err := openSession(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.engine.Apply(commandContext(cmd), muts...)
	if err != nil {
		return outputApplyError(formatter, err)
	}
	return outputApplyResult(formatter, res)
}

// outputApplyError reports a failed Apply. Engine rejections exit 1;
// anything else (adapter failure, cancellation) is a command error.
func outputApplyError(formatter *OutputFormatter, err error) error {
	var ierr *ir.Error
	if errors.As(err, &ierr) {
		_ = formatter.Rejection(ierr)
		return WrapExitError(ExitFailure, "transaction rejected", err)
	}
	_ = formatter.Error(ErrCodeStore, err.Error(), nil)
	return WrapExitError(ExitCommandError, "transaction failed", err)
}

func outputApplyResult(formatter *OutputFormatter, res *engine.Result) error {
	if formatter.Format == "json" {
		return formatter.Success(res)
	}

	w := formatter.Writer
	if len(res.Changes) == 0 {
		fmt.Fprintf(w, "✓ %s: no changes\n", res.TxID)
		return nil
	}
	fmt.Fprintf(w, "✓ Committed %s: %d change(s), %d round(s), %d read(s)\n",
		res.TxID, len(res.Changes), res.Rounds, res.Reads)
	for _, c := range res.Changes {
		printChange(formatter, c)
	}
	return nil
}

// printChange writes one change line, with attrs in verbose mode.
func printChange(formatter *OutputFormatter, c ir.Change) {
	w := formatter.Writer
	fmt.Fprintf(w, "  [%d] %s %s:%s (%s", c.Seq, c.Op, c.Entity, c.RowID, c.Origin)
	if c.Rule != "" {
		fmt.Fprintf(w, " %s", c.Rule)
	}
	fmt.Fprint(w, ")")
	if changed := c.Changed(); c.Op == ir.OpUpdate && len(changed) > 0 {
		fmt.Fprintf(w, " %v", changed)
	}
	fmt.Fprintln(w)

	if formatter.Verbose && c.After != nil {
		if data, err := c.After.MarshalJSON(); err == nil {
			fmt.Fprintf(w, "      %s\n", data)
		}
	}
}

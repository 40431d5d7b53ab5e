package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
)

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Audit stored rows against every rule",
		Long: `Recompute every derived attribute from stored rows with full scans and
check referential integrity, required attributes and constraints.

The audit is read-only. A clean report means every committed transaction
left the invariants intact.

Exit codes:
  0 - Audit clean
  1 - Drift, orphans, missing attributes or violations found
  2 - Command error (bad config, database failure)

Examples:
  rowsync check --db ./shop.db
  rowsync check --db ./shop.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, cmd)
		},
	}

	return cmd
}

func runCheck(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	s, err := openSession(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.engine.Audit(commandContext(cmd))
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "audit failed", err)
	}

	if formatter.Format == "json" {
		return outputCheckJSON(formatter, report)
	}
	return outputCheckText(formatter, report)
}

func findings(report *engine.AuditReport) int {
	return len(report.Drift) + len(report.Orphans) + len(report.Violations) + len(report.Missing)
}

func outputCheckJSON(formatter *OutputFormatter, report *engine.AuditReport) error {
	if report.Clean() {
		return formatter.Success(report)
	}

	response := CLIResponse{
		Status: "error",
		Data:   report,
		Error: &CLIError{
			Code:    "E_AUDIT_FAILED",
			Message: fmt.Sprintf("%d finding(s)", findings(report)),
		},
	}
	encoder := json.NewEncoder(formatter.Writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	return NewExitError(ExitFailure, fmt.Sprintf("audit found %d problem(s)", findings(report)))
}

func outputCheckText(formatter *OutputFormatter, report *engine.AuditReport) error {
	w := formatter.Writer
	if report.Clean() {
		fmt.Fprintf(w, "✓ Audit clean: %d row(s) checked\n", report.Rows)
		return nil
	}

	fmt.Fprintf(w, "✗ Audit found %d problem(s) in %d row(s)\n", findings(report), report.Rows)
	for _, d := range report.Drift {
		stored, _ := jsonValue(d.Stored)
		expected, _ := jsonValue(d.Expected)
		fmt.Fprintf(w, "  drift: %s:%s.%s = %s, %s computes %s\n", d.Entity, d.RowID, d.Attribute, stored, d.Rule, expected)
	}
	for _, o := range report.Orphans {
		fmt.Fprintf(w, "  orphan: %s:%s references missing parent %s via %s\n", o.Entity, o.RowID, o.ParentID, o.Relationship)
	}
	for _, m := range report.Missing {
		fmt.Fprintf(w, "  missing: %s\n", m)
	}
	for _, v := range report.Violations {
		fmt.Fprintf(w, "  violation: %s on %s:%s\n", v.Constraint, v.Entity, v.RowID)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("audit found %d problem(s)", findings(report)))
}

func jsonValue(v ir.Value) (string, error) {
	b, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v), err
	}
	return string(b), nil
}

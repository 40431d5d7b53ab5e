package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Limit  int
	Entity string // optional - filter changes to one entity
}

// TraceResult holds the logged change set of one transaction.
type TraceResult struct {
	TxID    string      `json:"tx_id"`
	Changes []ir.Change `json:"changes"`
	Stats   TraceStats  `json:"stats"`
}

// TraceStats counts the changes of a transaction by origin.
type TraceStats struct {
	Total   int `json:"total"`
	Caller  int `json:"caller"`
	Derived int `json:"derived"`
	Cascade int `json:"cascade"`
}

// TransactionList holds recent committed transactions, oldest first.
type TransactionList struct {
	Transactions []store.Transaction `json:"transactions"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [tx-id]",
		Short: "Show the change log",
		Long: `Show committed transactions, or the net change set of one transaction.

Without an argument, lists the most recent transactions. With a
transaction id, lists its changes in order with their origin: caller
mutations, derived updates (with the rule that produced them) and
cascades (with the relationship).

Examples:
  rowsync trace --db ./shop.db
  rowsync trace --db ./shop.db --limit 5
  rowsync trace --db ./shop.db 0192f3c4-... --entity Order --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runTraceList(opts, cmd)
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "number of recent transactions to list (0 = all)")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter changes to one entity")

	return cmd
}

func runTraceList(opts *TraceOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	s, err := openSession(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	txs, err := s.store.ListTransactions(commandContext(cmd), opts.Limit)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list transactions", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(TransactionList{Transactions: txs})
	}

	w := formatter.Writer
	if len(txs) == 0 {
		fmt.Fprintln(w, "No transactions committed.")
		return nil
	}
	for _, tx := range txs {
		fmt.Fprintf(w, "%6d  %s  %d change(s)\n", tx.Seq, tx.ID, tx.ChangeCount)
	}
	return nil
}

func runTrace(opts *TraceOptions, txID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	s, err := openSession(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	changes, err := s.store.ReadChanges(commandContext(cmd), txID)
	if err != nil {
		var ierr *ir.Error
		if errors.As(err, &ierr) && ierr.Code == ir.ErrCodeNotFound {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("transaction not found: %s", txID), nil)
			return WrapExitError(ExitCommandError, "transaction not found", err)
		}
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read changes", err)
	}

	result := buildTrace(txID, changes, opts.Entity)
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Transaction %s\n", txID)
	fmt.Fprintf(w, "  %d change(s): %d caller, %d derived, %d cascade\n\n",
		result.Stats.Total, result.Stats.Caller, result.Stats.Derived, result.Stats.Cascade)
	for _, c := range result.Changes {
		printChange(formatter, c)
	}
	return nil
}

// buildTrace filters changes by entity and counts them by origin.
// Stats always cover the whole transaction.
func buildTrace(txID string, changes []ir.Change, entity string) TraceResult {
	result := TraceResult{TxID: txID, Changes: []ir.Change{}}
	for _, c := range changes {
		result.Stats.Total++
		switch c.Origin {
		case ir.OriginCaller:
			result.Stats.Caller++
		case ir.OriginDerive:
			result.Stats.Derived++
		case ir.OriginCascade:
			result.Stats.Cascade++
		}
		if entity == "" || c.Entity == entity {
			result.Changes = append(result.Changes, c)
		}
	}
	return result
}

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/ir"
)

// maxLineBytes bounds one JSON batch line.
const maxLineBytes = 4 << 20

// RunStats summarizes a run session.
type RunStats struct {
	Batches   int `json:"batches"`
	Committed int `json:"committed"`
	Rejected  int `json:"rejected"`
	Invalid   int `json:"invalid"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve mutation batches from stdin, one JSON line each",
		Long: `Start the engine as a line-oriented mutation service.

Each line on stdin is one JSON mutation batch (an array of mutations or an
object with a "mutations" array) and is applied as one transaction. Each
batch produces exactly one JSON response line on stdout, in input order:

  {"status":"ok","data":{"tx_id":"...","rows":[...],"changes":[...],...}}
  {"status":"error","error":{"code":"CONSTRAINT_VIOLATION","details":{...}}}

Rejected batches do not stop the service. It stops at end of input or on
SIGINT/SIGTERM. Logs go to stderr.

Example:
  rowsync run --db ./shop.db < batches.jsonl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(rootOpts, cmd)
		},
	}

	return cmd
}

func runService(opts *RootOptions, cmd *cobra.Command) error {
	// Responses are always JSON lines; --format only affects load errors.
	formatter := newFormatter(opts, cmd)
	s, err := openSession(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer s.Close()

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received signal, shutting down", "event", "signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("service started", "event", "service_start", "db", s.dep.Config.Database)
	stats, err := serveLines(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
	s.logger.Info("service stopped", "event", "service_stop",
		"batches", stats.Batches, "committed", stats.Committed,
		"rejected", stats.Rejected, "invalid", stats.Invalid)
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "service failed", err)
	}
	return nil
}

// serveLines applies one batch per input line until EOF or cancellation.
// Lines are read on a separate goroutine so a blocked read does not delay
// shutdown.
func serveLines(ctx context.Context, s *session, in io.Reader, out io.Writer) (RunStats, error) {
	var stats RunStats
	enc := json.NewEncoder(out)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return stats, err
				default:
					return stats, nil
				}
			}
			if len(line) == 0 || allSpace(line) {
				continue
			}
			stats.Batches++
			if err := enc.Encode(handleLine(ctx, s, line, &stats)); err != nil {
				return stats, err
			}
		}
	}
}

// handleLine applies one batch and builds its response.
func handleLine(ctx context.Context, s *session, line []byte, stats *RunStats) CLIResponse {
	muts, err := DecodeBatchJSON(line)
	if err != nil {
		stats.Invalid++
		return CLIResponse{Status: "error", Error: &CLIError{Code: ErrCodeInvalidInput, Message: err.Error()}}
	}

	res, err := s.engine.Apply(ctx, muts...)
	if err != nil {
		var ierr *ir.Error
		if errors.As(err, &ierr) {
			stats.Rejected++
			return rejectionResponse(ierr)
		}
		stats.Rejected++
		return CLIResponse{Status: "error", Error: &CLIError{Code: ErrCodeStore, Message: err.Error()}}
	}
	stats.Committed++
	return CLIResponse{Status: "ok", Data: res}
}

func allSpace(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}

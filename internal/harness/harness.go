package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/rowsync/internal/compiler"
	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/testutil"
)

// Harness runs one scenario against a real engine and store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation, and
// transaction ids come from a sequential generator ("tx-1", "tx-2", ...)
// so traces are reproducible.
//
// Execution flow:
// 1. Compile the scenario's config (or the default one)
// 2. Create a fresh in-memory database and engine
// 3. Execute setup steps, which must all commit
// 4. Execute flow steps with expect validation
// 5. Evaluate assertions and return the result
//
// Run returns an error only when the scenario cannot be executed at all;
// failed expectations are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	cfg := compiler.Default()
	if scenario.Config != "" {
		loaded, err := compiler.Load(scenario.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	reg, _, problems := compiler.Build(cfg)
	if len(problems) > 0 {
		msgs := make([]string, len(problems))
		for i, p := range problems {
			msgs[i] = p.Error()
		}
		return nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	if err := st.IndexRelationships(context.Background(), reg.Schema().Relationships()); err != nil {
		return nil, fmt.Errorf("failed to index in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	eng := engine.New(st, reg,
		engine.WithMaxRounds(cfg.MaxRounds),
		engine.WithIDGenerator(testutil.NewSequentialIDs("tx")),
		engine.WithLogger(logger),
	)

	h := &Harness{store: st, engine: eng, logger: logger}
	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: eng,
		Store:  st,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeSetup applies every setup step. A setup step that does not commit
// aborts the scenario.
func (h *Harness) executeSetup(ctx context.Context, setup []Step, result *Result) error {
	for i, step := range setup {
		muts, err := step.mutations()
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i+1, err)
		}
		res, err := h.engine.Apply(ctx, muts...)
		if err != nil {
			return fmt.Errorf("setup step %d: %w", i+1, err)
		}
		result.AddTrace(committedEvent("setup", i+1, step.Name, res))
	}
	return nil
}

// executeFlow applies every flow step and checks its expect clause.
// Rejections are recorded in the trace; they fail the scenario only when
// the expect clause disagrees.
func (h *Harness) executeFlow(ctx context.Context, flow []Step, result *Result) error {
	for i, step := range flow {
		label := stepLabel(i+1, step.Name)
		muts, err := step.mutations()
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}

		res, applyErr := h.engine.Apply(ctx, muts...)
		if applyErr != nil {
			var ierr *ir.Error
			if !errors.As(applyErr, &ierr) {
				// Adapter or driver failure, not an engine outcome.
				return fmt.Errorf("%s: %w", label, applyErr)
			}
			result.AddTrace(TraceEvent{
				Phase:   "flow",
				Step:    i + 1,
				Name:    step.Name,
				Outcome: OutcomeRejected,
				Code:    string(ierr.Code),
			})
			h.logger.Debug("flow step rejected", "event", "step_rejected", "step", label, "code", ierr.Code)
		} else {
			result.AddTrace(committedEvent("flow", i+1, step.Name, res))
		}

		for _, msg := range checkExpect(label, step.Expect, res, applyErr) {
			result.AddError(msg)
		}
	}
	return nil
}

// checkExpect compares a step outcome with its expect clause. A nil clause
// expects a commit.
func checkExpect(label string, expect *ExpectClause, res *engine.Result, err error) []string {
	var errs []string
	want := ExpectClause{}
	if expect != nil {
		want = *expect
	}

	code := string(ir.CodeOf(err))
	switch {
	case want.Error == "" && err != nil:
		return []string{fmt.Sprintf("%s: expected commit, got %v", label, err)}
	case want.Error != "" && err == nil:
		return []string{fmt.Sprintf("%s: expected error %s, got commit", label, want.Error)}
	case want.Error != "" && code != want.Error:
		return []string{fmt.Sprintf("%s: expected error %s, got %s", label, want.Error, code)}
	}

	if len(want.Violations) > 0 {
		var ierr *ir.Error
		reported := map[string]bool{}
		if errors.As(err, &ierr) {
			for _, v := range ierr.Violations {
				reported[v.Constraint] = true
			}
		}
		for _, name := range want.Violations {
			if !reported[name] {
				errs = append(errs, fmt.Sprintf("%s: expected violation %q not reported", label, name))
			}
		}
	}

	if res != nil {
		if want.Rounds != nil && res.Rounds != *want.Rounds {
			errs = append(errs, fmt.Sprintf("%s: expected %d rounds, got %d", label, *want.Rounds, res.Rounds))
		}
		if want.MaxReads != nil && res.Reads > *want.MaxReads {
			errs = append(errs, fmt.Sprintf("%s: expected at most %d reads, got %d", label, *want.MaxReads, res.Reads))
		}
	}
	return errs
}

func (s Step) mutations() ([]engine.Mutation, error) {
	muts := make([]engine.Mutation, 0, len(s.Mutations))
	for _, spec := range s.Mutations {
		m, err := spec.Mutation()
		if err != nil {
			return nil, err
		}
		muts = append(muts, m)
	}
	return muts, nil
}

func committedEvent(phase string, step int, name string, res *engine.Result) TraceEvent {
	return TraceEvent{
		Phase:   phase,
		Step:    step,
		Name:    name,
		Outcome: OutcomeCommitted,
		TxID:    res.TxID,
		Rounds:  res.Rounds,
		Reads:   res.Reads,
		Changes: traceChanges(res.Changes),
	}
}

func stepLabel(n int, name string) string {
	if name == "" {
		return fmt.Sprintf("flow step %d", n)
	}
	return fmt.Sprintf("flow step %d (%s)", n, name)
}

package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%s %d] %s", event.Phase, event.Step, event.Outcome)
		if event.Code != "" {
			fmt.Fprintf(&buf, " %s", event.Code)
		}
		fmt.Fprintf(&buf, " (%d changes)\n", len(event.Changes))
	}

	return buf.String()
}

// AssertionContext provides access to the final state for assertions.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Store  store.Adapter
}

// EvaluateAssertions checks all assertions and returns failure messages.
// Every assertion is evaluated; failures do not short-circuit.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRowEquals:
			err = assertRowEquals(actx, result.Trace, a)
		case AssertRowAbsent:
			err = assertRowAbsent(actx, result.Trace, a)
		case AssertRowCount:
			err = assertRowCount(actx, result.Trace, a)
		case AssertChangeLogged:
			err = assertChangeLogged(result.Trace, a)
		case AssertAuditClean:
			err = assertAuditClean(actx, result.Trace)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	return errs
}

// readRow reads one row in a throwaway transaction. found is false for
// NOT_FOUND.
func readRow(actx *AssertionContext, entity, id string) (ir.Record, bool, error) {
	tx, err := actx.Store.Begin(actx.Ctx)
	if err != nil {
		return ir.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := tx.Read(actx.Ctx, entity, id)
	if ir.IsCode(err, ir.ErrCodeNotFound) {
		return ir.Record{}, false, nil
	}
	if err != nil {
		return ir.Record{}, false, err
	}
	return rec, true, nil
}

// assertRowEquals checks that the row exists and every expected attribute
// matches (subset semantics). Expected values go through schema
// normalization, so "2000.00" matches a stored decimal 2000.
func assertRowEquals(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	rec, found, err := readRow(actx, a.Entity, a.ID)
	if err != nil {
		return err
	}
	if !found {
		return &AssertionError{
			Type:     AssertRowEquals,
			Expected: fmt.Sprintf("%s:%s to exist", a.Entity, a.ID),
			Actual:   "row not found",
			Trace:    trace,
		}
	}

	want, err := ir.RowFromMap(a.Expect)
	if err != nil {
		return fmt.Errorf("row_equals %s:%s: %w", a.Entity, a.ID, err)
	}
	want, err = actx.Engine.Rules().Schema().Normalize(a.Entity, want)
	if err != nil {
		return fmt.Errorf("row_equals %s:%s: %w", a.Entity, a.ID, err)
	}

	var mismatches []string
	for _, attr := range want.SortedKeys() {
		got := rec.Attrs.Get(attr)
		if !ir.Equal(got, want[attr]) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", attr, formatValue(got), formatValue(want[attr])))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertRowEquals,
			Expected: fmt.Sprintf("%s:%s matching %v", a.Entity, a.ID, a.Expect),
			Actual:   strings.Join(mismatches, ", "),
			Trace:    trace,
		}
	}
	return nil
}

func assertRowAbsent(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	rec, found, err := readRow(actx, a.Entity, a.ID)
	if err != nil {
		return err
	}
	if found {
		return &AssertionError{
			Type:     AssertRowAbsent,
			Expected: fmt.Sprintf("%s:%s to be absent", a.Entity, a.ID),
			Actual:   fmt.Sprintf("row exists at version %d", rec.Version),
			Trace:    trace,
		}
	}
	return nil
}

func assertRowCount(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	tx, err := actx.Store.Begin(actx.Ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	lister, ok := tx.(store.RowLister)
	if !ok {
		return fmt.Errorf("row_count: adapter transaction %T cannot list rows", tx)
	}
	recs, err := lister.ListRows(actx.Ctx, a.Entity)
	if err != nil {
		return err
	}
	if len(recs) != a.Count {
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d %s rows", a.Count, a.Entity),
			Actual:   fmt.Sprintf("%d rows %v", len(recs), ids),
			Trace:    trace,
		}
	}
	return nil
}

// assertChangeLogged looks for a committed change matching entity and id,
// and op and origin when given.
func assertChangeLogged(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		for _, c := range ev.Changes {
			if c.Entity != a.Entity || c.RowID != a.ID {
				continue
			}
			if a.Op != "" && c.Op != a.Op {
				continue
			}
			if a.Origin != "" && c.Origin != a.Origin {
				continue
			}
			return nil
		}
	}

	want := fmt.Sprintf("%s:%s", a.Entity, a.ID)
	if a.Op != "" {
		want += " op=" + a.Op
	}
	if a.Origin != "" {
		want += " origin=" + a.Origin
	}
	return &AssertionError{
		Type:     AssertChangeLogged,
		Expected: want,
		Actual:   "no matching change committed",
		Trace:    trace,
	}
}

func assertAuditClean(actx *AssertionContext, trace []TraceEvent) error {
	report, err := actx.Engine.Audit(actx.Ctx)
	if err != nil {
		return err
	}
	if report.Clean() {
		return nil
	}

	var findings []string
	for _, d := range report.Drift {
		findings = append(findings, fmt.Sprintf("drift %s:%s.%s stored=%s expected=%s",
			d.Entity, d.RowID, d.Attribute, formatValue(d.Stored), formatValue(d.Expected)))
	}
	for _, o := range report.Orphans {
		findings = append(findings, fmt.Sprintf("orphan %s:%s via %s", o.Entity, o.RowID, o.Relationship))
	}
	for _, v := range report.Violations {
		findings = append(findings, fmt.Sprintf("violation %s on %s:%s", v.Constraint, v.Entity, v.RowID))
	}
	for _, m := range report.Missing {
		findings = append(findings, "missing "+m)
	}
	sort.Strings(findings)

	return &AssertionError{
		Type:     AssertAuditClean,
		Expected: "clean audit",
		Actual:   strings.Join(findings, "; "),
		Trace:    trace,
	}
}

func formatValue(v ir.Value) string {
	b, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

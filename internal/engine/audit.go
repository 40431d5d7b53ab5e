package engine

import (
	"context"
	"fmt"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
)

// Drift is a stored derived attribute that differs from its recomputation.
type Drift struct {
	Entity    string   `json:"entity"`
	RowID     string   `json:"row_id"`
	Attribute string   `json:"attribute"`
	Rule      string   `json:"rule"`
	Stored    ir.Value `json:"stored"`
	Expected  ir.Value `json:"expected"`
}

// Orphan is a child row whose foreign key references a missing parent.
type Orphan struct {
	Entity       string `json:"entity"`
	RowID        string `json:"row_id"`
	Relationship string `json:"relationship"`
	ParentID     string `json:"parent_id"`
}

// AuditReport is the result of checking stored rows against every rule.
type AuditReport struct {
	Rows       int            `json:"rows"`
	Drift      []Drift        `json:"drift"`
	Orphans    []Orphan       `json:"orphans"`
	Violations []ir.Violation `json:"violations"`
	Missing    []string       `json:"missing"` // "Entity:id.attr"
}

// Clean reports whether the audit found nothing.
func (r *AuditReport) Clean() bool {
	return len(r.Drift) == 0 && len(r.Orphans) == 0 && len(r.Violations) == 0 && len(r.Missing) == 0
}

// Audit recomputes every derived attribute from stored rows with full scans
// and checks referential integrity, required attributes and constraints.
//
// Audit is read-only: it runs in its own adapter transaction, which is
// always rolled back. The adapter's transaction must implement RowLister.
// A clean report means every committed transaction left the invariants
// intact.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin audit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	lister, ok := tx.(RowLister)
	if !ok {
		return nil, fmt.Errorf("audit: adapter transaction %T cannot list rows", tx)
	}

	report := &AuditReport{}
	rows := make(map[string][]ir.Record)
	live := make(map[string]map[string]ir.Row)
	for _, entity := range e.schema.Entities() {
		recs, err := lister.ListRows(ctx, entity)
		if err != nil {
			return nil, fmt.Errorf("audit: list %s: %w", entity, err)
		}
		live[entity] = make(map[string]ir.Row, len(recs))
		for i, rec := range recs {
			attrs, err := e.schema.Normalize(entity, rec.Attrs)
			if err != nil {
				return nil, fmt.Errorf("audit: stored row %s:%s: %w", entity, rec.ID, err)
			}
			recs[i].Attrs = attrs
			live[entity][rec.ID] = attrs
		}
		rows[entity] = recs
		report.Rows += len(recs)
	}

	// Aggregates: one pass over each relationship's children.
	totals := make(map[string]map[string]ir.Decimal) // rule -> parent id -> total
	for _, rule := range e.rules.Rules() {
		agg, ok := rule.(rules.Aggregate)
		if !ok {
			continue
		}
		rel, _ := e.schema.Relationship(agg.Via())
		sums := make(map[string]ir.Decimal)
		for _, child := range rows[rel.Child] {
			parentID := child.Attrs.Str(rel.ForeignKey)
			if parentID == "" {
				continue
			}
			sum, err := sums[parentID].Add(agg.Contribution(child.Attrs))
			if err != nil {
				return nil, fmt.Errorf("audit: %s on %s:%s: %w", agg.RuleName(), rel.Parent, parentID, err)
			}
			sums[parentID] = sum
		}
		totals[agg.RuleName()] = sums
	}

	for _, entity := range e.schema.Entities() {
		for _, rec := range rows[entity] {
			row := rec.Attrs

			for _, d := range e.rules.Derivations(entity) {
				var expected ir.Value
				switch r := d.(type) {
				case rules.Aggregate:
					expected = r.Result(totals[r.RuleName()][rec.ID])
				case *rules.Formula:
					var err error
					expected, err = r.Fn(row)
					if err != nil {
						return nil, fmt.Errorf("audit: %s on %s:%s: %w", r.RuleName(), entity, rec.ID, err)
					}
				}
				if expected == nil {
					expected = ir.Null{}
				}
				if stored := row.Get(d.TargetAttr()); !ir.Equal(stored, expected) {
					report.Drift = append(report.Drift, Drift{
						Entity: entity, RowID: rec.ID, Attribute: d.TargetAttr(),
						Rule: d.RuleName(), Stored: stored, Expected: expected,
					})
				}
			}

			for _, rel := range e.schema.ParentRelationships(entity) {
				parentID := row.Str(rel.ForeignKey)
				if parentID == "" {
					continue
				}
				if _, ok := live[rel.Parent][parentID]; !ok {
					report.Orphans = append(report.Orphans, Orphan{
						Entity: entity, RowID: rec.ID, Relationship: rel.Name, ParentID: parentID,
					})
				}
			}

			for _, attr := range e.schema.CheckRequired(entity, row) {
				report.Missing = append(report.Missing, fmt.Sprintf("%s:%s.%s", entity, rec.ID, attr))
			}

			for _, k := range e.rules.Constraints(entity) {
				if k.Check(row) {
					continue
				}
				values := make(ir.Row, len(k.Inputs))
				for _, attr := range k.Inputs {
					values[attr] = row.Get(attr)
				}
				report.Violations = append(report.Violations, ir.Violation{
					Entity: entity, RowID: rec.ID, Constraint: k.Name, Message: k.Message, Values: values,
				})
			}
		}
	}

	e.logger.Info("audit complete",
		"event", "audit",
		"rows", report.Rows,
		"drift", len(report.Drift),
		"orphans", len(report.Orphans),
		"violations", len(report.Violations))
	return report, nil
}

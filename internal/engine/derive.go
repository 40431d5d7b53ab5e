package engine

import (
	"context"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/schema"
)

// execute applies scheduled tasks in order and proposes a derived update
// for every target whose value changed. Returns the number of proposals.
func (e *Engine) execute(ctx context.Context, c *collector, tasks []task) (int, error) {
	proposed := 0
	for _, t := range tasks {
		slot, err := c.load(ctx, t.entity, t.rowID)
		if err != nil {
			return proposed, err
		}
		if !slot.live() {
			// Deleted in this transaction, or a parent that never existed.
			continue
		}

		var value ir.Value
		switch r := t.rule.(type) {
		case rules.Aggregate:
			value, err = e.aggregate(ctx, c, r, slot)
			if err != nil {
				return proposed, err
			}
		case *rules.Formula:
			value, err = r.Fn(slot.current)
			if err != nil {
				return proposed, NewDerivationError(r.RuleName(), t.entity, t.rowID, err)
			}
		}
		if value == nil {
			value = ir.Null{}
		}
		if d, ok := value.(ir.Decimal); ok {
			if err := d.CheckRange(); err != nil {
				return proposed, NewDerivationError(t.rule.RuleName(), t.entity, t.rowID, err)
			}
		}

		target := t.rule.TargetAttr()
		if ir.Equal(slot.current.Get(target), value) {
			continue
		}
		after := slot.current.Merge(ir.Row{target: value})
		c.propose(slot, ir.OpUpdate, after, ir.OriginDerive, t.rule.RuleName())
		proposed++

		e.logger.Debug("derived",
			"event", "derive",
			"rule", t.rule.RuleName(),
			"row", slot.key.String(),
			"attr", target,
			"value", value)
	}
	return proposed, nil
}

// aggregate computes a Sum or Count for one parent row.
//
// Adjustment arithmetic: starting from the parent's cached value, every
// child touched in this transaction contributes the difference between its
// current contribution and the contribution already accounted for. Without
// an accounted entry that is the contribution the child had before the
// transaction, which the cached value already includes. Cost is
// proportional to the rows touched, never to the number of siblings.
//
// A null cached value means the aggregate was never derived; only then are
// all children scanned.
func (e *Engine) aggregate(ctx context.Context, c *collector, r rules.Aggregate, parent *rowSlot) (ir.Value, error) {
	rel, _ := e.schema.Relationship(r.Via())
	parentID := parent.key.id

	total, ok := ir.AsDecimal(parent.current.Get(r.TargetAttr()))
	if !ok {
		return e.fullScan(ctx, c, r, rel, parent)
	}

	for _, childID := range c.byEntity[rel.Child] {
		child := c.slots[rowKey{entity: rel.Child, id: childID}]
		key := contribKey{rule: r.RuleName(), parent: parentID, child: childID}
		prev, accounted := c.accounted[key]
		if !accounted {
			prev = contributionTo(r, rel, child.base, parentID)
		}
		now := contributionTo(r, rel, child.current, parentID)
		if prev.Cmp(now) != 0 {
			delta, err := now.Sub(prev)
			if err == nil {
				total, err = total.Add(delta)
			}
			if err != nil {
				return nil, NewDerivationError(r.RuleName(), rel.Parent, parentID, err)
			}
		}
		c.accounted[key] = now
	}
	return r.Result(total), nil
}

func (e *Engine) fullScan(ctx context.Context, c *collector, r rules.Aggregate, rel schema.Relationship, parent *rowSlot) (ir.Value, error) {
	parentID := parent.key.id
	children, err := c.children(ctx, rel, parentID)
	if err != nil {
		return nil, err
	}

	var total ir.Decimal
	for _, child := range children {
		contribution := r.Contribution(child.current)
		total, err = total.Add(contribution)
		if err != nil {
			return nil, NewDerivationError(r.RuleName(), rel.Parent, parentID, err)
		}
		c.accounted[contribKey{rule: r.RuleName(), parent: parentID, child: child.key.id}] = contribution
	}
	// Touched rows that no longer reference the parent are accounted at
	// zero so later adjustments do not subtract what the scan never added.
	for _, childID := range c.byEntity[rel.Child] {
		child := c.slots[rowKey{entity: rel.Child, id: childID}]
		key := contribKey{rule: r.RuleName(), parent: parentID, child: childID}
		c.accounted[key] = contributionTo(r, rel, child.current, parentID)
	}

	e.logger.Debug("aggregate scanned",
		"event", "full_scan",
		"rule", r.RuleName(),
		"row", parent.key.String(),
		"children", len(children))
	return r.Result(total), nil
}

// contributionTo is the child's contribution to parentID's aggregate, zero
// when the row is absent or references another parent.
func contributionTo(r rules.Aggregate, rel schema.Relationship, row ir.Row, parentID string) ir.Decimal {
	if row == nil || row.Str(rel.ForeignKey) != parentID {
		return ir.Decimal{}
	}
	return r.Contribution(row)
}


package engine

import (
	"context"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// deleteRow proposes the delete of a live row and applies the delete policy
// of every relationship in which the row's entity is the parent, in
// declaration order. Cascaded deletes recurse, so each child's own children
// are handled before its siblings.
func (e *Engine) deleteRow(ctx context.Context, c *collector, slot *rowSlot, origin ir.Origin, rule string) error {
	c.propose(slot, ir.OpDelete, nil, origin, rule)

	for _, rel := range e.schema.ChildRelationships(slot.key.entity) {
		children, err := c.children(ctx, rel, slot.key.id)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}

		switch rel.OnDelete {
		case schema.PolicyRestrict:
			ids := make([]string, 0, len(children))
			for _, child := range children {
				ids = append(ids, child.key.id)
			}
			return NewRestrictError(rel, slot.key.id, ids)

		case schema.PolicyCascade:
			for _, child := range children {
				if !child.live() {
					continue
				}
				if err := e.deleteRow(ctx, c, child, ir.OriginCascade, rel.Name); err != nil {
					return err
				}
			}

		case schema.PolicyNullify:
			for _, child := range children {
				after := child.current.Merge(ir.Row{rel.ForeignKey: ir.Null{}})
				c.propose(child, ir.OpUpdate, after, ir.OriginCascade, rel.Name)
			}
		}

		e.logger.Debug("cascade applied",
			"event", "cascade",
			"relationship", rel.Name,
			"policy", string(rel.OnDelete),
			"parent", slot.key.String(),
			"children", len(children))
	}
	return nil
}

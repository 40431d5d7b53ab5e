package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/ir"
)

// validate checks every touched live row once derivation has reached its
// fixed point: required attributes first, then every constraint on the
// row's entity. All failures are collected before returning.
func (e *Engine) validate(c *collector) error {
	var missing []string
	var violations []ir.Violation

	for _, key := range c.touched {
		slot := c.slots[key]
		if !slot.live() {
			continue
		}
		for _, attr := range e.schema.CheckRequired(key.entity, slot.current) {
			missing = append(missing, fmt.Sprintf("%s.%s", key, attr))
		}
		for _, k := range e.rules.Constraints(key.entity) {
			if k.Check(slot.current) {
				continue
			}
			values := make(ir.Row, len(k.Inputs))
			for _, attr := range k.Inputs {
				values[attr] = slot.current.Get(attr)
			}
			violations = append(violations, ir.Violation{
				Entity:     key.entity,
				RowID:      key.id,
				Constraint: k.Name,
				Message:    k.Message,
				Values:     values,
			})
		}
	}

	if len(missing) > 0 {
		return &ir.Error{
			Code:    ir.ErrCodeInvalidMutation,
			Message: fmt.Sprintf("missing required attributes: %s", strings.Join(missing, ", ")),
			Rows:    missing,
		}
	}
	if len(violations) > 0 {
		return NewConstraintError(violations)
	}
	return nil
}

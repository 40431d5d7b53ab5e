package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// IsCycleError returns true if the error is a CYCLE_DETECTED error.
// Uses errors.As to handle wrapped errors.
func IsCycleError(err error) bool {
	return ir.IsCode(err, ir.ErrCodeCycleDetected)
}

// IsQuotaError returns true if the error is a QUOTA_EXCEEDED error.
func IsQuotaError(err error) bool {
	return ir.IsCode(err, ir.ErrCodeQuotaExceeded)
}

// IsConstraintError returns true if the error is a CONSTRAINT_VIOLATION.
func IsConstraintError(err error) bool {
	return ir.IsCode(err, ir.ErrCodeConstraintViolation)
}

// IsRestrictError returns true if the error is a CASCADE_RESTRICTED error.
func IsRestrictError(err error) bool {
	return ir.IsCode(err, ir.ErrCodeCascadeRestricted)
}

// NewCycleError creates a CYCLE_DETECTED error for a task cycle.
// Path holds "rule@Entity:id" nodes with the first node repeated at the end.
func NewCycleError(path []string) *ir.Error {
	return &ir.Error{
		Code:    ir.ErrCodeCycleDetected,
		Message: fmt.Sprintf("rule depends on its own output: %s", strings.Join(path, " -> ")),
		Path:    path,
	}
}

// NewQuotaError creates a QUOTA_EXCEEDED error for a derivation that did not
// reach a fixed point.
func NewQuotaError(rounds, maxRounds int) *ir.Error {
	return &ir.Error{
		Code:    ir.ErrCodeQuotaExceeded,
		Message: fmt.Sprintf("no fixed point after %d rounds (max %d)", rounds, maxRounds),
	}
}

// NewRestrictError creates a CASCADE_RESTRICTED error naming the blocking
// child rows.
func NewRestrictError(rel schema.Relationship, parentID string, childIDs []string) *ir.Error {
	return &ir.Error{
		Code: ir.ErrCodeCascadeRestricted,
		Message: fmt.Sprintf("cannot delete %s:%s, %d %s row(s) reference it through %s",
			rel.Parent, parentID, len(childIDs), rel.Child, rel.Name),
		Entity:      rel.Parent,
		RowID:       parentID,
		Rule:        rel.Name,
		ChildEntity: rel.Child,
		Rows:        childIDs,
	}
}

// NewDerivationError creates an INVALID_MUTATION error for a derived value
// that cannot be represented, such as a decimal result outside the supported
// range.
func NewDerivationError(rule, entity, rowID string, cause error) *ir.Error {
	return &ir.Error{
		Code:    ir.ErrCodeInvalidMutation,
		Message: fmt.Sprintf("rule %s failed", rule),
		Entity:  entity,
		RowID:   rowID,
		Rule:    rule,
		Err:     cause,
	}
}

// NewConstraintError creates a CONSTRAINT_VIOLATION error listing every
// failed constraint.
func NewConstraintError(violations []ir.Violation) *ir.Error {
	names := make([]string, 0, len(violations))
	for _, v := range violations {
		names = append(names, fmt.Sprintf("%s on %s:%s", v.Constraint, v.Entity, v.RowID))
	}
	return &ir.Error{
		Code:       ir.ErrCodeConstraintViolation,
		Message:    fmt.Sprintf("%d constraint violation(s): %s", len(violations), strings.Join(names, ", ")),
		Violations: violations,
	}
}

package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeConfiguration indicates an invalid schema or rule declaration.
	// Raised at startup only; the process must refuse to start.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// ErrCodeCycleDetected indicates the dependency closure of a transaction
	// contains a rule that transitively depends on its own output.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"

	// ErrCodeConstraintViolation indicates a constraint failed on final state.
	ErrCodeConstraintViolation ErrorCode = "CONSTRAINT_VIOLATION"

	// ErrCodeCascadeRestricted indicates a delete blocked by existing children.
	ErrCodeCascadeRestricted ErrorCode = "CASCADE_RESTRICTED"

	// ErrCodePersistenceConflict indicates a concurrent modification.
	ErrCodePersistenceConflict ErrorCode = "PERSISTENCE_CONFLICT"

	// ErrCodeNotFound indicates a referenced row does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidMutation indicates a malformed mutation request: unknown
	// entity or attribute, kind mismatch, write to a derived attribute,
	// missing required attribute or a changed primary key.
	ErrCodeInvalidMutation ErrorCode = "INVALID_MUTATION"

	// ErrCodeQuotaExceeded indicates derivation did not reach a fixed point
	// within the configured number of rounds.
	ErrCodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
)

// Violation describes one failed constraint.
type Violation struct {
	Entity     string `json:"entity"`
	RowID      string `json:"row_id"`
	Constraint string `json:"constraint"`
	Message    string `json:"message,omitempty"`
	Values     Row    `json:"values"`
}

// Error is the single structured error type for rowsync.
//
// Every abort trigger is an *Error with a Code; the populated fields depend
// on the code:
//   - CYCLE_DETECTED: Path (rule@entity:id nodes forming the cycle)
//   - CONSTRAINT_VIOLATION: Violations
//   - CASCADE_RESTRICTED: Entity, RowID (the parent), Rule (relationship),
//     ChildEntity, Rows (blocking child ids)
//   - NOT_FOUND, INVALID_MUTATION: Entity, RowID
//   - CONFIGURATION_ERROR: Problems
type Error struct {
	Code        ErrorCode   `json:"code"`
	Message     string      `json:"message"`
	Entity      string      `json:"entity,omitempty"`
	RowID       string      `json:"row_id,omitempty"`
	Rule        string      `json:"rule,omitempty"`
	ChildEntity string      `json:"child_entity,omitempty"`
	Rows        []string    `json:"rows,omitempty"`
	Path        []string    `json:"path,omitempty"`
	Violations  []Violation `json:"violations,omitempty"`
	Problems    []string    `json:"problems,omitempty"`

	// Err is an optional underlying cause (e.g. a driver error).
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	switch {
	case e.Entity != "" && e.RowID != "":
		fmt.Fprintf(&b, " (%s:%s)", e.Entity, e.RowID)
	case e.Entity != "":
		fmt.Fprintf(&b, " (%s)", e.Entity)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode of err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether re-submitting the same mutation may succeed.
// Only persistence conflicts are retryable; every other code means the
// mutation or the configuration must change.
func Retryable(err error) bool {
	return IsCode(err, ErrCodePersistenceConflict)
}

// NewNotFound creates a NOT_FOUND error for a missing row.
func NewNotFound(entity, rowID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: "row does not exist",
		Entity:  entity,
		RowID:   rowID,
	}
}

// NewInvalidMutation creates an INVALID_MUTATION error.
func NewInvalidMutation(entity, rowID, format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeInvalidMutation,
		Message: fmt.Sprintf(format, args...),
		Entity:  entity,
		RowID:   rowID,
	}
}

// NewConflict creates a PERSISTENCE_CONFLICT error wrapping the cause.
func NewConflict(entity, rowID string, cause error) *Error {
	return &Error{
		Code:    ErrCodePersistenceConflict,
		Message: "row was modified concurrently",
		Entity:  entity,
		RowID:   rowID,
		Err:     cause,
	}
}

// NewConfigurationError creates a CONFIGURATION_ERROR listing every problem.
func NewConfigurationError(problems []string) *Error {
	return &Error{
		Code:     ErrCodeConfiguration,
		Message:  fmt.Sprintf("%d configuration problem(s): %s", len(problems), strings.Join(problems, "; ")),
		Problems: problems,
	}
}

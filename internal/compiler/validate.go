package compiler

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rowsync/internal/domain"
	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/schema"
)

// Validation error codes (E200-E299)
const (
	// Engine settings (E200-E209)
	ErrDatabaseEmpty    = "E200" // database path is required
	ErrMaxRoundsInvalid = "E201" // max_rounds must be positive
	ErrBalanceFilter    = "E202" // unknown balance filter
	ErrLogLevel         = "E203" // unknown log level

	// Relationship overrides (E210-E219)
	ErrUnknownRelationship = "E210" // override names no relationship
	ErrInvalidPolicy       = "E211" // unknown delete policy
	ErrNullifyRequired     = "E212" // nullify on a required foreign key

	// Registry build (E220-E229)
	ErrRegistry = "E220" // rule registry rejected the configuration
)

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidLogLevels lists the accepted log levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks cfg against the entity schema.
// Returns all errors found (does not fail-fast).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	// E200: database is required
	if strings.TrimSpace(cfg.Database) == "" {
		errs = append(errs, ValidationError{
			Field:   "database",
			Message: "database path is required",
			Code:    ErrDatabaseEmpty,
		})
	}

	// E201: at least one round, or nothing can ever derive
	if cfg.MaxRounds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.max_rounds",
			Message: fmt.Sprintf("max_rounds must be positive, got %d", cfg.MaxRounds),
			Code:    ErrMaxRoundsInvalid,
		})
	}

	if cfg.BalanceFilter != "" && !slices.Contains(domain.ValidBalanceFilters, cfg.BalanceFilter) {
		errs = append(errs, ValidationError{
			Field:   "engine.balance_filter",
			Message: fmt.Sprintf("unknown balance filter %q, must be one of %v", cfg.BalanceFilter, domain.ValidBalanceFilters),
			Code:    ErrBalanceFilter,
		})
	}

	if cfg.LogLevel != "" && !slices.Contains(ValidLogLevels, cfg.LogLevel) {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("unknown log level %q, must be one of %v", cfg.LogLevel, ValidLogLevels),
			Code:    ErrLogLevel,
		})
	}

	rels := make(map[string]schema.Relationship)
	for _, r := range domain.Relationships() {
		rels[r.Name] = r
	}
	names := make([]string, 0, len(cfg.DeletePolicies))
	for name := range cfg.DeletePolicies {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		policy := cfg.DeletePolicies[name]
		field := fmt.Sprintf("relationships[%q].on_delete", name)

		rel, ok := rels[name]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("relationships[%q]", name),
				Message: fmt.Sprintf("unknown relationship %q", name),
				Code:    ErrUnknownRelationship,
			})
			continue
		}
		if !schema.ValidPolicies[policy] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("invalid delete policy %q, must be \"restrict\", \"cascade\", or \"nullify\"", policy),
				Code:    ErrInvalidPolicy,
			})
			continue
		}
		if policy == schema.PolicyNullify && !rel.Optional {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("cannot nullify %s.%s: the foreign key is required", rel.Child, rel.ForeignKey),
				Code:    ErrNullifyRequired,
			})
		}
	}

	return errs
}

// Build validates cfg and builds the rule registry it selects. Static rule
// cycles are returned as warnings; they only fail at runtime.
func Build(cfg *Config) (*rules.Registry, []rules.CycleWarning, []ValidationError) {
	if errs := Validate(cfg); len(errs) > 0 {
		return nil, nil, errs
	}

	reg, err := domain.NewRegistry(cfg.Options())
	if err != nil {
		var problems []string
		var ierr *ir.Error
		if errors.As(err, &ierr) && len(ierr.Problems) > 0 {
			problems = ierr.Problems
		} else {
			problems = []string{err.Error()}
		}
		errs := make([]ValidationError, 0, len(problems))
		for _, p := range problems {
			errs = append(errs, ValidationError{Field: "registry", Message: p, Code: ErrRegistry})
		}
		return nil, nil, errs
	}
	return reg, reg.AnalyzeCycles(), nil
}

package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
)

// Scenario defines one end-to-end engine scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is an optional CUE deployment file. Relative paths are resolved
	// against the scenario file. Empty means compiler.Default().
	Config string `yaml:"config,omitempty"`

	// Setup steps establish initial state. Each must commit.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow steps are checked against their expect clauses.
	Flow []Step `yaml:"flow"`

	// Assertions validate final state after the flow.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one transaction: the mutations are applied by a single
// engine.Apply call.
type Step struct {
	Name      string         `yaml:"name,omitempty"`
	Mutations []MutationSpec `yaml:"mutations"`
	Expect    *ExpectClause  `yaml:"expect,omitempty"`
}

// MutationSpec is a mutation as written in YAML.
type MutationSpec struct {
	Entity string         `yaml:"entity"`
	Op     string         `yaml:"op"`
	ID     string         `yaml:"id,omitempty"`
	Values map[string]any `yaml:"values,omitempty"`
}

// Mutation converts the YAML form into an engine mutation.
func (m MutationSpec) Mutation() (engine.Mutation, error) {
	values, err := ir.RowFromMap(m.Values)
	if err != nil {
		return engine.Mutation{}, fmt.Errorf("%s %s %s: %w", m.Op, m.Entity, m.ID, err)
	}
	return engine.Mutation{
		Entity: m.Entity,
		Op:     ir.Operation(m.Op),
		ID:     m.ID,
		Values: values,
	}, nil
}

// ExpectClause specifies the expected outcome of a flow step.
type ExpectClause struct {
	// Error is the expected error code. Empty means the step must commit.
	Error string `yaml:"error,omitempty"`

	// Violations lists constraint names that must all be reported
	// (CONSTRAINT_VIOLATION only).
	Violations []string `yaml:"violations,omitempty"`

	// Rounds is the exact number of derivation rounds, when set.
	Rounds *int `yaml:"rounds,omitempty"`

	// MaxReads bounds the adapter reads of the transaction, when set.
	MaxReads *int `yaml:"max_reads,omitempty"`
}

// Assertion validates state after the flow.
type Assertion struct {
	// Type specifies the assertion type:
	// - "row_equals": row exists and Expect attributes match (subset)
	// - "row_absent": row does not exist
	// - "row_count": Entity holds exactly Count rows
	// - "change_logged": a committed flow change matches Entity, ID, Op, Origin
	// - "audit_clean": Engine.Audit reports nothing
	Type string `yaml:"type"`

	Entity string         `yaml:"entity,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Count  int            `yaml:"count,omitempty"`
	Op     string         `yaml:"op,omitempty"`
	Origin string         `yaml:"origin,omitempty"`
}

// Assertion type constants.
const (
	AssertRowEquals    = "row_equals"
	AssertRowAbsent    = "row_absent"
	AssertRowCount     = "row_count"
	AssertChangeLogged = "change_logged"
	AssertAuditClean   = "audit_clean"
)

// LoadScenario reads and parses a scenario YAML file. A relative config
// path is resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the config path relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) && basePath != "" {
		scenario.Config = filepath.Join(basePath, scenario.Config)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by path.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks required fields and assertion shapes.
func validateScenario(s *Scenario) error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}
	for i, step := range s.Setup {
		if err := validateStep(step, fmt.Sprintf("setup[%d]", i)); err != nil {
			return err
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot have expect (they must commit)", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step, fmt.Sprintf("flow[%d]", i)); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, where string) error {
	if len(step.Mutations) == 0 {
		return fmt.Errorf("%s: at least one mutation is required", where)
	}
	for j, m := range step.Mutations {
		if m.Entity == "" {
			return fmt.Errorf("%s.mutations[%d]: entity is required", where, j)
		}
		if !ir.ValidOperations[ir.Operation(m.Op)] {
			return fmt.Errorf("%s.mutations[%d]: invalid op %q, must be \"insert\", \"update\", or \"delete\"", where, j, m.Op)
		}
	}
	return nil
}

func validateAssertion(a Assertion, index int) error {
	switch a.Type {
	case AssertRowEquals:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for row_equals", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for row_equals", index)
		}
	case AssertRowAbsent:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for row_absent", index)
		}
	case AssertRowCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for row_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for row_count", index)
		}
	case AssertChangeLogged:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for change_logged", index)
		}
	case AssertAuditClean:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

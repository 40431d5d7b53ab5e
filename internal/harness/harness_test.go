package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/engine"
	"github.com/roach88/rowsync/internal/ir"
)

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Setup)+len(scenario.Flow))
		})
	}
}

func TestRun_GoldenTrace(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/golden_customer.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TraceIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/item_delete.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := CanonicalTrace(scenario.Name, first)
	require.NoError(t, err)
	b, err := CanonicalTrace(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func customerInsert(id, name, limit string) MutationSpec {
	return MutationSpec{
		Entity: "Customer",
		Op:     "insert",
		ID:     id,
		Values: map[string]any{"name": name, "credit_limit": limit},
	}
}

func TestRun_ReportsUnmetExpectations(t *testing.T) {
	scenario := &Scenario{
		Name: "wrong_expectations",
		Flow: []Step{
			{
				Name:      "commits",
				Mutations: []MutationSpec{customerInsert("c1", "Ann", "100")},
				Expect:    &ExpectClause{Error: "CONSTRAINT_VIOLATION"},
			},
			{
				Name:      "rejected",
				Mutations: []MutationSpec{{Entity: "Customer", Op: "delete", ID: "missing"}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertRowEquals, Entity: "Customer", ID: "c1", Expect: map[string]any{"name": "Bob"}},
			{Type: AssertRowAbsent, Entity: "Customer", ID: "c1"},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected error CONSTRAINT_VIOLATION, got commit")
	assert.Contains(t, result.Errors[1], "expected commit")
	assert.Contains(t, result.Errors[2], "Assertion failed: row_equals")
	assert.Contains(t, result.Errors[3], "Assertion failed: row_absent")

	require.Len(t, result.Trace, 2)
	assert.Equal(t, OutcomeCommitted, result.Trace[0].Outcome)
	assert.Equal(t, OutcomeRejected, result.Trace[1].Outcome)
	assert.Equal(t, string(ir.ErrCodeNotFound), result.Trace[1].Code)
}

func TestRun_SetupMustCommit(t *testing.T) {
	scenario := &Scenario{
		Name: "bad_setup",
		Setup: []Step{
			{Mutations: []MutationSpec{{Entity: "Customer", Op: "insert", ID: "c1", Values: map[string]any{"name": "Ann"}}}},
		},
		Flow: []Step{
			{Mutations: []MutationSpec{customerInsert("c2", "Bea", "10")}},
		},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 1")
	assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidMutation), "missing credit_limit: %v", err)
}

func TestRun_MissingConfig(t *testing.T) {
	scenario := &Scenario{
		Name:   "missing_config",
		Config: filepath.Join(t.TempDir(), "absent.cue"),
		Flow:   []Step{{Mutations: []MutationSpec{customerInsert("c1", "Ann", "1")}}},
	}
	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestCheckExpect(t *testing.T) {
	two := 2
	one := 1
	res := &engine.Result{Rounds: 2, Reads: 3}
	violation := &ir.Error{
		Code:       ir.ErrCodeConstraintViolation,
		Violations: []ir.Violation{{Constraint: "customer_credit_limit"}},
	}

	assert.Empty(t, checkExpect("s", nil, res, nil))
	assert.Empty(t, checkExpect("s", &ExpectClause{Rounds: &two}, res, nil))
	assert.Empty(t, checkExpect("s", &ExpectClause{
		Error:      "CONSTRAINT_VIOLATION",
		Violations: []string{"customer_credit_limit"},
	}, nil, violation))

	assert.Len(t, checkExpect("s", &ExpectClause{Rounds: &one, MaxReads: &two}, res, nil), 2)
	assert.Equal(t,
		[]string{`s: expected violation "item_quantity_positive" not reported`},
		checkExpect("s", &ExpectClause{
			Error:      "CONSTRAINT_VIOLATION",
			Violations: []string{"item_quantity_positive"},
		}, nil, violation))
	assert.Equal(t,
		[]string{"s: expected error NOT_FOUND, got CONSTRAINT_VIOLATION"},
		checkExpect("s", &ExpectClause{Error: "NOT_FOUND"}, nil, violation))
}

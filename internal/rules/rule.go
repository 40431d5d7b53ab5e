package rules

import (
	"github.com/roach88/rowsync/internal/ir"
)

// Rule is a sealed interface over the rule variants.
//
// Rule types:
//   - *Sum: target = Σ child attribute over a relationship
//   - *Count: target = number of children over a relationship
//   - *Formula: target = pure function of the same row
//   - *Constraint: boolean predicate over one row, never mutates
type Rule interface {
	RuleName() string
	OwnerEntity() string
	ruleNode() // Marker method - seals interface to this package
}

// Derivation is a rule that writes a target attribute.
type Derivation interface {
	Rule
	TargetAttr() string
}

// Aggregate is a derivation over a child collection (Sum or Count).
//
// The engine maintains aggregates with adjustment arithmetic: the parent's
// cached value moves by the difference between a child's new and previously
// accounted contribution.
type Aggregate interface {
	Derivation
	Via() string // Relationship name
	// Contribution is what one live child adds to the aggregate.
	Contribution(child ir.Row) ir.Decimal
	// Result converts the accumulated total to the target's value type.
	Result(total ir.Decimal) ir.Value
	// ChildAttrs lists child attributes the contribution reads.
	ChildAttrs() []string
}

// Sum derives Target on Entity as the sum of Attribute over the children
// reached through Relationship, optionally filtered by Where.
type Sum struct {
	Name         string
	Entity       string
	Target       string
	Relationship string
	Attribute    string
	Where        Predicate // nil = every child
}

func (*Sum) ruleNode()             {}
func (s *Sum) RuleName() string    { return s.Name }
func (s *Sum) OwnerEntity() string { return s.Entity }
func (s *Sum) TargetAttr() string  { return s.Target }
func (s *Sum) Via() string         { return s.Relationship }

// Contribution returns the child's attribute, or 0 when it is null or the
// child does not match the filter.
func (s *Sum) Contribution(child ir.Row) ir.Decimal {
	if s.Where != nil && !s.Where.Eval(child) {
		return ir.Decimal{}
	}
	d, ok := ir.AsDecimal(child.Get(s.Attribute))
	if !ok {
		return ir.Decimal{}
	}
	return d
}

func (s *Sum) Result(total ir.Decimal) ir.Value { return total }

func (s *Sum) ChildAttrs() []string {
	return append([]string{s.Attribute}, predicateAttrs(s.Where)...)
}

// Count derives Target on Entity as the number of children reached through
// Relationship, optionally filtered by Where.
type Count struct {
	Name         string
	Entity       string
	Target       string
	Relationship string
	Where        Predicate
}

func (*Count) ruleNode()             {}
func (c *Count) RuleName() string    { return c.Name }
func (c *Count) OwnerEntity() string { return c.Entity }
func (c *Count) TargetAttr() string  { return c.Target }
func (c *Count) Via() string         { return c.Relationship }

func (c *Count) Contribution(child ir.Row) ir.Decimal {
	if c.Where != nil && !c.Where.Eval(child) {
		return ir.Decimal{}
	}
	return ir.DecimalFromInt(1)
}

// Result returns the count as an Int.
func (c *Count) Result(total ir.Decimal) ir.Value {
	n, _ := total.Int64()
	return ir.Int(n)
}

func (c *Count) ChildAttrs() []string {
	return predicateAttrs(c.Where)
}

// Formula derives Target from other attributes of the same row.
// Fn must be pure: the same inputs always produce the same value. An error
// aborts the transaction.
type Formula struct {
	Name   string
	Entity string
	Target string
	Inputs []string
	Fn     func(row ir.Row) (ir.Value, error)
}

func (*Formula) ruleNode()             {}
func (f *Formula) RuleName() string    { return f.Name }
func (f *Formula) OwnerEntity() string { return f.Entity }
func (f *Formula) TargetAttr() string  { return f.Target }

// Constraint is a boolean predicate over one row's final state.
// Inputs may include derived attributes, which is how a constraint sees
// aggregated child state.
type Constraint struct {
	Name    string
	Entity  string
	Inputs  []string
	Check   func(row ir.Row) bool
	Message string
}

func (*Constraint) ruleNode()             {}
func (c *Constraint) RuleName() string    { return c.Name }
func (c *Constraint) OwnerEntity() string { return c.Entity }

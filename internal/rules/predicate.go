package rules

import (
	"github.com/roach88/rowsync/internal/ir"
)

// Predicate filters child rows of an aggregate.
//
// This is a sealed interface - only types in this package implement it.
// Predicates are declarative so their attributes become dependency edges.
//
// Predicate types:
//   - Equals: attr = literal
//   - IsNull: attr is null
//   - NotNull: attr is not null
//   - And: all predicates must be true
type Predicate interface {
	Eval(row ir.Row) bool
	predicateNode() // Marker method - seals interface to this package
}

// Equals matches rows whose Attr equals Value.
type Equals struct {
	Attr  string
	Value ir.Value
}

func (Equals) predicateNode() {}

func (p Equals) Eval(row ir.Row) bool {
	return ir.Equal(row.Get(p.Attr), p.Value)
}

// IsNull matches rows where Attr is null or absent.
type IsNull struct {
	Attr string
}

func (IsNull) predicateNode() {}

func (p IsNull) Eval(row ir.Row) bool {
	return ir.IsNull(row.Get(p.Attr))
}

// NotNull matches rows where Attr has a value.
type NotNull struct {
	Attr string
}

func (NotNull) predicateNode() {}

func (p NotNull) Eval(row ir.Row) bool {
	return !ir.IsNull(row.Get(p.Attr))
}

// And matches rows satisfying every predicate. An empty And matches all.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

func (p And) Eval(row ir.Row) bool {
	for _, sub := range p.Predicates {
		if !sub.Eval(row) {
			return false
		}
	}
	return true
}

// predicateAttrs returns the attributes a predicate reads, in order.
func predicateAttrs(p Predicate) []string {
	switch v := p.(type) {
	case nil:
		return nil
	case Equals:
		return []string{v.Attr}
	case IsNull:
		return []string{v.Attr}
	case NotNull:
		return []string{v.Attr}
	case And:
		var out []string
		for _, sub := range v.Predicates {
			out = append(out, predicateAttrs(sub)...)
		}
		return out
	default:
		return nil
	}
}

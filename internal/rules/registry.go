package rules

import (
	"fmt"
	"slices"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// Edge is one attribute-level dependency: From is read to compute To.
// Via names the relationship hop for aggregates and is empty for
// same-row formulas.
type Edge struct {
	From string `json:"from"` // "Item.amount"
	To   string `json:"to"`   // "Order.amount_total"
	Rule string `json:"rule"`
	Via  string `json:"via,omitempty"`
}

// Builder collects rule registrations against a frozen schema.
type Builder struct {
	schema *schema.Registry
	rules  []Rule
}

// NewBuilder returns a Builder validating against s.
func NewBuilder(s *schema.Registry) *Builder {
	return &Builder{schema: s}
}

// Register adds a rule. Registration order is the order RulesFor reports.
func (b *Builder) Register(r Rule) *Builder {
	b.rules = append(b.rules, r)
	return b
}

// Build validates every rule and returns the frozen Registry.
//
// Configuration errors are collected into one CONFIGURATION_ERROR:
// duplicate rule names, two rules owning the same target, unknown
// entities, attributes or relationships, aggregates over a relationship
// whose parent is not the rule's entity, and targets that are the primary
// key or a foreign key.
func (b *Builder) Build() (*Registry, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	reg := &Registry{
		schema:      b.schema,
		byName:      make(map[string]Rule),
		byEntity:    make(map[string][]Rule),
		owners:      make(map[string]Derivation),
		readers:     make(map[string][]Derivation),
		constraints: make(map[string][]*Constraint),
		rank:        make(map[string]int),
	}

	for _, r := range b.rules {
		name := r.RuleName()
		if name == "" {
			addf("rule with empty name on %q", r.OwnerEntity())
			continue
		}
		if _, dup := reg.byName[name]; dup {
			addf("duplicate rule name %q", name)
			continue
		}
		entity, ok := b.schema.Entity(r.OwnerEntity())
		if !ok {
			addf("rule %q: unknown entity %q", name, r.OwnerEntity())
			continue
		}

		before := len(problems)
		switch v := r.(type) {
		case *Sum:
			b.checkTarget(reg, entity, v, addf)
			if rel, ok := b.checkRelationship(entity, v, addf); ok {
				child, _ := b.schema.Entity(rel.Child)
				if a, ok := child.Attribute(v.Attribute); !ok {
					addf("rule %q: unknown attribute %s.%s", name, rel.Child, v.Attribute)
				} else if a.Kind != schema.KindDecimal && a.Kind != schema.KindInt {
					addf("rule %q: cannot sum %s attribute %s.%s", name, a.Kind, rel.Child, v.Attribute)
				}
				checkAttrs(name, child, predicateAttrs(v.Where), addf)
			}
		case *Count:
			b.checkTarget(reg, entity, v, addf)
			if rel, ok := b.checkRelationship(entity, v, addf); ok {
				child, _ := b.schema.Entity(rel.Child)
				checkAttrs(name, child, predicateAttrs(v.Where), addf)
			}
		case *Formula:
			b.checkTarget(reg, entity, v, addf)
			checkAttrs(name, entity, v.Inputs, addf)
			if v.Fn == nil {
				addf("rule %q: formula has no function", name)
			}
		case *Constraint:
			checkAttrs(name, entity, v.Inputs, addf)
			if v.Check == nil {
				addf("rule %q: constraint has no check", name)
			}
		default:
			addf("rule %q: unsupported rule type %T", name, r)
		}
		if len(problems) > before {
			continue
		}

		reg.rank[name] = len(reg.order)
		reg.order = append(reg.order, r)
		reg.byName[name] = r
		reg.byEntity[entity.Name] = append(reg.byEntity[entity.Name], r)
		reg.index(r)
	}

	if len(problems) > 0 {
		return nil, ir.NewConfigurationError(problems)
	}
	return reg, nil
}

func (b *Builder) checkTarget(reg *Registry, entity schema.Entity, d Derivation, addf func(string, ...any)) {
	target := d.TargetAttr()
	if _, ok := entity.Attribute(target); !ok {
		addf("rule %q: unknown target attribute %s.%s", d.RuleName(), entity.Name, target)
		return
	}
	if target == schema.IDAttribute || b.schema.IsForeignKey(entity.Name, target) {
		addf("rule %q: target %s.%s is a key and cannot be derived", d.RuleName(), entity.Name, target)
		return
	}
	key := attrKey(entity.Name, target)
	if owner, taken := reg.owners[key]; taken {
		addf("rule %q: %s is already owned by rule %q", d.RuleName(), key, owner.RuleName())
		return
	}
	// Claimed eagerly so a later duplicate in the same Build is reported.
	reg.owners[key] = d
}

func (b *Builder) checkRelationship(entity schema.Entity, a Aggregate, addf func(string, ...any)) (schema.Relationship, bool) {
	rel, ok := b.schema.Relationship(a.Via())
	if !ok {
		addf("rule %q: unknown relationship %q", a.RuleName(), a.Via())
		return rel, false
	}
	if rel.Parent != entity.Name {
		addf("rule %q: relationship %q has parent %s, not %s", a.RuleName(), rel.Name, rel.Parent, entity.Name)
		return rel, false
	}
	return rel, true
}

func checkAttrs(rule string, e schema.Entity, attrs []string, addf func(string, ...any)) {
	for _, a := range attrs {
		if _, ok := e.Attribute(a); !ok {
			addf("rule %q: unknown attribute %s.%s", rule, e.Name, a)
		}
	}
}

func attrKey(entity, attr string) string {
	return entity + "." + attr
}

// Registry is the immutable rule set. Safe for concurrent use.
type Registry struct {
	schema      *schema.Registry
	order       []Rule
	rank        map[string]int // rule name -> registration index
	byName      map[string]Rule
	byEntity    map[string][]Rule
	owners      map[string]Derivation   // "Entity.attr" -> owning rule
	readers     map[string][]Derivation // "Entity.attr" -> derivations reading it
	constraints map[string][]*Constraint
	edges       []Edge
}

func (r *Registry) index(rule Rule) {
	addReader := func(entity, attr string, d Derivation, via string) {
		key := attrKey(entity, attr)
		if !slices.Contains(r.readers[key], d) {
			r.readers[key] = append(r.readers[key], d)
		}
		r.edges = append(r.edges, Edge{From: key, To: attrKey(d.OwnerEntity(), d.TargetAttr()), Rule: d.RuleName(), Via: via})
	}

	switch v := rule.(type) {
	case Aggregate:
		rel, _ := r.schema.Relationship(v.Via())
		for _, attr := range append(v.ChildAttrs(), rel.ForeignKey) {
			addReader(rel.Child, attr, v, rel.Name)
		}
	case *Formula:
		for _, attr := range v.Inputs {
			addReader(v.Entity, attr, v, "")
		}
	case *Constraint:
		r.constraints[v.Entity] = append(r.constraints[v.Entity], v)
	}
}

// Schema returns the entity schema the rules were validated against.
func (r *Registry) Schema() *schema.Registry {
	return r.schema
}

// Rule returns a rule by name.
func (r *Registry) Rule(name string) (Rule, bool) {
	rule, ok := r.byName[name]
	return rule, ok
}

// Rules returns every rule in registration order.
func (r *Registry) Rules() []Rule {
	return slices.Clone(r.order)
}

// RulesFor returns the rules owned by entity, in registration order.
func (r *Registry) RulesFor(entity string) []Rule {
	return slices.Clone(r.byEntity[entity])
}

// Derivations returns the derivation rules owned by entity.
func (r *Registry) Derivations(entity string) []Derivation {
	var out []Derivation
	for _, rule := range r.byEntity[entity] {
		if d, ok := rule.(Derivation); ok {
			out = append(out, d)
		}
	}
	return out
}

// Constraints returns the constraints on entity, in registration order.
func (r *Registry) Constraints(entity string) []*Constraint {
	return slices.Clone(r.constraints[entity])
}

// Owner returns the derivation rule owning entity.attr, if any.
func (r *Registry) Owner(entity, attr string) (Derivation, bool) {
	d, ok := r.owners[attrKey(entity, attr)]
	return d, ok
}

// DependencyEdges returns the attribute-level dependency graph, including
// the foreign key edge of every aggregate.
func (r *Registry) DependencyEdges() []Edge {
	return slices.Clone(r.edges)
}

// Dependents returns the derivation rules that read any of attrs on entity,
// deduplicated, in registration order. Formulas returned apply to the same
// row; aggregates apply to the row's parent through their relationship.
func (r *Registry) Dependents(entity string, attrs []string) []Derivation {
	var out []Derivation
	for _, attr := range attrs {
		for _, d := range r.readers[attrKey(entity, attr)] {
			if !slices.Contains(out, d) {
				out = append(out, d)
			}
		}
	}
	slices.SortFunc(out, func(a, b Derivation) int {
		return r.rank[a.RuleName()] - r.rank[b.RuleName()]
	})
	return out
}

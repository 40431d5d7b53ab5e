package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/rowsync/internal/ir"
)

// Builder accumulates entity and relationship declarations.
// Call Build once to validate and freeze them into a Registry.
type Builder struct {
	entities  []Entity
	rels      []Relationship
	overrides []policyOverride
}

type policyOverride struct {
	relationship string
	policy       Policy
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddEntity declares an entity type.
func (b *Builder) AddEntity(e Entity) *Builder {
	b.entities = append(b.entities, e)
	return b
}

// AddRelationship declares a parent -> child edge.
// An empty Cardinality defaults to OneToMany.
func (b *Builder) AddRelationship(r Relationship) *Builder {
	if r.Cardinality == "" {
		r.Cardinality = OneToMany
	}
	b.rels = append(b.rels, r)
	return b
}

// SetDeletePolicy overrides the delete policy of a declared relationship.
// Overrides are applied in call order during Build.
func (b *Builder) SetDeletePolicy(relationship string, p Policy) *Builder {
	b.overrides = append(b.overrides, policyOverride{relationship: relationship, policy: p})
	return b
}

// Build validates every declaration and returns the frozen Registry.
// All problems are collected into a single CONFIGURATION_ERROR.
func (b *Builder) Build() (*Registry, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	reg := &Registry{
		entities: make(map[string]Entity, len(b.entities)),
		rels:     make(map[string]Relationship, len(b.rels)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}

	for _, e := range b.entities {
		if e.Name == "" {
			addf("entity with empty name")
			continue
		}
		if _, dup := reg.entities[e.Name]; dup {
			addf("duplicate entity %q", e.Name)
			continue
		}
		attrs := []Attribute{{Name: IDAttribute, Kind: KindString, Required: true}}
		seen := map[string]bool{IDAttribute: true}
		for _, a := range e.Attributes {
			if seen[a.Name] {
				addf("entity %q: duplicate attribute %q", e.Name, a.Name)
				continue
			}
			if !ValidKinds[a.Kind] {
				addf("entity %q: attribute %q has unknown kind %q", e.Name, a.Name, a.Kind)
				continue
			}
			seen[a.Name] = true
			attrs = append(attrs, a)
		}
		reg.entities[e.Name] = Entity{Name: e.Name, Attributes: attrs}
		reg.entityOrder = append(reg.entityOrder, e.Name)
	}

	for _, r := range b.rels {
		if _, dup := reg.rels[r.Name]; dup {
			addf("duplicate relationship %q", r.Name)
			continue
		}
		ok := true
		if _, exists := reg.entities[r.Parent]; !exists {
			addf("relationship %q: unknown parent entity %q", r.Name, r.Parent)
			ok = false
		}
		child, exists := reg.entities[r.Child]
		if !exists {
			addf("relationship %q: unknown child entity %q", r.Name, r.Child)
			ok = false
		} else if fk, declared := child.Attribute(r.ForeignKey); !declared {
			addf("relationship %q: foreign key %q not declared on %s", r.Name, r.ForeignKey, r.Child)
			ok = false
		} else if fk.Kind != KindString {
			addf("relationship %q: foreign key %q must be a string", r.Name, r.ForeignKey)
			ok = false
		}
		if !ok {
			continue
		}
		reg.rels[r.Name] = r
		reg.relOrder = append(reg.relOrder, r.Name)
	}

	for _, o := range b.overrides {
		r, exists := reg.rels[o.relationship]
		if !exists {
			addf("delete policy override for unknown relationship %q", o.relationship)
			continue
		}
		r.OnDelete = o.policy
		reg.rels[o.relationship] = r
	}

	for _, name := range reg.relOrder {
		r := reg.rels[name]
		if !ValidPolicies[r.OnDelete] {
			addf("relationship %q: unknown delete policy %q", name, r.OnDelete)
			continue
		}
		if r.OnDelete == PolicyNullify && !r.Optional {
			addf("relationship %q: nullify requires an optional relationship", name)
			continue
		}
		reg.children[r.Parent] = append(reg.children[r.Parent], name)
		reg.parents[r.Child] = append(reg.parents[r.Child], name)
	}

	if len(problems) > 0 {
		return nil, ir.NewConfigurationError(problems)
	}
	return reg, nil
}

// Registry is the immutable entity schema. Safe for concurrent use.
type Registry struct {
	entities    map[string]Entity
	entityOrder []string
	rels        map[string]Relationship
	relOrder    []string
	children    map[string][]string // parent entity -> relationship names
	parents     map[string][]string // child entity -> relationship names
}

// Entity returns the entity declaration.
func (r *Registry) Entity(name string) (Entity, bool) {
	e, ok := r.entities[name]
	return e, ok
}

// Entities returns entity names in declaration order.
func (r *Registry) Entities() []string {
	return slices.Clone(r.entityOrder)
}

// Relationship returns the relationship by name.
func (r *Registry) Relationship(name string) (Relationship, bool) {
	rel, ok := r.rels[name]
	return rel, ok
}

// Relationships returns every relationship in declaration order.
func (r *Registry) Relationships() []Relationship {
	out := make([]Relationship, 0, len(r.relOrder))
	for _, name := range r.relOrder {
		out = append(out, r.rels[name])
	}
	return out
}

// ChildRelationships returns relationships where entity is the parent,
// in declaration order. The cascade executor walks them in this order.
func (r *Registry) ChildRelationships(entity string) []Relationship {
	return r.lookup(r.children[entity])
}

// ParentRelationships returns relationships where entity is the child.
func (r *Registry) ParentRelationships(entity string) []Relationship {
	return r.lookup(r.parents[entity])
}

func (r *Registry) lookup(names []string) []Relationship {
	out := make([]Relationship, 0, len(names))
	for _, name := range names {
		out = append(out, r.rels[name])
	}
	return out
}

// IsForeignKey reports whether attr is the foreign key of any relationship
// in which entity is the child.
func (r *Registry) IsForeignKey(entity, attr string) bool {
	for _, rel := range r.ParentRelationships(entity) {
		if rel.ForeignKey == attr {
			return true
		}
	}
	return false
}

// Normalize validates row against the entity's declared attributes and
// returns a normalized copy. Unknown attributes and kind mismatches are
// INVALID_MUTATION errors.
func (r *Registry) Normalize(entity string, row ir.Row) (ir.Row, error) {
	e, ok := r.entities[entity]
	if !ok {
		return nil, ir.NewInvalidMutation(entity, row.Str(IDAttribute), "unknown entity %q", entity)
	}
	out := make(ir.Row, len(row))
	for _, name := range row.SortedKeys() {
		attr, declared := e.Attribute(name)
		if !declared {
			return nil, ir.NewInvalidMutation(entity, row.Str(IDAttribute), "unknown attribute %q", name)
		}
		v, err := checkKind(attr.Kind, row[name])
		if err != nil {
			ierr := ir.NewInvalidMutation(entity, row.Str(IDAttribute), "attribute %q", name)
			ierr.Err = err
			return nil, ierr
		}
		out[name] = v
	}
	return out, nil
}

// CheckRequired returns the required attributes that are null in row,
// in declaration order.
func (r *Registry) CheckRequired(entity string, row ir.Row) []string {
	e, ok := r.entities[entity]
	if !ok {
		return nil
	}
	var missing []string
	for _, a := range e.Attributes {
		if a.Required && ir.IsNull(row.Get(a.Name)) {
			missing = append(missing, a.Name)
		}
	}
	return missing
}

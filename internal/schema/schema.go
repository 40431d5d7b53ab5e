package schema

import (
	"fmt"
	"time"

	"github.com/roach88/rowsync/internal/ir"
)

// IDAttribute is the primary key attribute every entity carries.
const IDAttribute = "id"

// Kind is the declared type of an attribute.
type Kind string

const (
	KindString  Kind = "string"
	KindInt     Kind = "int"
	KindDecimal Kind = "decimal"
	KindBool    Kind = "bool"
	KindTime    Kind = "time" // RFC 3339 string
)

// ValidKinds lists the supported attribute kinds.
var ValidKinds = map[Kind]bool{
	KindString:  true,
	KindInt:     true,
	KindDecimal: true,
	KindBool:    true,
	KindTime:    true,
}

// Attribute is one typed column of an entity.
type Attribute struct {
	Name     string
	Kind     Kind
	Required bool
}

// Entity is an entity type with its declared attributes.
// The id attribute is implicit and added by the Builder.
type Entity struct {
	Name       string
	Attributes []Attribute
}

// Attribute looks up a declared attribute by name.
func (e Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Policy is the referential action taken on children when a parent is deleted.
type Policy string

const (
	PolicyRestrict Policy = "restrict"
	PolicyCascade  Policy = "cascade"
	PolicyNullify  Policy = "nullify"
)

// ValidPolicies lists the supported delete policies.
var ValidPolicies = map[Policy]bool{
	PolicyRestrict: true,
	PolicyCascade:  true,
	PolicyNullify:  true,
}

// Cardinality of a relationship edge.
type Cardinality string

// OneToMany is the only cardinality the domain uses.
const OneToMany Cardinality = "one_to_many"

// Relationship is a named, directed parent -> child edge.
//
// The child row holds ForeignKey referencing the parent's id. Optional
// relationships allow a null foreign key and therefore support nullify.
type Relationship struct {
	Name        string // e.g. "Order.items"
	Parent      string
	Child       string
	ForeignKey  string
	Optional    bool
	OnDelete    Policy
	Cardinality Cardinality
}

func (r Relationship) String() string {
	return fmt.Sprintf("%s (%s -> %s.%s, %s)", r.Name, r.Parent, r.Child, r.ForeignKey, r.OnDelete)
}

// checkKind validates v against kind and returns the normalized value.
// Ints become decimals for decimal attributes; quoted decimals (from YAML or
// JSON strings) are parsed and must fit the decimal bounds; time strings
// must be RFC 3339.
func checkKind(kind Kind, v ir.Value) (ir.Value, error) {
	if ir.IsNull(v) {
		return ir.Null{}, nil
	}
	switch kind {
	case KindString:
		if s, ok := v.(ir.String); ok {
			return s, nil
		}
	case KindInt:
		switch val := v.(type) {
		case ir.Int:
			return val, nil
		case ir.Decimal:
			// 3.0 from a JSON client is still an integer.
			if n, ok := val.Int64(); ok {
				return ir.Int(n), nil
			}
		}
	case KindDecimal:
		var d ir.Decimal
		switch val := v.(type) {
		case ir.Decimal:
			d = val
		case ir.Int:
			d = ir.DecimalFromInt(int64(val))
		case ir.String:
			parsed, err := ir.ParseDecimal(string(val))
			if err != nil {
				return nil, err
			}
			d = parsed
		default:
			return nil, fmt.Errorf("expected %s, got %T", kind, v)
		}
		if err := d.CheckRange(); err != nil {
			return nil, err
		}
		return d, nil
	case KindBool:
		if b, ok := v.(ir.Bool); ok {
			return b, nil
		}
	case KindTime:
		if s, ok := v.(ir.String); ok {
			if _, err := time.Parse(time.RFC3339, string(s)); err != nil {
				// Plain dates are accepted as well.
				if _, err := time.Parse(time.DateOnly, string(s)); err != nil {
					return nil, fmt.Errorf("not an RFC 3339 time: %q", s)
				}
			}
			return s, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}

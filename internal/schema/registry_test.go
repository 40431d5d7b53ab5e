package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/ir"
)

func orderSchema() *Builder {
	return NewBuilder().
		AddEntity(Entity{Name: "Order", Attributes: []Attribute{
			{Name: "amount_total", Kind: KindDecimal},
			{Name: "order_date", Kind: KindTime},
		}}).
		AddEntity(Entity{Name: "Item", Attributes: []Attribute{
			{Name: "order_id", Kind: KindString, Required: true},
			{Name: "quantity", Kind: KindInt, Required: true},
			{Name: "unit_price", Kind: KindDecimal, Required: true},
		}}).
		AddEntity(Entity{Name: "Note", Attributes: []Attribute{
			{Name: "order_id", Kind: KindString},
		}}).
		AddRelationship(Relationship{Name: "Order.items", Parent: "Order", Child: "Item", ForeignKey: "order_id", OnDelete: PolicyCascade}).
		AddRelationship(Relationship{Name: "Order.notes", Parent: "Order", Child: "Note", ForeignKey: "order_id", Optional: true, OnDelete: PolicyNullify})
}

func TestBuild_Valid(t *testing.T) {
	reg, err := orderSchema().Build()
	require.NoError(t, err)

	assert.Equal(t, []string{"Order", "Item", "Note"}, reg.Entities())

	item, ok := reg.Entity("Item")
	require.True(t, ok)
	id, ok := item.Attribute(IDAttribute)
	require.True(t, ok, "id is implicit")
	assert.True(t, id.Required)

	children := reg.ChildRelationships("Order")
	require.Len(t, children, 2)
	assert.Equal(t, "Order.items", children[0].Name)
	assert.Equal(t, OneToMany, children[0].Cardinality)

	parents := reg.ParentRelationships("Item")
	require.Len(t, parents, 1)
	assert.Equal(t, "order_id", parents[0].ForeignKey)
	assert.True(t, reg.IsForeignKey("Item", "order_id"))
	assert.False(t, reg.IsForeignKey("Item", "quantity"))
}

func TestBuild_CollectsAllProblems(t *testing.T) {
	b := NewBuilder().
		AddEntity(Entity{Name: "A", Attributes: []Attribute{
			{Name: "x", Kind: KindString},
			{Name: "x", Kind: KindString},
		}}).
		AddEntity(Entity{Name: "A"}).
		AddEntity(Entity{Name: "B", Attributes: []Attribute{{Name: "a_id", Kind: KindString}}}).
		AddRelationship(Relationship{Name: "A.bs", Parent: "A", Child: "B", ForeignKey: "a_id", OnDelete: PolicyNullify}).
		AddRelationship(Relationship{Name: "A.cs", Parent: "A", Child: "C", ForeignKey: "a_id", OnDelete: PolicyCascade}).
		AddRelationship(Relationship{Name: "A.ds", Parent: "A", Child: "B", ForeignKey: "missing", OnDelete: PolicyCascade}).
		SetDeletePolicy("A.zs", PolicyCascade)

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeConfiguration))

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Len(t, e.Problems, 6)
	assert.Contains(t, e.Problems, `entity "A": duplicate attribute "x"`)
	assert.Contains(t, e.Problems, `duplicate entity "A"`)
	assert.Contains(t, e.Problems, `relationship "A.cs": unknown child entity "C"`)
	assert.Contains(t, e.Problems, `relationship "A.ds": foreign key "missing" not declared on B`)
	assert.Contains(t, e.Problems, `delete policy override for unknown relationship "A.zs"`)
	assert.Contains(t, e.Problems, `relationship "A.bs": nullify requires an optional relationship`)
}

func TestBuild_PolicyOverride(t *testing.T) {
	reg, err := orderSchema().SetDeletePolicy("Order.items", PolicyRestrict).Build()
	require.NoError(t, err)

	rel, ok := reg.Relationship("Order.items")
	require.True(t, ok)
	assert.Equal(t, PolicyRestrict, rel.OnDelete)

	_, err = orderSchema().SetDeletePolicy("Order.items", Policy("detach")).Build()
	assert.ErrorContains(t, err, `unknown delete policy "detach"`)
}

func TestNormalize(t *testing.T) {
	reg, err := orderSchema().Build()
	require.NoError(t, err)

	row, err := reg.Normalize("Item", ir.Row{
		"id":         ir.String("i1"),
		"quantity":   ir.MustDecimal("2.0"),
		"unit_price": ir.Int(500),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.Int(2), row["quantity"])
	assert.Equal(t, ir.DecimalFromInt(500), row["unit_price"])

	row, err = reg.Normalize("Item", ir.Row{"unit_price": ir.String("19.99")})
	require.NoError(t, err)
	assert.Equal(t, "19.99", row["unit_price"].(ir.Decimal).String())
}

func TestNormalize_Rejects(t *testing.T) {
	reg, err := orderSchema().Build()
	require.NoError(t, err)

	tests := []struct {
		name   string
		entity string
		row    ir.Row
		msg    string
	}{
		{"unknown entity", "Ghost", ir.Row{}, `unknown entity "Ghost"`},
		{"unknown attribute", "Item", ir.Row{"colour": ir.String("red")}, `unknown attribute "colour"`},
		{"fractional int", "Item", ir.Row{"quantity": ir.MustDecimal("1.5")}, `attribute "quantity"`},
		{"string for int", "Item", ir.Row{"quantity": ir.String("two")}, "expected int"},
		{"bad time", "Order", ir.Row{"order_date": ir.String("yesterday")}, "RFC 3339"},
		{"huge exponent", "Item", ir.Row{"unit_price": ir.String("1e400")}, "decimal out of range"},
		{"too many fraction digits", "Item", ir.Row{"unit_price": ir.String("1.2345678901234567890123456789012345")}, "fractional digits"},
		{"int too wide for decimal", "Item", ir.Row{"unit_price": ir.Int(9223372036854775807)}, "integer digits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Normalize(tt.entity, tt.row)
			require.Error(t, err)
			assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidMutation))
			assert.ErrorContains(t, err, tt.msg)
		})
	}
}

func TestNormalize_AcceptsTimes(t *testing.T) {
	reg, err := orderSchema().Build()
	require.NoError(t, err)

	for _, s := range []string{"2024-03-01T10:00:00Z", "2024-03-01"} {
		_, err := reg.Normalize("Order", ir.Row{"order_date": ir.String(s)})
		assert.NoError(t, err, s)
	}
}

func TestCheckRequired(t *testing.T) {
	reg, err := orderSchema().Build()
	require.NoError(t, err)

	missing := reg.CheckRequired("Item", ir.Row{"id": ir.String("i1"), "quantity": ir.Int(1), "unit_price": ir.Null{}})
	assert.Equal(t, []string{"order_id", "unit_price"}, missing)
}

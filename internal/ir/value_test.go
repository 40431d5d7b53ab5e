package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"nil and Null", nil, Null{}, true},
		{"null and string", Null{}, String(""), false},
		{"same strings", String("a"), String("a"), true},
		{"int and decimal", Int(1000), MustDecimal("1000.00"), true},
		{"different decimals", MustDecimal("1.1"), MustDecimal("1.10001"), false},
		{"bool and int", Bool(true), Int(1), false},
		{"string and decimal", String("1"), DecimalFromInt(1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
			assert.Equal(t, tt.want, Equal(tt.b, tt.a))
		})
	}
}

func TestRow_GetMissingIsNull(t *testing.T) {
	r := Row{"name": String("Alice")}
	assert.Equal(t, Null{}, r.Get("missing"))
	assert.Equal(t, "Alice", r.Str("name"))
	assert.Equal(t, "", r.Str("missing"))
}

func TestRow_MergeDoesNotMutate(t *testing.T) {
	base := Row{"a": Int(1), "b": Int(2)}
	merged := base.Merge(Row{"b": Int(3), "c": Int(4)})

	assert.Equal(t, Row{"a": Int(1), "b": Int(2)}, base)
	assert.Equal(t, Row{"a": Int(1), "b": Int(3), "c": Int(4)}, merged)

	var empty Row
	assert.Equal(t, Row{"x": Bool(true)}, empty.Merge(Row{"x": Bool(true)}))
}

func TestDiff(t *testing.T) {
	before := Row{"qty": Int(1), "price": MustDecimal("10.00"), "note": Null{}}
	after := Row{"qty": Int(2), "price": DecimalFromInt(10), "extra": String("x")}

	assert.Equal(t, []string{"extra", "qty"}, Diff(before, after))
	assert.Empty(t, Diff(before, before.Clone()))
	assert.Equal(t, []string{"price", "qty"}, Diff(nil, before))
}

func TestRow_JSONRoundTrip(t *testing.T) {
	r := Row{
		"id":           String("o1"),
		"amount_total": MustDecimal("2500.50"),
		"quantity":     Int(3),
		"active":       Bool(true),
		"shipped":      Null{},
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"active":true,"amount_total":2500.50,"id":"o1","quantity":3,"shipped":null}`, string(data))

	var back Row
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Int(3), back["quantity"])
	assert.True(t, Equal(r["amount_total"], back["amount_total"]))
	assert.Equal(t, "2500.50", back["amount_total"].(Decimal).String())
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)

	v, err = FromAny(json.Number("19.99"))
	require.NoError(t, err)
	assert.Equal(t, "19.99", v.(Decimal).String())

	v, err = FromAny(float64(7))
	require.NoError(t, err)
	assert.Equal(t, Int(7), v)

	_, err = FromAny(1.5)
	assert.ErrorContains(t, err, "floats are forbidden")

	_, err = FromAny([]string{"x"})
	assert.Error(t, err)
}

package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/ir"
)

func TestDecodeBatchJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"array", `[{"entity":"Payment","op":"insert","id":"pay1","values":{"order_id":"o1","amount":19.99}}]`},
		{"envelope", `{"mutations":[{"entity":"Payment","op":"insert","id":"pay1","values":{"order_id":"o1","amount":19.99}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			muts, err := DecodeBatchJSON([]byte(tt.data))
			require.NoError(t, err)
			require.Len(t, muts, 1)

			m := muts[0]
			assert.Equal(t, "Payment", m.Entity)
			assert.Equal(t, ir.OpInsert, m.Op)
			assert.Equal(t, "pay1", m.ID)

			amount, ok := m.Values["amount"].(ir.Decimal)
			require.True(t, ok, "amount decoded as %T", m.Values["amount"])
			assert.Equal(t, 0, amount.Cmp(ir.MustDecimal("19.99")))
		})
	}
}

func TestDecodeBatchJSON_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "  ", "empty batch"},
		{"unknown_field", `[{"entity":"Customer","op":"insert","value":{}}]`, "unknown field"},
		{"unknown_envelope_field", `{"batch":[]}`, "unknown field"},
		{"malformed", `[{"entity":`, "decode mutations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatchJSON([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodeBatchYAML(t *testing.T) {
	list := `
- { entity: Customer, op: insert, id: c1, values: { name: Ann, credit_limit: "100" } }
- { entity: Order, op: delete, id: o1 }
`
	muts, err := DecodeBatchYAML([]byte(list))
	require.NoError(t, err)
	require.Len(t, muts, 2)
	assert.Equal(t, ir.OpDelete, muts[1].Op)
	assert.Equal(t, ir.String("100"), muts[0].Values["credit_limit"])

	envelope := `
mutations:
  - entity: Item
    op: update
    id: i1
    values: { quantity: 3 }
`
	muts, err = DecodeBatchYAML([]byte(envelope))
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, ir.Int(3), muts[0].Values["quantity"])
}

func TestDecodeBatchYAML_Errors(t *testing.T) {
	_, err := DecodeBatchYAML([]byte(`- { entity: Payment, op: insert, values: { amount: 19.99 } }`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = DecodeBatchYAML([]byte(`- { entity: Payment, operation: insert }`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode mutations")
}

func TestReadBatch(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`- { entity: Category, op: insert, id: cat1, values: { name: Tools } }`), 0644))

	muts, err := readBatch(yamlPath, nil)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, "cat1", muts[0].ID)

	// stdin without an extension is sniffed
	muts, err = readBatch("-", strings.NewReader(`[{"entity":"Category","op":"insert","id":"cat2","values":{"name":"Garden"}}]`))
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, "cat2", muts[0].ID)

	muts, err = readBatch("-", strings.NewReader("- { entity: Category, op: delete, id: cat1 }\n"))
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, ir.OpDelete, muts[0].Op)

	_, err = readBatch(filepath.Join(dir, "missing.json"), nil)
	require.Error(t, err)
}

package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/ir"
)

const orderBatch = `[
  {"entity":"Order","op":"insert","id":"o1","values":{"customer_id":"c1"}},
  {"entity":"Item","op":"insert","id":"i1","values":{"order_id":"o1","product_id":"p1","quantity":1,"unit_price":"40.00"}}
]`

func listTransactions(t *testing.T, cfg string, args ...string) TransactionList {
	t.Helper()
	out, err := execute(t, "", append([]string{"--format", "json", "--config", cfg, "trace"}, args...)...)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   TransactionList `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Data
}

func TestTrace_ListAndShow(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, customerBatch, "--config", cfg, "apply", "-")
	require.NoError(t, err)
	_, err = execute(t, orderBatch, "--config", cfg, "apply", "-")
	require.NoError(t, err)

	list := listTransactions(t, cfg)
	require.Len(t, list.Transactions, 2)
	assert.Less(t, list.Transactions[0].Seq, list.Transactions[1].Seq)
	assert.Equal(t, 2, list.Transactions[0].ChangeCount)

	latest := listTransactions(t, cfg, "--limit", "1")
	require.Len(t, latest.Transactions, 1)
	txID := latest.Transactions[0].ID
	assert.Equal(t, list.Transactions[1].ID, txID)

	out, err := execute(t, "", "--format", "json", "--config", cfg, "trace", txID)
	require.NoError(t, err)
	var resp struct {
		Data struct {
			TxID    string           `json:"tx_id"`
			Changes []map[string]any `json:"changes"`
			Stats   TraceStats       `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, txID, resp.Data.TxID)
	assert.Equal(t, TraceStats{Total: 3, Caller: 2, Derived: 1}, resp.Data.Stats)
	assert.Len(t, resp.Data.Changes, 3)

	out, err = execute(t, "", "--config", cfg, "trace", txID, "--entity", "Customer")
	require.NoError(t, err)
	assert.Contains(t, out, "3 change(s): 2 caller, 1 derived, 0 cascade")
	assert.Contains(t, out, "update Customer:c1 (derive customer_balance)")
	assert.NotContains(t, out, "Item:i1")
}

func TestTrace_EmptyLog(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := execute(t, "", "--config", cfg, "trace")
	require.NoError(t, err)
	assert.Contains(t, out, "No transactions committed.")
}

func TestTrace_UnknownTransaction(t *testing.T) {
	cfg := writeConfig(t, "")

	out, err := execute(t, "", "--config", cfg, "trace", "no-such-tx")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E005")
	assert.Contains(t, out, "transaction not found: no-such-tx")
}

func TestBuildTrace(t *testing.T) {
	changes := []ir.Change{
		{Seq: 1, Entity: "Order", RowID: "o1", Op: ir.OpDelete, Origin: ir.OriginCaller},
		{Seq: 2, Entity: "Item", RowID: "i1", Op: ir.OpDelete, Origin: ir.OriginCascade, Rule: "Order.items"},
		{Seq: 3, Entity: "Item", RowID: "i2", Op: ir.OpDelete, Origin: ir.OriginCascade, Rule: "Order.items"},
		{Seq: 4, Entity: "Customer", RowID: "c1", Op: ir.OpUpdate, Origin: ir.OriginDerive, Rule: "customer_balance"},
	}

	all := buildTrace("tx-1", changes, "")
	assert.Len(t, all.Changes, 4)
	assert.Equal(t, TraceStats{Total: 4, Caller: 1, Derived: 1, Cascade: 2}, all.Stats)

	items := buildTrace("tx-1", changes, "Item")
	require.Len(t, items.Changes, 2)
	assert.Equal(t, int64(2), items.Changes[0].Seq)
	assert.Equal(t, all.Stats, items.Stats)

	none := buildTrace("tx-1", nil, "")
	assert.NotNil(t, none.Changes)
	assert.Empty(t, none.Changes)
}

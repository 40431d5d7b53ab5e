package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/domain"
	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/rules"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "rows.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestEngine returns an engine over a fresh store with the order
// management rules.
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *store.Store) {
	t.Helper()
	reg, err := domain.NewRegistry(domain.Options{})
	require.NoError(t, err)
	st := openStore(t)
	require.NoError(t, st.IndexRelationships(context.Background(), reg.Schema().Relationships()))
	opts = append([]EngineOption{WithLogger(quietLogger())}, opts...)
	return New(st, reg, opts...), st
}

func insert(entity, id string, values ir.Row) Mutation {
	return Mutation{Entity: entity, Op: ir.OpInsert, ID: id, Values: values}
}

func update(entity, id string, values ir.Row) Mutation {
	return Mutation{Entity: entity, Op: ir.OpUpdate, ID: id, Values: values}
}

func del(entity, id string) Mutation {
	return Mutation{Entity: entity, Op: ir.OpDelete, ID: id}
}

func mustApply(t *testing.T, e *Engine, muts ...Mutation) *Result {
	t.Helper()
	res, err := e.Apply(context.Background(), muts...)
	require.NoError(t, err)
	return res
}

// readRow returns the committed row or nil when it does not exist.
func readRow(t *testing.T, st *store.Store, entity, id string) ir.Row {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	rec, err := tx.Read(ctx, entity, id)
	if ir.IsCode(err, ir.ErrCodeNotFound) {
		return nil
	}
	require.NoError(t, err)
	return rec.Attrs
}

func assertNumber(t *testing.T, want string, got ir.Value, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, ir.Equal(ir.MustDecimal(want), got),
		append([]any{fmt.Sprintf("want %s, got %v", want, got)}, msgAndArgs...)...)
}

// seedOrder creates customer c1 with the given credit limit, product p1 and
// order o1 with no items.
func seedOrder(t *testing.T, e *Engine, creditLimit string) {
	t.Helper()
	mustApply(t, e,
		insert("Customer", "c1", ir.Row{"name": ir.String("Alice"), "credit_limit": ir.MustDecimal(creditLimit)}),
		insert("Product", "p1", ir.Row{"name": ir.String("Widget"), "unit_price": ir.MustDecimal("1000.00")}),
		insert("Order", "o1", ir.Row{"customer_id": ir.String("c1"), "order_date": ir.String("2024-03-01")}),
	)
}

func item(orderID string, quantity int64, unitPrice string) ir.Row {
	return ir.Row{
		"order_id":   ir.String(orderID),
		"product_id": ir.String("p1"),
		"quantity":   ir.Int(quantity),
		"unit_price": ir.MustDecimal(unitPrice),
	}
}

func TestApply_InitializesDerivedAttributes(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")

	order := readRow(t, st, "Order", "o1")
	assertNumber(t, "0", order["amount_total"])
	assertNumber(t, "0", order["amount_paid"])
	assertNumber(t, "0", order["balance_due"])
	assert.Equal(t, ir.Int(0), order["item_count"])

	customer := readRow(t, st, "Customer", "c1")
	assertNumber(t, "0", customer["balance"])
}

func TestApply_DerivesThroughChain(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")

	res := mustApply(t, e, insert("Item", "i1", item("o1", 2, "500.00")))

	assert.Equal(t, 2, res.Rounds, "second round confirms the fixed point")
	assertNumber(t, "1000.00", readRow(t, st, "Item", "i1")["amount"])

	order := readRow(t, st, "Order", "o1")
	assertNumber(t, "1000.00", order["amount_total"])
	assertNumber(t, "1000.00", order["balance_due"])
	assert.Equal(t, ir.Int(1), order["item_count"])

	assertNumber(t, "1000.00", readRow(t, st, "Customer", "c1")["balance"])

	// Net changes: one per touched row, in first-touch order.
	require.Len(t, res.Changes, 3)
	assert.Equal(t, "Item", res.Changes[0].Entity)
	assert.Equal(t, ir.OpInsert, res.Changes[0].Op)
	assert.Equal(t, "Order", res.Changes[1].Entity)
	assert.Equal(t, ir.OriginDerive, res.Changes[1].Origin)
	assert.Equal(t, "Customer", res.Changes[2].Entity)
	assert.Equal(t, "customer_balance", res.Changes[2].Rule)
}

func TestApply_PaymentReducesBalance(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	mustApply(t, e, insert("Item", "i1", item("o1", 3, "100.00")))

	mustApply(t, e, insert("Payment", "pay1", ir.Row{
		"order_id":     ir.String("o1"),
		"payment_date": ir.String("2024-03-02T10:00:00Z"),
		"amount":       ir.MustDecimal("120.50"),
	}))

	order := readRow(t, st, "Order", "o1")
	assertNumber(t, "120.50", order["amount_paid"])
	assertNumber(t, "179.50", order["balance_due"])
	assertNumber(t, "179.50", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_CreditLimitRejectsAndReverts(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "1500")
	mustApply(t, e, insert("Item", "i1", item("o1", 1, "1000.00")))

	_, err := e.Apply(context.Background(), insert("Item", "i2", item("o1", 1, "1000.00")))
	require.Error(t, err)
	assert.True(t, IsConstraintError(err))

	var ierr *ir.Error
	require.True(t, errors.As(err, &ierr))
	require.Len(t, ierr.Violations, 1)
	v := ierr.Violations[0]
	assert.Equal(t, "customer_credit_limit", v.Constraint)
	assert.Equal(t, "c1", v.RowID)
	assertNumber(t, "2000.00", v.Values["balance"])
	assertNumber(t, "1500", v.Values["credit_limit"])

	assert.Nil(t, readRow(t, st, "Item", "i2"))
	assertNumber(t, "1000.00", readRow(t, st, "Order", "o1")["amount_total"])
	assertNumber(t, "1000.00", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_ChildDeleteReadsOnlyTheChain(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "100000")
	mustApply(t, e,
		insert("Item", "i1", item("o1", 1, "1000.00")),
		insert("Item", "i2", item("o1", 1, "1500.00")),
	)
	// Siblings must not affect the cost of the delete.
	var siblings []Mutation
	for i := 0; i < 25; i++ {
		siblings = append(siblings, insert("Item", fmt.Sprintf("s%02d", i), item("o1", 1, "1.00")))
	}
	mustApply(t, e, siblings...)
	assertNumber(t, "2525.00", readRow(t, st, "Order", "o1")["amount_total"])

	res := mustApply(t, e, del("Item", "i2"))

	assert.Equal(t, 3, res.Reads, "Item i2, Order o1, Customer c1")
	assert.Equal(t, 2, res.Rounds)

	order := readRow(t, st, "Order", "o1")
	assertNumber(t, "1025.00", order["amount_total"])
	assertNumber(t, "1025.00", order["balance_due"])
	assert.Equal(t, ir.Int(26), order["item_count"])
	assertNumber(t, "1025.00", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_AdapterSeesBoundedReads(t *testing.T) {
	reg, err := domain.NewRegistry(domain.Options{})
	require.NoError(t, err)
	counting := testutil.NewCountingAdapter(openStore(t))
	e := New(counting, reg, WithLogger(quietLogger()), WithIDGenerator(testutil.NewSequentialIDs("tx")))

	seedOrder(t, e, "100000")
	var items []Mutation
	for i := 0; i < 40; i++ {
		items = append(items, insert("Item", fmt.Sprintf("i%02d", i), item("o1", 1, "2.50")))
	}
	mustApply(t, e, items...)

	counting.Reset()
	res := mustApply(t, e, update("Item", "i07", ir.Row{"quantity": ir.Int(2)}))

	counts := counting.Counts()
	assert.Equal(t, res.Reads, counts.Total())
	assert.Equal(t, 0, counts.ChildReads, "no sibling scan")
	assert.Equal(t, 1, counts.Batches)
	assert.Equal(t, "tx-3", res.TxID)
}

func TestApply_ChildUpdateReadsOnlyTheChain(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "100000")
	mustApply(t, e,
		insert("Item", "i1", item("o1", 1, "1000.00")),
		insert("Item", "i2", item("o1", 1, "1500.00")),
	)

	res := mustApply(t, e, update("Item", "i1", ir.Row{"quantity": ir.Int(3)}))

	assert.Equal(t, 3, res.Reads)
	assertNumber(t, "3000.00", readRow(t, st, "Item", "i1")["amount"])
	assertNumber(t, "4500.00", readRow(t, st, "Order", "o1")["amount_total"])
	assertNumber(t, "4500.00", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_MoveChildBetweenParents(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "100000")
	mustApply(t, e,
		insert("Order", "o2", ir.Row{"customer_id": ir.String("c1")}),
		insert("Item", "i1", item("o1", 1, "1000.00")),
		insert("Item", "i2", item("o1", 2, "300.00")),
	)

	mustApply(t, e, update("Item", "i2", ir.Row{"order_id": ir.String("o2")}))

	o1 := readRow(t, st, "Order", "o1")
	o2 := readRow(t, st, "Order", "o2")
	assertNumber(t, "1000.00", o1["amount_total"])
	assert.Equal(t, ir.Int(1), o1["item_count"])
	assertNumber(t, "600.00", o2["amount_total"])
	assert.Equal(t, ir.Int(1), o2["item_count"])
	assertNumber(t, "1600.00", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_ParentAndChildrenInOneTransaction(t *testing.T) {
	e, st := newTestEngine(t)

	mustApply(t, e,
		insert("Customer", "c1", ir.Row{"name": ir.String("Alice"), "credit_limit": ir.MustDecimal("5000")}),
		insert("Product", "p1", ir.Row{"name": ir.String("Widget"), "unit_price": ir.MustDecimal("10")}),
		insert("Order", "o1", ir.Row{"customer_id": ir.String("c1")}),
		insert("Item", "i1", item("o1", 2, "10")),
		insert("Item", "i2", item("o1", 1, "5")),
	)

	order := readRow(t, st, "Order", "o1")
	assertNumber(t, "25", order["amount_total"])
	assert.Equal(t, ir.Int(2), order["item_count"])
	assertNumber(t, "25", readRow(t, st, "Customer", "c1")["balance"])
}

func TestApply_CascadeDeleteOrder(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	mustApply(t, e,
		insert("Item", "i1", item("o1", 1, "1000.00")),
		insert("Item", "i2", item("o1", 1, "200.00")),
		insert("Payment", "pay1", ir.Row{"order_id": ir.String("o1"), "amount": ir.MustDecimal("100")}),
		insert("Shipment", "sh1", ir.Row{"order_id": ir.String("o1"), "status": ir.String("pending")}),
	)
	assertNumber(t, "1100.00", readRow(t, st, "Customer", "c1")["balance"])

	res := mustApply(t, e, del("Order", "o1"))

	for _, id := range []string{"i1", "i2"} {
		assert.Nil(t, readRow(t, st, "Item", id))
	}
	assert.Nil(t, readRow(t, st, "Payment", "pay1"))
	assert.Nil(t, readRow(t, st, "Shipment", "sh1"))
	assert.Nil(t, readRow(t, st, "Order", "o1"))
	assertNumber(t, "0", readRow(t, st, "Customer", "c1")["balance"])

	origins := map[string]ir.Origin{}
	for _, ch := range res.Changes {
		origins[ch.Entity+":"+ch.RowID] = ch.Origin
	}
	assert.Equal(t, ir.OriginCaller, origins["Order:o1"])
	assert.Equal(t, ir.OriginCascade, origins["Item:i1"])
	assert.Equal(t, ir.OriginCascade, origins["Payment:pay1"])
	assert.Equal(t, ir.OriginDerive, origins["Customer:c1"])

	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
}

func TestApply_RestrictBlocksDelete(t *testing.T) {
	e, st := newTestEngine(t)
	mustApply(t, e,
		insert("Product", "p2", ir.Row{"name": ir.String("Gadget"), "unit_price": ir.MustDecimal("5")}),
		insert("Supplier", "s1", ir.Row{"name": ir.String("Acme")}),
		insert("Inventory", "inv1", ir.Row{
			"product_id":        ir.String("p2"),
			"supplier_id":       ir.String("s1"),
			"quantity_in_stock": ir.Int(4),
		}),
	)

	_, err := e.Apply(context.Background(), del("Product", "p2"))
	require.Error(t, err)
	assert.True(t, IsRestrictError(err))

	var ierr *ir.Error
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, "Product.inventory", ierr.Rule)
	assert.Equal(t, "Product", ierr.Entity)
	assert.Equal(t, "p2", ierr.RowID)
	assert.Equal(t, "Inventory", ierr.ChildEntity)
	assert.Equal(t, []string{"inv1"}, ierr.Rows)
	assert.NotNil(t, readRow(t, st, "Product", "p2"))
}

func TestApply_AtomicAcrossMutations(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	mustApply(t, e, insert("Item", "i1", item("o1", 1, "10")))

	_, err := e.Apply(context.Background(),
		update("Item", "i1", ir.Row{"quantity": ir.Int(7)}),
		insert("Payment", "pay1", ir.Row{"order_id": ir.String("missing"), "amount": ir.MustDecimal("1")}),
	)
	require.Error(t, err)
	assert.True(t, ir.IsCode(err, ir.ErrCodeNotFound))

	assert.Equal(t, ir.Int(1), readRow(t, st, "Item", "i1")["quantity"])
	assertNumber(t, "10", readRow(t, st, "Order", "o1")["amount_total"])

	txs, err := st.ListTransactions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2, "the failed transaction is not logged")
}

func TestApply_IdempotentInsert(t *testing.T) {
	e, _ := newTestEngine(t)
	seedOrder(t, e, "5000")

	res := mustApply(t, e, insert("Customer", "c1", ir.Row{"name": ir.String("Alice"), "credit_limit": ir.MustDecimal("5000")}))
	assert.Equal(t, 0, res.Rounds)
	assert.Empty(t, res.Changes)

	_, err := e.Apply(context.Background(), insert("Customer", "c1", ir.Row{"name": ir.String("Bob"), "credit_limit": ir.MustDecimal("5000")}))
	assert.True(t, ir.IsCode(err, ir.ErrCodePersistenceConflict))
}

func TestApply_NoOpUpdate(t *testing.T) {
	e, _ := newTestEngine(t)
	seedOrder(t, e, "5000")

	res := mustApply(t, e, update("Customer", "c1", ir.Row{"name": ir.String("Alice")}))
	assert.Equal(t, 0, res.Rounds)
	assert.Empty(t, res.Changes)
}

func TestApply_RejectsInvalidMutations(t *testing.T) {
	e, _ := newTestEngine(t)
	seedOrder(t, e, "5000")

	tests := []struct {
		name string
		mut  Mutation
		code ir.ErrorCode
	}{
		{"unknown entity", insert("Invoice", "x", ir.Row{}), ir.ErrCodeInvalidMutation},
		{"unknown attribute", update("Customer", "c1", ir.Row{"nickname": ir.String("A")}), ir.ErrCodeInvalidMutation},
		{"wrong kind", update("Customer", "c1", ir.Row{"credit_limit": ir.Bool(true)}), ir.ErrCodeInvalidMutation},
		{"derived on insert", insert("Order", "o9", ir.Row{"customer_id": ir.String("c1"), "amount_total": ir.MustDecimal("5")}), ir.ErrCodeInvalidMutation},
		{"derived on update", update("Customer", "c1", ir.Row{"balance": ir.MustDecimal("5")}), ir.ErrCodeInvalidMutation},
		{"primary key change", update("Customer", "c1", ir.Row{"id": ir.String("c2")}), ir.ErrCodeInvalidMutation},
		{"missing required", insert("Customer", "c9", ir.Row{"name": ir.String("Carol")}), ir.ErrCodeInvalidMutation},
		{"missing parent", insert("Order", "o9", ir.Row{"customer_id": ir.String("nobody")}), ir.ErrCodeNotFound},
		{"update missing row", update("Customer", "c404", ir.Row{"name": ir.String("X")}), ir.ErrCodeNotFound},
		{"delete missing row", del("Customer", "c404"), ir.ErrCodeNotFound},
		{"unknown operation", Mutation{Entity: "Customer", Op: "upsert", ID: "c1"}, ir.ErrCodeInvalidMutation},
		{"quantity not positive", insert("Item", "i9", item("o1", 0, "1")), ir.ErrCodeConstraintViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Apply(context.Background(), tt.mut)
			require.Error(t, err)
			assert.Equal(t, tt.code, ir.CodeOf(err), "%v", err)
		})
	}
}

func TestApply_MissingRequiredNamesRows(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.Apply(context.Background(), insert("Customer", "c9", ir.Row{"name": ir.String("Carol")}))

	var ierr *ir.Error
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, []string{"Customer:c9.credit_limit"}, ierr.Rows)
}

func TestApply_EchoedDerivedValueAccepted(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")

	mustApply(t, e, update("Customer", "c1", ir.Row{"balance": ir.MustDecimal("0"), "name": ir.String("Alicia")}))
	assert.Equal(t, ir.String("Alicia"), readRow(t, st, "Customer", "c1")["name"])
}

func TestApply_GeneratesRowIDs(t *testing.T) {
	e, st := newTestEngine(t, WithIDGenerator(NewFixedGenerator("tx-1", "cust-1")))

	res := mustApply(t, e, insert("Customer", "", ir.Row{"name": ir.String("Dana"), "credit_limit": ir.MustDecimal("10")}))

	assert.Equal(t, "tx-1", res.TxID)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "cust-1", res.Rows[0].ID)
	assert.Equal(t, ir.String("cust-1"), readRow(t, st, "Customer", "cust-1")["id"])
}

func TestApply_QuotaExceeded(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	limited := New(st, e.Rules(), WithMaxRounds(1), WithLogger(quietLogger()))

	_, err := limited.Apply(context.Background(), insert("Item", "i1", item("o1", 1, "10")))
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
	assert.Nil(t, readRow(t, st, "Item", "i1"))
}

func TestApply_ContextCancelled(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Apply(ctx, insert("Customer", "c1", ir.Row{"name": ir.String("A"), "credit_limit": ir.Int(1)}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestApply_NoMutations(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Apply(context.Background())
	assert.True(t, ir.IsCode(err, ir.ErrCodeInvalidMutation))
}

func TestApply_BalanceFilterUnshipped(t *testing.T) {
	reg, err := domain.NewRegistry(domain.Options{BalanceFilter: domain.BalanceUnshipped})
	require.NoError(t, err)
	st := openStore(t)
	e := New(st, reg, WithLogger(quietLogger()))

	seedOrder(t, e, "5000")
	mustApply(t, e,
		insert("Order", "o2", ir.Row{"customer_id": ir.String("c1")}),
		insert("Item", "i1", item("o1", 1, "100")),
		insert("Item", "i2", item("o2", 1, "40")),
	)
	assertNumber(t, "140", readRow(t, st, "Customer", "c1")["balance"])

	mustApply(t, e, update("Order", "o2", ir.Row{"date_shipped": ir.String("2024-03-05")}))
	assertNumber(t, "100", readRow(t, st, "Customer", "c1")["balance"])
}

// cycleRegistry declares two formulas on one row that read each other.
func cycleRegistry(t *testing.T) *rules.Registry {
	t.Helper()
	s, err := schemaBuilder().Build()
	require.NoError(t, err)
	reg, err := rules.NewBuilder(s).
		Register(&rules.Formula{Name: "fx", Entity: "Node", Target: "x", Inputs: []string{"y"},
			Fn: func(r ir.Row) (ir.Value, error) { return ir.Int(1), nil }}).
		Register(&rules.Formula{Name: "fy", Entity: "Node", Target: "y", Inputs: []string{"x"},
			Fn: func(r ir.Row) (ir.Value, error) { return ir.Int(2), nil }}).
		Build()
	require.NoError(t, err)
	return reg
}

func TestApply_CycleDetected(t *testing.T) {
	reg := cycleRegistry(t)
	require.Len(t, reg.AnalyzeCycles(), 1, "static analysis warns")

	e := New(openStore(t), reg, WithLogger(quietLogger()))
	_, err := e.Apply(context.Background(), insert("Node", "n1", ir.Row{}))
	require.Error(t, err)
	assert.True(t, IsCycleError(err))

	var ierr *ir.Error
	require.True(t, errors.As(err, &ierr))
	assert.Contains(t, ierr.Path, "fx@Node:n1")
	assert.Contains(t, ierr.Path, "fy@Node:n1")
	assert.Equal(t, ierr.Path[0], ierr.Path[len(ierr.Path)-1])
}

func TestApply_NullifyPolicy(t *testing.T) {
	s, err := schemaBuilder().Build()
	require.NoError(t, err)
	reg, err := rules.NewBuilder(s).
		Register(&rules.Count{Name: "team_size", Entity: "Team", Target: "size", Relationship: "Team.members"}).
		Build()
	require.NoError(t, err)
	st := openStore(t)
	e := New(st, reg, WithLogger(quietLogger()))

	mustApply(t, e,
		insert("Team", "t1", ir.Row{}),
		insert("Member", "m1", ir.Row{"team_id": ir.String("t1")}),
		insert("Member", "m2", ir.Row{"team_id": ir.String("t1")}),
	)
	assert.Equal(t, ir.Int(2), readRow(t, st, "Team", "t1")["size"])

	res := mustApply(t, e, del("Team", "t1"))

	assert.True(t, ir.IsNull(readRow(t, st, "Member", "m1").Get("team_id")))
	assert.True(t, ir.IsNull(readRow(t, st, "Member", "m2").Get("team_id")))
	for _, ch := range res.Changes {
		if ch.Entity == "Member" {
			assert.Equal(t, ir.OriginCascade, ch.Origin)
			assert.Equal(t, "Team.members", ch.Rule)
		}
	}
}

func TestAudit_DetectsDrift(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	mustApply(t, e, insert("Item", "i1", item("o1", 1, "10")))

	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, 4, report.Rows)

	// Simulate a write that bypassed the engine.
	_, err = st.DB().Exec(`UPDATE rows SET attrs = json_set(attrs, '$.balance', 99) WHERE entity = 'Customer' AND id = 'c1'`)
	require.NoError(t, err)

	report, err = e.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	assert.Equal(t, "customer_balance", report.Drift[0].Rule)
	assertNumber(t, "99", report.Drift[0].Stored)
	assertNumber(t, "10", report.Drift[0].Expected)
}

func TestAudit_DetectsOrphans(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")

	_, err := st.DB().Exec(`DELETE FROM rows WHERE entity = 'Customer' AND id = 'c1'`)
	require.NoError(t, err)

	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Orphans, 1)
	assert.Equal(t, Orphan{Entity: "Order", RowID: "o1", Relationship: "Customer.orders", ParentID: "c1"}, report.Orphans[0])
}

func TestApply_DecimalOutOfRangeAborts(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "100000")
	mustApply(t, e, insert("Item", "i1", item("o1", 2, "10")))

	tests := []struct {
		name string
		muts []Mutation
		rule string
		msg  string
	}{
		{
			name: "product exceeds precision",
			muts: []Mutation{insert("Item", "big", item("o1", math.MaxInt64, "12345678901234567.89"))},
			rule: "item_amount",
			msg:  "exceeds 34 digits",
		},
		{
			name: "product exceeds integer digits",
			muts: []Mutation{insert("Item", "big", item("o1", 1000, "12345678901234567.89"))},
			rule: "item_amount",
			msg:  "integer digits",
		},
		{
			name: "sum exceeds integer digits",
			muts: []Mutation{
				insert("Item", "big1", item("o1", 1, "999999999999999999")),
				insert("Item", "big2", item("o1", 1, "999999999999999999")),
			},
			rule: "order_amount_total",
			msg:  "integer digits",
		},
		{
			name: "too many fractional digits",
			muts: []Mutation{insert("Item", "big", item("o1", 3, "1.2345678901234567890123456789012345"))},
			msg:  "fractional digits",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = e.Apply(context.Background(), tt.muts...)
			})
			require.Error(t, err)
			assert.Equal(t, ir.ErrCodeInvalidMutation, ir.CodeOf(err), "%v", err)
			assert.ErrorIs(t, err, ir.ErrDecimalRange)
			assert.Contains(t, err.Error(), tt.msg)
			if tt.rule != "" {
				var ierr *ir.Error
				require.True(t, errors.As(err, &ierr))
				assert.Equal(t, tt.rule, ierr.Rule)
			}

			for _, m := range tt.muts {
				assert.Nil(t, readRow(t, st, "Item", m.ID))
			}
			assertNumber(t, "20", readRow(t, st, "Order", "o1")["amount_total"])
		})
	}

	// The engine keeps serving after a rejected batch.
	mustApply(t, e, insert("Item", "i2", item("o1", 1, "5")))
	assertNumber(t, "25", readRow(t, st, "Order", "o1")["amount_total"])
	assertNumber(t, "25", readRow(t, st, "Customer", "c1")["balance"])

	txs, err := st.ListTransactions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, txs, 3, "rejected batches are not logged")
}

func TestApply_CascadeDeleteRevertsOnViolation(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "5000")
	mustApply(t, e,
		insert("Item", "i1", item("o1", 1, "1000.00")),
		insert("Item", "i2", item("o1", 1, "200.00")),
		insert("Payment", "pay1", ir.Row{"order_id": ir.String("o1"), "amount": ir.MustDecimal("100")}),
		insert("Shipment", "sh1", ir.Row{"order_id": ir.String("o1"), "status": ir.String("pending")}),
	)
	before := map[string]ir.Row{}
	for _, key := range []string{"Order:o1", "Item:i1", "Item:i2", "Payment:pay1", "Shipment:sh1", "Customer:c1"} {
		entity, id, _ := strings.Cut(key, ":")
		before[key] = readRow(t, st, entity, id)
		require.NotNil(t, before[key], key)
	}
	txsBefore, err := st.ListTransactions(context.Background(), 0)
	require.NoError(t, err)

	_, err = e.Apply(context.Background(),
		del("Order", "o1"),
		update("Customer", "c1", ir.Row{"credit_limit": ir.MustDecimal("-1")}),
	)
	require.Error(t, err)
	assert.True(t, IsConstraintError(err), "%v", err)

	for key, want := range before {
		entity, id, _ := strings.Cut(key, ":")
		got := readRow(t, st, entity, id)
		require.NotNil(t, got, "%s was removed", key)
		assert.Len(t, got, len(want), key)
		for attr, v := range want {
			assert.True(t, ir.Equal(v, got[attr]), "%s.%s: want %v, got %v", key, attr, v, got[attr])
		}
	}
	assertNumber(t, "1100.00", readRow(t, st, "Customer", "c1")["balance"])

	txs, err := st.ListTransactions(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, txs, len(txsBefore), "the failed transaction is not logged")
}

// TestApply_RandomItemSequence applies a seeded mix of item inserts, updates,
// moves and deletes and checks every order's totals after each step.
func TestApply_RandomItemSequence(t *testing.T) {
	e, st := newTestEngine(t)
	seedOrder(t, e, "1000000000")
	mustApply(t, e, insert("Order", "o2", ir.Row{"customer_id": ir.String("c1")}))

	type liveItem struct {
		order string
		qty   int64
		cents int64
	}
	live := map[string]liveItem{}
	orders := []string{"o1", "o2"}
	rng := rand.New(rand.NewPCG(7, 11))

	for step := 0; step < 300; step++ {
		id := fmt.Sprintf("i%d", rng.IntN(12))
		cur, exists := live[id]

		var mut Mutation
		switch {
		case !exists:
			it := liveItem{order: orders[rng.IntN(2)], qty: rng.Int64N(20) + 1, cents: rng.Int64N(100000) + 1}
			mut = insert("Item", id, item(it.order, it.qty, centsString(it.cents)))
			live[id] = it
		case rng.IntN(4) == 0:
			mut = del("Item", id)
			delete(live, id)
		default:
			switch rng.IntN(3) {
			case 0:
				cur.qty = rng.Int64N(20) + 1
				mut = update("Item", id, ir.Row{"quantity": ir.Int(cur.qty)})
			case 1:
				cur.cents = rng.Int64N(100000) + 1
				mut = update("Item", id, ir.Row{"unit_price": ir.MustDecimal(centsString(cur.cents))})
			default:
				cur.order = orders[rng.IntN(2)]
				mut = update("Item", id, ir.Row{"order_id": ir.String(cur.order)})
			}
			live[id] = cur
		}
		mustApply(t, e, mut)

		var all int64
		for _, orderID := range orders {
			var total, count int64
			for _, it := range live {
				if it.order == orderID {
					total += it.qty * it.cents
					count++
				}
			}
			all += total
			order := readRow(t, st, "Order", orderID)
			assertNumber(t, centsString(total), order["amount_total"], "step %d %s %s", step, mut.Op, id)
			assert.Equal(t, ir.Int(count), order["item_count"], "step %d", step)
		}
		assertNumber(t, centsString(all), readRow(t, st, "Customer", "c1")["balance"], "step %d", step)
		if t.Failed() {
			t.FailNow()
		}
	}

	report, err := e.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
}

func centsString(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

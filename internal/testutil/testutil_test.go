package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
	"github.com/roach88/rowsync/internal/store"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("tx")
	assert.Equal(t, "tx-1", g.Generate())
	assert.Equal(t, "tx-2", g.Generate())

	g.Reset()
	assert.Equal(t, "tx-1", g.Generate())

	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_Concurrent(t *testing.T) {
	g := NewSequentialIDs("x")
	var wg sync.WaitGroup
	seen := sync.Map{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dup := seen.LoadOrStore(g.Generate(), true)
			assert.False(t, dup)
		}()
	}
	wg.Wait()
}

func TestCountingAdapter(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "count.db"))
	require.NoError(t, err)
	defer st.Close()

	a := NewCountingAdapter(st)
	ctx := context.Background()

	tx, err := a.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.WriteBatch(ctx, "tx-1", []ir.Change{{
		Seq: 1, Entity: "Item", Op: ir.OpInsert, RowID: "i1", Origin: ir.OriginCaller,
		After: ir.Row{"id": ir.String("i1"), "order_id": ir.String("o1")},
	}}))
	require.NoError(t, tx.Commit())

	tx, err = a.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Read(ctx, "Item", "i1")
	require.NoError(t, err)
	_, err = tx.ReadChildren(ctx, schema.Relationship{Name: "Order.items", Child: "Item", ForeignKey: "order_id"}, "o1")
	require.NoError(t, err)

	lister, ok := tx.(store.RowLister)
	require.True(t, ok, "row listing stays available")
	rows, err := lister.ListRows(ctx, "Item")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.NoError(t, tx.Rollback())

	assert.Equal(t, Counts{Reads: 1, ChildReads: 1, Batches: 1, ChangesWrite: 1}, a.Counts())
	assert.Equal(t, 2, a.Counts().Total())

	a.Reset()
	assert.Equal(t, Counts{}, a.Counts())
}

package testutil

import (
	"context"
	"sync"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
	"github.com/roach88/rowsync/internal/store"
)

// Counts is a snapshot of adapter calls.
type Counts struct {
	Reads        int // Read calls
	ChildReads   int // ReadChildren calls
	Batches      int // WriteBatch calls
	ChangesWrite int // Changes handed to WriteBatch
}

// Total returns Reads + ChildReads.
func (c Counts) Total() int {
	return c.Reads + c.ChildReads
}

// CountingAdapter wraps a store.Adapter and counts the calls made through
// its transactions. It lets tests assert that a change to one row costs a
// bounded number of reads no matter how many siblings the row has.
//
// Thread-safety: safe for concurrent use.
type CountingAdapter struct {
	inner store.Adapter

	mu     sync.Mutex
	counts Counts
}

var _ store.Adapter = (*CountingAdapter)(nil)

// NewCountingAdapter wraps inner.
func NewCountingAdapter(inner store.Adapter) *CountingAdapter {
	return &CountingAdapter{inner: inner}
}

// Begin starts a counted transaction.
func (a *CountingAdapter) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := a.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if lister, ok := tx.(store.RowLister); ok {
		return &countingListerTx{countingTx: countingTx{inner: tx, a: a}, lister: lister}, nil
	}
	return &countingTx{inner: tx, a: a}, nil
}

// Counts returns the calls counted since creation or the last Reset.
func (a *CountingAdapter) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// Reset zeroes the counters.
func (a *CountingAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts = Counts{}
}

func (a *CountingAdapter) add(f func(c *Counts)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f(&a.counts)
}

type countingTx struct {
	inner store.Tx
	a     *CountingAdapter
}

func (t *countingTx) Read(ctx context.Context, entity, id string) (ir.Record, error) {
	t.a.add(func(c *Counts) { c.Reads++ })
	return t.inner.Read(ctx, entity, id)
}

func (t *countingTx) ReadChildren(ctx context.Context, rel schema.Relationship, parentID string) ([]ir.Record, error) {
	t.a.add(func(c *Counts) { c.ChildReads++ })
	return t.inner.ReadChildren(ctx, rel, parentID)
}

func (t *countingTx) WriteBatch(ctx context.Context, txID string, changes []ir.Change) error {
	t.a.add(func(c *Counts) {
		c.Batches++
		c.ChangesWrite += len(changes)
	})
	return t.inner.WriteBatch(ctx, txID, changes)
}

func (t *countingTx) Commit() error   { return t.inner.Commit() }
func (t *countingTx) Rollback() error { return t.inner.Rollback() }

// countingListerTx keeps RowLister visible for Audit. Listing is not
// counted; audits scan everything by definition.
type countingListerTx struct {
	countingTx
	lister store.RowLister
}

func (t *countingListerTx) ListRows(ctx context.Context, entity string) ([]ir.Record, error) {
	return t.lister.ListRows(ctx, entity)
}

package store

import (
	"context"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// Adapter begins transactions against durable row storage.
type Adapter interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one adapter transaction.
//
// Read returns an *ir.Error with code NOT_FOUND for a missing row.
// ReadChildren returns the rows of rel.Child whose foreign key equals
// parentID, ordered by id. WriteBatch applies the changes in order and
// returns PERSISTENCE_CONFLICT when a row's stored version no longer
// matches Change.BaseVersion or an inserted row already exists.
// Rollback after Commit is a no-op.
type Tx interface {
	Read(ctx context.Context, entity, id string) (ir.Record, error)
	ReadChildren(ctx context.Context, rel schema.Relationship, parentID string) ([]ir.Record, error)
	WriteBatch(ctx context.Context, txID string, changes []ir.Change) error
	Commit() error
	Rollback() error
}

// RowLister is implemented by transactions that can enumerate every row of
// an entity, ordered by id.
type RowLister interface {
	ListRows(ctx context.Context, entity string) ([]ir.Record, error)
}

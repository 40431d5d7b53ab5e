package engine

import (
	"github.com/roach88/rowsync/internal/store"
)

// Store is the persistence adapter consumed by the engine.
// The SQLite implementation is store.Store; any adapter providing row-level
// optimistic conflict detection works.
type Store = store.Adapter

// Tx is one adapter transaction.
type Tx = store.Tx

// RowLister is implemented by transactions that can enumerate every row of
// an entity. Audit requires it.
type RowLister = store.RowLister

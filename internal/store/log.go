package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/rowsync/internal/ir"
)

// Transaction is one committed transaction in the change log.
type Transaction struct {
	ID            string `json:"id"`
	Seq           int64  `json:"seq"`
	EngineVersion string `json:"engine_version"`
	ChangeCount   int    `json:"change_count"`
}

// ListTransactions returns the most recent committed transactions, newest
// last. limit <= 0 returns all of them.
func (s *Store) ListTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	query := `
		SELECT id, seq, engine_version, change_count FROM (
			SELECT * FROM transactions ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	txs := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Seq, &t.EngineVersion, &t.ChangeCount); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// ReadChanges returns the logged net change set of one transaction in seq
// order. A transaction id that was never committed yields NOT_FOUND.
func (s *Store) ReadChanges(ctx context.Context, txID string) ([]ir.Change, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, txID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("query transaction %s: %w", txID, err)
	}
	if exists == 0 {
		return nil, &ir.Error{Code: ir.ErrCodeNotFound, Message: "transaction does not exist", RowID: txID}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entity, row_id, op, before, after, origin, rule
		FROM changes
		WHERE tx_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []ir.Change{}
	for rows.Next() {
		var (
			c             ir.Change
			op, origin    string
			before, after sql.NullString
			rule          sql.NullString
		)
		if err := rows.Scan(&c.Seq, &c.Entity, &c.RowID, &op, &before, &after, &origin, &rule); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Op = ir.Operation(op)
		c.Origin = ir.Origin(origin)
		c.Rule = rule.String
		if c.Before, err = unmarshalOptionalRow(before); err != nil {
			return nil, err
		}
		if c.After, err = unmarshalOptionalRow(after); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

func unmarshalOptionalRow(s sql.NullString) (ir.Row, error) {
	if !s.Valid {
		return nil, nil
	}
	var row ir.Row
	if err := json.Unmarshal([]byte(s.String), &row); err != nil {
		return nil, fmt.Errorf("decode change row: %w", err)
	}
	return row, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/ir"
	"github.com/roach88/rowsync/internal/schema"
)

// sqlTx is one SQLite transaction.
type sqlTx struct {
	tx   *sql.Tx
	done bool
}

var (
	_ Tx        = (*sqlTx)(nil)
	_ RowLister = (*sqlTx)(nil)
)

// Read returns one row or NOT_FOUND.
func (t *sqlTx) Read(ctx context.Context, entity, id string) (ir.Record, error) {
	var attrs string
	var version int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT attrs, version FROM rows WHERE entity = ? AND id = ?
	`, entity, id).Scan(&attrs, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, ir.NewNotFound(entity, id)
	}
	if err != nil {
		return ir.Record{}, fmt.Errorf("read %s:%s: %w", entity, id, err)
	}
	return decodeRecord(entity, id, attrs, version)
}

// ReadChildren returns the children of parentID through rel, ordered by id.
func (t *sqlTx) ReadChildren(ctx context.Context, rel schema.Relationship, parentID string) ([]ir.Record, error) {
	rows, err := t.tx.QueryContext(ctx, childrenQuery(rel.ForeignKey), rel.Child, parentID)
	if err != nil {
		return nil, fmt.Errorf("query children %s: %w", rel.Name, err)
	}
	return scanRecords(rel.Child, rows)
}

// ListRows returns every row of entity, ordered by id.
func (t *sqlTx) ListRows(ctx context.Context, entity string) ([]ir.Record, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, attrs, version FROM rows
		WHERE entity = ?
		ORDER BY id COLLATE BINARY ASC
	`, entity)
	if err != nil {
		return nil, fmt.Errorf("query %s rows: %w", entity, err)
	}
	return scanRecords(entity, rows)
}

// WriteBatch applies the net change set and records it in the change log.
func (t *sqlTx) WriteBatch(ctx context.Context, txID string, changes []ir.Change) error {
	var seq int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM transactions`).Scan(&seq); err != nil {
		return fmt.Errorf("next transaction seq: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, seq, engine_version, change_count)
		VALUES (?, ?, ?, ?)
	`, txID, seq, ir.EngineVersion, len(changes)); err != nil {
		return fmt.Errorf("write transaction %s: %w", txID, err)
	}

	for _, c := range changes {
		if err := t.apply(ctx, c); err != nil {
			return err
		}
		if err := t.logChange(ctx, txID, c); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) apply(ctx context.Context, c ir.Change) error {
	var (
		res sql.Result
		err error
	)
	switch c.Op {
	case ir.OpInsert:
		attrs, mErr := ir.MarshalCanonical(c.After)
		if mErr != nil {
			return fmt.Errorf("marshal %s:%s: %w", c.Entity, c.RowID, mErr)
		}
		res, err = t.tx.ExecContext(ctx, `
			INSERT INTO rows (entity, id, attrs, version) VALUES (?, ?, ?, 1)
			ON CONFLICT (entity, id) DO NOTHING
		`, c.Entity, c.RowID, string(attrs))
	case ir.OpUpdate:
		attrs, mErr := ir.MarshalCanonical(c.After)
		if mErr != nil {
			return fmt.Errorf("marshal %s:%s: %w", c.Entity, c.RowID, mErr)
		}
		res, err = t.tx.ExecContext(ctx, `
			UPDATE rows SET attrs = ?, version = version + 1
			WHERE entity = ? AND id = ? AND version = ?
		`, string(attrs), c.Entity, c.RowID, c.BaseVersion)
	case ir.OpDelete:
		res, err = t.tx.ExecContext(ctx, `
			DELETE FROM rows WHERE entity = ? AND id = ? AND version = ?
		`, c.Entity, c.RowID, c.BaseVersion)
	default:
		return fmt.Errorf("unknown operation %q", c.Op)
	}
	if err != nil {
		return fmt.Errorf("%s %s:%s: %w", c.Op, c.Entity, c.RowID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s:%s: %w", c.Op, c.Entity, c.RowID, err)
	}
	if n == 0 {
		cause := fmt.Errorf("%s expected version %d", c.Op, c.BaseVersion)
		if c.Op == ir.OpInsert {
			cause = errors.New("row already exists")
		}
		return ir.NewConflict(c.Entity, c.RowID, cause)
	}
	return nil
}

func (t *sqlTx) logChange(ctx context.Context, txID string, c ir.Change) error {
	id, err := ir.ChangeID(txID, c)
	if err != nil {
		return err
	}
	before, err := marshalOptionalRow(c.Before)
	if err != nil {
		return err
	}
	after, err := marshalOptionalRow(c.After)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO changes (id, tx_id, seq, entity, row_id, op, before, after, origin, rule)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, txID, c.Seq, c.Entity, c.RowID, string(c.Op), before, after, string(c.Origin), nullString(c.Rule))
	if err != nil {
		return fmt.Errorf("log change %s:%s: %w", c.Entity, c.RowID, err)
	}
	return nil
}

// Commit commits the transaction.
func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.done = true
	return nil
}

// Rollback discards the transaction. No-op after Commit or Rollback.
func (t *sqlTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// fkExpr is the foreign key expression shared by childrenQuery and the
// relationship indexes. The path is a literal so SQLite can match the index.
func fkExpr(attr string) string {
	return fmt.Sprintf("json_extract(attrs, '%s')", strings.ReplaceAll(jsonPath(attr), "'", "''"))
}

func childrenQuery(fk string) string {
	return `SELECT id, attrs, version FROM rows
		WHERE entity = ? AND ` + fkExpr(fk) + ` = ?
		ORDER BY id COLLATE BINARY ASC`
}

// jsonPath quotes the attribute name so any key is addressable.
func jsonPath(attr string) string {
	quoted, _ := json.Marshal(attr)
	return "$." + string(quoted)
}

func decodeRecord(entity, id, attrs string, version int64) (ir.Record, error) {
	var row ir.Row
	if err := json.Unmarshal([]byte(attrs), &row); err != nil {
		return ir.Record{}, fmt.Errorf("decode %s:%s: %w", entity, id, err)
	}
	return ir.Record{Entity: entity, ID: id, Attrs: row, Version: version}, nil
}

func scanRecords(entity string, rows *sql.Rows) ([]ir.Record, error) {
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		var id, attrs string
		var version int64
		if err := rows.Scan(&id, &attrs, &version); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", entity, err)
		}
		rec, err := decodeRecord(entity, id, attrs, version)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", entity, err)
	}
	return records, nil
}

func marshalOptionalRow(r ir.Row) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := ir.MarshalCanonical(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal row: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

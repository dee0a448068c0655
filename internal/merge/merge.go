// Package merge implements the shared upsert primitive used by the
// dimension and fact builders.
//
// A batch of candidate rows is staged in memory, then reconciled against
// the target table in a single transaction: for each row, update by natural
// key if it exists, insert otherwise. The target's surrogate key column (if
// any) is never part of the update set, so surrogate assignments survive
// re-runs untouched.
//
// Race safety against overlapping runs comes from the store's write-lock
// discipline: the first write statement in the transaction takes SQLite's
// write lock, so a concurrent run blocks (bounded by busy_timeout) until
// this reconciliation commits. Two runs can therefore never both insert a
// row for the same unseen natural key.
package merge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Target describes one merge destination.
type Target struct {
	// Table is the target table name.
	Table string

	// KeyColumn is the natural key column the merge joins on.
	KeyColumn string

	// Columns are the non-key attribute columns, in the order row values
	// are supplied. The surrogate key column is deliberately absent.
	Columns []string
}

// Row is one staged candidate row. Values align with Target.Columns.
type Row struct {
	Key    any
	Values []any
}

// Result reports what a reconciliation did.
type Result struct {
	Inserted int
	Updated  int
}

// Apply reconciles a staged batch against the target inside one
// transaction. Applying the same batch twice yields the same final state:
// the second application updates every row in place and inserts nothing.
//
// Rows are processed in batch order; when a batch carries the same natural
// key twice, the later row wins.
func Apply(ctx context.Context, db *sql.DB, target Target, batch []Row) (Result, error) {
	var res Result
	if len(batch) == 0 {
		return res, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("merge %s: begin tx: %w", target.Table, err)
	}
	defer tx.Rollback() // No-op if committed

	updateStmt, err := tx.PrepareContext(ctx, updateSQL(target))
	if err != nil {
		return res, fmt.Errorf("merge %s: prepare update: %w", target.Table, err)
	}
	defer updateStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, insertSQL(target))
	if err != nil {
		return res, fmt.Errorf("merge %s: prepare insert: %w", target.Table, err)
	}
	defer insertStmt.Close()

	for _, row := range batch {
		if len(row.Values) != len(target.Columns) {
			return res, fmt.Errorf("merge %s: row for key %v has %d values, want %d",
				target.Table, row.Key, len(row.Values), len(target.Columns))
		}

		args := append(append([]any{}, row.Values...), row.Key)
		r, err := updateStmt.ExecContext(ctx, args...)
		if err != nil {
			return res, fmt.Errorf("merge %s: update key %v: %w", target.Table, row.Key, err)
		}
		affected, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("merge %s: rows affected: %w", target.Table, err)
		}
		if affected > 0 {
			res.Updated++
			continue
		}

		insArgs := append([]any{row.Key}, row.Values...)
		if _, err := insertStmt.ExecContext(ctx, insArgs...); err != nil {
			return res, fmt.Errorf("merge %s: insert key %v: %w", target.Table, row.Key, err)
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("merge %s: commit: %w", target.Table, err)
	}
	return res, nil
}

func updateSQL(t Target) string {
	sets := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		sets[i] = col + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		t.Table, strings.Join(sets, ", "), t.KeyColumn)
}

func insertSQL(t Target) string {
	cols := append([]string{t.KeyColumn}, t.Columns...)
	marks := strings.Repeat("?, ", len(cols))
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Table, strings.Join(cols, ", "), strings.TrimSuffix(marks, ", "))
}

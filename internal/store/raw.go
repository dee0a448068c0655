package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RawRecord is one semi-structured source record from the raw layer.
// Payload is the original JSON document text, untouched by the pipeline.
type RawRecord struct {
	NaturalID    string
	Payload      string
	RawUpdatedAt time.Time // zero when the source carried no timestamp
	IngestedAt   time.Time
}

// ErrNoRawTable is returned when none of a source's candidate tables exist.
type ErrNoRawTable struct {
	Source     string
	Candidates []string
}

func (e *ErrNoRawTable) Error() string {
	return fmt.Sprintf("no raw table for source %q: tried %v", e.Source, e.Candidates)
}

// ResolveRawTable returns the first existing table from candidates.
// Deployments differ on whether raw tables carry the raw_ prefix, so
// logical source names resolve through a candidate list in priority order.
func (s *Store) ResolveRawTable(ctx context.Context, source string, candidates []string) (string, error) {
	for _, name := range candidates {
		ok, err := s.TableExists(ctx, name)
		if err != nil {
			return "", err
		}
		if ok {
			return name, nil
		}
	}
	return "", &ErrNoRawTable{Source: source, Candidates: candidates}
}

// ReadRawSince returns raw records from table with ingested_at >= since,
// ordered by natural id. A zero since reads the entire backlog.
//
// The boundary is inclusive: records at exactly the watermark timestamp are
// re-read on the next run. Downstream merges are idempotent, so re-merging
// them is safe, while an exclusive boundary could drop records that shared
// the watermark instant with the last processed one.
func (s *Store) ReadRawSince(ctx context.Context, table string, since time.Time) ([]RawRecord, error) {
	query := fmt.Sprintf(
		"SELECT id, raw_payload, raw_updated_at, ingested_at FROM %s", table)
	args := []any{}
	if !since.IsZero() {
		query += " WHERE ingested_at >= ?"
		args = append(args, FormatTime(since).String)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read raw %s: %w", table, err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var rec RawRecord
		var rawUpdated, ingested sql.NullString
		if err := rows.Scan(&rec.NaturalID, &rec.Payload, &rawUpdated, &ingested); err != nil {
			return nil, fmt.Errorf("scan raw %s: %w", table, err)
		}
		rec.RawUpdatedAt = ParseTime(rawUpdated)
		rec.IngestedAt = ParseTime(ingested)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw %s: %w", table, err)
	}

	if out == nil {
		out = []RawRecord{}
	}
	return out, nil
}

// UpsertRawBatch writes a batch of records into a raw table in one
// transaction, each keyed by natural id. Same two-step protocol as
// UpsertRawRecord; a failure rolls back the whole batch.
func (s *Store) UpsertRawBatch(ctx context.Context, table string, recs []RawRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert raw %s: begin tx: %w", table, err)
	}
	defer tx.Rollback() // No-op if committed

	updateStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET raw_payload = ?, raw_updated_at = ?, ingested_at = ?
		WHERE id = ?
	`, table))
	if err != nil {
		return fmt.Errorf("upsert raw %s: prepare update: %w", table, err)
	}
	defer updateStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, raw_payload, raw_updated_at, ingested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			raw_payload = excluded.raw_payload,
			raw_updated_at = excluded.raw_updated_at,
			ingested_at = excluded.ingested_at
	`, table))
	if err != nil {
		return fmt.Errorf("upsert raw %s: prepare insert: %w", table, err)
	}
	defer insertStmt.Close()

	for _, rec := range recs {
		res, err := updateStmt.ExecContext(ctx,
			rec.Payload,
			FormatTime(rec.RawUpdatedAt),
			FormatTime(rec.IngestedAt),
			rec.NaturalID,
		)
		if err != nil {
			return fmt.Errorf("upsert raw %s: update %s: %w", table, rec.NaturalID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert raw %s: rows affected: %w", table, err)
		}
		if affected > 0 {
			continue
		}
		_, err = insertStmt.ExecContext(ctx,
			rec.NaturalID,
			rec.Payload,
			FormatTime(rec.RawUpdatedAt),
			FormatTime(rec.IngestedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert raw %s: insert %s: %w", table, rec.NaturalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert raw %s: commit: %w", table, err)
	}
	return nil
}

// UpsertRawRecord writes one record into a raw table, keyed by natural id.
// Update-then-insert keeps the two-step protocol explicit; within the single
// writer connection a concurrent loader cannot slip an insert between the
// two statements.
func (s *Store) UpsertRawRecord(ctx context.Context, table string, rec RawRecord) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET raw_payload = ?, raw_updated_at = ?, ingested_at = ?
		WHERE id = ?
	`, table),
		rec.Payload,
		FormatTime(rec.RawUpdatedAt),
		FormatTime(rec.IngestedAt),
		rec.NaturalID,
	)
	if err != nil {
		return fmt.Errorf("upsert raw %s: update: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert raw %s: rows affected: %w", table, err)
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, raw_payload, raw_updated_at, ingested_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			raw_payload = excluded.raw_payload,
			raw_updated_at = excluded.raw_updated_at,
			ingested_at = excluded.ingested_at
	`, table),
		rec.NaturalID,
		rec.Payload,
		FormatTime(rec.RawUpdatedAt),
		FormatTime(rec.IngestedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert raw %s: insert: %w", table, err)
	}
	return nil
}

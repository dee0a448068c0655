package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReadWatermark returns the last processed timestamp for a logical source.
// Returns the zero time when no watermark row exists (full backlog).
func (s *Store) ReadWatermark(ctx context.Context, source string) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT last_processed_at FROM watermark WHERE source_name = ?
	`, source).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark %q: %w", source, err)
	}
	return ParseTime(last), nil
}

// AdvanceWatermark upserts the watermark for a source.
//
// Monotonicity is the caller's contract, not enforced here: callers pass the
// maximum ingested_at actually observed and successfully merged in the
// current run, which by construction is >= any prior value for the source.
func (s *Store) AdvanceWatermark(ctx context.Context, source string, to time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermark (source_name, last_processed_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_name) DO UPDATE SET
			last_processed_at = excluded.last_processed_at,
			updated_at = excluded.updated_at
	`,
		source,
		FormatTime(to),
		FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("advance watermark %q: %w", source, err)
	}
	return nil
}

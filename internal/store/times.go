package store

import (
	"database/sql"
	"time"
)

// Timestamps are stored as fixed-width RFC 3339 UTC text so that lexical
// comparison in SQL matches chronological comparison in Go. Fractional
// seconds are always padded to nine digits; the trimmed RFC3339Nano form is
// variable width, and "." sorts before "Z", so a trimmed value can sort
// after a longer one from the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders a timestamp for storage. The zero time maps to NULL.
func FormatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// NullIfEmpty maps "" to SQL NULL for optional text columns.
func NullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ParseTime reads a stored timestamp. NULL and unparseable values map to
// the zero time. RFC3339Nano accepts the padded layout as well as values
// written before padding, with or without a fraction.
func ParseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

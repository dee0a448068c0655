package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestResolveRawTable_PicksFirstExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	table, err := s.ResolveRawTable(ctx, "users", []string{"canvas_users", "raw_canvas_users"})
	if err != nil {
		t.Fatalf("ResolveRawTable() failed: %v", err)
	}
	if table != "raw_canvas_users" {
		t.Errorf("resolved table = %q, want raw_canvas_users", table)
	}
}

func TestResolveRawTable_NoCandidateExists(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.ResolveRawTable(ctx, "users", []string{"nope_a", "nope_b"})
	if err == nil {
		t.Fatal("ResolveRawTable() succeeded, want error")
	}
	var noTable *ErrNoRawTable
	if !errors.As(err, &noTable) {
		t.Fatalf("error type = %T, want *ErrNoRawTable", err)
	}
	if noTable.Source != "users" {
		t.Errorf("Source = %q, want users", noTable.Source)
	}
}

func TestUpsertRawRecord_InsertThenUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t1 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	rec := RawRecord{
		NaturalID:  "42",
		Payload:    `{"id": 42, "email": "a@x.com"}`,
		IngestedAt: t1,
	}
	if err := s.UpsertRawRecord(ctx, "raw_canvas_users", rec); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// Second write for the same id replaces the payload, not adds a row.
	rec.Payload = `{"id": 42, "email": "b@x.com"}`
	rec.IngestedAt = t1.Add(time.Hour)
	if err := s.UpsertRawRecord(ctx, "raw_canvas_users", rec); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM raw_canvas_users").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}

	var payload string
	if err := s.db.QueryRow("SELECT raw_payload FROM raw_canvas_users WHERE id = '42'").Scan(&payload); err != nil {
		t.Fatalf("payload query failed: %v", err)
	}
	if payload != `{"id": 42, "email": "b@x.com"}` {
		t.Errorf("payload = %q, want second write's payload", payload)
	}
}

func TestUpsertRawBatch_MixedInsertAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	first := []RawRecord{
		{NaturalID: "1", Payload: `{"v": 1}`, IngestedAt: now},
		{NaturalID: "2", Payload: `{"v": 1}`, IngestedAt: now},
	}
	if err := s.UpsertRawBatch(ctx, "raw_canvas_users", first); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}

	second := []RawRecord{
		{NaturalID: "2", Payload: `{"v": 2}`, IngestedAt: now.Add(time.Hour)},
		{NaturalID: "3", Payload: `{"v": 2}`, IngestedAt: now.Add(time.Hour)},
	}
	if err := s.UpsertRawBatch(ctx, "raw_canvas_users", second); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM raw_canvas_users").Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 3 {
		t.Errorf("row count = %d, want 3", count)
	}

	var payload string
	if err := s.db.QueryRow("SELECT raw_payload FROM raw_canvas_users WHERE id = '2'").Scan(&payload); err != nil {
		t.Fatalf("payload query failed: %v", err)
	}
	if payload != `{"v": 2}` {
		t.Errorf("payload = %q, want second batch's payload", payload)
	}
}

func TestReadRawSince_InclusiveBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	records := []RawRecord{
		{NaturalID: "1", Payload: "{}", IngestedAt: base},
		{NaturalID: "2", Payload: "{}", IngestedAt: base.Add(time.Minute)},
		{NaturalID: "3", Payload: "{}", IngestedAt: base.Add(2 * time.Minute)},
	}
	for _, rec := range records {
		if err := s.UpsertRawRecord(ctx, "raw_canvas_courses", rec); err != nil {
			t.Fatalf("upsert %s failed: %v", rec.NaturalID, err)
		}
	}

	// A record at exactly the boundary timestamp must be included.
	got, err := s.ReadRawSince(ctx, "raw_canvas_courses", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2 (inclusive boundary)", len(got))
	}
	if got[0].NaturalID != "2" || got[1].NaturalID != "3" {
		t.Errorf("ids = %s, %s, want 2, 3", got[0].NaturalID, got[1].NaturalID)
	}
}

func TestReadRawSince_FractionalSecondAfterWholeSecondBoundary(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A record half a second after a whole-second boundary must be read.
	// The stored text is fixed width, so "00.500000000Z" sorts after
	// "00.000000000Z"; the trimmed layout would have sorted ".5Z" before
	// "Z" and dropped the record.
	boundary := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := RawRecord{
		NaturalID:  "1",
		Payload:    "{}",
		IngestedAt: boundary.Add(500 * time.Millisecond),
	}
	if err := s.UpsertRawRecord(ctx, "raw_canvas_courses", rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.ReadRawSince(ctx, "raw_canvas_courses", boundary)
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (record after boundary must be read)", len(got))
	}

	// And the mirror case: a watermark with more fractional digits than a
	// later record in the same second.
	later := RawRecord{
		NaturalID:  "2",
		Payload:    "{}",
		IngestedAt: boundary.Add(500*time.Millisecond + 400*time.Microsecond),
	}
	if err := s.UpsertRawRecord(ctx, "raw_canvas_courses", later); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, err = s.ReadRawSince(ctx, "raw_canvas_courses", boundary.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
}

func TestReadRawSince_ZeroTimeReadsAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"10", "11"} {
		rec := RawRecord{NaturalID: id, Payload: "{}", IngestedAt: base}
		if err := s.UpsertRawRecord(ctx, "raw_canvas_submissions", rec); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	got, err := s.ReadRawSince(ctx, "raw_canvas_submissions", time.Time{})
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d records, want 2", len(got))
	}
}

func TestReadRawSince_EmptyTable(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ReadRawSince(context.Background(), "raw_canvas_users", time.Time{})
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if got == nil {
		t.Error("got nil slice, want empty non-nil")
	}
	if len(got) != 0 {
		t.Errorf("got %d records, want 0", len(got))
	}
}

func TestReadRawSince_RoundTripsTimestamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	updated := time.Date(2026, 3, 5, 9, 30, 0, 123456789, time.UTC)
	ingested := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	rec := RawRecord{
		NaturalID:    "7",
		Payload:      "{}",
		RawUpdatedAt: updated,
		IngestedAt:   ingested,
	}
	if err := s.UpsertRawRecord(ctx, "raw_canvas_users", rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.ReadRawSince(ctx, "raw_canvas_users", time.Time{})
	if err != nil {
		t.Fatalf("ReadRawSince() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if !got[0].RawUpdatedAt.Equal(updated) {
		t.Errorf("RawUpdatedAt = %v, want %v (nanoseconds preserved)", got[0].RawUpdatedAt, updated)
	}
	if !got[0].IngestedAt.Equal(ingested) {
		t.Errorf("IngestedAt = %v, want %v", got[0].IngestedAt, ingested)
	}
}

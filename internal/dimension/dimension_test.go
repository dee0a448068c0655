package dimension

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luyangsi/canvas-pipeline/internal/identity"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

func setupDimStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestBuildStudents_AssignsAndKeepsSurrogateKeys(t *testing.T) {
	st := setupDimStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	entries := []identity.Entry{
		{CanvasUserID: 4, EmailNormalized: "a@x.com", MatchMethod: identity.MatchMethodEmailExact, MatchConfidence: 100},
		{CanvasUserID: 9, EmailNormalized: "b@x.com", MatchMethod: identity.MatchMethodEmailExact, MatchConfidence: 100},
	}

	res, err := BuildStudents(ctx, st, entries, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	before, err := StudentKeyMap(ctx, st)
	require.NoError(t, err)
	require.Len(t, before, 2)

	// Re-run with updated attributes; person_key assignments must not move.
	entries[0].EmailNormalized = "a.new@x.com"
	res, err = BuildStudents(ctx, st, entries, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Updated)

	after, err := StudentKeyMap(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, before, after, "surrogate keys changed on re-run")

	var email string
	err = st.DB().QueryRow("SELECT email_normalized FROM dim_student WHERE canvas_user_id = 4").Scan(&email)
	require.NoError(t, err)
	assert.Equal(t, "a.new@x.com", email)
}

func TestBuildStudents_AbsentEntriesLeftUntouched(t *testing.T) {
	st := setupDimStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := BuildStudents(ctx, st, []identity.Entry{
		{CanvasUserID: 1, EmailNormalized: "a@x.com", MatchMethod: identity.MatchMethodEmailExact, MatchConfidence: 100},
		{CanvasUserID: 2, EmailNormalized: "b@x.com", MatchMethod: identity.MatchMethodEmailExact, MatchConfidence: 100},
	}, now)
	require.NoError(t, err)

	// Next refresh no longer contains user 2; the dimension row stays.
	_, err = BuildStudents(ctx, st, []identity.Entry{
		{CanvasUserID: 1, EmailNormalized: "a@x.com", MatchMethod: identity.MatchMethodEmailExact, MatchConfidence: 100},
	}, now.Add(time.Hour))
	require.NoError(t, err)

	keys, err := StudentKeyMap(ctx, st)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "soft-stale rows must not be deleted")
}

func rawCourse(id, payload string, ingested time.Time) store.RawRecord {
	return store.RawRecord{NaturalID: id, Payload: payload, IngestedAt: ingested}
}

func TestParseCourses_FullPayload(t *testing.T) {
	ingested := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 4, 2, 11, 0, 0, 0, time.UTC)

	batch := ParseCourses([]store.RawRecord{
		rawCourse("301", `{
			"id": 301,
			"name": "Intro Biology",
			"course_code": "BIO-101",
			"workflow_state": "available",
			"start_at": "2026-01-15T00:00:00Z",
			"end_at": "2026-05-15T00:00:00Z",
			"term": {"name": "Spring 2026"},
			"sis_course_id": "SIS-301",
			"account_id": 12
		}`, ingested),
	}, now)

	require.Len(t, batch.Rows, 1)
	assert.Equal(t, 0, batch.SkippedParse)
	assert.True(t, batch.MaxIngested.Equal(ingested))

	row := batch.Rows[0]
	assert.Equal(t, int64(301), row.Key)
	require.Len(t, row.Values, len(CourseTarget.Columns))

	assert.Equal(t, sql.NullString{String: "Intro Biology", Valid: true}, row.Values[0])
	assert.Equal(t, sql.NullString{String: "BIO-101", Valid: true}, row.Values[1])
	assert.Equal(t, sql.NullString{String: "available", Valid: true}, row.Values[2])
	assert.Equal(t, sql.NullString{String: "Spring 2026", Valid: true}, row.Values[5])
	assert.Equal(t, sql.NullString{String: "SIS-301", Valid: true}, row.Values[6])
	assert.Equal(t, sql.NullInt64{Int64: 12, Valid: true}, row.Values[7])
}

func TestParseCourses_SparsePayloadGetsNulls(t *testing.T) {
	batch := ParseCourses([]store.RawRecord{
		rawCourse("302", `{"id": 302, "name": "Minimal"}`, time.Now()),
	}, time.Now())

	require.Len(t, batch.Rows, 1)
	row := batch.Rows[0]
	assert.Equal(t, sql.NullString{}, row.Values[1], "course_code absent")
	assert.Equal(t, sql.NullString{}, row.Values[5], "term_name absent")
	assert.Equal(t, sql.NullInt64{}, row.Values[7], "account_id absent")
}

func TestParseCourses_SkipsMalformed(t *testing.T) {
	ingestedGood := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	ingestedBad := ingestedGood.Add(time.Hour)

	batch := ParseCourses([]store.RawRecord{
		rawCourse("301", `{"name": "OK"}`, ingestedGood),
		rawCourse("bad-id", `{"name": "bad id"}`, ingestedBad),
		rawCourse("303", `{{{`, ingestedBad),
		rawCourse("304", `[1, 2]`, ingestedBad),
	}, time.Now())

	assert.Len(t, batch.Rows, 1)
	assert.Equal(t, 3, batch.SkippedParse)
	// Skipped records do not advance the batch high-water mark.
	assert.True(t, batch.MaxIngested.Equal(ingestedGood),
		"MaxIngested = %v, want %v", batch.MaxIngested, ingestedGood)
	assert.True(t, batch.MinSkipped.Equal(ingestedBad),
		"MinSkipped = %v, want %v", batch.MinSkipped, ingestedBad)
}

func TestParseCourses_MinSkippedBelowParsedRows(t *testing.T) {
	ingestedBad := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	ingestedGood := ingestedBad.Add(time.Hour)

	// The malformed record predates the parsed one. MinSkipped marks it so
	// the caller does not advance its watermark past it.
	batch := ParseCourses([]store.RawRecord{
		rawCourse("301", `{{{`, ingestedBad),
		rawCourse("302", `{"name": "OK"}`, ingestedGood),
	}, time.Now())

	assert.Len(t, batch.Rows, 1)
	assert.True(t, batch.MaxIngested.Equal(ingestedGood))
	assert.True(t, batch.MinSkipped.Equal(ingestedBad))
}

func TestBuildCourses_RoundTrip(t *testing.T) {
	st := setupDimStore(t)
	ctx := context.Background()

	batch := ParseCourses([]store.RawRecord{
		rawCourse("301", `{"name": "Biology", "course_code": "BIO-101"}`, time.Now()),
	}, time.Now())
	res, err := BuildCourses(ctx, st, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	keys, err := CourseKeyMap(ctx, st)
	require.NoError(t, err)
	require.Contains(t, keys, int64(301))
}

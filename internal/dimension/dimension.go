// Package dimension maintains the surrogate-keyed student and course
// dimensions.
//
// Both dimensions share one shape: rows are upserted by natural key through
// the merge engine, surrogate keys are assigned once on insert and never
// touched again, and a natural-key to surrogate-key map is exposed for
// downstream foreign-key resolution.
//
// The two instances differ in their source: the student dimension is a full
// refresh from the identity map every run, while the course dimension reads
// raw course documents incrementally from the watermark. That asymmetry is
// deliberate and preserved.
package dimension

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/identity"
	"github.com/luyangsi/canvas-pipeline/internal/merge"
	"github.com/luyangsi/canvas-pipeline/internal/rawdoc"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// StudentTarget is the merge destination for dim_student. The surrogate
// person_key is absent from Columns so it is never updated.
var StudentTarget = merge.Target{
	Table:     "dim_student",
	KeyColumn: "canvas_user_id",
	Columns:   []string{"email_normalized", "match_method", "match_confidence", "updated_at"},
}

// CourseTarget is the merge destination for dim_course.
var CourseTarget = merge.Target{
	Table:     "dim_course",
	KeyColumn: "canvas_course_id",
	Columns: []string{
		"name", "course_code", "workflow_state", "start_at", "end_at",
		"term_name", "sis_course_id", "account_id", "raw_updated_at", "updated_at",
	},
}

// BuildStudents upserts every identity map entry into dim_student.
// Full refresh: rows absent from the new identity map are left untouched
// (soft-stale), never deleted.
func BuildStudents(ctx context.Context, st *store.Store, entries []identity.Entry, now time.Time) (merge.Result, error) {
	batch := make([]merge.Row, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, merge.Row{
			Key: e.CanvasUserID,
			Values: []any{
				e.EmailNormalized,
				e.MatchMethod,
				float64(e.MatchConfidence),
				store.FormatTime(now),
			},
		})
	}

	res, err := merge.Apply(ctx, st.DB(), StudentTarget, batch)
	if err != nil {
		return res, fmt.Errorf("build dim_student: %w", err)
	}
	return res, nil
}

// CourseBatch is the outcome of parsing raw course records.
type CourseBatch struct {
	Rows         []merge.Row
	SkippedParse int       // malformed payload or non-numeric natural id
	MaxIngested  time.Time // max ingested_at over parsed rows
	MinSkipped   time.Time // min ingested_at over parse-skipped rows
}

// ParseCourses converts raw course records into a merge batch. Records with
// malformed payloads are skipped and counted; batch order is raw read
// order. MinSkipped caps the caller's watermark advance so a skipped
// record stays inside the next incremental window until fixed or
// superseded.
func ParseCourses(records []store.RawRecord, now time.Time) CourseBatch {
	var batch CourseBatch
	for _, rec := range records {
		row, ok := parseCourse(rec, now)
		if !ok {
			batch.SkippedParse++
			if !rec.IngestedAt.IsZero() &&
				(batch.MinSkipped.IsZero() || rec.IngestedAt.Before(batch.MinSkipped)) {
				batch.MinSkipped = rec.IngestedAt
			}
			continue
		}
		batch.Rows = append(batch.Rows, row)
		if rec.IngestedAt.After(batch.MaxIngested) {
			batch.MaxIngested = rec.IngestedAt
		}
	}
	return batch
}

func parseCourse(rec store.RawRecord, now time.Time) (merge.Row, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(rec.NaturalID), 10, 64)
	if err != nil {
		return merge.Row{}, false
	}

	doc, err := rawdoc.Decode([]byte(rec.Payload))
	if err != nil {
		return merge.Row{}, false
	}
	obj, ok := doc.(*rawdoc.Object)
	if !ok {
		return merge.Row{}, false
	}

	name, _ := rawdoc.StringField(obj, "name")
	code, _ := rawdoc.StringField(obj, "course_code")
	state, _ := rawdoc.StringField(obj, "workflow_state")
	sisID, _ := rawdoc.StringField(obj, "sis_course_id")
	startAt, _ := rawdoc.TimeField(obj, "start_at")
	endAt, _ := rawdoc.TimeField(obj, "end_at")
	accountID := nullInt(rawdoc.IntField(obj, "account_id"))

	// term_name lives one level down: {"term": {"name": ...}}
	var termName string
	if term, ok := obj.Get("term").(*rawdoc.Object); ok {
		termName, _ = rawdoc.StringField(term, "name")
	}

	return merge.Row{
		Key: id,
		Values: []any{
			store.NullIfEmpty(name),
			store.NullIfEmpty(code),
			store.NullIfEmpty(state),
			store.FormatTime(startAt),
			store.FormatTime(endAt),
			store.NullIfEmpty(termName),
			store.NullIfEmpty(sisID),
			accountID,
			store.FormatTime(rec.RawUpdatedAt),
			store.FormatTime(now),
		},
	}, true
}

// BuildCourses merges a parsed course batch into dim_course.
func BuildCourses(ctx context.Context, st *store.Store, batch CourseBatch) (merge.Result, error) {
	res, err := merge.Apply(ctx, st.DB(), CourseTarget, batch.Rows)
	if err != nil {
		return res, fmt.Errorf("build dim_course: %w", err)
	}
	return res, nil
}

// StudentKeyMap returns canvas_user_id -> person_key for the whole
// dimension.
func StudentKeyMap(ctx context.Context, st *store.Store) (map[int64]int64, error) {
	return keyMap(ctx, st, "dim_student", "canvas_user_id", "person_key")
}

// CourseKeyMap returns canvas_course_id -> course_key for the whole
// dimension.
func CourseKeyMap(ctx context.Context, st *store.Store) (map[int64]int64, error) {
	return keyMap(ctx, st, "dim_course", "canvas_course_id", "course_key")
}

func keyMap(ctx context.Context, st *store.Store, table, naturalCol, surrogateCol string) (map[int64]int64, error) {
	rows, err := st.Query(ctx, fmt.Sprintf(
		"SELECT %s, %s FROM %s", naturalCol, surrogateCol, table))
	if err != nil {
		return nil, fmt.Errorf("key map %s: %w", table, err)
	}
	defer rows.Close()

	m := make(map[int64]int64)
	for rows.Next() {
		var natural, surrogate int64
		if err := rows.Scan(&natural, &surrogate); err != nil {
			return nil, fmt.Errorf("key map %s: scan: %w", table, err)
		}
		m[natural] = surrogate
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("key map %s: iterate: %w", table, err)
	}
	return m, nil
}

func nullInt(n int64, ok bool) sql.NullInt64 {
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

// Package fact builds the submission fact from raw submission records.
//
// Fact rows are keyed by the source submission id - leaf-level records
// carry no surrogate key of their own. Dimension references are resolved
// through the student and course key maps; an unresolvable reference
// produces a row with a NULL surrogate key (an orphan), counted for the DQ
// layer but never dropped.
package fact

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/merge"
	"github.com/luyangsi/canvas-pipeline/internal/rawdoc"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// SubmissionTarget is the merge destination for fact_submission.
var SubmissionTarget = merge.Target{
	Table:     "fact_submission",
	KeyColumn: "canvas_submission_id",
	Columns: []string{
		"person_key", "course_key",
		"canvas_user_id", "canvas_course_id", "assignment_id",
		"submitted_at", "graded_at", "score", "attempt",
		"late_flag", "missing_flag", "due_at", "on_time_flag",
		"workflow_state", "raw_updated_at", "updated_at",
	},
}

// Batch is the outcome of parsing raw submission records.
type Batch struct {
	Rows []merge.Row

	SkippedParse     int // malformed payload or non-numeric natural id
	UnresolvedPerson int // user reference present but not in dim_student
	UnresolvedCourse int // course reference present but not in dim_course

	MaxIngested time.Time // max ingested_at over parsed rows
	MinSkipped  time.Time // min ingested_at over parse-skipped rows
}

// Parse converts raw submission records into a merge batch, resolving
// dimension keys through the supplied maps. Rows with unresolvable
// references are still emitted, with NULL surrogate keys. MinSkipped caps
// the caller's watermark advance so parse-skipped records are re-read on
// the next run.
func Parse(records []store.RawRecord, studentKeys, courseKeys map[int64]int64, now time.Time) Batch {
	var batch Batch
	for _, rec := range records {
		row, ok := parseSubmission(rec, studentKeys, courseKeys, now, &batch)
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

func parseSubmission(rec store.RawRecord, studentKeys, courseKeys map[int64]int64, now time.Time, batch *Batch) (merge.Row, bool) {
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

	userID := nullInt(rawdoc.IntField(obj, "user_id"))
	courseID := nullInt(rawdoc.IntField(obj, "course_id"))
	assignmentID := nullInt(rawdoc.IntField(obj, "assignment_id"))

	// Resolve foreign keys. A present-but-unresolvable reference is an
	// orphan: the row keeps a NULL surrogate key and the skip is counted.
	var personKey, courseKey sql.NullInt64
	if userID.Valid {
		if k, ok := studentKeys[userID.Int64]; ok {
			personKey = sql.NullInt64{Int64: k, Valid: true}
		} else {
			batch.UnresolvedPerson++
		}
	}
	if courseID.Valid {
		if k, ok := courseKeys[courseID.Int64]; ok {
			courseKey = sql.NullInt64{Int64: k, Valid: true}
		} else {
			batch.UnresolvedCourse++
		}
	}

	submittedAt, hasSubmitted := rawdoc.TimeField(obj, "submitted_at")
	gradedAt, _ := rawdoc.TimeField(obj, "graded_at")
	dueAt, hasDue := rawdoc.TimeField(obj, "due_at")
	score := nullFloat(rawdoc.FloatField(obj, "score"))
	attempt := nullInt(rawdoc.IntField(obj, "attempt"))
	workflowState, _ := rawdoc.StringField(obj, "workflow_state")

	late := triState(obj, "late")
	missing := triState(obj, "missing")
	onTime := deriveOnTime(dueAt, hasDue, submittedAt, hasSubmitted, late, missing)

	return merge.Row{
		Key: id,
		Values: []any{
			personKey,
			courseKey,
			userID,
			courseID,
			assignmentID,
			store.FormatTime(submittedAt),
			store.FormatTime(gradedAt),
			score,
			attempt,
			late,
			missing,
			store.FormatTime(dueAt),
			onTime,
			store.NullIfEmpty(workflowState),
			store.FormatTime(rec.RawUpdatedAt),
			store.FormatTime(now),
		},
	}, true
}

// Build merges a parsed submission batch into fact_submission.
func Build(ctx context.Context, st *store.Store, batch Batch) (merge.Result, error) {
	res, err := merge.Apply(ctx, st.DB(), SubmissionTarget, batch.Rows)
	if err != nil {
		return res, fmt.Errorf("build fact_submission: %w", err)
	}
	return res, nil
}

// deriveOnTime computes the three-state on-time flag:
//
//	both due and submitted present -> submitted <= due
//	otherwise, late or missing explicitly true -> false
//	otherwise -> unknown (NULL)
func deriveOnTime(dueAt time.Time, hasDue bool, submittedAt time.Time, hasSubmitted bool, late, missing sql.NullBool) sql.NullBool {
	if hasDue && hasSubmitted {
		return sql.NullBool{Bool: !submittedAt.After(dueAt), Valid: true}
	}
	if (late.Valid && late.Bool) || (missing.Valid && missing.Bool) {
		return sql.NullBool{Bool: false, Valid: true}
	}
	return sql.NullBool{}
}

// triState coerces a boolean-like payload field to true/false/unknown.
// Absent or non-boolean values stay unknown rather than defaulting to
// false.
func triState(obj *rawdoc.Object, key string) sql.NullBool {
	b, ok := rawdoc.BoolField(obj, key)
	if !ok {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: b, Valid: true}
}

func nullInt(n int64, ok bool) sql.NullInt64 {
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullFloat(f float64, ok bool) sql.NullFloat64 {
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

// Package pipeline orchestrates the incremental dimensional build.
//
// One run is a sequential sweep: identity resolution, student dimension
// merge, course dimension merge, submission fact merge, watermark advance.
// Each merge is its own transactional boundary; a later phase failing does
// not roll back earlier commits - it only leaves the failed phase's
// watermark unadvanced, so the next run reprocesses the same incremental
// window. All merges are idempotent, which makes that re-run safe.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/config"
	"github.com/luyangsi/canvas-pipeline/internal/dimension"
	"github.com/luyangsi/canvas-pipeline/internal/fact"
	"github.com/luyangsi/canvas-pipeline/internal/identity"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// Watermark source names for the curated build targets. Tracked
// independently from the raw loader's per-source watermarks.
const (
	SourceDimCourse      = "dim_course"
	SourceFactSubmission = "fact_submission"
)

// JobName identifies build runs in job_run.
const JobName = "build_curated"

// RunResult summarizes one pipeline run.
type RunResult struct {
	RunID string

	RowsRead    int64
	RowsWritten int64

	IdentityEntries int
	DuplicateFlags  int

	SkippedParse            int64
	SkippedUnresolvedPerson int64
	SkippedUnresolvedCourse int64

	Duration time.Duration
}

// Run executes the full pipeline against the store. A non-zero
// sinceOverride replaces the stored watermarks for both incremental reads;
// the zero time means "use the watermarks".
//
// Run records its own execution metadata in job_run. On failure the run is
// marked failed with whatever counts accumulated before the error, and the
// error is propagated.
func Run(ctx context.Context, st *store.Store, cfg config.Config, sinceOverride time.Time) (RunResult, error) {
	started := time.Now()

	runID, err := st.BeginJobRun(ctx, JobName)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: %w", err)
	}

	res := RunResult{RunID: runID}
	if err := run(ctx, st, cfg, sinceOverride, &res); err != nil {
		res.Duration = time.Since(started)
		if finishErr := st.FinishJobRun(ctx, runID, store.JobFailed, jobCounts(res), err.Error()); finishErr != nil {
			slog.Error("failed to record failed run", "run_id", runID, "error", finishErr)
		}
		return res, fmt.Errorf("pipeline run %s: %w", runID, err)
	}

	res.Duration = time.Since(started)
	if err := st.FinishJobRun(ctx, runID, store.JobSuccess, jobCounts(res), ""); err != nil {
		return res, fmt.Errorf("pipeline run %s: record success: %w", runID, err)
	}
	return res, nil
}

func run(ctx context.Context, st *store.Store, cfg config.Config, sinceOverride time.Time, res *RunResult) error {
	now := time.Now()

	// Phase 1: identity resolution (full refresh over all raw users).
	usersTable, err := st.ResolveRawTable(ctx, "users", cfg.Sources.Users)
	if err != nil {
		return err
	}
	users, err := st.ReadRawSince(ctx, usersTable, time.Time{})
	if err != nil {
		return err
	}
	res.RowsRead += int64(len(users))

	resolved := identity.Resolve(users, cfg.EmailKeys)
	if err := identity.Refresh(ctx, st, resolved); err != nil {
		return err
	}
	res.IdentityEntries = len(resolved.Entries)
	res.DuplicateFlags = len(resolved.Duplicates)
	res.SkippedParse += int64(resolved.SkippedBadID)
	slog.Info("identity resolved",
		"records", resolved.RecordsRead,
		"entries", len(resolved.Entries),
		"duplicates", len(resolved.Duplicates),
		"no_email", resolved.SkippedNoEmail)

	// Phase 2: student dimension (full refresh from the identity map).
	studentRes, err := dimension.BuildStudents(ctx, st, resolved.Entries, now)
	if err != nil {
		return err
	}
	res.RowsWritten += int64(studentRes.Inserted + studentRes.Updated)
	slog.Info("dim_student merged", "inserted", studentRes.Inserted, "updated", studentRes.Updated)

	// Phase 3: course dimension (incremental from watermark).
	courseSince, err := effectiveSince(ctx, st, SourceDimCourse, sinceOverride)
	if err != nil {
		return err
	}
	coursesTable, err := st.ResolveRawTable(ctx, "courses", cfg.Sources.Courses)
	if err != nil {
		return err
	}
	courses, err := st.ReadRawSince(ctx, coursesTable, courseSince)
	if err != nil {
		return err
	}
	res.RowsRead += int64(len(courses))

	courseBatch := dimension.ParseCourses(courses, now)
	res.SkippedParse += int64(courseBatch.SkippedParse)
	courseRes, err := dimension.BuildCourses(ctx, st, courseBatch)
	if err != nil {
		return err
	}
	res.RowsWritten += int64(courseRes.Inserted + courseRes.Updated)
	slog.Info("dim_course merged",
		"read", len(courses),
		"inserted", courseRes.Inserted,
		"updated", courseRes.Updated,
		"skipped_parse", courseBatch.SkippedParse)

	// Advance only after the course merge committed, and only to what this
	// run actually merged.
	if mark := watermarkTarget(courseBatch.MaxIngested, courseBatch.MinSkipped); !mark.IsZero() {
		if err := st.AdvanceWatermark(ctx, SourceDimCourse, mark); err != nil {
			return err
		}
	}

	// Phase 4: submission fact. Needs both key maps; loaded after the
	// dimension merges so freshly inserted surrogate keys resolve.
	studentKeys, err := dimension.StudentKeyMap(ctx, st)
	if err != nil {
		return err
	}
	courseKeys, err := dimension.CourseKeyMap(ctx, st)
	if err != nil {
		return err
	}

	factSince, err := effectiveSince(ctx, st, SourceFactSubmission, sinceOverride)
	if err != nil {
		return err
	}
	subsTable, err := st.ResolveRawTable(ctx, "submissions", cfg.Sources.Submissions)
	if err != nil {
		return err
	}
	subs, err := st.ReadRawSince(ctx, subsTable, factSince)
	if err != nil {
		return err
	}
	res.RowsRead += int64(len(subs))

	factBatch := fact.Parse(subs, studentKeys, courseKeys, now)
	res.SkippedParse += int64(factBatch.SkippedParse)
	res.SkippedUnresolvedPerson += int64(factBatch.UnresolvedPerson)
	res.SkippedUnresolvedCourse += int64(factBatch.UnresolvedCourse)

	factRes, err := fact.Build(ctx, st, factBatch)
	if err != nil {
		return err
	}
	res.RowsWritten += int64(factRes.Inserted + factRes.Updated)
	slog.Info("fact_submission merged",
		"read", len(subs),
		"inserted", factRes.Inserted,
		"updated", factRes.Updated,
		"unresolved_person", factBatch.UnresolvedPerson,
		"unresolved_course", factBatch.UnresolvedCourse)

	if mark := watermarkTarget(factBatch.MaxIngested, factBatch.MinSkipped); !mark.IsZero() {
		if err := st.AdvanceWatermark(ctx, SourceFactSubmission, mark); err != nil {
			return err
		}
	}

	return nil
}

// watermarkTarget caps the advance at the earliest parse-skipped record.
// The read boundary is inclusive, so advancing to the skipped record's own
// ingested_at keeps it in the next window until it is fixed or superseded.
func watermarkTarget(maxIngested, minSkipped time.Time) time.Time {
	if !minSkipped.IsZero() && minSkipped.Before(maxIngested) {
		return minSkipped
	}
	return maxIngested
}

// effectiveSince picks the incremental lower bound for a source: the
// override when given, else the stored watermark.
func effectiveSince(ctx context.Context, st *store.Store, source string, override time.Time) (time.Time, error) {
	if !override.IsZero() {
		return override, nil
	}
	return st.ReadWatermark(ctx, source)
}

func jobCounts(res RunResult) store.JobRun {
	return store.JobRun{
		RecordsRead:    res.RowsRead,
		RecordsWritten: res.RowsWritten,
		SkippedPerson:  res.SkippedUnresolvedPerson,
		SkippedCourse:  res.SkippedUnresolvedCourse,
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job run statuses.
const (
	JobRunning = "running"
	JobSuccess = "success"
	JobFailed  = "failed"
)

// JobRun is the persisted execution metadata for one pipeline invocation.
// A failed run keeps whatever counts were accumulated before the failure,
// so partial progress is diagnosable without re-running.
type JobRun struct {
	RunID          string
	JobName        string
	StartTime      time.Time
	EndTime        time.Time
	Status         string
	RecordsRead    int64
	RecordsWritten int64
	SkippedPerson  int64
	SkippedCourse  int64
	ErrorMessage   string
}

// BeginJobRun inserts a running job_run row and returns its id.
// Run ids are UUIDv7 so they sort by start time.
func (s *Store) BeginJobRun(ctx context.Context, jobName string) (string, error) {
	runID := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_run (run_id, job_name, start_time, status)
		VALUES (?, ?, ?, ?)
	`,
		runID,
		jobName,
		FormatTime(time.Now()),
		JobRunning,
	)
	if err != nil {
		return "", fmt.Errorf("begin job run %q: %w", jobName, err)
	}
	return runID, nil
}

// FinishJobRun marks a run as finished and records its counters.
// status must be JobSuccess or JobFailed; errMsg is empty on success.
func (s *Store) FinishJobRun(ctx context.Context, runID, status string, run JobRun, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_run
		SET end_time = ?, status = ?, records_read = ?, records_written = ?,
		    skipped_person = ?, skipped_course = ?, error_message = ?
		WHERE run_id = ?
	`,
		FormatTime(time.Now()),
		status,
		run.RecordsRead,
		run.RecordsWritten,
		run.SkippedPerson,
		run.SkippedCourse,
		NullIfEmpty(errMsg),
		runID,
	)
	if err != nil {
		return fmt.Errorf("finish job run %s: %w", runID, err)
	}
	return nil
}

// ReadJobRun retrieves one run by id. Returns sql.ErrNoRows if not found.
func (s *Store) ReadJobRun(ctx context.Context, runID string) (JobRun, error) {
	var run JobRun
	var startTime, endTime, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, job_name, start_time, end_time, status,
		       COALESCE(records_read, 0), COALESCE(records_written, 0),
		       COALESCE(skipped_person, 0), COALESCE(skipped_course, 0),
		       error_message
		FROM job_run WHERE run_id = ?
	`, runID).Scan(
		&run.RunID,
		&run.JobName,
		&startTime,
		&endTime,
		&run.Status,
		&run.RecordsRead,
		&run.RecordsWritten,
		&run.SkippedPerson,
		&run.SkippedCourse,
		&errMsg,
	)
	if err != nil {
		return JobRun{}, err
	}
	run.StartTime = ParseTime(startTime)
	run.EndTime = ParseTime(endTime)
	if errMsg.Valid {
		run.ErrorMessage = errMsg.String
	}
	return run, nil
}

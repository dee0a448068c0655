// Package dq runs data-quality checks over the curated warehouse.
//
// The checks are pure consumers: they read raw and curated tables, compute
// rates, and append rows to dq_check_result tied to a job_run. They never
// mutate pipeline data. Orphan fact rows are expected output of the
// pipeline (the fact builder tolerates unresolved keys), so orphan-related
// checks surface at WARN, not ERROR.
package dq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/config"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// Severities for check results.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// JobName identifies DQ runs in job_run.
const JobName = "dq_run_checks"

// emailMissingWarnRate is the missing-email rate above which the raw users
// completeness check escalates from info to warn.
const emailMissingWarnRate = 0.05

// CheckResult is one computed check.
type CheckResult struct {
	Name        string
	Severity    string
	MetricValue sql.NullFloat64
	Numerator   sql.NullInt64
	Denominator sql.NullInt64
	Details     map[string]any
}

// Summary reports one DQ run.
type Summary struct {
	RunID   string
	Results []CheckResult
}

// Run executes all checks and persists the results. Check failures are
// data findings, not errors; only infrastructure problems propagate.
func Run(ctx context.Context, st *store.Store, cfg config.Config) (Summary, error) {
	runID, err := st.BeginJobRun(ctx, JobName)
	if err != nil {
		return Summary{}, fmt.Errorf("dq: %w", err)
	}

	sum := Summary{RunID: runID}
	read, err := runChecks(ctx, st, cfg, &sum)
	if err != nil {
		if finishErr := st.FinishJobRun(ctx, runID, store.JobFailed, store.JobRun{}, err.Error()); finishErr != nil {
			err = fmt.Errorf("%w (also failed to record run: %v)", err, finishErr)
		}
		return sum, fmt.Errorf("dq run %s: %w", runID, err)
	}

	counts := store.JobRun{
		RecordsRead:    read,
		RecordsWritten: int64(len(sum.Results)),
	}
	if err := st.FinishJobRun(ctx, runID, store.JobSuccess, counts, ""); err != nil {
		return sum, fmt.Errorf("dq run %s: record success: %w", runID, err)
	}
	return sum, nil
}

func runChecks(ctx context.Context, st *store.Store, cfg config.Config, sum *Summary) (int64, error) {
	rawUsers, err := st.ResolveRawTable(ctx, "users", cfg.Sources.Users)
	if err != nil {
		return 0, err
	}
	rawSubs, err := st.ResolveRawTable(ctx, "submissions", cfg.Sources.Submissions)
	if err != nil {
		return 0, err
	}

	var read int64
	checks := []func(context.Context, *store.Store) (CheckResult, int64, error){
		func(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
			return checkRawUsersPKUnique(ctx, st, rawUsers)
		},
		func(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
			return checkRawUsersEmailMissing(ctx, st, rawUsers)
		},
		checkIdentityMapEmailDupe,
		checkFactPersonCoverage,
		checkFactCourseCoverage,
		func(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
			return checkReconcileRawVsFact(ctx, st, rawSubs)
		},
	}

	for _, check := range checks {
		res, n, err := check(ctx, st)
		if err != nil {
			return read, err
		}
		read += n
		if err := insertResult(ctx, st, sum.RunID, res); err != nil {
			return read, err
		}
		sum.Results = append(sum.Results, res)
	}
	return read, nil
}

func insertResult(ctx context.Context, st *store.Store, runID string, res CheckResult) error {
	details, err := json.Marshal(res.Details)
	if err != nil {
		return fmt.Errorf("marshal details for %s: %w", res.Name, err)
	}
	_, err = st.DB().ExecContext(ctx, `
		INSERT INTO dq_check_result
		(run_id, check_name, severity, metric_value, numerator, denominator, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		res.Name,
		res.Severity,
		res.MetricValue,
		res.Numerator,
		res.Denominator,
		string(details),
		store.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert dq result %s: %w", res.Name, err)
	}
	return nil
}

// checkRawUsersPKUnique counts duplicate natural ids in the raw users
// table. The primary key makes duplicates impossible under normal loads;
// the check guards against out-of-band writes.
func checkRawUsersPKUnique(ctx context.Context, st *store.Store, table string) (CheckResult, int64, error) {
	var total, distinct int64
	err := st.DB().QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*), COUNT(DISTINCT id) FROM %s", table)).Scan(&total, &distinct)
	if err != nil {
		return CheckResult{}, 0, fmt.Errorf("check pk unique: %w", err)
	}

	dup := total - distinct
	severity := SeverityInfo
	if dup > 0 {
		severity = SeverityError
	}
	return CheckResult{
		Name:        "raw_users.pk_unique.duplicate_rows",
		Severity:    severity,
		MetricValue: sql.NullFloat64{Float64: float64(dup), Valid: true},
		Numerator:   sql.NullInt64{Int64: dup, Valid: true},
		Denominator: sql.NullInt64{Int64: total, Valid: true},
		Details: map[string]any{
			"table":          table,
			"total_rows":     total,
			"distinct_ids":   distinct,
			"duplicate_rows": dup,
		},
	}, total, nil
}

// checkRawUsersEmailMissing measures the rate of raw user payloads without
// a top-level email. Deep-scanned emails (nested under profile objects) are
// the resolver's business; this check tracks source completeness only.
func checkRawUsersEmailMissing(ctx context.Context, st *store.Store, table string) (CheckResult, int64, error) {
	var total, invalidJSON, missingEmail int64
	err := st.DB().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN json_valid(raw_payload) = 0 THEN 1 ELSE 0 END),
			SUM(CASE
				WHEN json_valid(raw_payload) = 0 THEN 1
				WHEN NULLIF(TRIM(json_extract(raw_payload, '$.email')), '') IS NULL THEN 1
				ELSE 0
			END)
		FROM %s
	`, table)).Scan(&total, &invalidJSON, &missingEmail)
	if err != nil {
		return CheckResult{}, 0, fmt.Errorf("check email missing: %w", err)
	}

	var rate sql.NullFloat64
	severity := SeverityInfo
	if total > 0 {
		rate = sql.NullFloat64{Float64: float64(missingEmail) / float64(total), Valid: true}
		if rate.Float64 > emailMissingWarnRate {
			severity = SeverityWarn
		}
	}
	return CheckResult{
		Name:        "raw_users.email_missing_rate",
		Severity:    severity,
		MetricValue: rate,
		Numerator:   sql.NullInt64{Int64: missingEmail, Valid: true},
		Denominator: sql.NullInt64{Int64: total, Valid: true},
		Details: map[string]any{
			"table":              table,
			"total_rows":         total,
			"invalid_json_rows":  invalidJSON,
			"missing_email_rows": missingEmail,
			"email_json_path":    "$.email",
		},
	}, total, nil
}

// checkIdentityMapEmailDupe verifies the resolver's core invariant: one
// canonical id per normalized email. Any duplicated email here means the
// resolver misbehaved.
func checkIdentityMapEmailDupe(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
	var rowsWithEmail, duplicatedRows, duplicatedValues int64
	err := st.DB().QueryRowContext(ctx, `
		WITH grp AS (
			SELECT email_normalized, COUNT(*) AS cnt
			FROM person_identity_map
			WHERE NULLIF(TRIM(email_normalized), '') IS NOT NULL
			GROUP BY email_normalized
		)
		SELECT
			COALESCE(SUM(cnt), 0),
			COALESCE(SUM(CASE WHEN cnt > 1 THEN cnt ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN cnt > 1 THEN 1 ELSE 0 END), 0)
		FROM grp
	`).Scan(&rowsWithEmail, &duplicatedRows, &duplicatedValues)
	if err != nil {
		return CheckResult{}, 0, fmt.Errorf("check email dupe: %w", err)
	}

	var rate sql.NullFloat64
	severity := SeverityInfo
	if rowsWithEmail > 0 {
		rate = sql.NullFloat64{Float64: float64(duplicatedRows) / float64(rowsWithEmail), Valid: true}
		if rate.Float64 > 0 {
			severity = SeverityWarn
		}
	}
	return CheckResult{
		Name:        "identity_map.email_duplicate_rate",
		Severity:    severity,
		MetricValue: rate,
		Numerator:   sql.NullInt64{Int64: duplicatedRows, Valid: true},
		Denominator: sql.NullInt64{Int64: rowsWithEmail, Valid: true},
		Details: map[string]any{
			"table":                   "person_identity_map",
			"rows_with_email":         rowsWithEmail,
			"duplicated_rows":         duplicatedRows,
			"duplicated_email_values": duplicatedValues,
		},
	}, rowsWithEmail, nil
}

func checkFactPersonCoverage(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
	return checkFactCoverage(ctx, st, "fact_submission.person_fk_coverage",
		"person_key", "dim_student")
}

func checkFactCourseCoverage(ctx context.Context, st *store.Store) (CheckResult, int64, error) {
	return checkFactCoverage(ctx, st, "fact_submission.course_fk_coverage",
		"course_key", "dim_course")
}

// checkFactCoverage measures how many fact rows resolve a dimension key:
// NULL keys are orphans the pipeline tolerated, bad keys point at rows the
// dimension no longer has.
func checkFactCoverage(ctx context.Context, st *store.Store, name, keyCol, dimTable string) (CheckResult, int64, error) {
	var total, nullFK, badFK int64
	err := st.DB().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN f.%[1]s IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN f.%[1]s IS NOT NULL AND d.%[1]s IS NULL THEN 1 ELSE 0 END), 0)
		FROM fact_submission f
		LEFT JOIN %[2]s d ON d.%[1]s = f.%[1]s
	`, keyCol, dimTable)).Scan(&total, &nullFK, &badFK)
	if err != nil {
		return CheckResult{}, 0, fmt.Errorf("check %s: %w", name, err)
	}

	covered := total - nullFK - badFK
	var rate sql.NullFloat64
	if total > 0 {
		rate = sql.NullFloat64{Float64: float64(covered) / float64(total), Valid: true}
	}
	severity := SeverityInfo
	if nullFK+badFK > 0 {
		severity = SeverityWarn
	}
	return CheckResult{
		Name:        name,
		Severity:    severity,
		MetricValue: rate,
		Numerator:   sql.NullInt64{Int64: covered, Valid: true},
		Denominator: sql.NullInt64{Int64: total, Valid: true},
		Details: map[string]any{
			"table":        "fact_submission",
			"key_column":   keyCol,
			"dimension":    dimTable,
			"total_rows":   total,
			"null_fk_rows": nullFK,
			"bad_fk_rows":  badFK,
			"covered_rows": covered,
		},
	}, total, nil
}

// checkReconcileRawVsFact compares raw submission counts against the fact
// table: rows missing from the fact usually mean parse failures, extras
// mean stale facts for raw rows since removed.
func checkReconcileRawVsFact(ctx context.Context, st *store.Store, rawTable string) (CheckResult, int64, error) {
	var rawTotal, factTotal, missingInFact, extrasInFact int64
	db := st.DB()

	if err := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s", rawTable)).Scan(&rawTotal); err != nil {
		return CheckResult{}, 0, fmt.Errorf("check reconcile: raw count: %w", err)
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fact_submission").Scan(&factTotal); err != nil {
		return CheckResult{}, 0, fmt.Errorf("check reconcile: fact count: %w", err)
	}
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s r
		WHERE NOT EXISTS (
			SELECT 1 FROM fact_submission f
			WHERE f.canvas_submission_id = CAST(r.id AS INTEGER)
		)
	`, rawTable)).Scan(&missingInFact); err != nil {
		return CheckResult{}, 0, fmt.Errorf("check reconcile: missing: %w", err)
	}
	if err := db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM fact_submission f
		WHERE NOT EXISTS (
			SELECT 1 FROM %s r
			WHERE CAST(r.id AS INTEGER) = f.canvas_submission_id
		)
	`, rawTable)).Scan(&extrasInFact); err != nil {
		return CheckResult{}, 0, fmt.Errorf("check reconcile: extras: %w", err)
	}

	severity := SeverityInfo
	if missingInFact > 0 || extrasInFact > 0 {
		severity = SeverityWarn
	}
	return CheckResult{
		Name:        "reconcile.raw_submissions_vs_fact_submission",
		Severity:    severity,
		MetricValue: sql.NullFloat64{Float64: float64(factTotal - rawTotal), Valid: true},
		Numerator:   sql.NullInt64{Int64: factTotal, Valid: true},
		Denominator: sql.NullInt64{Int64: rawTotal, Valid: true},
		Details: map[string]any{
			"raw_table":       rawTable,
			"fact_table":      "fact_submission",
			"raw_rows":        rawTotal,
			"fact_rows":       factTotal,
			"missing_in_fact": missingInFact,
			"extras_in_fact":  extrasInFact,
		},
	}, rawTotal, nil
}

// Package store provides durable storage for the warehouse pipeline.
//
// A single SQLite database holds all three layers:
//
//   - raw: semi-structured source records keyed by natural id
//     (raw_canvas_users, raw_canvas_courses, raw_canvas_enrollments,
//     raw_canvas_submissions)
//   - curated: the identity map, dimensions, and the submission fact
//   - meta: watermarks, job runs, DQ results, schema snapshots
//
// The database is opened with WAL mode and a single writer connection.
// All writes from one run go through transactions on that connection, so
// two overlapping runs serialize on the SQLite write lock rather than
// racing on inserts for the same natural key.
//
// Timestamps are stored as RFC 3339 UTC text. NULL maps to the zero
// time.Time through the nullable helpers in times.go.
package store

// Package ingest loads line-delimited JSON exports into the raw layer.
//
// Each line is one document, upserted by its natural id. The loader is
// deliberately dumb about payload shape: it extracts the id and an optional
// source timestamp, stores the line as-is, and leaves all interpretation to
// the curated builders. Bad lines are counted and skipped, never fatal;
// store failures are.
//
// Writes are committed in batches of BatchSize records, each batch one
// transaction.
//
// In incremental mode the loader keeps its own watermark per source name,
// keyed on the source-side updated timestamp (not ingestion time - that is
// the curated pipeline's watermark axis). A record whose updated timestamp
// is at or below the loader watermark is skipped.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/rawdoc"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// DefaultBatchSize bounds a commit batch when Options.BatchSize is unset.
const DefaultBatchSize = 2000

// Options control one loader invocation.
type Options struct {
	// Table is the physical raw table to upsert into.
	Table string

	// IDField names the document field carrying the natural id.
	// Defaults to "id".
	IDField string

	// UpdatedField is a dotted path to the source updated timestamp.
	// Defaults to "updated_at".
	UpdatedField string

	// SourceName keys the loader watermark. Required when Incremental.
	SourceName string

	// Incremental skips records at or below the loader watermark.
	Incremental bool

	// BatchSize bounds records per commit. Defaults to DefaultBatchSize.
	BatchSize int
}

// Summary reports what one loader invocation did.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int

	LastWatermark time.Time // watermark before the run (incremental only)
	NewWatermark  time.Time // watermark after the run (incremental only)
}

// LoadJSONL reads line-delimited JSON from r and upserts each document into
// the raw table. Returns the per-line tallies; only infrastructure failures
// (store unavailable, batch commit failed, watermark unreadable) are errors.
func LoadJSONL(ctx context.Context, st *store.Store, r io.Reader, opts Options) (Summary, error) {
	if opts.Table == "" {
		return Summary{}, fmt.Errorf("ingest: table is required")
	}
	if opts.IDField == "" {
		opts.IDField = "id"
	}
	if opts.UpdatedField == "" {
		opts.UpdatedField = "updated_at"
	}
	if opts.Incremental && opts.SourceName == "" {
		return Summary{}, fmt.Errorf("ingest: source name is required in incremental mode")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	var sum Summary
	if opts.Incremental {
		wm, err := st.ReadWatermark(ctx, opts.SourceName)
		if err != nil {
			return sum, fmt.Errorf("ingest: %w", err)
		}
		sum.LastWatermark = wm
	}

	now := time.Now()
	var maxWritten time.Time
	pending := make([]store.RawRecord, 0, opts.BatchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := st.UpsertRawBatch(ctx, opts.Table, pending); err != nil {
			return fmt.Errorf("ingest: %w", err)
		}
		sum.Succeeded += len(pending)
		pending = pending[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	// Payloads can exceed bufio's default 64KiB line cap.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, updatedAt, err := parseLine(line, opts, now)
		if err != nil {
			sum.Failed++
			slog.Warn("ingest: line skipped", "line", lineNo, "error", err)
			continue
		}

		// Incremental filter: a record at or below the loader watermark was
		// already loaded. Records without a timestamp always load.
		if opts.Incremental && !sum.LastWatermark.IsZero() &&
			!updatedAt.IsZero() && !updatedAt.After(sum.LastWatermark) {
			sum.Skipped++
			continue
		}

		pending = append(pending, rec)
		if updatedAt.After(maxWritten) {
			maxWritten = updatedAt
		}

		if len(pending) >= opts.BatchSize {
			if err := flush(); err != nil {
				return sum, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sum, fmt.Errorf("ingest: read input: %w", err)
	}
	if err := flush(); err != nil {
		return sum, err
	}

	if opts.Incremental && !maxWritten.IsZero() {
		if err := st.AdvanceWatermark(ctx, opts.SourceName, maxWritten); err != nil {
			return sum, fmt.Errorf("ingest: %w", err)
		}
		sum.NewWatermark = maxWritten
	}

	return sum, nil
}

// parseLine validates one JSONL line and builds the raw record. The stored
// payload is the original line, not a re-serialization.
func parseLine(line string, opts Options, now time.Time) (store.RawRecord, time.Time, error) {
	doc, err := rawdoc.Decode([]byte(line))
	if err != nil {
		return store.RawRecord{}, time.Time{}, fmt.Errorf("parse: %w", err)
	}
	obj, ok := doc.(*rawdoc.Object)
	if !ok {
		return store.RawRecord{}, time.Time{}, fmt.Errorf("document is not an object")
	}

	id, err := idValue(obj, opts.IDField)
	if err != nil {
		return store.RawRecord{}, time.Time{}, err
	}

	var updatedAt time.Time
	if s, ok := rawdoc.GetPath(obj, opts.UpdatedField).(rawdoc.String); ok {
		updatedAt, _ = rawdoc.ParseTimestamp(string(s))
	}

	return store.RawRecord{
		NaturalID:    id,
		Payload:      line,
		RawUpdatedAt: updatedAt,
		IngestedAt:   now,
	}, updatedAt, nil
}

func idValue(obj *rawdoc.Object, field string) (string, error) {
	switch v := obj.Get(field).(type) {
	case rawdoc.String:
		if strings.TrimSpace(string(v)) == "" {
			return "", fmt.Errorf("empty id field %q", field)
		}
		return string(v), nil
	case rawdoc.Number:
		return string(v), nil
	case nil, rawdoc.Null:
		return "", fmt.Errorf("missing id field %q", field)
	default:
		return "", fmt.Errorf("id field %q has unsupported type", field)
	}
}

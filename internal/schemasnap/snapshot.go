// Package schemasnap captures table schemas and detects drift.
//
// A snapshot is a canonical JSON description of a table's columns read from
// SQLite metadata. Each run compares the current schema against the latest
// stored snapshot, appends change-log rows for any drift, and stores the
// new snapshot. The tool inspects metadata only; it never reads data
// values.
package schemasnap

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// Change types recorded in schema_change_log.
const (
	ChangeTableAdded    = "table_added"
	ChangeColumnAdded   = "column_added"
	ChangeColumnRemoved = "column_removed"
	ChangeTypeChanged   = "type_changed"
)

// Column is one column's schema, as reported by PRAGMA table_info.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null"`
	PK      bool   `json:"pk"`
}

// TableSchema is the snapshot unit: a table's columns in declaration order.
type TableSchema struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

// Change is one detected drift item.
type Change struct {
	Table  string
	Type   string
	Detail map[string]any
}

// Report summarizes one snapshot run.
type Report struct {
	SnapshotTime time.Time
	Tables       []string // tables snapshotted (existing ones only)
	Missing      []string // configured tables that do not exist
	Changes      []Change
}

// Run snapshots each configured table and logs drift against the previous
// snapshot. Tables that do not exist are skipped and reported, not errors.
// runID may be empty; when set it ties change-log rows to a job run.
func Run(ctx context.Context, st *store.Store, tables []string, runID string) (Report, error) {
	now := time.Now()
	rep := Report{SnapshotTime: now}

	for _, table := range tables {
		ok, err := st.TableExists(ctx, table)
		if err != nil {
			return rep, fmt.Errorf("schemasnap: %w", err)
		}
		if !ok {
			rep.Missing = append(rep.Missing, table)
			continue
		}

		current, err := ReadTableSchema(ctx, st, table)
		if err != nil {
			return rep, fmt.Errorf("schemasnap: %w", err)
		}
		previous, err := latestSnapshot(ctx, st, table)
		if err != nil {
			return rep, fmt.Errorf("schemasnap: %w", err)
		}

		changes := Diff(previous, &current)
		for _, ch := range changes {
			if err := insertChange(ctx, st, now, runID, ch); err != nil {
				return rep, fmt.Errorf("schemasnap: %w", err)
			}
		}
		rep.Changes = append(rep.Changes, changes...)

		if err := insertSnapshot(ctx, st, now, current); err != nil {
			return rep, fmt.Errorf("schemasnap: %w", err)
		}
		rep.Tables = append(rep.Tables, table)
	}

	return rep, nil
}

// ReadTableSchema reads a table's column metadata in declaration order.
func ReadTableSchema(ctx context.Context, st *store.Store, table string) (TableSchema, error) {
	rows, err := st.Query(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return TableSchema{}, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	schema := TableSchema{Table: table}
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return TableSchema{}, fmt.Errorf("scan table_info %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, Column{
			Name:    name,
			Type:    colType,
			NotNull: notNull != 0,
			PK:      pk != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return TableSchema{}, fmt.Errorf("iterate table_info %s: %w", table, err)
	}
	return schema, nil
}

// Diff compares two schemas for the same table. A nil previous means the
// table is new. Column order changes are not drift; columns are matched by
// name.
func Diff(previous, current *TableSchema) []Change {
	if previous == nil {
		return []Change{{
			Table:  current.Table,
			Type:   ChangeTableAdded,
			Detail: map[string]any{"columns": len(current.Columns)},
		}}
	}

	prevCols := make(map[string]Column, len(previous.Columns))
	for _, c := range previous.Columns {
		prevCols[c.Name] = c
	}
	curCols := make(map[string]Column, len(current.Columns))
	for _, c := range current.Columns {
		curCols[c.Name] = c
	}

	var changes []Change
	for _, c := range current.Columns {
		prev, ok := prevCols[c.Name]
		if !ok {
			changes = append(changes, Change{
				Table:  current.Table,
				Type:   ChangeColumnAdded,
				Detail: map[string]any{"column": c.Name, "type": c.Type},
			})
			continue
		}
		if prev.Type != c.Type {
			changes = append(changes, Change{
				Table: current.Table,
				Type:  ChangeTypeChanged,
				Detail: map[string]any{
					"column": c.Name,
					"from":   prev.Type,
					"to":     c.Type,
				},
			})
		}
	}
	for _, c := range previous.Columns {
		if _, ok := curCols[c.Name]; !ok {
			changes = append(changes, Change{
				Table:  current.Table,
				Type:   ChangeColumnRemoved,
				Detail: map[string]any{"column": c.Name, "type": c.Type},
			})
		}
	}
	return changes
}

func latestSnapshot(ctx context.Context, st *store.Store, table string) (*TableSchema, error) {
	var schemaJSON string
	err := st.DB().QueryRowContext(ctx, `
		SELECT schema_json FROM schema_snapshot
		WHERE table_name = ?
		ORDER BY snapshot_time DESC
		LIMIT 1
	`, table).Scan(&schemaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot %s: %w", table, err)
	}

	var schema TableSchema
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err != nil {
		// An unreadable stored snapshot is treated as absent; the next
		// snapshot overwrites it cleanly.
		return nil, nil
	}
	return &schema, nil
}

func insertSnapshot(ctx context.Context, st *store.Store, at time.Time, schema TableSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", schema.Table, err)
	}
	_, err = st.DB().ExecContext(ctx, `
		INSERT INTO schema_snapshot (snapshot_time, table_name, schema_json)
		VALUES (?, ?, ?)
	`,
		store.FormatTime(at),
		schema.Table,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", schema.Table, err)
	}
	return nil
}

func insertChange(ctx context.Context, st *store.Store, at time.Time, runID string, ch Change) error {
	detail, err := json.Marshal(ch.Detail)
	if err != nil {
		return fmt.Errorf("marshal change %s/%s: %w", ch.Table, ch.Type, err)
	}
	var run sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}
	_, err = st.DB().ExecContext(ctx, `
		INSERT INTO schema_change_log (detected_at, table_name, change_type, change_detail_json, run_id)
		VALUES (?, ?, ?, ?, ?)
	`,
		store.FormatTime(at),
		ch.Table,
		ch.Type,
		string(detail),
		run,
	)
	if err != nil {
		return fmt.Errorf("insert change %s/%s: %w", ch.Table, ch.Type, err)
	}
	return nil
}

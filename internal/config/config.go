// Package config loads pipeline configuration from YAML.
//
// Everything has a sensible default; a config file only needs to state what
// it overrides. The email-search key list lives here because it is a
// heuristic over payload shapes, not a schema contract.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceTables lists candidate physical table names per logical source, in
// priority order. The first existing table wins.
type SourceTables struct {
	Users       []string `yaml:"users"`
	Courses     []string `yaml:"courses"`
	Enrollments []string `yaml:"enrollments"`
	Submissions []string `yaml:"submissions"`
}

// Config holds pipeline settings.
type Config struct {
	// Database is the SQLite database path.
	Database string `yaml:"database"`

	// BatchSize bounds loader commit batches.
	BatchSize int `yaml:"batch_size"`

	// EmailKeys is the ordered field-name priority list for the identity
	// resolver's email search.
	EmailKeys []string `yaml:"email_keys"`

	// Sources maps logical source names to candidate raw tables.
	Sources SourceTables `yaml:"sources"`

	// SnapshotTables is the table list covered by schema snapshots.
	SnapshotTables []string `yaml:"snapshot_tables"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:  "canvas.db",
		BatchSize: 2000,
		EmailKeys: []string{"email", "email_address", "login_id", "user_email", "user", "contact"},
		Sources: SourceTables{
			Users:       []string{"raw_canvas_users", "canvas_users"},
			Courses:     []string{"raw_canvas_courses", "canvas_courses"},
			Enrollments: []string{"raw_canvas_enrollments", "canvas_enrollments"},
			Submissions: []string{"raw_canvas_submissions", "canvas_submissions"},
		},
		SnapshotTables: []string{
			"raw_canvas_users", "raw_canvas_courses",
			"raw_canvas_enrollments", "raw_canvas_submissions",
			"person_identity_map", "person_identity_map_dq",
			"dim_student", "dim_course", "fact_submission",
			"watermark", "job_run", "dq_check_result",
		},
	}
}

// Load reads a YAML config file over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("config %s: batch_size must be positive", path)
	}
	if len(cfg.EmailKeys) == 0 {
		return Config{}, fmt.Errorf("config %s: email_keys must not be empty", path)
	}
	return cfg, nil
}

package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/luyangsi/canvas-pipeline/internal/schemasnap"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Tables []string
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot table schemas and log drift",
		Long: `Snapshot table schemas and log drift against the previous snapshot.

Reads column metadata for each configured table, compares it to the latest
stored snapshot, appends schema_change_log rows for any drift, and stores
the new snapshot. Tables that do not exist yet are skipped.

Example:
  canvaspipe snapshot --db ./canvas.db
  canvaspipe snapshot --db ./canvas.db --tables dim_student,fact_submission`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Tables, "tables", nil, "tables to snapshot (overrides config)")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	tables := cfg.SnapshotTables
	if len(opts.Tables) > 0 {
		tables = opts.Tables
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	rep, err := schemasnap.Run(cmd.Context(), st, tables, "")
	if err != nil {
		return WrapExitError(ExitFailure, "snapshot failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		changes := make([]map[string]any, 0, len(rep.Changes))
		for _, ch := range rep.Changes {
			changes = append(changes, map[string]any{
				"table":  ch.Table,
				"type":   ch.Type,
				"detail": ch.Detail,
			})
		}
		return formatter.Success(map[string]any{
			"tables":  rep.Tables,
			"missing": rep.Missing,
			"changes": changes,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshotted %d tables (%d missing), %d changes\n",
		len(rep.Tables), len(rep.Missing), len(rep.Changes))
	for _, ch := range rep.Changes {
		fmt.Fprintf(out, "  %s: %s %v\n", ch.Table, ch.Type, ch.Detail)
	}
	return nil
}

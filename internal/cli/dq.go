package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/luyangsi/canvas-pipeline/internal/dq"
)

// DQOptions holds flags for the dq command.
type DQOptions struct {
	*RootOptions
}

// NewDQCommand creates the dq command.
func NewDQCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DQOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dq",
		Short: "Run data-quality checks over the warehouse",
		Long: `Run the data-quality check suite.

Checks raw key uniqueness, email completeness, identity map duplicates,
fact foreign-key coverage, and raw-vs-fact reconciliation. Results are
persisted to dq_check_result under a job run. Findings are reported, not
fatal; only infrastructure failures exit non-zero.

Example:
  canvaspipe dq --db ./canvas.db
  canvaspipe dq --db ./canvas.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDQ(opts, cmd)
		},
	}

	return cmd
}

func runDQ(opts *DQOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
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

	sum, err := dq.Run(cmd.Context(), st, cfg)
	if err != nil {
		return WrapExitError(ExitFailure, "dq run failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		results := make([]map[string]any, 0, len(sum.Results))
		for _, r := range sum.Results {
			entry := map[string]any{
				"name":     r.Name,
				"severity": r.Severity,
				"details":  r.Details,
			}
			if r.MetricValue.Valid {
				entry["metric_value"] = r.MetricValue.Float64
			}
			if r.Numerator.Valid {
				entry["numerator"] = r.Numerator.Int64
			}
			if r.Denominator.Valid {
				entry["denominator"] = r.Denominator.Int64
			}
			results = append(results, entry)
		}
		return formatter.Success(map[string]any{
			"run_id":  sum.RunID,
			"results": results,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "DQ run %s: %d checks\n", sum.RunID, len(sum.Results))
	for _, r := range sum.Results {
		metric := "-"
		if r.MetricValue.Valid {
			metric = fmt.Sprintf("%.4f", r.MetricValue.Float64)
		}
		ratio := ""
		if r.Numerator.Valid && r.Denominator.Valid {
			ratio = fmt.Sprintf(" (%d/%d)", r.Numerator.Int64, r.Denominator.Int64)
		}
		fmt.Fprintf(out, "  [%-5s] %-48s %s%s\n", r.Severity, r.Name, metric, ratio)
	}
	return nil
}

// Package cli implements the canvaspipe command line interface.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/luyangsi/canvas-pipeline/internal/config"
	"github.com/luyangsi/canvas-pipeline/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides the config file's database path
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the canvaspipe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "canvaspipe",
		Short: "Canvas warehouse pipeline",
		Long: "Loads Canvas LMS exports into a raw store, resolves person identities,\n" +
			"and incrementally builds a dimensional warehouse with stable surrogate keys.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewDQCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// setupLogging configures the default slog handler from the global flags.
func setupLogging(opts *RootOptions) {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig resolves the effective configuration: config file (or
// defaults) with the --db flag on top.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openStore opens the configured database.
func openStore(cfg config.Config) (*store.Store, error) {
	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

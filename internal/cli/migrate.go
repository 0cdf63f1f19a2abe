package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/schema"
	"github.com/roach88/snapdb/internal/session"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Schema  string
	Version uint64
}

// MigrateResult reports a migration.
type MigrateResult struct {
	Path          string `json:"path"`
	SchemaVersion uint64 `json:"schema_version"`
	Version       uint64 `json:"version"`
	Tables        int    `json:"tables"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate [db]",
		Short: "Bring a store to a schema version",
		Long: `Create the tables declared in a CUE schema directory and record the new
schema version, in one write.

The target version is --version, or the schema's schema_version field.
Migrating to the version the store already has does nothing; migrating to an
older version fails.

Examples:
  snapdb migrate --schema ./schema ./app.db
  snapdb migrate --schema ./schema --version 3 ./app.db`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, pathArg(args), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "CUE schema directory (required)")
	cmd.Flags().Uint64Var(&opts.Version, "version", 0, "target schema version (defaults to the schema's schema_version)")
	_ = cmd.MarkFlagRequired("schema")

	return cmd
}

func runMigrate(opts *MigrateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	sc, err := schema.LoadDir(opts.Schema)
	if err != nil {
		var loadErr *schema.LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Error(), nil)
		}
		return WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	formatter.VerboseLog("Loaded %d table(s) from %d file(s)", len(sc.Tables), sc.FileCount)

	cfg, err := storeConfig(opts.RootOptions, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid store config", err)
	}
	cfg.SchemaVersion = sc.Version
	if cmd.Flags().Changed("version") {
		cfg.SchemaVersion = opts.Version
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := session.Migrate(ctx, cfg, sc.Tables, nil)
	if err != nil {
		return formatter.Fail("migration failed", err)
	}

	result := MigrateResult{
		Path:          cfg.Path,
		SchemaVersion: cfg.SchemaVersion,
		Version:       v.Seq,
		Tables:        len(sc.Tables),
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s at schema version %d (version %d)\n", result.Path, result.SchemaVersion, result.Version)
	return nil
}

package cli

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
)

// MaintenanceResult reports the outcome of compact or delete.
type MaintenanceResult struct {
	Path     string `json:"path"`
	Complete bool   `json:"complete"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact [db]",
		Short: "Rewrite a store file to reclaim free space",
		Long: `Rewrite a store file to reclaim free space.

Fails while any process has the store open.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(rootOpts, pathArg(args), cmd)
		},
	}
	return cmd
}

func runCompact(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := existingStore(opts, path)
	if err != nil {
		return err
	}
	if err := store.Compact(cfg); err != nil {
		return formatter.Fail("compact failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(MaintenanceResult{Path: cfg.Path, Complete: true})
	}
	fmt.Fprintf(formatter.Writer, "✓ Compacted %s\n", cfg.Path)
	return nil
}

// CopyResult reports a written copy.
type CopyResult struct {
	Path      string `json:"path"`
	Dest      string `json:"dest"`
	Version   uint64 `json:"version"`
	Encrypted bool   `json:"encrypted"`
}

// NewCopyCommand creates the copy command.
func NewCopyCommand(rootOpts *RootOptions) *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "copy [db] <dest>",
		Short: "Write a compacted copy of a store's latest version",
		Long: `Write a compacted copy of a store's latest version to a new file.

The destination must not exist. With --encryption-key the copy is encrypted
under that key, whether or not the source is.

Examples:
  snapdb copy ./app.db ./backup.db
  snapdb copy --config store.yaml ./backup.db --encryption-key <128 hex chars>`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dest := "", args[0]
			if len(args) == 2 {
				src, dest = args[0], args[1]
			}
			return runCopy(rootOpts, src, dest, keyHex, cmd)
		},
	}
	cmd.Flags().StringVar(&keyHex, "encryption-key", "", "hex encoded 64-byte key to encrypt the copy with")
	return cmd
}

func runCopy(opts *RootOptions, path, dest, keyHex string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid encryption key", err)
	}
	cfg, err := existingStore(opts, path)
	if err != nil {
		return err
	}
	s, err := session.Open(cfg)
	if err != nil {
		return formatter.Fail("failed to open store", err)
	}
	defer s.Close()

	if err := s.WriteCopyTo(dest, key); err != nil {
		return formatter.Fail("copy failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(CopyResult{Path: cfg.Path, Dest: dest, Version: s.Version().Seq, Encrypted: len(key) > 0})
	}
	fmt.Fprintf(formatter.Writer, "✓ Copied %s at version %d to %s\n", cfg.Path, s.Version().Seq, dest)
	return nil
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [db]",
		Short: "Delete a store and its companion files",
		Long: `Delete a store file together with its lock, journal and WAL files.

Fails, deleting nothing, while any process has the store open. Files that
cannot be removed are reported but do not fail the command.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, pathArg(args), cmd)
		},
	}
	return cmd
}

func runDelete(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := storeConfig(opts, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid store config", err)
	}
	complete, err := store.Delete(cfg)
	if err != nil {
		return formatter.Fail("delete failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(MaintenanceResult{Path: cfg.Path, Complete: complete})
	}
	if !complete {
		fmt.Fprintf(formatter.Writer, "! Deleted %s, some files could not be removed\n", cfg.Path)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ Deleted %s\n", cfg.Path)
	return nil
}

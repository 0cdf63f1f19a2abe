package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
)

// InfoResult describes a store.
type InfoResult struct {
	Path          string      `json:"path"`
	Durability    string      `json:"durability"`
	Version       uint64      `json:"version"`
	SchemaVersion uint64      `json:"schema_version"`
	Tables        []TableInfo `json:"tables"`
}

// TableInfo describes one table.
type TableInfo struct {
	Name       string             `json:"name"`
	Rows       int                `json:"rows"`
	PrimaryKey string             `json:"primary_key,omitempty"`
	Columns    []store.ColumnSpec `json:"columns"`
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info [db]",
		Short: "Show a store's version, schema version and tables",
		Long: `Show the latest version of a store together with its tables.

The store path comes from the argument or from --config.

Examples:
  snapdb info ./app.db
  snapdb info --config store.yaml --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, pathArg(args), cmd)
		},
	}
	return cmd
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func runInfo(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := existingStore(opts, path)
	if err != nil {
		return err
	}
	s, err := session.Open(cfg)
	if err != nil {
		return formatter.Fail("failed to open store", err)
	}
	defer s.Close()

	info, err := describe(s, cfg)
	if err != nil {
		return formatter.Fail("failed to read store", err)
	}

	if opts.Format == "json" {
		return formatter.Success(info)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Path:           %s\n", info.Path)
	fmt.Fprintf(w, "Durability:     %s\n", info.Durability)
	fmt.Fprintf(w, "Version:        %d\n", info.Version)
	fmt.Fprintf(w, "Schema version: %d\n", info.SchemaVersion)
	if len(info.Tables) == 0 {
		fmt.Fprintln(w, "No tables.")
		return nil
	}
	fmt.Fprintln(w, "Tables:")
	for _, t := range info.Tables {
		fmt.Fprintf(w, "  %s (%d rows)\n", t.Name, t.Rows)
		for _, c := range t.Columns {
			marker := ""
			if c.Name == t.PrimaryKey {
				marker = " [primary key]"
			}
			fmt.Fprintf(w, "    %s %s%s\n", c.Name, c.Type, marker)
		}
	}
	return nil
}

func describe(s *session.Session, cfg store.Config) (*InfoResult, error) {
	schemaVersion, err := s.Transaction().SchemaVersion()
	if err != nil {
		return nil, err
	}
	names, err := s.TableNames()
	if err != nil {
		return nil, err
	}

	info := &InfoResult{
		Path:          s.Path(),
		Durability:    cfg.Durability.String(),
		Version:       s.Version().Seq,
		SchemaVersion: schemaVersion,
		Tables:        make([]TableInfo, 0, len(names)),
	}
	for _, name := range names {
		tbl, err := s.Table(name)
		if err != nil {
			return nil, err
		}
		rows, err := tbl.Size()
		if err != nil {
			return nil, err
		}
		cols, err := tbl.Columns()
		if err != nil {
			return nil, err
		}
		pk, err := tbl.PrimaryKey()
		if err != nil {
			return nil, err
		}
		info.Tables = append(info.Tables, TableInfo{Name: name, Rows: rows, PrimaryKey: pk, Columns: cols})
	}
	return info, nil
}

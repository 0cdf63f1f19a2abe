package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/table"
)

// DumpResult holds the rows of one or more tables at one version.
type DumpResult struct {
	Version uint64      `json:"version"`
	Tables  []TableDump `json:"tables"`
}

// TableDump holds the rows of one table, in table order.
type TableDump struct {
	Name string           `json:"name"`
	Rows []map[string]any `json:"rows"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <db> [table]",
		Short: "Print the rows of a store",
		Long: `Print every row of one table, or of all tables, at the latest version.

Examples:
  snapdb dump ./app.db
  snapdb dump ./app.db Person --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			return runDump(rootOpts, args[0], name, cmd)
		},
	}
	return cmd
}

func runDump(opts *RootOptions, path, name string, cmd *cobra.Command) error {
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

	names := []string{name}
	if name == "" {
		if names, err = s.TableNames(); err != nil {
			return formatter.Fail("failed to list tables", err)
		}
	}

	result := DumpResult{Version: s.Version().Seq, Tables: make([]TableDump, 0, len(names))}
	for _, n := range names {
		tbl, err := s.Table(n)
		if err != nil {
			if dberr.CodeOf(err) == dberr.CodeTableNotFound {
				_ = formatter.Error(string(dberr.CodeTableNotFound), fmt.Sprintf("table not found: %s", n), nil)
				return NewExitError(ExitCommandError, fmt.Sprintf("table not found: %s", n))
			}
			return formatter.Fail("failed to open table", err)
		}
		rows, err := dumpRows(tbl)
		if err != nil {
			return formatter.Fail("failed to read rows", err)
		}
		result.Tables = append(result.Tables, TableDump{Name: n, Rows: rows})
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Version %d\n", result.Version)
	for _, t := range result.Tables {
		fmt.Fprintf(w, "\n%s (%d rows)\n", t.Name, len(t.Rows))
		cols, _ := columnNames(s, t.Name)
		for _, row := range t.Rows {
			parts := make([]string, 0, len(cols))
			for _, c := range cols {
				parts = append(parts, fmt.Sprintf("%s=%s", c, formatValue(row[c])))
			}
			fmt.Fprintf(w, "  %s\n", strings.Join(parts, " "))
		}
	}
	return nil
}

func dumpRows(tbl *table.Table) ([]map[string]any, error) {
	cols, err := tbl.Columns()
	if err != nil {
		return nil, err
	}
	keys, err := tbl.Keys()
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		row, err := tbl.RowByKey(key)
		if err != nil {
			return nil, err
		}
		values := make(map[string]any, len(cols))
		for i, c := range cols {
			v, err := row.Value(i)
			if err != nil {
				return nil, err
			}
			values[c.Name] = store.Native(v)
		}
		rows = append(rows, values)
	}
	return rows, nil
}

func columnNames(s *session.Session, name string) ([]string, error) {
	tbl, err := s.Table(name)
	if err != nil {
		return nil, err
	}
	cols, err := tbl.Columns()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case []byte:
		return fmt.Sprintf("0x%x", val)
	default:
		return fmt.Sprint(val)
	}
}

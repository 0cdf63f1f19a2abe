package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/snapdb/internal/query"
	"github.com/roach88/snapdb/internal/session"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/table"
)

// apply runs st on th's goroutine against target's session.
func (h *Harness) apply(ctx context.Context, i int, th, target *thread, st Step, ev *TraceEvent) error {
	if st.Op == OpOpen {
		return h.open(th, st)
	}
	s := target.sess
	if s == nil {
		return fmt.Errorf("thread %q has no open session", target.name)
	}

	switch st.Op {
	case OpBegin:
		return s.BeginWrite(ctx)
	case OpCommit:
		_, err := s.Commit()
		return err
	case OpRollback:
		return s.Cancel()
	case OpAdvance:
		_, err := s.Refresh()
		return err
	case OpInsert:
		return insertRows(s, st)
	case OpUpdate:
		row, err := rowByPrimaryKey(ctx, s, st.Table, st.Key)
		if err != nil {
			return err
		}
		return setColumns(row, st.Set)
	case OpDelete:
		row, err := rowByPrimaryKey(ctx, s, st.Table, st.Key)
		if err != nil {
			return err
		}
		return row.Delete()
	case OpExpectRows:
		return expectRows(ctx, i, s, st, ev)
	case OpClose:
		ev.Version = s.Version().Seq
		if err := s.Close(); err != nil {
			return err
		}
		target.sess = nil
		return nil
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (h *Harness) open(th *thread, st Step) error {
	if th.sess != nil {
		return fmt.Errorf("thread %q already has an open session", th.name)
	}
	opts := []session.Option{
		session.WithLogger(h.log),
		session.WithIDGenerator(h.ids),
	}
	if st.Listen {
		opts = append(opts, session.WithLooper(th.loop), session.WithWorkers(1))
	}
	s, err := session.Open(h.cfg, opts...)
	if err != nil {
		return err
	}
	if st.Listen {
		changes := th.changes
		if _, err := s.AddChangeListener(func() {
			select {
			case changes <- s.Version():
			default:
			}
		}); err != nil {
			s.Close()
			return err
		}
	}
	th.sess = s
	return nil
}

func insertRows(s *session.Session, st Step) error {
	tbl, err := s.Table(st.Table)
	if err != nil {
		return err
	}
	pk, err := tbl.PrimaryKey()
	if err != nil {
		return err
	}
	for _, values := range st.Rows {
		var row *table.Row
		if pk != "" {
			key, ok := values[pk]
			if !ok {
				return fmt.Errorf("row %v has no value for primary key %s", values, pk)
			}
			col, err := columnType(tbl, pk)
			if err != nil {
				return err
			}
			row, err = tbl.AddEmptyRowWithKey(coerce(key, col))
			if err != nil {
				return err
			}
		} else if row, err = tbl.AddEmptyRow(); err != nil {
			return err
		}
		rest := maps.Clone(values)
		delete(rest, pk)
		if err := setColumns(row, rest); err != nil {
			return err
		}
	}
	return nil
}

// setColumns writes values in column-name order so failures are
// reproducible.
func setColumns(row *table.Row, values map[string]any) error {
	tbl := row.Table()
	for _, name := range slices.Sorted(maps.Keys(values)) {
		idx, err := tbl.ColumnIndex(name)
		if err != nil {
			return err
		}
		typ, err := columnType(tbl, name)
		if err != nil {
			return err
		}
		if err := row.Set(idx, coerce(values[name], typ)); err != nil {
			return err
		}
	}
	return nil
}

func rowByPrimaryKey(ctx context.Context, s *session.Session, name string, key any) (*table.Row, error) {
	tbl, err := s.Table(name)
	if err != nil {
		return nil, err
	}
	pk, err := tbl.PrimaryKey()
	if err != nil {
		return nil, err
	}
	if pk == "" {
		return nil, fmt.Errorf("table %s has no primary key", name)
	}
	typ, err := columnType(tbl, pk)
	if err != nil {
		return nil, err
	}
	view, err := s.FindFirst(ctx, s.Where(name).Equal(pk, coerce(key, typ)))
	if err != nil {
		return nil, err
	}
	if view.Len() == 0 {
		return nil, fmt.Errorf("table %s has no row with %s = %v", name, pk, key)
	}
	return tbl.RowByKey(view.Keys[0])
}

func expectRows(ctx context.Context, i int, s *session.Session, st Step, ev *TraceEvent) error {
	tbl, err := s.Table(st.Table)
	if err != nil {
		return err
	}
	q := s.Where(st.Table)
	for _, col := range slices.Sorted(maps.Keys(st.Where)) {
		typ, err := columnType(tbl, col)
		if err != nil {
			return err
		}
		q = q.Equal(col, coerce(st.Where[col], typ))
	}
	view, err := s.FindAll(ctx, q)
	if err != nil {
		return err
	}
	got, err := primaryKeys(tbl, view)
	if err != nil {
		return err
	}
	ev.Keys = natives(got)

	if st.Count != nil && len(got) != *st.Count {
		return mismatch(i, "expect_rows %s: expected %d rows, got %d", st.Table, *st.Count, len(got))
	}
	if st.Keys == nil {
		return nil
	}
	want, err := expectedKeys(tbl, st.Keys)
	if err != nil {
		return err
	}
	if !slices.EqualFunc(got, want, store.Equal) {
		return mismatch(i, "expect_rows %s: expected keys %v, got %v", st.Table, natives(want), natives(got))
	}
	return nil
}

// primaryKeys returns the sorted primary keys of the rows in view, or the
// row keys for tables without a primary key.
func primaryKeys(tbl *table.Table, view *query.View) ([]store.Value, error) {
	pk, err := tbl.PrimaryKey()
	if err != nil {
		return nil, err
	}
	col := -1
	if pk != "" {
		if col, err = tbl.ColumnIndex(pk); err != nil {
			return nil, err
		}
	}
	keys := make([]store.Value, 0, view.Len())
	for _, k := range view.Keys {
		if col < 0 {
			keys = append(keys, store.Int(k))
			continue
		}
		row, err := tbl.RowByKey(k)
		if err != nil {
			return nil, err
		}
		v, err := row.Value(col)
		if err != nil {
			return nil, err
		}
		keys = append(keys, v)
	}
	slices.SortFunc(keys, store.Compare)
	return keys, nil
}

func expectedKeys(tbl *table.Table, keys []any) ([]store.Value, error) {
	typ := store.TypeInt
	if pk, err := tbl.PrimaryKey(); err != nil {
		return nil, err
	} else if pk != "" {
		if typ, err = columnType(tbl, pk); err != nil {
			return nil, err
		}
	}
	out := make([]store.Value, 0, len(keys))
	for _, k := range keys {
		v, err := store.ValueOf(coerce(k, typ))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	slices.SortFunc(out, store.Compare)
	return out, nil
}

func natives(vs []store.Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = store.Native(v)
	}
	return out
}

func columnType(tbl *table.Table, name string) (store.ColumnType, error) {
	cols, err := tbl.Columns()
	if err != nil {
		return 0, err
	}
	for _, c := range cols {
		if c.Name == name {
			return c.Type, nil
		}
	}
	return 0, fmt.Errorf("table %s has no column %q", tbl.Name(), name)
}

// coerce adapts YAML scalars to the column type: integers for double
// columns and strings for binary columns.
func coerce(v any, t store.ColumnType) any {
	switch t {
	case store.TypeDouble:
		if i, ok := v.(int); ok {
			return float64(i)
		}
	case store.TypeInt:
		if i, ok := v.(int); ok {
			return int64(i)
		}
	case store.TypeBinary:
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return v
}

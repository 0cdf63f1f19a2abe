// Package table provides handles onto tables and rows seen through a
// transaction.
//
// A Table handle remembers the layout of the table it was opened on. If the
// table is removed or renamed the handle reports ClosedHandle. A Row handle
// remembers its row's stable key and re-resolves its index on every access,
// so it follows its row across MoveLastOver and reports "no longer managed"
// once the row is deleted.
package table

import (
	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
	"github.com/roach88/snapdb/internal/txn"
)

// Table is a handle onto one table of a transaction.
type Table struct {
	tx     *txn.Transaction
	name   string
	layout uint64
}

// Open returns a handle onto the named table.
func Open(tx *txn.Transaction, name string) (*Table, error) {
	ts, err := tx.Table(name)
	if err != nil {
		return nil, err
	}
	return &Table{tx: tx, name: name, layout: ts.Layout()}, nil
}

// Name returns the table name the handle was opened with.
func (t *Table) Name() string { return t.name }

// Transaction returns the transaction the handle reads through.
func (t *Table) Transaction() *txn.Transaction { return t.tx }

// state resolves the table in the transaction's current view.
func (t *Table) state(op string) (*store.TableState, error) {
	snap, err := t.tx.View(op)
	if err != nil {
		return nil, err
	}
	return t.resolve(snap)
}

func (t *Table) resolve(snap *store.Snapshot) (*store.TableState, error) {
	ts, ok := snap.Table(t.name)
	if !ok || ts.Layout() != t.layout {
		return nil, dberr.ClosedHandle("table %q was removed or its layout changed", t.name)
	}
	return ts, nil
}

// write returns the builder and the working table state for op.
func (t *Table) write(op string) (*store.Builder, *store.TableState, error) {
	b, err := t.tx.Write(op)
	if err != nil {
		return nil, nil, err
	}
	ts, err := t.resolve(b.Snapshot())
	if err != nil {
		return nil, nil, err
	}
	return b, ts, nil
}

// IsValid reports whether the handle can still be used from this goroutine.
func (t *Table) IsValid() bool {
	_, err := t.state("IsValid")
	return err == nil
}

// Size returns the number of rows.
func (t *Table) Size() (int, error) {
	ts, err := t.state("Size")
	if err != nil {
		return 0, err
	}
	return ts.Len(), nil
}

// Columns returns the column declarations.
func (t *Table) Columns() ([]store.ColumnSpec, error) {
	ts, err := t.state("Columns")
	if err != nil {
		return nil, err
	}
	return ts.Columns(), nil
}

// ColumnIndex returns the index of the named column.
func (t *Table) ColumnIndex(name string) (int, error) {
	ts, err := t.state("ColumnIndex")
	if err != nil {
		return 0, err
	}
	i := ts.ColumnIndex(name)
	if i < 0 {
		return 0, dberr.New(dberr.CodeFieldNotFound, "table %s has no column %q", t.name, name)
	}
	return i, nil
}

// PrimaryKey returns the primary key column name, or "" if the table has none.
func (t *Table) PrimaryKey() (string, error) {
	ts, err := t.state("PrimaryKey")
	if err != nil {
		return "", err
	}
	return ts.Spec().PrimaryKey, nil
}

// Keys returns the stable row keys in index order.
func (t *Table) Keys() ([]int64, error) {
	ts, err := t.state("Keys")
	if err != nil {
		return nil, err
	}
	return ts.Keys(), nil
}

// AddEmptyRow appends a row of default values. If the table has a primary
// key the default ("" or 0) must not already be in use.
func (t *Table) AddEmptyRow() (*Row, error) {
	b, ts, err := t.write("AddEmptyRow")
	if err != nil {
		return nil, err
	}
	return t.addRow(b, ts, defaults(ts))
}

// AddEmptyRowWithKey appends a row of default values whose primary key is
// key. The table must have an int or string primary key; a collision fails
// with DuplicateKey before anything is allocated.
func (t *Table) AddEmptyRowWithKey(key any) (*Row, error) {
	b, ts, err := t.write("AddEmptyRowWithKey")
	if err != nil {
		return nil, err
	}
	pk := ts.PrimaryKey()
	if pk < 0 {
		return nil, dberr.New(dberr.CodeFieldNotFound, "table %s has no primary key", t.name)
	}
	v, err := store.ValueOf(key)
	if err != nil {
		return nil, dberr.New(dberr.CodeTypeMismatch, "table %s: %v", t.name, err)
	}
	col := ts.Column(pk)
	if v.Type() != col.Type {
		return nil, dberr.New(dberr.CodeTypeMismatch, "table %s: primary key %s expects %s, got %s", t.name, col.Name, col.Type, v.Type())
	}
	values := defaults(ts)
	values[pk] = v
	return t.addRow(b, ts, values)
}

func (t *Table) addRow(b *store.Builder, ts *store.TableState, values []store.Value) (*Row, error) {
	_, key, err := b.AddRow(ts.Name(), values)
	if err != nil {
		return nil, err
	}
	return &Row{t: t, key: key, checked: true}, nil
}

func defaults(ts *store.TableState) []store.Value {
	values := make([]store.Value, ts.ColumnCount())
	for i := range values {
		values[i] = store.Zero(ts.Column(i).Type)
	}
	return values
}

// MoveLastOver deletes the row at index by moving the last row into its
// slot. Handles onto the deleted row become detached; the moved row's
// handles follow it to index.
func (t *Table) MoveLastOver(index int) error {
	b, ts, err := t.write("MoveLastOver")
	if err != nil {
		return err
	}
	return b.MoveLastOver(ts.Name(), index)
}

// Clear removes every row.
func (t *Table) Clear() error {
	b, ts, err := t.write("Clear")
	if err != nil {
		return err
	}
	return b.Clear(ts.Name())
}

// CheckedRow returns a handle onto the row at index whose accessors validate
// the column on every call.
func (t *Table) CheckedRow(index int) (*Row, error) {
	return t.row("CheckedRow", index, true)
}

// UncheckedRow returns a handle onto the row at index whose accessors skip
// column validation. Use it only after ValidateModel has checked the schema.
func (t *Table) UncheckedRow(index int) (*Row, error) {
	return t.row("UncheckedRow", index, false)
}

// RowByKey returns a checked handle onto the row with the given stable key.
func (t *Table) RowByKey(key int64) (*Row, error) {
	ts, err := t.state("RowByKey")
	if err != nil {
		return nil, err
	}
	if _, ok := ts.IndexOf(key); !ok {
		return nil, dberr.NoLongerManaged(t.name)
	}
	return &Row{t: t, key: key, checked: true}, nil
}

func (t *Table) row(op string, index int, checked bool) (*Row, error) {
	ts, err := t.state(op)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= ts.Len() {
		return nil, dberr.New(dberr.CodeFieldNotFound, "table %s: row index %d out of range [0,%d)", t.name, index, ts.Len())
	}
	return &Row{t: t, key: ts.Key(index), checked: checked}, nil
}

// FindFirstInt returns the index of the first row whose column col holds v,
// or -1.
func (t *Table) FindFirstInt(col int, v int64) (int, error) {
	return t.findFirst("FindFirstInt", col, store.Int(v))
}

// FindFirstString returns the index of the first row whose column col holds
// v, or -1. v is NFC normalized before comparison.
func (t *Table) FindFirstString(col int, v string) (int, error) {
	sv, _ := store.ValueOf(v)
	return t.findFirst("FindFirstString", col, sv)
}

func (t *Table) findFirst(op string, col int, v store.Value) (int, error) {
	ts, err := t.state(op)
	if err != nil {
		return -1, err
	}
	if err := checkColumn(ts, col, v.Type()); err != nil {
		return -1, err
	}
	return ts.FindFirst(col, v), nil
}

func checkColumn(ts *store.TableState, col int, want store.ColumnType) error {
	if col < 0 || col >= ts.ColumnCount() {
		return dberr.New(dberr.CodeFieldNotFound, "table %s: column index %d out of range", ts.Name(), col)
	}
	if got := ts.Column(col).Type; got != want {
		return dberr.New(dberr.CodeTypeMismatch, "table %s: column %s is %s, not %s", ts.Name(), ts.Column(col).Name, got, want)
	}
	return nil
}

package table

import (
	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
)

// Row is a handle onto one row. It tracks the row by its stable key, so it
// stays attached while the row moves and detaches when the row is deleted.
type Row struct {
	t       *Table
	key     int64
	checked bool
}

// Key returns the row's stable key.
func (r *Row) Key() int64 { return r.key }

// Table returns the table handle the row belongs to.
func (r *Row) Table() *Table { return r.t }

// locate resolves the row's current index.
func (r *Row) locate(op string) (*store.TableState, int, error) {
	ts, err := r.t.state(op)
	if err != nil {
		return nil, 0, err
	}
	idx, ok := ts.IndexOf(r.key)
	if !ok {
		return nil, 0, dberr.NoLongerManaged(r.t.name)
	}
	return ts, idx, nil
}

// IsAttached reports whether the row still exists and the handle is usable.
func (r *Row) IsAttached() bool {
	_, _, err := r.locate("IsAttached")
	return err == nil
}

// Index returns the row's current position in its table.
func (r *Row) Index() (int, error) {
	_, idx, err := r.locate("Index")
	return idx, err
}

func (r *Row) get(op string, col int, want store.ColumnType) (store.Value, error) {
	ts, idx, err := r.locate(op)
	if err != nil {
		return nil, err
	}
	if r.checked {
		if err := checkColumn(ts, col, want); err != nil {
			return nil, err
		}
	}
	return ts.Value(idx, col), nil
}

func (r *Row) set(op string, col int, v store.Value) error {
	b, ts, err := r.t.write(op)
	if err != nil {
		return err
	}
	idx, ok := ts.IndexOf(r.key)
	if !ok {
		return dberr.NoLongerManaged(r.t.name)
	}
	if r.checked {
		if err := checkColumn(ts, col, v.Type()); err != nil {
			return err
		}
	}
	return b.SetValue(ts.Name(), idx, col, v)
}

// Value returns the cell in column col without a type check.
func (r *Row) Value(col int) (store.Value, error) {
	ts, idx, err := r.locate("Value")
	if err != nil {
		return nil, err
	}
	if r.checked && (col < 0 || col >= ts.ColumnCount()) {
		return nil, dberr.New(dberr.CodeFieldNotFound, "table %s: column index %d out of range", ts.Name(), col)
	}
	return ts.Value(idx, col), nil
}

func (r *Row) Int(col int) (int64, error) {
	v, err := r.get("Int", col, store.TypeInt)
	if err != nil {
		return 0, err
	}
	i, _ := v.(store.Int)
	return int64(i), nil
}

func (r *Row) String(col int) (string, error) {
	v, err := r.get("String", col, store.TypeString)
	if err != nil {
		return "", err
	}
	s, _ := v.(store.String)
	return string(s), nil
}

func (r *Row) Bool(col int) (bool, error) {
	v, err := r.get("Bool", col, store.TypeBool)
	if err != nil {
		return false, err
	}
	b, _ := v.(store.Bool)
	return bool(b), nil
}

func (r *Row) Double(col int) (float64, error) {
	v, err := r.get("Double", col, store.TypeDouble)
	if err != nil {
		return 0, err
	}
	d, _ := v.(store.Double)
	return float64(d), nil
}

func (r *Row) Binary(col int) ([]byte, error) {
	v, err := r.get("Binary", col, store.TypeBinary)
	if err != nil {
		return nil, err
	}
	b, _ := v.(store.Binary)
	return []byte(b), nil
}

func (r *Row) SetInt(col int, v int64) error {
	return r.set("SetInt", col, store.Int(v))
}

// SetString writes v NFC normalized.
func (r *Row) SetString(col int, v string) error {
	sv, _ := store.ValueOf(v)
	return r.set("SetString", col, sv)
}

func (r *Row) SetBool(col int, v bool) error {
	return r.set("SetBool", col, store.Bool(v))
}

func (r *Row) SetDouble(col int, v float64) error {
	return r.set("SetDouble", col, store.Double(v))
}

func (r *Row) SetBinary(col int, v []byte) error {
	bv, _ := store.ValueOf(v)
	return r.set("SetBinary", col, bv)
}

// Set writes a Go value (int, string, bool, float64 or []byte) to column
// col. Strings are NFC normalized.
func (r *Row) Set(col int, v any) error {
	sv, err := store.ValueOf(v)
	if err != nil {
		return dberr.New(dberr.CodeTypeMismatch, "table %s: %v", r.t.name, err)
	}
	return r.set("Set", col, sv)
}

// Delete removes the row with MoveLastOver. The handle is detached afterwards.
func (r *Row) Delete() error {
	b, ts, err := r.t.write("Delete")
	if err != nil {
		return err
	}
	idx, ok := ts.IndexOf(r.key)
	if !ok {
		return dberr.NoLongerManaged(r.t.name)
	}
	return b.MoveLastOver(ts.Name(), idx)
}

package store

import (
	"fmt"
	"slices"

	"github.com/benbjohnson/immutable"
)

// ColumnSpec declares one column.
type ColumnSpec struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// TableSpec declares a table. PrimaryKey names an int or string column, or
// is empty for tables without a primary key.
type TableSpec struct {
	Name       string       `json:"name" yaml:"name"`
	Columns    []ColumnSpec `json:"columns" yaml:"columns"`
	PrimaryKey string       `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// Validate checks names, types and the primary key declaration.
func (s TableSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("table name is required")
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %s: column name is required", s.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", s.Name, c.Name)
		}
		if _, ok := columnTypeNames[c.Type]; !ok {
			return fmt.Errorf("table %s: column %s has invalid type %d", s.Name, c.Name, int(c.Type))
		}
		seen[c.Name] = true
	}
	if s.PrimaryKey == "" {
		return nil
	}
	for _, c := range s.Columns {
		if c.Name == s.PrimaryKey {
			if c.Type != TypeInt && c.Type != TypeString {
				return fmt.Errorf("table %s: primary key %s must be int or string, got %s", s.Name, c.Name, c.Type)
			}
			return nil
		}
	}
	return fmt.Errorf("table %s: primary key %q is not a column", s.Name, s.PrimaryKey)
}

// Row is one stored row. Key is stable for the lifetime of the row and is
// never reused within a table.
type Row struct {
	Key    int64
	Values []Value
}

// TableState is an immutable table inside a Snapshot. Mutations produce a
// new TableState sharing structure with the old one.
type TableState struct {
	id      int64
	name    string
	columns []ColumnSpec
	pk      int
	layout  uint64
	nextKey int64
	rows    *immutable.List[*Row]
	keys    *immutable.Map[int64, int]
	pkIndex *immutable.Map[string, int64]
}

func newTableState(id int64, spec TableSpec, layout uint64) *TableState {
	t := &TableState{
		id:      id,
		name:    spec.Name,
		columns: slices.Clone(spec.Columns),
		pk:      -1,
		layout:  layout,
	}
	for i, c := range t.columns {
		if c.Name == spec.PrimaryKey {
			t.pk = i
		}
	}
	t.reset()
	return t
}

func (t *TableState) reset() {
	t.rows = immutable.NewList[*Row]()
	t.keys = immutable.NewMap[int64, int](nil)
	t.pkIndex = immutable.NewMap[string, int64](nil)
}

func (t *TableState) clone() *TableState {
	c := *t
	return &c
}

func (t *TableState) ID() int64      { return t.id }
func (t *TableState) Name() string   { return t.name }
func (t *TableState) Len() int       { return t.rows.Len() }
func (t *TableState) Layout() uint64 { return t.layout }

// Columns returns a copy of the column declarations.
func (t *TableState) Columns() []ColumnSpec {
	return slices.Clone(t.columns)
}

// ColumnCount returns the number of columns.
func (t *TableState) ColumnCount() int {
	return len(t.columns)
}

// Column returns the declaration of column i.
func (t *TableState) Column(i int) ColumnSpec {
	return t.columns[i]
}

// ColumnIndex returns the position of the named column, or -1.
func (t *TableState) ColumnIndex(name string) int {
	for i, c := range t.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// PrimaryKey returns the primary key column index, or -1.
func (t *TableState) PrimaryKey() int {
	return t.pk
}

// Spec returns the declaration the table was created from.
func (t *TableState) Spec() TableSpec {
	spec := TableSpec{Name: t.name, Columns: t.Columns()}
	if t.pk >= 0 {
		spec.PrimaryKey = t.columns[t.pk].Name
	}
	return spec
}

// Key returns the stable key of the row at index i.
func (t *TableState) Key(i int) int64 {
	return t.rows.Get(i).Key
}

// Value returns the cell at row i, column col.
func (t *TableState) Value(i, col int) Value {
	return t.rows.Get(i).Values[col]
}

// Row returns a copy of the row at index i.
func (t *TableState) Row(i int) Row {
	r := t.rows.Get(i)
	return Row{Key: r.Key, Values: slices.Clone(r.Values)}
}

// IndexOf returns the current index of the row with the given key.
func (t *TableState) IndexOf(key int64) (int, bool) {
	return t.keys.Get(key)
}

// FindPrimaryKey returns the row key holding primary-key value v.
func (t *TableState) FindPrimaryKey(v Value) (int64, bool) {
	if t.pk < 0 {
		return 0, false
	}
	k, ok := keyOf(v)
	if !ok {
		return 0, false
	}
	return t.pkIndex.Get(k)
}

// FindFirst returns the index of the first row whose column col equals v, or -1.
func (t *TableState) FindFirst(col int, v Value) int {
	if col == t.pk {
		if key, ok := t.FindPrimaryKey(v); ok {
			idx, _ := t.keys.Get(key)
			return idx
		}
		return -1
	}
	itr := t.rows.Iterator()
	for !itr.Done() {
		i, r := itr.Next()
		if Equal(r.Values[col], v) {
			return i
		}
	}
	return -1
}

// Keys returns the row keys in index order.
func (t *TableState) Keys() []int64 {
	keys := make([]int64, 0, t.rows.Len())
	itr := t.rows.Iterator()
	for !itr.Done() {
		_, r := itr.Next()
		keys = append(keys, r.Key)
	}
	return keys
}

func (t *TableState) appendRow(values []Value) (*TableState, int, int64) {
	c := t.clone()
	c.nextKey++
	key := c.nextKey
	idx := c.rows.Len()
	c.rows = c.rows.Append(&Row{Key: key, Values: values})
	c.keys = c.keys.Set(key, idx)
	if c.pk >= 0 {
		if k, ok := keyOf(values[c.pk]); ok {
			c.pkIndex = c.pkIndex.Set(k, key)
		}
	}
	return c, idx, key
}

func (t *TableState) setValue(i, col int, v Value) *TableState {
	c := t.clone()
	row := c.rows.Get(i)
	values := slices.Clone(row.Values)
	old := values[col]
	values[col] = v
	c.rows = c.rows.Set(i, &Row{Key: row.Key, Values: values})
	if col == c.pk {
		if k, ok := keyOf(old); ok {
			c.pkIndex = c.pkIndex.Delete(k)
		}
		if k, ok := keyOf(v); ok {
			c.pkIndex = c.pkIndex.Set(k, row.Key)
		}
	}
	return c
}

// moveLastOver removes row i by moving the last row into its slot.
// It returns the removed key and the key of the moved row (0 if none moved).
func (t *TableState) moveLastOver(i int) (*TableState, int64, int64) {
	c := t.clone()
	last := c.rows.Len() - 1
	removed := c.rows.Get(i)

	var moved int64
	if i != last {
		lr := c.rows.Get(last)
		c.rows = c.rows.Set(i, lr)
		c.keys = c.keys.Set(lr.Key, i)
		moved = lr.Key
	}
	if last == 0 {
		c.rows = immutable.NewList[*Row]()
	} else {
		c.rows = c.rows.Slice(0, last)
	}
	c.keys = c.keys.Delete(removed.Key)
	if c.pk >= 0 {
		if k, ok := keyOf(removed.Values[c.pk]); ok {
			c.pkIndex = c.pkIndex.Delete(k)
		}
	}
	return c, removed.Key, moved
}

func (t *TableState) cleared() *TableState {
	c := t.clone()
	c.reset()
	return c
}

func (t *TableState) renamed(name string, layout uint64) *TableState {
	c := t.clone()
	c.name = name
	c.layout = layout
	return c
}

// Snapshot is an immutable view of every table at one version.
type Snapshot struct {
	version       Version
	tables        *immutable.SortedMap[string, *TableState]
	schemaVersion uint64
	nextTableID   int64
	nextLayout    uint64
}

func newSnapshot() *Snapshot {
	return &Snapshot{tables: immutable.NewSortedMap[string, *TableState](nil)}
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	return &c
}

func (s *Snapshot) Version() Version      { return s.version }
func (s *Snapshot) SchemaVersion() uint64 { return s.schemaVersion }
func (s *Snapshot) TableCount() int       { return s.tables.Len() }

// Table returns the named table.
func (s *Snapshot) Table(name string) (*TableState, bool) {
	return s.tables.Get(name)
}

// HasTable reports whether the named table exists.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.tables.Get(name)
	return ok
}

// TableNames returns table names in sorted order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, 0, s.tables.Len())
	itr := s.tables.Iterator()
	for !itr.Done() {
		name, _, _ := itr.Next()
		names = append(names, name)
	}
	return names
}

func (s *Snapshot) tableByID(id int64) *TableState {
	itr := s.tables.Iterator()
	for !itr.Done() {
		_, t, _ := itr.Next()
		if t.id == id {
			return t
		}
	}
	return nil
}

func (s *Snapshot) withTable(t *TableState) *Snapshot {
	c := s.clone()
	c.tables = s.tables.Set(t.name, t)
	return c
}

func (s *Snapshot) withoutTable(name string) *Snapshot {
	c := s.clone()
	c.tables = s.tables.Delete(name)
	return c
}

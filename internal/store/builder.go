package store

import (
	"fmt"

	"github.com/roach88/snapdb/internal/dberr"
)

// Builder accumulates the writes of one write transaction on top of a base
// snapshot. The working snapshot is visible to the writer through Snapshot;
// nothing becomes visible to readers until Store.Commit installs it.
type Builder struct {
	base    Version
	snap    *Snapshot
	changes *ChangeSet
}

// ChangeSet records what a builder touched so the commit can persist only
// the affected rows.
type ChangeSet struct {
	tables        map[int64]*tableChange
	dropped       map[int64]bool
	schemaVersion bool
}

type tableChange struct {
	meta    bool
	cleared bool
	upserts map[int64]bool
	deletes map[int64]bool
}

// NewBuilder starts a builder on base.
func NewBuilder(base *Snapshot) *Builder {
	return &Builder{
		base: base.version,
		snap: base,
		changes: &ChangeSet{
			tables:  make(map[int64]*tableChange),
			dropped: make(map[int64]bool),
		},
	}
}

// Base returns the version the builder started from.
func (b *Builder) Base() Version { return b.base }

// Snapshot returns the working snapshot including uncommitted writes.
func (b *Builder) Snapshot() *Snapshot { return b.snap }

// TouchedTables returns the names of tables modified so far.
func (b *Builder) TouchedTables() []string {
	var names []string
	for _, name := range b.snap.TableNames() {
		t, _ := b.snap.Table(name)
		if _, ok := b.changes.tables[t.id]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (b *Builder) change(id int64) *tableChange {
	tc, ok := b.changes.tables[id]
	if !ok {
		tc = &tableChange{upserts: make(map[int64]bool), deletes: make(map[int64]bool)}
		b.changes.tables[id] = tc
	}
	return tc
}

func (b *Builder) table(name string) (*TableState, error) {
	t, ok := b.snap.Table(name)
	if !ok {
		return nil, dberr.New(dberr.CodeTableNotFound, "table %q does not exist", name)
	}
	return t, nil
}

// CreateTable adds a table.
func (b *Builder) CreateTable(spec TableSpec) (*TableState, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if b.snap.HasTable(spec.Name) {
		return nil, dberr.New(dberr.CodeTableExists, "table %q already exists", spec.Name)
	}
	snap := b.snap.clone()
	snap.nextTableID++
	snap.nextLayout++
	t := newTableState(snap.nextTableID, spec, snap.nextLayout)
	b.snap = snap.withTable(t)
	b.change(t.id).meta = true
	return t, nil
}

// RemoveTable drops a table and its rows.
func (b *Builder) RemoveTable(name string) error {
	t, err := b.table(name)
	if err != nil {
		return err
	}
	b.snap = b.snap.withoutTable(name)
	delete(b.changes.tables, t.id)
	b.changes.dropped[t.id] = true
	return nil
}

// RenameTable renames a table. The renamed table gets a new layout, so
// handles opened under the old name become invalid.
func (b *Builder) RenameTable(from, to string) error {
	t, err := b.table(from)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if b.snap.HasTable(to) {
		return dberr.New(dberr.CodeTableExists, "table %q already exists", to)
	}
	snap := b.snap.withoutTable(from)
	snap.nextLayout++
	b.snap = snap.withTable(t.renamed(to, snap.nextLayout))
	b.change(t.id).meta = true
	return nil
}

// AddRow appends a row and returns its index and key. values must match the
// column types; a primary-key collision fails with a DuplicateKey error and
// leaves the table unchanged.
func (b *Builder) AddRow(name string, values []Value) (int, int64, error) {
	t, err := b.table(name)
	if err != nil {
		return 0, 0, err
	}
	if len(values) != len(t.columns) {
		return 0, 0, fmt.Errorf("table %s: expected %d values, got %d", name, len(t.columns), len(values))
	}
	for i, v := range values {
		if v == nil || v.Type() != t.columns[i].Type {
			return 0, 0, dberr.New(dberr.CodeTypeMismatch, "table %s: column %s expects %s", name, t.columns[i].Name, t.columns[i].Type)
		}
	}
	if t.pk >= 0 {
		if _, dup := t.FindPrimaryKey(values[t.pk]); dup {
			return 0, 0, dberr.DuplicateKey(name, t.columns[t.pk].Name, Native(values[t.pk]))
		}
	}
	next, idx, key := t.appendRow(values)
	b.snap = b.snap.withTable(next)
	tc := b.change(t.id)
	tc.upserts[key] = true
	return idx, key, nil
}

// SetValue writes one cell.
func (b *Builder) SetValue(name string, index, col int, v Value) error {
	t, err := b.table(name)
	if err != nil {
		return err
	}
	if index < 0 || index >= t.Len() {
		return fmt.Errorf("table %s: row index %d out of range [0,%d)", name, index, t.Len())
	}
	if col < 0 || col >= len(t.columns) {
		return dberr.New(dberr.CodeFieldNotFound, "table %s: column index %d out of range", name, col)
	}
	if v == nil || v.Type() != t.columns[col].Type {
		return dberr.New(dberr.CodeTypeMismatch, "table %s: column %s expects %s", name, t.columns[col].Name, t.columns[col].Type)
	}
	if col == t.pk {
		if owner, dup := t.FindPrimaryKey(v); dup && owner != t.Key(index) {
			return dberr.DuplicateKey(name, t.columns[col].Name, Native(v))
		}
	}
	next := t.setValue(index, col, v)
	b.snap = b.snap.withTable(next)
	b.change(t.id).upserts[t.Key(index)] = true
	return nil
}

// MoveLastOver deletes the row at index by moving the last row into its slot.
func (b *Builder) MoveLastOver(name string, index int) error {
	t, err := b.table(name)
	if err != nil {
		return err
	}
	if index < 0 || index >= t.Len() {
		return fmt.Errorf("table %s: row index %d out of range [0,%d)", name, index, t.Len())
	}
	next, removed, moved := t.moveLastOver(index)
	b.snap = b.snap.withTable(next)
	tc := b.change(t.id)
	delete(tc.upserts, removed)
	tc.deletes[removed] = true
	if moved != 0 {
		tc.upserts[moved] = true
	}
	return nil
}

// Clear removes every row of a table.
func (b *Builder) Clear(name string) error {
	t, err := b.table(name)
	if err != nil {
		return err
	}
	b.snap = b.snap.withTable(t.cleared())
	tc := b.change(t.id)
	tc.cleared = true
	clear(tc.upserts)
	clear(tc.deletes)
	return nil
}

// SetSchemaVersion records the schema version committed with this builder.
func (b *Builder) SetSchemaVersion(v uint64) {
	snap := b.snap.clone()
	snap.schemaVersion = v
	b.snap = snap
	b.changes.schemaVersion = true
}

// finish stamps the working snapshot with its committed version.
func (b *Builder) finish(v Version) *Snapshot {
	snap := b.snap.clone()
	snap.version = v
	return snap
}

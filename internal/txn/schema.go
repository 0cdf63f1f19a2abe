package txn

import (
	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
)

// CreateTable adds a table in the current write.
func (tx *Transaction) CreateTable(spec store.TableSpec) (*store.TableState, error) {
	b, err := tx.Write("CreateTable")
	if err != nil {
		return nil, err
	}
	return b.CreateTable(spec)
}

// Table returns the named table as seen by the transaction.
func (tx *Transaction) Table(name string) (*store.TableState, error) {
	snap, err := tx.View("Table")
	if err != nil {
		return nil, err
	}
	t, ok := snap.Table(name)
	if !ok {
		return nil, dberr.New(dberr.CodeTableNotFound, "table %q does not exist", name)
	}
	return t, nil
}

// HasTable reports whether the named table is visible to the transaction.
func (tx *Transaction) HasTable(name string) (bool, error) {
	snap, err := tx.View("HasTable")
	if err != nil {
		return false, err
	}
	return snap.HasTable(name), nil
}

// TableNames returns the visible table names in sorted order.
func (tx *Transaction) TableNames() ([]string, error) {
	snap, err := tx.View("TableNames")
	if err != nil {
		return nil, err
	}
	return snap.TableNames(), nil
}

// RemoveTable drops a table in the current write.
func (tx *Transaction) RemoveTable(name string) error {
	b, err := tx.Write("RemoveTable")
	if err != nil {
		return err
	}
	return b.RemoveTable(name)
}

// RenameTable renames a table in the current write.
func (tx *Transaction) RenameTable(from, to string) error {
	b, err := tx.Write("RenameTable")
	if err != nil {
		return err
	}
	return b.RenameTable(from, to)
}

// SchemaVersion returns the schema version visible to the transaction.
func (tx *Transaction) SchemaVersion() (uint64, error) {
	snap, err := tx.View("SchemaVersion")
	if err != nil {
		return 0, err
	}
	return snap.SchemaVersion(), nil
}

// SetSchemaVersion records a new schema version in the current write.
func (tx *Transaction) SetSchemaVersion(v uint64) error {
	b, err := tx.Write("SetSchemaVersion")
	if err != nil {
		return err
	}
	b.SetSchemaVersion(v)
	return nil
}

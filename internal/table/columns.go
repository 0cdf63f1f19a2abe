package table

import (
	"sync"

	"github.com/roach88/snapdb/internal/dberr"
	"github.com/roach88/snapdb/internal/store"
)

// Model is a declared row type: a name plus the fields it expects its table
// to hold.
type Model interface {
	ModelName() string
	Fields() []store.ColumnSpec
}

// SpecModel adapts a TableSpec to Model, using the table name as the model
// name.
type SpecModel store.TableSpec

func (m SpecModel) ModelName() string          { return m.Name }
func (m SpecModel) Fields() []store.ColumnSpec { return m.Columns }

type columnKey struct {
	model string
	field string
}

// ColumnIndices memoizes field-name to column-index lookups per declared
// model. Entries are filled on first miss and never evicted.
var ColumnIndices = &columnCache{}

type columnCache struct {
	m sync.Map // columnKey -> int
}

// Lookup returns the cached column index of field for model.
func (c *columnCache) Lookup(model, field string) (int, bool) {
	v, ok := c.m.Load(columnKey{model, field})
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// Resolve returns the column index of field for model, resolving it against
// t on a miss.
func (c *columnCache) Resolve(t *Table, model, field string) (int, error) {
	if i, ok := c.Lookup(model, field); ok {
		return i, nil
	}
	i, err := t.ColumnIndex(field)
	if err != nil {
		return 0, err
	}
	c.m.Store(columnKey{model, field}, i)
	return i, nil
}

// Len returns the number of cached entries.
func (c *columnCache) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reset drops every entry. Tests only.
func (c *columnCache) Reset() {
	c.m.Clear()
}

// ValidateModel checks once that t holds every field of m with the declared
// type and fills ColumnIndices for them. After it succeeds, unchecked row
// access by the cached indices is safe for the life of the handle.
func ValidateModel(t *Table, m Model) error {
	ts, err := t.state("ValidateModel")
	if err != nil {
		return err
	}
	for _, f := range m.Fields() {
		i := ts.ColumnIndex(f.Name)
		if i < 0 {
			return dberr.New(dberr.CodeFieldNotFound, "model %s: table %s has no column %q", m.ModelName(), t.name, f.Name)
		}
		if got := ts.Column(i).Type; got != f.Type {
			return dberr.New(dberr.CodeTypeMismatch, "model %s: column %s is %s, declared %s", m.ModelName(), f.Name, got, f.Type)
		}
		ColumnIndices.m.Store(columnKey{m.ModelName(), f.Name}, i)
	}
	return nil
}

package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/snapdb/internal/store"
)

// CompileTable parses one table declaration into a TableSpec.
//
// The CUE value should be the table struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`table: Person: { columns: { id: "int" } }`)
//	spec, err := CompileTable(v.LookupPath(cue.ParsePath("table.Person")))
//
// Columns are taken in declaration order unless an order list is given.
func CompileTable(v cue.Value) (store.TableSpec, error) {
	var spec store.TableSpec
	if err := v.Err(); err != nil {
		return spec, formatCUEError(err)
	}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	colsVal := v.LookupPath(cue.ParsePath("columns"))
	if !colsVal.Exists() {
		return spec, &CompileError{Field: "columns", Message: "columns are required", Pos: v.Pos()}
	}
	iter, err := colsVal.Fields()
	if err != nil {
		return spec, formatCUEError(err)
	}
	byName := make(map[string]store.ColumnSpec)
	for iter.Next() {
		typ, err := parseColumnType(iter.Value())
		if err != nil {
			return spec, err
		}
		col := store.ColumnSpec{Name: iter.Label(), Type: typ}
		byName[col.Name] = col
		spec.Columns = append(spec.Columns, col)
	}
	if len(spec.Columns) == 0 {
		return spec, &CompileError{Field: "columns", Message: "at least one column is required", Pos: colsVal.Pos()}
	}

	if orderVal := v.LookupPath(cue.ParsePath("order")); orderVal.Exists() {
		spec.Columns, err = applyOrder(orderVal, byName)
		if err != nil {
			return spec, err
		}
	}

	if pkVal := v.LookupPath(cue.ParsePath("primary_key")); pkVal.Exists() {
		pk, err := pkVal.String()
		if err != nil {
			return spec, formatCUEError(err)
		}
		spec.PrimaryKey = pk
	}

	if err := spec.Validate(); err != nil {
		return spec, &CompileError{Field: "table", Message: err.Error(), Pos: v.Pos()}
	}
	return spec, nil
}

// applyOrder reorders columns to follow the order list, which must name
// every column exactly once.
func applyOrder(v cue.Value, byName map[string]store.ColumnSpec) ([]store.ColumnSpec, error) {
	list, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var cols []store.ColumnSpec
	seen := make(map[string]bool)
	for list.Next() {
		name, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		col, ok := byName[name]
		if !ok {
			return nil, &CompileError{Field: "order", Message: fmt.Sprintf("order names unknown column %q", name), Pos: list.Value().Pos()}
		}
		if seen[name] {
			return nil, &CompileError{Field: "order", Message: fmt.Sprintf("order names column %q twice", name), Pos: list.Value().Pos()}
		}
		seen[name] = true
		cols = append(cols, col)
	}
	if len(cols) != len(byName) {
		return nil, &CompileError{Field: "order", Message: fmt.Sprintf("order lists %d of %d columns", len(cols), len(byName)), Pos: v.Pos()}
	}
	return cols, nil
}

// parseColumnType accepts either a type name ("int") or a CUE type (int).
func parseColumnType(v cue.Value) (store.ColumnType, error) {
	if name, err := v.String(); err == nil {
		t, err := store.ParseColumnType(name)
		if err != nil {
			return 0, &CompileError{Field: "type", Message: err.Error(), Pos: v.Pos()}
		}
		return t, nil
	}

	switch v.IncompleteKind() {
	case cue.IntKind:
		return store.TypeInt, nil
	case cue.StringKind:
		return store.TypeString, nil
	case cue.BoolKind:
		return store.TypeBool, nil
	case cue.FloatKind, cue.NumberKind:
		return store.TypeDouble, nil
	case cue.BytesKind:
		return store.TypeBinary, nil
	default:
		return 0, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("unsupported type kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError is a schema error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error together with its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

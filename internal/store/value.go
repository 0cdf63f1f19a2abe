package store

import (
	"bytes"
	"cmp"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// ColumnType is the declared type of a column.
type ColumnType int

const (
	TypeInt ColumnType = iota + 1
	TypeString
	TypeBool
	TypeDouble
	TypeBinary
)

var columnTypeNames = map[ColumnType]string{
	TypeInt:    "int",
	TypeString: "string",
	TypeBool:   "bool",
	TypeDouble: "double",
	TypeBinary: "binary",
}

func (t ColumnType) String() string {
	if s, ok := columnTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseColumnType parses a type name as written in schema files.
func ParseColumnType(s string) (ColumnType, error) {
	for t, name := range columnTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t ColumnType) MarshalText() ([]byte, error) {
	if _, ok := columnTypeNames[t]; !ok {
		return nil, fmt.Errorf("invalid column type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ColumnType) UnmarshalText(b []byte) error {
	parsed, err := ParseColumnType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value is a sealed interface over the cell types a table can hold.
type Value interface {
	Type() ColumnType
}

type (
	Int    int64
	String string
	Bool   bool
	Double float64
	Binary []byte
)

func (Int) Type() ColumnType    { return TypeInt }
func (String) Type() ColumnType { return TypeString }
func (Bool) Type() ColumnType   { return TypeBool }
func (Double) Type() ColumnType { return TypeDouble }
func (Binary) Type() ColumnType { return TypeBinary }

// Zero returns the default value of a column type.
func Zero(t ColumnType) Value {
	switch t {
	case TypeInt:
		return Int(0)
	case TypeString:
		return String("")
	case TypeBool:
		return Bool(false)
	case TypeDouble:
		return Double(0)
	case TypeBinary:
		return Binary(nil)
	default:
		return nil
	}
}

// ValueOf converts a Go value to a Value. Strings are NFC normalized so that
// canonically equivalent keys compare equal.
func ValueOf(v any) (Value, error) {
	switch val := v.(type) {
	case String:
		return String(norm.NFC.String(string(val))), nil
	case Value:
		return val, nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case string:
		return String(norm.NFC.String(val)), nil
	case bool:
		return Bool(val), nil
	case float32:
		return Double(val), nil
	case float64:
		return Double(val), nil
	case []byte:
		return Binary(bytes.Clone(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Native returns the plain Go value behind v.
func Native(v Value) any {
	switch val := v.(type) {
	case Int:
		return int64(val)
	case String:
		return string(val)
	case Bool:
		return bool(val)
	case Double:
		return float64(val)
	case Binary:
		return []byte(val)
	default:
		return nil
	}
}

// Equal reports whether a and b hold the same type and value.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	if ab, ok := a.(Binary); ok {
		return bytes.Equal(ab, b.(Binary))
	}
	return a == b
}

// Compare orders two values of the same type. Values of different types
// order by type.
func Compare(a, b Value) int {
	if a.Type() != b.Type() {
		return cmp.Compare(a.Type(), b.Type())
	}
	switch av := a.(type) {
	case Int:
		return cmp.Compare(av, b.(Int))
	case String:
		return cmp.Compare(av, b.(String))
	case Double:
		return cmp.Compare(av, b.(Double))
	case Bool:
		switch {
		case av == b.(Bool):
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case Binary:
		return bytes.Compare(av, b.(Binary))
	}
	return 0
}

// keyOf encodes a primary-key value for the key index.
func keyOf(v Value) (string, bool) {
	switch val := v.(type) {
	case Int:
		return fmt.Sprintf("i:%d", int64(val)), true
	case String:
		return "s:" + string(val), true
	default:
		return "", false
	}
}

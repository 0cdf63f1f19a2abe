// Package schema loads table declarations written in CUE.
//
// A schema directory holds one CUE package. Each table is declared under
// the top-level table field; an optional schema_version field gives the
// version a migration should bring the store to:
//
//	schema_version: 2
//
//	table: Person: {
//		primary_key: "id"
//		columns: { id: "int", name: "string", active: "bool" }
//		order: ["id", "name", "active"]
//	}
package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/snapdb/internal/store"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Schema is the result of loading a schema directory.
type Schema struct {
	Version   uint64
	Tables    []store.TableSpec
	FileCount int
}

// Table returns the declared table named name.
func (s *Schema) Table(name string) (store.TableSpec, bool) {
	i := slices.IndexFunc(s.Tables, func(t store.TableSpec) bool { return t.Name == name })
	if i < 0 {
		return store.TableSpec{}, false
	}
	return s.Tables[i], true
}

// Error codes reported by the loader.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed

	ErrCodeColumns  = "E201" // Missing or empty columns
	ErrCodeType     = "E202" // Unknown column type
	ErrCodeOrder    = "E203" // Order list does not match the columns
	ErrCodeTable    = "E204" // Invalid table declaration (primary key, names)
	ErrCodeNoTables = "E205" // No tables declared
)

// LoadError is a loading error with its CUE position, if known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDir loads the schema in dir, stopping at the first error.
func LoadDir(dir string) (*Schema, error) {
	s, errs := Load(dir, LoadModeFailFast)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return s, nil
}

// Load loads the schema in dir. In LoadModeCollectAll every table is
// compiled and all errors are returned; the schema holds the tables that
// compiled.
func Load(dir string, mode LoadMode) (*Schema, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("schema directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing schema directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	s, errs := Compile(value, mode)
	if s != nil {
		s.FileCount = len(files)
	}
	return s, errs
}

// Compile extracts the schema from an already built CUE value.
func Compile(value cue.Value, mode LoadMode) (*Schema, []error) {
	var errs []error
	s := &Schema{}

	if v := value.LookupPath(cue.ParsePath("schema_version")); v.Exists() {
		n, err := v.Uint64()
		if err != nil {
			errs = append(errs, convertCompileError(formatCUEError(err), "schema_version"))
			if mode == LoadModeFailFast {
				return s, errs
			}
		}
		s.Version = n
	}

	tables := value.LookupPath(cue.ParsePath("table"))
	if tables.Exists() {
		iter, err := tables.Fields()
		if err != nil {
			errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("iterating tables: %v", err)})
			return s, errs
		}
		for iter.Next() {
			spec, err := CompileTable(iter.Value())
			if err != nil {
				errs = append(errs, convertCompileError(err, "table."+iter.Label()))
				if mode == LoadModeFailFast {
					return s, errs
				}
				continue
			}
			s.Tables = append(s.Tables, spec)
		}
	}

	if len(s.Tables) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeNoTables, Message: "no tables declared"})
	}
	return s, errs
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func convertCompileError(err error, context string) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return &LoadError{Code: codeForField(ce.Field), Message: context + ": " + ce.Message, Pos: ce.Pos}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("%s: %v", context, err)}
}

func codeForField(field string) string {
	switch {
	case field == "columns":
		return ErrCodeColumns
	case field == "type":
		return ErrCodeType
	case field == "order":
		return ErrCodeOrder
	case field == "table", strings.HasPrefix(field, "primary_key"):
		return ErrCodeTable
	default:
		return ErrCodeGeneric
	}
}

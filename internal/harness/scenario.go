package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/snapdb/internal/store"
)

// Scenario is a scripted interleaving of session operations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Durability is "memory" (default) or "full".
	Durability string `yaml:"durability,omitempty"`

	// Schema is a CUE schema directory, relative to the scenario file.
	Schema string `yaml:"schema,omitempty"`

	// Tables are created before the first step, after any schema tables.
	Tables []store.TableSpec `yaml:"tables,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// Step is one operation on one thread.
type Step struct {
	Thread string `yaml:"thread"`
	Op     string `yaml:"op"`

	// Session runs the step against another thread's session.
	Session string `yaml:"session,omitempty"`

	// Listen makes open deliver change notifications to the thread.
	Listen bool `yaml:"listen,omitempty"`

	Table string `yaml:"table,omitempty"`

	// Rows are inserted by insert, as column name to value.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Key addresses the row for update and delete by primary key.
	Key any `yaml:"key,omitempty"`

	// Set holds the new values for update.
	Set map[string]any `yaml:"set,omitempty"`

	// Where filters expect_rows by column equality.
	Where map[string]any `yaml:"where,omitempty"`

	// Keys are the primary keys expect_rows must see, in any order.
	Keys []any `yaml:"keys,omitempty"`

	// Count is the number of rows expect_rows must see.
	Count *int `yaml:"count,omitempty"`

	// Version is the version the session must read after the step.
	Version *uint64 `yaml:"version,omitempty"`

	// Error is the error code the step must fail with.
	Error string `yaml:"error,omitempty"`
}

// Step operations.
const (
	OpOpen        = "open"
	OpBegin       = "begin"
	OpInsert      = "insert"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpCommit      = "commit"
	OpRollback    = "rollback"
	OpAdvance     = "advance"
	OpExpectRows  = "expect_rows"
	OpAwaitChange = "await_change"
	OpClose       = "close"
)

var ops = []string{
	OpOpen, OpBegin, OpInsert, OpUpdate, OpDelete, OpCommit,
	OpRollback, OpAdvance, OpExpectRows, OpAwaitChange, OpClose,
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if sc.Schema != "" && !filepath.IsAbs(sc.Schema) {
		sc.Schema = filepath.Join(filepath.Dir(path), sc.Schema)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks required fields and per-operation arguments.
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := s.durability(); err != nil {
		return err
	}
	if s.Schema != "" {
		if info, err := os.Stat(s.Schema); err != nil || !info.IsDir() {
			return fmt.Errorf("schema directory not found: %s", s.Schema)
		}
	}
	for i, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tables[%d]: %w", i, err)
		}
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) durability() (store.Durability, error) {
	switch s.Durability {
	case "", "memory":
		return store.MemoryOnly, nil
	case "full":
		return store.Full, nil
	default:
		return 0, fmt.Errorf("unknown durability %q", s.Durability)
	}
}

func validateStep(i int, st *Step) error {
	if st.Thread == "" {
		return fmt.Errorf("steps[%d]: thread is required", i)
	}
	if !slices.Contains(ops, st.Op) {
		return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
	}

	switch st.Op {
	case OpInsert:
		if st.Table == "" || len(st.Rows) == 0 {
			return fmt.Errorf("steps[%d]: insert requires table and rows", i)
		}
	case OpUpdate:
		if st.Table == "" || st.Key == nil || len(st.Set) == 0 {
			return fmt.Errorf("steps[%d]: update requires table, key and set", i)
		}
	case OpDelete:
		if st.Table == "" || st.Key == nil {
			return fmt.Errorf("steps[%d]: delete requires table and key", i)
		}
	case OpExpectRows:
		if st.Table == "" {
			return fmt.Errorf("steps[%d]: expect_rows requires table", i)
		}
		if st.Keys == nil && st.Count == nil {
			return fmt.Errorf("steps[%d]: expect_rows requires keys or count", i)
		}
	case OpOpen:
		if st.Session != "" {
			return fmt.Errorf("steps[%d]: open cannot target another thread's session", i)
		}
	case OpAwaitChange:
		if st.Session != "" {
			return fmt.Errorf("steps[%d]: await_change cannot target another thread's session", i)
		}
	}
	if st.Listen && st.Op != OpOpen {
		return fmt.Errorf("steps[%d]: listen only applies to open", i)
	}
	return nil
}

package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the golden-file form of a scenario run.
type TraceSnapshot struct {
	Scenario string       `json:"scenario"`
	Pass     bool         `json:"pass"`
	Trace    []TraceEvent `json:"trace"`
}

// MarshalTrace renders result as indented JSON with a trailing newline.
func MarshalTrace(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		Scenario: name,
		Pass:     result.Pass,
		Trace:    result.Trace,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden runs sc and compares its trace against
// testdata/golden/{sc.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), sc, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, sc.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

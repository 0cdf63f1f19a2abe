package harness

import "fmt"

// TraceEvent records the outcome of one step.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Thread  string `json:"thread"`
	Op      string `json:"op"`
	Table   string `json:"table,omitempty"`
	Version uint64 `json:"version"`
	Keys    []any  `json:"keys,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true if every step behaved as expected.
	Pass bool `json:"pass"`

	// Trace has one event per step that ran.
	Trace []TraceEvent `json:"trace"`

	// Errors describes every failed expectation.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// ExpectationError is a step that ran but did not match the scenario.
// Unlike other step errors it does not stop the run.
type ExpectationError struct {
	Step    int
	Message string
}

func (e *ExpectationError) Error() string {
	return fmt.Sprintf("steps[%d]: %s", e.Step, e.Message)
}

func mismatch(step int, format string, args ...any) error {
	return &ExpectationError{Step: step, Message: fmt.Sprintf(format, args...)}
}

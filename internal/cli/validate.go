package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/schema"
)

// ValidationError is one problem found in a schema directory.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid         bool              `json:"valid"`
	SchemaVersion uint64            `json:"schema_version"`
	Tables        []string          `json:"tables,omitempty"`
	Errors        []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate a CUE schema directory",
		Long: `Validate the table declarations in a CUE schema directory without
touching any store. Every table is checked and all problems are reported.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	sc, errs := schema.Load(dir, schema.LoadModeCollectAll)
	if sc == nil && len(errs) > 0 {
		var loadErr *schema.LoadError
		if errors.As(errs[0], &loadErr) {
			return outputValidateError(formatter, loadErr.Code, loadErr.Message)
		}
		return outputValidateError(formatter, schema.ErrCodeGeneric, errs[0].Error())
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", sc.FileCount, dir)

	if len(errs) > 0 {
		return outputValidationErrors(formatter, toValidationErrors(errs))
	}

	result := ValidationResult{Valid: true, SchemaVersion: sc.Version}
	for _, t := range sc.Tables {
		result.Tables = append(result.Tables, t.Name)
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Schema valid: %d table(s), schema version %d\n", len(result.Tables), result.SchemaVersion)
	return nil
}

func toValidationErrors(errs []error) []ValidationError {
	out := make([]ValidationError, 0, len(errs))
	for _, err := range errs {
		var loadErr *schema.LoadError
		if !errors.As(err, &loadErr) {
			out = append(out, ValidationError{Code: schema.ErrCodeGeneric, Message: err.Error()})
			continue
		}
		ve := ValidationError{Code: loadErr.Code, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			ve.File = loadErr.Pos.Filename()
			ve.Line = loadErr.Pos.Line()
		}
		out = append(out, ve)
	}
	return out
}

// outputValidateError reports a schema directory that could not be loaded.
func outputValidateError(formatter *OutputFormatter, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", err.File, err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", err.Code, err.Message)
	}
	return failure
}

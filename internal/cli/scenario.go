package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/snapdb/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Trace   bool          // print each scenario's trace
	Golden  string        // directory of golden traces to compare against
	Update  bool          // rewrite golden traces instead of comparing
	Timeout time.Duration // await_change bound
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string               `json:"name"`
	File   string               `json:"file"`
	Pass   bool                 `json:"pass"`
	Errors []string             `json:"errors,omitempty"`
	Trace  []harness.TraceEvent `json:"trace,omitempty"`
}

// ScenariosResult holds the overall result.
type ScenariosResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file.yaml>...",
		Short: "Run scripted multi-goroutine scenarios",
		Long: `Run scenario files against fresh stores in temporary directories.

Each scenario scripts sessions on named threads. A scenario passes when
every step behaves as scripted and, with --golden, its trace matches
<golden>/<name>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (unreadable or invalid scenario files)

Examples:
  snapdb scenario ./scenarios/*.yaml
  snapdb scenario --golden ./scenarios/golden ./scenarios/*.yaml
  snapdb scenario --golden ./scenarios/golden --update ./scenarios/*.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include each scenario's trace in the output")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces to compare against")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden traces (requires --golden)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", harness.DefaultTimeout, "how long await_change waits")

	return cmd
}

func runScenarios(opts *ScenarioOptions, files []string, cmd *cobra.Command) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	scenarios := make([]*harness.Scenario, 0, len(files))
	for _, file := range files {
		sc, err := harness.LoadScenario(file)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to load %s", file), err)
		}
		scenarios = append(scenarios, sc)
	}

	result := ScenariosResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarios)),
		Total:     len(scenarios),
	}
	w := cmd.OutOrStdout()
	for i, sc := range scenarios {
		r := runOneScenario(opts, sc, cmd)
		r.File = files[i]
		result.Scenarios = append(result.Scenarios, r)
		if r.Pass {
			result.Passed++
		} else {
			result.Failed++
		}

		if opts.Format == "json" {
			continue
		}
		if r.Pass {
			fmt.Fprintf(w, "✓ %s\n", r.Name)
		} else {
			fmt.Fprintf(w, "✗ %s\n", r.Name)
			for _, e := range r.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		if opts.Trace {
			for _, ev := range r.Trace {
				fmt.Fprintf(w, "  %s\n", formatEvent(ev))
			}
		}
	}

	if opts.Format == "json" {
		return outputScenariosJSON(cmd, result)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scenario Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

func runOneScenario(opts *ScenarioOptions, sc *harness.Scenario, cmd *cobra.Command) ScenarioResult {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := ScenarioResult{Name: sc.Name}
	res, err := harness.Run(ctx, sc, harness.WithTimeout(opts.Timeout))
	if err != nil {
		out.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return out
	}
	out.Pass = res.Pass
	out.Errors = res.Errors
	if opts.Trace {
		out.Trace = res.Trace
	}

	if opts.Golden == "" {
		return out
	}
	data, err := harness.MarshalTrace(sc.Name, res)
	if err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("failed to marshal trace: %v", err))
		return out
	}
	goldenPath := filepath.Join(opts.Golden, sc.Name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0755); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to create golden directory: %v", err))
			return out
		}
		if err := os.WriteFile(goldenPath, data, 0644); err != nil {
			out.Pass = false
			out.Errors = append(out.Errors, fmt.Sprintf("failed to write golden file: %v", err))
		}
		return out
	}

	golden, err := os.ReadFile(goldenPath)
	if err != nil {
		out.Pass = false
		out.Errors = append(out.Errors, fmt.Sprintf("failed to read golden file: %v", err))
		return out
	}
	if string(golden) != string(data) {
		out.Pass = false
		out.Errors = append(out.Errors, "trace does not match golden file (run with --update to regenerate)")
	}
	return out
}

func formatEvent(ev harness.TraceEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%3d %-8s %-12s v%d", ev.Seq, ev.Thread, ev.Op, ev.Version)
	if ev.Table != "" {
		fmt.Fprintf(&sb, " %s", ev.Table)
	}
	if ev.Keys != nil {
		fmt.Fprintf(&sb, " %v", ev.Keys)
	}
	if ev.Error != "" {
		fmt.Fprintf(&sb, " error=%s", ev.Error)
	}
	return sb.String()
}

func outputScenariosJSON(cmd *cobra.Command, result ScenariosResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_SCENARIO_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

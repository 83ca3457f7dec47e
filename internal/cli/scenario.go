package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudsync/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Database string // keep local records on disk
	Golden   string // directory of golden traces
	Update   bool   // regenerate the golden trace
}

// Golden comparison outcomes.
const (
	GoldenMatch    = "match"
	GoldenMismatch = "mismatch"
	GoldenUpdated  = "updated"
	GoldenMissing  = "missing"
)

// ScenarioReport is the JSON payload of the scenario command.
type ScenarioReport struct {
	*harness.Result
	Golden string `json:"golden,omitempty"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file.yaml>",
		Short: "Run a sync scenario against an in-memory remote",
		Long: `Run a sync scenario and print its trace.

A scenario seeds an in-memory remote, starts the engine over a local
SQLite store, applies local edits, injected faults, pushes, pulls and
restarts, then checks the expected final state.

With --golden, the trace is also compared against <dir>/<name>.golden;
--update rewrites that file instead.

Exit codes:
  0 - Scenario passed
  1 - Expectations failed or the golden trace differs
  2 - Command error (invalid scenario, missing file, etc.)

Examples:
  cloudsync scenario ./scenarios/retry.yaml
  cloudsync scenario ./scenarios/retry.yaml --golden ./scenarios/golden
  cloudsync scenario ./scenarios/retry.yaml --db /tmp/local.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Database = opts.lookup(cmd, "db")
			opts.Golden = opts.lookup(cmd, "golden")
			return runScenario(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default in memory)")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces to compare against")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate the golden trace (requires --golden)")

	return cmd
}

func runScenario(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	logger := opts.Logger()

	if opts.Update && opts.Golden == "" {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "--update requires --golden", nil)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("scenario file not found: %s", path), nil)
	}

	sc, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "failed to load scenario", err)
	}

	// Interrupts cancel the run; the engine is stopped on the way out.
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runOpts := []harness.Option{harness.WithLogger(logger)}
	if opts.Database != "" {
		runOpts = append(runOpts, harness.WithDatabase(opts.Database))
	}

	logger.Info("running scenario", "name", sc.Name, "file", path, "db", opts.Database)
	result, err := harness.Run(ctx, sc, runOpts...)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "scenario execution failed", err)
	}

	report := ScenarioReport{Result: result}
	if opts.Golden != "" {
		report.Golden, err = compareGolden(result, opts.Golden, opts.Update)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeGeneric, "golden comparison failed", err)
		}
	}
	logger.Info("scenario finished", "name", sc.Name, "pass", result.Pass, "golden", report.Golden)

	if !formatter.IsJSON() {
		printScenario(formatter.Writer, report)
	}

	switch {
	case !result.Pass:
		msg := fmt.Sprintf("%d expectation(s) failed", len(result.Errors))
		if err := formatter.Failure(report, ErrCodeScenarioFailed, msg); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	case report.Golden == GoldenMismatch || report.Golden == GoldenMissing:
		msg := fmt.Sprintf("golden trace %s", report.Golden)
		if err := formatter.Failure(report, ErrCodeGoldenMismatch, msg); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	if formatter.IsJSON() {
		return formatter.Success(report)
	}
	return nil
}

// goldenFilePath returns the golden trace path for a scenario.
func goldenFilePath(dir, name string) string {
	return filepath.Join(dir, name+".golden")
}

// compareGolden compares the rendered result with its golden file, or
// rewrites the file when update is set.
func compareGolden(result *harness.Result, dir string, update bool) (string, error) {
	current, err := harness.Golden(result)
	if err != nil {
		return "", fmt.Errorf("failed to render trace: %w", err)
	}
	path := goldenFilePath(dir, result.Name)

	if update {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create golden directory: %w", err)
		}
		if err := os.WriteFile(path, current, 0644); err != nil {
			return "", fmt.Errorf("failed to write golden file: %w", err)
		}
		return GoldenUpdated, nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GoldenMissing, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read golden file: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(want), current) {
		return GoldenMatch, nil
	}
	return GoldenMismatch, nil
}

func printScenario(w io.Writer, report ScenarioReport) {
	mark := "✓"
	if !report.Pass {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s\n", mark, report.Name)

	for _, step := range report.Trace {
		line := fmt.Sprintf("  [%d] %s", step.Step, step.Op)
		if step.Target != "" {
			line += " " + step.Target
		}
		if step.Error != "" {
			line += " (error: " + step.Error + ")"
		}
		fmt.Fprintln(w, line)
		for _, ev := range step.Events {
			fmt.Fprintf(w, "        %s\n", describeEvent(ev))
		}
	}

	fmt.Fprintf(w, "  calls: %s  pending: %d\n", formatCalls(report.Calls), report.Pending)
	if report.Golden != "" {
		fmt.Fprintf(w, "  golden: %s\n", report.Golden)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(e, "\n", "\n  "))
	}
}

func describeEvent(ev harness.TraceEvent) string {
	parts := []string{ev.Kind}
	if ev.Type != "" {
		parts = append(parts, ev.Type)
	}
	if len(ev.Types) > 0 {
		parts = append(parts, "types="+strings.Join(ev.Types, ","))
	}
	if ev.Batch != "" {
		parts = append(parts, ev.Batch)
	}
	if ev.Operation != "" {
		parts = append(parts, ev.Operation)
	}
	if ev.Upserts > 0 {
		parts = append(parts, fmt.Sprintf("upserts=%d", ev.Upserts))
	}
	if ev.Deletions > 0 {
		parts = append(parts, fmt.Sprintf("deletions=%d", ev.Deletions))
	}
	if ev.Error != "" {
		parts = append(parts, "error="+ev.Error)
	}
	if len(ev.Failed) > 0 {
		parts = append(parts, "failed="+strings.Join(ev.Failed, ","))
	}
	return strings.Join(parts, " ")
}

// formatCalls lists call counts in a fixed order.
func formatCalls(calls map[string]int) string {
	kinds := []string{"submit", "query", "enumerate", "reattach"}
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, calls[k]))
	}
	return strings.Join(parts, " ")
}

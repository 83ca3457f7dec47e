package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudsync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                     `json:"valid"`
	Types  []TypeSummary            `json:"types,omitempty"`
	Errors []config.ValidationError `json:"errors,omitempty"`
}

// TypeSummary describes one configured record type.
type TypeSummary struct {
	Name          string            `json:"name"`
	Predicate     string            `json:"predicate"`
	Relationships map[string]string `json:"relationships,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue>",
		Short: "Validate an engine configuration",
		Long: `Validate a CUE engine configuration.

The file is checked against the configuration schema (record types,
retry, max_items, rate_limit, pending_ttl), then for consistency:
predicates must parse and relationship targets must be declared.

Exit codes:
  0 - Configuration is valid
  1 - Configuration is invalid
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("config file not found: %s", path), nil)
	}

	formatter.VerboseLog("Validating %s", path)
	cfg, err := config.Load(path)
	if err != nil {
		return outputValidationFailure(formatter, err)
	}

	result := ValidationResult{Valid: true, Types: summarize(cfg)}
	if formatter.IsJSON() {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ Config valid: %d record type(s)\n", len(result.Types))
	for _, ts := range result.Types {
		formatter.VerboseLog("  %s where %s", ts.Name, ts.Predicate)
		for prop, target := range ts.Relationships {
			formatter.VerboseLog("    %s -> %s", prop, target)
		}
	}
	return nil
}

func summarize(cfg *config.Config) []TypeSummary {
	out := make([]TypeSummary, len(cfg.Types))
	for i, rt := range cfg.Types {
		ts := TypeSummary{Name: string(rt.Name), Predicate: string(rt.Predicate)}
		if len(rt.Relationships) > 0 {
			ts.Relationships = make(map[string]string, len(rt.Relationships))
			for _, rel := range rt.Relationships {
				ts.Relationships[rel.Property] = string(rel.Target)
			}
		}
		out[i] = ts
	}
	return out
}

// outputValidationFailure reports every semantic error, or the first
// structural one when the file does not match the schema.
func outputValidationFailure(formatter *OutputFormatter, err error) error {
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		line := 0
		var cerr *config.CompileError
		if errors.As(err, &cerr) && cerr.Pos.IsValid() {
			line = cerr.Pos.Line()
		}
		verrs = config.ValidationErrors{{Field: "config", Message: err.Error(), Code: ErrCodeInvalidConfig, Line: line}}
	}

	msg := fmt.Sprintf("validation failed with %d error(s)", len(verrs))
	if formatter.IsJSON() {
		result := ValidationResult{Valid: false, Errors: verrs}
		if err := formatter.Failure(result, verrs[0].Code, verrs[0].Message); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range verrs {
		if e.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", e.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n", e.Code, e.Field, e.Message)
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, msg)
}

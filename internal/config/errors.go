package config

import (
	"fmt"
	"slices"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a structural error in a configuration file.
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

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

// Validation error codes (E120-E129)
const (
	ErrNoRecordTypes       = "E120" // at least one record type required
	ErrInvalidPredicate    = "E121" // predicate does not parse
	ErrUnknownTargetType   = "E122" // relationship targets an undeclared type
	ErrRetryBaseExceedsMax = "E123" // retry.base > retry.max
)

// ValidationError is a semantic error in a compiled configuration.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors lists every semantic error found.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks a compiled configuration.
// Returns all errors found (does not fail-fast).
func Validate(c *Config) ValidationErrors {
	var errs ValidationErrors

	if len(c.Types) == 0 {
		errs = append(errs, ValidationError{
			Field:   "types",
			Message: "at least one record type is required",
			Code:    ErrNoRecordTypes,
		})
	}

	declared := make(map[string]bool, len(c.Types))
	for _, rt := range c.Types {
		declared[string(rt.Name)] = true
	}

	for _, rt := range c.Types {
		if _, err := rt.Predicate.Parse(); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("types.%s.predicate", rt.Name),
				Message: err.Error(),
				Code:    ErrInvalidPredicate,
			})
		}
		for _, rel := range rt.Relationships {
			if !declared[string(rel.Target)] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("types.%s.relationships.%s", rt.Name, rel.Property),
					Message: fmt.Sprintf("target type %q is not declared", rel.Target),
					Code:    ErrUnknownTargetType,
				})
			}
		}
	}

	if c.Retry.Base > c.Retry.Max {
		errs = append(errs, ValidationError{
			Field:   "retry.base",
			Message: fmt.Sprintf("%s exceeds retry.max %s", c.Retry.Base, c.Retry.Max),
			Code:    ErrRetryBaseExceedsMax,
		})
	}

	return errs
}

func sortRelationships(rels []Relationship) {
	slices.SortFunc(rels, func(a, b Relationship) int {
		return strings.Compare(a.Property, b.Property)
	})
}

package harness

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/cloudsync/internal/record"
)

// AssertionError is returned when an expectation fails.
type AssertionError struct {
	Type     string // Expectation that failed, e.g. "remote" or "calls"
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateExpect checks a result against expectations.
// Returns a message per failed expectation.
func EvaluateExpect(result *Result, expect Expect) []string {
	var errs []error

	for _, want := range expect.Remote {
		errs = append(errs, assertRecord("remote", result.Remote, want, nil))
	}
	for _, k := range expect.RemoteAbsent {
		errs = append(errs, assertAbsent("remote_absent", result.Remote, k))
	}
	for _, want := range expect.Local {
		errs = append(errs, assertRecord("local", result.Local, want.RecordSpec, want.Dirty))
	}
	for _, k := range expect.LocalAbsent {
		errs = append(errs, assertAbsent("local_absent", result.Local, k))
	}

	if expect.Pending != nil && *expect.Pending != result.Pending {
		errs = append(errs, &AssertionError{
			Type:     "pending",
			Expected: fmt.Sprintf("%d unresolved relationships", *expect.Pending),
			Actual:   fmt.Sprintf("%d", result.Pending),
		})
	}

	for _, kind := range slices.Sorted(maps.Keys(expect.Calls)) {
		if got, want := result.Calls[kind], expect.Calls[kind]; got != want {
			errs = append(errs, &AssertionError{
				Type:     "calls",
				Expected: fmt.Sprintf("%d %s calls", want, kind),
				Actual:   fmt.Sprintf("%d", got),
			})
		}
	}

	events := result.Events()
	for _, kind := range slices.Sorted(maps.Keys(expect.Events)) {
		got := 0
		for _, ev := range events {
			if ev.Kind == kind {
				got++
			}
		}
		if want := expect.Events[kind]; got != want {
			errs = append(errs, &AssertionError{
				Type:     "events",
				Expected: fmt.Sprintf("%d %s events", want, kind),
				Actual:   fmt.Sprintf("%d", got),
			})
		}
	}

	if expect.Errors != nil {
		var got []string
		for _, ev := range events {
			if ev.Error != "" {
				got = append(got, ev.Error)
			}
		}
		if !slices.Equal(got, expect.Errors) {
			errs = append(errs, &AssertionError{
				Type:     "errors",
				Expected: fmt.Sprintf("%v", expect.Errors),
				Actual:   fmt.Sprintf("%v", got),
			})
		}
	}

	for _, key := range slices.Sorted(maps.Keys(expect.Metrics)) {
		if got, want := result.Metrics[key], expect.Metrics[key]; got != want {
			errs = append(errs, &AssertionError{
				Type:     "metrics",
				Expected: fmt.Sprintf("%s = %g", key, want),
				Actual:   fmt.Sprintf("%g", got),
			})
		}
	}

	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return msgs
}

// assertRecord checks that a record exists with at least the expected
// fields (subset match) and, per expected property, exactly the expected
// refs.
func assertRecord(kind string, rows []RecordState, want RecordSpec, dirty *bool) error {
	ref := want.ref()
	row, ok := findRecord(rows, ref)
	if !ok {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("record %s", ref),
			Actual:   "not found",
		}
	}

	for _, name := range slices.Sorted(maps.Keys(want.Fields)) {
		got, exists := row.Fields[name]
		if !exists || !valuesEqual(got, want.Fields[name]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s field %s = %v", ref, name, want.Fields[name]),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}

	for _, property := range slices.Sorted(maps.Keys(want.Refs)) {
		got := row.Refs[property]
		if !slices.Equal(got, want.Refs[property]) {
			return &AssertionError{
				Type:     kind,
				Expected: fmt.Sprintf("%s refs %s = %v", ref, property, want.Refs[property]),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}

	if dirty != nil && row.Dirty != *dirty {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("%s dirty = %t", ref, *dirty),
			Actual:   fmt.Sprintf("%t", row.Dirty),
		}
	}
	return nil
}

func assertAbsent(kind string, rows []RecordState, k RecordKey) error {
	if _, ok := findRecord(rows, k.ref()); ok {
		return &AssertionError{
			Type:     kind,
			Expected: fmt.Sprintf("no record %s", k.ref()),
			Actual:   "present",
		}
	}
	return nil
}

func findRecord(rows []RecordState, ref record.RecordRef) (RecordState, bool) {
	for _, r := range rows {
		if r.Type == ref.Type && r.Key == ref.Key {
			return r, true
		}
	}
	return RecordState{}, false
}

// valuesEqual compares field values by their canonical JSON form, so
// numbers decoded from YAML and from the store compare alike.
func valuesEqual(actual, expected any) bool {
	a, err := record.MarshalCanonical(actual)
	if err != nil {
		return false
	}
	b, err := record.MarshalCanonical(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

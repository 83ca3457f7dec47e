package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cloudsync/internal/record"
)

// GoldenDir is where golden traces are stored, relative to the test.
const GoldenDir = "testdata/golden"

// Golden renders the reproducible part of a result as canonical JSON:
// the trace, the final remote and local records, call counts and the
// number of unresolved relationships. Metrics and expectation errors are
// left out.
func Golden(result *Result) ([]byte, error) {
	trace := make([]any, len(result.Trace))
	for i, step := range result.Trace {
		trace[i] = stepMap(step)
	}

	calls := make(map[string]any, len(result.Calls))
	for kind, n := range result.Calls {
		calls[kind] = n
	}

	return record.MarshalCanonical(map[string]any{
		"scenario": result.Name,
		"trace":    trace,
		"remote":   recordList(result.Remote),
		"local":    recordList(result.Local),
		"calls":    calls,
		"pending":  result.Pending,
	})
}

func stepMap(s TraceStep) map[string]any {
	m := map[string]any{
		"step": s.Step,
		"op":   s.Op,
	}
	if s.Target != "" {
		m["target"] = s.Target
	}
	if s.Error != "" {
		m["error"] = s.Error
	}
	if len(s.Events) > 0 {
		events := make([]any, len(s.Events))
		for i, ev := range s.Events {
			events[i] = eventMap(ev)
		}
		m["events"] = events
	}
	return m
}

func eventMap(ev TraceEvent) map[string]any {
	m := map[string]any{"kind": ev.Kind}
	optional := map[string]string{
		"type":      ev.Type,
		"batch":     ev.Batch,
		"operation": ev.Operation,
		"error":     ev.Error,
	}
	for k, v := range optional {
		if v != "" {
			m[k] = v
		}
	}
	if ev.Upserts > 0 {
		m["upserts"] = ev.Upserts
	}
	if ev.Deletions > 0 {
		m["deletions"] = ev.Deletions
	}
	if len(ev.Types) > 0 {
		m["types"] = ev.Types
	}
	if len(ev.Failed) > 0 {
		m["failed"] = ev.Failed
	}
	return m
}

func recordList(rows []RecordState) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		m := map[string]any{
			"type": string(r.Type),
			"key":  r.Key,
		}
		if len(r.Fields) > 0 {
			m["fields"] = r.Fields
		}
		if len(r.Refs) > 0 {
			m["refs"] = r.Refs
		}
		if r.Dirty {
			m["dirty"] = true
		}
		out[i] = m
	}
	return out
}

// RunWithGolden executes a scenario and compares its golden rendering
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Test failure (via goldie)
// occurs if the rendering doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Golden(result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}

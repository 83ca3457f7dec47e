package harness

import (
	"github.com/roach88/cloudsync/internal/metrics"
	"github.com/roach88/cloudsync/internal/record"
)

// TraceEvent is one emitted engine event. Batch and operation identifiers
// are replaced by labels in first-seen order so traces are reproducible.
type TraceEvent struct {
	Kind      string   `json:"kind"`
	Type      string   `json:"type,omitempty"`
	Types     []string `json:"types,omitempty"`
	Batch     string   `json:"batch,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Upserts   int      `json:"upserts,omitempty"`
	Deletions int      `json:"deletions,omitempty"`
	Error     string   `json:"error,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// TraceStep is one executed step and the events it produced. Step 0 is the
// engine start.
type TraceStep struct {
	Step   int          `json:"step"`
	Op     string       `json:"op"`
	Target string       `json:"target,omitempty"`
	Error  string       `json:"error,omitempty"`
	Events []TraceEvent `json:"events,omitempty"`
}

// RecordState is one record of a final-state snapshot.
type RecordState struct {
	Type   record.RecordType `json:"type"`
	Key    string            `json:"key"`
	Fields record.Fields     `json:"fields,omitempty"`
	Refs   record.Refs       `json:"refs,omitempty"`
	Dirty  bool              `json:"dirty,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Name string `json:"name"`

	// Pass is true if every expectation held.
	Pass bool `json:"pass"`

	Trace []TraceStep `json:"trace"`

	// Remote and Local are the final records, by configured type, then key.
	Remote []RecordState `json:"remote"`
	Local  []RecordState `json:"local"`

	// Calls counts remote calls by kind.
	Calls map[string]int `json:"calls"`

	// Pending is the number of unresolved relationships.
	Pending int `json:"pending"`

	Metrics metrics.Counts `json:"metrics,omitempty"`

	// Errors contains failed expectations. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:  name,
		Pass:  true,
		Trace: []TraceStep{},
		Calls: make(map[string]int),
	}
}

// AddError adds a failed expectation and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Events returns every traced event in order.
func (r *Result) Events() []TraceEvent {
	var out []TraceEvent
	for _, s := range r.Trace {
		out = append(out, s.Events...)
	}
	return out
}

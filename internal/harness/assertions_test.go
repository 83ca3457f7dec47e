package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudsync/internal/metrics"
	"github.com/roach88/cloudsync/internal/record"
)

func sampleResult() *Result {
	r := NewResult("sample")
	r.Trace = []TraceStep{
		{Step: 0, Op: "start", Events: []TraceEvent{{Kind: "pullCompleted", Types: []string{"Note"}}}},
		{Step: 1, Op: "upsert", Target: "Note/n1", Events: []TraceEvent{
			{Kind: "localChangeReady", Type: "Note", Upserts: 1},
			{Kind: "pushCompleted", Batch: "batch-1", Error: "PERMANENT"},
		}},
	}
	r.Remote = []RecordState{
		{Type: "Note", Key: "n2", Fields: record.Fields{"title": "b", "rank": 2}, Refs: record.Refs{"folder": {"f1"}}},
	}
	r.Local = []RecordState{
		{Type: "Note", Key: "n1", Fields: record.Fields{"title": "a", "rank": float64(1)}, Dirty: true},
	}
	r.Calls = map[string]int{"submit": 1, "query": 1}
	r.Pending = 1
	r.Metrics = metrics.Counts{"Push/fatal": 1}
	return r
}

func TestEvaluateExpect_Pass(t *testing.T) {
	pending := 1
	dirty := true
	expect := Expect{
		Remote:       []RecordSpec{{Type: "Note", Key: "n2", Fields: map[string]any{"rank": 2}, Refs: map[string][]string{"folder": {"f1"}}}},
		RemoteAbsent: []RecordKey{{Type: "Note", Key: "n1"}},
		Local:        []LocalSpec{{RecordSpec: RecordSpec{Type: "Note", Key: "n1", Fields: map[string]any{"rank": 1}}, Dirty: &dirty}},
		LocalAbsent:  []RecordKey{{Type: "Note", Key: "n2"}},
		Pending:      &pending,
		Calls:        map[string]int{"submit": 1, "reattach": 0},
		Events:       map[string]int{"pullCompleted": 1, "pushCompleted": 1},
		Errors:       []string{"PERMANENT"},
		Metrics:      map[string]float64{"Push/fatal": 1, "Push/retry": 0},
	}

	assert.Empty(t, EvaluateExpect(sampleResult(), expect))
}

func TestEvaluateExpect_NumbersCompareCanonically(t *testing.T) {
	// Store-decoded numbers are float64; YAML integers are int.
	expect := Expect{Local: []LocalSpec{{RecordSpec: RecordSpec{Type: "Note", Key: "n1", Fields: map[string]any{"rank": 1}}}}}
	assert.Empty(t, EvaluateExpect(sampleResult(), expect))
}

func TestEvaluateExpect_Failures(t *testing.T) {
	clean := false
	pending := 0
	tests := []struct {
		name   string
		expect Expect
		want   string
	}{
		{
			name:   "missing remote record",
			expect: Expect{Remote: []RecordSpec{{Type: "Note", Key: "n9"}}},
			want:   "Expected: record Note/n9",
		},
		{
			name:   "field mismatch",
			expect: Expect{Remote: []RecordSpec{{Type: "Note", Key: "n2", Fields: map[string]any{"title": "z"}}}},
			want:   "Note/n2 field title = z",
		},
		{
			name:   "refs mismatch",
			expect: Expect{Remote: []RecordSpec{{Type: "Note", Key: "n2", Refs: map[string][]string{"folder": {"f2"}}}}},
			want:   "Note/n2 refs folder = [f2]",
		},
		{
			name:   "present but expected absent",
			expect: Expect{LocalAbsent: []RecordKey{{Type: "Note", Key: "n1"}}},
			want:   "no record Note/n1",
		},
		{
			name:   "dirty flag",
			expect: Expect{Local: []LocalSpec{{RecordSpec: RecordSpec{Type: "Note", Key: "n1"}, Dirty: &clean}}},
			want:   "Note/n1 dirty = false",
		},
		{
			name:   "pending",
			expect: Expect{Pending: &pending},
			want:   "0 unresolved relationships",
		},
		{
			name:   "calls",
			expect: Expect{Calls: map[string]int{"query": 3}},
			want:   "3 query calls",
		},
		{
			name:   "events",
			expect: Expect{Events: map[string]int{"localChangeReady": 2}},
			want:   "2 localChangeReady events",
		},
		{
			name:   "errors",
			expect: Expect{Errors: []string{}},
			want:   "Assertion failed: errors",
		},
		{
			name:   "metrics",
			expect: Expect{Metrics: map[string]float64{"Push/fatal": 2}},
			want:   "Push/fatal = 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := EvaluateExpect(sampleResult(), tt.expect)
			require.Len(t, msgs, 1)
			assert.Contains(t, msgs[0], tt.want)
		})
	}
}

func TestAssertionError_Error(t *testing.T) {
	err := &AssertionError{Type: "calls", Expected: "2 submit calls", Actual: "1"}
	assert.Equal(t, "Assertion failed: calls\n  Expected: 2 submit calls\n  Actual: 1", err.Error())
}

func TestResult_AddError(t *testing.T) {
	r := NewResult("x")
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

func TestResult_Events(t *testing.T) {
	kinds := []string{}
	for _, ev := range sampleResult().Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{"pullCompleted", "localChangeReady", "pushCompleted"}, kinds)
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotResult() *Result {
	r := NewResult()
	r.Steps = []StepResult{
		{Kind: "put", Node: "a"},
		{Kind: "sync", Client: "b", Server: "a", Direction: "pull", RecordsTotal: 2, Stats: MergeCounts{New: 1, FastForward: 1}},
	}
	doc := func(rel, id, title, version string, conflicts int) DocumentState {
		return DocumentState{
			Partition: snapshotPartition(rel),
			SourceID:  id,
			Fields:    map[string]string{"title": title, "body": "x"},
			Conflicts: conflicts,
			Version:   version,
		}
	}
	r.Nodes["a"] = []DocumentState{doc("shared", "r1", "one", "a:1", 0), doc("", "r2", "two", "b:4", 2)}
	r.Nodes["b"] = []DocumentState{doc("shared", "r1", "one", "a:1", 0), doc("", "r2", "two", "b:4", 2)}
	r.Nodes["c"] = []DocumentState{doc("shared", "r1", "stale", "a:1", 0)}
	return r
}

func TestAssertions(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"document subset match", Assertion{Type: AssertDocument, Node: "a", Partition: "shared", SourceID: "r1", Expect: map[string]string{"title": "one"}}, ""},
		{"document at root", Assertion{Type: AssertDocument, Node: "a", SourceID: "r2", Expect: map[string]string{"title": "two"}}, ""},
		{"document wrong field", Assertion{Type: AssertDocument, Node: "c", Partition: "shared", SourceID: "r1", Expect: map[string]string{"title": "one"}}, "fields map"},
		{"document missing", Assertion{Type: AssertDocument, Node: "c", SourceID: "r2", Expect: map[string]string{"title": "two"}}, "document not found"},
		{"absent holds", Assertion{Type: AssertAbsent, Node: "c", SourceID: "r2"}, ""},
		{"absent fails", Assertion{Type: AssertAbsent, Node: "a", SourceID: "r2"}, "no live <root>/r2 on a"},
		{"conflicts", Assertion{Type: AssertConflicts, Node: "a", SourceID: "r2", Count: 2}, ""},
		{"conflicts mismatch", Assertion{Type: AssertConflicts, Node: "a", SourceID: "r2", Count: 1}, "Actual: 2 conflicts"},
		{"version", Assertion{Type: AssertVersion, Node: "b", SourceID: "r2", Instance: "b", Counter: 4}, ""},
		{"version mismatch", Assertion{Type: AssertVersion, Node: "b", Partition: "shared", SourceID: "r1", Instance: "b", Counter: 1}, "Actual: a:1"},
		{"converged", Assertion{Type: AssertConverged, Nodes: []string{"a", "b"}}, ""},
		{"not converged", Assertion{Type: AssertConverged, Nodes: []string{"a", "b", "c"}}, "a and c hold the same documents"},
		{"document count", Assertion{Type: AssertDocumentCount, Node: "c", Count: 1}, ""},
		{"document count mismatch", Assertion{Type: AssertDocumentCount, Node: "a", Count: 1}, "Actual: 2 documents"},
		{"step stats", Assertion{Type: AssertStep, Step: 2, Stats: map[string]int64{"records_total": 2, "new": 1, "fast_forward": 1, "conflict": 0}}, ""},
		{"step stats mismatch", Assertion{Type: AssertStep, Step: 2, Stats: map[string]int64{"new": 2}}, "step 2 new = 2"},
		{"step unknown counter", Assertion{Type: AssertStep, Step: 2, Stats: map[string]int64{"bogus": 1}}, `unknown counter "bogus"`},
		{"step not a sync", Assertion{Type: AssertStep, Step: 1, Stats: map[string]int64{"new": 1}}, "step 1 is a put"},
		{"deleted needs nodes", Assertion{Type: AssertDeleted, Node: "a", SourceID: "r1"}, "deleted requires node access"},
		{"unknown type", Assertion{Type: "magic"}, `unknown assertion type "magic"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(snapshotResult(), []Assertion{tt.assertion}, nil)
			if tt.wantErr == "" {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.wantErr)
		})
	}
}

func TestEvaluateAssertions_CollectsAll(t *testing.T) {
	errs := EvaluateAssertions(snapshotResult(), []Assertion{
		{Type: AssertDocumentCount, Node: "a", Count: 2},
		{Type: AssertDocumentCount, Node: "a", Count: 5},
		{Type: AssertDocumentCount, Node: "b", Count: 0},
	}, nil)
	assert.Len(t, errs, 2)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertVersion,
		Expected: "r at a:2",
		Actual:   "a:1",
		Steps: []StepResult{
			{Kind: "put", Node: "a"},
			{Kind: "sync", Client: "b", Server: "a", Direction: "pull", RecordsTotal: 1, Stats: MergeCounts{New: 1}},
		},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: version")
	assert.Contains(t, msg, "Expected: r at a:2")
	assert.Contains(t, msg, "Actual: a:1")
	assert.Contains(t, msg, "[1] put on a")
	assert.Contains(t, msg, "[2] sync b pull a records=1")
}

func TestMergeCounts_Get(t *testing.T) {
	m := MergeCounts{New: 1, FastForward: 2, AlreadyHave: 3, Conflict: 4, Rejected: 5}
	for name, want := range map[string]int{"new": 1, "fast_forward": 2, "already_have": 3, "conflict": 4, "rejected": 5} {
		got, ok := m.Get(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}
	_, ok := m.Get("serialized")
	assert.False(t, ok)
}

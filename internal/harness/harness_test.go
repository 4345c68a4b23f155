package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario("testdata/scenarios/" + name + ".yaml")
	require.NoError(t, err)
	return scenario
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, StepResult{Kind: "put", Node: "a"}, result.Steps[0])

	pull := result.Steps[1]
	assert.Equal(t, "sync", pull.Kind)
	assert.Equal(t, int64(1), pull.RecordsTotal)
	assert.Equal(t, MergeCounts{New: 1}, pull.Stats)
	assert.Empty(t, pull.ErrorCode)

	require.Len(t, result.Nodes["b"], 1)
	doc := result.Nodes["b"][0]
	assert.Equal(t, "<root>:shared", doc.Partition)
	assert.Equal(t, "a:1", doc.Version)
	assert.Equal(t, result.Nodes["a"], result.Nodes["b"])
}

func TestRun_FastForward(t *testing.T) {
	result, err := Run(loadTestdata(t, "fast_forward"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, MergeCounts{FastForward: 1}, result.Steps[3].Stats)
	for _, name := range []string{"a", "b"} {
		require.Len(t, result.Nodes[name], 1)
		assert.Equal(t, "b:1", result.Nodes[name][0].Version)
		assert.Equal(t, "v2", result.Nodes[name][0].Fields["title"])
	}
}

func TestRun_ConflictKeepsBothPayloads(t *testing.T) {
	result, err := Run(loadTestdata(t, "conflict"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	assert.Equal(t, MergeCounts{Conflict: 1}, result.Steps[4].Stats)
	assert.Equal(t, MergeCounts{FastForward: 1}, result.Steps[5].Stats)
	a := result.Nodes["a"][0]
	assert.Equal(t, "a-edit", a.Fields["title"], "the receiver keeps its own payload")
	assert.Equal(t, 1, a.Conflicts, "the incoming payload is kept as a conflict")
	assert.Equal(t, "a:3", a.Version, "the merge is stamped with a new local version")
}

func TestRun_ExpectedErrorRecorded(t *testing.T) {
	result, err := Run(loadTestdata(t, "scoped_user"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "UNAUTHORIZED", result.Steps[5].ErrorCode)
	assert.Equal(t, "UNAUTHORIZED", result.Steps[6].ErrorCode)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := loadTestdata(t, "scoped_user")
	scenario.Steps[5].Sync.ExpectError = ""

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "step 6: sync failed with UNAUTHORIZED")
}

func TestRun_MissingExpectedError(t *testing.T) {
	scenario := loadTestdata(t, "scoped_user")
	scenario.Steps[3].Sync.ExpectError = "SCOPE_VIOLATION"

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "step 4: expected sync to fail with SCOPE_VIOLATION, got success")
}

func TestRun_FailedAssertion(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)
	scenario.Assertions[0].Expect = map[string]string{"title": "v9"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: document")
}

func TestRun_Deterministic(t *testing.T) {
	first, err := Run(loadTestdata(t, "conflict"))
	require.NoError(t, err)
	second, err := Run(loadTestdata(t, "conflict"))
	require.NoError(t, err)

	a, err := MarshalSnapshot("conflict", first)
	require.NoError(t, err)
	b, err := MarshalSnapshot("conflict", second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}

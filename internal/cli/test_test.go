package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pullScenario = `
name: pull-one
scopes:
  - id: full-facility
    primary_scope_param_key: mainpartition
    read_write_filter_template: "${mainpartition}"
root_scope: full-facility
authority: a
nodes:
  - name: a
  - name: b
steps:
  - put: { node: a, partition: shared, source_id: r, fields: { title: v1 } }
  - sync: { client: b, server: a, direction: pull }
assertions:
  - type: document
    node: b
    partition: shared
    source_id: r
    expect: { title: v1 }
`

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentDir(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to find scenarios")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandPasses(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pull.yaml", pullScenario)

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ pull-one")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pull.yaml", strings.Replace(pullScenario, "expect: { title: v1 }", "expect: { title: v2 }", 1))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ pull-one")
	assert.Contains(t, out, "scenario assertions failed")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pull.yaml", pullScenario)

	out, err := executeTest(t, "text", "--filter", "conflict*", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	dir := t.TempDir()
	path := writeScenario(t, dir, "pull.yaml", pullScenario)

	_, err := executeTest(t, "text", "--update", dir)
	require.NoError(t, err)
	golden, err := os.ReadFile(goldenFilePath(path))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario":"pull-one"`)

	_, err = executeTest(t, "text", dir)
	require.NoError(t, err, "fresh golden file matches")

	require.NoError(t, os.WriteFile(goldenFilePath(path), []byte(`{"scenario":"stale"}`), 0644))
	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "does not match")
}

func TestTestCommandJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pull.yaml", pullScenario)

	out, err := executeTest(t, "json", dir)
	require.NoError(t, err)

	var response struct {
		Status string `json:"status"`
		Data   struct {
			Total  int `json:"total"`
			Passed int `json:"passed"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, 1, response.Data.Total)
	assert.Equal(t, 1, response.Data.Passed)
}

func TestTestHelpText(t *testing.T) {
	out, err := executeTest(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "scenario")
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
}

func TestFilterScenarioFiles(t *testing.T) {
	files := []string{"s/conflict.yaml", "s/conflict_three.yml", "s/deletion.yaml"}

	kept, err := filterScenarioFiles(files, "conflict*")
	require.NoError(t, err)
	assert.Equal(t, []string{"s/conflict.yaml", "s/conflict_three.yml"}, kept)

	all, err := filterScenarioFiles(files, "")
	require.NoError(t, err)
	assert.Equal(t, files, all)

	_, err = filterScenarioFiles(files, "[")
	assert.Error(t, err)
}

func TestGoldenFilePath(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"/path/to/scenario.yaml", "/path/to/golden/scenario.golden"},
		{"/path/to/scenario.yml", "/path/to/golden/scenario.golden"},
		{"scenarios/test.yaml", "scenarios/golden/test.golden"},
	}

	for _, tc := range testCases {
		result := goldenFilePath(tc.input)
		assert.Equal(t, tc.expected, result)
	}
}

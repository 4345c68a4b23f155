package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/peersync/internal/ir"
)

// Snapshot captures the outcome of a scenario execution: what every step
// did and the documents each node ends with.
// All fields use canonical JSON serialization for deterministic comparison.
type Snapshot struct {
	ScenarioName string                     `json:"scenario"`
	Steps        []StepResult               `json:"steps"`
	Nodes        map[string][]DocumentState `json:"nodes"`
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	steps := make([]any, len(s.Steps))
	for i, step := range s.Steps {
		m := map[string]any{"kind": step.Kind}
		if step.Kind == "sync" {
			m["client"] = step.Client
			m["server"] = step.Server
			m["direction"] = step.Direction
			if step.ErrorCode != "" {
				m["error_code"] = step.ErrorCode
			} else {
				m["records_total"] = step.RecordsTotal
				m["stats"] = map[string]any{
					"new":          step.Stats.New,
					"fast_forward": step.Stats.FastForward,
					"already_have": step.Stats.AlreadyHave,
					"conflict":     step.Stats.Conflict,
					"rejected":     step.Stats.Rejected,
				}
			}
		} else {
			m["node"] = step.Node
		}
		steps[i] = m
	}

	nodes := make(map[string]any, len(s.Nodes))
	for name, docs := range s.Nodes {
		list := make([]any, len(docs))
		for i, d := range docs {
			list[i] = map[string]any{
				"partition": d.Partition,
				"source_id": d.SourceID,
				"fields":    d.Fields,
				"conflicts": d.Conflicts,
				"version":   d.Version,
			}
		}
		nodes[name] = list
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"steps":    steps,
		"nodes":    nodes,
	}
}

// MarshalSnapshot renders a result as canonical JSON.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := Snapshot{
		ScenarioName: scenarioName,
		Steps:        result.Steps,
		Nodes:        result.Nodes,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails. Failed assertions and golden
// mismatches fail the test.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Total     int            `json:"total"`
	Passed    int            `json:"passed"`
	Failed    int            `json:"failed"`
	Scenarios []SuiteEntry   `json:"scenarios"`
	Failures  []SuiteFailure `json:"failures,omitempty"`
}

// SuiteEntry records the outcome of one scenario file.
type SuiteEntry struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Pass         bool   `json:"pass"`
}

// Check inspects a scenario that passed its assertions, e.g. against a
// golden file. A non-nil error fails the scenario.
type Check func(path string, scenario *Scenario, result *Result) error

// SuiteFailure represents a scenario that failed to load, run or pass.
type SuiteFailure struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// ScenarioFiles resolves path to scenario files: a file is returned as is,
// a directory yields its *.yaml and *.yml files in name order.
func ScenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", path)
	}
	return files, nil
}

// RunSuite loads and runs every scenario file, collecting failures
// instead of stopping at the first. checks run in order on every scenario
// whose assertions pass.
func RunSuite(paths []string, checks ...Check) *SuiteResult {
	result := &SuiteResult{Scenarios: []SuiteEntry{}}

	for _, path := range paths {
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(SuiteFailure{ScenarioPath: path, Error: fmt.Sprintf("failed to load scenario: %v", err)})
			continue
		}

		runResult, err := Run(scenario)
		if err != nil {
			result.fail(SuiteFailure{Scenario: scenario.Name, ScenarioPath: path, Error: fmt.Sprintf("scenario execution failed: %v", err)})
			continue
		}

		if !runResult.Pass {
			result.fail(SuiteFailure{Scenario: scenario.Name, ScenarioPath: path, Error: fmt.Sprintf("scenario assertions failed: %v", runResult.Errors)})
			continue
		}

		if err := runChecks(checks, path, scenario, runResult); err != nil {
			result.fail(SuiteFailure{Scenario: scenario.Name, ScenarioPath: path, Error: err.Error()})
			continue
		}

		result.Passed++
		result.Scenarios = append(result.Scenarios, SuiteEntry{Scenario: scenario.Name, ScenarioPath: path, Pass: true})
	}

	return result
}

func runChecks(checks []Check, path string, scenario *Scenario, result *Result) error {
	for _, check := range checks {
		if err := check(path, scenario, result); err != nil {
			return err
		}
	}
	return nil
}

func (r *SuiteResult) fail(f SuiteFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
	r.Scenarios = append(r.Scenarios, SuiteEntry{Scenario: f.Scenario, ScenarioPath: f.ScenarioPath})
}

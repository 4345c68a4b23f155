package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/peersync/internal/partition"
)

// Scenario is a multi-instance sync test.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description documents what the scenario validates.
	Description string `yaml:"description"`

	// Profile shared by every node. Defaults to DefaultProfile.
	Profile string `yaml:"profile,omitempty"`

	// Scopes are loaded into every node before the steps run.
	Scopes []partition.ScopeDefinition `yaml:"scopes"`

	// Authority names the node holding the root certificate.
	Authority string `yaml:"authority"`

	// Nodes lists every instance. Each node other than the authority is
	// given a child certificate of the root.
	Nodes []NodeSpec `yaml:"nodes"`

	// RootScope is the scope definition of the root certificate.
	RootScope string `yaml:"root_scope"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are evaluated after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// NodeSpec describes one instance.
type NodeSpec struct {
	Name string `yaml:"name"`
	// Scope is the scope definition of the node's certificate; ignored for
	// the authority. Defaults to the root scope.
	Scope string `yaml:"scope,omitempty"`
	// Params are extra scope parameters; mainpartition is always the root.
	Params map[string]string `yaml:"params,omitempty"`
	// ChunkSize overrides the engine's chunk size.
	ChunkSize int `yaml:"chunk_size,omitempty"`
}

// Step is exactly one of Put, Delete or Sync.
type Step struct {
	Put    *PutStep    `yaml:"put,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`
	Sync   *SyncStep   `yaml:"sync,omitempty"`
}

// PutStep writes a document in a node's application.
type PutStep struct {
	Node string `yaml:"node"`
	// Partition is relative to the root certificate ID: "shared" becomes
	// "<root>:shared" and "" the root itself.
	Partition string            `yaml:"partition"`
	SourceID  string            `yaml:"source_id"`
	Fields    map[string]string `yaml:"fields"`
}

// DeleteStep deletes a document in a node's application.
type DeleteStep struct {
	Node      string `yaml:"node"`
	Partition string `yaml:"partition"`
	SourceID  string `yaml:"source_id"`
	Hard      bool   `yaml:"hard,omitempty"`
}

// SyncStep runs one transfer session between two nodes.
type SyncStep struct {
	Client    string `yaml:"client"`
	Server    string `yaml:"server"`
	Direction string `yaml:"direction"`
	// Filter lists prefixes relative to the root; empty syncs the root.
	Filter []string `yaml:"filter,omitempty"`
	// ExpectError is the error code the sync must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion checks the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Node      string   `yaml:"node,omitempty"`
	Nodes     []string `yaml:"nodes,omitempty"`
	Partition string   `yaml:"partition,omitempty"`
	SourceID  string   `yaml:"source_id,omitempty"`

	// Expect holds document fields for document assertions.
	Expect map[string]string `yaml:"expect,omitempty"`

	// Count for conflicts and document_count assertions.
	Count int `yaml:"count,omitempty"`

	// Instance and Counter for version assertions; Instance is a node name.
	Instance string `yaml:"instance,omitempty"`
	Counter  int64  `yaml:"counter,omitempty"`

	// Step (1-based) and Stats for step assertions.
	Step  int              `yaml:"step,omitempty"`
	Stats map[string]int64 `yaml:"stats,omitempty"`
}

// Assertion types.
const (
	AssertDocument      = "document"
	AssertAbsent        = "absent"
	AssertDeleted       = "deleted"
	AssertConflicts     = "conflicts"
	AssertVersion       = "version"
	AssertConverged     = "converged"
	AssertDocumentCount = "document_count"
	AssertStep          = "step"
)

// DefaultProfile is used when a scenario names none.
const DefaultProfile = "facility"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if scenario.Profile == "" {
		scenario.Profile = DefaultProfile
	}
	for i := range scenario.Scopes {
		if scenario.Scopes[i].Profile == "" {
			scenario.Scopes[i].Profile = scenario.Profile
		}
		if scenario.Scopes[i].Version == 0 {
			scenario.Scopes[i].Version = 1
		}
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Scopes) == 0 {
		return fmt.Errorf("scopes list is required and must be non-empty")
	}
	scopes := map[string]bool{}
	for i, d := range s.Scopes {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("scopes[%d]: %w", i, err)
		}
		scopes[d.ID] = true
	}
	if !scopes[s.RootScope] {
		return fmt.Errorf("root_scope %q is not defined", s.RootScope)
	}
	if len(s.Nodes) < 2 {
		return fmt.Errorf("nodes list needs at least two nodes")
	}

	nodes := map[string]bool{}
	for i, n := range s.Nodes {
		if n.Name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if nodes[n.Name] {
			return fmt.Errorf("nodes[%d]: duplicate name %q", i, n.Name)
		}
		if n.Scope != "" && !scopes[n.Scope] {
			return fmt.Errorf("nodes[%d]: scope %q is not defined", i, n.Scope)
		}
		nodes[n.Name] = true
	}
	if !nodes[s.Authority] {
		return fmt.Errorf("authority %q is not a node", s.Authority)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step, nodes); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], nodes, len(s.Steps)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, nodes map[string]bool) error {
	set := 0
	for _, present := range []bool{step.Put != nil, step.Delete != nil, step.Sync != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of put, delete or sync is required", index)
	}
	switch {
	case step.Put != nil:
		if !nodes[step.Put.Node] {
			return fmt.Errorf("steps[%d].put: unknown node %q", index, step.Put.Node)
		}
		if step.Put.SourceID == "" {
			return fmt.Errorf("steps[%d].put: source_id is required", index)
		}
	case step.Delete != nil:
		if !nodes[step.Delete.Node] {
			return fmt.Errorf("steps[%d].delete: unknown node %q", index, step.Delete.Node)
		}
		if step.Delete.SourceID == "" {
			return fmt.Errorf("steps[%d].delete: source_id is required", index)
		}
	case step.Sync != nil:
		sync := step.Sync
		if !nodes[sync.Client] || !nodes[sync.Server] {
			return fmt.Errorf("steps[%d].sync: client and server must be nodes", index)
		}
		if sync.Client == sync.Server {
			return fmt.Errorf("steps[%d].sync: client and server must differ", index)
		}
		if sync.Direction != "push" && sync.Direction != "pull" {
			return fmt.Errorf("steps[%d].sync: direction must be push or pull, got %q", index, sync.Direction)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes map[string]bool, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	needsDoc := func() error {
		if !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
		}
		if a.SourceID == "" {
			return fmt.Errorf("assertions[%d]: source_id is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertDocument:
		if err := needsDoc(); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for document", index)
		}
	case AssertAbsent, AssertDeleted, AssertConflicts:
		return needsDoc()
	case AssertVersion:
		if err := needsDoc(); err != nil {
			return err
		}
		if !nodes[a.Instance] || a.Counter < 1 {
			return fmt.Errorf("assertions[%d]: instance node and positive counter are required for version", index)
		}
	case AssertConverged:
		if len(a.Nodes) < 2 {
			return fmt.Errorf("assertions[%d]: at least two nodes are required for converged", index)
		}
		for _, n := range a.Nodes {
			if !nodes[n] {
				return fmt.Errorf("assertions[%d]: unknown node %q", index, n)
			}
		}
	case AssertDocumentCount:
		if !nodes[a.Node] {
			return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertStep:
		if a.Step < 1 || a.Step > steps {
			return fmt.Errorf("assertions[%d]: step must be between 1 and %d", index, steps)
		}
		if len(a.Stats) == 0 {
			return fmt.Errorf("assertions[%d]: stats are required for step", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

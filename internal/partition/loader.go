package partition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// definitionFile is the top-level shape of a scope definition file in
// either YAML or CUE.
type definitionFile struct {
	ScopeDefinitions []ScopeDefinition `json:"scope_definitions" yaml:"scope_definitions"`
}

// LoadDefinitions reads scope definitions from a .yaml, .yml or .cue file.
func LoadDefinitions(path string) ([]ScopeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scope definitions: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return ParseDefinitionsYAML(data)
	case ".cue":
		return ParseDefinitionsCUE(data, path)
	default:
		return nil, fmt.Errorf("unsupported scope definition format %q", ext)
	}
}

// ParseDefinitionsYAML decodes a YAML scope definition file.
// Unknown fields are rejected.
func ParseDefinitionsYAML(data []byte) ([]ScopeDefinition, error) {
	var f definitionFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse scope definitions YAML: %w", err)
	}
	return validateDefinitions(f.ScopeDefinitions)
}

// ParseDefinitionsCUE evaluates a CUE scope definition file. The file may
// use CUE constraints and references; the result must be concrete.
func ParseDefinitionsCUE(data []byte, filename string) ([]ScopeDefinition, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile scope definitions CUE: %w", err)
	}

	defs := v.LookupPath(cue.ParsePath("scope_definitions"))
	if !defs.Exists() {
		return nil, fmt.Errorf("%s: scope_definitions is required", filename)
	}
	if err := defs.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s: scope_definitions must be concrete: %w", filename, err)
	}

	var f definitionFile
	if err := v.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode scope definitions CUE: %w", err)
	}
	return validateDefinitions(f.ScopeDefinitions)
}

func validateDefinitions(defs []ScopeDefinition) ([]ScopeDefinition, error) {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate scope definition %q", d.ID)
		}
		seen[d.ID] = true
	}
	return defs, nil
}

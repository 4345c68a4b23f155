package partition

import (
	"fmt"
)

// Scope is the set of filters granted by a certificate.
//
// Read and Write are the effective filters: the read-write prefixes are
// already folded into both.
type Scope struct {
	Read      Filter `json:"read"`
	Write     Filter `json:"write"`
	ReadWrite Filter `json:"read_write"`
}

// NewScope composes the effective read and write filters from the three
// raw filters.
func NewScope(read, write, readWrite Filter) Scope {
	return Scope{
		Read:      readWrite.Union(read),
		Write:     readWrite.Union(write),
		ReadWrite: NewFilter(readWrite...),
	}
}

// IsSubsetOf reports whether s grants nothing beyond parent: each effective
// filter is covered by the parent's filter of the same kind, and every
// read-write prefix is both readable and writable under parent.
func (s Scope) IsSubsetOf(parent Scope) bool {
	return s.Read.IsSubsetOf(parent.Read) &&
		s.Write.IsSubsetOf(parent.Write) &&
		s.ReadWrite.IsSubsetOf(parent.Read) &&
		s.ReadWrite.IsSubsetOf(parent.Write)
}

// Equal reports whether both effective filters match.
func (s Scope) Equal(other Scope) bool {
	return s.Read.Equal(other.Read) && s.Write.Equal(other.Write)
}

// Operation is the kind of access being authorized.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Filter returns the effective filter for op.
func (s Scope) Filter(op Operation) Filter {
	if op == OpWrite {
		return s.Write
	}
	return s.Read
}

// Allows reports whether s grants op on partition.
func (s Scope) Allows(op Operation, partition string) bool {
	return s.Filter(op).Matches(partition)
}

// ScopeDefinition is a named, parameterized scope template.
type ScopeDefinition struct {
	ID                      string `json:"id" yaml:"id"`
	Profile                 string `json:"profile" yaml:"profile"`
	Version                 int    `json:"version" yaml:"version"`
	PrimaryScopeParamKey    string `json:"primary_scope_param_key,omitempty" yaml:"primary_scope_param_key,omitempty"`
	Description             string `json:"description,omitempty" yaml:"description,omitempty"`
	ReadFilterTemplate      string `json:"read_filter_template" yaml:"read_filter_template"`
	WriteFilterTemplate     string `json:"write_filter_template" yaml:"write_filter_template"`
	ReadWriteFilterTemplate string `json:"read_write_filter_template" yaml:"read_write_filter_template"`
}

// Validate checks required fields.
func (d ScopeDefinition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("scope definition: id is required")
	}
	if d.Profile == "" {
		return fmt.Errorf("scope definition %s: profile is required", d.ID)
	}
	return nil
}

// Instantiate substitutes params into the filter templates. A template
// referring to a missing parameter fails here rather than at use.
func (d ScopeDefinition) Instantiate(params map[string]string) (Scope, error) {
	read, err := instantiateFilter(d.ReadFilterTemplate, params)
	if err != nil {
		return Scope{}, fmt.Errorf("scope definition %s: read filter: %w", d.ID, err)
	}
	write, err := instantiateFilter(d.WriteFilterTemplate, params)
	if err != nil {
		return Scope{}, fmt.Errorf("scope definition %s: write filter: %w", d.ID, err)
	}
	rw, err := instantiateFilter(d.ReadWriteFilterTemplate, params)
	if err != nil {
		return Scope{}, fmt.Errorf("scope definition %s: read-write filter: %w", d.ID, err)
	}
	return NewScope(read, write, rw), nil
}

// Describe renders the description template. Unknown parameters are an
// error, as for filters.
func (d ScopeDefinition) Describe(params map[string]string) (string, error) {
	return Substitute(d.Description, params)
}

func instantiateFilter(tmpl string, params map[string]string) (Filter, error) {
	s, err := Substitute(tmpl, params)
	if err != nil {
		return nil, err
	}
	return ParseFilter(s), nil
}

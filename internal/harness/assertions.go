package harness

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Steps    []StepResult // Step outcomes for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for i, s := range e.Steps {
			if s.Kind == "sync" {
				fmt.Fprintf(&buf, "  [%d] sync %s %s %s records=%d %+v %s\n", i+1, s.Client, s.Direction, s.Server, s.RecordsTotal, s.Stats, s.ErrorCode)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s on %s\n", i+1, s.Kind, s.Node)
			}
		}
	}
	return buf.String()
}

// snapshotPartition maps a root-relative partition to its snapshot form.
func snapshotPartition(rel string) string {
	if rel == "" {
		return rootPlaceholder
	}
	return rootPlaceholder + ":" + rel
}

func findDocument(result *Result, node, rel, sourceID string) (DocumentState, bool) {
	p := snapshotPartition(rel)
	for _, d := range result.Nodes[node] {
		if d.Partition == p && d.SourceID == sourceID {
			return d, true
		}
	}
	return DocumentState{}, false
}

func docName(a Assertion) string {
	return fmt.Sprintf("%s/%s on %s", snapshotPartition(a.Partition), a.SourceID, a.Node)
}

// assertDocument checks that a live document holds the expected fields
// (subset match).
func assertDocument(result *Result, a Assertion) error {
	d, ok := findDocument(result, a.Node, a.Partition, a.SourceID)
	if !ok {
		return &AssertionError{
			Type:     AssertDocument,
			Expected: fmt.Sprintf("%s with %v", docName(a), a.Expect),
			Actual:   "document not found",
			Steps:    result.Steps,
		}
	}
	for k, want := range a.Expect {
		if got, exists := d.Fields[k]; !exists || got != want {
			return &AssertionError{
				Type:     AssertDocument,
				Expected: fmt.Sprintf("%s with %v", docName(a), a.Expect),
				Actual:   fmt.Sprintf("fields %v", d.Fields),
				Steps:    result.Steps,
			}
		}
	}
	return nil
}

func assertAbsent(result *Result, a Assertion) error {
	if d, ok := findDocument(result, a.Node, a.Partition, a.SourceID); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("no live %s", docName(a)),
			Actual:   fmt.Sprintf("fields %v", d.Fields),
			Steps:    result.Steps,
		}
	}
	return nil
}

// assertDeleted checks that the node's store holds a tombstone for the
// document.
func assertDeleted(ctx context.Context, h *Harness, a Assertion) error {
	n := h.nodes[a.Node]
	rec, err := h.record(ctx, n, h.partition(a.Partition), a.SourceID)
	if err != nil {
		return &AssertionError{
			Type:     AssertDeleted,
			Expected: fmt.Sprintf("tombstone for %s", docName(a)),
			Actual:   err.Error(),
		}
	}
	if !rec.Deleted {
		return &AssertionError{
			Type:     AssertDeleted,
			Expected: fmt.Sprintf("tombstone for %s", docName(a)),
			Actual:   "record is live",
		}
	}
	return nil
}

func assertConflicts(result *Result, a Assertion) error {
	d, ok := findDocument(result, a.Node, a.Partition, a.SourceID)
	if !ok {
		return fmt.Errorf("conflicts: %s not found", docName(a))
	}
	if d.Conflicts != a.Count {
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%d conflicts on %s", a.Count, docName(a)),
			Actual:   fmt.Sprintf("%d conflicts", d.Conflicts),
			Steps:    result.Steps,
		}
	}
	return nil
}

func assertVersion(result *Result, a Assertion) error {
	d, ok := findDocument(result, a.Node, a.Partition, a.SourceID)
	if !ok {
		return fmt.Errorf("version: %s not found", docName(a))
	}
	want := fmt.Sprintf("%s:%d", a.Instance, a.Counter)
	if d.Version != want {
		return &AssertionError{
			Type:     AssertVersion,
			Expected: fmt.Sprintf("%s at %s", docName(a), want),
			Actual:   d.Version,
			Steps:    result.Steps,
		}
	}
	return nil
}

// assertConverged checks that every listed node holds the same live
// documents at the same versions.
func assertConverged(result *Result, a Assertion) error {
	first := a.Nodes[0]
	for _, other := range a.Nodes[1:] {
		if !reflect.DeepEqual(result.Nodes[first], result.Nodes[other]) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s and %s hold the same documents", first, other),
				Actual:   fmt.Sprintf("%s: %v, %s: %v", first, result.Nodes[first], other, result.Nodes[other]),
				Steps:    result.Steps,
			}
		}
	}
	return nil
}

func assertDocumentCount(result *Result, a Assertion) error {
	if got := len(result.Nodes[a.Node]); got != a.Count {
		return &AssertionError{
			Type:     AssertDocumentCount,
			Expected: fmt.Sprintf("%d documents on %s", a.Count, a.Node),
			Actual:   fmt.Sprintf("%d documents", got),
		}
	}
	return nil
}

// assertStep checks a sync step's counters. "records_total" addresses the
// transfer size, every other key a merge outcome.
func assertStep(result *Result, a Assertion) error {
	s := result.Steps[a.Step-1]
	if s.Kind != "sync" {
		return fmt.Errorf("step: step %d is a %s, not a sync", a.Step, s.Kind)
	}
	for name, want := range a.Stats {
		var got int64
		if name == "records_total" {
			got = s.RecordsTotal
		} else {
			v, ok := s.Stats.Get(name)
			if !ok {
				return fmt.Errorf("step: unknown counter %q", name)
			}
			got = int64(v)
		}
		if got != want {
			return &AssertionError{
				Type:     AssertStep,
				Expected: fmt.Sprintf("step %d %s = %d", a.Step, name, want),
				Actual:   fmt.Sprintf("%d", got),
				Steps:    result.Steps,
			}
		}
	}
	return nil
}

// AssertionContext provides access to the nodes for assertions that need
// more than the snapshot.
type AssertionContext struct {
	Ctx     context.Context
	harness *Harness
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertDocument:
			err = assertDocument(result, assertion)
		case AssertAbsent:
			err = assertAbsent(result, assertion)
		case AssertDeleted:
			if actx == nil || actx.harness == nil {
				err = fmt.Errorf("assertion[%d]: deleted requires node access", i)
			} else {
				err = assertDeleted(actx.Ctx, actx.harness, assertion)
			}
		case AssertConflicts:
			err = assertConflicts(result, assertion)
		case AssertVersion:
			err = assertVersion(result, assertion)
		case AssertConverged:
			err = assertConverged(result, assertion)
		case AssertDocumentCount:
			err = assertDocumentCount(result, assertion)
		case AssertStep:
			err = assertStep(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/peersync/internal/ir"
)

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testInstance returns a fixed-width instance ID for n.
func testInstance(n int) ir.InstanceID {
	return ir.InstanceID(fmt.Sprintf("%032x", n))
}

// registerInstance makes inst the current instance of s.
func registerInstance(t *testing.T, s *Store, inst ir.InstanceID) {
	t.Helper()
	ctx := context.Background()
	if err := s.SetCurrentDatabaseID(ctx, "db-"+string(inst)[28:], testNow); err != nil {
		t.Fatalf("SetCurrentDatabaseID() failed: %v", err)
	}
	err := s.SaveInstance(ctx, Instance{
		ID:         inst,
		DatabaseID: "db-" + string(inst)[28:],
		SystemID:   "system",
		NodeID:     "node",
		CreatedAt:  testNow,
	})
	if err != nil {
		t.Fatalf("SaveInstance() failed: %v", err)
	}
}

// createTestRecord creates a record with minimal required fields.
func createTestRecord(id, part string, v ir.Version) ir.Record {
	return ir.Record{
		ID:         id,
		SourceID:   id,
		ModelName:  "note",
		Partition:  part,
		Profile:    "facility",
		Serialized: `{"id":"` + id + `"}`,
		Version:    v,
		RMC:        ir.Counters{v.Instance: v.Counter},
	}
}

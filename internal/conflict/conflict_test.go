package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/peersync/internal/ir"
)

const (
	instA ir.InstanceID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	instB ir.InstanceID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func record(payload string, v ir.Version, rmc ir.Counters) ir.Record {
	return ir.Record{
		ID:         "r",
		SourceID:   "r",
		ModelName:  "note",
		Partition:  "F1",
		Profile:    "facility",
		Serialized: payload,
		Version:    v,
		RMC:        rmc,
	}
}

var (
	a1   = record("a1", ir.Version{Instance: instA, Counter: 1}, ir.Counters{instA: 1})
	a2   = record("a2", ir.Version{Instance: instA, Counter: 2}, ir.Counters{instA: 2})
	b1   = record("b1", ir.Version{Instance: instB, Counter: 1}, ir.Counters{instA: 1, instB: 1})
	a2b1 = record("a2b1", ir.Version{Instance: instA, Counter: 3}, ir.Counters{instA: 3, instB: 1})
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		local, incoming ir.Record
		want            Outcome
	}{
		{"same version", a1, a1, AlreadyHave},
		{"older incoming", a2, a1, AlreadyHave},
		{"newer incoming from same instance", a1, a2, FastForward},
		{"newer incoming from other instance", a1, b1, FastForward},
		{"divergent", a2, b1, Conflict},
		{"divergent reversed", b1, a2, Conflict},
		{"merged record supersedes both", a2, a2b1, FastForward},
		{"merged record already includes b1", a2b1, b1, AlreadyHave},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.local, tt.incoming))
		})
	}
}

func TestClassify_ConflictIsSymmetric(t *testing.T) {
	all := []ir.Record{a1, a2, b1, a2b1}
	for _, x := range all {
		for _, y := range all {
			assert.Equal(t, Classify(x, y) == Conflict, Classify(y, x) == Conflict,
				"classify(%s, %s)", x.Serialized, y.Serialized)
		}
	}
}

func TestMerge_New(t *testing.T) {
	got, outcome := Merge(nil, b1)
	assert.Equal(t, New, outcome)
	assert.True(t, got.DirtyBit)
	assert.Equal(t, "b1", got.Serialized)
	assert.Equal(t, ir.Counters{instA: 1, instB: 1}, got.RMC)
}

func TestMerge_FastForwardNeverReverts(t *testing.T) {
	local := a1
	got, outcome := Merge(&local, a2)
	assert.Equal(t, FastForward, outcome)
	assert.Equal(t, "a2", got.Serialized)
	assert.Equal(t, a2.Version, got.Version)

	again, outcome := Merge(&got, a1)
	assert.Equal(t, AlreadyHave, outcome)
	assert.Equal(t, "a2", again.Serialized)
}

func TestMerge_Idempotent(t *testing.T) {
	local := a1
	once, _ := Merge(&local, b1)
	twice, outcome := Merge(&once, b1)
	assert.Equal(t, AlreadyHave, outcome)
	assert.Equal(t, once, twice)
}

func TestMerge_ConflictKeepsBothPayloads(t *testing.T) {
	local := a2
	local.ConflictingSerialized = "older"
	got, outcome := Merge(&local, b1)

	assert.Equal(t, Conflict, outcome)
	assert.Equal(t, "a2", got.Serialized)
	assert.Equal(t, "b1\nolder", got.ConflictingSerialized)
	assert.Equal(t, a2.Version, got.Version, "caller stamps the new version")
	assert.Equal(t, ir.Counters{instA: 2, instB: 1}, got.RMC)
	assert.True(t, got.DirtyBit)
	assert.Equal(t, "older", local.ConflictingSerialized, "local is not modified")
}

func TestMerge_ConflictWithHardDeletion(t *testing.T) {
	local := a2
	incoming := b1
	incoming.Deleted = true
	incoming.HardDeleted = true
	incoming.Serialized = ""

	got, outcome := Merge(&local, incoming)
	assert.Equal(t, Conflict, outcome)
	assert.True(t, got.Deleted)
	assert.True(t, got.HardDeleted)
	assert.Empty(t, got.Serialized)
	assert.Empty(t, got.ConflictingSerialized)
}

func TestLocalWrite(t *testing.T) {
	tests := []struct {
		name      string
		dirty     bool
		conflicts string
		want      string
	}{
		{"clean record drops conflicts already shown", false, "old", ""},
		{"unapplied payload is kept", true, "", "b1"},
		{"unapplied payload goes first", true, "old", "b1\nold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := b1
			rec.DirtyBit = tt.dirty
			rec.ConflictingSerialized = tt.conflicts
			rec.DeserializationError = "apply failed"

			got := LocalWrite(rec, "mine", false, false)
			assert.Equal(t, "mine", got.Serialized)
			assert.Equal(t, tt.want, got.ConflictingSerialized)
			assert.False(t, got.DirtyBit)
			assert.Empty(t, got.DeserializationError)
		})
	}
}

func TestLocalWrite_HardDeletion(t *testing.T) {
	rec := b1
	rec.DirtyBit = true
	got := LocalWrite(rec, "", true, true)
	assert.True(t, got.Deleted)
	assert.True(t, got.HardDeleted)
	assert.Empty(t, got.ConflictingSerialized)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "fast_forward", FastForward.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}

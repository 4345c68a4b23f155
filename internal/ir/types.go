package ir

import (
	"fmt"
	"sort"
)

// InstanceID identifies one participant database. It is a fixed-width
// lowercase hex string derived from hashed host properties.
type InstanceID string

// InstanceIDLength is the width of every InstanceID in hex characters.
const InstanceIDLength = 32

// Version stamps a record mutation with the instance that made it and that
// instance's counter at the time.
type Version struct {
	Instance InstanceID `json:"instance"`
	Counter  int64      `json:"counter"`
}

// IsZero reports whether the version has never been stamped.
func (v Version) IsZero() bool {
	return v.Instance == "" && v.Counter == 0
}

func (v Version) String() string {
	return fmt.Sprintf("%s:%d", v.Instance, v.Counter)
}

// Counters maps instance IDs to counters.
//
// The same shape serves three roles:
//   - RMC: per-record max counter seen from each instance (causal history)
//   - DMC: per-partition max counter fully synced from each instance
//   - FMC: per-filter summary computed from DMC rows
type Counters map[InstanceID]int64

// Contains reports whether v is in the history summarised by c,
// i.e. c[v.Instance] >= v.Counter.
func (c Counters) Contains(v Version) bool {
	n, ok := c[v.Instance]
	return ok && n >= v.Counter
}

// Observe raises the counter for v.Instance to v.Counter if it is lower.
func (c Counters) Observe(v Version) {
	if n, ok := c[v.Instance]; !ok || n < v.Counter {
		c[v.Instance] = v.Counter
	}
}

// Clone returns a copy of c. A nil map clones to an empty map.
func (c Counters) Clone() Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a new map holding the per-instance maximum of c and other.
func (c Counters) Merge(other Counters) Counters {
	out := c.Clone()
	for k, v := range other {
		if n, ok := out[k]; !ok || n < v {
			out[k] = v
		}
	}
	return out
}

// Instances returns the instance IDs in c in ascending order.
func (c Counters) Instances() []InstanceID {
	ids := make([]InstanceID, 0, len(c))
	for k := range c {
		ids = append(ids, k)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Record is the unit of replication as persisted in the local store.
//
// Records are never physically removed; Deleted and HardDeleted flip instead
// so deletions keep propagating after convergence.
type Record struct {
	ID                    string   `json:"id"`
	SourceID              string   `json:"source_id"`
	ModelName             string   `json:"model_name"`
	Partition             string   `json:"partition"`
	Profile               string   `json:"profile"`
	Serialized            string   `json:"serialized"`
	Deleted               bool     `json:"deleted"`
	HardDeleted           bool     `json:"hard_deleted"`
	ConflictingSerialized string   `json:"conflicting_serialized,omitempty"`
	Version               Version  `json:"version"`
	DirtyBit              bool     `json:"dirty_bit"`
	DeserializationError  string   `json:"deserialization_error,omitempty"`
	LastTransferSessionID string   `json:"last_transfer_session_id,omitempty"`
	RMC                   Counters `json:"rmc"`
}

// HasConflict reports whether an unresolved incoming payload is attached.
func (r Record) HasConflict() bool {
	return r.ConflictingSerialized != ""
}

// ToBuffer snapshots the record into a buffer entry for a transfer session.
func (r Record) ToBuffer(transferSessionID string) BufferEntry {
	return BufferEntry{
		TransferSessionID:     transferSessionID,
		RecordID:              r.ID,
		SourceID:              r.SourceID,
		ModelName:             r.ModelName,
		Partition:             r.Partition,
		Profile:               r.Profile,
		Serialized:            r.Serialized,
		Deleted:               r.Deleted,
		HardDeleted:           r.HardDeleted,
		ConflictingSerialized: r.ConflictingSerialized,
		Version:               r.Version,
		RMC:                   r.RMC.Clone(),
	}
}

// BufferEntry mirrors Record for the lifetime of one transfer session,
// between queuing and dequeuing.
type BufferEntry struct {
	TransferSessionID     string   `json:"transfer_session_id"`
	RecordID              string   `json:"record_id"`
	SourceID              string   `json:"source_id"`
	ModelName             string   `json:"model_name"`
	Partition             string   `json:"partition"`
	Profile               string   `json:"profile"`
	Serialized            string   `json:"serialized"`
	Deleted               bool     `json:"deleted"`
	HardDeleted           bool     `json:"hard_deleted"`
	ConflictingSerialized string   `json:"conflicting_serialized,omitempty"`
	Version               Version  `json:"version"`
	RMC                   Counters `json:"rmc"`
}

// Record converts the buffer entry back into a store record.
// The dirty bit is left unset; merge decides it.
func (b BufferEntry) Record() Record {
	return Record{
		ID:                    b.RecordID,
		SourceID:              b.SourceID,
		ModelName:             b.ModelName,
		Partition:             b.Partition,
		Profile:               b.Profile,
		Serialized:            b.Serialized,
		Deleted:               b.Deleted,
		HardDeleted:           b.HardDeleted,
		ConflictingSerialized: b.ConflictingSerialized,
		Version:               b.Version,
		RMC:                   b.RMC.Clone(),
	}
}

// DMCEntry is one DatabaseMaxCounter row: the highest counter known to be
// fully synced from Instance for records under Partition.
type DMCEntry struct {
	Partition string     `json:"partition"`
	Instance  InstanceID `json:"instance"`
	Counter   int64      `json:"counter"`
}

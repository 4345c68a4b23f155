// Package conflict classifies an incoming record version against the local
// one using record max counters, and builds the merged record.
//
// A version (i, c) is in a record's history iff the record's RMC holds a
// counter of at least c for i, so each check is a single map lookup.
package conflict

import (
	"strings"

	"github.com/roach88/peersync/internal/ir"
)

// Outcome is the result of comparing two versions of a record.
type Outcome int

const (
	// New means there is no local record yet.
	New Outcome = iota + 1
	// AlreadyHave means the incoming version is in the local history.
	AlreadyHave
	// FastForward means the local version is in the incoming history.
	FastForward
	// Conflict means neither version is in the other's history.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case AlreadyHave:
		return "already_have"
	case FastForward:
		return "fast_forward"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// Classify compares incoming against local. It is symmetric in the sense
// that Classify(x, y) is Conflict exactly when Classify(y, x) is.
func Classify(local, incoming ir.Record) Outcome {
	if local.RMC.Contains(incoming.Version) {
		return AlreadyHave
	}
	if incoming.RMC.Contains(local.Version) {
		return FastForward
	}
	return Conflict
}

// Merge returns the record to store after receiving incoming, and how it
// was reached. local is nil when the record is not stored yet.
//
// For AlreadyHave the local record is returned unchanged and nothing needs
// to be written. For Conflict the caller must stamp a fresh local version
// on the result so the merge itself fast-forwards on every other instance.
func Merge(local *ir.Record, incoming ir.Record) (ir.Record, Outcome) {
	if local == nil {
		rec := incoming
		rec.RMC = incoming.RMC.Clone()
		rec.RMC.Observe(incoming.Version)
		rec.DirtyBit = true
		return rec, New
	}
	switch outcome := Classify(*local, incoming); outcome {
	case AlreadyHave:
		return *local, outcome
	case FastForward:
		return fastForward(*local, incoming), outcome
	default:
		return mergeConflict(*local, incoming), outcome
	}
}

// fastForward adopts incoming and keeps the union of both histories.
func fastForward(local, incoming ir.Record) ir.Record {
	rec := incoming
	rec.RMC = local.RMC.Merge(incoming.RMC)
	rec.RMC.Observe(incoming.Version)
	rec.DirtyBit = true
	rec.DeserializationError = ""
	return rec
}

// mergeConflict keeps the local payload and prepends the incoming payload to
// the conflicting payloads. Deletion flags are sticky and a hard deletion on
// either side purges both payloads.
func mergeConflict(local, incoming ir.Record) ir.Record {
	rec := local
	rec.RMC = local.RMC.Merge(incoming.RMC)
	rec.Deleted = local.Deleted || incoming.Deleted
	rec.HardDeleted = local.HardDeleted || incoming.HardDeleted
	rec.DirtyBit = true
	rec.DeserializationError = ""
	if incoming.HardDeleted {
		rec.Serialized = ""
		rec.ConflictingSerialized = ""
		return rec
	}
	rec.ConflictingSerialized = joinConflicts(incoming.Serialized, local.ConflictingSerialized)
	return rec
}

// LocalWrite folds a write made by the application into rec. When rec is
// still dirty its payload was merged but never applied, so it is kept
// among the conflicting payloads rather than lost. A write over a clean
// record supersedes the conflicts the application was already shown.
// The caller stamps the new version.
func LocalWrite(rec ir.Record, payload string, deleted, hardDeleted bool) ir.Record {
	if rec.DirtyBit && rec.Serialized != payload {
		rec.ConflictingSerialized = joinConflicts(rec.Serialized, rec.ConflictingSerialized)
	} else if !rec.DirtyBit {
		rec.ConflictingSerialized = ""
	}
	rec.Serialized = payload
	rec.Deleted = deleted
	rec.HardDeleted = rec.HardDeleted || hardDeleted
	if rec.HardDeleted {
		rec.ConflictingSerialized = ""
	}
	rec.DirtyBit = false
	rec.DeserializationError = ""
	return rec
}

func joinConflicts(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// Package ir provides the shared data model of the replication engine.
//
// This package contains type definitions, the error taxonomy and the
// canonical encoding helpers. All other internal packages import ir; ir
// imports nothing internal, so it stays the foundational layer with no
// circular dependencies.
//
// Key design constraints:
//   - Versions are (instance, counter) pairs; counters never decrease per instance
//   - Counters maps (RMC, DMC slices, FMC) are plain maps keyed by InstanceID
//   - All JSON tags use snake_case
//   - Signed content is produced only by MarshalCanonical
package ir

// Package syncable defines what a host application provides to the sync
// engine: models that know their partition, source ID and serialized form,
// and an application that reports local changes and applies incoming ones.
package syncable

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/peersync/internal/ir"
)

// Model is any application value that can be replicated.
type Model interface {
	// ModelName names the model type, e.g. "note".
	ModelName() string
	// CalculatePartition returns the partition the value belongs to.
	CalculatePartition() string
	// CalculateSourceID returns a key unique within model and partition.
	// It must not be empty.
	CalculateSourceID() string
	// Serialize returns the replicated payload.
	Serialize() ([]byte, error)
	// Deserialize replaces the value's state with payload.
	Deserialize(payload []byte) error
}

// Change is a local model mutation the engine has not serialized yet.
// Revision lets the application tell whether the model changed again
// before the engine acknowledged it.
type Change struct {
	Model       Model
	Deleted     bool
	HardDeleted bool
	Revision    int64
}

// Incoming is a merged record handed back to the application.
// Model is nil when the record is hard deleted.
type Incoming struct {
	RecordID    string
	ModelName   string
	SourceID    string
	Partition   string
	Model       Model
	Deleted     bool
	HardDeleted bool
	// Conflicts holds payloads of divergent versions the application has
	// not resolved yet, newest first.
	Conflicts []string
}

// Application is the host application's side of serialization.
type Application interface {
	// DirtyModels returns the local changes of profile not yet serialized.
	DirtyModels(ctx context.Context, profile string) ([]Change, error)
	// ClearDirty acknowledges changes that were serialized. A model that
	// changed again since the Change was produced stays dirty.
	ClearDirty(ctx context.Context, changes []Change) error
	// Apply stores an incoming record. An error leaves the record flagged
	// for another attempt.
	Apply(ctx context.Context, in Incoming) error
}

// RecordID returns the store record ID for m.
func RecordID(m Model) (string, error) {
	source := m.CalculateSourceID()
	if source == "" {
		return "", fmt.Errorf("%s: empty source id", m.ModelName())
	}
	return ir.RecordID(m.CalculatePartition(), m.ModelName(), source), nil
}

// Factory creates an empty model of one type.
type Factory func() Model

// Registry maps model names to factories for one profile.
type Registry struct {
	mu        sync.RWMutex
	profile   string
	factories map[string]Factory
}

// NewRegistry creates an empty registry for profile.
func NewRegistry(profile string) *Registry {
	return &Registry{profile: profile, factories: make(map[string]Factory)}
}

// Profile returns the profile the registry serves.
func (r *Registry) Profile() string { return r.profile }

// Register adds a model type. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("model %q already registered for profile %s", name, r.profile)
	}
	r.factories[name] = f
	return nil
}

// New returns an empty model of the named type.
func (r *Registry) New(name string) (Model, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %q is not registered for profile %s", name, r.profile)
	}
	return f(), nil
}

// Names returns the registered model names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

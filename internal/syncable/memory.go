package syncable

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryEntry struct {
	doc         Document
	deleted     bool
	hardDeleted bool
	conflicts   []string
	revision    int64
	dirty       bool
}

// MemoryApp is an Application holding Documents in memory.
type MemoryApp struct {
	mu       sync.Mutex
	profile  string
	entries  map[string]*memoryEntry
	revision int64
	// FailApply, when set, is consulted before every Apply.
	FailApply func(Incoming) error
}

// NewMemoryApp creates an empty application for profile.
func NewMemoryApp(profile string) *MemoryApp {
	return &MemoryApp{profile: profile, entries: make(map[string]*memoryEntry)}
}

func docKey(partition, sourceID string) string { return partition + "\x00" + sourceID }

func (a *MemoryApp) touch(key string, mutate func(e *memoryEntry)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[key]
	if !ok {
		e = &memoryEntry{}
		a.entries[key] = e
	}
	mutate(e)
	a.revision++
	e.revision = a.revision
	e.dirty = true
}

// Put creates or replaces a document and marks it dirty.
func (a *MemoryApp) Put(doc Document) {
	a.touch(docKey(doc.Partition, doc.SourceID), func(e *memoryEntry) {
		e.doc = cloneDocument(doc)
		e.deleted = false
		e.hardDeleted = false
	})
}

// Delete soft-deletes a document. With hard set the payload is purged.
func (a *MemoryApp) Delete(partition, sourceID string, hard bool) {
	a.touch(docKey(partition, sourceID), func(e *memoryEntry) {
		e.doc.Partition = partition
		e.doc.SourceID = sourceID
		e.deleted = true
		if hard {
			e.hardDeleted = true
			e.doc.Fields = nil
		}
	})
}

// Get returns a live document.
func (a *MemoryApp) Get(partition, sourceID string) (Document, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[docKey(partition, sourceID)]
	if !ok || e.deleted {
		return Document{}, false
	}
	return cloneDocument(e.doc), true
}

// Conflicts returns unresolved conflicting payloads of a document.
func (a *MemoryApp) Conflicts(partition, sourceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[docKey(partition, sourceID)]; ok {
		return append([]string(nil), e.conflicts...)
	}
	return nil
}

// Documents returns every live document ordered by partition and source ID.
func (a *MemoryApp) Documents() []Document {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Document, 0, len(a.entries))
	for _, e := range a.entries {
		if !e.deleted {
			out = append(out, cloneDocument(e.doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].SourceID < out[j].SourceID
	})
	return out
}

// DirtyModels implements Application.
func (a *MemoryApp) DirtyModels(_ context.Context, profile string) ([]Change, error) {
	if profile != a.profile {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.entries))
	for k, e := range a.entries {
		if e.dirty {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		e := a.entries[k]
		doc := cloneDocument(e.doc)
		out = append(out, Change{
			Model:       &doc,
			Deleted:     e.deleted,
			HardDeleted: e.hardDeleted,
			Revision:    e.revision,
		})
	}
	return out, nil
}

// ClearDirty implements Application.
func (a *MemoryApp) ClearDirty(_ context.Context, changes []Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range changes {
		e, ok := a.entries[docKey(c.Model.CalculatePartition(), c.Model.CalculateSourceID())]
		if ok && e.revision == c.Revision {
			e.dirty = false
		}
	}
	return nil
}

// Apply implements Application. Applied documents are not marked dirty.
func (a *MemoryApp) Apply(_ context.Context, in Incoming) error {
	if a.FailApply != nil {
		if err := a.FailApply(in); err != nil {
			return err
		}
	}
	var doc Document
	if in.Model != nil {
		d, ok := in.Model.(*Document)
		if !ok {
			return errors.New("memory app only stores documents")
		}
		doc = cloneDocument(*d)
	}
	doc.Partition = in.Partition
	doc.SourceID = in.SourceID

	a.mu.Lock()
	defer a.mu.Unlock()
	key := docKey(in.Partition, in.SourceID)
	e, ok := a.entries[key]
	if !ok {
		e = &memoryEntry{}
		a.entries[key] = e
	}
	e.doc = doc
	e.deleted = in.Deleted
	e.hardDeleted = in.HardDeleted
	e.conflicts = append([]string(nil), in.Conflicts...)
	return nil
}

func cloneDocument(d Document) Document {
	out := Document{Partition: d.Partition, SourceID: d.SourceID}
	if d.Fields != nil {
		out.Fields = make(map[string]string, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

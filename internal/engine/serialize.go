package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/peersync/internal/conflict"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
)

// Serialize copies the application's dirty models under filter into the
// store, giving each changed record a new local version. A nil filter
// serializes everything. It returns the number of records that got a new
// version.
//
// After the changes are stored the local instance's current counter is
// recorded in the DMC for filter: this instance holds all of its own
// writes there.
func (e *Engine) Serialize(ctx context.Context, filter partition.Filter) (int, error) {
	changes, err := e.app.DirtyModels(ctx, e.Profile())
	if err != nil {
		return 0, fmt.Errorf("dirty models: %w", err)
	}

	var (
		acked   []syncable.Change
		stamped int
	)
	err = e.inTx(ctx, "serialize", func(tx *store.Store) error {
		acked, stamped = acked[:0], 0
		for _, ch := range changes {
			if filter != nil && !filter.Matches(ch.Model.CalculatePartition()) {
				continue
			}
			changed, err := e.serializeChange(ctx, tx, ch)
			if err != nil {
				return err
			}
			acked = append(acked, ch)
			if changed {
				stamped++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(acked) > 0 {
		if err := e.app.ClearDirty(ctx, acked); err != nil {
			return stamped, fmt.Errorf("clear dirty models: %w", err)
		}
	}

	counter, err := e.store.InstanceCounter(ctx, e.self.InstanceID)
	if err != nil {
		return stamped, err
	}
	if counter > 0 {
		if err := e.calc.Record(ctx, filter, ir.Counters{e.self.InstanceID: counter}); err != nil {
			return stamped, err
		}
	}
	if stamped > 0 {
		e.logger.Debug("serialized", "records", stamped, "filter", filter.String())
	}
	return stamped, nil
}

// serializeChange stores one change. It reports false when the stored
// record already holds the same state, so no version is spent.
func (e *Engine) serializeChange(ctx context.Context, tx *store.Store, ch syncable.Change) (bool, error) {
	m := ch.Model
	id, err := syncable.RecordID(m)
	if err != nil {
		return false, err
	}
	payload := ""
	if !ch.HardDeleted {
		data, err := m.Serialize()
		if err != nil {
			return false, fmt.Errorf("serialize %s %s: %w", m.ModelName(), m.CalculateSourceID(), err)
		}
		payload = string(data)
	}
	deleted := ch.Deleted || ch.HardDeleted

	rec, err := tx.GetRecord(ctx, id)
	switch {
	case err == nil:
		if rec.Serialized == payload && rec.Deleted == deleted && rec.HardDeleted == ch.HardDeleted && !rec.HasConflict() {
			return false, nil
		}
	case ir.IsNotFound(err):
		rec = ir.Record{
			ID:        id,
			SourceID:  m.CalculateSourceID(),
			ModelName: m.ModelName(),
			Partition: m.CalculatePartition(),
			Profile:   e.Profile(),
		}
	default:
		return false, err
	}

	rec = conflict.LocalWrite(rec, payload, deleted, ch.HardDeleted)
	if _, err := tx.StampVersion(ctx, e.self.InstanceID, &rec); err != nil {
		return false, err
	}
	return true, nil
}

// Deserialize hands every dirty record under filter to the application.
// Records the application fails to apply stay dirty with the error noted,
// and are offered again next time.
func (e *Engine) Deserialize(ctx context.Context, filter partition.Filter) (applied, failed int, err error) {
	records, err := e.store.ListRecords(ctx, store.RecordQuery{
		Filter:    filter,
		DirtyOnly: true,
		Profile:   e.Profile(),
	})
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range records {
		applyErr := e.applyRecord(ctx, rec)
		if applyErr != nil {
			failed++
			e.logger.Warn("deserialize failed", "record", rec.ID, "model", rec.ModelName, "error", applyErr)
		} else {
			applied++
		}
		if err := e.store.MarkDeserialized(ctx, rec.ID, applyErr); err != nil {
			return applied, failed, err
		}
	}
	return applied, failed, nil
}

func (e *Engine) applyRecord(ctx context.Context, rec ir.Record) error {
	in := syncable.Incoming{
		RecordID:    rec.ID,
		ModelName:   rec.ModelName,
		SourceID:    rec.SourceID,
		Partition:   rec.Partition,
		Deleted:     rec.Deleted,
		HardDeleted: rec.HardDeleted,
	}
	if rec.HasConflict() {
		in.Conflicts = strings.Split(rec.ConflictingSerialized, "\n")
	}
	if !rec.HardDeleted {
		m, err := e.registry.New(rec.ModelName)
		if err != nil {
			return err
		}
		if err := m.Deserialize([]byte(rec.Serialized)); err != nil {
			return fmt.Errorf("decode %s %s: %w", rec.ModelName, rec.SourceID, err)
		}
		in.Model = m
	}
	return e.app.Apply(ctx, in)
}

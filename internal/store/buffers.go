package store

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/ir"
)

const bufferColumns = `transfer_session_id, record_id, source_id, model_name, partition, profile,
	serialized, deleted, hard_deleted, conflicting_serialized, last_saved_instance,
	last_saved_counter, rmc`

// InsertBuffers snapshots entries for their transfer session. Entries already
// buffered for the same (session, record) are ignored, which makes replayed
// chunks harmless. It returns how many rows were new.
func (s *Store) InsertBuffers(ctx context.Context, entries []ir.BufferEntry) (int64, error) {
	var inserted int64
	err := s.WithTx(ctx, func(tx *Store) error {
		for _, e := range entries {
			rmc, err := marshalCounters(e.RMC)
			if err != nil {
				return err
			}
			res, err := tx.q.ExecContext(ctx, `
				INSERT INTO buffers (`+bufferColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(transfer_session_id, record_id) DO NOTHING
			`,
				e.TransferSessionID, e.RecordID, e.SourceID, e.ModelName, e.Partition, e.Profile,
				e.Serialized, boolToInt(e.Deleted), boolToInt(e.HardDeleted), e.ConflictingSerialized,
				string(e.Version.Instance), e.Version.Counter, rmc,
			)
			if err != nil {
				return fmt.Errorf("insert buffer %s/%s: %w", e.TransferSessionID, e.RecordID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert buffer: rows affected: %w", err)
			}
			inserted += n
		}
		return nil
	})
	return inserted, err
}

// ListBuffers returns up to limit buffer entries of a transfer session
// starting at offset, ordered by record ID so pages are stable.
func (s *Store) ListBuffers(ctx context.Context, transferSessionID string, offset, limit int64) ([]ir.BufferEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+bufferColumns+` FROM buffers
		WHERE transfer_session_id = ?
		ORDER BY record_id COLLATE BINARY ASC
		LIMIT ? OFFSET ?
	`, transferSessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list buffers: %w", err)
	}
	defer rows.Close()

	out := []ir.BufferEntry{}
	for rows.Next() {
		var (
			e             ir.BufferEntry
			deleted, hard int
			inst, rmc     string
		)
		if err := rows.Scan(&e.TransferSessionID, &e.RecordID, &e.SourceID, &e.ModelName, &e.Partition,
			&e.Profile, &e.Serialized, &deleted, &hard, &e.ConflictingSerialized, &inst,
			&e.Version.Counter, &rmc); err != nil {
			return nil, fmt.Errorf("scan buffer: %w", err)
		}
		e.Deleted = deleted == 1
		e.HardDeleted = hard == 1
		e.Version.Instance = ir.InstanceID(inst)
		if e.RMC, err = unmarshalCounters(rmc); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountBuffers returns the number of buffered entries of a transfer session.
func (s *Store) CountBuffers(ctx context.Context, transferSessionID string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM buffers WHERE transfer_session_id = ?`, transferSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count buffers: %w", err)
	}
	return n, nil
}

// DeleteBuffers discards the buffered entries of a transfer session.
func (s *Store) DeleteBuffers(ctx context.Context, transferSessionID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM buffers WHERE transfer_session_id = ?`, transferSessionID); err != nil {
		return fmt.Errorf("delete buffers: %w", err)
	}
	return nil
}

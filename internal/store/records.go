package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

const recordColumns = `id, source_id, model_name, partition, profile, serialized, deleted, hard_deleted,
	conflicting_serialized, last_saved_instance, last_saved_counter, dirty_bit,
	deserialization_error, last_transfer_session_id`

// SaveRecord inserts or replaces rec and its RMC entries.
// RMC rows are only ever raised, never lowered.
func (s *Store) SaveRecord(ctx context.Context, rec ir.Record) error {
	return s.WithTx(ctx, func(tx *Store) error {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_id = excluded.source_id,
				model_name = excluded.model_name,
				partition = excluded.partition,
				profile = excluded.profile,
				serialized = excluded.serialized,
				deleted = excluded.deleted,
				hard_deleted = excluded.hard_deleted,
				conflicting_serialized = excluded.conflicting_serialized,
				last_saved_instance = excluded.last_saved_instance,
				last_saved_counter = excluded.last_saved_counter,
				dirty_bit = excluded.dirty_bit,
				deserialization_error = excluded.deserialization_error,
				last_transfer_session_id = excluded.last_transfer_session_id
		`,
			rec.ID, rec.SourceID, rec.ModelName, rec.Partition, rec.Profile, rec.Serialized,
			boolToInt(rec.Deleted), boolToInt(rec.HardDeleted), rec.ConflictingSerialized,
			string(rec.Version.Instance), rec.Version.Counter, boolToInt(rec.DirtyBit),
			rec.DeserializationError, rec.LastTransferSessionID,
		)
		if err != nil {
			return fmt.Errorf("save record %s: %w", rec.ID, err)
		}
		return tx.raiseRMC(ctx, rec.ID, rec.RMC)
	})
}

func (s *Store) raiseRMC(ctx context.Context, recordID string, rmc ir.Counters) error {
	for _, inst := range rmc.Instances() {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO record_max_counters (record_id, instance_id, counter) VALUES (?, ?, ?)
			ON CONFLICT(record_id, instance_id) DO UPDATE SET counter = MAX(counter, excluded.counter)
		`, recordID, string(inst), rmc[inst])
		if err != nil {
			return fmt.Errorf("save rmc %s/%s: %w", recordID, inst, err)
		}
	}
	return nil
}

// GetRecord returns the record with its RMC, or an ir NOT_FOUND error.
func (s *Store) GetRecord(ctx context.Context, id string) (ir.Record, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Record{}, ir.NewError(ir.ErrCodeNotFound, "record %s", id)
	}
	if err != nil {
		return ir.Record{}, err
	}
	if rec.RMC, err = s.GetRMC(ctx, id); err != nil {
		return ir.Record{}, err
	}
	return rec, nil
}

// GetRMC returns the record max counters of a record.
func (s *Store) GetRMC(ctx context.Context, recordID string) (ir.Counters, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT instance_id, counter FROM record_max_counters WHERE record_id = ?
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("get rmc %s: %w", recordID, err)
	}
	defer rows.Close()

	rmc := ir.Counters{}
	for rows.Next() {
		var inst string
		var counter int64
		if err := rows.Scan(&inst, &counter); err != nil {
			return nil, fmt.Errorf("scan rmc: %w", err)
		}
		rmc[ir.InstanceID(inst)] = counter
	}
	return rmc, rows.Err()
}

// RecordHistoryContains reports whether v is in the history of the record,
// i.e. RMC[record][v.Instance] >= v.Counter. Unknown records contain nothing.
func (s *Store) RecordHistoryContains(ctx context.Context, recordID string, v ir.Version) (bool, error) {
	var counter int64
	err := s.q.QueryRowContext(ctx, `
		SELECT counter FROM record_max_counters WHERE record_id = ? AND instance_id = ?
	`, recordID, string(v.Instance)).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record history: %w", err)
	}
	return counter >= v.Counter, nil
}

// RecordQuery selects records for ListRecords.
type RecordQuery struct {
	// Filter limits results to matching partitions. Nil selects everything.
	Filter partition.Filter

	// DirtyOnly selects records awaiting deserialization.
	DirtyOnly bool

	// ModelName and Profile narrow by exact match when set.
	ModelName string
	Profile   string
}

// ListRecords returns matching records with their RMCs, ordered by ID.
func (s *Store) ListRecords(ctx context.Context, q RecordQuery) ([]ir.Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Filter != nil {
		clause, clauseArgs := partitionClause("partition", q.Filter)
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	if q.DirtyOnly {
		where = append(where, "dirty_bit = 1")
	}
	if q.ModelName != "" {
		where = append(where, "model_name = ?")
		args = append(args, q.ModelName)
	}
	if q.Profile != "" {
		where = append(where, "profile = ?")
		args = append(args, q.Profile)
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id COLLATE BINARY ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := []ir.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	rows.Close()

	// RMCs load after the cursor is closed: the pool has one connection.
	for i := range records {
		if records[i].RMC, err = s.GetRMC(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// MarkDeserialized clears the dirty bit after the host application applied
// the record, or keeps it set and stores failure when it did not.
func (s *Store) MarkDeserialized(ctx context.Context, recordID string, failure error) error {
	var err error
	if failure == nil {
		_, err = s.q.ExecContext(ctx, `
			UPDATE records SET dirty_bit = 0, deserialization_error = '' WHERE id = ?
		`, recordID)
	} else {
		_, err = s.q.ExecContext(ctx, `
			UPDATE records SET deserialization_error = ? WHERE id = ?
		`, failure.Error(), recordID)
	}
	if err != nil {
		return fmt.Errorf("mark deserialized %s: %w", recordID, err)
	}
	return nil
}

func scanRecord(r rowScanner) (ir.Record, error) {
	var (
		rec                     ir.Record
		inst                    string
		deleted, hard, dirtyBit int
	)
	err := r.Scan(
		&rec.ID, &rec.SourceID, &rec.ModelName, &rec.Partition, &rec.Profile, &rec.Serialized,
		&deleted, &hard, &rec.ConflictingSerialized, &inst, &rec.Version.Counter, &dirtyBit,
		&rec.DeserializationError, &rec.LastTransferSessionID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.Record{}, err
		}
		return ir.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Version.Instance = ir.InstanceID(inst)
	rec.Deleted = deleted == 1
	rec.HardDeleted = hard == 1
	rec.DirtyBit = dirtyBit == 1
	return rec, nil
}

// partitionClause renders filter as a SQL predicate on column with the same
// boundary rules as partition.Contains. substr keeps the comparison
// case-sensitive, unlike LIKE.
func partitionClause(column string, filter partition.Filter) (string, []any) {
	if len(filter) == 0 {
		return "0", nil
	}
	var (
		parts []string
		args  []any
	)
	for _, prefix := range filter {
		if prefix == "" {
			return "1", nil
		}
		bounded := prefix
		if !strings.HasSuffix(prefix, partition.Delimiter) {
			bounded += partition.Delimiter
		}
		parts = append(parts, "("+column+" = ? OR substr("+column+", 1, ?) = ?)")
		args = append(args, prefix, utf8.RuneCountInString(bounded), bounded)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

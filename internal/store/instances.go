package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/peersync/internal/ir"
)

// Instance is a persisted instance identity row.
type Instance struct {
	ID         ir.InstanceID
	DatabaseID string
	SystemID   string
	NodeID     string
	Hostname   string
	Counter    int64
	Current    bool
	CreatedAt  time.Time
}

// CurrentDatabaseID returns the current database ID, or "" if none exists.
func (s *Store) CurrentDatabaseID(ctx context.Context) (string, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `SELECT id FROM database_ids WHERE current = 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("current database id: %w", err)
	}
	return id, nil
}

// SetCurrentDatabaseID records id as the current database ID, demoting any
// previous one. Used after a database is cloned or restored.
func (s *Store) SetCurrentDatabaseID(ctx context.Context, id string, now time.Time) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `UPDATE database_ids SET current = 0 WHERE current = 1`); err != nil {
			return fmt.Errorf("set database id: %w", err)
		}
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO database_ids (id, current, created_at) VALUES (?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET current = 1
		`, id, toMillis(now))
		if err != nil {
			return fmt.Errorf("set database id: %w", err)
		}
		return nil
	})
}

// SaveInstance records inst as the current instance. An existing row keeps
// its counter, so re-deriving the same identity never rewinds it.
func (s *Store) SaveInstance(ctx context.Context, inst Instance) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `UPDATE instances SET current = 0 WHERE current = 1 AND id != ?`, string(inst.ID)); err != nil {
			return fmt.Errorf("save instance: %w", err)
		}
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO instances (id, database_id, system_id, node_id, hostname, counter, current, created_at)
			VALUES (?, ?, ?, ?, ?, 0, 1, ?)
			ON CONFLICT(id) DO UPDATE SET current = 1
		`, string(inst.ID), inst.DatabaseID, inst.SystemID, inst.NodeID, inst.Hostname, toMillis(inst.CreatedAt))
		if err != nil {
			return fmt.Errorf("save instance: %w", err)
		}
		return nil
	})
}

// CurrentInstance returns the current instance row.
func (s *Store) CurrentInstance(ctx context.Context) (Instance, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, database_id, system_id, node_id, hostname, counter, current, created_at
		FROM instances WHERE current = 1
	`)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ir.NewError(ir.ErrCodeNotFound, "no current instance; run init")
	}
	return inst, err
}

// ListInstances returns every instance this database has been, oldest first.
func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, database_id, system_id, node_id, hostname, counter, current, created_at
		FROM instances ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	out := []Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (Instance, error) {
	var (
		inst    Instance
		id      string
		current int
		created int64
	)
	if err := r.Scan(&id, &inst.DatabaseID, &inst.SystemID, &inst.NodeID, &inst.Hostname, &inst.Counter, &current, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, err
		}
		return Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	inst.ID = ir.InstanceID(id)
	inst.Current = current == 1
	inst.CreatedAt = fromMillis(created)
	return inst, nil
}

// NextCounter atomically increments and returns the counter of instance.
func (s *Store) NextCounter(ctx context.Context, instance ir.InstanceID) (int64, error) {
	var counter int64
	err := s.WithTx(ctx, func(tx *Store) error {
		err := tx.q.QueryRowContext(ctx, `
			UPDATE instances SET counter = counter + 1 WHERE id = ? RETURNING counter
		`, string(instance)).Scan(&counter)
		if errors.Is(err, sql.ErrNoRows) {
			return ir.NewError(ir.ErrCodeNotFound, "instance %s is not registered", instance)
		}
		if err != nil {
			return fmt.Errorf("next counter: %w", err)
		}
		return nil
	})
	return counter, err
}

// InstanceCounter returns the current counter of instance without
// incrementing it.
func (s *Store) InstanceCounter(ctx context.Context, instance ir.InstanceID) (int64, error) {
	var counter int64
	err := s.q.QueryRowContext(ctx, `SELECT counter FROM instances WHERE id = ?`, string(instance)).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ir.NewError(ir.ErrCodeNotFound, "instance %s is not registered", instance)
	}
	if err != nil {
		return 0, fmt.Errorf("instance counter: %w", err)
	}
	return counter, nil
}

// StampVersion assigns the next counter of instance to rec, records it in
// rec's RMC and saves rec, all in one transaction.
func (s *Store) StampVersion(ctx context.Context, instance ir.InstanceID, rec *ir.Record) (ir.Version, error) {
	stamped := *rec
	err := s.WithTx(ctx, func(tx *Store) error {
		counter, err := tx.NextCounter(ctx, instance)
		if err != nil {
			return err
		}
		stamped.Version = ir.Version{Instance: instance, Counter: counter}
		stamped.RMC = rec.RMC.Clone()
		stamped.RMC[instance] = counter
		return tx.SaveRecord(ctx, stamped)
	})
	if err != nil {
		return ir.Version{}, err
	}
	*rec = stamped
	return stamped.Version, nil
}

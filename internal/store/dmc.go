package store

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/ir"
)

// ListDMC returns every database max counter row ordered by partition then
// instance.
func (s *Store) ListDMC(ctx context.Context) ([]ir.DMCEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT partition, instance_id, counter FROM database_max_counters
		ORDER BY partition COLLATE BINARY ASC, instance_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list dmc: %w", err)
	}
	defer rows.Close()

	out := []ir.DMCEntry{}
	for rows.Next() {
		var e ir.DMCEntry
		var inst string
		if err := rows.Scan(&e.Partition, &inst, &e.Counter); err != nil {
			return nil, fmt.Errorf("scan dmc: %w", err)
		}
		e.Instance = ir.InstanceID(inst)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RaiseDMC records that everything up to counters has been synced for
// partition. Existing counters are only raised.
func (s *Store) RaiseDMC(ctx context.Context, partition string, counters ir.Counters) error {
	return s.WithTx(ctx, func(tx *Store) error {
		for _, inst := range counters.Instances() {
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO database_max_counters (partition, instance_id, counter) VALUES (?, ?, ?)
				ON CONFLICT(partition, instance_id) DO UPDATE SET counter = MAX(counter, excluded.counter)
			`, partition, string(inst), counters[inst])
			if err != nil {
				return fmt.Errorf("raise dmc %q/%s: %w", partition, inst, err)
			}
		}
		return nil
	})
}

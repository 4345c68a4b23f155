package engine

import (
	"context"
	"time"

	"github.com/roach88/peersync/internal/store"
)

// GCReport lists what CollectGarbage removed.
type GCReport struct {
	SyncSessions []string `json:"sync_sessions"`
	Nonces       int64    `json:"nonces"`
}

// CollectGarbage deletes sync sessions idle for longer than expiration,
// together with their transfer sessions and buffers, and purges expired
// nonces. Sessions with a transfer in progress are kept.
func (e *Engine) CollectGarbage(ctx context.Context, expiration time.Duration) (GCReport, error) {
	now := e.clock.Now()
	report := GCReport{SyncSessions: []string{}}

	// Selection and deletion share a transaction, so a transfer that starts
	// in between either keeps its session or conflicts and is retried.
	var (
		ids       []string
		transfers []string
	)
	err := e.inTx(ctx, "collect garbage", func(tx *store.Store) error {
		ids, transfers = nil, nil
		expired, err := tx.ExpiredSyncSessions(ctx, now.Add(-expiration))
		if err != nil {
			return err
		}
		for _, id := range expired {
			sessions, err := tx.ListTransferSessions(ctx, id)
			if err != nil {
				return err
			}
			if err := tx.DeleteSyncSession(ctx, id); err != nil {
				return err
			}
			for _, ts := range sessions {
				transfers = append(transfers, ts.ID)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	for _, id := range transfers {
		e.locks.Delete(id)
	}
	report.SyncSessions = append(report.SyncSessions, ids...)

	report.Nonces, err = e.store.PurgeNonces(ctx, now.Add(-e.nonceTTL))
	if err != nil {
		return report, err
	}
	if len(report.SyncSessions) > 0 || report.Nonces > 0 {
		e.logger.Info("garbage collected", "sync_sessions", len(report.SyncSessions), "nonces", report.Nonces)
	}
	return report, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/peersync/internal/ir"
)

const syncSessionColumns = `id, profile, is_server, client_certificate_id, server_certificate_id,
	client_instance_id, server_instance_id, connection_path, capabilities, active,
	started_at, last_activity_at`

// CreateSyncSession inserts a sync session. Re-creating an existing ID is a
// no-op.
func (s *Store) CreateSyncSession(ctx context.Context, ss ir.SyncSession) error {
	caps, err := marshalStrings(ss.Capabilities)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO sync_sessions (`+syncSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ss.ID, ss.Profile, boolToInt(ss.IsServer), ss.ClientCertificateID, ss.ServerCertificateID,
		string(ss.ClientInstanceID), string(ss.ServerInstanceID), ss.ConnectionPath, caps,
		boolToInt(ss.Active), toMillis(ss.StartedAt), toMillis(ss.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("create sync session %s: %w", ss.ID, err)
	}
	return nil
}

// GetSyncSession returns a sync session, or an ir NOT_FOUND error.
func (s *Store) GetSyncSession(ctx context.Context, id string) (ir.SyncSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+syncSessionColumns+` FROM sync_sessions WHERE id = ?`, id)
	ss, err := scanSyncSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SyncSession{}, ir.NewError(ir.ErrCodeNotFound, "sync session %s", id)
	}
	return ss, err
}

// ListSyncSessions returns sync sessions, most recently active first.
func (s *Store) ListSyncSessions(ctx context.Context, activeOnly bool) ([]ir.SyncSession, error) {
	query := `SELECT ` + syncSessionColumns + ` FROM sync_sessions`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY last_activity_at DESC, id ASC`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sync sessions: %w", err)
	}
	defer rows.Close()

	out := []ir.SyncSession{}
	for rows.Next() {
		ss, err := scanSyncSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// TouchSyncSession records activity on a sync session.
func (s *Store) TouchSyncSession(ctx context.Context, id string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sync_sessions SET last_activity_at = ? WHERE id = ?`, toMillis(now), id)
	if err != nil {
		return fmt.Errorf("touch sync session %s: %w", id, err)
	}
	return nil
}

// CloseSyncSession marks a sync session inactive.
func (s *Store) CloseSyncSession(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE sync_sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("close sync session %s: %w", id, err)
	}
	return nil
}

// ExpiredSyncSessions returns IDs of sync sessions idle since before cutoff
// that have no transfer session still STARTED.
func (s *Store) ExpiredSyncSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ss.id FROM sync_sessions ss
		WHERE ss.last_activity_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM transfer_sessions ts
			WHERE ts.sync_session_id = ss.id AND ts.active = 1 AND ts.status = ?
		  )
		ORDER BY ss.id ASC
	`, toMillis(cutoff), ir.StatusStarted.String())
	if err != nil {
		return nil, fmt.Errorf("expired sync sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sync session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSyncSession removes a sync session with its transfer sessions and
// their buffers.
func (s *Store) DeleteSyncSession(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		stmts := []string{
			`DELETE FROM buffers WHERE transfer_session_id IN (SELECT id FROM transfer_sessions WHERE sync_session_id = ?)`,
			`DELETE FROM transfer_sessions WHERE sync_session_id = ?`,
			`DELETE FROM sync_sessions WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := tx.q.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete sync session %s: %w", id, err)
			}
		}
		return nil
	})
}

func scanSyncSession(r rowScanner) (ir.SyncSession, error) {
	var (
		ss                   ir.SyncSession
		isServer, active     int
		clientInst, servInst string
		caps                 string
		started, last        int64
	)
	err := r.Scan(&ss.ID, &ss.Profile, &isServer, &ss.ClientCertificateID, &ss.ServerCertificateID,
		&clientInst, &servInst, &ss.ConnectionPath, &caps, &active, &started, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.SyncSession{}, err
		}
		return ir.SyncSession{}, fmt.Errorf("scan sync session: %w", err)
	}
	ss.IsServer = isServer == 1
	ss.Active = active == 1
	ss.ClientInstanceID = ir.InstanceID(clientInst)
	ss.ServerInstanceID = ir.InstanceID(servInst)
	ss.StartedAt = fromMillis(started)
	ss.LastActivityAt = fromMillis(last)
	if ss.Capabilities, err = unmarshalStrings(caps); err != nil {
		return ir.SyncSession{}, err
	}
	return ss, nil
}

const transferSessionColumns = `id, sync_session_id, direction, filter, stage, status,
	records_total, records_transferred, client_fmc, server_fmc, active, last_error,
	started_at, last_activity_at`

// CreateTransferSession inserts ts. Only one active transfer session may
// exist per (sync session, direction); a different active one fails with
// SESSION_BUSY. Re-creating the same ID is a no-op so resumes are safe.
func (s *Store) CreateTransferSession(ctx context.Context, ts ir.TransferSession) error {
	clientFMC, err := marshalCounters(ts.ClientFMC)
	if err != nil {
		return err
	}
	serverFMC, err := marshalCounters(ts.ServerFMC)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *Store) error {
		var busy string
		err := tx.q.QueryRowContext(ctx, `
			SELECT id FROM transfer_sessions
			WHERE sync_session_id = ? AND direction = ? AND active = 1 AND id != ?
			LIMIT 1
		`, ts.SyncSessionID, string(ts.Direction), ts.ID).Scan(&busy)
		if err == nil {
			return ir.NewError(ir.ErrCodeSessionBusy, "%s transfer %s is already active", ts.Direction, busy).WithSession(ts.SyncSessionID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("create transfer session: %w", err)
		}

		_, err = tx.q.ExecContext(ctx, `
			INSERT INTO transfer_sessions (`+transferSessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			ts.ID, ts.SyncSessionID, string(ts.Direction), ts.Filter, ts.Stage.String(), ts.Status.String(),
			ts.RecordsTotal, ts.RecordsTransferred, clientFMC, serverFMC, boolToInt(ts.Active), ts.LastError,
			toMillis(ts.StartedAt), toMillis(ts.LastActivityAt),
		)
		if err != nil {
			return fmt.Errorf("create transfer session %s: %w", ts.ID, err)
		}
		return nil
	})
}

// UpdateTransferSession writes every mutable field of ts. records_transferred
// never decreases.
func (s *Store) UpdateTransferSession(ctx context.Context, ts ir.TransferSession) error {
	clientFMC, err := marshalCounters(ts.ClientFMC)
	if err != nil {
		return err
	}
	serverFMC, err := marshalCounters(ts.ServerFMC)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE transfer_sessions SET
			stage = ?, status = ?, records_total = ?,
			records_transferred = MAX(records_transferred, ?),
			client_fmc = ?, server_fmc = ?, active = ?, last_error = ?, last_activity_at = ?
		WHERE id = ?
	`,
		ts.Stage.String(), ts.Status.String(), ts.RecordsTotal, ts.RecordsTransferred,
		clientFMC, serverFMC, boolToInt(ts.Active), ts.LastError, toMillis(ts.LastActivityAt), ts.ID,
	)
	if err != nil {
		return fmt.Errorf("update transfer session %s: %w", ts.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ir.NewError(ir.ErrCodeNotFound, "transfer session %s", ts.ID)
	}
	return nil
}

// GetTransferSession returns a transfer session, or an ir NOT_FOUND error.
func (s *Store) GetTransferSession(ctx context.Context, id string) (ir.TransferSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+transferSessionColumns+` FROM transfer_sessions WHERE id = ?`, id)
	ts, err := scanTransferSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.TransferSession{}, ir.NewError(ir.ErrCodeNotFound, "transfer session %s", id)
	}
	return ts, err
}

// ListTransferSessions returns the transfer sessions of a sync session, or
// of all sync sessions when syncSessionID is empty, oldest first.
func (s *Store) ListTransferSessions(ctx context.Context, syncSessionID string) ([]ir.TransferSession, error) {
	query := `SELECT ` + transferSessionColumns + ` FROM transfer_sessions`
	var args []any
	if syncSessionID != "" {
		query += ` WHERE sync_session_id = ?`
		args = append(args, syncSessionID)
	}
	query += ` ORDER BY started_at ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer sessions: %w", err)
	}
	defer rows.Close()

	out := []ir.TransferSession{}
	for rows.Next() {
		ts, err := scanTransferSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanTransferSession(r rowScanner) (ir.TransferSession, error) {
	var (
		ts                   ir.TransferSession
		direction            string
		stage, status        string
		clientFMC, serverFMC string
		active               int
		started, last        int64
	)
	err := r.Scan(&ts.ID, &ts.SyncSessionID, &direction, &ts.Filter, &stage, &status,
		&ts.RecordsTotal, &ts.RecordsTransferred, &clientFMC, &serverFMC, &active, &ts.LastError,
		&started, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.TransferSession{}, err
		}
		return ir.TransferSession{}, fmt.Errorf("scan transfer session: %w", err)
	}
	ts.Direction = ir.Direction(direction)
	if ts.Stage, err = ir.ParseStage(stage); err != nil {
		return ir.TransferSession{}, err
	}
	if ts.Status, err = ir.ParseStatus(status); err != nil {
		return ir.TransferSession{}, err
	}
	if ts.ClientFMC, err = unmarshalCounters(clientFMC); err != nil {
		return ir.TransferSession{}, err
	}
	if ts.ServerFMC, err = unmarshalCounters(serverFMC); err != nil {
		return ir.TransferSession{}, err
	}
	ts.Active = active == 1
	ts.StartedAt = fromMillis(started)
	ts.LastActivityAt = fromMillis(last)
	return ts, nil
}

package engine

import (
	"context"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/changeset"
	"github.com/roach88/peersync/internal/conflict"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
)

// Default stage operations. Each one handles the stage for one role and
// defers otherwise; installDefaultChains orders them so every
// (role, direction) pair is handled by exactly one.

// initializeServer computes the receiver FMC on a pushed-to server. A
// server producer has nothing to prepare.
func (e *Engine) initializeServer(ctx context.Context, sc *SessionContext) Result {
	if !sc.IsServer() {
		return Defer()
	}
	if sc.IsReceiver() {
		fmc, err := e.calc.GuaranteedFMC(ctx, sc.Filter)
		if err != nil {
			return Failed(err)
		}
		sc.setReceiverFMC(fmc)
	}
	return Handled(ir.StatusCompleted)
}

// initializeClient opens the transfer session on the server. A pulling
// client advertises its guaranteed FMC first; the response carries the
// server's.
func (e *Engine) initializeClient(ctx context.Context, sc *SessionContext) Result {
	if sc.IsServer() {
		return Defer()
	}
	if sc.IsReceiver() {
		fmc, err := e.calc.GuaranteedFMC(ctx, sc.Filter)
		if err != nil {
			return Failed(err)
		}
		sc.setReceiverFMC(fmc)
	}
	if err := e.openRemote(ctx, sc); err != nil {
		return Failed(err)
	}
	return Handled(ir.StatusCompleted)
}

// openRemote creates, or on resume re-attaches to, the server's side of
// the transfer session.
func (e *Engine) openRemote(ctx context.Context, sc *SessionContext) error {
	ts := &sc.Transfer
	req := ir.CreateTransferSessionRequest{
		ID:            ts.ID,
		SyncSessionID: ts.SyncSessionID,
		Filter:        ts.Filter,
		Direction:     ts.Direction,
		ClientFMC:     ts.ClientFMC,
	}
	var resp ir.CreateTransferSessionResponse
	err := e.retry.Do(ctx, e.logger, "create transfer session", func() error {
		var err error
		resp, err = sc.Peer.CreateTransferSession(ctx, req)
		return networkError("create transfer session", err)
	})
	if err != nil {
		return err
	}
	if err := e.calc.Check(resp.ServerFMC); err != nil {
		return err
	}
	if resp.ChunkSize > 0 {
		sc.ChunkSize = resp.ChunkSize
	}
	ts.ServerFMC = resp.ServerFMC
	if !sc.IsPush() {
		ts.RecordsTotal = resp.RecordsTotal
	}
	return nil
}

// serializeStage brings the store up to date with the application before
// anything is queued or merged.
func (e *Engine) serializeStage(ctx context.Context, sc *SessionContext) Result {
	n, err := e.Serialize(ctx, sc.Filter)
	if err != nil {
		return Failed(err)
	}
	sc.Stats.Serialized += n
	return Handled(ir.StatusCompleted)
}

// queueLocal snapshots every record the receiver lacks into the transfer
// session's buffer.
func (e *Engine) queueLocal(ctx context.Context, sc *SessionContext) Result {
	if !sc.IsProducer() {
		return Defer()
	}
	if err := e.queue(ctx, sc); err != nil {
		return Failed(err)
	}
	return Handled(ir.StatusCompleted)
}

func (e *Engine) queue(ctx context.Context, sc *SessionContext) error {
	ts := &sc.Transfer
	receiver := sc.ReceiverFMC()
	if err := e.calc.Check(receiver); err != nil {
		return err
	}
	// The sender FMC is taken before listing, so it never claims a record
	// that was not queued.
	sender, err := e.calc.GuaranteedFMC(ctx, sc.Filter)
	if err != nil {
		return err
	}
	scope, err := certs.ScopeOf(ctx, e.store, sc.ClientCert())
	if err != nil {
		return err
	}

	records, err := e.store.ListRecords(ctx, store.RecordQuery{Filter: sc.Filter, Profile: sc.Sync.Profile})
	if err != nil {
		return err
	}
	entries := make([]ir.BufferEntry, 0, len(records))
	for _, rec := range records {
		if !changeset.NeedsSync(rec.Version, receiver) {
			continue
		}
		if !scope.Allows(sc.Operation(), rec.Partition) {
			sc.Stats.Rejected++
			continue
		}
		entries = append(entries, rec.ToBuffer(ts.ID))
	}

	err = e.inTx(ctx, "queue", func(tx *store.Store) error {
		if err := tx.DeleteBuffers(ctx, ts.ID); err != nil {
			return err
		}
		_, err := tx.InsertBuffers(ctx, entries)
		return err
	})
	if err != nil {
		return err
	}
	sc.setSenderFMC(sender)
	ts.RecordsTotal = int64(len(entries))
	e.logger.Debug("queued", "transfer", ts.ID, "records", len(entries), "server", sc.IsServer(),
		"behind", changeset.Diff(sender, receiver))
	return nil
}

// skipReceiver completes stages the receiving side has no part in.
func (e *Engine) skipReceiver(_ context.Context, sc *SessionContext) Result {
	if !sc.IsReceiver() {
		return Defer()
	}
	return Handled(ir.StatusCompleted)
}

// skipProducer completes stages the producing side has no part in.
func (e *Engine) skipProducer(_ context.Context, sc *SessionContext) Result {
	if !sc.IsProducer() {
		return Defer()
	}
	return Handled(ir.StatusCompleted)
}

// transferServer keeps the server in TRANSFERRING while the client moves
// chunks, and completes it once the client finishes.
func (e *Engine) transferServer(_ context.Context, sc *SessionContext) Result {
	if !sc.IsServer() {
		return Defer()
	}
	if sc.finishing {
		return Handled(ir.StatusCompleted)
	}
	return Handled(ir.StatusStarted)
}

// pushChunks sends the client's buffer to the server one chunk at a time,
// starting after the last acknowledged chunk.
func (e *Engine) pushChunks(ctx context.Context, sc *SessionContext) Result {
	if sc.IsServer() || !sc.IsPush() {
		return Defer()
	}
	ts := &sc.Transfer
	size := int64(sc.ChunkSize)
	for offset := (ts.RecordsTransferred / size) * size; offset < ts.RecordsTotal; offset += size {
		entries, err := e.store.ListBuffers(ctx, ts.ID, offset, size)
		if err != nil {
			return Failed(err)
		}
		chunk := ir.Chunk{TransferSessionID: ts.ID, Seq: offset / size, Records: entries}
		err = e.retry.Do(ctx, e.logger, "push chunk", func() error {
			_, err := sc.Peer.PushChunk(ctx, chunk)
			return networkError("push chunk", err)
		})
		if err != nil {
			return Failed(err)
		}
		ts.RecordsTransferred = offset + int64(len(entries))
		if err := e.controller.progress(ctx, sc); err != nil {
			return Failed(err)
		}
	}
	return Handled(ir.StatusCompleted)
}

// pullChunks fetches the server's buffer into the local one, starting at
// the chunk holding the first record not yet received.
func (e *Engine) pullChunks(ctx context.Context, sc *SessionContext) Result {
	if sc.IsServer() || sc.IsPush() {
		return Defer()
	}
	ts := &sc.Transfer
	size := int64(sc.ChunkSize)
	scope, err := certs.ScopeOf(ctx, e.store, sc.ClientCert())
	if err != nil {
		return Failed(err)
	}
	for ts.RecordsTransferred < ts.RecordsTotal {
		seq := ts.RecordsTransferred / size
		var chunk ir.Chunk
		err := e.retry.Do(ctx, e.logger, "pull chunk", func() error {
			var err error
			chunk, err = sc.Peer.PullChunk(ctx, ir.PullChunkRequest{TransferSessionID: ts.ID, Seq: seq})
			return networkError("pull chunk", err)
		})
		if err != nil {
			return Failed(err)
		}
		if len(chunk.Records) == 0 {
			return Failed(ir.NewError(ir.ErrCodeTransferNetwork,
				"chunk %d is empty with %d of %d records received", seq, ts.RecordsTransferred, ts.RecordsTotal).WithSession(ts.ID))
		}
		if err := checkChunk(sc, scope, chunk.Records); err != nil {
			return Failed(err)
		}
		if _, err := e.store.InsertBuffers(ctx, chunk.Records); err != nil {
			return Failed(err)
		}
		ts.RecordsTransferred = seq*size + int64(len(chunk.Records))
		if err := e.controller.progress(ctx, sc); err != nil {
			return Failed(err)
		}
	}
	return Handled(ir.StatusCompleted)
}

// checkChunk admits a chunk into the receiver's buffer only if every record
// lies within the transfer's filter and the client certificate grants the
// transfer's operation on it. Entries are rebound to the local session.
func checkChunk(sc *SessionContext, scope partition.Scope, entries []ir.BufferEntry) error {
	for i := range entries {
		entry := &entries[i]
		if !sc.Filter.Matches(entry.Partition) || !scope.Allows(sc.Operation(), entry.Partition) {
			return ir.NewError(ir.ErrCodeUnauthorized,
				"record %s in partition %s is outside the authorized filter", entry.RecordID, entry.Partition).WithSession(sc.Transfer.ID)
		}
		if entry.Profile != sc.Sync.Profile {
			return ir.NewError(ir.ErrCodeUnauthorized,
				"record %s belongs to profile %s", entry.RecordID, entry.Profile).WithSession(sc.Transfer.ID)
		}
		entry.TransferSessionID = sc.Transfer.ID
	}
	return nil
}

// dequeueLocal merges the received buffer into the store, one chunk per
// transaction. Re-running it after a crash is harmless: merged records
// classify as already present.
func (e *Engine) dequeueLocal(ctx context.Context, sc *SessionContext) Result {
	if !sc.IsReceiver() {
		return Defer()
	}
	ts := &sc.Transfer
	size := int64(sc.ChunkSize)
	for offset := int64(0); ; offset += size {
		entries, err := e.store.ListBuffers(ctx, ts.ID, offset, size)
		if err != nil {
			return Failed(err)
		}
		if len(entries) == 0 {
			break
		}
		var stats MergeStats
		err = e.inTx(ctx, "dequeue", func(tx *store.Store) error {
			stats = MergeStats{}
			for _, entry := range entries {
				if err := e.mergeEntry(ctx, tx, sc, entry, &stats); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return Failed(err)
		}
		sc.Stats.New += stats.New
		sc.Stats.FastForward += stats.FastForward
		sc.Stats.AlreadyHave += stats.AlreadyHave
		sc.Stats.Conflict += stats.Conflict
		if int64(len(entries)) < size {
			break
		}
	}
	e.logger.Info("merged",
		"transfer", ts.ID,
		"new", sc.Stats.New,
		"fast_forward", sc.Stats.FastForward,
		"already_have", sc.Stats.AlreadyHave,
		"conflict", sc.Stats.Conflict)
	return Handled(ir.StatusCompleted)
}

func (e *Engine) mergeEntry(ctx context.Context, tx *store.Store, sc *SessionContext, entry ir.BufferEntry, stats *MergeStats) error {
	incoming := entry.Record()
	var local *ir.Record
	existing, err := tx.GetRecord(ctx, incoming.ID)
	switch {
	case err == nil:
		local = &existing
	case !ir.IsNotFound(err):
		return err
	}

	merged, outcome := conflict.Merge(local, incoming)
	merged.LastTransferSessionID = sc.Transfer.ID
	switch outcome {
	case conflict.AlreadyHave:
		stats.AlreadyHave++
		return nil
	case conflict.New:
		stats.New++
	case conflict.FastForward:
		stats.FastForward++
	case conflict.Conflict:
		stats.Conflict++
		e.logger.Info("merge conflict", "record", merged.ID, "local", local.Version, "incoming", incoming.Version)
		_, err := tx.StampVersion(ctx, e.self.InstanceID, &merged)
		return err
	}
	return tx.SaveRecord(ctx, merged)
}

// finishRemotePush tells the server the push is complete and waits for it
// to merge.
func (e *Engine) finishRemotePush(ctx context.Context, sc *SessionContext) Result {
	if sc.IsServer() || !sc.IsPush() {
		return Defer()
	}
	if err := e.finishRemote(ctx, sc); err != nil {
		return Failed(err)
	}
	return Handled(ir.StatusCompleted)
}

func (e *Engine) finishRemote(ctx context.Context, sc *SessionContext) error {
	req := ir.FinishTransferSessionRequest{ID: sc.Transfer.ID}
	if sc.IsPush() {
		req.SenderFMC = sc.SenderFMC()
		req.RecordsTotal = sc.Transfer.RecordsTotal
	}
	return e.retry.Do(ctx, e.logger, "finish transfer session", func() error {
		_, err := sc.Peer.FinishTransferSession(ctx, req)
		return networkError("finish transfer session", err)
	})
}

// deserializeLocal hands merged records to the application. Failures keep
// the records dirty without failing the stage.
func (e *Engine) deserializeLocal(ctx context.Context, sc *SessionContext) Result {
	if !sc.IsReceiver() {
		return Defer()
	}
	applied, failed, err := e.Deserialize(ctx, sc.Filter)
	if err != nil {
		return Failed(err)
	}
	sc.Stats.Deserialized += applied
	sc.Stats.DeserializeFailures += failed
	return Handled(ir.StatusCompleted)
}

// cleanup records what the receiver now holds and drops the buffer. A
// pulling client releases the server's side as well.
func (e *Engine) cleanup(ctx context.Context, sc *SessionContext) Result {
	ts := &sc.Transfer
	if sc.IsReceiver() {
		// Rejected records mean the sender's claim does not hold here.
		if sc.Stats.Rejected == 0 {
			if err := e.calc.Record(ctx, sc.Filter, sc.SenderFMC()); err != nil {
				return Failed(err)
			}
		}
	}
	if !sc.IsServer() && !sc.IsPush() {
		if err := e.finishRemote(ctx, sc); err != nil {
			return Failed(err)
		}
	}
	if err := e.store.DeleteBuffers(ctx, ts.ID); err != nil {
		return Failed(err)
	}
	return Handled(ir.StatusCompleted)
}

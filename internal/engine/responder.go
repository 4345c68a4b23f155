package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// Responder answers a remote client on behalf of an Engine. The transport
// server decodes requests into calls on it; tests use it directly as the
// client's Peer.
type Responder struct {
	e *Engine
}

// Responder returns the server side of e.
func (e *Engine) Responder() *Responder { return &Responder{e: e} }

var _ Peer = (*Responder)(nil)

// Capabilities answers negotiate_capabilities.
func (r *Responder) Capabilities(_ context.Context) (ir.CapabilitiesResponse, error) {
	return ir.CapabilitiesResponse{
		InstanceID:      r.e.self.InstanceID,
		ProtocolVersion: ir.ProtocolVersion,
		EngineVersion:   ir.EngineVersion,
		Capabilities:    r.e.Capabilities(),
	}, nil
}

// Nonce issues a single-use nonce for CreateSyncSession.
func (r *Responder) Nonce(ctx context.Context) (ir.NonceResponse, error) {
	now := r.e.clock.Now()
	id := uuid.NewString()
	if err := r.e.store.CreateNonce(ctx, id, now, remoteAddr(ctx)); err != nil {
		return ir.NonceResponse{}, err
	}
	return ir.NonceResponse{Nonce: id, ExpiresAt: now.Add(r.e.nonceTTL)}, nil
}

// SignCertificate issues a child of a certificate this instance owns for
// the requester's public key.
func (r *Responder) SignCertificate(ctx context.Context, req ir.CertificateSigningRequest) (ir.CertificateChainResponse, error) {
	if req.PublicKey == "" {
		return ir.CertificateChainResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "signing request carries no public key")
	}
	parent, err := r.e.store.GetCertificate(ctx, req.ParentID)
	if err != nil {
		return ir.CertificateChainResponse{}, err
	}
	key, err := certs.OwnedKey(parent)
	if err != nil {
		return ir.CertificateChainResponse{}, ir.WrapError(ir.ErrCodeUnauthorized, err, "cannot sign for certificate %s", parent.ID)
	}
	cert, err := certs.Issue(ctx, r.e.store, parent, key, certs.IssueRequest{
		ScopeDefinitionID: req.ScopeDefinitionID,
		ScopeParams:       req.ScopeParams,
		PublicKey:         req.PublicKey,
	})
	if err != nil {
		return ir.CertificateChainResponse{}, err
	}
	if err := r.e.store.SaveCertificate(ctx, cert); err != nil {
		return ir.CertificateChainResponse{}, err
	}
	chain, err := certs.Chain(ctx, r.e.store, cert.ID)
	if err != nil {
		return ir.CertificateChainResponse{}, err
	}
	r.e.logger.Info("issued certificate", "id", cert.ID, "parent", parent.ID, "scope", cert.ScopeDefinitionID)
	return ir.CertificateChainResponse{Chain: chain}, nil
}

// CreateSyncSession authenticates the client: the nonce must be fresh, its
// chain must verify, and its leaf key must have signed the nonce. The
// server certificate must be owned here and belong to the same tree.
func (r *Responder) CreateSyncSession(ctx context.Context, req ir.CreateSyncSessionRequest) (ir.CreateSyncSessionResponse, error) {
	e := r.e
	now := e.clock.Now()
	if req.Profile != e.Profile() {
		return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "profile %q is not served here", req.Profile)
	}
	if err := e.store.UseNonce(ctx, req.Nonce, now, e.nonceTTL); err != nil {
		return ir.CreateSyncSessionResponse{}, err
	}

	client, err := certs.SaveChain(ctx, e.store, e.store, req.ClientChain)
	if err != nil {
		return ir.CreateSyncSessionResponse{}, err
	}
	pub, err := certs.ParsePublicKey(client.PublicKey)
	if err != nil {
		return ir.CreateSyncSessionResponse{}, ir.WrapError(ir.ErrCodeInvalidChain, err, "certificate %s", client.ID)
	}
	if !pub.Verify(ir.SyncSessionSigningContent(req.Nonce, req.ID, req.ServerCertificateID), req.Signature) {
		return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "session signature does not match certificate %s", client.ID)
	}

	server, err := e.store.GetCertificate(ctx, req.ServerCertificateID)
	if err != nil {
		if ir.IsNotFound(err) {
			return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "unknown server certificate %s", req.ServerCertificateID)
		}
		return ir.CreateSyncSessionResponse{}, err
	}
	if !server.HasPrivateKey() {
		return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "certificate %s is not owned by this instance", server.ID)
	}
	if server.Profile != client.Profile {
		return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized,
			"client profile %s does not match server profile %s", client.Profile, server.Profile)
	}
	serverChain, err := certs.Chain(ctx, e.store, server.ID)
	if err != nil {
		return ir.CreateSyncSessionResponse{}, err
	}
	if serverChain[0].ID != req.ClientChain[0].ID {
		return ir.CreateSyncSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized,
			"client root %s does not match server root %s", req.ClientChain[0].ID, serverChain[0].ID)
	}

	caps := intersect(e.capabilities, req.Capabilities)
	ss := ir.SyncSession{
		ID:                  req.ID,
		Profile:             req.Profile,
		IsServer:            true,
		ClientCertificateID: client.ID,
		ServerCertificateID: server.ID,
		ClientInstanceID:    req.ClientInstanceID,
		ServerInstanceID:    e.self.InstanceID,
		ConnectionPath:      remoteAddr(ctx),
		Capabilities:        caps,
		Active:              true,
		StartedAt:           now,
		LastActivityAt:      now,
	}
	if err := e.store.CreateSyncSession(ctx, ss); err != nil {
		return ir.CreateSyncSessionResponse{}, err
	}
	e.logger.Info("sync session opened", "session", ss.ID, "client", client.ID, "client_instance", string(req.ClientInstanceID))
	return ir.CreateSyncSessionResponse{
		ID:               ss.ID,
		ServerChain:      serverChain,
		ServerInstanceID: e.self.InstanceID,
		Capabilities:     caps,
	}, nil
}

// CloseSyncSession marks the session inactive. Closing twice is fine.
func (r *Responder) CloseSyncSession(ctx context.Context, id string) error {
	if _, err := r.e.serverSyncSession(ctx, id); err != nil {
		return err
	}
	return r.e.store.CloseSyncSession(ctx, id)
}

// CreateTransferSession opens the server side of a transfer and runs it up
// to QUEUING. Calling it again with the same ID re-attaches, which is how
// clients resume.
func (r *Responder) CreateTransferSession(ctx context.Context, req ir.CreateTransferSessionRequest) (ir.CreateTransferSessionResponse, error) {
	e := r.e
	ss, err := e.serverSyncSession(ctx, req.SyncSessionID)
	if err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	if !req.Direction.Valid() {
		return ir.CreateTransferSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "invalid direction %q", req.Direction)
	}
	filter := partition.ParseFilter(req.Filter)
	if len(filter) == 0 {
		return ir.CreateTransferSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "transfer session needs a filter")
	}
	client, server, err := e.sessionCertificates(ctx, ss)
	if err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	if err := e.authorizeFilter(ctx, client, req.Direction, filter); err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	if err := e.calc.Check(req.ClientFMC); err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}

	now := e.clock.Now()
	err = e.store.CreateTransferSession(ctx, ir.TransferSession{
		ID:             req.ID,
		SyncSessionID:  ss.ID,
		Direction:      req.Direction,
		Filter:         filter.String(),
		Stage:          ir.StageInitializing,
		Status:         ir.StatusPending,
		ClientFMC:      req.ClientFMC,
		Active:         true,
		StartedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}

	unlock := e.lockTransfer(req.ID)
	defer unlock()
	ts, err := e.store.GetTransferSession(ctx, req.ID)
	if err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	if ts.SyncSessionID != ss.ID || ts.Direction != req.Direction {
		return ir.CreateTransferSessionResponse{}, ir.NewError(ir.ErrCodeUnauthorized, "transfer session %s belongs to another session", ts.ID)
	}
	sc := e.newSessionContext(ss, ts, server, client, nil)
	if _, err := e.controller.Proceed(ctx, sc, ir.StageQueuing); err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	if err := e.store.TouchSyncSession(ctx, ss.ID, now); err != nil {
		return ir.CreateTransferSessionResponse{}, err
	}
	return ir.CreateTransferSessionResponse{
		ID:                 sc.Transfer.ID,
		RecordsTotal:       sc.Transfer.RecordsTotal,
		RecordsTransferred: sc.Transfer.RecordsTransferred,
		ServerFMC:          sc.Transfer.ServerFMC,
		Stage:              sc.Transfer.Stage.String(),
		ChunkSize:          sc.ChunkSize,
	}, nil
}

// PushChunk stores a chunk the client pushed. Chunks are idempotent:
// resending one after a lost acknowledgement changes nothing.
func (r *Responder) PushChunk(ctx context.Context, chunk ir.Chunk) (ir.ChunkAck, error) {
	e := r.e
	sc, unlock, err := e.serverTransfer(ctx, chunk.TransferSessionID)
	if err != nil {
		return ir.ChunkAck{}, err
	}
	defer unlock()
	ts := &sc.Transfer
	if !sc.IsPush() {
		return ir.ChunkAck{}, ir.NewError(ir.ErrCodeUnauthorized, "transfer session %s is a pull", ts.ID)
	}
	if ts.Stage > ir.StageTransferring {
		return ir.ChunkAck{TransferSessionID: ts.ID, Seq: chunk.Seq, RecordsTransferred: ts.RecordsTransferred}, nil
	}
	if _, err := e.controller.Proceed(ctx, sc, ir.StageTransferring); err != nil {
		return ir.ChunkAck{}, err
	}

	scope, err := certs.ScopeOf(ctx, e.store, sc.ClientCert())
	if err != nil {
		return ir.ChunkAck{}, err
	}
	if err := checkChunk(sc, scope, chunk.Records); err != nil {
		return ir.ChunkAck{}, err
	}
	if _, err := e.store.InsertBuffers(ctx, chunk.Records); err != nil {
		return ir.ChunkAck{}, err
	}
	count, err := e.store.CountBuffers(ctx, ts.ID)
	if err != nil {
		return ir.ChunkAck{}, err
	}
	ts.RecordsTransferred = count
	if err := e.controller.progress(ctx, sc); err != nil {
		return ir.ChunkAck{}, err
	}
	return ir.ChunkAck{TransferSessionID: ts.ID, Seq: chunk.Seq, RecordsTransferred: count}, nil
}

// PullChunk returns one page of the server's buffer. Pages are addressed
// by sequence number, so the client may fetch any page again.
func (r *Responder) PullChunk(ctx context.Context, req ir.PullChunkRequest) (ir.Chunk, error) {
	e := r.e
	sc, unlock, err := e.serverTransfer(ctx, req.TransferSessionID)
	if err != nil {
		return ir.Chunk{}, err
	}
	defer unlock()
	ts := &sc.Transfer
	if sc.IsPush() {
		return ir.Chunk{}, ir.NewError(ir.ErrCodeUnauthorized, "transfer session %s is a push", ts.ID)
	}
	if req.Seq < 0 {
		return ir.Chunk{}, ir.NewError(ir.ErrCodeNotFound, "chunk %d", req.Seq).WithSession(ts.ID)
	}
	if ts.Stage > ir.StageTransferring {
		return ir.Chunk{}, ir.NewError(ir.ErrCodeNotFound, "transfer session %s is past transferring", ts.ID)
	}
	if _, err := e.controller.Proceed(ctx, sc, ir.StageTransferring); err != nil {
		return ir.Chunk{}, err
	}

	size := int64(sc.ChunkSize)
	entries, err := e.store.ListBuffers(ctx, ts.ID, req.Seq*size, size)
	if err != nil {
		return ir.Chunk{}, err
	}
	if sent := req.Seq*size + int64(len(entries)); sent > ts.RecordsTransferred {
		ts.RecordsTransferred = sent
		if err := e.controller.progress(ctx, sc); err != nil {
			return ir.Chunk{}, err
		}
	}
	return ir.Chunk{TransferSessionID: ts.ID, Seq: req.Seq, Records: entries}, nil
}

// FinishTransferSession runs the server's remaining stages. For a push the
// request carries the client's FMC and record count; the server refuses to
// finish before it holds every record.
func (r *Responder) FinishTransferSession(ctx context.Context, req ir.FinishTransferSessionRequest) (ir.FinishTransferSessionResponse, error) {
	e := r.e
	sc, unlock, err := e.serverTransfer(ctx, req.ID)
	if err != nil {
		return ir.FinishTransferSessionResponse{}, err
	}
	defer unlock()
	ts := &sc.Transfer
	if ts.Stage != ir.StageCompleted {
		if sc.IsPush() {
			if err := e.calc.Check(req.SenderFMC); err != nil {
				return ir.FinishTransferSessionResponse{}, err
			}
			count, err := e.store.CountBuffers(ctx, ts.ID)
			if err != nil {
				return ir.FinishTransferSessionResponse{}, err
			}
			if ts.Stage <= ir.StageTransferring && count < req.RecordsTotal {
				return ir.FinishTransferSessionResponse{}, ir.NewError(ir.ErrCodeTransferNetwork,
					"received %d of %d records", count, req.RecordsTotal).WithSession(ts.ID)
			}
			ts.RecordsTotal = req.RecordsTotal
			ts.ClientFMC = req.SenderFMC
		}
		sc.finishing = true
		if _, err := e.controller.Proceed(ctx, sc, ir.StageCleanup); err != nil {
			return ir.FinishTransferSessionResponse{}, err
		}
	}
	return ir.FinishTransferSessionResponse{
		ID:                 ts.ID,
		Stage:              ts.Stage.String(),
		RecordsTransferred: ts.RecordsTransferred,
	}, nil
}

// FMC reports this instance's guaranteed FMC for a filter.
func (r *Responder) FMC(ctx context.Context, req ir.FMCRequest) (ir.FMCResponse, error) {
	filter := partition.ParseFilter(req.Filter)
	fmc, err := r.e.calc.GuaranteedFMC(ctx, filter)
	if err != nil {
		return ir.FMCResponse{}, err
	}
	return ir.FMCResponse{Filter: filter.String(), Counters: fmc}, nil
}

// serverSyncSession loads an active sync session this instance serves.
func (e *Engine) serverSyncSession(ctx context.Context, id string) (ir.SyncSession, error) {
	ss, err := e.store.GetSyncSession(ctx, id)
	if err != nil {
		return ir.SyncSession{}, err
	}
	if !ss.IsServer {
		return ir.SyncSession{}, ir.NewError(ir.ErrCodeUnauthorized, "sync session %s is not served here", id)
	}
	if !ss.Active {
		return ir.SyncSession{}, ir.NewError(ir.ErrCodeUnauthorized, "sync session %s is closed", id)
	}
	return ss, nil
}

// sessionCertificates loads and re-verifies both certificates of ss. It
// runs on every transfer creation so resumed sessions are re-checked.
func (e *Engine) sessionCertificates(ctx context.Context, ss ir.SyncSession) (client, server ir.Certificate, err error) {
	client, err = e.store.GetCertificate(ctx, ss.ClientCertificateID)
	if err != nil {
		return client, server, err
	}
	server, err = e.store.GetCertificate(ctx, ss.ServerCertificateID)
	if err != nil {
		return client, server, err
	}
	if err := certs.VerifyChain(ctx, e.store, e.store, client); err != nil {
		return client, server, err
	}
	if err := certs.VerifyChain(ctx, e.store, e.store, server); err != nil {
		return client, server, err
	}
	return client, server, nil
}

// authorizeFilter checks that the client certificate grants the transfer's
// access on every prefix of filter.
func (e *Engine) authorizeFilter(ctx context.Context, client ir.Certificate, dir ir.Direction, filter partition.Filter) error {
	scope, err := certs.ScopeOf(ctx, e.store, client)
	if err != nil {
		return err
	}
	op := partition.OpRead
	if dir == ir.DirectionPush {
		op = partition.OpWrite
	}
	if !filter.IsSubsetOf(scope.Filter(op)) {
		return ir.NewError(ir.ErrCodeUnauthorized, "certificate %s does not grant %s on %s", client.ID, op, filter)
	}
	return nil
}

// serverTransfer loads an active transfer session of an active sync
// session this instance serves, holding its lock. The caller must call
// the returned unlock.
func (e *Engine) serverTransfer(ctx context.Context, id string) (*SessionContext, func(), error) {
	unlock := e.lockTransfer(id)
	sc, err := e.loadServerTransfer(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return sc, unlock, nil
}

func (e *Engine) loadServerTransfer(ctx context.Context, id string) (*SessionContext, error) {
	ts, err := e.store.GetTransferSession(ctx, id)
	if err != nil {
		return nil, err
	}
	ss, err := e.serverSyncSession(ctx, ts.SyncSessionID)
	if err != nil {
		return nil, err
	}
	if ts.Stage == ir.StageErrored {
		return nil, ir.NewError(ir.ErrCodeUnauthorized, "transfer session %s was aborted: %s", ts.ID, ts.LastError)
	}
	client, err := e.store.GetCertificate(ctx, ss.ClientCertificateID)
	if err != nil {
		return nil, err
	}
	server, err := e.store.GetCertificate(ctx, ss.ServerCertificateID)
	if err != nil {
		return nil, err
	}
	if err := e.store.TouchSyncSession(ctx, ss.ID, e.clock.Now()); err != nil {
		return nil, err
	}
	return e.newSessionContext(ss, ts, server, client, nil), nil
}

// newSessionContext assembles what the controller needs for one transfer.
func (e *Engine) newSessionContext(ss ir.SyncSession, ts ir.TransferSession, local, remote ir.Certificate, peer Peer) *SessionContext {
	return &SessionContext{
		Sync:       ss,
		Transfer:   ts,
		Filter:     partition.ParseFilter(ts.Filter),
		LocalCert:  local,
		RemoteCert: remote,
		Peer:       peer,
		ChunkSize:  e.chunkSize,
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
)

// Client is an open sync session on the initiating side. Push and Pull
// run transfer sessions inside it; one of each direction may be active at
// a time.
type Client struct {
	e       *Engine
	peer    Peer
	session ir.SyncSession
	local   ir.Certificate
	remote  ir.Certificate
}

// Connect negotiates with peer and opens a sync session authenticated by
// the local certificate clientCertID. serverCertID names the certificate
// the server should use; empty selects the root of the client's chain.
func (e *Engine) Connect(ctx context.Context, peer Peer, clientCertID, serverCertID string) (*Client, error) {
	var caps ir.CapabilitiesResponse
	err := e.retry.Do(ctx, e.logger, "negotiate capabilities", func() error {
		var err error
		caps, err = peer.Capabilities(ctx)
		return networkError("negotiate capabilities", err)
	})
	if err != nil {
		return nil, err
	}
	if caps.ProtocolVersion != ir.ProtocolVersion {
		return nil, fmt.Errorf("peer %s speaks protocol %s, want %s", caps.InstanceID, caps.ProtocolVersion, ir.ProtocolVersion)
	}

	local, err := e.store.GetCertificate(ctx, clientCertID)
	if err != nil {
		return nil, err
	}
	key, err := certs.OwnedKey(local)
	if err != nil {
		return nil, err
	}
	if local.Profile != e.Profile() {
		return nil, fmt.Errorf("certificate %s is for profile %s, engine serves %s", local.ID, local.Profile, e.Profile())
	}
	if err := certs.VerifyChain(ctx, e.store, e.store, local); err != nil {
		return nil, err
	}
	chain, err := certs.Chain(ctx, e.store, local.ID)
	if err != nil {
		return nil, err
	}
	if serverCertID == "" {
		serverCertID = chain[0].ID
	}

	var nonce ir.NonceResponse
	err = e.retry.Do(ctx, e.logger, "nonce", func() error {
		var err error
		nonce, err = peer.Nonce(ctx)
		return networkError("nonce", err)
	})
	if err != nil {
		return nil, err
	}

	id := e.ids.Generate()
	sig, err := key.Sign(ir.SyncSessionSigningContent(nonce.Nonce, id, serverCertID))
	if err != nil {
		return nil, err
	}
	// Not retried: the nonce is spent by the first attempt that reaches
	// the server.
	resp, err := peer.CreateSyncSession(ctx, ir.CreateSyncSessionRequest{
		ID:                  id,
		Profile:             local.Profile,
		ClientChain:         chain,
		ServerCertificateID: serverCertID,
		Nonce:               nonce.Nonce,
		Signature:           sig,
		ClientInstanceID:    e.self.InstanceID,
		Capabilities:        e.capabilities,
	})
	if err != nil {
		return nil, networkError("create sync session", err)
	}

	remote, err := certs.SaveChain(ctx, e.store, e.store, resp.ServerChain)
	if err != nil {
		return nil, err
	}
	if remote.ID != serverCertID {
		return nil, ir.NewError(ir.ErrCodeInvalidChain, "server answered with certificate %s, asked for %s", remote.ID, serverCertID)
	}
	if remote.Profile != local.Profile {
		return nil, ir.NewError(ir.ErrCodeInvalidChain, "server certificate %s is for profile %s", remote.ID, remote.Profile)
	}

	now := e.clock.Now()
	ss := ir.SyncSession{
		ID:                  id,
		Profile:             local.Profile,
		ClientCertificateID: local.ID,
		ServerCertificateID: remote.ID,
		ClientInstanceID:    e.self.InstanceID,
		ServerInstanceID:    resp.ServerInstanceID,
		ConnectionPath:      peerAddress(peer),
		Capabilities:        intersect(e.capabilities, resp.Capabilities),
		Active:              true,
		StartedAt:           now,
		LastActivityAt:      now,
	}
	if err := e.store.CreateSyncSession(ctx, ss); err != nil {
		return nil, err
	}
	e.logger.Info("sync session opened", "session", ss.ID, "server", string(ss.ServerInstanceID), "path", ss.ConnectionPath)
	return &Client{e: e, peer: peer, session: ss, local: local, remote: remote}, nil
}

// Reconnect reopens a client for a sync session stored earlier, so its
// transfer sessions can be resumed. Both certificate chains are verified
// again.
func (e *Engine) Reconnect(ctx context.Context, peer Peer, syncSessionID string) (*Client, error) {
	ss, err := e.store.GetSyncSession(ctx, syncSessionID)
	if err != nil {
		return nil, err
	}
	if ss.IsServer {
		return nil, fmt.Errorf("sync session %s was opened by the peer", ss.ID)
	}
	if !ss.Active {
		return nil, fmt.Errorf("sync session %s is closed", ss.ID)
	}
	local, remote, err := e.sessionCertificates(ctx, ss)
	if err != nil {
		return nil, err
	}
	return &Client{e: e, peer: peer, session: ss, local: local, remote: remote}, nil
}

// Session returns the sync session row.
func (c *Client) Session() ir.SyncSession { return c.session }

// Push sends local records under filter to the server.
func (c *Client) Push(ctx context.Context, filter partition.Filter) (ir.TransferSession, error) {
	return c.transfer(ctx, ir.DirectionPush, filter)
}

// Pull fetches the server's records under filter.
func (c *Client) Pull(ctx context.Context, filter partition.Filter) (ir.TransferSession, error) {
	return c.transfer(ctx, ir.DirectionPull, filter)
}

func (c *Client) transfer(ctx context.Context, dir ir.Direction, filter partition.Filter) (ir.TransferSession, error) {
	e := c.e
	if len(filter) == 0 {
		return ir.TransferSession{}, fmt.Errorf("%s needs a filter", dir)
	}
	if err := e.authorizeFilter(ctx, c.local, dir, filter); err != nil {
		return ir.TransferSession{}, err
	}
	now := e.clock.Now()
	ts := ir.TransferSession{
		ID:             e.ids.Generate(),
		SyncSessionID:  c.session.ID,
		Direction:      dir,
		Filter:         filter.String(),
		Stage:          ir.StageInitializing,
		Status:         ir.StatusPending,
		Active:         true,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateTransferSession(ctx, ts); err != nil {
		return ir.TransferSession{}, err
	}
	e.logger.Info("transfer started", "transfer", ts.ID, "direction", dir, "filter", ts.Filter)
	return c.run(ctx, ts)
}

// Resume continues a transfer session of this sync session from its last
// persisted stage. Chunks already acknowledged are not sent again.
func (c *Client) Resume(ctx context.Context, transferSessionID string) (ir.TransferSession, error) {
	ts, err := c.e.store.GetTransferSession(ctx, transferSessionID)
	if err != nil {
		return ir.TransferSession{}, err
	}
	if ts.SyncSessionID != c.session.ID {
		return ir.TransferSession{}, fmt.Errorf("transfer session %s belongs to sync session %s", ts.ID, ts.SyncSessionID)
	}
	switch ts.Stage {
	case ir.StageCompleted:
		return ts, nil
	case ir.StageErrored:
		return ts, fmt.Errorf("transfer session %s was aborted: %s", ts.ID, ts.LastError)
	}
	c.e.logger.Info("transfer resumed", "transfer", ts.ID, "stage", ts.Stage, "transferred", ts.RecordsTransferred)
	return c.run(ctx, ts)
}

func (c *Client) run(ctx context.Context, ts ir.TransferSession) (ir.TransferSession, error) {
	e := c.e
	unlock := e.lockTransfer(ts.ID)
	defer unlock()

	sc := e.newSessionContext(c.session, ts, c.local, c.remote, c.peer)
	// Past initialization the chunk size and server state come from
	// re-attaching to the server's session.
	if ts.Stage > ir.StageInitializing || ts.Status == ir.StatusCompleted {
		if err := e.openRemote(ctx, sc); err != nil {
			return sc.Transfer, err
		}
	}
	_, err := e.controller.Proceed(ctx, sc, ir.StageCleanup)
	if err != nil {
		return sc.Transfer, err
	}
	if err := e.store.TouchSyncSession(ctx, c.session.ID, e.clock.Now()); err != nil {
		return sc.Transfer, err
	}
	e.logger.Info("transfer completed",
		"transfer", sc.Transfer.ID,
		"direction", sc.Transfer.Direction,
		"records", sc.Transfer.RecordsTotal,
		"new", sc.Stats.New,
		"fast_forward", sc.Stats.FastForward,
		"conflict", sc.Stats.Conflict)
	return sc.Transfer, nil
}

// RemoteFMC asks the server for its guaranteed FMC under filter.
func (c *Client) RemoteFMC(ctx context.Context, filter partition.Filter) (ir.Counters, error) {
	var resp ir.FMCResponse
	err := c.e.retry.Do(ctx, c.e.logger, "fmc", func() error {
		var err error
		resp, err = c.peer.FMC(ctx, ir.FMCRequest{Filter: filter.String()})
		return networkError("fmc", err)
	})
	if err != nil {
		return nil, err
	}
	return resp.Counters, nil
}

// Close ends the sync session on both sides.
func (c *Client) Close(ctx context.Context) error {
	err := c.e.retry.Do(ctx, c.e.logger, "close sync session", func() error {
		return networkError("close sync session", c.peer.CloseSyncSession(ctx, c.session.ID))
	})
	if cerr := c.e.store.CloseSyncSession(ctx, c.session.ID); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

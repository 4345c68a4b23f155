package engine

import (
	"context"

	"github.com/roach88/peersync/internal/ir"
)

// Peer is the remote end of a sync session as seen by the client.
//
// Implemented by transport.Client over HTTP and by Responder in-process.
// Errors carrying an ir error code are the peer's verdict; anything else
// is treated as a network failure and retried.
type Peer interface {
	Capabilities(ctx context.Context) (ir.CapabilitiesResponse, error)
	Nonce(ctx context.Context) (ir.NonceResponse, error)
	SignCertificate(ctx context.Context, req ir.CertificateSigningRequest) (ir.CertificateChainResponse, error)
	CreateSyncSession(ctx context.Context, req ir.CreateSyncSessionRequest) (ir.CreateSyncSessionResponse, error)
	CloseSyncSession(ctx context.Context, id string) error
	CreateTransferSession(ctx context.Context, req ir.CreateTransferSessionRequest) (ir.CreateTransferSessionResponse, error)
	PushChunk(ctx context.Context, chunk ir.Chunk) (ir.ChunkAck, error)
	PullChunk(ctx context.Context, req ir.PullChunkRequest) (ir.Chunk, error)
	FinishTransferSession(ctx context.Context, req ir.FinishTransferSessionRequest) (ir.FinishTransferSessionResponse, error)
	FMC(ctx context.Context, req ir.FMCRequest) (ir.FMCResponse, error)
}

// addresser is implemented by peers that know where they connect to.
type addresser interface {
	Address() string
}

func peerAddress(p Peer) string {
	if a, ok := p.(addresser); ok {
		return a.Address()
	}
	return ""
}

type remoteAddrKey struct{}

// WithRemoteAddr records the network address of the calling client, for
// nonce bookkeeping and session listings.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey{}, addr)
}

func remoteAddr(ctx context.Context) string {
	addr, _ := ctx.Value(remoteAddrKey{}).(string)
	return addr
}

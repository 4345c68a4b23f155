package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/identity"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
	"github.com/roach88/peersync/internal/testutil"
)

const testProfile = "facility"

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

var testDefinitions = []partition.ScopeDefinition{
	{
		ID:                      "full-facility",
		Profile:                 testProfile,
		Version:                 1,
		PrimaryScopeParamKey:    "mainpartition",
		ReadWriteFilterTemplate: "${mainpartition}",
	},
	{
		ID:                      "single-user",
		Profile:                 testProfile,
		Version:                 1,
		ReadFilterTemplate:      "${mainpartition}:shared",
		ReadWriteFilterTemplate: "${mainpartition}:user:${user_id}",
	},
}

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNode is one instance: a store, its application and an engine.
type testNode struct {
	name   string
	store  *store.Store
	app    *syncable.MemoryApp
	engine *Engine
}

func newTestNode(t *testing.T, name string, clock Clock, opts ...Option) *testNode {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	self, err := identity.Establish(ctx, s, identity.SystemInfo{SystemID: name, NodeID: name, Hostname: name}, testNow, identity.WithLogger(discardLogger()))
	require.NoError(t, err)
	for _, d := range testDefinitions {
		require.NoError(t, s.SaveScopeDefinition(ctx, d))
	}

	app := syncable.NewMemoryApp(testProfile)
	base := []Option{
		WithClock(clock),
		WithIDGenerator(testutil.NewSequentialIDs(name)),
		WithLogger(discardLogger()),
		WithRetryPolicy(fastRetry),
	}
	e := New(s, self, app, syncable.NewDocumentRegistry(testProfile), append(base, opts...)...)
	return &testNode{name: name, store: s, app: app, engine: e}
}

// testPair is a server holding a root certificate and a client holding a
// child certificate issued from it.
type testPair struct {
	clock  *testutil.FakeClock
	server *testNode
	client *testNode
	root   ir.Certificate
	leaf   ir.Certificate
}

func newTestPair(t *testing.T, opts ...Option) *testPair {
	t.Helper()
	clock := testutil.NewFakeClock(testNow)
	p := &testPair{
		clock:  clock,
		server: newTestNode(t, "server", clock, opts...),
		client: newTestNode(t, "client", clock, opts...),
	}
	p.root, p.leaf = issueTestCertificates(t, p.server, p.client, "full-facility", nil)
	return p
}

// issueTestCertificates creates a root on server and gives client a child
// of it, with the client holding the child's key.
func issueTestCertificates(t *testing.T, server, client *testNode, leafScope string, extra map[string]string) (root, leaf ir.Certificate) {
	t.Helper()
	ctx := context.Background()
	root, err := certs.GenerateRoot(ctx, server.store, "full-facility", nil)
	require.NoError(t, err)
	require.NoError(t, server.store.SaveCertificate(ctx, root))

	key, err := certs.OwnedKey(root)
	require.NoError(t, err)
	params := map[string]string{"mainpartition": root.ID}
	for k, v := range extra {
		params[k] = v
	}
	leaf, err = certs.Issue(ctx, server.store, root, key, certs.IssueRequest{
		ScopeDefinitionID: leafScope,
		ScopeParams:       params,
	})
	require.NoError(t, err)

	public := root
	public.PrivateKey = ""
	require.NoError(t, client.store.SaveCertificate(ctx, public))
	require.NoError(t, client.store.SaveCertificate(ctx, leaf))
	return root, leaf
}

func (p *testPair) connect(t *testing.T) *Client {
	t.Helper()
	return p.connectVia(t, p.server.engine.Responder())
}

func (p *testPair) connectVia(t *testing.T, peer Peer) *Client {
	t.Helper()
	c, err := p.client.engine.Connect(context.Background(), peer, p.leaf.ID, p.root.ID)
	require.NoError(t, err)
	return c
}

func (p *testPair) filter() partition.Filter {
	return partition.NewFilter(p.root.ID)
}

func (p *testPair) part(suffix string) string {
	return p.root.ID + ":" + suffix
}

func doc(partition, sourceID string, kv ...string) syncable.Document {
	fields := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i]] = kv[i+1]
	}
	return syncable.Document{Partition: partition, SourceID: sourceID, Fields: fields}
}

func recordOf(t *testing.T, n *testNode, d syncable.Document) ir.Record {
	t.Helper()
	id, err := syncable.RecordID(&d)
	require.NoError(t, err)
	rec, err := n.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// hookPeer wraps a Peer, letting tests intercept calls.
type hookPeer struct {
	Peer
	beforeCreateSync func(req *ir.CreateSyncSessionRequest)
	pushChunk        func(chunk ir.Chunk) error
	pullChunk        func(req ir.PullChunkRequest) error
	pushed           []int64
}

func (h *hookPeer) CreateSyncSession(ctx context.Context, req ir.CreateSyncSessionRequest) (ir.CreateSyncSessionResponse, error) {
	if h.beforeCreateSync != nil {
		h.beforeCreateSync(&req)
	}
	return h.Peer.CreateSyncSession(ctx, req)
}

func (h *hookPeer) PushChunk(ctx context.Context, chunk ir.Chunk) (ir.ChunkAck, error) {
	if h.pushChunk != nil {
		if err := h.pushChunk(chunk); err != nil {
			return ir.ChunkAck{}, err
		}
	}
	h.pushed = append(h.pushed, chunk.Seq)
	return h.Peer.PushChunk(ctx, chunk)
}

func (h *hookPeer) PullChunk(ctx context.Context, req ir.PullChunkRequest) (ir.Chunk, error) {
	if h.pullChunk != nil {
		if err := h.pullChunk(req); err != nil {
			return ir.Chunk{}, err
		}
	}
	return h.Peer.PullChunk(ctx, req)
}

func (h *hookPeer) Address() string { return "in-process" }

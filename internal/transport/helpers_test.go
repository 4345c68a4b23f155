package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/identity"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
)

const testProfile = "facility"

var testNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

var testSecret = []byte("correct horse battery staple")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type node struct {
	store  *store.Store
	app    *syncable.MemoryApp
	engine *engine.Engine
}

func newNode(t *testing.T, name string, caps ...string) *node {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	self, err := identity.Establish(ctx, s, identity.SystemInfo{SystemID: name, NodeID: name, Hostname: name}, testNow, identity.WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, s.SaveScopeDefinition(ctx, partition.ScopeDefinition{
		ID:                      "full-facility",
		Profile:                 testProfile,
		Version:                 1,
		PrimaryScopeParamKey:    "mainpartition",
		ReadWriteFilterTemplate: "${mainpartition}",
	}))
	require.NoError(t, s.SaveScopeDefinition(ctx, partition.ScopeDefinition{
		ID:                      "single-user",
		Profile:                 testProfile,
		Version:                 1,
		ReadFilterTemplate:      "${mainpartition}:shared",
		ReadWriteFilterTemplate: "${mainpartition}:user:${user_id}",
	}))

	app := syncable.NewMemoryApp(testProfile)
	opts := []engine.Option{
		engine.WithLogger(discardLogger()),
		engine.WithChunkSize(2),
		engine.WithRetryPolicy(engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}),
	}
	if len(caps) > 0 {
		opts = append(opts, engine.WithCapabilities(caps...))
	}
	e := engine.New(s, self, app, syncable.NewDocumentRegistry(testProfile), opts...)
	return &node{store: s, app: app, engine: e}
}

// fixture is a server engine behind httptest and a client engine holding
// a child of the server's root certificate.
type fixture struct {
	server *node
	client *node
	http   *httptest.Server
	root   ir.Certificate
	leaf   ir.Certificate
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	ctx := context.Background()
	caps := []string{ir.CapabilityResumable, ir.CapabilitySnappy}
	f := &fixture{server: newNode(t, "server", caps...), client: newNode(t, "client", caps...)}

	root, err := certs.GenerateRoot(ctx, f.server.store, "full-facility", nil)
	require.NoError(t, err)
	require.NoError(t, f.server.store.SaveCertificate(ctx, root))
	key, err := certs.OwnedKey(root)
	require.NoError(t, err)
	leaf, err := certs.Issue(ctx, f.server.store, root, key, certs.IssueRequest{
		ScopeDefinitionID: "full-facility",
		ScopeParams:       map[string]string{"mainpartition": root.ID},
	})
	require.NoError(t, err)
	public := root
	public.PrivateKey = ""
	require.NoError(t, f.client.store.SaveCertificate(ctx, public))
	require.NoError(t, f.client.store.SaveCertificate(ctx, leaf))
	f.root, f.leaf = root, leaf

	base := []ServerOption{WithServerLogger(discardLogger()), WithServerClock(func() time.Time { return testNow })}
	srv := NewServer(f.server.engine.Responder(), append(base, opts...)...)
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *fixture) newClient(t *testing.T, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithClientLogger(discardLogger()),
		WithClientID(string(f.client.engine.Identity().InstanceID)),
	}
	c, err := NewClient(f.http.URL, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func (f *fixture) doc(suffix, sourceID, title string) syncable.Document {
	return syncable.Document{
		Partition: f.root.ID + ":" + suffix,
		SourceID:  sourceID,
		Fields:    map[string]string{"title": title},
	}
}

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/metrics"
	"github.com/roach88/peersync/internal/partition"
)

func TestHTTP_SyncRoundTrip(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compressed), func(t *testing.T) {
			f := newFixture(t, WithServerCompression(true))
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				f.client.app.Put(f.doc("user:alice", fmt.Sprintf("c%d", i), "client"))
			}
			f.server.app.Put(f.doc("shared", "s1", "server"))
			f.server.app.Put(f.doc("shared", "s2", "server"))
			f.server.app.Put(f.doc("shared", "s3", "server"))

			peer := f.newClient(t, WithCompression(compressed))
			c, err := f.client.engine.Connect(ctx, peer, f.leaf.ID, f.root.ID)
			require.NoError(t, err)
			assert.Equal(t, compressed, peer.Compressed())
			assert.Equal(t, f.http.URL, c.Session().ConnectionPath)

			filter := partition.NewFilter(f.root.ID)
			push, err := c.Push(ctx, filter)
			require.NoError(t, err)
			assert.Equal(t, ir.StageCompleted, push.Stage)
			assert.Equal(t, int64(5), push.RecordsTransferred)

			pull, err := c.Pull(ctx, filter)
			require.NoError(t, err)
			assert.Equal(t, ir.StageCompleted, pull.Stage)
			assert.Equal(t, int64(3), pull.RecordsTotal)

			assert.Len(t, f.client.app.Documents(), 8)
			assert.Equal(t, f.server.app.Documents(), f.client.app.Documents())

			fmc, err := c.RemoteFMC(ctx, filter)
			require.NoError(t, err)
			assert.Contains(t, fmc, f.client.engine.Identity().InstanceID)

			require.NoError(t, c.Close(ctx))
			ss, err := f.server.store.GetSyncSession(ctx, c.Session().ID)
			require.NoError(t, err)
			assert.False(t, ss.Active)
			assert.NotEmpty(t, ss.ConnectionPath, "server records the caller address")
		})
	}
}

func TestHTTP_CompressionRefusedByServer(t *testing.T) {
	f := newFixture(t)
	peer := f.newClient(t, WithCompression(true))
	caps, err := peer.Capabilities(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, caps.Capabilities, ir.CapabilitySnappy)
	assert.False(t, peer.Compressed())
}

func TestHTTP_ErrorCodesSurvive(t *testing.T) {
	f := newFixture(t)
	peer := f.newClient(t)
	ctx := context.Background()

	_, err := peer.CreateSyncSession(ctx, ir.CreateSyncSessionRequest{ID: "s", Profile: testProfile, Nonce: "bogus"})
	assert.True(t, ir.IsNonceInvalid(err), "got %v", err)
	assert.NotContains(t, err.Error(), "NONCE_INVALID: NONCE_INVALID")

	_, err = peer.CreateSyncSession(ctx, ir.CreateSyncSessionRequest{ID: "s", Profile: "other"})
	assert.True(t, ir.IsUnauthorized(err), "got %v", err)

	_, err = peer.PullChunk(ctx, ir.PullChunkRequest{TransferSessionID: "missing", Seq: 0})
	assert.NotEmpty(t, ir.CodeOf(err))
	assert.False(t, ir.IsTransferNetwork(err), "a verdict is not a network failure")
}

func TestHTTP_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		status int
	}{
		{"malformed json", http.MethodPost, "/api/v1/transfersessions", "{", nil, http.StatusBadRequest},
		{"chunk for another session", http.MethodPost, "/api/v1/transfersessions/a/chunks", `{"transfer_session_id":"b"}`, nil, http.StatusBadRequest},
		{"bad sequence", http.MethodGet, "/api/v1/transfersessions/a/chunks/x", "", nil, http.StatusBadRequest},
		{"compression not accepted", http.MethodPost, "/api/v1/fmc", `{}`, map[string]string{ir.HeaderCompression: "snappy"}, http.StatusBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/nope", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, f.http.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestHTTP_CertificateSigningRequest(t *testing.T) {
	ctx := context.Background()
	params := func(f *fixture) map[string]string {
		return map[string]string{"mainpartition": f.root.ID, "user_id": "bob"}
	}

	t.Run("disabled without secret", func(t *testing.T) {
		f := newFixture(t)
		token, err := IssueAdminToken(testSecret, "admin", "", time.Hour, testNow)
		require.NoError(t, err)
		_, err = f.client.engine.RequestCertificate(ctx, f.newClient(t, WithAdminToken(token)), f.root.ID, "single-user", params(f))
		assert.True(t, ir.IsUnauthorized(err), "got %v", err)
	})

	t.Run("missing token", func(t *testing.T) {
		f := newFixture(t, WithAdminSecret(testSecret))
		_, err := f.client.engine.RequestCertificate(ctx, f.newClient(t), f.root.ID, "single-user", params(f))
		assert.True(t, ir.IsUnauthorized(err), "got %v", err)
	})

	t.Run("token for another parent", func(t *testing.T) {
		f := newFixture(t, WithAdminSecret(testSecret))
		token, err := IssueAdminToken(testSecret, "admin", "someone-else", time.Hour, testNow)
		require.NoError(t, err)
		_, err = f.client.engine.RequestCertificate(ctx, f.newClient(t, WithAdminToken(token)), f.root.ID, "single-user", params(f))
		assert.True(t, ir.IsUnauthorized(err), "got %v", err)
	})

	t.Run("granted", func(t *testing.T) {
		f := newFixture(t, WithAdminSecret(testSecret))
		token, err := IssueAdminToken(testSecret, "admin", f.root.ID, time.Hour, testNow)
		require.NoError(t, err)
		peer := f.newClient(t, WithAdminToken(token))
		cert, err := f.client.engine.RequestCertificate(ctx, peer, f.root.ID, "single-user", params(f))
		require.NoError(t, err)
		assert.True(t, cert.HasPrivateKey())

		// The new certificate authenticates a sync session.
		c, err := f.client.engine.Connect(ctx, peer, cert.ID, f.root.ID)
		require.NoError(t, err)
		require.NoError(t, c.Close(ctx))
	})
}

func TestHTTP_UnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url, WithClientLogger(discardLogger()))
	require.NoError(t, err)
	_, err = c.Nonce(context.Background())
	assert.True(t, ir.IsTransferNetwork(err), "got %v", err)
}

func TestHTTP_RejectionsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t)
	c, err := NewClient(srv.URL, WithClientLogger(discardLogger()))
	require.NoError(t, err)
	_, err = f.client.engine.Connect(context.Background(), c, f.leaf.ID, f.root.ID)
	assert.True(t, ir.IsProtocol(err), "got %v", err)
	assert.Equal(t, int32(1), calls.Load(), "a rejected request is not retried")
}

func TestHTTP_BreakerOpensOnServerFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, WithClientLogger(discardLogger()))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = c.Nonce(context.Background())
		assert.True(t, ir.IsTransferNetwork(err))
	}
	assert.Equal(t, int32(5), calls.Load(), "the breaker stops calling a failing peer")
}

func TestNewClient_RejectsNonHTTPURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestHTTP_Metrics(t *testing.T) {
	m := metrics.New()
	f := newFixture(t, WithMetrics(m))
	m.Observe(f.server.engine.Controller())
	ctx := context.Background()
	f.client.app.Put(f.doc("user:alice", "c1", "client"))

	c, err := f.client.engine.Connect(ctx, f.newClient(t), f.leaf.ID, f.root.ID)
	require.NoError(t, err)
	_, err = c.Push(ctx, partition.NewFilter(f.root.ID))
	require.NoError(t, err)

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(data)

	assert.Contains(t, body, `peersync_http_requests_total{method="POST",route="/api/v1/transfersessions",status_code="200"} 1`)
	assert.Contains(t, body, `peersync_merge_outcomes_total{outcome="new"} 1`)
	assert.Contains(t, body, `peersync_transfers_total{direction="push",result="completed",role="server"} 1`)
}

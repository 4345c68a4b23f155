package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peersync/internal/syncable"
	"github.com/roach88/peersync/internal/transport"
)

const testScopes = `
scope_definitions:
  - id: full-facility
    profile: facility
    version: 1
    primary_scope_param_key: mainpartition
    read_write_filter_template: "${mainpartition}"
  - id: single-user
    profile: facility
    version: 1
    read_filter_template: "${mainpartition}:shared"
    read_write_filter_template: "${mainpartition}:user:${user_id}"
`

const testSecret = "s3cret"

// writeConfig creates a config file for an instance whose database lives
// in dir, and returns its path.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	scopes := filepath.Join(dir, "scopes.yaml")
	require.NoError(t, os.WriteFile(scopes, []byte(testScopes), 0644))
	cfg := fmt.Sprintf(`
profile: facility
database:
  path: %s
scopes:
  path: %s
server:
  admin_secret: %s
sync:
  chunk_size: 2
  retry:
    max_attempts: 2
    initial_interval: 1ms
    max_interval: 1ms
log:
  level: error
`, filepath.Join(dir, "node.db"), scopes, testSecret)
	path := filepath.Join(dir, "peersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// executeJSON runs a command with --format json and decodes its data.
func executeJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := execute(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, out)
	resp := struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
}

func TestInitAndIdentity(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	var first identityView
	executeJSON(t, &first, "--config", cfg, "init")
	assert.NotEmpty(t, first.InstanceID)
	assert.Equal(t, "facility", first.Profile)

	var again identityView
	executeJSON(t, &again, "--config", cfg, "identity")
	assert.Equal(t, first.InstanceID, again.InstanceID, "identity is stable")

	var regenerated identityView
	executeJSON(t, &regenerated, "--config", cfg, "identity", "--regenerate-database-id")
	assert.NotEqual(t, first.DatabaseID, regenerated.DatabaseID)
	assert.NotEqual(t, first.InstanceID, regenerated.InstanceID)

	out, err := execute(t, "--config", cfg, "identity")
	require.NoError(t, err)
	assert.Contains(t, out, regenerated.InstanceID)
}

func TestDatabaseFlagOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	other := filepath.Join(dir, "other.db")

	_, err := execute(t, "--config", cfg, "--db", other, "init")
	require.NoError(t, err)
	_, err = os.Stat(other)
	assert.NoError(t, err)
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  chunk_size: 0\n"), 0644))

	_, err := execute(t, "--config", path, "init")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestScopesAndCertificates(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())

	var defs []map[string]any
	executeJSON(t, &defs, "--config", cfg, "scopes", "list")
	assert.Len(t, defs, 2, "configured scopes are loaded on open")

	var root certView
	executeJSON(t, &root, "--config", cfg, "cert", "root", "full-facility")
	assert.True(t, root.Owned)
	assert.Equal(t, root.ID, root.ScopeParams["mainpartition"])

	var child certView
	executeJSON(t, &child, "--config", cfg, "cert", "issue", root.ID, "single-user",
		"--param", "mainpartition="+root.ID, "--param", "user_id=u1")
	assert.Equal(t, root.ID, child.ParentID)

	var verified struct {
		Valid bool     `json:"valid"`
		Chain []string `json:"chain"`
	}
	executeJSON(t, &verified, "--config", cfg, "cert", "verify", child.ID)
	assert.True(t, verified.Valid)
	assert.Equal(t, []string{root.ID, child.ID}, verified.Chain)

	var owned []certView
	executeJSON(t, &owned, "--config", cfg, "cert", "list", "--owned")
	assert.Len(t, owned, 2)

	_, err := execute(t, "--config", cfg, "cert", "issue", root.ID, "single-user", "--param", "user_id=u1")
	require.Error(t, err, "child scope outside the parent is refused")

	_, err = execute(t, "--config", cfg, "cert", "issue", root.ID, "single-user", "--param", "novalue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTokenRequiresSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nosecret.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profile: facility\n"), 0644))

	_, err := execute(t, "--config", path, "token", "--subject", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_secret")

	cfg := writeConfig(t, t.TempDir())
	var tok map[string]string
	executeJSON(t, &tok, "--config", cfg, "token", "--subject", "tablet")
	claims, err := transport.VerifyAdminToken([]byte(testSecret), tok["token"], time.Now())
	require.NoError(t, err)
	assert.Equal(t, "tablet", claims.Subject)
}

// startServer opens the node behind cfg and serves it over HTTP until the
// test ends.
func startServer(t *testing.T, cfg string) (*node, *httptest.Server) {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetErr(&bytes.Buffer{})
	n, err := openNode(cmd, &RootOptions{ConfigPath: cfg})
	require.NoError(t, err)
	t.Cleanup(n.close)

	srv := httptest.NewServer(transport.NewServer(n.engine.Responder(),
		transport.WithServerLogger(n.logger),
		transport.WithAdminSecret([]byte(testSecret))).Handler())
	t.Cleanup(srv.Close)
	return n, srv
}

func TestSyncBetweenInstances(t *testing.T) {
	serverCfg := writeConfig(t, t.TempDir())
	clientCfg := writeConfig(t, t.TempDir())

	var root certView
	executeJSON(t, &root, "--config", serverCfg, "cert", "root", "full-facility")
	var tok map[string]string
	executeJSON(t, &tok, "--config", serverCfg, "token", "--subject", "client", "--parent", root.ID)

	server, srv := startServer(t, serverCfg)
	for i := 1; i <= 3; i++ {
		server.app.Put(syncable.Document{
			Partition: root.ID + ":shared",
			SourceID:  fmt.Sprintf("r%d", i),
			Fields:    map[string]string{"title": fmt.Sprintf("doc %d", i)},
		})
	}

	var leaf certView
	executeJSON(t, &leaf, "--config", clientCfg, "cert", "request", srv.URL, root.ID, "full-facility",
		"--param", "mainpartition="+root.ID, "--token", tok["token"])
	assert.Equal(t, root.ID, leaf.ParentID)
	assert.True(t, leaf.Owned)

	var transfers []transferView
	executeJSON(t, &transfers, "--config", clientCfg, "sync", srv.URL,
		"--client-cert", leaf.ID, "--filter", root.ID, "--pull")
	require.Len(t, transfers, 1)
	assert.Equal(t, "pull", transfers[0].Direction)
	assert.Equal(t, int64(3), transfers[0].RecordsTotal)
	assert.Equal(t, int64(3), transfers[0].RecordsTransferred)

	var fmc fmcView
	executeJSON(t, &fmc, "--config", clientCfg, "fmc", root.ID)
	assert.Equal(t, int64(3), fmc.FMC[string(server.self.InstanceID)])

	var sessions []sessionView
	executeJSON(t, &sessions, "--config", clientCfg, "sessions", "--all")
	require.Len(t, sessions, 1)
	assert.Equal(t, "client", sessions[0].Role)
	assert.Equal(t, string(server.self.InstanceID), sessions[0].Peer)
	assert.False(t, sessions[0].Active)
	require.Len(t, sessions[0].Transfers, 1)

	executeJSON(t, nil, "--config", clientCfg, "gc")
}

func TestSyncUnauthorizedFilter(t *testing.T) {
	serverCfg := writeConfig(t, t.TempDir())
	clientCfg := writeConfig(t, t.TempDir())

	var root certView
	executeJSON(t, &root, "--config", serverCfg, "cert", "root", "full-facility")
	var tok map[string]string
	executeJSON(t, &tok, "--config", serverCfg, "token", "--subject", "client")
	_, srv := startServer(t, serverCfg)

	var leaf certView
	executeJSON(t, &leaf, "--config", clientCfg, "cert", "request", srv.URL, root.ID, "single-user",
		"--param", "mainpartition="+root.ID, "--param", "user_id=u1", "--token", tok["token"])

	out, err := execute(t, "--config", clientCfg, "--format", "json", "sync", srv.URL,
		"--client-cert", leaf.ID, "--filter", root.ID, "--push")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `"code":"UNAUTHORIZED"`)
}

func TestCertRequestRejectsBadToken(t *testing.T) {
	serverCfg := writeConfig(t, t.TempDir())
	clientCfg := writeConfig(t, t.TempDir())

	var root certView
	executeJSON(t, &root, "--config", serverCfg, "cert", "root", "full-facility")
	_, srv := startServer(t, serverCfg)

	_, err := execute(t, "--config", clientCfg, "cert", "request", srv.URL, root.ID, "full-facility",
		"--param", "mainpartition="+root.ID, "--token", "not-a-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "certificate request failed")
}

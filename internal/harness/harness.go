package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/identity"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
	"github.com/roach88/peersync/internal/testutil"
)

// Epoch is the fixed start of every scenario clock.
var Epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// rootPlaceholder replaces the random root certificate ID in snapshots.
const rootPlaceholder = "<root>"

var scenarioRetry = engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

// node is one instance taking part in a scenario.
type node struct {
	name   string
	store  *store.Store
	app    *syncable.MemoryApp
	engine *engine.Engine
	cert   ir.Certificate

	// received holds receiver-side merge stats by transfer session ID.
	received map[string]MergeCounts
}

// Harness runs a scenario across in-process nodes sharing one
// deterministic clock.
type Harness struct {
	scenario *Scenario
	clock    *testutil.FakeClock
	logger   *slog.Logger
	nodes    map[string]*node
	root     ir.Certificate
	// names maps instance IDs back to node names.
	names map[ir.InstanceID]string
}

// Run executes a scenario and returns the result.
//
// Each node gets a fresh in-memory database. Sequential IDs and a fixed
// clock make results reproducible; the only random values, certificate
// and instance IDs, are replaced by names in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	h := &Harness{
		scenario: scenario,
		clock:    testutil.NewFakeClock(Epoch),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		nodes:    make(map[string]*node),
		names:    make(map[ir.InstanceID]string),
	}
	defer h.close()

	if err := h.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to set up nodes: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.clock.Advance(time.Second)
		sr, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if msg := checkExpectation(i, step, sr); msg != "" {
			result.AddError(msg)
		}
		result.Steps = append(result.Steps, sr)
	}

	if err := h.snapshot(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to snapshot nodes: %w", err)
	}

	actx := &AssertionContext{Ctx: ctx, harness: h}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) close() {
	for _, n := range h.nodes {
		n.store.Close()
	}
}

// setup opens every node, loads the scope definitions and issues
// certificates: the authority holds the root, every other node a child
// of it with the private key kept by the child alone.
func (h *Harness) setup(ctx context.Context) error {
	s := h.scenario
	for _, nd := range s.Nodes {
		n, err := h.openNode(ctx, nd)
		if err != nil {
			return fmt.Errorf("node %s: %w", nd.Name, err)
		}
		h.nodes[nd.Name] = n
		h.names[n.engine.Identity().InstanceID] = nd.Name
	}

	authority := h.nodes[s.Authority]
	root, err := certs.GenerateRoot(ctx, authority.store, s.RootScope, nil)
	if err != nil {
		return err
	}
	if err := authority.store.SaveCertificate(ctx, root); err != nil {
		return err
	}
	authority.cert = root
	h.root = root

	key, err := certs.OwnedKey(root)
	if err != nil {
		return err
	}
	public := root
	public.PrivateKey = ""

	for _, nd := range s.Nodes {
		if nd.Name == s.Authority {
			continue
		}
		scope := nd.Scope
		if scope == "" {
			scope = s.RootScope
		}
		params := map[string]string{"mainpartition": root.ID}
		for k, v := range nd.Params {
			params[k] = v
		}
		leaf, err := certs.Issue(ctx, authority.store, root, key, certs.IssueRequest{
			ScopeDefinitionID: scope,
			ScopeParams:       params,
		})
		if err != nil {
			return fmt.Errorf("node %s: %w", nd.Name, err)
		}
		n := h.nodes[nd.Name]
		if err := n.store.SaveCertificate(ctx, public); err != nil {
			return err
		}
		if err := n.store.SaveCertificate(ctx, leaf); err != nil {
			return err
		}
		n.cert = leaf
	}
	return nil
}

func (h *Harness) openNode(ctx context.Context, nd NodeSpec) (*node, error) {
	st, err := store.Open(":memory:", store.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	self, err := identity.Establish(ctx, st, identity.SystemInfo{SystemID: nd.Name, NodeID: nd.Name, Hostname: nd.Name}, Epoch, identity.WithLogger(h.logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	for _, d := range h.scenario.Scopes {
		if err := st.SaveScopeDefinition(ctx, d); err != nil {
			st.Close()
			return nil, err
		}
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs(nd.Name)),
		engine.WithLogger(h.logger),
		engine.WithRetryPolicy(scenarioRetry),
	}
	if nd.ChunkSize > 0 {
		opts = append(opts, engine.WithChunkSize(nd.ChunkSize))
	}
	app := syncable.NewMemoryApp(h.scenario.Profile)
	e := engine.New(st, self, app, syncable.NewDocumentRegistry(h.scenario.Profile), opts...)

	n := &node{name: nd.Name, store: st, app: app, engine: e, received: make(map[string]MergeCounts)}
	e.Controller().On(engine.EventStageCompleted, func(ev engine.Event) {
		if ev.Stage == ir.StageDequeuing {
			n.received[ev.TransferSessionID] = MergeCounts{
				New:         ev.Stats.New,
				FastForward: ev.Stats.FastForward,
				AlreadyHave: ev.Stats.AlreadyHave,
				Conflict:    ev.Stats.Conflict,
				Rejected:    ev.Stats.Rejected,
			}
		}
	})
	return n, nil
}

// partition resolves a partition relative to the root certificate.
func (h *Harness) partition(rel string) string {
	if rel == "" {
		return h.root.ID
	}
	return h.root.ID + ":" + rel
}

// relative is the inverse of partition, used in snapshots.
func (h *Harness) relative(p string) string {
	return strings.Replace(p, h.root.ID, rootPlaceholder, 1)
}

func (h *Harness) execute(ctx context.Context, step Step) (StepResult, error) {
	switch {
	case step.Put != nil:
		p := step.Put
		h.nodes[p.Node].app.Put(syncable.Document{
			Partition: h.partition(p.Partition),
			SourceID:  p.SourceID,
			Fields:    p.Fields,
		})
		return StepResult{Kind: "put", Node: p.Node}, nil
	case step.Delete != nil:
		d := step.Delete
		h.nodes[d.Node].app.Delete(h.partition(d.Partition), d.SourceID, d.Hard)
		return StepResult{Kind: "delete", Node: d.Node}, nil
	case step.Sync != nil:
		return h.sync(ctx, step.Sync)
	}
	return StepResult{}, fmt.Errorf("empty step")
}

// sync opens a sync session from client to server, runs one transfer
// and closes the session. Coded failures are part of the result; only
// harness failures are returned as errors.
func (h *Harness) sync(ctx context.Context, s *SyncStep) (StepResult, error) {
	client, server := h.nodes[s.Client], h.nodes[s.Server]
	sr := StepResult{Kind: "sync", Client: s.Client, Server: s.Server, Direction: s.Direction}

	prefixes := []string{h.root.ID}
	if len(s.Filter) > 0 {
		prefixes = prefixes[:0]
		for _, rel := range s.Filter {
			prefixes = append(prefixes, h.partition(rel))
		}
	}
	filter := partition.NewFilter(prefixes...)

	conn, err := client.engine.Connect(ctx, server.engine.Responder(), client.cert.ID, server.cert.ID)
	if err != nil {
		return failed(sr, err)
	}
	defer conn.Close(ctx)

	var ts ir.TransferSession
	receiver := client
	if s.Direction == "push" {
		receiver = server
		ts, err = conn.Push(ctx, filter)
	} else {
		ts, err = conn.Pull(ctx, filter)
	}
	if err != nil {
		return failed(sr, err)
	}
	sr.RecordsTotal = ts.RecordsTotal
	sr.Stats = receiver.received[ts.ID]
	return sr, nil
}

func failed(sr StepResult, err error) (StepResult, error) {
	code := ir.CodeOf(err)
	if code == "" {
		return sr, err
	}
	sr.ErrorCode = string(code)
	return sr, nil
}

// checkExpectation compares a sync step's outcome with its expect_error.
func checkExpectation(index int, step Step, sr StepResult) string {
	if step.Sync == nil {
		return ""
	}
	want := step.Sync.ExpectError
	switch {
	case want == "" && sr.ErrorCode != "":
		return fmt.Sprintf("step %d: sync failed with %s", index+1, sr.ErrorCode)
	case want != "" && sr.ErrorCode != want:
		got := sr.ErrorCode
		if got == "" {
			got = "success"
		}
		return fmt.Sprintf("step %d: expected sync to fail with %s, got %s", index+1, want, got)
	}
	return ""
}

// snapshot captures every node's live documents with names in place of
// random IDs.
func (h *Harness) snapshot(ctx context.Context, result *Result) error {
	names := make([]string, 0, len(h.nodes))
	for name := range h.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := h.nodes[name]
		docs := []DocumentState{}
		for _, d := range n.app.Documents() {
			version, err := h.version(ctx, n, d)
			if err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			docs = append(docs, DocumentState{
				Partition: h.relative(d.Partition),
				SourceID:  d.SourceID,
				Fields:    d.Fields,
				Conflicts: len(n.app.Conflicts(d.Partition, d.SourceID)),
				Version:   version,
			})
		}
		result.Nodes[name] = docs
	}
	return nil
}

// version returns "<node>:<counter>" of the record backing d, or "unsynced"
// when the document was never serialized.
func (h *Harness) version(ctx context.Context, n *node, d syncable.Document) (string, error) {
	rec, err := h.record(ctx, n, d.Partition, d.SourceID)
	if ir.IsNotFound(err) {
		return "unsynced", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", h.instanceName(rec.Version.Instance), rec.Version.Counter), nil
}

func (h *Harness) record(ctx context.Context, n *node, partition, sourceID string) (ir.Record, error) {
	id, err := syncable.RecordID(&syncable.Document{Partition: partition, SourceID: sourceID})
	if err != nil {
		return ir.Record{}, err
	}
	return n.store.GetRecord(ctx, id)
}

func (h *Harness) instanceName(id ir.InstanceID) string {
	if name, ok := h.names[id]; ok {
		return name
	}
	return string(id)
}

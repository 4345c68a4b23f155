package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/peersync/internal/changeset"
	"github.com/roach88/peersync/internal/identity"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
)

// DefaultChunkSize is the number of buffer entries per chunk.
const DefaultChunkSize = 500

// DefaultNonceTTL is how long a handshake nonce stays valid.
const DefaultNonceTTL = 60 * time.Second

// Engine replicates one profile of a store with peers.
//
// An Engine is both sides of the protocol: Connect opens client sessions,
// and Responder answers a remote client. Transfer sessions are serialized
// per ID; different sessions run concurrently.
type Engine struct {
	store      *store.Store
	self       identity.Context
	app        syncable.Application
	registry   *syncable.Registry
	calc       *changeset.Calculator
	controller *Controller

	clock        Clock
	ids          IDGenerator
	logger       *slog.Logger
	retry        RetryPolicy
	chunkSize    int
	nonceTTL     time.Duration
	maxFMC       int
	capabilities []string

	locks sync.Map // transfer session ID -> *sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize sets the number of records per chunk. Values below one
// are ignored.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator replaces the session ID generator, for tests.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryPolicy sets the retry policy for peer calls and store
// transactions.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithNonceTTL sets how long handshake nonces stay valid.
func WithNonceTTL(d time.Duration) Option {
	return func(e *Engine) { e.nonceTTL = d }
}

// WithMaxFMCEntries caps the size of FMCs exchanged with peers.
func WithMaxFMCEntries(n int) Option {
	return func(e *Engine) { e.maxFMC = n }
}

// WithCapabilities sets the capabilities advertised during negotiation.
func WithCapabilities(caps ...string) Option {
	return func(e *Engine) { e.capabilities = append([]string(nil), caps...) }
}

// New creates an engine serving registry's profile from s. self must be
// the identity established on s.
func New(s *store.Store, self identity.Context, app syncable.Application, registry *syncable.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		self:         self,
		app:          app,
		registry:     registry,
		clock:        SystemClock{},
		ids:          UUIDv7Generator{},
		logger:       slog.Default(),
		retry:        DefaultRetryPolicy,
		chunkSize:    DefaultChunkSize,
		nonceTTL:     DefaultNonceTTL,
		maxFMC:       changeset.DefaultMaxEntries,
		capabilities: []string{ir.CapabilityResumable},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("instance", string(self.InstanceID))
	e.calc = changeset.NewCalculator(s, changeset.WithMaxEntries(e.maxFMC))
	e.controller = NewController(s, e.clock, e.logger)
	e.installDefaultChains()
	return e
}

func (e *Engine) installDefaultChains() {
	c := e.controller
	c.SetChain(ir.StageInitializing, e.initializeServer, e.initializeClient)
	c.SetChain(ir.StageSerializing, e.serializeStage)
	c.SetChain(ir.StageQueuing, e.queueLocal, e.skipReceiver)
	c.SetChain(ir.StageTransferring, e.transferServer, e.pushChunks, e.pullChunks)
	c.SetChain(ir.StageDequeuing, e.dequeueLocal, e.finishRemotePush, e.skipProducer)
	c.SetChain(ir.StageDeserializing, e.deserializeLocal, e.skipProducer)
	c.SetChain(ir.StageCleanup, e.cleanup)
}

// Controller returns the stage controller, for adding operations and
// observers.
func (e *Engine) Controller() *Controller { return e.controller }

// Store returns the engine's store.
func (e *Engine) Store() *store.Store { return e.store }

// Identity returns the local instance identity.
func (e *Engine) Identity() identity.Context { return e.self }

// Calculator returns the FMC calculator over the store's DMC.
func (e *Engine) Calculator() *changeset.Calculator { return e.calc }

// Profile returns the profile this engine replicates.
func (e *Engine) Profile() string { return e.registry.Profile() }

// Capabilities returns what the engine advertises.
func (e *Engine) Capabilities() []string { return append([]string(nil), e.capabilities...) }

// lockTransfer serializes work on one transfer session.
func (e *Engine) lockTransfer(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// inTx runs fn in a store transaction, retrying isolation conflicts.
func (e *Engine) inTx(ctx context.Context, op string, fn func(tx *store.Store) error) error {
	return e.retry.Do(ctx, e.logger, op, func() error {
		return e.store.WithTx(ctx, fn)
	})
}

// intersect keeps the entries of a that also appear in b, in a's order.
func intersect(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		seen[s] = true
	}
	out := []string{}
	for _, s := range a {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

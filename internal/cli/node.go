package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/config"
	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/identity"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/syncable"
)

// node is an opened local instance: its configuration, store, identity
// and engine.
//
// The CLI runs the engine over an in-memory application: records
// persist in the store and are relayed between peers, while the
// application view lives only for the process.
type node struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	self   identity.Context
	engine *engine.Engine
	app    *syncable.MemoryApp
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	return cfg, nil
}

// newLogger writes text logs to w at the configured level; --verbose
// switches to Debug.
func newLogger(cfg *config.Config, opts *RootOptions, w io.Writer) *slog.Logger {
	level, err := cfg.LogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openNode opens the store (creating it if needed), establishes the
// instance identity, loads configured scope definitions and builds the
// engine. The caller must call close.
func openNode(cmd *cobra.Command, opts *RootOptions) (*node, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, opts, cmd.ErrOrStderr())
	ctx := commandContext(cmd)

	logger.Debug("opening database", "path", cfg.Database.Path, "driver", cfg.Database.Driver)
	st, err := store.Open(cfg.Database.Path, store.WithDriver(cfg.Database.Driver), store.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	self, err := identity.Establish(ctx, st, identity.DetectSystemInfo(), time.Now().UTC(), identity.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to establish identity", err)
	}

	if cfg.Scopes.Path != "" {
		if _, err := loadScopes(ctx, st, cfg.Scopes.Path); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load scope definitions", err)
		}
	}

	caps := []string{ir.CapabilityResumable}
	if cfg.Sync.Compression {
		caps = append(caps, ir.CapabilitySnappy)
	}
	app := syncable.NewMemoryApp(cfg.Profile)
	e := engine.New(st, self, app, syncable.NewDocumentRegistry(cfg.Profile),
		engine.WithLogger(logger),
		engine.WithChunkSize(cfg.Sync.ChunkSize),
		engine.WithMaxFMCEntries(cfg.Sync.MaxFMCEntries),
		engine.WithRetryPolicy(engine.RetryPolicy{
			MaxAttempts:     cfg.Sync.Retry.MaxAttempts,
			InitialInterval: cfg.Sync.Retry.InitialInterval,
			MaxInterval:     cfg.Sync.Retry.MaxInterval,
		}),
		engine.WithCapabilities(caps...),
	)
	return &node{cfg: cfg, logger: logger, store: st, self: self, engine: e, app: app}, nil
}

func (n *node) close() {
	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing database", "error", err)
	}
}

// loadScopes saves every definition in path (YAML or CUE) into st.
func loadScopes(ctx context.Context, st *store.Store, path string) ([]partition.ScopeDefinition, error) {
	defs, err := partition.LoadDefinitions(path)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := st.SaveScopeDefinition(ctx, d); err != nil {
			return nil, fmt.Errorf("save scope definition %s: %w", d.ID, err)
		}
	}
	return defs, nil
}

// commandContext returns the command's context, or Background when the
// command runs without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseParams turns repeated k=v flags into a map.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid parameter %q: want key=value", p))
		}
		params[k] = v
	}
	return params, nil
}

// formatCounters renders counters as "instance:counter" pairs in instance
// order.
func formatCounters(c ir.Counters) string {
	if len(c) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, c[ir.InstanceID(k)])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// counterMap converts counters to a JSON-friendly map.
func counterMap(c ir.Counters) map[string]int64 {
	m := make(map[string]int64, len(c))
	for k, v := range c {
		m[string(k)] = v
	}
	return m
}

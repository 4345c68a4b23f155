package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/config"
	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/metrics"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol and sync configured peers",
		Long: `Start the HTTP sync server and the background workers.

The server answers sync sessions from peers. Every peer listed in the
config file is synced on its interval by a worker pool, and expired
sessions are garbage collected periodically.

Example:
  peersync serve --config node.yaml
  peersync serve --db ./node.db --listen 0.0.0.0:8700 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.close()
	cfg, logger := n.cfg, n.logger

	addr := cfg.Server.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	peers, err := peerSyncs(cfg, n)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid peer configuration", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serverOpts := []transport.ServerOption{
		transport.WithServerLogger(logger),
		transport.WithServerCompression(cfg.Sync.Compression),
	}
	if cfg.Server.AdminSecret != "" {
		serverOpts = append(serverOpts, transport.WithAdminSecret([]byte(cfg.Server.AdminSecret)))
	}
	if cfg.Server.Metrics {
		m := metrics.New()
		m.Observe(n.engine.Controller())
		serverOpts = append(serverOpts, transport.WithMetrics(m))
	}
	server := transport.NewServer(n.engine.Responder(), serverOpts...)

	pool := engine.NewPool(cfg.Sync.Workers, logger)
	errc := make(chan error, 3)
	go func() { errc <- server.ListenAndServe(ctx, addr) }()
	go func() { errc <- pool.Run(ctx) }()
	go func() { errc <- n.engine.Schedule(ctx, pool, peers) }()
	go collectGarbage(ctx, n, cfg.Sync.SessionExpiration)

	logger.Info("node started",
		"instance", string(n.self.InstanceID),
		"addr", addr,
		"peers", len(peers),
		"workers", cfg.Sync.Workers)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)

	var firstErr error
	for i := 0; i < cap(errc); i++ {
		err := <-errc
		if err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	pool.Close()
	if firstErr != nil {
		return WrapExitError(ExitFailure, "server error", firstErr)
	}
	logger.Info("node stopped gracefully")
	return nil
}

// collectGarbage purges expired sessions and nonces every tenth of the
// expiration until ctx is cancelled.
func collectGarbage(ctx context.Context, n *node, expiration time.Duration) {
	if expiration <= 0 {
		return
	}
	ticker := time.NewTicker(expiration / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := n.engine.CollectGarbage(ctx, expiration)
			if err != nil {
				n.logger.Error("garbage collection failed", "error", err)
				continue
			}
			if len(report.SyncSessions) > 0 || report.Nonces > 0 {
				n.logger.Info("garbage collected", "sync_sessions", len(report.SyncSessions), "nonces", report.Nonces)
			}
		}
	}
}

// peerSyncs builds the recurring syncs for the peers in cfg.
func peerSyncs(cfg *config.Config, n *node) ([]engine.PeerSync, error) {
	peers := make([]engine.PeerSync, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		client, err := transport.NewClient(p.URL,
			transport.WithCompression(cfg.Sync.Compression),
			transport.WithClientLogger(n.logger),
			transport.WithClientID(string(n.self.InstanceID)))
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.Name, err)
		}
		peers = append(peers, engine.PeerSync{
			Name:                p.Name,
			Peer:                client,
			ClientCertificateID: p.ClientCert,
			ServerCertificateID: p.ServerCert,
			Filter:              partition.NewFilter(p.Filter...),
			Pull:                p.PullEnabled(),
			Push:                p.PushEnabled(),
			Interval:            p.Interval,
		})
	}
	return peers, nil
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/partition"
)

// sessionView is one sync session with its transfer sessions.
type sessionView struct {
	ID             string         `json:"id"`
	Role           string         `json:"role"`
	Peer           string         `json:"peer"`
	ConnectionPath string         `json:"connection_path,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Active         bool           `json:"active"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	Transfers      []transferView `json:"transfers"`
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sync sessions and their transfers",
		Long: `List sync sessions recorded by this instance, as client or server, with
the stage each transfer session reached. Interrupted transfers can be
resumed while their sync session is active.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, rootOpts)
			ctx := commandContext(cmd)
			sessions, err := n.store.ListSyncSessions(ctx, !all)
			if err != nil {
				return out.Fail(ExitFailure, "failed to list sessions", err)
			}
			views := make([]sessionView, 0, len(sessions))
			for _, ss := range sessions {
				v := sessionView{
					ID:             ss.ID,
					Role:           "client",
					Peer:           string(ss.ServerInstanceID),
					ConnectionPath: ss.ConnectionPath,
					Capabilities:   ss.Capabilities,
					Active:         ss.Active,
					LastActivityAt: ss.LastActivityAt,
				}
				if ss.IsServer {
					v.Role, v.Peer = "server", string(ss.ClientInstanceID)
				}
				transfers, err := n.store.ListTransferSessions(ctx, ss.ID)
				if err != nil {
					return out.Fail(ExitFailure, "failed to list transfers", err)
				}
				for _, ts := range transfers {
					v.Transfers = append(v.Transfers, newTransferView(ts))
				}
				views = append(views, v)
			}
			return out.Render(views, func(w io.Writer) { writeSessions(w, views) })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include closed sessions")
	return cmd
}

func writeSessions(w io.Writer, views []sessionView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No sync sessions.")
		return
	}
	for i, v := range views {
		if i > 0 {
			fmt.Fprintln(w)
		}
		state := "active"
		if !v.Active {
			state = "closed"
		}
		fmt.Fprintf(w, "Session %s (%s, %s) peer %s, last activity %s\n",
			v.ID, v.Role, state, v.Peer, v.LastActivityAt.Format(time.RFC3339))
		if len(v.Transfers) > 0 {
			writeTransfers(w, v.Transfers)
		}
	}
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	var expiration time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete expired sessions and nonces",
		Long: `Delete sync sessions idle for longer than the expiration, together with
their transfer sessions and buffered records, and purge expired nonces.

Defaults to sync.session_expiration from the config file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			if expiration <= 0 {
				expiration = n.cfg.Sync.SessionExpiration
			}
			out := newFormatter(cmd, rootOpts)
			report, err := n.engine.CollectGarbage(commandContext(cmd), expiration)
			if err != nil {
				return out.Fail(ExitFailure, "garbage collection failed", err)
			}
			return out.Render(report, func(w io.Writer) {
				fmt.Fprintf(w, "Deleted %d sync session(s) and %d nonce(s).\n", len(report.SyncSessions), report.Nonces)
			})
		},
	}
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "idle time after which sessions expire")
	return cmd
}

// fmcView reports the counters held locally for a filter.
type fmcView struct {
	Filter     string           `json:"filter"`
	FMC        map[string]int64 `json:"fmc"`
	Guaranteed map[string]int64 `json:"guaranteed"`
}

// NewFMCCommand creates the fmc command.
func NewFMCCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fmc <prefix>...",
		Short: "Show the filter max counters for a filter",
		Long: `Show the filter max counters recorded for a filter.

FMC is the per-instance maximum across the filter's prefixes. The
guaranteed counters keep only instances known under every prefix, at
their minimum; this is what the instance advertises to a peer.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, rootOpts)
			ctx := commandContext(cmd)
			filter := partition.NewFilter(args...)
			fmc, err := n.engine.Calculator().FMC(ctx, filter)
			if err != nil {
				return out.Fail(ExitFailure, "failed to compute FMC", err)
			}
			guaranteed, err := n.engine.Calculator().GuaranteedFMC(ctx, filter)
			if err != nil {
				return out.Fail(ExitFailure, "failed to compute guaranteed FMC", err)
			}
			v := fmcView{Filter: filter.String(), FMC: counterMap(fmc), Guaranteed: counterMap(guaranteed)}
			return out.Render(v, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "Filter:\t%s\n", v.Filter)
				fmt.Fprintf(tw, "FMC:\t%s\n", formatCounters(fmc))
				fmt.Fprintf(tw, "Guaranteed:\t%s\n", formatCounters(guaranteed))
				tw.Flush()
			})
		},
	}
}

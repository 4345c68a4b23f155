package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/engine"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/partition"
	"github.com/roach88/peersync/internal/transport"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Filter     []string
	Push       bool
	Pull       bool
	ClientCert string
	ServerCert string
}

// transferView summarizes one finished (or aborted) transfer session.
type transferView struct {
	ID                 string `json:"id"`
	Direction          string `json:"direction"`
	Filter             string `json:"filter"`
	Stage              string `json:"stage"`
	Status             string `json:"status"`
	RecordsTotal       int64  `json:"records_total"`
	RecordsTransferred int64  `json:"records_transferred"`
	LastError          string `json:"last_error,omitempty"`
}

func newTransferView(ts ir.TransferSession) transferView {
	return transferView{
		ID:                 ts.ID,
		Direction:          string(ts.Direction),
		Filter:             ts.Filter,
		Stage:              ts.Stage.String(),
		Status:             ts.Status.String(),
		RecordsTotal:       ts.RecordsTotal,
		RecordsTransferred: ts.RecordsTransferred,
		LastError:          ts.LastError,
	}
}

func writeTransfers(w io.Writer, views []transferView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSFER\tDIRECTION\tSTAGE\tSTATUS\tRECORDS\tFILTER")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", v.ID, v.Direction, v.Stage, v.Status, v.RecordsTransferred, v.RecordsTotal, v.Filter)
	}
	tw.Flush()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <url>",
		Short: "Sync once with a remote instance",
		Long: `Open a sync session with the instance at <url>, pull and/or push the
records under --filter, and close the session.

Without --push or --pull both directions run, pull first.

Example:
  peersync sync http://server:8700 --client-cert 41ab... --filter 8f3c...
  peersync sync http://server:8700 --client-cert 41ab... --filter 8f3c...:user:u1 --push`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Filter, "filter", nil, "partition prefix to sync (repeatable)")
	cmd.Flags().BoolVar(&opts.Push, "push", false, "push local records")
	cmd.Flags().BoolVar(&opts.Pull, "pull", false, "pull remote records")
	cmd.Flags().StringVar(&opts.ClientCert, "client-cert", "", "local certificate to authenticate with")
	cmd.Flags().StringVar(&opts.ServerCert, "server-cert", "", "certificate the server should use (default: root of the client chain)")
	_ = cmd.MarkFlagRequired("filter")
	_ = cmd.MarkFlagRequired("client-cert")
	return cmd
}

func runSync(opts *SyncOptions, url string, cmd *cobra.Command) error {
	n, err := openNode(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer n.close()

	out := newFormatter(cmd, opts.RootOptions)
	peer, err := transport.NewClient(url,
		transport.WithCompression(n.cfg.Sync.Compression),
		transport.WithClientLogger(n.logger),
		transport.WithClientID(string(n.self.InstanceID)))
	if err != nil {
		return out.Fail(ExitCommandError, "invalid server URL", err)
	}

	push, pull := opts.Push, opts.Pull
	if !push && !pull {
		push, pull = true, true
	}
	done, err := n.engine.SyncOnce(commandContext(cmd), engine.PeerSync{
		Name:                url,
		Peer:                peer,
		ClientCertificateID: opts.ClientCert,
		ServerCertificateID: opts.ServerCert,
		Filter:              partition.NewFilter(opts.Filter...),
		Pull:                pull,
		Push:                push,
	})
	views := make([]transferView, 0, len(done))
	for _, ts := range done {
		if ts.ID != "" {
			views = append(views, newTransferView(ts))
		}
	}
	if err != nil {
		return out.Fail(ExitFailure, "sync failed", err)
	}
	return out.Render(views, func(w io.Writer) {
		writeTransfers(w, views)
		fmt.Fprintln(w, "Sync complete.")
	})
}

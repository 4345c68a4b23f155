package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/identity"
)

// identityView is the JSON shape of an instance identity.
type identityView struct {
	InstanceID string `json:"instance_id"`
	DatabaseID string `json:"database_id"`
	SystemID   string `json:"system_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Profile    string `json:"profile"`
	Database   string `json:"database"`
}

func newIdentityView(n *node) identityView {
	return identityView{
		InstanceID: string(n.self.InstanceID),
		DatabaseID: n.self.DatabaseID,
		SystemID:   n.self.System.SystemID,
		NodeID:     n.self.System.NodeID,
		Hostname:   n.self.System.Hostname,
		Profile:    n.cfg.Profile,
		Database:   n.cfg.Database.Path,
	}
}

func (v identityView) text(w io.Writer) {
	fmt.Fprintf(w, "Instance:  %s\n", v.InstanceID)
	fmt.Fprintf(w, "Database:  %s (%s)\n", v.DatabaseID, v.Database)
	fmt.Fprintf(w, "Profile:   %s\n", v.Profile)
	if v.Hostname != "" {
		fmt.Fprintf(w, "Hostname:  %s\n", v.Hostname)
	}
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the database and establish this instance's identity",
		Long: `Create the SQLite database (if it does not exist), apply the schema,
load configured scope definitions and compute the instance ID.

Running init again is harmless: the identity is stable while the host
and database ID are unchanged.

Example:
  peersync init --db ./node.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			n.logger.Info("instance ready", "instance", string(n.self.InstanceID), "database_id", n.self.DatabaseID)
			v := newIdentityView(n)
			return newFormatter(cmd, rootOpts).Render(v, func(w io.Writer) {
				fmt.Fprintln(w, "Initialized.")
				v.text(w)
			})
		},
	}
}

// IdentityOptions holds flags for the identity command.
type IdentityOptions struct {
	*RootOptions
	Regenerate bool
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show this instance's identity",
		Long: `Show the instance ID, database ID and host properties.

--regenerate-database-id gives the database a new ID, which yields a new
instance ID. Use it after restoring a database copied from another
instance so the two stop sharing counters.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer n.close()

			if opts.Regenerate {
				previous := n.self.InstanceID
				self, err := identity.RegenerateDatabaseID(commandContext(cmd), n.store, n.self.System, time.Now().UTC(), identity.WithLogger(n.logger))
				if err != nil {
					return newFormatter(cmd, opts.RootOptions).Fail(ExitFailure, "failed to regenerate database ID", err)
				}
				n.self = self
				n.logger.Info("database ID regenerated", "previous_instance", string(previous), "instance", string(self.InstanceID))
			}
			v := newIdentityView(n)
			return newFormatter(cmd, opts.RootOptions).Render(v, v.text)
		},
	}

	cmd.Flags().BoolVar(&opts.Regenerate, "regenerate-database-id", false, "assign a new database ID (and instance ID)")
	return cmd
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/partition"
)

// NewScopesCommand creates the scopes command group.
func NewScopesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scopes",
		Short: "Manage scope definitions",
	}
	cmd.AddCommand(newScopesLoadCommand(rootOpts))
	cmd.AddCommand(newScopesListCommand(rootOpts))
	return cmd
}

func newScopesLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <file>",
		Short: "Load scope definitions from a YAML or CUE file",
		Long: `Validate and store scope definitions.

Definitions already present are replaced when the file carries a newer
version of them.

Example:
  peersync scopes load ./scopes.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, rootOpts)
			defs, err := loadScopes(commandContext(cmd), n.store, args[0])
			if err != nil {
				return out.Fail(ExitCommandError, "failed to load scope definitions", err)
			}
			n.logger.Info("scope definitions loaded", "count", len(defs), "path", args[0])
			return out.Render(defs, func(w io.Writer) {
				fmt.Fprintf(w, "Loaded %d scope definition(s).\n", len(defs))
				writeScopes(w, defs)
			})
		},
	}
}

func newScopesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List stored scope definitions",
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
			defs, err := n.store.ListScopeDefinitions(commandContext(cmd))
			if err != nil {
				return out.Fail(ExitFailure, "failed to list scope definitions", err)
			}
			return out.Render(defs, func(w io.Writer) { writeScopes(w, defs) })
		},
	}
}

func writeScopes(w io.Writer, defs []partition.ScopeDefinition) {
	if len(defs) == 0 {
		fmt.Fprintln(w, "No scope definitions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROFILE\tVERSION\tREAD\tWRITE\tREAD/WRITE")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", d.ID, d.Profile, d.Version,
			orDash(d.ReadFilterTemplate), orDash(d.WriteFilterTemplate), orDash(d.ReadWriteFilterTemplate))
	}
	tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/certs"
	"github.com/roach88/peersync/internal/ir"
	"github.com/roach88/peersync/internal/store"
	"github.com/roach88/peersync/internal/transport"
)

// certView is the listing shape of a certificate; keys are never shown.
type certView struct {
	ID                string            `json:"id"`
	ParentID          string            `json:"parent_id,omitempty"`
	Profile           string            `json:"profile"`
	ScopeDefinitionID string            `json:"scope_definition_id"`
	ScopeParams       map[string]string `json:"scope_params"`
	Owned             bool              `json:"owned"`
}

func newCertView(c ir.Certificate) certView {
	return certView{
		ID:                c.ID,
		ParentID:          c.ParentID,
		Profile:           c.Profile,
		ScopeDefinitionID: c.ScopeDefinitionID,
		ScopeParams:       c.ScopeParams,
		Owned:             c.HasPrivateKey(),
	}
}

func writeCerts(w io.Writer, views []certView) {
	if len(views) == 0 {
		fmt.Fprintln(w, "No certificates.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPARENT\tSCOPE\tPARAMS\tOWNED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", v.ID, orDash(v.ParentID), v.ScopeDefinitionID, formatParams(v.ScopeParams), v.Owned)
	}
	tw.Flush()
}

func formatParams(params map[string]string) string {
	if len(params) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + params[k]
	}
	return strings.Join(parts, ",")
}

// NewCertCommand creates the cert command group.
func NewCertCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage certificates",
		Long: `Create, issue, request and inspect certificates.

A root certificate is the source of authority for a dataset: its ID is
the primary partition every record under it lives in. Child certificates
grant a subset of their parent's scope.`,
	}
	cmd.AddCommand(newCertRootCommand(rootOpts))
	cmd.AddCommand(newCertIssueCommand(rootOpts))
	cmd.AddCommand(newCertRequestCommand(rootOpts))
	cmd.AddCommand(newCertVerifyCommand(rootOpts))
	cmd.AddCommand(newCertListCommand(rootOpts))
	return cmd
}

func newCertRootCommand(rootOpts *RootOptions) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "root <scope-definition>",
		Short: "Generate a self-signed root certificate",
		Long: `Generate a root certificate with a new key pair.

The scope definition must name a primary scope parameter; it is set to
the new certificate's ID.

Example:
  peersync cert root full-facility`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseParams(params)
			if err != nil {
				return err
			}
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, rootOpts)
			ctx := commandContext(cmd)
			root, err := certs.GenerateRoot(ctx, n.store, args[0], extra)
			if err != nil {
				return out.Fail(ExitFailure, "failed to generate root certificate", err)
			}
			if err := n.store.SaveCertificate(ctx, root); err != nil {
				return out.Fail(ExitFailure, "failed to save certificate", err)
			}
			n.logger.Info("root certificate created", "id", root.ID, "scope", root.ScopeDefinitionID)
			v := newCertView(root)
			return out.Render(v, func(w io.Writer) { fmt.Fprintf(w, "Root certificate: %s\n", v.ID) })
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra scope parameter key=value (repeatable)")
	return cmd
}

func newCertIssueCommand(rootOpts *RootOptions) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "issue <parent-id> <scope-definition>",
		Short: "Issue a child certificate from an owned parent",
		Long: `Issue a child certificate signed by a parent this instance owns.

The child's key pair is generated here and stored with it.

Example:
  peersync cert issue 8f3c... single-user --param mainpartition=8f3c... --param user_id=u1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeParams, err := parseParams(params)
			if err != nil {
				return err
			}
			n, err := openNode(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, rootOpts)
			ctx := commandContext(cmd)
			parent, err := n.store.GetCertificate(ctx, args[0])
			if err != nil {
				return out.Fail(ExitCommandError, "unknown parent certificate", err)
			}
			key, err := certs.OwnedKey(parent)
			if err != nil {
				return out.Fail(ExitCommandError, "cannot issue from parent", err)
			}
			child, err := certs.Issue(ctx, n.store, parent, key, certs.IssueRequest{
				ScopeDefinitionID: args[1],
				ScopeParams:       scopeParams,
			})
			if err != nil {
				return out.Fail(ExitFailure, "failed to issue certificate", err)
			}
			if err := n.store.SaveCertificate(ctx, child); err != nil {
				return out.Fail(ExitFailure, "failed to save certificate", err)
			}
			n.logger.Info("certificate issued", "id", child.ID, "parent", parent.ID, "scope", child.ScopeDefinitionID)
			v := newCertView(child)
			return out.Render(v, func(w io.Writer) { fmt.Fprintf(w, "Issued certificate: %s\n", v.ID) })
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "scope parameter key=value (repeatable)")
	return cmd
}

// CertRequestOptions holds flags for cert request.
type CertRequestOptions struct {
	*RootOptions
	Params []string
	Token  string
}

func newCertRequestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CertRequestOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "request <url> <parent-id> <scope-definition>",
		Short: "Request a certificate from a remote instance",
		Long: `Generate a key pair here and ask the instance at <url> to sign a child
of <parent-id> for it. The server must run with an admin secret and the
request must carry a token minted from it (see "peersync token").

Example:
  peersync cert request http://server:8700 8f3c... single-user \
    --param mainpartition=8f3c... --param user_id=u1 --token $TOKEN`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeParams, err := parseParams(opts.Params)
			if err != nil {
				return err
			}
			n, err := openNode(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer n.close()

			out := newFormatter(cmd, opts.RootOptions)
			peer, err := transport.NewClient(args[0],
				transport.WithAdminToken(opts.Token),
				transport.WithClientLogger(n.logger),
				transport.WithClientID(string(n.self.InstanceID)))
			if err != nil {
				return out.Fail(ExitCommandError, "invalid server URL", err)
			}
			leaf, err := n.engine.RequestCertificate(commandContext(cmd), peer, args[1], args[2], scopeParams)
			if err != nil {
				return out.Fail(ExitFailure, "certificate request failed", err)
			}
			v := newCertView(leaf)
			return out.Render(v, func(w io.Writer) { fmt.Fprintf(w, "Received certificate: %s\n", v.ID) })
		},
	}
	cmd.Flags().StringArrayVar(&opts.Params, "param", nil, "scope parameter key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "admin token authorizing the request")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newCertVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "verify <id>",
		Short:         "Verify a certificate's chain up to its root",
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
			ctx := commandContext(cmd)
			cert, err := n.store.GetCertificate(ctx, args[0])
			if err != nil {
				return out.Fail(ExitCommandError, "unknown certificate", err)
			}
			if err := certs.VerifyChain(ctx, n.store, n.store, cert); err != nil {
				return out.Fail(ExitFailure, "certificate chain is invalid", err)
			}
			chain, err := certs.Chain(ctx, n.store, cert.ID)
			if err != nil {
				return out.Fail(ExitFailure, "failed to read chain", err)
			}
			ids := make([]string, len(chain))
			for i, env := range chain {
				ids[i] = env.ID
			}
			return out.Render(map[string]any{"id": cert.ID, "valid": true, "chain": ids}, func(w io.Writer) {
				fmt.Fprintf(w, "Certificate %s is valid.\n", cert.ID)
				fmt.Fprintf(w, "Chain: %s\n", strings.Join(ids, " -> "))
			})
		},
	}
}

func newCertListCommand(rootOpts *RootOptions) *cobra.Command {
	var owned bool
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List stored certificates",
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
			list, err := n.store.ListCertificates(commandContext(cmd), store.CertificateQuery{OwnedOnly: owned})
			if err != nil {
				return out.Fail(ExitFailure, "failed to list certificates", err)
			}
			views := make([]certView, len(list))
			for i, c := range list {
				views[i] = newCertView(c)
			}
			return out.Render(views, func(w io.Writer) { writeCerts(w, views) })
		},
	}
	cmd.Flags().BoolVar(&owned, "owned", false, "only certificates this instance holds a key for")
	return cmd
}

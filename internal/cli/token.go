package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/peersync/internal/transport"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Subject string
	Parent  string
	TTL     time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin token for certificate requests",
		Long: `Sign an admin token with server.admin_secret from the config file.

A client passes the token to "peersync cert request" to have this
instance sign a certificate for it. --parent restricts the token to
children of one certificate.

Example:
  peersync token --config server.yaml --subject tablet-7 --ttl 1h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions)
			if err != nil {
				return err
			}
			out := newFormatter(cmd, opts.RootOptions)
			if cfg.Server.AdminSecret == "" {
				return out.Fail(ExitCommandError, "cannot mint token", fmt.Errorf("server.admin_secret is not configured"))
			}
			token, err := transport.IssueAdminToken([]byte(cfg.Server.AdminSecret), opts.Subject, opts.Parent, opts.TTL, time.Now())
			if err != nil {
				return out.Fail(ExitFailure, "failed to sign token", err)
			}
			return out.Render(map[string]string{"token": token}, func(w io.Writer) { fmt.Fprintln(w, token) })
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "who the token is for")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "restrict signing to children of this certificate")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

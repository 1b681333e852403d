package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sproutplan/sproutplan/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long:  "Issue a signed bearer token for the HTTP API. Viewer tokens can only read; planner tokens can also change orders and subscriptions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := openServer(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = srv.Close() }()

			tok, err := srv.Tokens().IssueToken(subject, role, ttl)
			if errors.Is(err, auth.ErrDisabled) {
				return fmt.Errorf("set auth.jwt_secret in the config to issue tokens")
			}
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RolePlanner, "token role: planner or viewer")
	cmd.Flags().StringVar(&subject, "subject", "operator", "name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.jwt_expiry)")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/meshrouter/internal/admin"
)

func newTokenCommand() *cobra.Command {
	var (
		isAdmin bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:         "token",
		Short:       "Mint an admin API token",
		Long:        "Mint a bearer token signed with the node's admin secret (--secret).",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"offline": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			signed, expiresAt, err := admin.NewJWTAuth(secret).GenerateToken(operator, isAdmin, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "Token for %s expires at %s\n", operator, expiresAt.Format(time.RFC3339))
			fmt.Fprintf(cmd.ErrOrStderr(), "  export MESHROUTER_TOKEN=%q\n", signed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&isAdmin, "admin", false, "Grant admin privileges")
	cmd.Flags().DurationVar(&ttl, "ttl", admin.DefaultTokenTTL, "Token lifetime")

	return cmd
}

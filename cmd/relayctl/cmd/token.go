package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relayflow-go/pkg/middleware/auth"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the engine API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			token, err := auth.NewJWTMiddleware(cfg.Auth.JWT.SecretKey, cfg.Auth.JWT.Issuer, nil).IssueToken(userID, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

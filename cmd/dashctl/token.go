package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		user  string
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			jm, err := auth.NewJWTManager(cfg.Auth.JWTSecret, nil)
			if err != nil {
				return err
			}
			token, err := jm.GenerateToken(cmd.Context(), user, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to embed in the token (required)")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"viewer"}, "role to grant; repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default from JWT_TOKEN_TTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

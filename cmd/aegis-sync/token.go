package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisshield/realtime-sync/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		userID   string
		clientID string
		roles    []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a relay access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.Security.JWTSecret
			if secret == "" {
				secret = developmentSecret
			}
			tokens, err := auth.NewTokenManager(secret, a.cfg.Security.JWTIssuer, a.cfg.Security.TokenTTL)
			if err != nil {
				return err
			}
			token, err := tokens.GenerateToken(userID, clientID, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleAgent}, "roles to grant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

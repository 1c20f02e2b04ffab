package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quire/api/internal/auth"
	"quire/api/internal/config"
)

// newTokenCmd signs a bearer token with the configured secret, for local
// development against a running server.
func newTokenCmd() *cobra.Command {
	var actorID, name string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actorID) == "" {
				return fmt.Errorf("--actor is required")
			}
			if name == "" {
				name = actorID
			}
			cfg := config.Load()
			token, err := auth.NewVerifier(cfg.TokenSecret).Issue(actorID, name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the actor id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quire/api/internal/config"
	"quire/api/internal/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quire-api",
		Short: "Quire draft collaboration and publishing API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd(), newReindexCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and builds the process logger.
func loadConfig() (config.Config, zerolog.Logger) {
	cfg := config.Load()
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat)
}

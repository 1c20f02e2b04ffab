package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"quire/api/internal/logger"
	"quire/api/internal/search"
	"quire/api/internal/store"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every published post into the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := loadConfig()
			if strings.TrimSpace(cfg.MeiliURL) == "" {
				return fmt.Errorf("MEILI_URL is not set")
			}
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 4})
			if err != nil {
				return err
			}
			defer db.Close()

			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Component(log, "search"))
			defer meili.Close()

			n, err := meili.Reindex(cmd.Context(), store.NewPostgresStore(db))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d post(s)\n", n)
			return nil
		},
	}
}

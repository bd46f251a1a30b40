package main

import (
	"github.com/spf13/cobra"

	"github.com/mcpgov/policy-gateway/internal/config"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/store"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return &configError{err}
			}
			dao, err := store.New(store.WithDatabaseFile(cfg.StoreDSN))
			if err != nil {
				return &storeError{err}
			}
			defer dao.Close()
			log.Logf("migrations applied to %s", cfg.StoreDSN)
			return nil
		},
	}
}

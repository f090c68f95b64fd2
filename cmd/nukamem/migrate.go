package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			backend, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			backend.Close()
			logger.Info("Migrations complete", zap.Bool("postgres", cfg.Database.Postgres.DSN != ""))
			return nil
		},
	}
}

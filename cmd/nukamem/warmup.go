package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func buildWarmupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warmup <collection>...",
		Short: "Replay the most frequent queries of each collection into the cache",
		Long: `Replay the most frequent queries of each collection into the cache.

Query frequencies live in Redis, so this is only useful when
database.redis.url is configured.`,
		Args: cobra.MinimumNArgs(1),
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
			svc, err := buildServices(ctx, cfg, logger, nil, nil)
			if err != nil {
				return err
			}
			defer svc.close(context.Background())

			for _, collection := range args {
				n, err := svc.warmer.Warmup(ctx, collection)
				if err != nil {
					return fmt.Errorf("warmup %s: %w", collection, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d queries warmed\n", collection, n)
			}
			return nil
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/observability"
)

func buildServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the memory and retrieval HTTP service",
		Long: `Start the HTTP service with every configured backend.

Postgres is used when database.postgres.dsn is set, SQLite otherwise.
Redis backs the distributed cache level when database.redis.url is set.
Qdrant stores vectors when database.qdrant.host is set, chromem otherwise.

Shuts down gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server.port")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting nukamem...", zap.String("version", version))

	tracer, shutdownTracer := observability.NewTracer(ctx, cfg.Tracing(version))
	var metrics *observability.Metrics
	var metricsHandler http.Handler
	if !cfg.Observability.Metrics.Disabled {
		reg := newRegistry()
		metrics = observability.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	svc, err := buildServices(ctx, cfg, logger, tracer, metrics)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	svc.scheduler.Start()

	handler := api.NewHandler(api.Deps{
		Composer:    svc.composer,
		ShortTerm:   svc.shortTerm,
		LongTerm:    svc.longTerm,
		Tasks:       svc.tasks,
		Engine:      svc.engine,
		Indexer:     svc.indexer,
		Warmer:      svc.warmer,
		Assembler:   svc.assembler,
		Router:      svc.router,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Observability.Metrics.Path,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("nukamem listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logger.Info("Shutting down nukamem...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	svc.scheduler.Stop(shutdownCtx)
	svc.close(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	return serveErr
}

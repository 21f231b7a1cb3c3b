// cmd/api/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"curve-dispatch/internal/api"
	"curve-dispatch/internal/bootstrap"
	"curve-dispatch/internal/config"
	"curve-dispatch/internal/messaging"
	"curve-dispatch/internal/metrics"
	"curve-dispatch/internal/pipeline"
	"curve-dispatch/internal/repository"
	"curve-dispatch/internal/worker"
	"curve-dispatch/pkg/archive"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.LogFormat)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("API server stopped with error", zap.Error(err))
	}
	logger.Info("API server stopped gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting REST API server",
		zap.String("redis_url", cfg.RedisURL),
		zap.String("stream", cfg.StreamName),
		zap.String("dispatch_mode", cfg.DispatchMode),
		zap.String("rethinkdb_url", cfg.RethinkDBURL),
		zap.String("database", cfg.DBName),
		zap.String("owner_id", cfg.OwnerID),
		zap.Bool("auth", cfg.APIToken != ""),
		zap.String("server_port", cfg.ServerPort),
		zap.String("health_port", cfg.HealthPort),
		zap.String("metrics_port", cfg.MetricsPort))

	session, err := bootstrap.ConnectRethinkDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = repository.EnsureSchema(setupCtx, session, cfg.DBName, cfg.Tables(), logger)
	cancel()
	if err != nil {
		return err
	}

	m := metrics.New()
	store := repository.NewRethinkStore(session, cfg.Tables())
	checks := []bootstrap.Check{bootstrap.RethinkCheck(session)}

	var dispatcher messaging.Dispatcher
	var local *worker.LocalDispatcher
	if cfg.DispatchMode == config.DispatchModeLocal {
		blobs, err := bootstrap.NewBlobStore(cfg, logger)
		if err != nil {
			return err
		}
		walker := archive.NewWalker(cfg.ArchiveLimits(), archive.WithLogger(logger))
		sequencer := pipeline.NewSequencer(store, blobs, walker,
			pipeline.WithLogger(logger),
			pipeline.WithMetrics(m))
		local = worker.NewLocalDispatcher(context.WithoutCancel(ctx), sequencer, cfg.JobTimeout, logger)
		dispatcher = local
		logger.Info("Running jobs in process")
	} else {
		redisClient, err := bootstrap.ConnectRedis(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		dispatcher = redisClient
		checks = append(checks, bootstrap.RedisCheck(redisClient))
	}

	apiServer := api.NewServer(store, dispatcher, cfg, m, logger)

	health := bootstrap.NewHTTPServer(cfg.HealthPort, bootstrap.HealthMux("api", checks...))
	metricsServer := bootstrap.NewHTTPServer(cfg.MetricsPort, m.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bootstrap.Serve(ctx, logger, "api", apiServer.HTTPServer()) })
	g.Go(func() error { return bootstrap.Serve(ctx, logger, "health", health) })
	g.Go(func() error { return bootstrap.Serve(ctx, logger, "metrics", metricsServer) })

	err = g.Wait()
	if local != nil {
		logger.Info("Waiting for in-process jobs")
		local.Wait()
	}
	return err
}

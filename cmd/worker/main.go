// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"curve-dispatch/internal/bootstrap"
	"curve-dispatch/internal/config"
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
		logger.Fatal("Worker stopped with error", zap.Error(err))
	}
	logger.Info("Worker stopped gracefully")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limits := cfg.ArchiveLimits()
	logger.Info("Starting dispatch worker",
		zap.String("redis_url", cfg.RedisURL),
		zap.String("stream", cfg.StreamName),
		zap.String("consumer_group", cfg.ConsumerGroup),
		zap.String("rethinkdb_url", cfg.RethinkDBURL),
		zap.String("database", cfg.DBName),
		zap.Int("worker_count", cfg.WorkerCount),
		zap.Duration("job_timeout", cfg.JobTimeout),
		zap.String("blob_backend", cfg.BlobBackend),
		zap.Int("archive_max_tabular", limits.MaxTabular),
		zap.Int("archive_nested_entry_limit", limits.NestedEntryLimit),
		zap.Duration("archive_timeout", limits.Timeout),
		zap.Int64("archive_max_member_bytes", limits.MaxMemberBytes))

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

	redisClient, err := bootstrap.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	blobs, err := bootstrap.NewBlobStore(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	store := repository.NewRethinkStore(session, cfg.Tables())
	walker := archive.NewWalker(limits, archive.WithLogger(logger))
	sequencer := pipeline.NewSequencer(store, blobs, walker,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m))

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	w := worker.NewWorker(workerID, sequencer, redisClient, cfg.WorkerCount, cfg.JobTimeout, logger)

	health := bootstrap.NewHTTPServer(cfg.HealthPort, bootstrap.HealthMux("worker",
		bootstrap.RedisCheck(redisClient), bootstrap.RethinkCheck(session)))
	metricsServer := bootstrap.NewHTTPServer(cfg.MetricsPort, m.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Start(ctx) })
	g.Go(func() error { return bootstrap.Serve(ctx, logger, "health", health) })
	g.Go(func() error { return bootstrap.Serve(ctx, logger, "metrics", metricsServer) })

	logger.Info("Worker running", zap.String("worker_id", workerID))
	return g.Wait()
}

// worker/worker.go
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"curve-dispatch/internal/messaging"

	"go.uber.org/zap"
)

// Runner executes one job to a terminal state. The job record carries the outcome; the
// returned error is only for logging and counters.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

type Worker struct {
	id         string
	runner     Runner
	msgClient  messaging.MessageClient
	consumers  int
	jobTimeout time.Duration
	logger     *zap.Logger
	stopChan   chan struct{}
	isRunning  atomic.Bool
	processed  atomic.Int64
	failed     atomic.Int64
	processing atomic.Int32
}

func NewWorker(id string, runner Runner, msgClient messaging.MessageClient, consumers int,
	jobTimeout time.Duration, logger *zap.Logger) *Worker {

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:         id,
		runner:     runner,
		msgClient:  msgClient,
		consumers:  consumers,
		jobTimeout: jobTimeout,
		logger:     logger.With(zap.String("worker_id", id)),
		stopChan:   make(chan struct{}),
	}
}

// Start consumes the job stream until Stop is called or ctx is done. It returns once the
// consumers have exited, so every job already handed to the worker has finished.
func (w *Worker) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.isRunning.Store(true)
	w.logger.Info("Worker starting", zap.Int("consumers", w.consumers))

	go w.runMonitor(subCtx)
	go func() {
		select {
		case <-w.stopChan:
		case <-subCtx.Done():
		}
		cancel()
	}()

	err := w.msgClient.SubscribeToJobs(subCtx, w.consumers, w.handleJob)
	w.isRunning.Store(false)
	if err != nil {
		return fmt.Errorf("failed to subscribe to jobs: %w", err)
	}

	w.logger.Info("Worker stopped",
		zap.Int64("processed", w.processed.Load()),
		zap.Int64("failed", w.failed.Load()))
	return nil
}

func (w *Worker) runMonitor(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := w.GetStats()
			w.logger.Info("Worker stats", zap.Any("stats", stats))
		case <-w.stopChan:
			return
		}
	}
}

// handleJob runs the job on a context detached from the consumer, so stopping the worker lets
// the job finish within its own timeout.
func (w *Worker) handleJob(ctx context.Context, jobID string) {
	w.processing.Add(1)
	defer w.processing.Add(-1)

	start := time.Now()
	err := runJob(context.WithoutCancel(ctx), w.runner, jobID, w.jobTimeout)

	duration := time.Since(start)
	if err != nil {
		w.logger.Warn("Job failed",
			zap.String("job_id", jobID),
			zap.Duration("duration", duration),
			zap.Error(err))
		w.failed.Add(1)
		return
	}
	w.logger.Info("Job finished", zap.String("job_id", jobID), zap.Duration("duration", duration))
	w.processed.Add(1)
}

// runJob applies the per-job timeout and turns a panic into an error.
func runJob(ctx context.Context, runner Runner, jobID string, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", jobID, p)
		}
	}()
	return runner.Run(ctx, jobID)
}

func (w *Worker) Stop() {
	if w.isRunning.CompareAndSwap(true, false) {
		w.logger.Info("Stopping worker")
		close(w.stopChan)
	}
}

func (w *Worker) GetStats() map[string]any {
	return map[string]any{
		"id":         w.id,
		"running":    w.isRunning.Load(),
		"processed":  w.processed.Load(),
		"failed":     w.failed.Load(),
		"processing": w.processing.Load(),
	}
}

func (w *Worker) IsRunning() bool {
	return w.isRunning.Load()
}

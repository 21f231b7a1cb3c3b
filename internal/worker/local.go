package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalDispatcher runs every dispatched job on its own goroutine inside this process. It is
// used when no stream is configured and by tests.
type LocalDispatcher struct {
	base    context.Context
	runner  Runner
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// NewLocalDispatcher runs jobs under base rather than the dispatching request's context.
func NewLocalDispatcher(base context.Context, runner Runner, timeout time.Duration, logger *zap.Logger) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDispatcher{base: base, runner: runner, timeout: timeout, logger: logger}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := runJob(d.base, d.runner, jobID, d.timeout); err != nil {
			d.logger.Warn("Job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

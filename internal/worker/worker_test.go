package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"curve-dispatch/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu        sync.Mutex
	ran       []string
	deadlines map[string]bool
	ctxErrs   map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{deadlines: map[string]bool{}, ctxErrs: map[string]error{}}
}

func (f *fakeRunner) Run(ctx context.Context, jobID string) error {
	f.mu.Lock()
	f.ran = append(f.ran, jobID)
	_, f.deadlines[jobID] = ctx.Deadline()
	f.ctxErrs[jobID] = ctx.Err()
	f.mu.Unlock()

	switch jobID {
	case "bad":
		return errors.New("stage failed")
	case "boom":
		panic("nil map")
	}
	return nil
}

// fakeStream delivers a fixed list of job ids once, closes done and then blocks like a
// consumer group until ctx is done.
type fakeStream struct {
	messaging.MessageClient
	jobs      []string
	consumers int
	done      chan struct{}
}

func (f *fakeStream) SubscribeToJobs(ctx context.Context, consumers int, handler messaging.JobHandler) error {
	f.consumers = consumers
	for _, id := range f.jobs {
		handler(ctx, id)
	}
	close(f.done)
	<-ctx.Done()
	return nil
}

func TestWorker_CountsOutcomes(t *testing.T) {
	// Setup
	runner := newFakeRunner()
	stream := &fakeStream{jobs: []string{"ok-1", "bad", "boom", "ok-2"}, done: make(chan struct{})}
	w := NewWorker("w1", runner, stream, 3, time.Minute, nil)

	// Execute
	errc := make(chan error, 1)
	go func() { errc <- w.Start(context.Background()) }()
	<-stream.done
	require.Eventually(t, w.IsRunning, time.Second, 10*time.Millisecond)
	w.Stop()

	// Assert
	require.NoError(t, <-errc)
	assert.False(t, w.IsRunning())
	stats := w.GetStats()
	assert.Equal(t, int64(2), stats["processed"])
	assert.Equal(t, int64(2), stats["failed"])
	assert.Equal(t, int32(0), stats["processing"])
	assert.Equal(t, 3, stream.consumers)
	assert.True(t, runner.deadlines["ok-1"])
}

// gatedRunner blocks every job until release is closed.
type gatedRunner struct {
	started chan string
	release chan struct{}
}

func (g gatedRunner) Run(ctx context.Context, jobID string) error {
	g.started <- jobID
	<-g.release
	return ctx.Err()
}

func TestWorker_StopWaitsForJobInFlight(t *testing.T) {
	// Setup
	runner := gatedRunner{started: make(chan string, 1), release: make(chan struct{})}
	stream := &fakeStream{jobs: []string{"slow"}, done: make(chan struct{})}
	w := NewWorker("w1", runner, stream, 1, time.Minute, nil)
	errc := make(chan error, 1)
	go func() { errc <- w.Start(context.Background()) }()
	require.Equal(t, "slow", <-runner.started)

	// Execute
	w.Stop()

	// Assert
	select {
	case <-errc:
		t.Fatal("worker returned while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(runner.release)
	require.NoError(t, <-errc)
	assert.Equal(t, int64(1), w.GetStats()["processed"])
	assert.Equal(t, int32(0), w.GetStats()["processing"])
}

func TestLocalDispatcher_RunsDetachedFromCaller(t *testing.T) {
	runner := newFakeRunner()
	d := NewLocalDispatcher(context.Background(), runner, time.Minute, nil)
	reqCtx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, id := range []string{"a", "boom", "b"} {
		require.NoError(t, d.Dispatch(reqCtx, id))
	}
	d.Wait()

	assert.ElementsMatch(t, []string{"a", "boom", "b"}, runner.ran)
	assert.NoError(t, runner.ctxErrs["a"])
	assert.True(t, runner.deadlines["b"])
}

func TestRunJob_NoTimeoutMeansNoDeadline(t *testing.T) {
	runner := newFakeRunner()

	err := runJob(context.Background(), runner, "x", 0)

	require.NoError(t, err)
	assert.False(t, runner.deadlines["x"])
}

func TestRunJob_PanicBecomesError(t *testing.T) {
	err := runJob(context.Background(), newFakeRunner(), "boom", time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

package jobx_test

import (
	"context"
	"testing"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxredis"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...jobx.ClientOption) (*jobx.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 32})
	t.Cleanup(func() { _ = rdb.Close() })
	return jobx.NewClient(jobxredis.NewRedisQueue(rdb), opts...), mr
}

var addFunction = jobx.NewFunction("add", jobx.Handle(func(_ context.Context, job *jobx.JobContext) (any, error) {
	var a, b int
	if err := job.ArgsInto(&a, &b); err != nil {
		return nil, err
	}
	return a + b, nil
}))

func newWorker(t *testing.T, client *jobx.Client, fns []jobx.Function, opts ...jobx.WorkerOption) *jobx.Worker {
	t.Helper()
	base := []jobx.WorkerOption{
		jobx.WithWorkerName("test-worker"),
		jobx.WithPollInterval(10 * time.Millisecond),
		jobx.WithShutdownTimeout(2 * time.Second),
	}
	w, err := jobx.NewWorker(client, fns, append(base, opts...)...)
	require.NoError(t, err)
	return w
}

// runBurst runs w until the queue is drained.
func runBurst(t *testing.T, w *jobx.Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}

// runInBackground starts w and returns a function that stops it and
// returns Run's error.
func runInBackground(t *testing.T, w *jobx.Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

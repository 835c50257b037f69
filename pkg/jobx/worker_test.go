package jobx_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddJobRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(2, 3), jobx.JobID("J1"))
	require.NoError(t, err)
	require.NotNil(t, job)

	status, err := job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusQueued, status)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	sum, err := jobx.ResultAs[int](ctx, job, jobx.WaitTimeout(time.Second), jobx.PollDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	status, err = job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusComplete, status)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.Finished())
	assert.True(t, info.Success)
	assert.Equal(t, "add", info.Function)
	assert.Equal(t, "J1", info.JobID)
	assert.Equal(t, 1, info.JobTry)
	assert.Equal(t, "test-worker", info.WorkerName)
}

func TestStatusWhileRunning(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	started := make(chan struct{})
	release := make(chan struct{})
	slow := jobx.NewFunction("slow", func(context.Context, *jobx.JobContext) jobx.Outcome {
		close(started)
		<-release
		return jobx.Success("done")
	})

	job, err := client.Enqueue(ctx, "slow")
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{slow}, jobx.WithBurst(0))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	waitFor(t, started)
	status, err := job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusInProgress, status)

	close(release)
	require.NoError(t, <-errCh)

	v, err := job.Result(ctx, jobx.WaitTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "done", v)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	first, err := client.Enqueue(ctx, "add", jobx.Args(1, 1), jobx.JobID("same"))
	require.NoError(t, err)
	assert.NotNil(t, first)

	second, err := client.Enqueue(ctx, "add", jobx.Args(1, 1), jobx.JobID("same"))
	require.NoError(t, err)
	assert.Nil(t, second)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	third, err := client.Enqueue(ctx, "add", jobx.Args(1, 1), jobx.JobID("same"))
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	_, err := client.Enqueue(ctx, "add", jobx.DeferBy(time.Second), jobx.DeferUntil(time.Now().Add(time.Minute)))
	assert.True(t, errx.HasCode(err, jobx.ErrInvalidJob))

	_, err = client.Enqueue(ctx, "")
	assert.True(t, errx.HasCode(err, jobx.ErrInvalidJob))

	job, err := client.Enqueue(ctx, "add", jobx.DeferBy(time.Hour))
	require.NoError(t, err)
	status, err := job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusDeferred, status)

	info, err := job.Info(ctx)
	require.NoError(t, err)
	assert.False(t, info.Finished())
	assert.Greater(t, info.Score, time.Now().Add(59*time.Minute).UnixMilli())
}

func TestEnqueueExpiry(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	_, err := client.Enqueue(ctx, "add", jobx.JobID("a"), jobx.DeferBy(time.Minute))
	require.NoError(t, err)
	ttl := mr.TTL("jobx:job:a")
	assert.InDelta(t, (24*time.Hour + time.Minute).Seconds(), ttl.Seconds(), 2)

	_, err = client.Enqueue(ctx, "add", jobx.JobID("b"), jobx.Expires(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, mr.TTL("jobx:job:b"))
}

func TestRetryMovesScoreForward(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	calls := int32(0)
	flaky := jobx.NewFunction("flaky", func(context.Context, *jobx.JobContext) jobx.Outcome {
		atomic.AddInt32(&calls, 1)
		return jobx.Retry(2 * time.Second)
	})

	job, err := client.Enqueue(ctx, "flaky", jobx.JobID("r1"))
	require.NoError(t, err)
	before, err := mr.ZScore("jobx:queue:default", "r1")
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{flaky}, jobx.WithBurst(1))
	runBurst(t, w)

	after, err := mr.ZScore("jobx:queue:default", "r1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after-before, float64(2000))
	assert.True(t, mr.Exists("jobx:job:r1"))
	assert.False(t, mr.Exists("jobx:result:r1"))
	assert.False(t, mr.Exists("jobx:in-progress:r1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, w.Snapshot().JobsRetried)

	status, err := job.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusDeferred, status)
}

func TestMaxRetriesExceeded(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	calls := int32(0)
	again := jobx.NewFunction("again", func(context.Context, *jobx.JobContext) jobx.Outcome {
		atomic.AddInt32(&calls, 1)
		return jobx.Retry(0)
	}).WithMaxTries(2)

	job, err := client.Enqueue(ctx, "again")
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{again}, jobx.WithBurst(0))
	runBurst(t, w)

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrMaxRetries)
	assert.EqualError(t, err, "max 2 retries exceeded")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	s := w.Snapshot()
	assert.Equal(t, 2, s.JobsRetried)
	assert.Equal(t, 1, s.JobsFailed)
	assert.Equal(t, 0, s.JobsDone)
}

func TestTimeoutWithoutRetriesFails(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	hang := jobx.NewFunction("hang", func(ctx context.Context, _ *jobx.JobContext) jobx.Outcome {
		<-ctx.Done()
		return jobx.Fail(ctx.Err())
	}).WithTimeout(100 * time.Millisecond)

	job, err := client.Enqueue(ctx, "hang")
	require.NoError(t, err)

	start := time.Now()
	runBurst(t, newWorker(t, client, []jobx.Function{hang}, jobx.WithBurst(0), jobx.WithRetryJobs(false)))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrTimedOut)
	assert.Contains(t, err.Error(), "100ms")
}

func TestTimeoutWithRetriesReschedules(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	hang := jobx.NewFunction("hang", func(ctx context.Context, _ *jobx.JobContext) jobx.Outcome {
		<-ctx.Done()
		return jobx.Success("too late")
	}).WithTimeout(50 * time.Millisecond)

	job, err := client.Enqueue(ctx, "hang", jobx.JobID("t1"))
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{hang}, jobx.WithBurst(1))
	runBurst(t, w)

	assert.Equal(t, 1, w.Snapshot().JobsRetried)
	assert.True(t, mr.Exists("jobx:job:t1"))
	info, err := job.ResultInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestAbortRunningJob(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	started := make(chan struct{})
	var cause atomic.Value
	blocker := jobx.NewFunction("block", func(ctx context.Context, _ *jobx.JobContext) jobx.Outcome {
		close(started)
		<-ctx.Done()
		cause.Store(context.Cause(ctx))
		return jobx.Fail(ctx.Err())
	})

	job, err := client.Enqueue(ctx, "block")
	require.NoError(t, err)

	stop := runInBackground(t, newWorker(t, client, []jobx.Function{blocker}, jobx.WithAbortJobs(true)))
	waitFor(t, started)

	aborted, err := job.Abort(ctx, jobx.WaitTimeout(3*time.Second), jobx.PollDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, aborted)
	require.NoError(t, stop())

	require.Eventually(t, func() bool { return cause.Load() != nil }, time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, cause.Load().(error), jobx.ErrAborted)
}

func TestAbortBeforeStart(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	called := int32(0)
	fn := jobx.NewFunction("never", func(context.Context, *jobx.JobContext) jobx.Outcome {
		atomic.AddInt32(&called, 1)
		return jobx.Success(nil)
	})

	job, err := client.Enqueue(ctx, "never")
	require.NoError(t, err)

	aborted, err := job.Abort(ctx, jobx.WaitTimeout(30*time.Millisecond), jobx.PollDelay(10*time.Millisecond))
	assert.False(t, aborted)
	assert.True(t, errx.HasCode(err, jobx.ErrResultTimeout))

	runBurst(t, newWorker(t, client, []jobx.Function{fn}, jobx.WithBurst(0), jobx.WithAbortJobs(true)))

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrAborted)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestResultRetention(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	noop := func(context.Context, *jobx.JobContext) jobx.Outcome { return jobx.Success(1) }
	fns := []jobx.Function{
		jobx.NewFunction("none", noop).WithKeepResult(0),
		jobx.NewFunction("short", noop).WithKeepResult(5 * time.Second),
		jobx.NewFunction("forever", noop).WithKeepResultForever(true),
	}
	for _, fn := range fns {
		_, err := client.Enqueue(ctx, fn.Name, jobx.JobID(fn.Name))
		require.NoError(t, err)
	}

	runBurst(t, newWorker(t, client, fns, jobx.WithBurst(0)))

	assert.False(t, mr.Exists("jobx:result:none"))
	assert.Equal(t, 5*time.Second, mr.TTL("jobx:result:short"))
	assert.True(t, mr.Exists("jobx:result:forever"))
	assert.Equal(t, time.Duration(0), mr.TTL("jobx:result:forever"))
}

func TestUnknownFunctionFails(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	job, err := client.Enqueue(ctx, "missing")
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0))
	runBurst(t, w)

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrFunctionNotFound)
	assert.EqualError(t, err, "function 'missing' not found")
	assert.Equal(t, 1, w.Snapshot().JobsFailed)
}

func TestExpiredJobFails(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(1, 2), jobx.JobID("old"))
	require.NoError(t, err)
	mr.Del("jobx:job:old")

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrJobExpired)
}

func TestBadArgumentsFail(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(1))
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	var je *jobx.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, jobx.FailureError, je.Type)
	assert.Contains(t, je.Message, "add expects 2 arguments, got 1")
}

func TestHandlerPanicIsAJobFailure(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	boom := jobx.NewFunction("boom", func(context.Context, *jobx.JobContext) jobx.Outcome {
		panic("kaboom")
	})
	job, err := client.Enqueue(ctx, "boom")
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{boom}, jobx.WithBurst(0)))

	_, err = job.Result(ctx, jobx.WaitTimeout(time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestShutdownCancelsAndRequeuesRunningJobs(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	started := make(chan struct{})
	blocker := jobx.NewFunction("block", func(ctx context.Context, _ *jobx.JobContext) jobx.Outcome {
		close(started)
		<-ctx.Done()
		return jobx.Fail(ctx.Err())
	})
	_, err := client.Enqueue(ctx, "block", jobx.JobID("s1"))
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{blocker})
	stop := runInBackground(t, w)
	waitFor(t, started)
	require.NoError(t, stop())

	assert.Equal(t, 1, w.Snapshot().JobsRetried)
	assert.True(t, mr.Exists("jobx:job:s1"))
	assert.False(t, mr.Exists("jobx:in-progress:s1"))
	assert.False(t, mr.Exists("jobx:result:s1"))
}

func TestAtMostOneWorkerRunsAJob(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	var runs sync.Map
	counter := jobx.NewFunction("count", func(_ context.Context, job *jobx.JobContext) jobx.Outcome {
		n, _ := runs.LoadOrStore(job.JobID, new(int32))
		atomic.AddInt32(n.(*int32), 1)
		time.Sleep(20 * time.Millisecond)
		return jobx.Success(nil)
	})

	for range 20 {
		_, err := client.Enqueue(ctx, "count")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := newWorker(t, client, []jobx.Function{counter},
				jobx.WithBurst(0), jobx.WithWorkerName("w"+string(rune('a'+i))), jobx.WithConcurrency(3))
			runBurst(t, w)
		}()
	}
	wg.Wait()

	total := 0
	runs.Range(func(_, v any) bool {
		assert.Equal(t, int32(1), atomic.LoadInt32(v.(*int32)))
		total++
		return true
	})
	assert.Equal(t, 20, total)
}

func TestResultHooksSeeTerminalOutcomes(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	var (
		mu   sync.Mutex
		seen []*jobx.JobResult
	)
	hook := func(_ context.Context, r *jobx.JobResult) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
		return errors.New("hook errors are only logged")
	}

	_, err := client.Enqueue(ctx, "add", jobx.Args(2, 2), jobx.JobID("ok"))
	require.NoError(t, err)
	_, err = client.Enqueue(ctx, "missing", jobx.JobID("bad"))
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0), jobx.WithResultHook(hook)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	byID := map[string]*jobx.JobResult{}
	for _, r := range seen {
		byID[r.JobID] = r
	}
	assert.True(t, byID["ok"].Success)
	assert.EqualValues(t, 4, byID["ok"].Result)
	assert.False(t, byID["bad"].Success)
}

func TestMsgpackCodec(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t, jobx.WithCodec(jobx.MsgpackCodec{}))

	job, err := client.Enqueue(ctx, "add", jobx.Args(20, 22))
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	sum, err := jobx.ResultAs[int](ctx, job, jobx.WaitTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

func TestRunTwiceIsRejected(t *testing.T) {
	client, _ := setup(t)
	w := newWorker(t, client, []jobx.Function{addFunction})

	stop := runInBackground(t, w)
	require.Eventually(t, func() bool {
		workers, err := client.Workers(context.Background())
		return err == nil && len(workers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err := w.Run(context.Background())
	assert.True(t, errx.HasCode(err, jobx.ErrAlreadyRunning))
	require.NoError(t, stop())
}

func TestNewWorkerValidation(t *testing.T) {
	client, _ := setup(t)

	_, err := jobx.NewWorker(client, nil)
	assert.True(t, errx.HasCode(err, jobx.ErrInvalidFunction))

	_, err = jobx.NewWorker(client, []jobx.Function{addFunction, addFunction})
	assert.True(t, errx.HasCode(err, jobx.ErrInvalidFunction))

	_, err = jobx.NewWorker(client, nil, jobx.WithCronJobs(jobx.NewCronJob("bad", "not a schedule", nil)))
	assert.True(t, errx.HasCode(err, jobx.ErrInvalidFunction))
}

func TestSaturatedWorkerStillAborts(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	started := make(chan struct{})
	blocker := jobx.NewFunction("block", func(ctx context.Context, _ *jobx.JobContext) jobx.Outcome {
		close(started)
		<-ctx.Done()
		return jobx.Fail(ctx.Err())
	}).WithTimeout(time.Minute)

	job, err := client.Enqueue(ctx, "block")
	require.NoError(t, err)
	_, err = client.Enqueue(ctx, "add", jobx.Args(1, 2))
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{blocker, addFunction},
		jobx.WithConcurrency(1), jobx.WithAbortJobs(true), jobx.WithHealthCheckInterval(50*time.Millisecond))
	stop := runInBackground(t, w)
	waitFor(t, started)

	mr.Del("jobx:health-check:test-worker")
	require.Eventually(t, func() bool { return mr.Exists("jobx:health-check:test-worker") },
		2*time.Second, 10*time.Millisecond, "a saturated worker must keep beating")

	aborted, err := job.Abort(ctx, jobx.WaitTimeout(2*time.Second), jobx.PollDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, aborted)
	require.NoError(t, stop())
}

func TestJobRecoveredAfterClaimLapses(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(2, 5), jobx.JobID("orphan"))
	require.NoError(t, err)

	// left behind by a worker that died mid-run
	require.NoError(t, mr.Set("jobx:in-progress:orphan", "1"))
	mr.SetTTL("jobx:in-progress:orphan", 30*time.Second)

	stop := runInBackground(t, newWorker(t, client, []jobx.Function{addFunction}))
	time.Sleep(100 * time.Millisecond)
	info, err := job.ResultInfo(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)

	mr.FastForward(31 * time.Second)
	sum, err := jobx.ResultAs[int](ctx, job, jobx.WaitTimeout(2*time.Second), jobx.PollDelay(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 7, sum)
	require.NoError(t, stop())
}

func TestEnqueuedJobTry(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	calls := int32(0)
	limited := jobx.NewFunction("limited", func(context.Context, *jobx.JobContext) jobx.Outcome {
		atomic.AddInt32(&calls, 1)
		return jobx.Success(nil)
	}).WithMaxTries(2)

	exhausted, err := client.Enqueue(ctx, "limited", jobx.JobTry(3))
	require.NoError(t, err)
	resumed, err := client.Enqueue(ctx, "add", jobx.Args(1, 1), jobx.JobTry(2))
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{limited, addFunction}, jobx.WithBurst(0)))

	_, err = exhausted.Result(ctx, jobx.WaitTimeout(time.Second))
	assert.ErrorIs(t, err, jobx.ErrMaxRetries)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	info, err := resumed.ResultInfo(ctx)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.Success)
	assert.Equal(t, 2, info.JobTry)
}

func TestJobScheduledAtEpochRuns(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(4, 4), jobx.DeferUntil(time.UnixMilli(0)), jobx.Expires(time.Hour))
	require.NoError(t, err)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	sum, err := jobx.ResultAs[int](ctx, job, jobx.WaitTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 8, sum)
}

func TestResultHooksAreBounded(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	var hookErr atomic.Value
	hook := func(ctx context.Context, _ *jobx.JobResult) error {
		<-ctx.Done()
		hookErr.Store(ctx.Err())
		return ctx.Err()
	}

	_, err := client.Enqueue(ctx, "add", jobx.Args(1, 1))
	require.NoError(t, err)

	start := time.Now()
	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0),
		jobx.WithResultHook(hook), jobx.WithHookTimeout(50*time.Millisecond)))
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotNil(t, hookErr.Load())
	assert.ErrorIs(t, hookErr.Load().(error), context.DeadlineExceeded)
}

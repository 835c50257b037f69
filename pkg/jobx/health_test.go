package jobx_test

import (
	"context"
	"testing"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckFollowsWorkerLifetime(t *testing.T) {
	ctx := context.Background()
	client, mr := setup(t)

	_, err := client.CheckHealth(ctx, "test-worker")
	assert.True(t, errx.HasCode(err, jobx.ErrHealthCheckFailed))

	_, err = client.Enqueue(ctx, "add", jobx.Args(1, 2))
	require.NoError(t, err)

	w := newWorker(t, client, []jobx.Function{addFunction}, jobx.WithHealthCheckInterval(2*time.Second))
	stop := runInBackground(t, w)

	require.Eventually(t, func() bool {
		h, err := client.CheckHealth(ctx, "test-worker")
		return err == nil && h.JobsDone == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3*time.Second, mr.TTL("jobx:health-check:test-worker"))

	workers, err := client.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "test-worker", workers[0].WorkerName)
	assert.Equal(t, "default", workers[0].QueueName)
	assert.Equal(t, []string{"add"}, workers[0].Functions)
	assert.True(t, workers[0].Active)
	assert.NotNil(t, workers[0].Health)

	fns, err := client.Functions(ctx, "")
	require.NoError(t, err)
	require.Len(t, fns, 1)
	assert.Equal(t, "add", fns[0].Name)
	assert.Equal(t, 5, fns[0].MaxTries)

	require.NoError(t, stop())

	_, err = client.CheckHealth(ctx, "test-worker")
	assert.True(t, errx.HasCode(err, jobx.ErrHealthCheckFailed))

	workers, err = client.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.False(t, workers[0].Active)
}

func TestHealthSnapshotString(t *testing.T) {
	s := jobx.HealthSnapshot{JobsDone: 3, JobsFailed: 1, JobsRetried: 2, JobsOngoing: 4, Queued: 7}
	assert.Equal(t, "j_complete=3 j_failed=1 j_retried=2 j_ongoing=4 queued=7", s.String())
}

func TestQueuedJobsAndResults(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	_, err := client.Enqueue(ctx, "add", jobx.Args(1, 2), jobx.JobID("now"))
	require.NoError(t, err)
	_, err = client.Enqueue(ctx, "add", jobx.Args(3, 4), jobx.JobID("later"), jobx.DeferBy(time.Hour))
	require.NoError(t, err)

	queued, err := client.QueuedJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "now", queued[0].JobID)
	assert.Equal(t, jobx.StatusQueued, queued[0].Status)
	assert.Equal(t, []any{float64(1), float64(2)}, queued[0].Args)
	assert.Equal(t, "later", queued[1].JobID)
	assert.Equal(t, jobx.StatusDeferred, queued[1].Status)

	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(1)))

	results, err := client.AllResults(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "now", results[0].JobID)
	assert.EqualValues(t, 3, results[0].Result)
	assert.GreaterOrEqual(t, results[0].FinishMs, results[0].StartMs)

	missing := client.Job("nope", "")
	status, err := missing.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobx.StatusNotFound, status)

	info, err := missing.Info(ctx)
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = missing.Result(ctx, jobx.WaitTimeout(30*time.Millisecond), jobx.PollDelay(10*time.Millisecond))
	assert.True(t, errx.HasCode(err, jobx.ErrResultTimeout))
}

func TestResultAsync(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	job, err := client.Enqueue(ctx, "add", jobx.Args(5, 6))
	require.NoError(t, err)

	future := job.ResultAsync(ctx, jobx.WaitTimeout(5*time.Second), jobx.PollDelay(10*time.Millisecond))
	runBurst(t, newWorker(t, client, []jobx.Function{addFunction}, jobx.WithBurst(0)))

	v, err := future.Await()
	require.NoError(t, err)
	assert.EqualValues(t, 11, v)
}

func TestKwargsInto(t *testing.T) {
	ctx := context.Background()
	client, _ := setup(t)

	type greeting struct {
		Name  string `json:"name"`
		Times int    `json:"times"`
	}
	greet := jobx.NewFunction("greet", jobx.Handle(func(_ context.Context, job *jobx.JobContext) (any, error) {
		var g greeting
		if err := job.KwargsInto(&g); err != nil {
			return nil, err
		}
		return g.Name + "!" + string(rune('0'+g.Times)), nil
	}))

	job, err := client.Enqueue(ctx, "greet", jobx.Kwargs(map[string]any{"name": "ada", "times": 3}))
	require.NoError(t, err)
	runBurst(t, newWorker(t, client, []jobx.Function{greet}, jobx.WithBurst(0)))

	v, err := job.Result(ctx, jobx.WaitTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "ada!3", v)
}

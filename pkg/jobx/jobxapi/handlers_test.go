package jobxapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxapi"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/taskqueue/pkg/kernel"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchive struct {
	results []jobxpg.ArchivedResult
	filter  jobxpg.Filter
}

func (a *fakeArchive) Get(_ context.Context, jobID string) (*jobxpg.ArchivedResult, error) {
	for i := range a.results {
		if a.results[i].JobID == jobID {
			return &a.results[i], nil
		}
	}
	return nil, errx.NotFound("archived result not found")
}

func (a *fakeArchive) List(_ context.Context, filter jobxpg.Filter, opts kernel.PaginationOptions) (kernel.Paginated[jobxpg.ArchivedResult], error) {
	a.filter = filter
	opts = opts.Normalize()
	return kernel.NewPaginated(a.results, opts.Page, opts.PageSize, len(a.results)), nil
}

type testAPI struct {
	app    *fiber.App
	client *jobx.Client
	mr     *miniredis.Miniredis
}

func newTestAPI(t *testing.T, auth *jobxapi.TokenService, opts ...jobxapi.HandlerOption) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	client := jobx.NewClient(jobxredis.NewRedisQueue(rdb))
	app := jobxapi.NewApp(jobxapi.AppConfig{})
	jobxapi.NewHandlers(client, opts...).RegisterRoutes(app, auth)
	app.Use(jobxapi.NotFound)

	return &testAPI{app: app, client: client, mr: mr}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, token string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := a.app.Test(req, 10_000)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "healthy", body["store"])
	assert.EqualValues(t, 0, body["workers"])

	status, body = api.do(t, http.MethodGet, "/health?worker=missing", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthStoreDown(t *testing.T) {
	api := newTestAPI(t, nil)
	api.mr.Close()

	status, body := api.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unhealthy", body["store"])
}

func TestEnqueueJob(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"function": "add",
		"args":     []any{1, 2},
		"job_id":   "job-1",
	}, "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "default", body["queue"])
	assert.Equal(t, string(jobx.StatusQueued), body["status"])

	status, body = api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"function": "add",
		"job_id":   "job-1",
	}, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, jobxapi.ErrDuplicateJob.Code, body["code"])
}

func TestEnqueueDeferred(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"function": "add",
		"defer_by": "1h",
	}, "")
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(jobx.StatusDeferred), body["status"])
}

func TestEnqueueValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing function", map[string]any{"args": []any{1}}},
		{"bad defer", map[string]any{"function": "add", "defer_by": "soon"}},
		{"bad expires", map[string]any{"function": "add", "expires": "later"}},
		{"both defers", map[string]any{"function": "add", "defer_by": "1m", "defer_until": time.Now().Add(time.Hour)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, http.MethodPost, "/api/v1/jobs", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, body["code"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestGetJob(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	_, err := api.client.Enqueue(ctx, "add", jobx.Args(3, 4), jobx.JobID("abc"))
	require.NoError(t, err)

	status, body := api.do(t, http.MethodGet, "/api/v1/jobs/abc", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(jobx.StatusQueued), body["status"])
	info := body["info"].(map[string]any)
	assert.Equal(t, "add", info["function"])

	status, _ = api.do(t, http.MethodGet, "/api/v1/jobs/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = api.do(t, http.MethodGet, "/api/v1/jobs", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
}

func TestJobResult(t *testing.T) {
	api := newTestAPI(t, nil)
	ctx := context.Background()

	_, err := api.client.Enqueue(ctx, "add", jobx.Args(3, 4), jobx.JobID("sum"))
	require.NoError(t, err)

	status, body := api.do(t, http.MethodGet, "/api/v1/jobs/sum/result", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, jobxapi.ErrResultNotReady.Code, body["code"])

	add := jobx.NewFunction("add", jobx.Handle(func(_ context.Context, job *jobx.JobContext) (any, error) {
		var a, b int
		if err := job.ArgsInto(&a, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	w, err := jobx.NewWorker(api.client, []jobx.Function{add},
		jobx.WithPollInterval(10*time.Millisecond), jobx.WithBurst(0))
	require.NoError(t, err)
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	status, body = api.do(t, http.MethodGet, "/api/v1/jobs/sum/result?wait=1s", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 7, body["result"])

	status, body = api.do(t, http.MethodGet, "/api/v1/results", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
}

func TestAbortPending(t *testing.T) {
	api := newTestAPI(t, nil)

	_, err := api.client.Enqueue(context.Background(), "add", jobx.JobID("victim"))
	require.NoError(t, err)

	status, body := api.do(t, http.MethodPost, "/api/v1/jobs/victim/abort?wait=50ms", nil, "")
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, false, body["aborted"])
	assert.Equal(t, true, body["pending"])

	status, _ = api.do(t, http.MethodPost, "/api/v1/jobs/victim/abort?wait=forever", nil, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestWorkersAndFunctionsEmpty(t *testing.T) {
	api := newTestAPI(t, nil)

	status, body := api.do(t, http.MethodGet, "/api/v1/workers", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total"])

	status, body = api.do(t, http.MethodGet, "/api/v1/functions?queue=default", nil, "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["total"])
}

func TestArchiveRoutes(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		api := newTestAPI(t, nil)
		status, body := api.do(t, http.MethodGet, "/api/v1/archive", nil, "")
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, jobxapi.ErrArchiveDisabled.Code, body["code"])
	})

	t.Run("enabled", func(t *testing.T) {
		archive := &fakeArchive{results: []jobxpg.ArchivedResult{{JobID: "a1", Function: "add", Success: true}}}
		api := newTestAPI(t, nil, jobxapi.WithArchive(archive))

		status, body := api.do(t, http.MethodGet, "/api/v1/archive?function=add&success=false&page=1&page_size=5", nil, "")
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, body["items"], 1)
		assert.Equal(t, "add", archive.filter.Function)
		require.NotNil(t, archive.filter.Success)
		assert.False(t, *archive.filter.Success)

		status, body = api.do(t, http.MethodGet, "/api/v1/archive/a1", nil, "")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "a1", body["job_id"])

		status, _ = api.do(t, http.MethodGet, "/api/v1/archive/missing", nil, "")
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t, nil)
	status, body := api.do(t, http.MethodGet, "/nowhere", nil, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "ROUTE_NOT_FOUND", body["code"])
}

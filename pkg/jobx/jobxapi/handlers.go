// Package jobxapi exposes the job queue over HTTP.
package jobxapi

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/taskqueue/pkg/kernel"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultAbortWait = 5 * time.Second
	maxWait          = time.Minute
)

// Archive is the read side of the result archive.
type Archive interface {
	Get(ctx context.Context, jobID string) (*jobxpg.ArchivedResult, error)
	List(ctx context.Context, filter jobxpg.Filter, opts kernel.PaginationOptions) (kernel.Paginated[jobxpg.ArchivedResult], error)
}

type Handlers struct {
	client  *jobx.Client
	archive Archive
	version string
}

type HandlerOption func(*Handlers)

// WithArchive enables the /archive routes.
func WithArchive(a Archive) HandlerOption {
	return func(h *Handlers) { h.archive = a }
}

func WithVersion(v string) HandlerOption {
	return func(h *Handlers) { h.version = v }
}

func NewHandlers(client *jobx.Client, opts ...HandlerOption) *Handlers {
	h := &Handlers{client: client, version: "dev"}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes mounts the API. With a nil token service every route
// is open; otherwise reads need jobs:read and writes need jobs:write.
func (h *Handlers) RegisterRoutes(app fiber.Router, auth *TokenService) {
	app.Get("/health", h.health)

	api := app.Group("/api/v1")
	if auth != nil {
		api.Use(auth.Authenticate())
	}
	read := auth.RequireScope(ScopeRead)
	write := auth.RequireScope(ScopeWrite)

	api.Post("/jobs", write, h.enqueue)
	api.Get("/jobs", read, h.queuedJobs)
	api.Get("/jobs/:id", read, h.job)
	api.Get("/jobs/:id/result", read, h.result)
	api.Post("/jobs/:id/abort", write, h.abort)

	api.Get("/results", read, h.results)
	api.Get("/workers", read, h.workers)
	api.Get("/functions", read, h.functions)

	api.Get("/archive", read, h.archiveList)
	api.Get("/archive/:id", read, h.archiveGet)
}

// ============================================================================
// Health
// ============================================================================

// health reports the store, and one worker when ?worker= is given.
func (h *Handlers) health(c *fiber.Ctx) error {
	ctx := c.UserContext()
	body := fiber.Map{
		"status":  "healthy",
		"service": "taskqueue",
		"version": h.version,
	}

	workers, err := h.client.Workers(ctx)
	if err != nil {
		body["status"] = "degraded"
		body["store"] = "unhealthy"
		body["store_error"] = err.Error()
		return c.Status(fiber.StatusServiceUnavailable).JSON(body)
	}
	body["store"] = "healthy"
	body["workers"] = len(workers)

	if name := c.Query("worker"); name != "" {
		snap, err := h.client.CheckHealth(ctx, name)
		if err != nil {
			body["status"] = "degraded"
			body["worker_error"] = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(body)
		}
		body["worker"] = snap
	}
	return c.JSON(body)
}

// ============================================================================
// Jobs
// ============================================================================

type enqueueRequest struct {
	Function   string         `json:"function"`
	Args       []any          `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	JobID      string         `json:"job_id"`
	Queue      string         `json:"queue"`
	DeferBy    string         `json:"defer_by"`
	DeferUntil *time.Time     `json:"defer_until"`
	Expires    string         `json:"expires"`
	JobTry     int            `json:"job_try"`
}

func (r enqueueRequest) options() ([]jobx.EnqueueOption, error) {
	opts := []jobx.EnqueueOption{
		jobx.Args(r.Args...),
		jobx.Kwargs(r.Kwargs),
		jobx.JobID(r.JobID),
		jobx.OnQueue(r.Queue),
	}
	if r.DeferBy != "" {
		d, err := time.ParseDuration(r.DeferBy)
		if err != nil {
			return nil, invalid("defer_by", err)
		}
		opts = append(opts, jobx.DeferBy(d))
	}
	if r.DeferUntil != nil {
		opts = append(opts, jobx.DeferUntil(*r.DeferUntil))
	}
	if r.Expires != "" {
		d, err := time.ParseDuration(r.Expires)
		if err != nil {
			return nil, invalid("expires", err)
		}
		opts = append(opts, jobx.Expires(d))
	}
	if r.JobTry > 0 {
		opts = append(opts, jobx.JobTry(r.JobTry))
	}
	return opts, nil
}

type jobResponse struct {
	JobID  string          `json:"job_id"`
	Queue  string          `json:"queue"`
	Status jobx.JobStatus  `json:"status"`
	Info   *jobx.JobResult `json:"info,omitempty"`
}

func (h *Handlers) enqueue(c *fiber.Ctx) error {
	var req enqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return invalid("body", err)
	}
	opts, err := req.options()
	if err != nil {
		return err
	}

	job, err := h.client.Enqueue(c.UserContext(), req.Function, opts...)
	if err != nil {
		return err
	}
	if job == nil {
		return apiErrors.New(ErrDuplicateJob).WithDetail("job_id", req.JobID)
	}

	status, err := job.Status(c.UserContext())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(jobResponse{JobID: job.ID, Queue: job.Queue, Status: status})
}

func (h *Handlers) queuedJobs(c *fiber.Ctx) error {
	jobs, err := h.client.QueuedJobs(c.UserContext(), c.Query("queue"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": jobs, "total": len(jobs)})
}

func (h *Handlers) job(c *fiber.Ctx) error {
	job := h.client.Job(c.Params("id"), c.Query("queue"))

	status, err := job.Status(c.UserContext())
	if err != nil {
		return err
	}
	if status == jobx.StatusNotFound {
		return apiErrors.New(ErrResultNotReady).WithDetail("job_id", job.ID).WithDetail("status", status)
	}

	info, err := job.Info(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(jobResponse{JobID: job.ID, Queue: job.Queue, Status: status, Info: info})
}

// result returns the stored Result. ?wait=10s waits for it first.
func (h *Handlers) result(c *fiber.Ctx) error {
	job := h.client.Job(c.Params("id"), c.Query("queue"))

	wait, err := waitParam(c, 0)
	if err != nil {
		return err
	}
	if wait > 0 {
		_, err := job.Result(c.UserContext(), jobx.WaitTimeout(wait))
		if err != nil && !isJobFailure(err) && !errx.HasCode(err, jobx.ErrResultTimeout) {
			return err
		}
	}

	r, err := job.ResultInfo(c.UserContext())
	if err != nil {
		return err
	}
	if r == nil {
		return apiErrors.New(ErrResultNotReady).WithDetail("job_id", job.ID)
	}
	return c.JSON(r)
}

// abort requests the abort and waits up to ?wait= (default 5s) for it
// to take effect. 202 means the request is recorded but not yet applied.
func (h *Handlers) abort(c *fiber.Ctx) error {
	job := h.client.Job(c.Params("id"), c.Query("queue"))

	wait, err := waitParam(c, defaultAbortWait)
	if err != nil {
		return err
	}

	aborted, err := job.Abort(c.UserContext(), jobx.WaitTimeout(wait))
	switch {
	case errx.HasCode(err, jobx.ErrResultTimeout):
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "aborted": false, "pending": true})
	case err != nil:
		return err
	}
	return c.JSON(fiber.Map{"job_id": job.ID, "aborted": aborted, "pending": false})
}

// ============================================================================
// Listings
// ============================================================================

func (h *Handlers) results(c *fiber.Ctx) error {
	results, err := h.client.AllResults(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": results, "total": len(results)})
}

func (h *Handlers) workers(c *fiber.Ctx) error {
	workers, err := h.client.Workers(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": workers, "total": len(workers)})
}

func (h *Handlers) functions(c *fiber.Ctx) error {
	fns, err := h.client.Functions(c.UserContext(), c.Query("queue"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"items": fns, "total": len(fns)})
}

func (h *Handlers) archiveList(c *fiber.Ctx) error {
	if h.archive == nil {
		return apiErrors.New(ErrArchiveDisabled)
	}

	filter := jobxpg.Filter{Function: c.Query("function"), Queue: c.Query("queue")}
	if s := c.Query("success"); s != "" {
		v := c.QueryBool("success")
		filter.Success = &v
	}
	page, err := h.archive.List(c.UserContext(), filter, kernel.PaginationOptions{
		Page:     c.QueryInt("page", 1),
		PageSize: c.QueryInt("page_size", kernel.DefaultPageSize),
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *Handlers) archiveGet(c *fiber.Ctx) error {
	if h.archive == nil {
		return apiErrors.New(ErrArchiveDisabled)
	}
	r, err := h.archive.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(r)
}

// ============================================================================
// Helpers
// ============================================================================

func waitParam(c *fiber.Ctx, fallback time.Duration) (time.Duration, error) {
	raw := c.Query("wait")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, invalid("wait", err)
	}
	return min(d, maxWait), nil
}

func invalid(field string, cause error) error {
	e := apiErrors.New(ErrInvalidRequest).WithDetail("field", field)
	if cause != nil {
		e.WithDetail("reason", cause.Error())
	}
	return e
}

func isJobFailure(err error) bool {
	var je *jobx.JobError
	return errors.As(err, &je)
}

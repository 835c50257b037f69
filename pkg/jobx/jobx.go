package jobx

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueueEntry is a queued job id with its score and stored definition.
type QueueEntry struct {
	JobID      string
	Score      int64
	Payload    []byte
	InProgress bool
}

// JobState is everything Job.Status needs, read in one round trip.
type JobState struct {
	HasResult  bool
	InProgress bool
	Queued     bool
	Score      int64
}

// RunState is what a worker reads when it starts an attempt.
type RunState struct {
	// Payload is nil when the definition expired
	Payload []byte
	// Try is the attempt counter after increment
	Try int
	// Aborted is set when an abort was requested before the job started
	Aborted bool
}

// FinishRequest records the outcome of an attempt.
type FinishRequest struct {
	JobID string
	Queue string

	// Terminal removes the job; otherwise it is rescheduled by IncrScore.
	Terminal bool
	// Result is written when not nil, with ResultTTL (0 keeps it forever).
	Result    []byte
	ResultTTL time.Duration
	// KeepInProgress refreshes the claim marker instead of deleting it.
	KeepInProgress time.Duration
	IncrScore      int64
}

// JobEnqueuer writes new jobs.
type JobEnqueuer interface {
	// Enqueue stores payload and queues jobID at score unless a definition
	// or result already exists for it. false means nothing was written.
	Enqueue(ctx context.Context, queue, jobID string, payload []byte, score int64, expires time.Duration) (bool, error)
}

// JobStatusReader reads job state for handles and listings.
type JobStatusReader interface {
	JobState(ctx context.Context, queue, jobID string) (JobState, error)
	// JobPayload and ResultPayload return nil when the key is absent.
	JobPayload(ctx context.Context, jobID string) ([]byte, error)
	ResultPayload(ctx context.Context, jobID string) ([]byte, error)
	QueuedEntries(ctx context.Context, queue string) ([]QueueEntry, error)
	ResultPayloads(ctx context.Context) ([][]byte, error)
}

// JobAborter records abort requests.
type JobAborter interface {
	RequestAbort(ctx context.Context, jobID string, at time.Time) error
}

// JobProcessor provides the operations of the worker loop.
type JobProcessor interface {
	DueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)
	// Claim marks jobID as owned for ttl. ok is false when the job is
	// already claimed, no longer queued, or another worker won the race.
	Claim(ctx context.Context, queue, jobID string, ttl time.Duration) (score int64, ok bool, err error)
	StartRun(ctx context.Context, jobID string, checkAbort bool) (RunState, error)
	SetJobTry(ctx context.Context, jobID string, try int) error
	Finish(ctx context.Context, req FinishRequest) error
	// PendingAborts drops abort requests older than staleBefore and
	// returns the rest.
	PendingAborts(ctx context.Context, staleBefore time.Time) ([]string, error)
	ClearAborts(ctx context.Context, jobIDs ...string) error
	QueueDepth(ctx context.Context, queue string) (int64, error)
}

// WorkerRegistry publishes and reads worker soft state.
type WorkerRegistry interface {
	PublishWorker(ctx context.Context, worker string, payload []byte, ttl time.Duration) error
	PublishFunctions(ctx context.Context, queue string, payload []byte) error
	PublishHealth(ctx context.Context, worker string, payload []byte, ttl time.Duration) error
	ClearHealth(ctx context.Context, worker string) error
	HealthPayload(ctx context.Context, worker string) ([]byte, error)
	WorkerPayloads(ctx context.Context) ([][]byte, error)
	FunctionsPayload(ctx context.Context, queue string) ([]byte, error)
}

// Queue combines all backend operations.
type Queue interface {
	JobEnqueuer
	JobStatusReader
	JobAborter
	JobProcessor
	WorkerRegistry
}

// Client enqueues jobs and reads their state. Workers use it for cron
// jobs as well.
type Client struct {
	queue Queue
	opts  ClientOptions
}

// NewClient creates a new job queue client.
func NewClient(queue Queue, options ...ClientOption) *Client {
	opts := ClientOptions{DefaultQueue: DefaultQueueName, Codec: JSONCodec{}}
	for _, o := range options {
		o(&opts)
	}
	return &Client{queue: queue, opts: opts}
}

func (c *Client) DefaultQueue() string { return c.opts.DefaultQueue }

func (c *Client) Codec() Codec { return c.opts.Codec }

func timestampMs() int64 {
	return time.Now().UnixMilli()
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Enqueue submits function for execution. It returns (nil, nil) when a
// job with the same id is already queued, running, or has a result, and
// when a concurrent enqueue of that id won the race.
func (c *Client) Enqueue(ctx context.Context, function string, opts ...EnqueueOption) (*Job, error) {
	var o enqueueOptions
	for _, fn := range opts {
		fn(&o)
	}

	if function == "" {
		return nil, jobxErrors.NewWithMessage(ErrInvalidJob, "function name is required")
	}
	if !o.deferUntil.IsZero() && o.hasDefer {
		return nil, jobxErrors.NewWithMessage(ErrInvalidJob, "use either defer until or defer by, not both").
			WithDetail("function", function)
	}

	queue := o.queue
	if queue == "" {
		queue = c.opts.DefaultQueue
	}
	jobID := o.jobID
	if jobID == "" {
		jobID = newJobID()
	}

	now := timestampMs()
	score := now
	switch {
	case !o.deferUntil.IsZero():
		score = o.deferUntil.UnixMilli()
	case o.hasDefer:
		score = now + o.deferBy.Milliseconds()
	}

	expires := o.expires
	if expires <= 0 {
		expires = time.Duration(score-now)*time.Millisecond + expiresExtra
	}
	if expires <= 0 {
		return nil, jobxErrors.NewWithMessage(ErrInvalidJob, "job would expire before it is eligible").
			WithDetail("job_id", jobID)
	}

	def := JobDef{
		Function:      function,
		Args:          o.args,
		Kwargs:        o.kwargs,
		JobTry:        o.jobTry,
		EnqueueTimeMs: now,
		QueueName:     queue,
	}
	payload, err := encode(c.opts.Codec, def)
	if err != nil {
		return nil, err
	}

	created, err := c.queue.Enqueue(ctx, queue, jobID, payload, score, expires)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrEnqueueFailed, err).
			WithDetail("function", function).
			WithDetail("job_id", jobID)
	}
	if !created {
		return nil, nil
	}
	return c.Job(jobID, queue), nil
}

// Job returns a handle for an existing job id. An empty queue means the
// client's default queue.
func (c *Client) Job(jobID, queue string) *Job {
	if queue == "" {
		queue = c.opts.DefaultQueue
	}
	return &Job{ID: jobID, Queue: queue, client: c}
}

// QueuedJobs lists the jobs of queue in score order.
func (c *Client) QueuedJobs(ctx context.Context, queue string) ([]QueuedJob, error) {
	if queue == "" {
		queue = c.opts.DefaultQueue
	}
	entries, err := c.queue.QueuedEntries(ctx, queue)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err).WithDetail("queue", queue)
	}

	now := timestampMs()
	jobs := make([]QueuedJob, 0, len(entries))
	for _, e := range entries {
		qj := QueuedJob{Status: StatusQueued}
		if e.Payload != nil {
			if err := decode(c.opts.Codec, e.Payload, &qj.JobDef); err != nil {
				return nil, err
			}
		}
		qj.JobID = e.JobID
		qj.Score = e.Score
		switch {
		case e.InProgress:
			qj.Status = StatusInProgress
		case e.Score > now:
			qj.Status = StatusDeferred
		}
		jobs = append(jobs, qj)
	}
	return jobs, nil
}

// AllResults returns every stored result, oldest enqueue first.
func (c *Client) AllResults(ctx context.Context) ([]*JobResult, error) {
	payloads, err := c.queue.ResultPayloads(ctx)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err)
	}

	results := make([]*JobResult, 0, len(payloads))
	for _, p := range payloads {
		var r JobResult
		if err := decode(c.opts.Codec, p, &r); err != nil {
			return nil, err
		}
		results = append(results, &r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].EnqueueTimeMs < results[j].EnqueueTimeMs
	})
	return results, nil
}

// Workers lists registered workers with their latest health snapshot.
func (c *Client) Workers(ctx context.Context) ([]WorkerInfo, error) {
	payloads, err := c.queue.WorkerPayloads(ctx)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err)
	}

	workers := make([]WorkerInfo, 0, len(payloads))
	for _, p := range payloads {
		var w WorkerInfo
		if err := json.Unmarshal(p, &w); err != nil {
			return nil, jobxErrors.NewWithCause(ErrSerialization, err)
		}
		if h, err := c.health(ctx, w.WorkerName); err == nil {
			w.Health = h
		}
		workers = append(workers, w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerName < workers[j].WorkerName })
	return workers, nil
}

// Functions lists the functions registered for queue.
func (c *Client) Functions(ctx context.Context, queue string) ([]FunctionInfo, error) {
	if queue == "" {
		queue = c.opts.DefaultQueue
	}
	payload, err := c.queue.FunctionsPayload(ctx, queue)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err).WithDetail("queue", queue)
	}
	if payload == nil {
		return []FunctionInfo{}, nil
	}

	var fns []FunctionInfo
	if err := json.Unmarshal(payload, &fns); err != nil {
		return nil, jobxErrors.NewWithCause(ErrSerialization, err)
	}
	return fns, nil
}

// CheckHealth returns the last health snapshot of worker, or
// ErrHealthCheckFailed when none was published recently.
func (c *Client) CheckHealth(ctx context.Context, worker string) (*HealthSnapshot, error) {
	return c.health(ctx, worker)
}

func (c *Client) health(ctx context.Context, worker string) (*HealthSnapshot, error) {
	payload, err := c.queue.HealthPayload(ctx, worker)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err).WithDetail("worker", worker)
	}
	if payload == nil {
		return nil, jobxErrors.New(ErrHealthCheckFailed).WithDetail("worker", worker)
	}

	var h HealthSnapshot
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, jobxErrors.NewWithCause(ErrSerialization, err)
	}
	return &h, nil
}

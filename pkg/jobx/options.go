package jobx

import (
	"context"
	"fmt"
	"os"
	"time"
)

const (
	DefaultQueueName = "default"

	// expiresExtra is how long a definition outlives its score by default.
	expiresExtra = 24 * time.Hour
	// inProgressSlack is added to the longest timeout for the claim marker TTL.
	inProgressSlack = 10 * time.Second
	// keepCronProgress is how long a cron job's marker is kept after it ran.
	keepCronProgress = 60 * time.Second
	// abortMaxAge is how long an abort request stays in the abort set.
	abortMaxAge = 60 * time.Second
	// handlerGrace is how long a cancelled handler may keep running
	// before its job is settled without it.
	handlerGrace = 5 * time.Second
	// workerKeyTTL is the lifetime of a worker's registry entry; the
	// heartbeat refreshes it.
	workerKeyTTL = time.Minute
)

// ============================================================================
// Client options
// ============================================================================

type ClientOptions struct {
	DefaultQueue string
	Codec        Codec
}

type ClientOption func(*ClientOptions)

func WithDefaultQueue(name string) ClientOption {
	return func(o *ClientOptions) {
		if name != "" {
			o.DefaultQueue = name
		}
	}
}

// WithCodec sets the codec used for definitions and results. Producers
// and workers of a queue must agree on it.
func WithCodec(c Codec) ClientOption {
	return func(o *ClientOptions) {
		if c != nil {
			o.Codec = c
		}
	}
}

// ============================================================================
// Enqueue options
// ============================================================================

type enqueueOptions struct {
	args       []any
	kwargs     map[string]any
	jobID      string
	queue      string
	deferUntil time.Time
	deferBy    time.Duration
	hasDefer   bool
	expires    time.Duration
	jobTry     int
}

// EnqueueOption configures a single Client.Enqueue call.
type EnqueueOption func(*enqueueOptions)

func Args(args ...any) EnqueueOption {
	return func(o *enqueueOptions) { o.args = args }
}

func Kwargs(kwargs map[string]any) EnqueueOption {
	return func(o *enqueueOptions) { o.kwargs = kwargs }
}

// JobID sets the job id. Enqueueing an id that is queued, running or has
// a stored result is a no-op.
func JobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

func OnQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) { o.queue = name }
}

// DeferUntil makes the job eligible at t.
func DeferUntil(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.deferUntil = t }
}

// DeferBy makes the job eligible d from now. d may be negative.
func DeferBy(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.deferBy = d
		o.hasDefer = true
	}
}

// Expires sets how long the definition is kept before a worker must
// have started it.
func Expires(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.expires = d }
}

// JobTry seeds the attempt number, for jobs re-enqueued by hand.
func JobTry(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.jobTry = n }
}

// ============================================================================
// Poll options (Job.Result / Job.Abort)
// ============================================================================

type pollOptions struct {
	timeout time.Duration
	delay   time.Duration
}

type PollOption func(*pollOptions)

// WaitTimeout bounds the wait; zero waits until ctx is done.
func WaitTimeout(d time.Duration) PollOption {
	return func(o *pollOptions) { o.timeout = d }
}

// PollDelay sets how often the store is read while waiting.
func PollDelay(d time.Duration) PollOption {
	return func(o *pollOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

func newPollOptions(opts []PollOption) pollOptions {
	o := pollOptions{delay: 500 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ============================================================================
// Worker options
// ============================================================================

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	QueueName  string
	WorkerName string

	// Concurrency is the maximum number of jobs run at once
	Concurrency  int
	PollInterval time.Duration
	// QueueReadLimit caps the ids read per poll; 0 means max(Concurrency*5, 100)
	QueueReadLimit int

	JobTimeout        time.Duration
	KeepResult        time.Duration
	KeepResultForever bool
	MaxTries          int

	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration

	RetryJobs      bool
	AllowAbortJobs bool

	Burst bool
	// MaxBurstJobs stops a burst run after that many jobs; <= 0 is no limit
	MaxBurstJobs int

	CronJobs    []CronJob
	ResultHooks []ResultHook
	// HookTimeout bounds each result hook call
	HookTimeout time.Duration

	OnStartup  func(ctx context.Context) error
	OnShutdown func(ctx context.Context) error
}

// ResultHook is called after a job reached a terminal outcome and its
// Result was recorded.
type ResultHook func(ctx context.Context, result *JobResult) error

func defaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		WorkerName:          defaultWorkerName(),
		Concurrency:         10,
		PollInterval:        500 * time.Millisecond,
		JobTimeout:          300 * time.Second,
		KeepResult:          time.Hour,
		MaxTries:            5,
		HealthCheckInterval: 10 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		RetryJobs:           true,
		HookTimeout:         10 * time.Second,
	}
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (o WorkerOptions) readLimit() int {
	if o.QueueReadLimit > 0 {
		return o.QueueReadLimit
	}
	return max(o.Concurrency*5, 100)
}

// WorkerOption is a functional option for configuring a Worker.
type WorkerOption func(*WorkerOptions)

// WithQueueName sets the queue to poll; the default is the client's.
func WithQueueName(name string) WorkerOption {
	return func(o *WorkerOptions) { o.QueueName = name }
}

func WithWorkerName(name string) WorkerOption {
	return func(o *WorkerOptions) {
		if name != "" {
			o.WorkerName = name
		}
	}
}

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) WorkerOption {
	return func(o *WorkerOptions) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.PollInterval = d
		}
	}
}

func WithQueueReadLimit(n int) WorkerOption {
	return func(o *WorkerOptions) { o.QueueReadLimit = n }
}

// WithJobTimeout sets the default per-attempt timeout.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.JobTimeout = d
		}
	}
}

// WithKeepResult sets how long results are kept; 0 stores no result.
func WithKeepResult(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) { o.KeepResult = d }
}

func WithKeepResultForever(v bool) WorkerOption {
	return func(o *WorkerOptions) { o.KeepResultForever = v }
}

func WithMaxTries(n int) WorkerOption {
	return func(o *WorkerOptions) {
		if n > 0 {
			o.MaxTries = n
		}
	}
}

func WithHealthCheckInterval(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.HealthCheckInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Run waits for cancelled jobs to
// record their outcome.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithRetryJobs controls whether Retry outcomes and cancelled jobs are
// run again. When off they are recorded as failures.
func WithRetryJobs(v bool) WorkerOption {
	return func(o *WorkerOptions) { o.RetryJobs = v }
}

// WithAbortJobs enables abort handling.
func WithAbortJobs(v bool) WorkerOption {
	return func(o *WorkerOptions) { o.AllowAbortJobs = v }
}

// WithBurst makes Run return once the queue is drained, or after maxJobs
// jobs when maxJobs > 0.
func WithBurst(maxJobs int) WorkerOption {
	return func(o *WorkerOptions) {
		o.Burst = true
		o.MaxBurstJobs = maxJobs
	}
}

func WithCronJobs(jobs ...CronJob) WorkerOption {
	return func(o *WorkerOptions) { o.CronJobs = append(o.CronJobs, jobs...) }
}

func WithResultHook(hook ResultHook) WorkerOption {
	return func(o *WorkerOptions) {
		if hook != nil {
			o.ResultHooks = append(o.ResultHooks, hook)
		}
	}
}

// WithHookTimeout bounds each result hook call. Non-positive values are
// ignored.
func WithHookTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOptions) {
		if d > 0 {
			o.HookTimeout = d
		}
	}
}

func WithOnStartup(fn func(ctx context.Context) error) WorkerOption {
	return func(o *WorkerOptions) { o.OnStartup = fn }
}

func WithOnShutdown(fn func(ctx context.Context) error) WorkerOption {
	return func(o *WorkerOptions) { o.OnShutdown = fn }
}

package jobx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"golang.org/x/sync/semaphore"
)

type registeredFunction struct {
	Function
	settings
	cron     bool
	schedule string
}

// task is a claimed job running on this worker.
type task struct {
	cancel context.CancelCauseFunc
}

type tally uint8

const (
	tallyNone tally = iota
	tallyDone
	tallyFailed
	tallyRetried
)

// Worker polls one queue, claims due jobs, and runs them with bounded
// concurrency. A Worker's counters and task table belong to it alone.
type Worker struct {
	client    *Client
	queue     Queue
	codec     Codec
	opts      WorkerOptions
	functions map[string]*registeredFunction
	crons     []*cronEntry
	sem       *semaphore.Weighted
	markerTTL time.Duration

	mu          sync.Mutex
	running     bool
	tasks       map[string]*task
	jobsDone    int
	jobsFailed  int
	jobsRetried int
	fatalErr    error
	startedAt   time.Time
	wg          sync.WaitGroup

	jobsCtx    context.Context
	cancelJobs context.CancelCauseFunc

	lastHealth   time.Time
	lastSnapshot HealthSnapshot
}

// NewWorker registers functions and cron jobs and validates the options.
func NewWorker(client *Client, functions []Function, options ...WorkerOption) (*Worker, error) {
	opts := defaultWorkerOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.QueueName == "" {
		opts.QueueName = client.DefaultQueue()
	}
	if len(functions) == 0 && len(opts.CronJobs) == 0 {
		return nil, jobxErrors.NewWithMessage(ErrInvalidFunction, "at least one function or cron job is required")
	}

	w := &Worker{
		client:    client,
		queue:     client.queue,
		codec:     client.Codec(),
		opts:      opts,
		functions: make(map[string]*registeredFunction, len(functions)+len(opts.CronJobs)),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		tasks:     make(map[string]*task),
	}

	for _, fn := range functions {
		if err := w.register(fn, false, ""); err != nil {
			return nil, err
		}
	}
	for _, cj := range opts.CronJobs {
		entry, err := newCronEntry(cj)
		if err != nil {
			return nil, err
		}
		if err := w.register(entry.function(), true, cj.Schedule); err != nil {
			return nil, err
		}
		w.crons = append(w.crons, entry)
	}

	longest := opts.JobTimeout
	for _, fn := range w.functions {
		longest = max(longest, fn.timeout)
	}
	w.markerTTL = longest + inProgressSlack

	return w, nil
}

func (w *Worker) register(fn Function, cron bool, schedule string) error {
	if err := fn.validate(); err != nil {
		return err
	}
	if _, dup := w.functions[fn.Name]; dup {
		return jobxErrors.NewWithMessage(ErrInvalidFunction, "function registered twice").
			WithDetail("function", fn.Name)
	}
	w.functions[fn.Name] = &registeredFunction{
		Function: fn,
		settings: fn.resolve(w.opts),
		cron:     cron,
		schedule: schedule,
	}
	return nil
}

func (w *Worker) Name() string { return w.opts.WorkerName }

func (w *Worker) QueueName() string { return w.opts.QueueName }

// Snapshot returns the worker's current counters.
func (w *Worker) Snapshot() HealthSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return HealthSnapshot{
		Time:        time.Now(),
		JobsDone:    w.jobsDone,
		JobsFailed:  w.jobsFailed,
		JobsRetried: w.jobsRetried,
		JobsOngoing: len(w.tasks),
	}
}

// Run polls until ctx is cancelled, or until the queue drains in burst
// mode. Cancelling ctx cancels running jobs and waits for them to record
// their outcome. The only error a job can cause here is a failure to
// record its outcome; job failures themselves are stored as Results.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return jobxErrors.New(ErrAlreadyRunning)
	}
	w.running = true
	w.startedAt = time.Now()
	w.jobsCtx, w.cancelJobs = context.WithCancelCause(context.WithoutCancel(ctx))
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.startup(ctx); err != nil {
		w.cancelJobs(ErrCancelled)
		return err
	}

	var runErr error
	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	for {
		if runErr = w.poll(ctx); runErr != nil {
			break
		}
		if w.opts.Burst {
			done, err := w.burstFinished(ctx)
			if err != nil || done {
				runErr = err
				break
			}
		}

		timer.Reset(w.opts.PollInterval)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	return w.shutdown(ctx, runErr)
}

func (w *Worker) startup(ctx context.Context) error {
	names := make([]string, 0, len(w.functions))
	for name := range w.functions {
		names = append(names, name)
	}
	sort.Strings(names)

	logx.WithFields(logx.Fields{
		"worker": w.opts.WorkerName,
		"queue":  w.opts.QueueName,
		"codec":  w.codec.Name(),
	}).Infof("Starting worker for %d functions: %s", len(names), strings.Join(names, ", "))

	if err := w.publishFunctions(ctx); err != nil {
		logx.WithError(err).Warn("jobx: failed to publish functions")
	}
	if err := w.publishWorker(ctx, true); err != nil {
		logx.WithError(err).Warn("jobx: failed to publish worker")
	}

	if w.opts.OnStartup != nil {
		if err := w.opts.OnStartup(ctx); err != nil {
			return fmt.Errorf("jobx: on startup: %w", err)
		}
	}
	return nil
}

// poll runs one tick of the loop.
func (w *Worker) poll(ctx context.Context) error {
	if err := w.fatal(); err != nil {
		return err
	}

	count := w.opts.readLimit()
	if w.opts.Burst && w.opts.MaxBurstJobs > 0 {
		count = min(count, w.opts.MaxBurstJobs-w.jobsStarted())
	}

	// A saturated worker skips dispatch for this tick but still scans
	// aborts and beats.
	count = min(count, w.opts.Concurrency-w.ongoing())
	if count > 0 {
		ids, err := w.queue.DueJobs(ctx, w.opts.QueueName, time.Now(), count)
		switch {
		case err != nil && ctx.Err() == nil:
			logx.WithError(err).Warnf("jobx: failed to read queue %s", w.opts.QueueName)
		case err == nil:
			w.startJobs(ctx, ids)
		}
	}

	if w.opts.AllowAbortJobs {
		w.cancelAborted(ctx)
	}

	if err := w.fatal(); err != nil {
		return err
	}

	w.heartbeat(ctx)
	return nil
}

func (w *Worker) startJobs(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil || !w.sem.TryAcquire(1) {
			return
		}

		score, ok, err := w.queue.Claim(ctx, w.opts.QueueName, id, w.markerTTL)
		if err != nil || !ok {
			w.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				logx.WithError(err).WithField("job_id", id).Warn("jobx: claim failed")
			}
			continue
		}
		w.spawn(id, score)
	}
}

func (w *Worker) spawn(id string, score int64) {
	taskCtx, cancel := context.WithCancelCause(w.jobsCtx)

	w.mu.Lock()
	w.tasks[id] = &task{cancel: cancel}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		defer cancel(nil)

		t, err := w.runJobSafely(taskCtx, id, score)

		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.tasks, id)
		switch t {
		case tallyDone:
			w.jobsDone++
		case tallyFailed:
			w.jobsFailed++
		case tallyRetried:
			w.jobsRetried++
		}
		if err != nil && w.fatalErr == nil {
			w.fatalErr = err
		}
	}()
}

// cancelAborted cancels the running jobs that have an abort request.
func (w *Worker) cancelAborted(ctx context.Context) {
	ids, err := w.queue.PendingAborts(ctx, time.Now().Add(-abortMaxAge))
	if err != nil {
		if ctx.Err() == nil {
			logx.WithError(err).Warn("jobx: failed to read abort requests")
		}
		return
	}

	var aborted []string
	w.mu.Lock()
	for _, id := range ids {
		if t, ok := w.tasks[id]; ok {
			t.cancel(ErrAborted)
			aborted = append(aborted, id)
		}
	}
	w.mu.Unlock()

	if len(aborted) == 0 {
		return
	}
	if err := w.queue.ClearAborts(ctx, aborted...); err != nil && ctx.Err() == nil {
		logx.WithError(err).Warn("jobx: failed to clear abort requests")
	}
}

func (w *Worker) burstFinished(ctx context.Context) (bool, error) {
	if w.opts.MaxBurstJobs > 0 && w.jobsStarted() >= w.opts.MaxBurstJobs {
		w.wg.Wait()
		return true, w.fatal()
	}

	queued, err := w.queue.QueueDepth(ctx, w.opts.QueueName)
	if err != nil {
		if ctx.Err() == nil {
			logx.WithError(err).Warn("jobx: failed to read queue depth")
		}
		return false, nil
	}
	if queued == 0 {
		w.wg.Wait()
		return true, w.fatal()
	}
	return false, nil
}

func (w *Worker) shutdown(ctx context.Context, runErr error) error {
	s := w.Snapshot()
	if s.JobsOngoing > 0 {
		logx.Infof("jobx: cancelling %d running jobs", s.JobsOngoing)
	}
	w.cancelJobs(ErrCancelled)

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	timedOut := false
	select {
	case <-drained:
	case <-time.After(w.opts.ShutdownTimeout):
		timedOut = true
		logx.Warn("jobx: shutdown timed out, some jobs may not have recorded their outcome")
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.publishWorker(bctx, false); err != nil {
		logx.WithError(err).Warn("jobx: failed to update worker registry")
	}
	if err := w.queue.ClearHealth(bctx, w.opts.WorkerName); err != nil {
		logx.WithError(err).Warn("jobx: failed to clear health check")
	}
	if w.opts.OnShutdown != nil {
		if err := w.opts.OnShutdown(bctx); err != nil {
			logx.WithError(err).Warn("jobx: on shutdown hook failed")
		}
	}

	s = w.Snapshot()
	logx.Infof("shutdown on %s ◆ %d jobs complete ◆ %d failed ◆ %d retries ◆ %d ongoing to cancel",
		w.opts.WorkerName, s.JobsDone, s.JobsFailed, s.JobsRetried, s.JobsOngoing)

	if runErr == nil {
		runErr = w.fatal()
	}
	if runErr == nil && timedOut {
		runErr = jobxErrors.New(ErrShutdownTimeout).WithDetail("worker", w.opts.WorkerName)
	}
	return runErr
}

func (w *Worker) fatal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

func (w *Worker) ongoing() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}

func (w *Worker) jobsStarted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.jobsDone + w.jobsFailed + w.jobsRetried + len(w.tasks)
}

func (w *Worker) publishFunctions(ctx context.Context) error {
	infos := make([]FunctionInfo, 0, len(w.functions))
	for _, fn := range w.functions {
		infos = append(infos, FunctionInfo{
			Name:              fn.Name,
			Cron:              fn.cron,
			Schedule:          fn.schedule,
			Timeout:           fn.timeout,
			MaxTries:          fn.maxTries,
			KeepResult:        fn.keepResult,
			KeepResultForever: fn.keepResultForever,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	payload, err := json.Marshal(infos)
	if err != nil {
		return jobxErrors.NewWithCause(ErrSerialization, err)
	}
	return w.queue.PublishFunctions(ctx, w.opts.QueueName, payload)
}

func (w *Worker) publishWorker(ctx context.Context, active bool) error {
	names := make([]string, 0, len(w.functions))
	for name := range w.functions {
		names = append(names, name)
	}
	sort.Strings(names)

	payload, err := json.Marshal(WorkerInfo{
		WorkerName: w.opts.WorkerName,
		QueueName:  w.opts.QueueName,
		Functions:  names,
		StartedAt:  w.startedAt,
		Active:     active,
	})
	if err != nil {
		return jobxErrors.NewWithCause(ErrSerialization, err)
	}
	return w.queue.PublishWorker(ctx, w.opts.WorkerName, payload, workerKeyTTL)
}

package jobx

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
)

const maxReprLength = 80

// runJobSafely turns a panic in the bookkeeping around a job into a
// worker-fatal error. Panics inside handlers never reach here.
func (w *Worker) runJobSafely(ctx context.Context, id string, score int64) (t tally, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = tallyNone
			err = jobxErrors.NewWithCause(ErrBookkeeping, fmt.Errorf("panic: %v\n%s", r, debug.Stack())).
				WithDetail("job_id", id)
		}
	}()
	return w.runJob(ctx, id, score)
}

// attempt is one run of a job from claim to recorded outcome.
type attempt struct {
	id    string
	score int64
	start time.Time
	def   *JobDef
	fn    *registeredFunction
	try   int
	log   *logx.Entry
}

func (a *attempt) ref() string {
	if a.def == nil {
		return a.id
	}
	return a.id + ":" + a.def.Function
}

// since is the time between the job's score and now, the way job lines
// are logged.
func (a *attempt) since(now time.Time) float64 {
	return float64(now.UnixMilli()-a.score) / 1000
}

func (w *Worker) runJob(ctx context.Context, id string, score int64) (tally, error) {
	// Bookkeeping must complete even when the job itself is cancelled.
	bctx := context.WithoutCancel(ctx)

	a := &attempt{
		id:    id,
		score: score,
		start: time.Now(),
		log: logx.WithFields(logx.Fields{
			"job_id": id,
			"queue":  w.opts.QueueName,
		}),
	}

	state, err := w.queue.StartRun(bctx, id, w.opts.AllowAbortJobs)
	if err != nil {
		return tallyNone, jobxErrors.NewWithCause(ErrBookkeeping, err).WithDetail("job_id", id)
	}
	a.try = state.Try

	if state.Payload == nil {
		a.log.Warnf("job %s expired", id)
		return w.finishFailed(bctx, a, newJobError(FailureExpired, "job expired"))
	}

	a.def = &JobDef{}
	if err := decode(w.codec, state.Payload, a.def); err != nil {
		a.def = nil
		a.log.WithError(err).Errorf("job %s failed to deserialize", id)
		return w.finishFailed(bctx, a, &JobError{Type: FailureSerialization, Message: err.Error()})
	}
	a.def.JobID = id
	a.def.Score = score
	a.log = a.log.WithField("function", a.def.Function)

	if state.Aborted {
		a.log.Infof("%6.2fs ⊘ %s aborted before start", a.since(time.Now()), a.ref())
		return w.finishFailed(bctx, a, newJobError(FailureAborted, "job aborted before start"))
	}

	fn, ok := w.functions[a.def.Function]
	if !ok {
		a.log.Warnf("job %s, function '%s' not found", id, a.def.Function)
		return w.finishFailed(bctx, a, newJobError(FailureFunctionNotFound, "function '%s' not found", a.def.Function))
	}
	a.fn = fn

	if a.def.JobTry > a.try {
		a.try = a.def.JobTry
		if err := w.queue.SetJobTry(bctx, id, a.try); err != nil {
			return tallyNone, jobxErrors.NewWithCause(ErrBookkeeping, err).WithDetail("job_id", id)
		}
	}

	if a.try > fn.maxTries {
		a.log.Warnf("%6.2fs ! %s max retries %d exceeded", a.since(time.Now()), a.ref(), fn.maxTries)
		return w.finishFailed(bctx, a, newJobError(FailureMaxRetries, "max %d retries exceeded", fn.maxTries))
	}

	trySuffix := ""
	if a.try > 1 {
		trySuffix = fmt.Sprintf(" try=%d", a.try)
	}
	a.log.Infof("%6.2fs → %s(%s)%s", a.since(a.start), a.ref(), argsRepr(a.def), trySuffix)

	jc := &JobContext{
		JobID:       id,
		Function:    a.def.Function,
		JobTry:      a.try,
		EnqueueTime: a.def.EnqueueTime(),
		Score:       score,
		QueueName:   w.opts.QueueName,
		WorkerName:  w.opts.WorkerName,
		Args:        a.def.Args,
		Kwargs:      a.def.Kwargs,
		codec:       w.codec,
	}

	runCtx, cancel := context.WithTimeoutCause(ctx, fn.timeout, ErrTimedOut)
	outcome, cause := invoke(runCtx, fn.Handler, jc, handlerGrace)
	cancel()

	return w.settle(bctx, a, outcome, cause)
}

// invoke runs the handler in its own goroutine. Once ctx is done it
// waits up to grace for the handler to return, so the job keeps its slot
// and marker while the handler winds down. Whatever the handler returns
// after ctx is done is dropped and the cause of ctx is reported instead.
func invoke(ctx context.Context, h HandlerFunc, jc *JobContext, grace time.Duration) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{}, context.Cause(ctx)
	}

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			}
		}()
		done <- h(ctx, jc)
	}()

	select {
	case out := <-done:
		if out.kind == 0 {
			out = Success(nil)
		}
		if ctx.Err() != nil {
			return Outcome{}, context.Cause(ctx)
		}
		return out, nil
	case <-ctx.Done():
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			logx.WithField("job_id", jc.JobID).Warnf("jobx: handler of %s ignored cancellation for %s", jc.Function, grace)
		}
		return Outcome{}, context.Cause(ctx)
	}
}

// settle classifies the outcome of an attempt and records it.
func (w *Worker) settle(ctx context.Context, a *attempt, out Outcome, cause error) (tally, error) {
	now := time.Now()
	elapsed := a.since(now)

	if cause != nil {
		switch {
		case errors.Is(cause, ErrAborted):
			a.log.Infof("%6.2fs ⊘ %s aborted", elapsed, a.ref())
			return w.finishTerminal(ctx, a, now, nil, newJobError(FailureAborted, "job aborted"))
		case w.opts.RetryJobs:
			a.log.Infof("%6.2fs ↻ %s cancelled (%v), will be run again", elapsed, a.ref(), cause)
			return w.reschedule(ctx, a, 0)
		default:
			je := toJobError(cause)
			if je.Type == FailureTimeout {
				je = newJobError(FailureTimeout, "job timed out after %s", a.fn.timeout)
			}
			a.log.Warnf("%6.2fs ! %s failed, %s", elapsed, a.ref(), je.Message)
			return w.finishTerminal(ctx, a, now, nil, je)
		}
	}

	switch out.kind {
	case outcomeRetry:
		if !w.opts.RetryJobs {
			je := newJobError(FailureRetryDisabled, "retry requested (defer %s) but retries are disabled", out.delay)
			a.log.Warnf("%6.2fs ! %s failed, %s", elapsed, a.ref(), je.Message)
			return w.finishTerminal(ctx, a, now, nil, je)
		}
		a.log.Infof("%6.2fs ↻ %s retrying job in %.2fs", elapsed, a.ref(), out.delay.Seconds())
		return w.reschedule(ctx, a, out.delay.Milliseconds()+(now.UnixMilli()-a.score))

	case outcomeFailure:
		je := toJobError(out.err)
		a.log.WithError(out.err).Warnf("%6.2fs ! %s failed, %s", elapsed, a.ref(), je.Message)
		return w.finishTerminal(ctx, a, now, nil, je)

	default:
		a.log.Infof("%6.2fs ← %s ● %s", elapsed, a.ref(), truncate(fmt.Sprintf("%v", out.value)))
		return w.finishTerminal(ctx, a, now, out.value, nil)
	}
}

// finishFailed records a failure found before the handler ran.
func (w *Worker) finishFailed(ctx context.Context, a *attempt, je *JobError) (tally, error) {
	return w.finishTerminal(ctx, a, time.Now(), nil, je)
}

func (w *Worker) finishTerminal(ctx context.Context, a *attempt, finished time.Time, value any, je *JobError) (tally, error) {
	keep, forever := w.opts.KeepResult, w.opts.KeepResultForever
	if a.fn != nil {
		keep, forever = a.fn.keepResult, a.fn.keepResultForever
	}

	r := &JobResult{
		Success:    je == nil,
		Result:     value,
		Error:      je,
		StartMs:    a.start.UnixMilli(),
		FinishMs:   finished.UnixMilli(),
		WorkerName: w.opts.WorkerName,
	}
	if a.def != nil {
		r.JobDef = *a.def
	}
	r.JobID = a.id
	r.JobTry = a.try
	r.Score = 0

	req := FinishRequest{JobID: a.id, Queue: w.opts.QueueName, Terminal: true}
	if a.fn != nil && a.fn.cron {
		req.KeepInProgress = keepCronProgress
	}

	if forever || keep > 0 {
		payload, err := w.encodeResult(r)
		if err != nil {
			return tallyNone, err
		}
		req.Result = payload
		if !forever {
			req.ResultTTL = keep
		}
	}

	if err := w.queue.Finish(ctx, req); err != nil {
		return tallyNone, jobxErrors.NewWithCause(ErrBookkeeping, err).WithDetail("job_id", a.id)
	}

	w.runHooks(ctx, r)

	if r.Success {
		return tallyDone, nil
	}
	return tallyFailed, nil
}

// encodeResult encodes r, falling back to a serialization failure when
// the handler's value cannot be encoded.
func (w *Worker) encodeResult(r *JobResult) ([]byte, error) {
	payload, err := encode(w.codec, r)
	if err == nil {
		return payload, nil
	}

	logx.WithError(err).WithField("job_id", r.JobID).Errorf("error serializing result of %s", r.JobID)
	r.Success = false
	r.Result = nil
	r.Error = &JobError{Type: FailureSerialization, Message: "error serializing result", Detail: err.Error()}

	payload, err = encode(w.codec, r)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrBookkeeping, err).WithDetail("job_id", r.JobID)
	}
	return payload, nil
}

func (w *Worker) reschedule(ctx context.Context, a *attempt, incr int64) (tally, error) {
	req := FinishRequest{JobID: a.id, Queue: w.opts.QueueName, IncrScore: incr}
	if a.fn != nil && a.fn.cron {
		req.KeepInProgress = keepCronProgress
	}
	if err := w.queue.Finish(ctx, req); err != nil {
		return tallyNone, jobxErrors.NewWithCause(ErrBookkeeping, err).WithDetail("job_id", a.id)
	}
	return tallyRetried, nil
}

func (w *Worker) runHooks(ctx context.Context, r *JobResult) {
	for _, hook := range w.opts.ResultHooks {
		hctx, cancel := context.WithTimeout(ctx, w.opts.HookTimeout)
		err := hook(hctx, r)
		cancel()
		if err != nil {
			logx.WithError(err).WithField("job_id", r.JobID).Warn("jobx: result hook failed")
		}
	}
}

func argsRepr(def *JobDef) string {
	parts := make([]string, 0, len(def.Args)+len(def.Kwargs))
	for _, a := range def.Args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}

	keys := make([]string, 0, len(def.Kwargs))
	for k := range def.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, def.Kwargs[k]))
	}
	return truncate(strings.Join(parts, ", "))
}

func truncate(s string) string {
	if len(s) <= maxReprLength {
		return s
	}
	return s[:maxReprLength-1] + "…"
}

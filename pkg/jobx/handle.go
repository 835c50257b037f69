package jobx

import (
	"context"
	"errors"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/asyncx"
)

// Job is a handle on a submitted job. It only reads the store, so any
// number of handles may exist for the same id.
type Job struct {
	ID    string
	Queue string

	client *Client
}

func (j *Job) String() string {
	return "<job " + j.ID + " on " + j.Queue + ">"
}

// Status reports where the job currently is.
func (j *Job) Status(ctx context.Context) (JobStatus, error) {
	st, err := j.client.queue.JobState(ctx, j.Queue, j.ID)
	if err != nil {
		return "", jobxErrors.NewWithCause(ErrStore, err).WithDetail("job_id", j.ID)
	}

	switch {
	case st.HasResult:
		return StatusComplete, nil
	case st.InProgress:
		return StatusInProgress, nil
	case st.Queued && st.Score > timestampMs():
		return StatusDeferred, nil
	case st.Queued:
		return StatusQueued, nil
	default:
		return StatusNotFound, nil
	}
}

// Info returns the Result when the job finished, else the definition
// (Finished() false), else nil.
func (j *Job) Info(ctx context.Context) (*JobResult, error) {
	if r, err := j.ResultInfo(ctx); err != nil || r != nil {
		return r, err
	}

	payload, err := j.client.queue.JobPayload(ctx, j.ID)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err).WithDetail("job_id", j.ID)
	}
	if payload == nil {
		return nil, nil
	}

	info := &JobResult{}
	if err := decode(j.client.opts.Codec, payload, &info.JobDef); err != nil {
		return nil, err
	}
	info.JobID = j.ID

	st, err := j.client.queue.JobState(ctx, j.Queue, j.ID)
	if err == nil && st.Queued {
		info.Score = st.Score
	}
	return info, nil
}

// ResultInfo returns the stored Result, or nil if there is none yet.
func (j *Job) ResultInfo(ctx context.Context) (*JobResult, error) {
	payload, err := j.client.queue.ResultPayload(ctx, j.ID)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrStore, err).WithDetail("job_id", j.ID)
	}
	if payload == nil {
		return nil, nil
	}

	r := &JobResult{}
	if err := decode(j.client.opts.Codec, payload, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Result waits for the job to finish and returns its value. A failed
// job returns its *JobError.
func (j *Job) Result(ctx context.Context, opts ...PollOption) (any, error) {
	r, err := j.wait(ctx, newPollOptions(opts))
	if err != nil {
		return nil, err
	}
	return resultValue(r)
}

// ResultAsync runs Result in the background.
func (j *Job) ResultAsync(ctx context.Context, opts ...PollOption) *asyncx.Future[any] {
	return asyncx.Run(func() (any, error) {
		return j.Result(ctx, opts...)
	})
}

// ResultAs waits for the job and decodes its value into T.
func ResultAs[T any](ctx context.Context, j *Job, opts ...PollOption) (T, error) {
	var out T
	v, err := j.Result(ctx, opts...)
	if err != nil {
		return out, err
	}
	if err := convert(j.client.opts.Codec, v, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Abort asks the worker running the job to cancel it, then waits for the
// outcome. It reports true when the job ended aborted. A job that is not
// running yet is aborted when a worker picks it up.
func (j *Job) Abort(ctx context.Context, opts ...PollOption) (bool, error) {
	if err := j.client.queue.RequestAbort(ctx, j.ID, time.Now()); err != nil {
		return false, jobxErrors.NewWithCause(ErrStore, err).WithDetail("job_id", j.ID)
	}

	_, err := j.Result(ctx, opts...)
	switch {
	case errors.Is(err, ErrAborted):
		return true, nil
	case err == nil:
		return false, nil
	case errors.As(err, new(*JobError)):
		return false, nil
	default:
		return false, err
	}
}

func (j *Job) wait(ctx context.Context, o pollOptions) (*JobResult, error) {
	var deadline <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(o.delay)
	defer ticker.Stop()

	for {
		r, err := j.ResultInfo(ctx)
		if err != nil {
			return nil, err
		}
		if r != nil {
			return r, nil
		}

		select {
		case <-ctx.Done():
			return nil, jobxErrors.NewWithCause(ErrResultTimeout, ctx.Err()).WithDetail("job_id", j.ID)
		case <-deadline:
			return nil, jobxErrors.New(ErrResultTimeout).
				WithDetail("job_id", j.ID).
				WithDetail("timeout", o.timeout.String())
		case <-ticker.C:
		}
	}
}

func resultValue(r *JobResult) (any, error) {
	if r.Success {
		return r.Result, nil
	}
	if r.Error != nil {
		return nil, r.Error
	}
	return nil, jobxErrors.NewWithMessage(ErrSerialization, "job failed without a readable error").
		WithDetail("job_id", r.JobID)
}

package jobx

import (
	"context"
	"fmt"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/asyncx"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/Abraxas-365/taskqueue/pkg/ptrx"
	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts five or six fields (seconds first) and descriptors
// such as @hourly or @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour |
		cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, jobxErrors.NewWithCause(ErrInvalidFunction, err).WithDetail("schedule", expr)
	}
	return s, nil
}

// CronJob is a function the worker enqueues on a schedule. Unless set,
// cron jobs run once per tick (MaxTries 1) and keep no result.
type CronJob struct {
	Function

	Schedule     string
	RunAtStartup bool
	// Unique derives the job id from the name and tick so that workers
	// racing on the same tick enqueue it once. Nil means true.
	Unique *bool
	Kwargs map[string]any
}

// NewCronJob creates a unique cron job.
func NewCronJob(name, schedule string, handler HandlerFunc) CronJob {
	return CronJob{
		Function: Function{Name: name, Handler: handler},
		Schedule: schedule,
	}
}

func (c CronJob) AtStartup() CronJob {
	c.RunAtStartup = true
	return c
}

func (c CronJob) NotUnique() CronJob {
	c.Unique = ptrx.Bool(false)
	return c
}

func (c CronJob) WithKwargs(kwargs map[string]any) CronJob {
	c.Kwargs = kwargs
	return c
}

type cronEntry struct {
	job      CronJob
	schedule cronlib.Schedule
	nextRun  time.Time
}

func newCronEntry(job CronJob) (*cronEntry, error) {
	schedule, err := ParseSchedule(job.Schedule)
	if err != nil {
		return nil, err
	}
	return &cronEntry{job: job, schedule: schedule}, nil
}

// function is the job's Function with cron defaults applied.
func (e *cronEntry) function() Function {
	fn := e.job.Function
	if fn.MaxTries == nil {
		fn.MaxTries = ptrx.Int(1)
	}
	if fn.KeepResult == nil {
		fn.KeepResult = ptrx.Duration(0)
	}
	return fn
}

func (e *cronEntry) jobID(at time.Time) string {
	if !ptrx.ValueOr(e.job.Unique, true) {
		return ""
	}
	return fmt.Sprintf("%s:%d", e.job.Name, at.UnixMilli())
}

type cronRun struct {
	entry *cronEntry
	at    time.Time
}

// dueCronRuns advances every schedule past the lookahead window and
// returns the runs that fell inside it. A schedule seen for the first
// time only starts counting from now, unless it runs at startup.
func (w *Worker) dueCronRuns(now time.Time) []cronRun {
	cutoff := now.Add(2 * max(w.opts.PollInterval, 500*time.Millisecond))

	var due []cronRun
	for _, e := range w.crons {
		if e.nextRun.IsZero() {
			if !e.job.RunAtStartup {
				e.nextRun = e.schedule.Next(now)
				continue
			}
			e.nextRun = now
		}
		if !e.nextRun.After(cutoff) {
			due = append(due, cronRun{entry: e, at: e.nextRun})
			e.nextRun = e.schedule.Next(e.nextRun)
		}
	}
	return due
}

func (w *Worker) runCron(ctx context.Context, now time.Time) {
	due := w.dueCronRuns(now)
	if len(due) == 0 {
		return
	}

	err := asyncx.ForEach(ctx, due, func(ctx context.Context, r cronRun) error {
		opts := []EnqueueOption{
			OnQueue(w.opts.QueueName),
			DeferUntil(r.at),
			Kwargs(r.entry.job.Kwargs),
		}
		if id := r.entry.jobID(r.at); id != "" {
			opts = append(opts, JobID(id))
		}
		_, err := w.client.Enqueue(ctx, r.entry.job.Name, opts...)
		return err
	})
	if err != nil && ctx.Err() == nil {
		logx.WithError(err).Warn("jobx: failed to enqueue cron jobs")
	}
}

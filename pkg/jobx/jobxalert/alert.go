// Package jobxalert e-mails terminal job failures through notifx.
package jobxalert

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/Abraxas-365/taskqueue/pkg/notifx"
	"golang.org/x/time/rate"
)

const templateName = "jobx.failure"

const failureTemplate = `Job {{.JobID}} ({{.Function}}) failed on {{.Worker}}.

Queue:    {{.Queue}}
Attempt:  {{.Try}}
Failure:  {{.Type}}
Message:  {{.Message}}
Enqueued: {{.Enqueued}}
Finished: {{.Finished}}
{{- if .Detail}}

{{.Detail}}
{{- end}}
`

type alertData struct {
	JobID    string
	Function string
	Worker   string
	Queue    string
	Try      int
	Type     string
	Message  string
	Detail   string
	Enqueued string
	Finished string
}

// Alerter sends one e-mail per failed job, up to a rate limit.
type Alerter struct {
	client  *notifx.Client
	to      []string
	prefix  string
	ignore  map[string]bool
	limiter *rate.Limiter
	dropped atomic.Int64
}

type Option func(*Alerter)

// WithRateLimit allows perMinute alerts a minute, with bursts of the same
// size. Zero or less disables the limit.
func WithRateLimit(perMinute int) Option {
	return func(a *Alerter) {
		if perMinute <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

func WithSubjectPrefix(prefix string) Option {
	return func(a *Alerter) { a.prefix = prefix }
}

// WithIgnoredFailures replaces the failure types that never alert.
// Aborted jobs are ignored by default.
func WithIgnoredFailures(types ...string) Option {
	return func(a *Alerter) {
		a.ignore = make(map[string]bool, len(types))
		for _, t := range types {
			a.ignore[t] = true
		}
	}
}

func New(client *notifx.Client, to []string, opts ...Option) (*Alerter, error) {
	a := &Alerter{
		client: client,
		to:     to,
		prefix: "[jobx]",
		ignore: map[string]bool{jobx.FailureAborted: true},
	}
	WithRateLimit(10)(a)
	for _, o := range opts {
		o(a)
	}

	if err := client.RegisterTextTemplate(templateName, failureTemplate); err != nil {
		return nil, err
	}
	return a, nil
}

// Hook returns the alerter as a worker result hook.
func (a *Alerter) Hook() jobx.ResultHook {
	return a.Notify
}

// Dropped is the number of alerts skipped by the rate limit.
func (a *Alerter) Dropped() int64 {
	return a.dropped.Load()
}

// Notify sends an alert for r when it is a failure worth reporting.
func (a *Alerter) Notify(ctx context.Context, r *jobx.JobResult) error {
	if r == nil || r.Success || len(a.to) == 0 {
		return nil
	}

	failure := jobx.FailureError
	data := alertData{
		JobID:    r.JobID,
		Function: r.Function,
		Worker:   r.WorkerName,
		Queue:    r.QueueName,
		Try:      r.JobTry,
		Enqueued: formatMs(r.EnqueueTimeMs),
		Finished: formatMs(r.FinishMs),
	}
	if r.Error != nil {
		failure = r.Error.Type
		data.Message = r.Error.Message
		data.Detail = r.Error.Detail
	}
	data.Type = failure

	if a.ignore[failure] {
		return nil
	}
	if a.limiter != nil && !a.limiter.Allow() {
		n := a.dropped.Add(1)
		logx.WithFields(logx.Fields{"job_id": r.JobID, "dropped": n}).Warn("jobxalert: rate limited, alert dropped")
		return nil
	}

	subject := strings.TrimSpace(a.prefix + " " + r.Function + " failed: " + failure)
	msg := notifx.EmailMessage{To: a.to, Subject: subject}
	tags := map[string]string{
		"queue":    r.QueueName,
		"function": r.Function,
		"failure":  failure,
	}
	return a.client.SendTemplatedEmail(ctx, templateName, data, msg, notifx.WithTags(tags))
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

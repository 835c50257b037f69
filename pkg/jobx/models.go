package jobx

import "time"

// JobStatus is the observable state of a job id.
type JobStatus string

const (
	// StatusDeferred: queued with a score in the future
	StatusDeferred JobStatus = "deferred"
	// StatusQueued: eligible, waiting for a worker
	StatusQueued     JobStatus = "queued"
	StatusInProgress JobStatus = "in_progress"
	StatusComplete   JobStatus = "complete"
	StatusNotFound   JobStatus = "not_found"
)

// JobDef is the stored definition of a pending job.
type JobDef struct {
	Function      string         `json:"function" msgpack:"function"`
	Args          []any          `json:"args" msgpack:"args"`
	Kwargs        map[string]any `json:"kwargs" msgpack:"kwargs"`
	JobTry        int            `json:"attempt" msgpack:"attempt"`
	EnqueueTimeMs int64          `json:"enqueue_time_ms" msgpack:"enqueue_time_ms"`
	QueueName     string         `json:"queue_name" msgpack:"queue_name"`

	JobID string `json:"job_id,omitempty" msgpack:"job_id,omitempty"`
	// Score is only filled in when the definition is read back from a queue.
	Score int64 `json:"score,omitempty" msgpack:"-"`
}

func (d *JobDef) EnqueueTime() time.Time {
	return time.UnixMilli(d.EnqueueTimeMs)
}

// JobResult is a job as seen by readers: the stored Result once the job
// finished, or the definition alone (Finished() false) before that.
type JobResult struct {
	JobDef

	Success    bool      `json:"success" msgpack:"success"`
	Result     any       `json:"result,omitempty" msgpack:"result,omitempty"`
	Error      *JobError `json:"error,omitempty" msgpack:"error,omitempty"`
	StartMs    int64     `json:"start_ms,omitempty" msgpack:"start_ms,omitempty"`
	FinishMs   int64     `json:"finish_ms,omitempty" msgpack:"finish_ms,omitempty"`
	WorkerName string    `json:"worker_name,omitempty" msgpack:"worker_name,omitempty"`
}

// Finished reports whether r holds a terminal Result.
func (r *JobResult) Finished() bool {
	return r.FinishMs > 0
}

func (r *JobResult) Duration() time.Duration {
	if !r.Finished() {
		return 0
	}
	return time.Duration(r.FinishMs-r.StartMs) * time.Millisecond
}

// QueuedJob is an entry of a queue listing.
type QueuedJob struct {
	JobDef
	Status JobStatus `json:"status"`
}

// WorkerInfo is what a worker publishes about itself while it runs.
type WorkerInfo struct {
	WorkerName string          `json:"worker_name"`
	QueueName  string          `json:"queue_name"`
	Functions  []string        `json:"functions"`
	StartedAt  time.Time       `json:"started_at"`
	Active     bool            `json:"active"`
	Health     *HealthSnapshot `json:"health,omitempty"`
}

// FunctionInfo describes a registered function of a queue.
type FunctionInfo struct {
	Name              string        `json:"name"`
	Cron              bool          `json:"cron"`
	Schedule          string        `json:"schedule,omitempty"`
	Timeout           time.Duration `json:"timeout"`
	MaxTries          int           `json:"max_tries"`
	KeepResult        time.Duration `json:"keep_result"`
	KeepResultForever bool          `json:"keep_result_forever"`
}

// HealthSnapshot is the rolling counters a worker publishes on heartbeat.
type HealthSnapshot struct {
	Time        time.Time `json:"time"`
	JobsDone    int       `json:"j_complete"`
	JobsFailed  int       `json:"j_failed"`
	JobsRetried int       `json:"j_retried"`
	JobsOngoing int       `json:"j_ongoing"`
	Queued      int64     `json:"queued"`
}

// sameCounts compares everything but the timestamp.
func (h HealthSnapshot) sameCounts(o HealthSnapshot) bool {
	h.Time, o.Time = time.Time{}, time.Time{}
	return h == o
}

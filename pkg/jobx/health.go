package jobx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/logx"
)

func (s HealthSnapshot) String() string {
	return fmt.Sprintf("j_complete=%d j_failed=%d j_retried=%d j_ongoing=%d queued=%d",
		s.JobsDone, s.JobsFailed, s.JobsRetried, s.JobsOngoing, s.Queued)
}

// heartbeat publishes health when it is due and enqueues due cron jobs.
func (w *Worker) heartbeat(ctx context.Context) {
	now := time.Now()
	w.recordHealth(ctx, now)
	w.runCron(ctx, now)
}

func (w *Worker) recordHealth(ctx context.Context, now time.Time) {
	if !w.lastHealth.IsZero() && now.Sub(w.lastHealth) < w.opts.HealthCheckInterval {
		return
	}
	w.lastHealth = now

	queued, err := w.queue.QueueDepth(ctx, w.opts.QueueName)
	if err != nil {
		if ctx.Err() == nil {
			logx.WithError(err).Warn("jobx: failed to read queue depth")
		}
		return
	}

	snap := w.Snapshot()
	snap.Time = now
	snap.Queued = queued

	payload, err := json.Marshal(snap)
	if err != nil {
		logx.WithError(err).Warn("jobx: failed to encode health snapshot")
		return
	}
	ttl := w.opts.HealthCheckInterval + time.Second
	if err := w.queue.PublishHealth(ctx, w.opts.WorkerName, payload, ttl); err != nil {
		if ctx.Err() == nil {
			logx.WithError(err).Warn("jobx: failed to record health")
		}
		return
	}
	if err := w.publishWorker(ctx, true); err != nil && ctx.Err() == nil {
		logx.WithError(err).Warn("jobx: failed to refresh worker registry")
	}

	if !snap.sameCounts(w.lastSnapshot) {
		logx.WithField("worker", w.opts.WorkerName).Infof("recording health: %s", snap)
	}
	w.lastSnapshot = snap
}

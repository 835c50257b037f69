package main

import (
	"context"

	"github.com/Abraxas-365/taskqueue/pkg/config"
	"github.com/Abraxas-365/taskqueue/pkg/errx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxpg"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
)

const (
	pingFunction  = "system.ping"
	echoFunction  = "system.echo"
	pruneFunction = "archive.prune"
)

// builtins are the handlers every worker of this binary can run.
func builtins() map[string]jobx.HandlerFunc {
	return map[string]jobx.HandlerFunc{
		pingFunction: jobx.Handle(func(_ context.Context, job *jobx.JobContext) (any, error) {
			logx.WithFields(logx.Fields{
				"job_id": job.JobID,
				"worker": job.WorkerName,
			}).Debug("pong")
			return "pong", nil
		}),
		echoFunction: jobx.Handle(func(_ context.Context, job *jobx.JobContext) (any, error) {
			return map[string]any{
				"args":   job.Args,
				"kwargs": job.Kwargs,
				"try":    job.JobTry,
			}, nil
		}),
	}
}

// workerFunctions splits the built-ins into plain functions and the cron
// jobs named in JOBX_CRON_JOBS, then applies the per-function overrides.
// A cron job is still callable by name through Enqueue.
func workerFunctions(cfg config.JobxConfig, archive *jobxpg.ResultArchive, archiveCfg config.ArchiveConfig) ([]jobx.Function, []jobx.CronJob, error) {
	handlers := builtins()

	var crons []jobx.CronJob
	if archive != nil {
		crons = append(crons, jobx.NewCronJob(pruneFunction, archiveCfg.PruneSchedule, archive.PruneHandler(archiveCfg.Retention)))
	}

	scheduled := make(map[string]bool, len(cfg.CronJobs))
	for _, cc := range cfg.CronJobs {
		h, ok := handlers[cc.Function]
		if !ok {
			return nil, nil, errx.Validation("unknown cron function").
				WithDetail("function", cc.Function).
				WithDetail("key", "JOBX_CRON_JOBS")
		}
		if scheduled[cc.Function] {
			return nil, nil, errx.Validation("function scheduled twice").
				WithDetail("function", cc.Function).
				WithDetail("key", "JOBX_CRON_JOBS")
		}
		scheduled[cc.Function] = true
		crons = append(crons, jobx.NewCronJob(cc.Function, cc.Schedule, h))
	}

	var functions []jobx.Function
	for name, h := range handlers {
		if !scheduled[name] {
			functions = append(functions, applyOverrides(cfg, jobx.NewFunction(name, h)))
		}
	}
	for i := range crons {
		crons[i].Function = applyOverrides(cfg, crons[i].Function)
	}

	return functions, crons, nil
}

func applyOverrides(cfg config.JobxConfig, fn jobx.Function) jobx.Function {
	if d, ok := cfg.FunctionTimeouts[fn.Name]; ok && d > 0 {
		fn = fn.WithTimeout(d)
	}
	if n, ok := cfg.FunctionMaxTries[fn.Name]; ok && n > 0 {
		fn = fn.WithMaxTries(n)
	}
	if d, ok := cfg.FunctionKeepResult[fn.Name]; ok {
		fn = fn.WithKeepResult(max(d, 0))
	}
	return fn
}

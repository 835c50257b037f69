package main

import (
	"context"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/asyncx"
	"github.com/Abraxas-365/taskqueue/pkg/config"
	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/jobx/jobxredis"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
)

const healthCheckTimeout = 10 * time.Second

// checkHealth reads the health record of worker and returns the process
// exit code. Without a worker name it checks every worker registered on
// the configured queue and succeeds when all of them are healthy.
func checkHealth(cfg *config.Config, worker string) int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	settings := (&Container{Config: cfg}).redisSettings()
	settings.ConnRetries = 0
	rdb, err := jobxredis.Connect(ctx, settings)
	if err != nil {
		logx.WithError(err).Error("Health check failed: redis unreachable")
		return 1
	}
	defer rdb.Close()

	client := jobx.NewClient(jobxredis.NewRedisQueue(rdb), jobx.WithDefaultQueue(cfg.Jobx.Queue))

	if worker == "" {
		worker = cfg.Jobx.WorkerName
	}
	names := []string{worker}
	if worker == "" {
		infos, err := client.Workers(ctx)
		if err != nil {
			logx.WithError(err).Error("Health check failed")
			return 1
		}
		names = names[:0]
		for _, w := range infos {
			if w.QueueName == cfg.Jobx.Queue {
				names = append(names, w.WorkerName)
			}
		}
		if len(names) == 0 {
			logx.Errorf("Health check failed: no workers registered on queue %s", cfg.Jobx.Queue)
			return 1
		}
	}

	err = asyncx.ForEach(ctx, names, func(ctx context.Context, name string) error {
		snap, err := client.CheckHealth(ctx, name)
		if err != nil {
			logx.WithError(err).Errorf("Health check failed for %s", name)
			return err
		}
		logx.Infof("Health check successful: %s", snap)
		return nil
	})
	if err != nil {
		return 1
	}
	return 0
}

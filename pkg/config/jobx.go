package config

import (
	"strconv"
	"time"
)

// JobxConfig configures the queue client and the worker.
type JobxConfig struct {
	Queue      string
	WorkerName string
	Codec      string

	Concurrency    int
	PollInterval   time.Duration
	QueueReadLimit int

	JobTimeout        time.Duration
	KeepResult        time.Duration
	KeepResultForever bool
	MaxTries          int

	HealthCheckInterval time.Duration
	ShutdownTimeout     time.Duration

	RetryJobs  bool
	AllowAbort bool

	Burst        bool
	MaxBurstJobs int

	// Per-function overrides, keyed by function name
	FunctionTimeouts   map[string]time.Duration
	FunctionMaxTries   map[string]int
	FunctionKeepResult map[string]time.Duration

	CronJobs []CronJobConfig
}

// CronJobConfig schedules a registered function.
type CronJobConfig struct {
	Function string
	Schedule string
}

func loadJobxConfig() JobxConfig {
	return JobxConfig{
		Queue:               getEnv("JOBX_QUEUE", "default"),
		WorkerName:          getEnv("JOBX_WORKER_NAME", ""),
		Codec:               getEnv("JOBX_CODEC", "json"),
		Concurrency:         getEnvInt("JOBX_CONCURRENCY", 10),
		PollInterval:        getEnvDuration("JOBX_POLL_INTERVAL", 500*time.Millisecond),
		QueueReadLimit:      getEnvInt("JOBX_QUEUE_READ_LIMIT", 0),
		JobTimeout:          getEnvDuration("JOBX_JOB_TIMEOUT", 300*time.Second),
		KeepResult:          getEnvDuration("JOBX_KEEP_RESULT", time.Hour),
		KeepResultForever:   getEnvBool("JOBX_KEEP_RESULT_FOREVER", false),
		MaxTries:            getEnvInt("JOBX_MAX_TRIES", 5),
		HealthCheckInterval: getEnvDuration("JOBX_HEALTH_CHECK_INTERVAL", 10*time.Second),
		ShutdownTimeout:     getEnvDuration("JOBX_SHUTDOWN_TIMEOUT", 30*time.Second),
		RetryJobs:           getEnvBool("JOBX_RETRY_JOBS", true),
		AllowAbort:          getEnvBool("JOBX_ALLOW_ABORT", false),
		Burst:               getEnvBool("JOBX_BURST", false),
		MaxBurstJobs:        getEnvInt("JOBX_MAX_BURST_JOBS", 0),
		FunctionTimeouts:    durationPairs("JOBX_FUNCTION_TIMEOUTS"),
		FunctionMaxTries:    intPairs("JOBX_FUNCTION_MAX_TRIES"),
		FunctionKeepResult:  durationPairs("JOBX_FUNCTION_KEEP_RESULT"),
		CronJobs:            cronJobs("JOBX_CRON_JOBS"),
	}
}

func durationPairs(key string) map[string]time.Duration {
	out := map[string]time.Duration{}
	for _, p := range getEnvPairs(key, ",") {
		if d, err := parseDuration(p[1]); err == nil {
			out[p[0]] = d
		}
	}
	return out
}

func intPairs(key string) map[string]int {
	out := map[string]int{}
	for _, p := range getEnvPairs(key, ",") {
		if n, err := strconv.Atoi(p[1]); err == nil {
			out[p[0]] = n
		}
	}
	return out
}

// cronJobs reads "name=<schedule>;name=<schedule>". Schedules contain
// spaces and commas, hence the semicolon.
func cronJobs(key string) []CronJobConfig {
	var out []CronJobConfig
	for _, p := range getEnvPairs(key, ";") {
		out = append(out, CronJobConfig{Function: p[0], Schedule: p[1]})
	}
	return out
}

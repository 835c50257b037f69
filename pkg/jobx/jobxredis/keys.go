package jobxredis

import "fmt"

const (
	keyPrefix = "jobx:"
	abortKey  = keyPrefix + "abort"
)

func queueKey(name string) string      { return fmt.Sprintf("jobx:queue:%s", name) }
func jobKey(id string) string          { return fmt.Sprintf("jobx:job:%s", id) }
func inProgressKey(id string) string   { return fmt.Sprintf("jobx:in-progress:%s", id) }
func resultKey(id string) string       { return fmt.Sprintf("jobx:result:%s", id) }
func retryKey(id string) string        { return fmt.Sprintf("jobx:retry:%s", id) }
func workerKey(name string) string     { return fmt.Sprintf("jobx:worker:%s", name) }
func functionsKey(queue string) string { return fmt.Sprintf("jobx:functions:%s", queue) }
func healthKey(worker string) string   { return fmt.Sprintf("jobx:health-check:%s", worker) }

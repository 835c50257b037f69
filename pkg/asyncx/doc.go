// Package asyncx holds the small set of concurrency helpers the job queue
// relies on.
//
// # Futures
//
// [Run] starts work in a goroutine and returns a [Future]; [Future.Await]
// blocks for the value and can be called repeatedly.
//
//	fut := asyncx.Run(func() (any, error) {
//	    return job.Result(ctx)
//	})
//	value, err := fut.Await()
//
// # Fan-out
//
// [ForEach] runs a function over every item concurrently and returns the
// first error after all of them finished. The worker uses it to enqueue
// every cron job due on a tick.
//
// # Retries
//
// [RetryWithBackoff] retries with exponential backoff and an optional
// callback per failed attempt; it is how the process connects to Redis.
package asyncx

package jobxredis

import "github.com/Abraxas-365/taskqueue/pkg/errx"

var redisErrors = errx.NewRegistry("JOBX_REDIS")

var (
	ErrConnect  = redisErrors.Register("CONNECT", errx.TypeExternal, 502, "Redis connection failed")
	ErrEnqueue  = redisErrors.Register("ENQUEUE", errx.TypeExternal, 502, "Redis enqueue failed")
	ErrClaim    = redisErrors.Register("CLAIM", errx.TypeExternal, 502, "Redis claim failed")
	ErrRead     = redisErrors.Register("READ", errx.TypeExternal, 502, "Redis read failed")
	ErrStartRun = redisErrors.Register("START_RUN", errx.TypeExternal, 502, "Redis start of job run failed")
	ErrFinish   = redisErrors.Register("FINISH", errx.TypeExternal, 502, "Redis finish failed")
	ErrAbort    = redisErrors.Register("ABORT", errx.TypeExternal, 502, "Redis abort request failed")
	ErrPoll     = redisErrors.Register("POLL", errx.TypeExternal, 502, "Redis queue poll failed")
	ErrRegistry = redisErrors.Register("REGISTRY", errx.TypeExternal, 502, "Redis worker registry update failed")
)

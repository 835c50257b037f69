package jobx

import (
	"errors"
	"fmt"

	"github.com/Abraxas-365/taskqueue/pkg/errx"
)

var jobxErrors = errx.NewRegistry("JOBX")

var (
	ErrJobNotFound       = jobxErrors.Register("JOB_NOT_FOUND", errx.TypeNotFound, 404, "Job not found")
	ErrEnqueueFailed     = jobxErrors.Register("ENQUEUE_FAILED", errx.TypeExternal, 502, "Failed to enqueue job")
	ErrInvalidJob        = jobxErrors.Register("INVALID_JOB", errx.TypeValidation, 400, "Invalid job definition")
	ErrInvalidArguments  = jobxErrors.Register("INVALID_ARGUMENTS", errx.TypeValidation, 400, "Job arguments do not match")
	ErrInvalidFunction   = jobxErrors.Register("INVALID_FUNCTION", errx.TypeValidation, 400, "Invalid function registration")
	ErrSerialization     = jobxErrors.Register("SERIALIZATION", errx.TypeInternal, 500, "Unable to serialize or deserialize job data")
	ErrResultTimeout     = jobxErrors.Register("RESULT_TIMEOUT", errx.TypeTimeout, 504, "Timed out waiting for job result")
	ErrStore             = jobxErrors.Register("STORE", errx.TypeExternal, 502, "Job store operation failed")
	ErrAlreadyRunning    = jobxErrors.Register("ALREADY_RUNNING", errx.TypeConflict, 409, "Worker is already running")
	ErrShutdownTimeout   = jobxErrors.Register("SHUTDOWN_TIMEOUT", errx.TypeInternal, 500, "Graceful shutdown timed out")
	ErrBookkeeping       = jobxErrors.Register("BOOKKEEPING", errx.TypeInternal, 500, "Worker failed to record a job outcome")
	ErrHealthCheckFailed = jobxErrors.Register("HEALTH_CHECK_FAILED", errx.TypeNotFound, 503, "Health check failed")
)

// Failure types stored in a failed Result.
const (
	FailureError            = "error"
	FailureAborted          = "aborted"
	FailureTimeout          = "timeout"
	FailureCancelled        = "cancelled"
	FailureMaxRetries       = "max_retries"
	FailureFunctionNotFound = "function_not_found"
	FailureExpired          = "expired"
	FailureSerialization    = "serialization"
	FailureRetryDisabled    = "retry_disabled"
)

// JobError is the failure recorded in a job's Result and returned by
// Job.Result. Two JobErrors match under errors.Is when their types are
// equal, so callers can test against the sentinels below.
type JobError struct {
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
	// Detail is the formatted error chain, when it adds to Message
	Detail string `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return e.Message
}

func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	return ok && t != nil && t.Type == e.Type
}

var (
	ErrAborted          = &JobError{Type: FailureAborted, Message: "job aborted"}
	ErrTimedOut         = &JobError{Type: FailureTimeout, Message: "job timed out"}
	ErrCancelled        = &JobError{Type: FailureCancelled, Message: "job cancelled"}
	ErrMaxRetries       = &JobError{Type: FailureMaxRetries, Message: "max retries exceeded"}
	ErrFunctionNotFound = &JobError{Type: FailureFunctionNotFound, Message: "function not found"}
	ErrJobExpired       = &JobError{Type: FailureExpired, Message: "job expired"}
)

func newJobError(kind, format string, args ...any) *JobError {
	return &JobError{Type: kind, Message: fmt.Sprintf(format, args...)}
}

// toJobError converts a handler error into the stored form.
func toJobError(err error) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}

	out := &JobError{Type: FailureError, Message: err.Error()}
	if detail := fmt.Sprintf("%+v", err); detail != out.Message {
		out.Detail = detail
	}
	if errx.HasCode(err, ErrSerialization) {
		out.Type = FailureSerialization
	}
	return out
}

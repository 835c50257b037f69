package jobxapi

import "github.com/Abraxas-365/taskqueue/pkg/errx"

var apiErrors = errx.NewRegistry("JOBX_API")

var (
	ErrUnauthorized     = apiErrors.Register("UNAUTHORIZED", errx.TypeAuthorization, 401, "Missing or invalid bearer token")
	ErrForbidden        = apiErrors.Register("FORBIDDEN", errx.TypeAuthorization, 403, "Token lacks the required scope")
	ErrInvalidRequest   = apiErrors.Register("INVALID_REQUEST", errx.TypeValidation, 400, "Invalid request")
	ErrDuplicateJob     = apiErrors.Register("DUPLICATE_JOB", errx.TypeConflict, 409, "A job with this id already exists")
	ErrResultNotReady   = apiErrors.Register("RESULT_NOT_READY", errx.TypeNotFound, 404, "Job has no result yet")
	ErrArchiveDisabled  = apiErrors.Register("ARCHIVE_DISABLED", errx.TypeNotFound, 404, "Result archive is not enabled")
	ErrTokenGeneration  = apiErrors.Register("TOKEN_GENERATION", errx.TypeInternal, 500, "Failed to sign token")
	ErrStoreUnavailable = apiErrors.Register("STORE_UNAVAILABLE", errx.TypeExternal, 503, "Job store is unavailable")
)

package jobxpg

import "github.com/Abraxas-365/taskqueue/pkg/errx"

var pgErrors = errx.NewRegistry("JOBX_PG")

var (
	ErrSchema         = pgErrors.Register("SCHEMA", errx.TypeInternal, 500, "Failed to create archive schema")
	ErrSave           = pgErrors.Register("SAVE", errx.TypeExternal, 502, "Failed to archive job result")
	ErrQuery          = pgErrors.Register("QUERY", errx.TypeExternal, 502, "Failed to query archived results")
	ErrResultNotFound = pgErrors.Register("RESULT_NOT_FOUND", errx.TypeNotFound, 404, "Archived result not found")
	ErrPrune          = pgErrors.Register("PRUNE", errx.TypeExternal, 502, "Failed to prune archived results")
)

// Package jobxpg archives finished job results in Postgres so they
// outlive their Redis retention.
package jobxpg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/Abraxas-365/taskqueue/pkg/kernel"
	"github.com/Abraxas-365/taskqueue/pkg/logx"
	"github.com/jmoiron/sqlx"
)

// Schema creates the archive table. EnsureSchema runs it.
const Schema = `
CREATE TABLE IF NOT EXISTS jobx_results (
	job_id          TEXT        NOT NULL,
	function        TEXT        NOT NULL,
	queue_name      TEXT        NOT NULL,
	attempt         INTEGER     NOT NULL,
	success         BOOLEAN     NOT NULL,
	failure_type    TEXT,
	failure_message TEXT,
	result          JSONB,
	args            JSONB,
	kwargs          JSONB,
	worker_name     TEXT        NOT NULL,
	enqueued_at     TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	finished_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, enqueued_at)
);
CREATE INDEX IF NOT EXISTS jobx_results_finished_at_idx ON jobx_results (finished_at DESC);
CREATE INDEX IF NOT EXISTS jobx_results_function_idx ON jobx_results (function, finished_at DESC);`

const columns = `job_id, function, queue_name, attempt, success, failure_type, failure_message,
	result, args, kwargs, worker_name, enqueued_at, started_at, finished_at`

// ResultArchive stores job results in Postgres.
type ResultArchive struct {
	db *sqlx.DB
}

func NewResultArchive(db *sqlx.DB) *ResultArchive {
	return &ResultArchive{db: db}
}

func (a *ResultArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, Schema); err != nil {
		return pgErrors.NewWithCause(ErrSchema, err)
	}
	return nil
}

// Save upserts r. A job id reused after its result expired gets its own
// row since the enqueue time differs.
func (a *ResultArchive) Save(ctx context.Context, r *jobx.JobResult) error {
	query := `
		INSERT INTO jobx_results (` + columns + `) VALUES (
			:job_id, :function, :queue_name, :attempt, :success, :failure_type, :failure_message,
			:result, :args, :kwargs, :worker_name, :enqueued_at, :started_at, :finished_at
		)
		ON CONFLICT (job_id, enqueued_at) DO UPDATE SET
			attempt = EXCLUDED.attempt,
			success = EXCLUDED.success,
			failure_type = EXCLUDED.failure_type,
			failure_message = EXCLUDED.failure_message,
			result = EXCLUDED.result,
			worker_name = EXCLUDED.worker_name,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`

	if _, err := a.db.NamedExecContext(ctx, query, toPersistence(r)); err != nil {
		return pgErrors.NewWithCause(ErrSave, err).WithDetail("job_id", r.JobID)
	}
	return nil
}

// Get returns the latest archived run of jobID.
func (a *ResultArchive) Get(ctx context.Context, jobID string) (*ArchivedResult, error) {
	var row resultRow
	query := `SELECT ` + columns + ` FROM jobx_results WHERE job_id = $1 ORDER BY enqueued_at DESC LIMIT 1`
	if err := a.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pgErrors.New(ErrResultNotFound).WithDetail("job_id", jobID)
		}
		return nil, pgErrors.NewWithCause(ErrQuery, err).WithDetail("job_id", jobID)
	}
	out := toDomain(row)
	return &out, nil
}

// List returns archived results, most recently finished first.
func (a *ResultArchive) List(ctx context.Context, filter Filter, opts kernel.PaginationOptions) (kernel.Paginated[ArchivedResult], error) {
	opts = opts.Normalize()
	where, args := filter.clause()

	var total int
	if err := a.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobx_results`+where, args...); err != nil {
		return kernel.Paginated[ArchivedResult]{}, pgErrors.NewWithCause(ErrQuery, err)
	}

	var rows []resultRow
	query := fmt.Sprintf(`SELECT %s FROM jobx_results%s ORDER BY finished_at DESC LIMIT $%d OFFSET $%d`,
		columns, where, len(args)+1, len(args)+2)
	if err := a.db.SelectContext(ctx, &rows, query, append(args, opts.PageSize, opts.Offset())...); err != nil {
		return kernel.Paginated[ArchivedResult]{}, pgErrors.NewWithCause(ErrQuery, err)
	}

	return kernel.NewPaginated(toDomainSlice(rows), opts.Page, opts.PageSize, total), nil
}

func (f Filter) clause() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Function != "" {
		args = append(args, f.Function)
		conds = append(conds, fmt.Sprintf("function = $%d", len(args)))
	}
	if f.Queue != "" {
		args = append(args, f.Queue)
		conds = append(conds, fmt.Sprintf("queue_name = $%d", len(args)))
	}
	if f.Success != nil {
		args = append(args, *f.Success)
		conds = append(conds, fmt.Sprintf("success = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Prune deletes results that finished before cutoff.
func (a *ResultArchive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM jobx_results WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, pgErrors.NewWithCause(ErrPrune, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, pgErrors.NewWithCause(ErrPrune, err)
	}
	return n, nil
}

// Hook archives every terminal result the worker records.
func (a *ResultArchive) Hook() jobx.ResultHook {
	return a.Save
}

// PruneHandler is a job that prunes results older than retention.
func (a *ResultArchive) PruneHandler(retention time.Duration) jobx.HandlerFunc {
	return jobx.Handle(func(ctx context.Context, job *jobx.JobContext) (any, error) {
		n, err := a.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			return nil, err
		}
		if n > 0 {
			logx.WithField("job_id", job.JobID).Infof("jobxpg: pruned %d archived results", n)
		}
		return n, nil
	})
}

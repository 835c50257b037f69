package jobxpg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/jobx"
)

// ArchivedResult is a finished job as kept in Postgres.
type ArchivedResult struct {
	JobID          string          `json:"job_id"`
	Function       string          `json:"function"`
	QueueName      string          `json:"queue_name"`
	Attempt        int             `json:"attempt"`
	Success        bool            `json:"success"`
	FailureType    string          `json:"failure_type,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Kwargs         json.RawMessage `json:"kwargs,omitempty"`
	WorkerName     string          `json:"worker_name"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Function string
	Queue    string
	Success  *bool
}

type resultRow struct {
	JobID          string         `db:"job_id"`
	Function       string         `db:"function"`
	QueueName      string         `db:"queue_name"`
	Attempt        int            `db:"attempt"`
	Success        bool           `db:"success"`
	FailureType    sql.NullString `db:"failure_type"`
	FailureMessage sql.NullString `db:"failure_message"`
	Result         sql.NullString `db:"result"`
	Args           sql.NullString `db:"args"`
	Kwargs         sql.NullString `db:"kwargs"`
	WorkerName     string         `db:"worker_name"`
	EnqueuedAt     time.Time      `db:"enqueued_at"`
	StartedAt      time.Time      `db:"started_at"`
	FinishedAt     time.Time      `db:"finished_at"`
}

func toPersistence(r *jobx.JobResult) resultRow {
	row := resultRow{
		JobID:      r.JobID,
		Function:   r.Function,
		QueueName:  r.QueueName,
		Attempt:    r.JobTry,
		Success:    r.Success,
		WorkerName: r.WorkerName,
		EnqueuedAt: time.UnixMilli(r.EnqueueTimeMs).UTC(),
		StartedAt:  time.UnixMilli(r.StartMs).UTC(),
		FinishedAt: time.UnixMilli(r.FinishMs).UTC(),
	}
	if r.Error != nil {
		row.FailureType = sql.NullString{String: r.Error.Type, Valid: true}
		row.FailureMessage = sql.NullString{String: r.Error.Message, Valid: true}
	}
	if r.Success {
		row.Result = jsonColumn(r.Result)
	}
	if len(r.Args) > 0 {
		row.Args = jsonColumn(r.Args)
	}
	if len(r.Kwargs) > 0 {
		row.Kwargs = jsonColumn(r.Kwargs)
	}
	return row
}

// jsonColumn encodes v for a jsonb column. Values JSON cannot represent
// are stored as their printed form.
func jsonColumn(v any) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return sql.NullString{String: string(b), Valid: true}
}

func toDomain(row resultRow) ArchivedResult {
	return ArchivedResult{
		JobID:          row.JobID,
		Function:       row.Function,
		QueueName:      row.QueueName,
		Attempt:        row.Attempt,
		Success:        row.Success,
		FailureType:    row.FailureType.String,
		FailureMessage: row.FailureMessage.String,
		Result:         rawJSON(row.Result),
		Args:           rawJSON(row.Args),
		Kwargs:         rawJSON(row.Kwargs),
		WorkerName:     row.WorkerName,
		EnqueuedAt:     row.EnqueuedAt,
		StartedAt:      row.StartedAt,
		FinishedAt:     row.FinishedAt,
	}
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}

func toDomainSlice(rows []resultRow) []ArchivedResult {
	out := make([]ArchivedResult, len(rows))
	for i, row := range rows {
		out[i] = toDomain(row)
	}
	return out
}

package jobxredis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/Abraxas-365/taskqueue/pkg/jobx"
	"github.com/redis/go-redis/v9"
)

// retryKeyTTL bounds how long an attempt counter outlives its job.
const retryKeyTTL = 88400 * time.Second

const scanBatch = 100

// RedisQueue implements jobx.Queue on Redis. Claims and enqueues are
// optimistic transactions (WATCH/MULTI/EXEC); losing a race is reported
// as "nothing done", never as an error.
type RedisQueue struct {
	rdb redis.UniversalClient
}

var _ jobx.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a new Redis-backed queue.
func NewRedisQueue(rdb redis.UniversalClient) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue writes the definition and queues the id unless a definition or
// result already exists.
func (q *RedisQueue) Enqueue(ctx context.Context, queue, jobID string, payload []byte, score int64, expires time.Duration) (bool, error) {
	created := false
	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, jobKey(jobID), resultKey(jobID)).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(jobID), payload, expires)
			pipe.ZAdd(ctx, queueKey(queue), redis.Z{Score: float64(score), Member: jobID})
			return nil
		})
		if err != nil {
			return err
		}
		created = true
		return nil
	}, jobKey(jobID))

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, redisErrors.NewWithCause(ErrEnqueue, err).
			WithDetail("queue", queue).
			WithDetail("job_id", jobID)
	}
	return created, nil
}

func (q *RedisQueue) JobState(ctx context.Context, queue, jobID string) (jobx.JobState, error) {
	pipe := q.rdb.Pipeline()
	result := pipe.Exists(ctx, resultKey(jobID))
	inProgress := pipe.Exists(ctx, inProgressKey(jobID))
	score := pipe.ZScore(ctx, queueKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return jobx.JobState{}, redisErrors.NewWithCause(ErrRead, err).WithDetail("job_id", jobID)
	}

	st := jobx.JobState{
		HasResult:  result.Val() > 0,
		InProgress: inProgress.Val() > 0,
	}
	if s, err := score.Result(); err == nil {
		st.Queued = true
		st.Score = int64(s)
	}
	return st, nil
}

func (q *RedisQueue) JobPayload(ctx context.Context, jobID string) ([]byte, error) {
	return q.get(ctx, jobKey(jobID))
}

func (q *RedisQueue) ResultPayload(ctx context.Context, jobID string) ([]byte, error) {
	return q.get(ctx, resultKey(jobID))
}

func (q *RedisQueue) get(ctx context.Context, key string) ([]byte, error) {
	b, err := q.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisErrors.NewWithCause(ErrRead, err).WithDetail("key", key)
	}
	return b, nil
}

func (q *RedisQueue) QueuedEntries(ctx context.Context, queue string) ([]jobx.QueueEntry, error) {
	zs, err := q.rdb.ZRangeWithScores(ctx, queueKey(queue), 0, -1).Result()
	if err != nil {
		return nil, redisErrors.NewWithCause(ErrRead, err).WithDetail("queue", queue)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	pipe := q.rdb.Pipeline()
	payloads := make([]*redis.StringCmd, len(zs))
	markers := make([]*redis.IntCmd, len(zs))
	for i, z := range zs {
		id, _ := z.Member.(string)
		payloads[i] = pipe.Get(ctx, jobKey(id))
		markers[i] = pipe.Exists(ctx, inProgressKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisErrors.NewWithCause(ErrRead, err).WithDetail("queue", queue)
	}

	entries := make([]jobx.QueueEntry, len(zs))
	for i, z := range zs {
		id, _ := z.Member.(string)
		entries[i] = jobx.QueueEntry{
			JobID:      id,
			Score:      int64(z.Score),
			InProgress: markers[i].Val() > 0,
		}
		if b, err := payloads[i].Bytes(); err == nil {
			entries[i].Payload = b
		}
	}
	return entries, nil
}

// ResultPayloads returns every stored result. It walks the keyspace with
// SCAN so that it never blocks the server.
func (q *RedisQueue) ResultPayloads(ctx context.Context) ([][]byte, error) {
	return q.scanValues(ctx, keyPrefix+"result:*")
}

func (q *RedisQueue) scanValues(ctx context.Context, match string) ([][]byte, error) {
	var (
		out    [][]byte
		cursor uint64
	)
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, match, scanBatch).Result()
		if err != nil {
			return nil, redisErrors.NewWithCause(ErrRead, err).WithDetail("match", match)
		}
		if len(keys) > 0 {
			values, err := q.rdb.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, redisErrors.NewWithCause(ErrRead, err).WithDetail("match", match)
			}
			for _, v := range values {
				if s, ok := v.(string); ok {
					out = append(out, []byte(s))
				}
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (q *RedisQueue) RequestAbort(ctx context.Context, jobID string, at time.Time) error {
	err := q.rdb.ZAdd(ctx, abortKey, redis.Z{Score: float64(at.UnixMilli()), Member: jobID}).Err()
	if err != nil {
		return redisErrors.NewWithCause(ErrAbort, err).WithDetail("job_id", jobID)
	}
	return nil
}

func (q *RedisQueue) DueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, queueKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   ms(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, redisErrors.NewWithCause(ErrPoll, err).WithDetail("queue", queue)
	}
	return ids, nil
}

// Claim sets the in-progress marker of jobID if it is still queued and
// nobody else holds it.
func (q *RedisQueue) Claim(ctx context.Context, queue, jobID string, ttl time.Duration) (int64, bool, error) {
	var (
		score   int64
		claimed bool
	)
	marker := inProgressKey(jobID)

	err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		held, err := tx.Exists(ctx, marker).Result()
		if err != nil {
			return err
		}
		s, err := tx.ZScore(ctx, queueKey(queue), jobID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if held > 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, marker, "1", ttl)
			return nil
		})
		if err != nil {
			return err
		}
		score, claimed = int64(s), true
		return nil
	}, marker)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, redisErrors.NewWithCause(ErrClaim, err).WithDetail("job_id", jobID)
	}
	return score, claimed, nil
}

// StartRun reads the definition, bumps the attempt counter and, when
// asked, takes the job's abort request out of the abort set.
func (q *RedisQueue) StartRun(ctx context.Context, jobID string, checkAbort bool) (jobx.RunState, error) {
	pipe := q.rdb.TxPipeline()
	def := pipe.Get(ctx, jobKey(jobID))
	try := pipe.Incr(ctx, retryKey(jobID))
	pipe.Expire(ctx, retryKey(jobID), retryKeyTTL)
	var aborted *redis.IntCmd
	if checkAbort {
		aborted = pipe.ZRem(ctx, abortKey, jobID)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return jobx.RunState{}, redisErrors.NewWithCause(ErrStartRun, err).WithDetail("job_id", jobID)
	}

	st := jobx.RunState{Try: int(try.Val())}
	if b, err := def.Bytes(); err == nil {
		st.Payload = b
	}
	if aborted != nil {
		st.Aborted = aborted.Val() > 0
	}
	return st, nil
}

func (q *RedisQueue) SetJobTry(ctx context.Context, jobID string, try int) error {
	if err := q.rdb.Set(ctx, retryKey(jobID), try, retryKeyTTL).Err(); err != nil {
		return redisErrors.NewWithCause(ErrStartRun, err).WithDetail("job_id", jobID)
	}
	return nil
}

// Finish records an attempt's outcome in one transaction.
func (q *RedisQueue) Finish(ctx context.Context, req jobx.FinishRequest) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		marker := inProgressKey(req.JobID)
		if req.KeepInProgress > 0 {
			pipe.PExpire(ctx, marker, req.KeepInProgress)
		} else {
			pipe.Del(ctx, marker)
		}

		switch {
		case req.Terminal:
			if req.Result != nil {
				pipe.Set(ctx, resultKey(req.JobID), req.Result, req.ResultTTL)
			}
			pipe.Del(ctx, retryKey(req.JobID), jobKey(req.JobID))
			pipe.ZRem(ctx, abortKey, req.JobID)
			pipe.ZRem(ctx, queueKey(req.Queue), req.JobID)
		case req.IncrScore != 0:
			pipe.ZIncrBy(ctx, queueKey(req.Queue), float64(req.IncrScore), req.JobID)
		}
		return nil
	})
	if err != nil {
		return redisErrors.NewWithCause(ErrFinish, err).WithDetail("job_id", req.JobID)
	}
	return nil
}

// PendingAborts drops requests older than staleBefore, then returns the
// remaining ids.
func (q *RedisQueue) PendingAborts(ctx context.Context, staleBefore time.Time) ([]string, error) {
	var ids *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, abortKey, "-inf", "("+ms(staleBefore))
		ids = pipe.ZRange(ctx, abortKey, 0, -1)
		return nil
	})
	if err != nil {
		return nil, redisErrors.NewWithCause(ErrAbort, err)
	}
	return ids.Val(), nil
}

func (q *RedisQueue) ClearAborts(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	members := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = id
	}
	if err := q.rdb.ZRem(ctx, abortKey, members...).Err(); err != nil {
		return redisErrors.NewWithCause(ErrAbort, err)
	}
	return nil
}

func (q *RedisQueue) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := q.rdb.ZCard(ctx, queueKey(queue)).Result()
	if err != nil {
		return 0, redisErrors.NewWithCause(ErrRead, err).WithDetail("queue", queue)
	}
	return n, nil
}

// ============================================================================
// Worker registry
// ============================================================================

func (q *RedisQueue) PublishWorker(ctx context.Context, worker string, payload []byte, ttl time.Duration) error {
	return q.set(ctx, workerKey(worker), payload, ttl)
}

func (q *RedisQueue) PublishFunctions(ctx context.Context, queue string, payload []byte) error {
	return q.set(ctx, functionsKey(queue), payload, 0)
}

func (q *RedisQueue) PublishHealth(ctx context.Context, worker string, payload []byte, ttl time.Duration) error {
	return q.set(ctx, healthKey(worker), payload, ttl)
}

func (q *RedisQueue) set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := q.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return redisErrors.NewWithCause(ErrRegistry, err).WithDetail("key", key)
	}
	return nil
}

func (q *RedisQueue) ClearHealth(ctx context.Context, worker string) error {
	if err := q.rdb.Del(ctx, healthKey(worker)).Err(); err != nil {
		return redisErrors.NewWithCause(ErrRegistry, err).WithDetail("worker", worker)
	}
	return nil
}

func (q *RedisQueue) HealthPayload(ctx context.Context, worker string) ([]byte, error) {
	return q.get(ctx, healthKey(worker))
}

func (q *RedisQueue) WorkerPayloads(ctx context.Context) ([][]byte, error) {
	return q.scanValues(ctx, keyPrefix+"worker:*")
}

func (q *RedisQueue) FunctionsPayload(ctx context.Context, queue string) ([]byte, error) {
	return q.get(ctx, functionsKey(queue))
}

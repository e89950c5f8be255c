package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sentinel/internal/logging"
	"sentinel/pkg/models"
)

// Broker-internal job states. "waiting" and "delayed" both surface as
// "queued" on the API.
const (
	StateWaiting   = "waiting"
	StateDelayed   = "delayed"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// ErrJobNotFound is returned by GetByID when the id is unknown to a queue.
var ErrJobNotFound = errors.New("job not found")

// Options is the retry and retention policy applied to jobs added to a
// queue.
type Options struct {
	Attempts         int
	BackoffBase      time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

// DefaultOptions matches the dispatcher's enqueue policy: three attempts
// with exponential backoff starting at two seconds, keeping the last 50
// completed and 20 failed jobs.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		BackoffBase:      2 * time.Second,
		RemoveOnComplete: 50,
		RemoveOnFail:     20,
	}
}

// Queue is a named job queue. Waiting jobs live in a Redis list, delayed
// retries in a sorted set scored by due time, and each job's state in its
// own hash keyed by the caller-supplied id.
type Queue struct {
	name string
	rdb  redis.UniversalClient
	opts Options
	log  *zap.Logger
}

// NewQueue binds a queue name to a broker connection.
func NewQueue(client *Client, name string, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts = DefaultOptions()
	}
	return &Queue{
		name: name,
		rdb:  client.rdb,
		opts: opts,
		log:  logging.L().With(zap.String("queue", name)),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) waitKey() string    { return fmt.Sprintf("queue:%s:wait", q.name) }
func (q *Queue) activeKey() string  { return fmt.Sprintf("queue:%s:active", q.name) }
func (q *Queue) delayedKey() string { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *Queue) doneKey() string    { return fmt.Sprintf("queue:%s:completed", q.name) }
func (q *Queue) failKey() string    { return fmt.Sprintf("queue:%s:failed", q.name) }
func (q *Queue) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:job:%s", q.name, id)
}

// Record is a job's broker-side state as seen by GetByID.
type Record struct {
	ID           string
	State        string
	Progress     int
	Job          models.Job
	Result       *models.ExecutionResult
	FailedReason string
	Attempts     int
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Add enqueues a job under its own id. The id doubles as the lookup key for
// GetByID, so the dispatcher can resolve client polls without a mapping
// table.
func (q *Queue) Add(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]interface{}{
		"id":          job.ID,
		"data":        data,
		"state":       StateWaiting,
		"progress":    0,
		"attempts":    0,
		"maxAttempts": q.opts.Attempts,
		"createdAt":   job.CreatedAt.UnixMilli(),
	})
	pipe.LPush(ctx, q.waitKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job %s on %s: %w", job.ID, q.name, err)
	}
	return nil
}

// ClaimedJob is a job handed to a worker. Exactly one worker holds a claim
// at a time; the id sits in the active list until Complete or Fail.
type ClaimedJob struct {
	Job      models.Job
	Attempts int
}

// Claim blocks up to timeout for the next waiting job. Due delayed retries
// are promoted back onto the waiting list first. Returns nil when the
// timeout elapses with nothing to do.
func (q *Queue) Claim(ctx context.Context, timeout time.Duration) (*ClaimedJob, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	id, err := q.rdb.BRPopLPush(ctx, q.waitKey(), q.activeKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", q.name, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), "state", StateActive, "processedAt", time.Now().UnixMilli())
	pipe.HIncrBy(ctx, q.jobKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("mark %s active: %w", id, err)
	}

	fields, err := q.rdb.HMGet(ctx, q.jobKey(id), "data", "attempts").Result()
	if err != nil {
		return nil, fmt.Errorf("load claimed job %s: %w", id, err)
	}
	raw, _ := fields[0].(string)
	if raw == "" {
		// Hash evicted underneath us; drop the claim.
		q.rdb.LRem(ctx, q.activeKey(), 1, id)
		return nil, nil
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.rdb.LRem(ctx, q.activeKey(), 1, id)
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	attempts := 1
	if s, ok := fields[1].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			attempts = n
		}
	}
	return &ClaimedJob{Job: job, Attempts: attempts}, nil
}

// promoteDelayed moves retries whose backoff has elapsed back to waiting.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("scan delayed on %s: %w", q.name, err)
	}
	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue // another worker promoted it
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", StateWaiting)
		pipe.LPush(ctx, q.waitKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			q.log.Error("failed to promote delayed job", zap.String("job", id), zap.Error(err))
		}
	}
	return nil
}

// UpdateProgress records a worker's progress percentage for a claimed job.
func (q *Queue) UpdateProgress(ctx context.Context, id string, pct int) error {
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", pct).Err()
}

// Complete resolves a claim with its result and applies completed-job
// retention.
func (q *Queue) Complete(ctx context.Context, id string, result *models.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", id, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.HSet(ctx, q.jobKey(id),
		"state", StateCompleted,
		"progress", 100,
		"result", data,
		"finishedAt", time.Now().UnixMilli(),
	)
	pipe.LPush(ctx, q.doneKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}

	q.evictBeyond(ctx, q.doneKey(), q.opts.RemoveOnComplete)
	return nil
}

// Fail records a failed claim. While attempts remain the job is parked on
// the delayed set with exponential backoff; after the last attempt it is
// terminal-failed with the reason.
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	attempts, err := q.rdb.HGet(ctx, q.jobKey(id), "attempts").Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read attempts for %s: %w", id, err)
	}
	if attempts < 1 {
		attempts = 1
	}

	if attempts < q.opts.Attempts {
		backoff := q.opts.BackoffBase << (attempts - 1)
		due := time.Now().Add(backoff).UnixMilli()
		pipe := q.rdb.TxPipeline()
		pipe.LRem(ctx, q.activeKey(), 1, id)
		pipe.HSet(ctx, q.jobKey(id), "state", StateDelayed, "failedReason", reason)
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(due), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("schedule retry for %s: %w", id, err)
		}
		q.log.Warn("job failed, retry scheduled", zap.String("job", id),
			zap.Int("attempt", attempts), zap.Duration("backoff", backoff),
			zap.String("reason", reason))
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, id)
	pipe.HSet(ctx, q.jobKey(id),
		"state", StateFailed,
		"failedReason", reason,
		"finishedAt", time.Now().UnixMilli(),
	)
	pipe.LPush(ctx, q.failKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	q.log.Error("job terminally failed", zap.String("job", id), zap.String("reason", reason))

	q.evictBeyond(ctx, q.failKey(), q.opts.RemoveOnFail)
	return nil
}

// evictBeyond trims a retention list to keep entries, deleting the job
// hashes of everything that falls off. Best-effort.
func (q *Queue) evictBeyond(ctx context.Context, listKey string, keep int) {
	if keep <= 0 {
		return
	}
	evicted, err := q.rdb.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil || len(evicted) == 0 {
		return
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range evicted {
		pipe.Del(ctx, q.jobKey(id))
	}
	pipe.LTrim(ctx, listKey, 0, int64(keep)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("retention trim failed", zap.Error(err))
	}
}

// GetByID loads a job's broker record, or ErrJobNotFound.
func (q *Queue) GetByID(ctx context.Context, id string) (*Record, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	rec := &Record{
		ID:           id,
		State:        fields["state"],
		FailedReason: fields["failedReason"],
	}
	if v, err := strconv.Atoi(fields["progress"]); err == nil {
		rec.Progress = v
	}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		rec.Attempts = v
	}
	if v, err := strconv.ParseInt(fields["createdAt"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(fields["finishedAt"], 10, 64); err == nil {
		rec.FinishedAt = time.UnixMilli(v)
	}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
	}
	if raw := fields["result"]; raw != "" {
		var res models.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", id, err)
		}
		rec.Result = &res
	}
	return rec, nil
}

// State returns just the broker state of a job.
func (q *Queue) State(ctx context.Context, id string) (string, error) {
	state, err := q.rdb.HGet(ctx, q.jobKey(id), "state").Result()
	if err == redis.Nil {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

// Counts returns the queue's counters. Waiting includes delayed retries;
// they are enqueued work that no worker holds.
func (q *Queue) Counts(ctx context.Context) (models.QueueSnapshot, error) {
	pipe := q.rdb.TxPipeline()
	waiting := pipe.LLen(ctx, q.waitKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.LLen(ctx, q.activeKey())
	completed := pipe.LLen(ctx, q.doneKey())
	failed := pipe.LLen(ctx, q.failKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return models.QueueSnapshot{}, fmt.Errorf("count %s: %w", q.name, err)
	}

	return models.QueueSnapshot{
		Queue:     q.name,
		Waiting:   waiting.Val() + delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Ping probes the queue's backing connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/pkg/models"
)

func testQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(NewClientFromRedis(rdb), "python-executor", opts)
}

func testJob(id string) models.Job {
	return models.Job{
		ID:        id,
		Language:  "python",
		Code:      `print("hi")`,
		CreatedAt: time.Now().UTC(),
	}
}

func TestAddClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, DefaultOptions())

	require.NoError(t, q.Add(ctx, testJob("job-1")))

	snap, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Waiting)

	claimed, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-1", claimed.Job.ID)
	assert.Equal(t, `print("hi")`, claimed.Job.Code)
	assert.Equal(t, 1, claimed.Attempts)

	state, err := q.State(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)

	result := &models.ExecutionResult{
		Output:        "hi",
		ExecutionTime: 12,
		Status:        models.ResultSuccess,
	}
	require.NoError(t, q.Complete(ctx, "job-1", result))

	rec, err := q.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, rec.State)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "hi", rec.Result.Output)
	assert.False(t, rec.FinishedAt.IsZero())

	snap, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, int64(1), snap.Completed)
}

func TestClaimEmptyQueueTimesOut(t *testing.T) {
	q := testQueue(t, DefaultOptions())

	claimed, err := q.Claim(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimOrderIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, DefaultOptions())

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Add(ctx, testJob(fmt.Sprintf("job-%d", i))))
	}
	for i := 1; i <= 3; i++ {
		claimed, err := q.Claim(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, fmt.Sprintf("job-%d", i), claimed.Job.ID)
	}
}

func TestFailSchedulesRetryThenTerminal(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{
		Attempts:         2,
		BackoffBase:      time.Millisecond,
		RemoveOnComplete: 50,
		RemoveOnFail:     20,
	})

	require.NoError(t, q.Add(ctx, testJob("flaky")))

	claimed, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.Attempts)

	require.NoError(t, q.Fail(ctx, "flaky", "transient broker hiccup"))

	state, err := q.State(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	// Backoff is a millisecond; the retry is due by now and the next
	// Claim promotes it.
	time.Sleep(10 * time.Millisecond)
	claimed, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "flaky", claimed.Job.ID)
	assert.Equal(t, 2, claimed.Attempts)

	require.NoError(t, q.Fail(ctx, "flaky", "still broken"))

	rec, err := q.GetByID(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "still broken", rec.FailedReason)

	snap, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Waiting)
	assert.Equal(t, int64(0), snap.Active)
	assert.Equal(t, int64(1), snap.Failed)
}

func TestCountsIncludeDelayedAsWaiting(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{
		Attempts:         3,
		BackoffBase:      time.Hour, // keep the retry parked
		RemoveOnComplete: 50,
		RemoveOnFail:     20,
	})

	require.NoError(t, q.Add(ctx, testJob("parked")))
	_, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, "parked", "try later"))

	snap, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Waiting, "delayed retries count as waiting")
	assert.Equal(t, int64(0), snap.Active)
}

func TestCompletedRetentionEvictsJobHashes(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, Options{
		Attempts:         3,
		BackoffBase:      time.Second,
		RemoveOnComplete: 2,
		RemoveOnFail:     20,
	})

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.NoError(t, q.Add(ctx, testJob(id)))
		claimed, err := q.Claim(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, q.Complete(ctx, id, &models.ExecutionResult{Status: models.ResultSuccess}))
	}

	// Oldest falls off the retention list and its hash goes with it.
	_, err := q.GetByID(ctx, "job-1")
	assert.ErrorIs(t, err, ErrJobNotFound)

	for _, id := range []string{"job-2", "job-3"} {
		rec, err := q.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, rec.State)
	}

	snap, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Completed)
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, DefaultOptions())

	require.NoError(t, q.Add(ctx, testJob("job-1")))
	require.NoError(t, q.UpdateProgress(ctx, "job-1", 10))

	rec, err := q.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Progress)
}

func TestGetByIDUnknown(t *testing.T) {
	q := testQueue(t, DefaultOptions())

	_, err := q.GetByID(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = q.State(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

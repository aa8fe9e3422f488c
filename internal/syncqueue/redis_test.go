package syncqueue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRedisQueue runs against an in-process miniredis, or a real server
// when REDIS_URL is set.
func newRedisQueue(t *testing.T, opt Options) (*Queue, *clock) {
	t.Helper()
	ctx := context.Background()

	var rdb *redis.Client
	if url := os.Getenv("REDIS_URL"); url != "" {
		rdb = NewRedisClient(url)
	} else {
		mr := miniredis.RunT(t)
		rdb = NewRedisClient(mr.Addr())
	}
	require.NoError(t, rdb.Ping(ctx).Err())

	prefix := "test:" + uuid.NewString()
	t.Cleanup(func() {
		for _, k := range []string{"delayed", "ready", "active", "failed", "jobs", "rank"} {
			rdb.Del(ctx, prefix+":"+k)
		}
		rdb.Close()
	})

	q := New(NewRedisStore(rdb, prefix), opt)
	c := &clock{t: time.Now().Truncate(time.Millisecond)}
	q.now = c.now
	return q, c
}

func drainIDs(t *testing.T, q *Queue) []string {
	t.Helper()
	var got []string
	for {
		j, err := q.Next(context.Background())
		require.NoError(t, err)
		if j == nil {
			return got
		}
		got = append(got, j.ID)
	}
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	q, c := newRedisQueue(t, Options{MaxAttempts: 1, Lease: time.Minute})
	base := c.t

	_, err := q.Enqueue(ctx,
		Job{ID: "low", Priority: 5},
		Job{ID: "high", Priority: 1, RunAt: base.Add(-time.Second)},
		Job{ID: "later", Priority: 1, RunAt: base.Add(time.Hour)},
	)
	require.NoError(t, err)

	j, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "high", j.ID)
	require.NoError(t, q.Complete(ctx, *j))

	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "low", j.ID)

	none, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	c.advance(2 * time.Minute)
	n, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "low", j.ID)

	buried, err := q.Fail(ctx, *j, assert.AnError)
	require.NoError(t, err)
	assert.True(t, buried)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 1, Failed: 1}, counts)

	failed, err := q.Failed(ctx, 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "low", failed[0].ID)
	assert.Equal(t, assert.AnError.Error(), failed[0].LastError)
}

func TestRedisStoreOrdersByPriorityThenRunAt(t *testing.T) {
	ctx := context.Background()
	q, c := newRedisQueue(t, Options{})

	_, err := q.Enqueue(ctx,
		Job{ID: "low", Priority: 3},
		Job{ID: "high", Priority: 1},
		Job{ID: "mid-late", Priority: 2, RunAt: c.t.Add(time.Second)},
		Job{ID: "mid", Priority: 2},
		Job{ID: "future", Priority: 1, RunAt: c.t.Add(time.Hour)},
	)
	require.NoError(t, err)

	c.advance(2 * time.Second)
	assert.Equal(t, []string{"high", "mid", "mid-late", "low"}, drainIDs(t, q))

	c.advance(time.Hour)
	assert.Equal(t, []string{"future"}, drainIDs(t, q))
}

// A job promoted in an earlier Pop still loses to a higher priority job
// that becomes due later.
func TestRedisStoreReadyJobsYieldToHigherPriority(t *testing.T) {
	ctx := context.Background()
	q, c := newRedisQueue(t, Options{})

	_, err := q.Enqueue(ctx,
		Job{ID: "bulk-1", Priority: 50},
		Job{ID: "bulk-2", Priority: 50},
		Job{ID: "urgent", Priority: 1, RunAt: c.t.Add(time.Minute)},
	)
	require.NoError(t, err)

	j, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "bulk-1", j.ID)

	c.advance(time.Minute)
	assert.Equal(t, []string{"urgent", "bulk-2"}, drainIDs(t, q))
}

func TestRedisStoreRetryBacksOffThenBuries(t *testing.T) {
	ctx := context.Background()
	q, c := newRedisQueue(t, Options{MaxAttempts: 3, Backoff: 30 * time.Second})

	_, err := q.Enqueue(ctx, Job{ID: "a", Kind: KindInsightsChunk, Chunk: 4, TotalChunks: 9})
	require.NoError(t, err)

	j, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	buried, err := q.Fail(ctx, *j, assert.AnError)
	require.NoError(t, err)
	assert.False(t, buried)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Delayed: 1}, counts)

	// not before the first backoff
	c.advance(29 * time.Second)
	none, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	c.advance(time.Second)
	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.Attempts)
	assert.Equal(t, 4, j.Chunk)
	assert.Equal(t, assert.AnError.Error(), j.LastError)

	buried, err = q.Fail(ctx, *j, assert.AnError)
	require.NoError(t, err)
	assert.False(t, buried)

	// second backoff doubles
	c.advance(59 * time.Second)
	none, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
	c.advance(time.Second)
	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempts)

	buried, err = q.Fail(ctx, *j, assert.AnError)
	require.NoError(t, err)
	assert.True(t, buried)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)

	failed, err := q.Failed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)
}

func TestRedisStoreDeferAndRelease(t *testing.T) {
	ctx := context.Background()
	q, c := newRedisQueue(t, Options{MaxAttempts: 1, MaxDeferrals: 1})

	_, err := q.Enqueue(ctx, Job{ID: "a"})
	require.NoError(t, err)

	j, err := q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, q.Release(ctx, *j))

	// released jobs are handed out again right away
	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 0, j.Attempts)

	buried, err := q.Defer(ctx, *j, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, buried)

	none, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	c.advance(5 * time.Minute)
	j, err = q.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, 1, j.Deferrals)

	buried, err = q.Defer(ctx, *j, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, buried)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1}, counts)
}

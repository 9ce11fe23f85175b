package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJob struct {
	Base
	Target string `json:"target"`
}

func newFakeJob(id string) fakeJob {
	return fakeJob{Base: NewBase(SuperTypeFrontend, "FakeJob", id), Target: "t"}
}

func setupQueue(t *testing.T) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewQueue(rdb, "{osmo}:{jobs}", "osmo:delayed_jobs", zap.NewNop())
	return q, rdb, mr
}

func TestEnqueuePublishesAndReserves(t *testing.T) {
	q, rdb, _ := setupQueue(t)
	ctx := context.Background()
	j := newFakeJob("job-1")

	require.NoError(t, q.Enqueue(ctx, j))

	n, err := rdb.LLen(ctx, q.QueueKey("FakeJob")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	winner, err := rdb.Get(ctx, DedupeKey("job-1")).Result()
	require.NoError(t, err)
	require.Equal(t, j.JobUUID, winner)
}

func TestEnqueueDeduplicates(t *testing.T) {
	q, rdb, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newFakeJob("job-1")))
	require.NoError(t, q.Enqueue(ctx, newFakeJob("job-1")))

	n, err := rdb.LLen(ctx, q.QueueKey("FakeJob")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "second enqueue with same job_id must be collapsed")
}

func TestEnqueueDistinctJobIDs(t *testing.T) {
	q, rdb, _ := setupQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newFakeJob("job-1")))
	require.NoError(t, q.Enqueue(ctx, newFakeJob("job-2")))

	n, _ := rdb.LLen(ctx, q.QueueKey("FakeJob")).Result()
	require.EqualValues(t, 2, n)
}

func TestBackendQueueIsolation(t *testing.T) {
	_, rdb, _ := setupQueue(t)
	log := zap.NewNop()
	qa := NewBackendQueue(rdb, "{osmo}:{backend-jobs}", "cluster-a", log)
	qb := NewBackendQueue(rdb, "{osmo}:{backend-jobs}", "cluster-b", log)
	require.NotEqual(t, qa.QueueKey("CreateGroup"), qb.QueueKey("CreateGroup"))

	ctx := context.Background()
	require.NoError(t, qa.Enqueue(ctx, newFakeJob("a-1")))
	n, _ := rdb.LLen(ctx, qb.QueueKey("FakeJob")).Result()
	require.EqualValues(t, 0, n)
}

func TestDelayedRoundTrip(t *testing.T) {
	q, _, mr := setupQueue(t)
	ctx := context.Background()
	j := newFakeJob("delayed-1")

	require.NoError(t, q.EnqueueDelayed(ctx, j, -time.Second))

	ready, err := q.ReadyDelayed(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	var decoded fakeJob
	require.NoError(t, json.Unmarshal([]byte(ready[0]), &decoded))
	require.Equal(t, "delayed-1", decoded.JobID)

	require.NoError(t, q.RemoveDelayed(ctx, ready[0]))
	ready, err = q.ReadyDelayed(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)
	_ = mr
}

func TestDelayedNotReadyBeforeRelease(t *testing.T) {
	q, _, _ := setupQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnqueueDelayed(ctx, newFakeJob("later"), time.Hour))
	ready, err := q.ReadyDelayed(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestPeekBase(t *testing.T) {
	j := newFakeJob("id-1")
	raw, err := json.Marshal(j)
	require.NoError(t, err)
	meta, err := PeekBase(raw)
	require.NoError(t, err)
	require.Equal(t, "FakeJob", meta.JobType)
	require.Equal(t, "id-1", meta.JobID)
	require.Equal(t, j.JobUUID, meta.JobUUID)

	_, err = PeekBase([]byte(`{"job_id":"x"}`))
	require.Error(t, err)
}

package delayedjobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
)

type delayedJob struct {
	jobs.Base
}

func setup(t *testing.T) (*Monitor, *jobs.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.ProgressFile = t.TempDir() + "/progress"
	queue := jobs.NewQueue(rdb, cfg.Worker.JobQueuePrefix, cfg.Worker.DelayedJobsKey, zap.NewNop())
	return New(cfg, queue, zap.NewNop()), queue, rdb
}

func TestScanOncePromotesReadyJobs(t *testing.T) {
	m, q, rdb := setup(t)
	ctx := context.Background()

	j := delayedJob{Base: jobs.NewBase(jobs.SuperTypeFrontend, "DelayedJob", "d-1")}
	require.NoError(t, q.EnqueueDelayed(ctx, j, -time.Second))

	m.ScanOnce(ctx)

	n, err := rdb.LLen(ctx, q.QueueKey("DelayedJob")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n, "ready job must be promoted to the main queue")

	remaining, err := rdb.ZCard(ctx, q.DelayedKey()).Result()
	require.NoError(t, err)
	require.Zero(t, remaining, "promoted job must leave the delayed set")
}

func TestScanOnceLeavesFutureJobs(t *testing.T) {
	m, q, rdb := setup(t)
	ctx := context.Background()

	j := delayedJob{Base: jobs.NewBase(jobs.SuperTypeFrontend, "DelayedJob", "d-2")}
	require.NoError(t, q.EnqueueDelayed(ctx, j, time.Hour))

	m.ScanOnce(ctx)

	n, _ := rdb.LLen(ctx, q.QueueKey("DelayedJob")).Result()
	require.Zero(t, n)
	remaining, _ := rdb.ZCard(ctx, q.DelayedKey()).Result()
	require.EqualValues(t, 1, remaining)
}

func TestScanOnceDeduplicatesPromotion(t *testing.T) {
	m, q, rdb := setup(t)
	ctx := context.Background()

	// The same job_id was already enqueued directly; the delayed copy must
	// be collapsed by the dedupe reservation.
	j := delayedJob{Base: jobs.NewBase(jobs.SuperTypeFrontend, "DelayedJob", "d-3")}
	require.NoError(t, q.Enqueue(ctx, j))
	duplicate := delayedJob{Base: jobs.NewBase(jobs.SuperTypeFrontend, "DelayedJob", "d-3")}
	require.NoError(t, q.EnqueueDelayed(ctx, duplicate, -time.Second))

	m.ScanOnce(ctx)

	n, _ := rdb.LLen(ctx, q.QueueKey("DelayedJob")).Result()
	require.EqualValues(t, 1, n)
	remaining, _ := rdb.ZCard(ctx, q.DelayedKey()).Result()
	require.Zero(t, remaining)
}

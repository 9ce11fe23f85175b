// Copyright 2026 NVIDIA Corporation
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/obs"
)

// Queue is a durable FIFO of typed jobs. Each job type has its own routing
// key under the queue prefix; backend queues use a per-backend prefix so each
// backend has an isolated namespace.
type Queue struct {
	rdb        redis.UniversalClient
	prefix     string
	delayedKey string
	log        *zap.Logger
}

func NewQueue(rdb redis.UniversalClient, prefix, delayedKey string, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, prefix: prefix, delayedKey: delayedKey, log: log}
}

// NewBackendQueue returns a queue routed to one backend's namespace.
func NewBackendQueue(rdb redis.UniversalClient, prefix, backend string, log *zap.Logger) *Queue {
	return &Queue{rdb: rdb, prefix: fmt.Sprintf("%s:%s", prefix, backend), log: log}
}

// QueueKey returns the routing key for a job type.
func (q *Queue) QueueKey(jobType string) string {
	return fmt.Sprintf("%s:%s", q.prefix, jobType)
}

// DelayedKey returns the sorted-set key holding delayed jobs.
func (q *Queue) DelayedKey() string { return q.delayedKey }

// Enqueue publishes a job unless an identical job_id is already reserved.
// The publish happens before the reservation is written so a crash between
// the two leaves a runnable message rather than a dangling reservation.
func (q *Queue) Enqueue(ctx context.Context, j Payload) error {
	meta := j.Meta()
	exists, err := q.rdb.Exists(ctx, DedupeKey(meta.JobID)).Result()
	if err != nil {
		return fmt.Errorf("check dedupe key: %w", err)
	}
	if exists == 1 {
		q.log.Info("skipping enqueuing job because it is a duplicate",
			obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID))
		obs.JobsDuplicate.WithLabelValues(meta.JobType).Inc()
		return nil
	}

	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", meta, err)
	}
	return q.publish(ctx, meta, payload)
}

// EnqueueRaw publishes an already-serialized job through the same dedup path.
// Used by the delayed-job monitor when promoting jobs.
func (q *Queue) EnqueueRaw(ctx context.Context, payload []byte) error {
	meta, err := PeekBase(payload)
	if err != nil {
		return err
	}
	exists, err := q.rdb.Exists(ctx, DedupeKey(meta.JobID)).Result()
	if err != nil {
		return fmt.Errorf("check dedupe key: %w", err)
	}
	if exists == 1 {
		q.log.Info("skipping enqueuing job because it is a duplicate",
			obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID))
		obs.JobsDuplicate.WithLabelValues(meta.JobType).Inc()
		return nil
	}
	return q.publish(ctx, meta, payload)
}

func (q *Queue) publish(ctx context.Context, meta Base, payload []byte) error {
	key := q.QueueKey(meta.JobType)
	enqCtx, span := obs.StartEnqueueSpan(ctx, key, meta.JobType)
	defer span.End()

	if err := q.rdb.LPush(enqCtx, key, payload).Err(); err != nil {
		obs.RecordError(enqCtx, err)
		return fmt.Errorf("publish job %s: %w", meta, err)
	}
	// First enqueue wins the reservation; later enqueues of the same job_id
	// are collapsed by the Exists check above or the worker-side read-back.
	if err := q.rdb.SetNX(enqCtx, DedupeKey(meta.JobID), meta.JobUUID, config.UniqueJobTTL).Err(); err != nil {
		q.log.Warn("failed to reserve dedupe key", obs.String("job_id", meta.JobID), obs.Err(err))
	}
	obs.SetSpanSuccess(enqCtx)
	obs.JobsSubmitted.WithLabelValues(meta.JobType).Inc()
	q.log.Info("submitted new job to the job queue",
		obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID))
	return nil
}

// EnqueueDelayed places the serialized job on the delayed sorted set, scored
// by its unix-second release time.
func (q *Queue) EnqueueDelayed(ctx context.Context, j Payload, delay time.Duration) error {
	if q.delayedKey == "" {
		return fmt.Errorf("queue has no delayed job set configured")
	}
	meta := j.Meta()
	payload, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", meta, err)
	}
	release := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{Score: release, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed job %s: %w", meta, err)
	}
	q.log.Info("submitted new delayed job to the job queue",
		obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID),
		obs.String("delay", delay.String()))
	return nil
}

// ReadyDelayed returns all delayed members with release time <= now.
func (q *Queue) ReadyDelayed(ctx context.Context) ([]string, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	return q.rdb.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
}

// RemoveDelayed removes a promoted member from the delayed set.
func (q *Queue) RemoveDelayed(ctx context.Context, member string) error {
	return q.rdb.ZRem(ctx, q.delayedKey, member).Err()
}

// Client exposes the underlying Redis client for worker bookkeeping.
func (q *Queue) Client() redis.UniversalClient { return q.rdb }

// Copyright 2026 NVIDIA Corporation
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
)

// Reaper requeues jobs stranded in the processing list of a worker whose
// heartbeat expired: the queue-side analogue of the operator stream's claim
// reaper.
type Reaper struct {
	cfg   *config.Config
	queue *jobs.Queue
	rdb   redis.UniversalClient
	log   *zap.Logger
}

func NewReaper(cfg *config.Config, queue *jobs.Queue, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, queue: queue, rdb: queue.Client(), log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanOnce(ctx)
		}
	}
}

// processingPattern derives the SCAN glob from the configured processing
// list pattern.
func (r *Reaper) processingPattern() string {
	return fmt.Sprintf(r.cfg.Worker.ProcessingListPattern, "*")
}

// workerIDFrom extracts the worker id from a processing-list key.
func (r *Reaper) workerIDFrom(key string) (string, bool) {
	parts := strings.SplitN(r.cfg.Worker.ProcessingListPattern, "%s", 2)
	if len(parts) != 2 {
		return "", false
	}
	if !strings.HasPrefix(key, parts[0]) || !strings.HasSuffix(key, parts[1]) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, parts[0]), parts[1]), true
}

func (r *Reaper) ScanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.processingPattern(), 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = next
		for _, procList := range keys {
			workerID, ok := r.workerIDFrom(procList)
			if !ok {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.Worker.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue // worker healthy
			}
			r.drainProcessingList(ctx, procList)
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) drainProcessingList(ctx context.Context, procList string) {
	for {
		payload, err := r.rdb.RPop(ctx, procList).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		meta, err := jobs.PeekBase([]byte(payload))
		if err != nil {
			// Poison payload; dropping it here matches the worker's own
			// handling.
			continue
		}
		if err := r.rdb.LPush(ctx, r.queue.QueueKey(meta.JobType), payload).Err(); err != nil {
			r.log.Error("requeue failed", obs.Err(err))
			continue
		}
		r.log.Warn("requeued abandoned job",
			obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID))
	}
}

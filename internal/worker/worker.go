// Copyright 2026 NVIDIA Corporation

// Package worker drains a job queue and executes jobs through a registered
// dispatcher, enforcing per-job deduplication and the workflow-configured
// retry bound.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

// Dispatcher decodes and executes jobs of the types it registered.
type Dispatcher interface {
	JobTypes() []string
	Dispatch(ctx context.Context, meta jobs.Base, payload []byte) (jobs.Result, error)
}

// Worker consumes one queue namespace with a pool of goroutines.
type Worker struct {
	cfg        *config.Config
	queue      *jobs.Queue
	rdb        redis.UniversalClient
	dispatcher Dispatcher
	log        *zap.Logger
	// maxRetry resolves the retry bound per execution so config changes in
	// the store apply without a restart.
	maxRetry func(ctx context.Context) int
	pw       *progress.Writer
	baseID   string
}

func New(cfg *config.Config, queue *jobs.Queue, dispatcher Dispatcher,
	maxRetry func(ctx context.Context) int, log *zap.Logger) *Worker {
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{
		cfg:        cfg,
		queue:      queue,
		rdb:        queue.Client(),
		dispatcher: dispatcher,
		log:        log,
		maxRetry:   maxRetry,
		pw:         progress.NewWriter(cfg.Worker.ProgressFile),
		baseID:     base,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	_ = w.pw.Report()
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(w.cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(w.cfg.Worker.HeartbeatKeyPattern, workerID)

	for ctx.Err() == nil {
		var payload string
		var srcQueue string
		for _, jobType := range w.dispatcher.JobTypes() {
			key := w.queue.QueueKey(jobType)
			deqCtx, deqSpan := obs.StartDequeueSpan(ctx, key)
			v, err := w.rdb.BRPopLPush(deqCtx, key, procList, w.cfg.Worker.BRPopLPushTimeout).Result()
			if err == redis.Nil {
				deqSpan.End()
				continue
			}
			if err != nil {
				obs.RecordError(deqCtx, err)
				deqSpan.End()
				if ctx.Err() != nil {
					return
				}
				w.log.Warn("BRPOPLPUSH error", obs.Err(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
			obs.SetSpanSuccess(deqCtx)
			deqSpan.End()
			payload = v
			srcQueue = key
			break
		}
		if payload == "" {
			// Timed out across all job types; the worker is alive, just idle.
			_ = w.pw.Report()
			continue
		}

		_ = w.rdb.Set(ctx, hbKey, payload, w.cfg.Worker.HeartbeatTTL).Err()
		w.processJob(ctx, srcQueue, procList, hbKey, payload)
		_ = w.pw.Report()
	}
}

// ack removes the payload from the processing list and clears the
// heartbeat.
func (w *Worker) ack(ctx context.Context, procList, hbKey, payload string) {
	if err := w.rdb.LRem(ctx, procList, 1, payload).Err(); err != nil {
		w.log.Error("LREM processing failed", obs.Err(err))
	}
	if err := w.rdb.Del(ctx, hbKey).Err(); err != nil {
		w.log.Error("DEL heartbeat failed", obs.Err(err))
	}
}

func (w *Worker) processJob(ctx context.Context, srcQueue, procList, hbKey, payload string) {
	meta, err := jobs.PeekBase([]byte(payload))
	if err != nil {
		// Poison pill: drop it so it cannot loop forever.
		w.log.Error("invalid job payload", obs.Err(err))
		w.ack(ctx, procList, hbKey, payload)
		return
	}
	log := w.log.With(obs.String("job_type", meta.JobType), obs.String("job_id", meta.JobID))
	log.Info("starting job from the queue")

	// First consumer to write the reservation wins; everyone reads back the
	// winning uuid and only the winner executes.
	dedupeKey := jobs.DedupeKey(meta.JobID)
	_ = w.rdb.SetNX(ctx, dedupeKey, meta.JobUUID, config.UniqueJobTTL).Err()
	winner, err := w.rdb.Get(ctx, dedupeKey).Result()
	if err != nil && err != redis.Nil {
		log.Warn("failed to read dedupe key, requeueing", obs.Err(err))
		_ = w.rdb.LPush(ctx, srcQueue, payload).Err()
		w.ack(ctx, procList, hbKey, payload)
		return
	}
	if winner != meta.JobUUID {
		log.Info("skipping job because it is a duplicate")
		obs.JobsDuplicate.WithLabelValues(meta.JobType).Inc()
		w.ack(ctx, procList, hbKey, payload)
		return
	}

	result := jobs.OK()
	start := time.Now()

	retryCount, err := w.rdb.Incr(ctx, jobs.RetryKey(meta.JobID)).Result()
	limit := int64(w.maxRetry(ctx))
	if err == nil && retryCount > limit {
		result = jobs.Result{
			Status:  jobs.StatusFailedNoRetry,
			Message: fmt.Sprintf("Job %s has exceeded the maximum retry limit of %d", meta.JobID, limit),
		}
		obs.JobsDead.WithLabelValues(meta.JobType).Inc()
		log.Error("job exceeded retry limit", obs.Int64("retries", retryCount))
	} else {
		jobCtx, span := obs.StartJobSpan(ctx, meta.JobType, meta.JobID)
		result, err = w.dispatcher.Dispatch(jobCtx, meta, []byte(payload))
		if err != nil {
			obs.RecordError(jobCtx, err)
			result = jobs.Result{
				Status:  jobs.StatusFailedNoRetry,
				Message: fmt.Sprintf("Job failed with exception %v", err),
			}
			log.Error("fatal exception when running job", obs.Err(err))
		} else {
			obs.SetSpanSuccess(jobCtx)
		}
		span.End()
		log.Info("completed job", obs.String("status", result.String()))

		if result.Status == jobs.StatusSuccess {
			_ = w.rdb.Del(ctx, jobs.RetryKey(meta.JobID)).Err()
		}
	}

	obs.WorkerJobProcessingTime.
		WithLabelValues(meta.JobType, string(result.Status)).
		Observe(time.Since(start).Seconds())

	if result.Retry() {
		obs.JobsRetried.WithLabelValues(meta.JobType).Inc()
		if err := w.rdb.LPush(ctx, srcQueue, payload).Err(); err != nil {
			w.log.Error("LPUSH retry failed", obs.Err(err))
		}
		log.Warn("job requeued for retry")
	}
	w.ack(ctx, procList, hbKey, payload)
}

// FixedRetryLimit returns a maxRetry resolver for a constant bound.
func FixedRetryLimit(limit int) func(ctx context.Context) int {
	return func(context.Context) int { return limit }
}

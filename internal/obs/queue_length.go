// Copyright 2026 NVIDIA Corporation
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
)

// StartQueueLengthUpdater samples job-queue lengths and updates the gauge.
// Disabled when task metrics are turned off.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config,
	rdb redis.UniversalClient, queues []string, log *zap.Logger) {

	if cfg.Observability.DisableTaskMetrics {
		return
	}
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, queue := range queues {
					n, err := rdb.LLen(ctx, queue).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", queue), Err(err))
						continue
					}
					QueueLength.WithLabelValues(queue).Set(float64(n))
				}
			}
		}
	}()
}

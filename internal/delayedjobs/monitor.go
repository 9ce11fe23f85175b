// Copyright 2026 NVIDIA Corporation

// Package delayedjobs promotes jobs from the delayed sorted set onto the
// main queue once their release time passes.
package delayedjobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

type Monitor struct {
	cfg   *config.Config
	queue *jobs.Queue
	log   *zap.Logger
	pw    *progress.Writer
}

func New(cfg *config.Config, queue *jobs.Queue, log *zap.Logger) *Monitor {
	return &Monitor{
		cfg:   cfg,
		queue: queue,
		log:   log,
		pw:    progress.NewWriter(cfg.Worker.ProgressFile),
	}
}

// Run polls the delayed set every poll interval, promoting every member
// whose release time has passed. Progress is written after each iteration
// so staleness implies a stuck process.
func (m *Monitor) Run(ctx context.Context) {
	// The progress file exists immediately for the startup probe.
	_ = m.pw.Report()
	ticker := time.NewTicker(m.cfg.Worker.DelayedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ScanOnce(ctx)
			_ = m.pw.Report()
		}
	}
}

// ScanOnce promotes all currently-ready delayed jobs.
func (m *Monitor) ScanOnce(ctx context.Context) {
	ready, err := m.queue.ReadyDelayed(ctx)
	if err != nil {
		m.log.Warn("delayed job scan error", obs.Err(err))
		return
	}
	for _, member := range ready {
		if err := m.queue.EnqueueRaw(ctx, []byte(member)); err != nil {
			m.log.Error("failed to promote delayed job", obs.Err(err))
			// A payload that still decodes stays in the delayed set for
			// the next scan; one that cannot be decoded is removed, as it
			// would otherwise wedge the monitor forever.
			if _, peekErr := jobs.PeekBase([]byte(member)); peekErr == nil {
				continue
			}
		} else {
			obs.DelayedJobsPromoted.Inc()
		}
		if err := m.queue.RemoveDelayed(ctx, member); err != nil {
			m.log.Error("failed to remove promoted job from delayed set", obs.Err(err))
		}
	}
	obs.DelayedJobsLength.Set(float64(len(ready)))
}

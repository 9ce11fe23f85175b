// Copyright 2026 NVIDIA Corporation

// Package executor runs a user-supplied worker over a generator of typed
// work items across a configurable two-tier fan-out, pooling storage clients
// and aggregating outputs through a monoid.
package executor

import (
	"fmt"
	"runtime"

	"github.com/NVIDIA/osmo/internal/config"
)

const (
	defaultNumThreads = 20
	maxMultiplier     = 8
)

// Params are the executor fan-out tunables. Zero values mean "unset" and
// resolve to the defaults; OSMO_EXECUTOR_* env overrides are applied by the
// config layer.
type Params struct {
	NumProcesses         int
	NumThreads           int
	InflightMultiplier   int
	ChunkQueueMultiplier int
	LogQueueSize         int
}

// FromConfig lifts the configured executor section.
func FromConfig(cfg config.Executor) Params {
	return Params{
		NumProcesses:         cfg.NumProcesses,
		NumThreads:           cfg.NumThreads,
		InflightMultiplier:   cfg.InflightMultiplier,
		ChunkQueueMultiplier: cfg.ChunkQueueMultiplier,
		LogQueueSize:         cfg.LogQueueSize,
	}
}

// Validate bounds the multipliers to prevent runaway resource use.
func (p Params) Validate() error {
	if p.InflightMultiplier > maxMultiplier || p.ChunkQueueMultiplier > maxMultiplier {
		return fmt.Errorf("multiplier too large; will exhaust system resources")
	}
	if p.NumProcesses < 0 || p.NumThreads < 0 {
		return fmt.Errorf("process and thread counts must be positive")
	}
	return nil
}

// ResolvedNumProcesses defaults to an in-process job.
func (p Params) ResolvedNumProcesses() int {
	if p.NumProcesses >= 1 {
		return p.NumProcesses
	}
	return 1
}

// ResolvedNumThreads defaults to the full pool for multi-process jobs and a
// single thread otherwise.
func (p Params) ResolvedNumThreads() int {
	if p.NumThreads >= 1 {
		return p.NumThreads
	}
	if p.ResolvedNumProcesses() > 1 {
		return defaultNumThreads
	}
	return 1
}

func (p Params) inflightMultiplier() int {
	if p.InflightMultiplier >= 1 {
		return p.InflightMultiplier
	}
	return 4
}

func (p Params) chunkQueueMultiplier() int {
	if p.ChunkQueueMultiplier >= 1 {
		return p.ChunkQueueMultiplier
	}
	return 4
}

// ResolvedInflight is the number of items kept in flight per process
// worker; always larger than the thread count.
func (p Params) ResolvedInflight() int {
	threads := p.ResolvedNumThreads()
	inflight := threads * p.inflightMultiplier()
	if inflight <= threads {
		inflight = threads + 1
	}
	return inflight
}

// ResolvedChunkSize keeps chunks in sync with the per-worker inflight
// window.
func (p Params) ResolvedChunkSize() int { return p.ResolvedInflight() }

// ResolvedChunkQueueSize is always larger than the process count.
func (p Params) ResolvedChunkQueueSize() int {
	processes := p.ResolvedNumProcesses()
	size := processes * p.chunkQueueMultiplier()
	if size <= processes {
		size = processes + 1
	}
	return size
}

// DefaultNumProcesses sizes a CPU-bound fan-out.
func DefaultNumProcesses() int { return runtime.NumCPU() }

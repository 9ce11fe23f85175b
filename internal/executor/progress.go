// Copyright 2026 NVIDIA Corporation
package executor

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Environment variables tuning the progress tracker.
const (
	EnvProgressFlushInterval     = "OSMO_PROGRESS_FLUSH_INTERVAL"
	EnvProgressMinUpdateInterval = "OSMO_PROGRESS_MIN_UPDATE_INTERVAL"
)

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// Updater is how workers report progress. Implementations differ only in
// their synchronization: no-op, direct, locked, or aggregated with a
// periodic flush.
type Updater interface {
	Update(totalSizeChange, amountChange int64, name string)
}

// NoopUpdater discards updates.
type NoopUpdater struct{}

func (NoopUpdater) Update(int64, int64, string) {}

// Snapshot is one batch of accumulated progress deltas.
type Snapshot struct {
	TotalSizeChange int64
	AmountChange    int64
	Name            string
}

// aggregatingUpdater accumulates updates from many workers and flushes a
// snapshot to the tracker every flush interval.
type aggregatingUpdater struct {
	mu         sync.Mutex
	pending    Snapshot
	hasUpdates bool
	out        chan<- Snapshot
	interval   time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func newAggregatingUpdater(out chan<- Snapshot) *aggregatingUpdater {
	u := &aggregatingUpdater{
		out:      out,
		interval: envDuration(EnvProgressFlushInterval, time.Second),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go u.flushLoop()
	return u
}

func (u *aggregatingUpdater) Update(totalSizeChange, amountChange int64, name string) {
	u.mu.Lock()
	u.pending.TotalSizeChange += totalSizeChange
	u.pending.AmountChange += amountChange
	if name != "" {
		u.pending.Name = name
	}
	u.hasUpdates = true
	u.mu.Unlock()
}

func (u *aggregatingUpdater) flush() {
	u.mu.Lock()
	if !u.hasUpdates {
		u.mu.Unlock()
		return
	}
	snapshot := u.pending
	u.pending = Snapshot{}
	u.hasUpdates = false
	u.mu.Unlock()
	u.out <- snapshot
}

func (u *aggregatingUpdater) flushLoop() {
	defer close(u.done)
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-u.stop:
			u.flush()
			return
		case <-ticker.C:
			u.flush()
		}
	}
}

func (u *aggregatingUpdater) Close() {
	close(u.stop)
	<-u.done
}

// Tracker renders a byte-denominated progress display: a live bar on
// interactive terminals, periodic textual updates otherwise.
type Tracker struct {
	in          chan Snapshot
	updater     *aggregatingUpdater
	done        chan struct{}
	interactive bool
	minInterval time.Duration

	total     int64
	current   int64
	lastPrint time.Time
	startTime time.Time
}

func isInteractiveSession() bool {
	term := strings.ToLower(os.Getenv("TERM"))
	return term != "" && term != "dumb"
}

// newUpdater wires the progress pipeline for one run.
func newUpdater(enabled bool, _ Params) (Updater, *Tracker) {
	if !enabled {
		return NoopUpdater{}, nil
	}
	snapshots := make(chan Snapshot, 64)
	updater := newAggregatingUpdater(snapshots)
	tracker := &Tracker{
		in:          snapshots,
		updater:     updater,
		done:        make(chan struct{}),
		interactive: isInteractiveSession(),
		minInterval: envDuration(EnvProgressMinUpdateInterval, 250*time.Millisecond),
	}
	return updater, tracker
}

// Start drains snapshots in a dedicated goroutine.
func (t *Tracker) Start() {
	t.startTime = time.Now()
	go func() {
		defer close(t.done)
		for snapshot := range t.in {
			t.total += snapshot.TotalSizeChange
			t.current += snapshot.AmountChange
			t.render(snapshot.Name)
		}
		t.renderFinal()
	}()
}

// Stop flushes pending updates and finishes the display.
func (t *Tracker) Stop() {
	t.updater.Close()
	close(t.in)
	<-t.done
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (t *Tracker) render(name string) {
	if time.Since(t.lastPrint) < t.minInterval {
		return
	}
	t.lastPrint = time.Now()
	percent := 0.0
	if t.total > 0 {
		percent = float64(t.current) / float64(t.total) * 100
	}
	if t.interactive {
		fmt.Fprintf(os.Stderr, "\r%3.0f%% | %s/%s %s",
			percent, formatBytes(t.current), formatBytes(t.total), name)
	} else {
		fmt.Fprintf(os.Stderr, "%3.0f%% | %s/%s [%s]\n",
			percent, formatBytes(t.current), formatBytes(t.total),
			time.Since(t.startTime).Round(time.Second))
	}
}

func (t *Tracker) renderFinal() {
	if t.interactive {
		fmt.Fprintln(os.Stderr)
	}
}

// LockedUpdater guards a direct updater for multi-threaded single-tracker
// use.
type LockedUpdater struct {
	mu    sync.Mutex
	inner Updater
}

func NewLockedUpdater(inner Updater) *LockedUpdater {
	return &LockedUpdater{inner: inner}
}

func (u *LockedUpdater) Update(totalSizeChange, amountChange int64, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inner.Update(totalSizeChange, amountChange, name)
}

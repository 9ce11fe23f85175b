// Copyright 2026 NVIDIA Corporation

// Package progress implements the mtime-based liveness primitive consumed by
// every long-running loop: a writer touches a file whenever the loop makes
// forward progress, and a reader reports the file healthy while the mtime is
// younger than the probe interval.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Writer records forward progress by touching a file's mtime.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Path() string { return w.path }

// Report touches the progress file, creating it (and its directory) if needed.
func (w *Writer) Report() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := time.Now()
	return os.Chtimes(w.path, now, now)
}

// Reader reports whether a progress file has been touched recently.
type Reader struct {
	path string
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// HasRecentProgress returns true iff the file exists and now-mtime < interval.
func (r *Reader) HasRecentProgress(interval time.Duration) bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < interval
}

// CheckAll evaluates colon-separated file and interval-second lists pairwise.
// It returns an error if the lists differ in length, and false if any file is
// stale.
func CheckAll(files, intervals string) (bool, error) {
	fileList := strings.Split(files, ":")
	intervalList := strings.Split(intervals, ":")
	if len(fileList) != len(intervalList) {
		return false, fmt.Errorf("must provide same number of intervals and files")
	}
	for i, file := range fileList {
		secs, err := strconv.ParseFloat(intervalList[i], 64)
		if err != nil {
			return false, fmt.Errorf("invalid interval %q: %w", intervalList[i], err)
		}
		if !NewReader(file).HasRecentProgress(time.Duration(secs * float64(time.Second))) {
			return false, nil
		}
	}
	return true, nil
}

// ReportEvery writes the progress file if at least freq has elapsed since
// last. Returns the timestamp of the most recent write.
func ReportEvery(w *Writer, last time.Time, freq time.Duration) time.Time {
	if time.Since(last) > freq {
		_ = w.Report()
		return time.Now()
	}
	return last
}

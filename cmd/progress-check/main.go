// Copyright 2026 NVIDIA Corporation

// progress-check is the liveness probe helper: it exits 0 iff every progress
// file was touched within its interval. Colon-separated lists probe several
// loops at once.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/NVIDIA/osmo/internal/progress"
)

func envDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func main() {
	var files string
	var intervals string
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&files, "progress-file",
		envDefault("OSMO_PROGRESS_FILE", "/var/run/osmo/last_progress"),
		"Progress file(s) to read, colon-separated")
	fs.StringVar(&intervals, "progress-interval",
		envDefault("OSMO_PROGRESS_INTERVAL", "10"),
		"Progress interval(s) in seconds, colon-separated")
	_ = fs.Parse(os.Args[1:])

	ok, err := progress.CheckAll(files, intervals)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

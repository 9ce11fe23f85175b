// Copyright 2026 NVIDIA Corporation

// Package jobs holds the durable job pipeline shared by the service and the
// backends: typed jobs with per-job deduplication, bounded retries, a delayed
// sorted set, and Redis list queues routed by job type.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	SuperTypeFrontend = "frontend"
	SuperTypeBackend  = "backend"
)

// Status describes the execution status of a job.
type Status string

const (
	// StatusSuccess means the job completed and may be acknowledged.
	StatusSuccess Status = "SUCCESS"
	// StatusFailedRetry means the job failed due to a temporary issue and
	// should be requeued.
	StatusFailedRetry Status = "FAILED_RETRY"
	// StatusFailedNoRetry means the job failed and must not be retried.
	StatusFailedNoRetry Status = "FAILED_NO_RETRY"
)

// Result describes the result of a job.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Retry reports whether the queue should requeue the message.
func (r Result) Retry() bool { return r.Status == StatusFailedRetry }

func (r Result) String() string {
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Status, r.Message)
	}
	return string(r.Status)
}

// OK is the zero-value success result.
func OK() Result { return Result{Status: StatusSuccess} }

// Base carries the identity fields every job serializes with it. JobID is
// stable across enqueues of the same intended effect and drives
// deduplication; JobUUID identifies the one attempt permitted to run.
type Base struct {
	SuperType string `json:"super_type"`
	JobType   string `json:"job_type"`
	JobID     string `json:"job_id"`
	JobUUID   string `json:"job_uuid"`
}

func NewBase(superType, jobType, jobID string) Base {
	return Base{
		SuperType: superType,
		JobType:   jobType,
		JobID:     jobID,
		JobUUID:   uuid.NewString(),
	}
}

func (b Base) Meta() Base { return b }

func (b Base) String() string {
	return fmt.Sprintf("(type=%s, id=%s)", b.JobType, b.JobID)
}

// Payload is anything that can be placed on a job queue.
type Payload interface {
	Meta() Base
}

// PeekBase extracts the identity fields from a serialized job without
// decoding the full job type.
func PeekBase(raw []byte) (Base, error) {
	var b Base
	if err := json.Unmarshal(raw, &b); err != nil {
		return Base{}, fmt.Errorf("decode job envelope: %w", err)
	}
	if b.JobType == "" {
		return Base{}, fmt.Errorf("job envelope missing job_type")
	}
	return b, nil
}

// DedupeKey is the key-value store reservation enforcing exactly-one
// execution per job_id.
func DedupeKey(jobID string) string { return "dedupe:" + jobID }

// RetryKey is the per-job_id retry counter.
func RetryKey(jobID string) string { return "retry:" + jobID }

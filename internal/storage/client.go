// Copyright 2026 NVIDIA Corporation

// Package storage defines the uniform storage-backend capability consumed by
// the data-movement layer, the retry harness every call runs through, and
// the resumable byte stream. Concrete protocol implementations live outside
// the core.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// APIContext tracks one storage-client operation across retries.
type APIContext struct {
	StartTime       time.Time
	EndTime         time.Time
	LastAttemptTime time.Time
	Retries         int
	Errors          []error
}

// NewAPIContext opens a context at call entry.
func NewAPIContext() *APIContext {
	now := time.Now()
	// Retries counts completed attempts minus one, so a successful
	// single-shot call reports zero retries.
	return &APIContext{StartTime: now, LastAttemptTime: now, Retries: -1}
}

// Attempts is retries + 1.
func (c *APIContext) Attempts() int { return c.Retries + 1 }

// IncrementAttempt records the start of an attempt.
func (c *APIContext) IncrementAttempt() {
	c.Retries++
	c.LastAttemptTime = time.Now()
}

// AddError records a failed attempt's error.
func (c *APIContext) AddError(err error) { c.Errors = append(c.Errors, err) }

// Finish closes the context at call exit.
func (c *APIContext) Finish() { c.EndTime = time.Now() }

// IsFinished reports whether the call has completed.
func (c *APIContext) IsFinished() bool { return !c.EndTime.IsZero() }

// ElapsedTime is the wall time of the call so far.
func (c *APIContext) ElapsedTime() time.Duration {
	end := c.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(c.StartTime)
}

// APIResponse wraps a concrete result with its execution context.
type APIResponse[T any] struct {
	Result  T
	Context *APIContext
}

// ErrorHandler decides whether a failed attempt is retried.
type ErrorHandler interface {
	// Eligible reports whether the error may be handled at all; ineligible
	// errors propagate unchanged.
	Eligible(err error) bool
	// HandleError inspects the error and context and reports whether to
	// retry.
	HandleError(err error, ctx *APIContext) bool
}

// ClientError is the terminal wrapper after all attempts failed.
type ClientError struct {
	Message string
	Context *APIContext
	cause   error
}

func (e *ClientError) Error() string { return e.Message }
func (e *ClientError) Unwrap() error { return e.cause }

// ExecuteAPI is the retry harness every storage call runs through.
func ExecuteAPI[T any](call func() (T, error), handler ErrorHandler, ctx *APIContext) (APIResponse[T], error) {
	if ctx == nil {
		ctx = NewAPIContext()
		defer ctx.Finish()
	}
	var lastErr error
	for {
		ctx.IncrementAttempt()
		result, err := call()
		if err == nil {
			return APIResponse[T]{Result: result, Context: ctx}, nil
		}
		lastErr = err
		ctx.AddError(err)
		if !handler.Eligible(err) {
			return APIResponse[T]{}, err
		}
		if !handler.HandleError(err, ctx) {
			break
		}
	}
	return APIResponse[T]{}, &ClientError{
		Message: fmt.Sprintf("API call failed after %d attempts with error: %v",
			ctx.Attempts(), lastErr),
		Context: ctx,
		cause:   lastErr,
	}
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Name         string
	Size         int64
	Checksum     string
	LastModified time.Time
	IsDirectory  bool
}

// Client is the capability set every storage backend provides.
type Client interface {
	Exists(ctx context.Context, bucket, key string) (bool, *ObjectInfo, error)
	Info(ctx context.Context, bucket, key string) (*ObjectInfo, error)
	// Get opens a resumable stream over the object's bytes.
	Get(ctx context.Context, bucket, key string) (*ResumableStream, error)
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Upload(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Download(ctx context.Context, bucket, key string, dest io.Writer) (int64, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
	Close() error
}

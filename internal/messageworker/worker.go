// Copyright 2026 NVIDIA Corporation

// Package messageworker drains agent-originated messages from the operator
// Redis Stream into database writes, using a consumer group with an
// automatic claim reaper for crash recovery.
package messageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

const (
	// StreamName is the Redis Stream carrying operator messages from all
	// backends.
	StreamName = "{osmo}:{message-queue}:operator_messages"
	// GroupName is the consumer group shared by all message workers.
	GroupName = "message_workers"
	// messageClaimIdleTime is how long an entry may stay pending before
	// another worker claims it.
	messageClaimIdleTime = 300000 * time.Millisecond

	readBlock      = time.Second
	claimEveryNth  = 10
	claimBatchSize = 10
)

// Handlers applies decoded operator messages to the relational store.
type Handlers interface {
	HandleUpdatePod(ctx context.Context, backend string, body messages.UpdatePodBody) error
	HandleResource(ctx context.Context, backend string, body messages.ResourceBody) error
	HandleResourceUsage(ctx context.Context, backend string, body messages.ResourceUsageBody) error
}

type Worker struct {
	rdb      redis.UniversalClient
	handlers Handlers
	log      *zap.Logger
	pw       *progress.Writer
	consumer string
}

func New(cfg *config.Config, rdb redis.UniversalClient, handlers Handlers, log *zap.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		rdb:      rdb,
		handlers: handlers,
		log:      log,
		pw:       progress.NewWriter(cfg.Worker.ProgressFile),
		consumer: fmt.Sprintf("worker-%s-%d", host, os.Getpid()),
	}
}

// EnsureGroup creates the consumer group (and the stream) if absent.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, StreamName, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	w.log.Info("message worker initialized",
		obs.String("stream", StreamName), obs.String("group", GroupName),
		obs.String("consumer", w.consumer))
	return nil
}

// Run is the main consume loop: blocking reads of one entry at a time, with
// a claim pass every tenth iteration.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}
	iteration := 0
	for ctx.Err() == nil {
		iteration++
		if iteration%claimEveryNth == 0 {
			w.ClaimAbandoned(ctx)
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    GroupName,
			Consumer: w.consumer,
			Streams:  []string{StreamName, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		_ = w.pw.Report()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("error in worker main loop", obs.Err(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				w.ProcessEntry(ctx, entry)
			}
		}
	}
	w.log.Info("message worker stopped")
	return nil
}

// ClaimAbandoned rescues entries pending longer than the idle threshold and
// processes them as if they were fresh.
func (w *Worker) ClaimAbandoned(ctx context.Context) {
	claimed, _, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    GroupName,
		Consumer: w.consumer,
		MinIdle:  messageClaimIdleTime,
		Start:    "0-0",
		Count:    claimBatchSize,
	}).Result()
	if err != nil {
		w.log.Error("error claiming abandoned messages", obs.Err(err))
		return
	}
	if len(claimed) == 0 {
		return
	}
	w.log.Warn("claimed abandoned messages from other workers", obs.Int("count", len(claimed)))
	for _, entry := range claimed {
		w.ProcessEntry(ctx, entry)
	}
	_ = w.pw.Report()
}

// operatorMessage is the protobuf-shaped one-of body published by the
// service side of the agent plane.
type operatorMessage struct {
	UpdatePod     *messages.UpdatePodBody     `json:"update_pod,omitempty"`
	Resource      *messages.ResourceBody      `json:"resource,omitempty"`
	ResourceUsage *messages.ResourceUsageBody `json:"resource_usage,omitempty"`
	UUID          string                      `json:"uuid,omitempty"`
	Timestamp     *time.Time                  `json:"timestamp,omitempty"`
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.rdb.XAck(ctx, StreamName, GroupName, id).Err(); err != nil {
		w.log.Error("XACK failed", obs.String("id", id), obs.Err(err))
	}
}

// ProcessEntry decodes and dispatches one stream entry. Deserialization
// failures are acked so a poison entry cannot loop; handler failures are
// left pending for the claim reaper.
func (w *Worker) ProcessEntry(ctx context.Context, entry redis.XMessage) {
	rawMessage, okMessage := entry.Values["message"].(string)
	backend, okBackend := entry.Values["backend"].(string)
	if !okMessage || !okBackend {
		w.log.Error("stream entry missing message or backend field", obs.String("id", entry.ID))
		w.ack(ctx, entry.ID)
		return
	}

	var decoded operatorMessage
	if err := json.Unmarshal([]byte(rawMessage), &decoded); err != nil {
		w.log.Error("invalid JSON in message", obs.String("id", entry.ID), obs.Err(err))
		w.ack(ctx, entry.ID)
		return
	}

	var messageType string
	var handlerErr error
	start := time.Now()
	switch {
	case decoded.UpdatePod != nil:
		messageType = string(messages.TypeUpdatePod)
		handlerErr = w.handlers.HandleUpdatePod(ctx, backend, *decoded.UpdatePod)
	case decoded.Resource != nil:
		messageType = string(messages.TypeResource)
		handlerErr = w.handlers.HandleResource(ctx, backend, *decoded.Resource)
	case decoded.ResourceUsage != nil:
		messageType = string(messages.TypeResourceUsage)
		handlerErr = w.handlers.HandleResourceUsage(ctx, backend, *decoded.ResourceUsage)
	default:
		w.log.Error("unknown message type in operator message", obs.String("id", entry.ID))
		w.ack(ctx, entry.ID)
		return
	}

	if handlerErr != nil {
		// Leave the entry pending: another worker claims it once it has
		// been idle past the threshold.
		w.log.Error("error processing message",
			obs.String("id", entry.ID), obs.String("type", messageType), obs.Err(handlerErr))
		return
	}

	w.ack(ctx, entry.ID)

	if decoded.Timestamp != nil {
		obs.BackendEventProcessingTime.WithLabelValues(messageType).
			Observe(time.Since(*decoded.Timestamp).Seconds())
	} else {
		obs.BackendEventProcessingTime.WithLabelValues(messageType).
			Observe(time.Since(start).Seconds())
	}
	obs.BackendEventCount.WithLabelValues(messageType).Inc()
	_ = w.pw.Report()
}

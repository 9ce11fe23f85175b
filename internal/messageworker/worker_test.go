package messageworker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/messages"
)

type fakeHandlers struct {
	updatePods []messages.UpdatePodBody
	resources  []messages.ResourceBody
	usages     []messages.ResourceUsageBody
	failWith   error
}

func (h *fakeHandlers) HandleUpdatePod(_ context.Context, _ string, body messages.UpdatePodBody) error {
	if h.failWith != nil {
		return h.failWith
	}
	h.updatePods = append(h.updatePods, body)
	return nil
}

func (h *fakeHandlers) HandleResource(_ context.Context, _ string, body messages.ResourceBody) error {
	if h.failWith != nil {
		return h.failWith
	}
	h.resources = append(h.resources, body)
	return nil
}

func (h *fakeHandlers) HandleResourceUsage(_ context.Context, _ string, body messages.ResourceUsageBody) error {
	if h.failWith != nil {
		return h.failWith
	}
	h.usages = append(h.usages, body)
	return nil
}

func setup(t *testing.T) (*Worker, *fakeHandlers, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Worker.ProgressFile = t.TempDir() + "/progress"
	handlers := &fakeHandlers{}
	w := New(cfg, rdb, handlers, zap.NewNop())
	require.NoError(t, w.EnsureGroup(context.Background()))
	return w, handlers, rdb, mr
}

func addEntry(t *testing.T, rdb *redis.Client, body map[string]interface{}) string {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{"message": string(raw), "backend": "cluster-a"},
	}).Result()
	require.NoError(t, err)
	return id
}

func readOne(t *testing.T, w *Worker, rdb *redis.Client) redis.XMessage {
	t.Helper()
	streams, err := rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: w.consumer,
		Streams:  []string{StreamName, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.Len(t, streams[0].Messages, 1)
	return streams[0].Messages[0]
}

func pendingCount(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	pending, err := rdb.XPending(context.Background(), StreamName, GroupName).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	w, _, _, _ := setup(t)
	require.NoError(t, w.EnsureGroup(context.Background()))
}

func TestProcessUpdatePodEntry(t *testing.T) {
	w, handlers, rdb, _ := setup(t)
	now := time.Now().UTC()
	addEntry(t, rdb, map[string]interface{}{
		"update_pod": messages.UpdatePodBody{
			WorkflowUUID: "wf-1", TaskUUID: "task-1", RetryID: 0,
			Container: "osmo-exec", Status: "RUNNING", Backend: "cluster-a",
		},
		"uuid":      "m-1",
		"timestamp": now,
	})

	entry := readOne(t, w, rdb)
	w.ProcessEntry(context.Background(), entry)

	require.Len(t, handlers.updatePods, 1)
	require.Equal(t, "task-1", handlers.updatePods[0].TaskUUID)
	require.Zero(t, pendingCount(t, rdb), "processed entries must be acked")
}

func TestUnknownBodyIsAckedAndDropped(t *testing.T) {
	w, handlers, rdb, _ := setup(t)
	addEntry(t, rdb, map[string]interface{}{"heartbeat": map[string]interface{}{"time": time.Now()}})

	entry := readOne(t, w, rdb)
	w.ProcessEntry(context.Background(), entry)

	require.Empty(t, handlers.updatePods)
	require.Zero(t, pendingCount(t, rdb), "poison entries must be acked")
}

func TestInvalidJSONIsAcked(t *testing.T) {
	w, _, rdb, _ := setup(t)
	_, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{"message": "{broken", "backend": "cluster-a"},
	}).Result()
	require.NoError(t, err)

	entry := readOne(t, w, rdb)
	w.ProcessEntry(context.Background(), entry)
	require.Zero(t, pendingCount(t, rdb))
}

func TestHandlerErrorLeavesEntryPending(t *testing.T) {
	w, handlers, rdb, _ := setup(t)
	handlers.failWith = fmt.Errorf("database unavailable")
	addEntry(t, rdb, map[string]interface{}{
		"resource": messages.ResourceBody{Hostname: "node-1", Available: true},
	})

	entry := readOne(t, w, rdb)
	w.ProcessEntry(context.Background(), entry)

	require.EqualValues(t, 1, pendingCount(t, rdb),
		"database errors must not ack so another worker can claim the entry")
}

func TestClaimAbandonedRecoversIdleEntries(t *testing.T) {
	w, handlers, rdb, mr := setup(t)

	// A different consumer reads the entry and crashes without acking.
	addEntry(t, rdb, map[string]interface{}{
		"resource_usage": messages.ResourceUsageBody{
			Hostname:    "node-1",
			UsageFields: map[string]string{"cpu": "4"},
		},
	})
	_, err := rdb.XReadGroup(context.Background(), &redis.XReadGroupArgs{
		Group:    GroupName,
		Consumer: "worker-crashed-1",
		Streams:  []string{StreamName, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pendingCount(t, rdb))

	// Within the idle threshold nothing is claimed.
	w.ClaimAbandoned(context.Background())
	require.Empty(t, handlers.usages)

	// Push pending idle time past the threshold.
	mr.SetTime(time.Now().Add(6 * time.Minute))

	w.ClaimAbandoned(context.Background())
	require.Len(t, handlers.usages, 1)
	require.Zero(t, pendingCount(t, rdb))
}

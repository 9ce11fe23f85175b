package agentws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/messages"
)

func heartbeat(t *testing.T) messages.Message {
	t.Helper()
	return messages.MustNew(messages.TypeHeartbeat, messages.HeartbeatBody{Time: time.Now()})
}

func TestUnackedPreservesInsertionOrder(t *testing.T) {
	u := NewUnacked(StreamPod, 10, zap.NewNop())
	ctx := context.Background()

	var uuids []string
	for i := 0; i < 5; i++ {
		m := heartbeat(t)
		uuids = append(uuids, m.UUID)
		require.NoError(t, u.Add(ctx, m))
	}

	listed := u.List()
	require.Len(t, listed, 5)
	for i, m := range listed {
		require.Equal(t, uuids[i], m.UUID)
	}

	// Removing from the middle keeps the remaining order.
	u.Remove(uuids[2])
	listed = u.List()
	require.Len(t, listed, 4)
	require.Equal(t, []string{uuids[0], uuids[1], uuids[3], uuids[4]},
		[]string{listed[0].UUID, listed[1].UUID, listed[2].UUID, listed[3].UUID})
}

func TestUnackedBlocksAtCapacityUntilAck(t *testing.T) {
	u := NewUnacked(StreamPod, 2, zap.NewNop())
	ctx := context.Background()

	first := heartbeat(t)
	require.NoError(t, u.Add(ctx, first))
	require.NoError(t, u.Add(ctx, heartbeat(t)))
	require.Equal(t, 2, u.Len())

	blocked := make(chan error, 1)
	go func() {
		blocked <- u.Add(ctx, heartbeat(t))
	}()

	select {
	case <-blocked:
		t.Fatal("Add must block while the buffer is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	u.Remove(first.UUID)
	select {
	case err := <-blocked:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Add must unblock once an ack arrives")
	}
	require.Equal(t, 2, u.Len())
}

func TestUnackedAddHonorsContextCancellation(t *testing.T) {
	u := NewUnacked(StreamPod, 1, zap.NewNop())
	require.NoError(t, u.Add(context.Background(), heartbeat(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := u.Add(ctx, heartbeat(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnackedRemoveUnknownUUIDIsHarmless(t *testing.T) {
	u := NewUnacked(StreamPod, 2, zap.NewNop())
	u.Remove("never-sent")
	require.Equal(t, 0, u.Len())
}

package agentws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/messages"
)

// fakeConn is an in-memory wsConn: writes are captured, reads come from a
// channel, and Close unblocks readers.
type fakeConn struct {
	mu      sync.Mutex
	written []messages.Message
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	msg, err := messages.Unmarshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-c.incoming:
		return 1, raw, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenMessages() []messages.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]messages.Message, len(c.written))
	copy(out, c.written)
	return out
}

func newTestStream(name string, conns chan *fakeConn) (*Stream, chan messages.Message) {
	sendQueue := make(chan messages.Message, 64)
	s := &Stream{
		Name:      name,
		URL:       "ws://service/api/agent/listener/" + name + "/backend/cluster-a",
		Init:      messages.InitBody{K8sUID: "uid-1", K8sNamespace: "osmo", Version: "dev", NodeConditionPrefix: "osmo.nvidia.com/"},
		SendQueue: sendQueue,
		Unacked:   NewUnacked(name, 100, zap.NewNop()),
		Auth:      StaticHeaders(http.Header{}),
		Log:       zap.NewNop(),
		Backoff:   10 * time.Millisecond,
		dial: func(ctx context.Context, urlStr string, header http.Header) (wsConn, error) {
			select {
			case conn := <-conns:
				return conn, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	return s, sendQueue
}

func waitForWritten(t *testing.T, conn *fakeConn, n int) []messages.Message {
	t.Helper()
	var got []messages.Message
	require.Eventually(t, func() bool {
		got = conn.writtenMessages()
		return len(got) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestStreamSendsInitFirstThenTraffic(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	conn := newFakeConn()
	conns <- conn
	s, sendQueue := newTestStream(StreamPod, conns)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msg := messages.MustNew(messages.TypeHeartbeat, messages.HeartbeatBody{Time: time.Now()})
	sendQueue <- msg

	written := waitForWritten(t, conn, 2)
	require.Equal(t, messages.TypeInit, written[0].Type)
	require.Equal(t, msg.UUID, written[1].UUID)
	require.Equal(t, 1, s.Unacked.Len())
}

func TestStreamReplaysUnackedInOrderAfterReconnect(t *testing.T) {
	conns := make(chan *fakeConn, 2)
	first := newFakeConn()
	conns <- first
	s, sendQueue := newTestStream(StreamPod, conns)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var uuids []string
	for i := 0; i < 3; i++ {
		m := messages.MustNew(messages.TypeHeartbeat, messages.HeartbeatBody{Time: time.Now()})
		uuids = append(uuids, m.UUID)
		sendQueue <- m
	}
	waitForWritten(t, first, 4) // init + 3 messages

	// Drop the connection without any acks; a fresh one is dialed.
	second := newFakeConn()
	conns <- second
	first.Close()

	written := waitForWritten(t, second, 4)
	require.Equal(t, messages.TypeInit, written[0].Type)
	for i, uuid := range uuids {
		require.Equal(t, uuid, written[i+1].UUID, "replay must preserve insertion order")
	}
}

func TestStreamAckRemovesFromUnacked(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	conn := newFakeConn()
	conns <- conn
	s, sendQueue := newTestStream(StreamPod, conns)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msg := messages.MustNew(messages.TypeHeartbeat, messages.HeartbeatBody{Time: time.Now()})
	sendQueue <- msg
	waitForWritten(t, conn, 2)
	require.Equal(t, 1, s.Unacked.Len())

	ack := messages.MustNew(messages.TypeAck, messages.AckBody{UUID: msg.UUID})
	raw, err := ack.Marshal()
	require.NoError(t, err)
	conn.incoming <- raw

	require.Eventually(t, func() bool { return s.Unacked.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestControlStreamRoutesNodeConditionsAndNeverSends(t *testing.T) {
	conns := make(chan *fakeConn, 1)
	conn := newFakeConn()
	conns <- conn
	s, sendQueue := newTestStream(StreamControl, conns)
	controlRoute := make(chan messages.Message, 1)
	s.ControlRoute = controlRoute

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitForWritten(t, conn, 1) // init handshake only

	update := messages.MustNew(messages.TypeNodeConditions, messages.NodeConditionsBody{
		Rules: map[string]string{"^DiskPressure$": "False"},
	})
	raw, err := update.Marshal()
	require.NoError(t, err)
	conn.incoming <- raw

	select {
	case routed := <-controlRoute:
		require.Equal(t, messages.TypeNodeConditions, routed.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("node_conditions must be routed to the control handler")
	}

	// The control stream has no send loop: queued messages stay queued.
	sendQueue <- messages.MustNew(messages.TypeHeartbeat, messages.HeartbeatBody{Time: time.Now()})
	time.Sleep(50 * time.Millisecond)
	require.Len(t, conn.writtenMessages(), 1)
}

func TestStreamURL(t *testing.T) {
	url, err := StreamURL("https://osmo.example.com", StreamPod, "cluster-a")
	require.NoError(t, err)
	require.Equal(t, "wss://osmo.example.com/api/agent/listener/pod/backend/cluster-a", url)

	url, err = StreamURL("http://127.0.0.1:8000", StreamControl, "b")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8000/api/agent/listener/control/backend/b", url)
}

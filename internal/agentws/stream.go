// Copyright 2026 NVIDIA Corporation
package agentws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

// Stream names of the five per-backend websockets.
const (
	StreamControl   = "control"
	StreamPod       = "pod"
	StreamNode      = "node"
	StreamEvent     = "event"
	StreamHeartbeat = "heartbeat"
)

const (
	sendPollTimeout   = 60 * time.Second
	reconnectBackoff  = 3 * time.Second
	heartbeatInterval = 20 * time.Second
)

// HeaderProvider resolves (and refreshes) the auth headers for a connection.
type HeaderProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StaticHeaders is a HeaderProvider for fixed headers (dev and tests).
type StaticHeaders http.Header

func (h StaticHeaders) Headers(context.Context) (http.Header, error) {
	return http.Header(h), nil
}

// StreamURL builds the websocket URL for one stream of one backend.
func StreamURL(serviceURL, stream, backend string) (string, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/agent/listener/%s/backend/%s",
		scheme, parsed.Host, stream, backend), nil
}

// WorkerURL builds the websocket URL for a backend worker connection.
func WorkerURL(serviceURL, backend string) (string, error) {
	parsed, err := url.Parse(serviceURL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/agent/worker/backend/%s", scheme, parsed.Host, backend), nil
}

// Stream is one persistent full-duplex connection between the agent and the
// service. The control stream is receive-only.
type Stream struct {
	Name      string
	URL       string
	Init      messages.InitBody
	SendQueue chan messages.Message
	Unacked   *Unacked
	// ControlRoute receives node_conditions messages regardless of which
	// stream they arrive on; the control-handling thread drains it.
	ControlRoute chan<- messages.Message
	Auth         HeaderProvider
	Progress     *progress.Writer
	Log          *zap.Logger
	// Backoff between reconnect attempts; defaults to 3 seconds.
	Backoff time.Duration

	dial func(ctx context.Context, urlStr string, header http.Header) (wsConn, error)
}

// wsConn is the subset of *websocket.Conn the stream uses; tests substitute
// it.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	Close() error
}

func gorillaDial(ctx context.Context, urlStr string, header http.Header) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Run connects, performs the init handshake, replays unacked messages, then
// pumps both directions until the transport fails; it reconnects forever
// with a fixed backoff.
func (s *Stream) Run(ctx context.Context) {
	if s.dial == nil {
		s.dial = gorillaDial
	}
	if s.Backoff <= 0 {
		s.Backoff = reconnectBackoff
	}
	for ctx.Err() == nil {
		if s.Progress != nil {
			_ = s.Progress.Report()
		}
		headers := http.Header{}
		if s.Auth != nil {
			resolved, err := s.Auth.Headers(ctx)
			if err != nil {
				s.Log.Warn("failed to resolve auth headers", obs.String("stream", s.Name), obs.Err(err))
				sleepCtx(ctx, s.Backoff)
				continue
			}
			headers = resolved
		}

		conn, err := s.dial(ctx, s.URL, headers)
		if err != nil {
			s.Log.Info("websocket connection failed, reconnecting",
				obs.String("stream", s.Name), obs.Err(err))
			obs.WebsocketDisconnects.WithLabelValues(s.Name).Inc()
			sleepCtx(ctx, s.Backoff)
			continue
		}

		err = s.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.Log.Info("websocket connection closed, reconnecting",
			obs.String("stream", s.Name), obs.Err(err))
		obs.WebsocketDisconnects.WithLabelValues(s.Name).Inc()
		sleepCtx(ctx, s.Backoff)
	}
}

func (s *Stream) serve(ctx context.Context, conn wsConn) error {
	initMsg, err := messages.New(messages.TypeInit, s.Init)
	if err != nil {
		return err
	}
	if err := s.writeMessage(conn, initMsg); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	// Replay everything still awaiting an ack, in insertion order, before
	// any new producer traffic.
	for _, msg := range s.Unacked.List() {
		if err := s.writeMessage(conn, msg); err != nil {
			return fmt.Errorf("replay unacked: %w", err)
		}
		if s.Progress != nil {
			_ = s.Progress.Report()
		}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(serveCtx)

	group.Go(func() error { return s.recvLoop(groupCtx, conn) })
	if s.Name != StreamControl {
		group.Go(func() error { return s.sendLoop(groupCtx, conn) })
	}
	return group.Wait()
}

func (s *Stream) writeMessage(conn wsConn, msg messages.Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Stream) sendLoop(ctx context.Context, conn wsConn) error {
	timer := time.NewTimer(sendPollTimeout)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sendPollTimeout)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// Poll timeout: punctuation only, lets the progress writer run.
			if s.Progress != nil {
				_ = s.Progress.Report()
			}
		case msg := <-s.SendQueue:
			if err := s.Unacked.Add(ctx, msg); err != nil {
				s.requeue(msg)
				return err
			}
			if err := s.writeMessage(conn, msg); err != nil {
				// The in-flight message goes back on the queue for the next
				// connection. It is also in the unacked buffer, so the next
				// connection replays it and then sends it again from the
				// queue: the buffer keeps one entry per uuid, but the
				// service may receive the message twice.
				s.requeue(msg)
				return err
			}
			obs.MessageTransmissions.WithLabelValues(s.Name).Inc()
			if s.Progress != nil {
				_ = s.Progress.Report()
			}
		}
	}
}

func (s *Stream) requeue(msg messages.Message) {
	select {
	case s.SendQueue <- msg:
	default:
		s.Log.Warn("send queue full, dropping in-flight message",
			obs.String("stream", s.Name), obs.String("uuid", msg.UUID))
	}
}

func (s *Stream) recvLoop(ctx context.Context, conn wsConn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := messages.Unmarshal(raw)
		if err != nil {
			s.Log.Warn("invalid message received", obs.String("stream", s.Name), obs.Err(err))
			continue
		}
		switch msg.Type {
		case messages.TypeAck:
			body, err := msg.Decode()
			if err != nil {
				s.Log.Warn("invalid ack body", obs.String("stream", s.Name), obs.Err(err))
				continue
			}
			s.Unacked.Remove(body.(messages.AckBody).UUID)
		case messages.TypeNodeConditions:
			if s.ControlRoute != nil {
				select {
				case s.ControlRoute <- msg:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		default:
			s.Log.Warn("unknown message type",
				obs.String("stream", s.Name), obs.String("type", string(msg.Type)))
		}
		if s.Progress != nil {
			_ = s.Progress.Report()
		}
	}
}

// RunHeartbeat emits one heartbeat message every 20 seconds onto the
// heartbeat stream's send queue.
func RunHeartbeat(ctx context.Context, sendQueue chan<- messages.Message) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := messages.MustNew(messages.TypeHeartbeat,
				messages.HeartbeatBody{Time: time.Now().UTC()})
			select {
			case sendQueue <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// StreamNames lists the five streams in a stable order.
func StreamNames() []string {
	return []string{StreamControl, StreamPod, StreamNode, StreamEvent, StreamHeartbeat}
}

// IsSendStream reports whether a stream carries agent-originated traffic.
func IsSendStream(name string) bool {
	return !strings.EqualFold(name, StreamControl)
}

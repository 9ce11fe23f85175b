// Copyright 2026 NVIDIA Corporation

// Package agentapi is the service side of the agent plane: it terminates the
// five per-backend websocket streams, acknowledges every accepted message,
// and forwards the pod/node payloads into the operator Redis Stream drained
// by the message workers.
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/agentws"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/messageworker"
	"github.com/NVIDIA/osmo/internal/obs"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server terminates agent websockets and publishes operator messages.
type Server struct {
	rdb redis.UniversalClient
	log *zap.Logger

	mu       sync.Mutex
	controls map[string]*websocket.Conn
}

func NewServer(rdb redis.UniversalClient, log *zap.Logger) *Server {
	return &Server{rdb: rdb, log: log, controls: make(map[string]*websocket.Conn)}
}

// Register installs the agent routes on the router.
func (s *Server) Register(router *mux.Router) {
	router.HandleFunc("/api/agent/listener/{stream}/backend/{backend}", s.handleListener)
	router.HandleFunc("/api/agent/worker/backend/{backend}", s.handleWorker)
}

// handleWorker terminates a backend worker connection: job logs and
// job_status results arrive here.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			obs.String("stream", "worker"), obs.String("backend", backend), obs.Err(err))
		return
	}
	defer conn.Close()
	s.readLoop(r.Context(), conn, "worker", backend)
}

func (s *Server) handleListener(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	stream := vars["stream"]
	backend := vars["backend"]

	valid := false
	for _, name := range agentws.StreamNames() {
		if stream == name {
			valid = true
			break
		}
	}
	if !valid {
		http.Error(w, fmt.Sprintf("unknown stream %q", stream), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed",
			obs.String("stream", stream), obs.String("backend", backend), obs.Err(err))
		return
	}
	defer conn.Close()

	if stream == agentws.StreamControl {
		s.registerControl(backend, conn)
		defer s.unregisterControl(backend, conn)
		// The agent never sends on the control stream beyond init; block
		// reading so disconnects are noticed.
	}

	s.readLoop(r.Context(), conn, stream, backend)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, stream, backend string) {
	s.log.Info("agent stream connected",
		obs.String("stream", stream), obs.String("backend", backend))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("agent stream disconnected",
				obs.String("stream", stream), obs.String("backend", backend), obs.Err(err))
			return
		}
		msg, err := messages.Unmarshal(raw)
		if err != nil {
			s.log.Warn("invalid agent message",
				obs.String("stream", stream), obs.String("backend", backend), obs.Err(err))
			continue
		}
		s.handleMessage(ctx, conn, stream, backend, msg)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn,
	stream, backend string, msg messages.Message) {

	switch msg.Type {
	case messages.TypeInit:
		body, err := msg.Decode()
		if err != nil {
			s.log.Warn("invalid init body", obs.Err(err))
			return
		}
		init := body.(messages.InitBody)
		s.log.Info("agent initialized",
			obs.String("backend", backend), obs.String("stream", stream),
			obs.String("k8s_uid", init.K8sUID), obs.String("version", init.Version))
		// The init handshake is not acked; it carries no uuid the agent
		// buffers.
		return

	case messages.TypeUpdatePod, messages.TypeResource, messages.TypeResourceUsage:
		if err := s.publishOperatorMessage(ctx, backend, msg); err != nil {
			s.log.Error("failed to publish operator message",
				obs.String("backend", backend), obs.Err(err))
			// No ack: the agent replays it on reconnect.
			return
		}

	case messages.TypeHeartbeat, messages.TypePodLog, messages.TypeLogging,
		messages.TypePodEvent, messages.TypePodConditions, messages.TypeMonitorPod,
		messages.TypeDeleteResource, messages.TypeNodeHash, messages.TypeJobStatus:
		// Accepted; side effects beyond the operator stream are handled by
		// their dedicated consumers.

	default:
		s.log.Warn("unexpected agent message type",
			obs.String("stream", stream), obs.String("type", string(msg.Type)))
		return
	}

	s.ack(conn, msg.UUID)
}

// publishOperatorMessage re-shapes the envelope into the stream's one-of
// format: {<type>: body, uuid, timestamp} plus the backend field.
func (s *Server) publishOperatorMessage(ctx context.Context, backend string,
	msg messages.Message) error {

	oneOf := map[string]interface{}{
		string(msg.Type): json.RawMessage(msg.Body),
		"uuid":           msg.UUID,
		"timestamp":      msg.Timestamp,
	}
	payload, err := json.Marshal(oneOf)
	if err != nil {
		return fmt.Errorf("marshal operator message: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: messageworker.StreamName,
		Values: map[string]interface{}{"message": string(payload), "backend": backend},
	}).Err()
}

func (s *Server) ack(conn *websocket.Conn, uuid string) {
	ackMsg := messages.MustNew(messages.TypeAck, messages.AckBody{UUID: uuid})
	raw, err := ackMsg.Marshal()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.log.Warn("failed to send ack", obs.String("uuid", uuid), obs.Err(err))
	}
}

func (s *Server) registerControl(backend string, conn *websocket.Conn) {
	s.mu.Lock()
	s.controls[backend] = conn
	s.mu.Unlock()
}

func (s *Server) unregisterControl(backend string, conn *websocket.Conn) {
	s.mu.Lock()
	if s.controls[backend] == conn {
		delete(s.controls, backend)
	}
	s.mu.Unlock()
}

// PushNodeConditions sends a new rule set to a backend's control stream.
func (s *Server) PushNodeConditions(backend string, rules map[string]string) error {
	s.mu.Lock()
	conn := s.controls[backend]
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("backend %s has no control connection", backend)
	}
	msg := messages.MustNew(messages.TypeNodeConditions, messages.NodeConditionsBody{Rules: rules})
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Copyright 2026 NVIDIA Corporation

// Package messages defines the wire format spoken between each backend agent
// and the central service: a tagged envelope whose body variant is selected
// by the type field.
package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NVIDIA/osmo/internal/jobs"
)

// Type discriminates the message body variant.
type Type string

const (
	TypeInit           Type = "init"
	TypePodLog         Type = "pod_log"
	TypeUpdatePod      Type = "update_pod"
	TypeResource       Type = "resource"
	TypeResourceUsage  Type = "resource_usage"
	TypeDeleteResource Type = "delete_resource"
	TypeNodeHash       Type = "node_hash"
	TypeMonitorPod     Type = "monitor_pod"
	TypePodConditions  Type = "pod_conditions"
	TypeHeartbeat      Type = "heartbeat"
	TypeJobStatus      Type = "job_status"
	TypeLogging        Type = "logging"
	TypePodEvent       Type = "pod_event"
	TypeAck            Type = "ack"
	TypeNodeConditions Type = "node_conditions"
)

// LogLevel used by LoggingBody.
type LogLevel string

const (
	LogDebug     LogLevel = "DEBUG"
	LogInfo      LogLevel = "INFO"
	LogWarning   LogLevel = "WARNING"
	LogException LogLevel = "EXCEPTION"
)

// Message is the envelope for all agent-plane traffic. Exactly one body
// variant is present, selected by Type.
type Message struct {
	Type      Type            `json:"type"`
	Body      json.RawMessage `json:"body"`
	UUID      string          `json:"uuid"`
	Timestamp time.Time       `json:"timestamp"`
}

// New wraps a body in an envelope with a fresh uuid and timestamp.
func New(t Type, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s body: %w", t, err)
	}
	return Message{Type: t, Body: raw, UUID: uuid.NewString(), Timestamp: time.Now().UTC()}, nil
}

// MustNew is New for bodies that cannot fail to marshal.
func MustNew(t Type, body any) Message {
	m, err := New(t, body)
	if err != nil {
		panic(err)
	}
	return m
}

// Marshal serializes the envelope.
func (m Message) Marshal() ([]byte, error) { return json.Marshal(m) }

// Unmarshal parses an envelope from the wire.
func Unmarshal(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message envelope: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message envelope missing type")
	}
	return m, nil
}

// Decode returns the typed body for the envelope's type. The switch is
// exhaustive over the closed enum; unknown types are an error.
func (m Message) Decode() (any, error) {
	var (
		body any
		err  error
	)
	switch m.Type {
	case TypeInit:
		body, err = decodeAs[InitBody](m.Body)
	case TypePodLog:
		body, err = decodeAs[PodLogBody](m.Body)
	case TypeUpdatePod:
		body, err = decodeAs[UpdatePodBody](m.Body)
	case TypeResource:
		body, err = decodeAs[ResourceBody](m.Body)
	case TypeResourceUsage:
		body, err = decodeAs[ResourceUsageBody](m.Body)
	case TypeDeleteResource:
		body, err = decodeAs[DeleteResourceBody](m.Body)
	case TypeNodeHash:
		body, err = decodeAs[NodeHashBody](m.Body)
	case TypeMonitorPod:
		body, err = decodeAs[MonitorPodBody](m.Body)
	case TypePodConditions:
		body, err = decodeAs[PodConditionsBody](m.Body)
	case TypeHeartbeat:
		body, err = decodeAs[HeartbeatBody](m.Body)
	case TypeJobStatus:
		body, err = decodeAs[jobs.Result](m.Body)
	case TypeLogging:
		body, err = decodeAs[LoggingBody](m.Body)
	case TypePodEvent:
		body, err = decodeAs[PodEventBody](m.Body)
	case TypeAck:
		body, err = decodeAs[AckBody](m.Body)
	case TypeNodeConditions:
		body, err = decodeAs[NodeConditionsBody](m.Body)
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", m.Type, err)
	}
	return body, nil
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// InitBody opens every stream with the agent's identity.
type InitBody struct {
	K8sUID              string `json:"k8s_uid"`
	K8sNamespace        string `json:"k8s_namespace"`
	Version             string `json:"version"`
	NodeConditionPrefix string `json:"node_condition_prefix"`
}

// PodLogBody carries one log line streamed from a failed container.
type PodLogBody struct {
	Text    string `json:"text"`
	Task    string `json:"task"`
	RetryID int    `json:"retry_id"`
	Mask    bool   `json:"mask"`
}

// ConditionMessage mirrors one pod condition.
type ConditionMessage struct {
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    bool      `json:"status"`
	Type      string    `json:"type"`
}

// UpdatePodBody reports a classified pod observation.
type UpdatePodBody struct {
	WorkflowUUID string             `json:"workflow_uuid"`
	TaskUUID     string             `json:"task_uuid"`
	RetryID      int                `json:"retry_id"`
	Container    string             `json:"container"`
	Node         string             `json:"node,omitempty"`
	PodIP        string             `json:"pod_ip,omitempty"`
	Message      string             `json:"message"`
	Status       string             `json:"status"`
	ExitCode     *int               `json:"exit_code"`
	Backend      string             `json:"backend"`
	Conditions   []ConditionMessage `json:"conditions,omitempty"`
}

// ResourceBody reports a node's availability, capacity and labels.
type ResourceBody struct {
	Hostname          string            `json:"hostname"`
	Available         bool              `json:"available"`
	Conditions        []string          `json:"conditions"`
	AllocatableFields map[string]string `json:"allocatable_fields"`
	LabelFields       map[string]string `json:"label_fields"`
	Taints            []Taint           `json:"taints,omitempty"`
}

// Taint mirrors a node taint.
type Taint struct {
	Key    string `json:"key"`
	Value  string `json:"value,omitempty"`
	Effect string `json:"effect"`
}

// ResourceUsageBody reports aggregated per-node resource requests.
type ResourceUsageBody struct {
	Hostname               string            `json:"hostname"`
	UsageFields            map[string]string `json:"usage_fields"`
	NonWorkflowUsageFields map[string]string `json:"non_workflow_usage_fields"`
}

// DeleteResourceBody removes a node from the resource database.
type DeleteResourceBody struct {
	Resource string `json:"resource"`
}

// NodeHashBody carries the full current node set so the service can GC
// entries for nodes that no longer exist.
type NodeHashBody struct {
	NodeHashes []string `json:"node_hashes"`
}

// MonitorPodBody asks the service to watch a pod failing to start.
type MonitorPodBody struct {
	WorkflowUUID string `json:"workflow_uuid"`
	TaskUUID     string `json:"task_uuid"`
	RetryID      int    `json:"retry_id"`
	Message      string `json:"message"`
}

// HeartbeatBody is periodic liveness punctuation.
type HeartbeatBody struct {
	Time time.Time `json:"time"`
}

// LoggingBody forwards an agent log line over the plane.
type LoggingBody struct {
	Level        LogLevel `json:"type"`
	Text         string   `json:"text"`
	WorkflowUUID string   `json:"workflow_uuid,omitempty"`
}

// PodConditionsBody reports a pod's condition set.
type PodConditionsBody struct {
	WorkflowUUID string             `json:"workflow_uuid"`
	TaskUUID     string             `json:"task_uuid"`
	RetryID      int                `json:"retry_id"`
	Conditions   []ConditionMessage `json:"conditions"`
}

// PodEventBody relays one namespaced Kubernetes event about a pod.
type PodEventBody struct {
	PodName   string    `json:"pod_name"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// AckBody acknowledges receipt of a prior message by uuid.
type AckBody struct {
	UUID string `json:"uuid"`
}

// NodeConditionsBody replaces the listener's node-availability rules.
// Rules map a condition-type regex to the allowed status regex.
type NodeConditionsBody struct {
	Rules map[string]string `json:"rules"`
}

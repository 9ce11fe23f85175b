// Copyright 2026 NVIDIA Corporation

// Package listener implements the in-cluster agent that watches pods, nodes
// and events, classifies them into task-group updates, and publishes the
// results over the agent websocket plane.
package listener

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/conditions"
	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

const hostnameLabel = "kubernetes.io/hostname"

// TaskUUIDLabel marks pods the orchestrator owns.
const (
	TaskUUIDLabel     = "osmo.task_uuid"
	WorkflowUUIDLabel = "osmo.workflow_uuid"
	RetryIDLabel      = "osmo.retry_id"
	TaskNameLabel     = "osmo.task_name"
)

// Listener drives the three watch loops plus the control loop, sharing the
// conditions controller, the per-node pod index and the outbound stream
// queues.
type Listener struct {
	cfg        *config.Config
	client     kubernetes.Interface
	log        *zap.Logger
	controller *conditions.Controller

	podSend   chan messages.Message
	nodeSend  chan messages.Message
	eventSend chan messages.Message

	nodeCache *TTLCache
	pods      *PodList

	// fatal is invoked when a watch loop hits an unexpected error; the
	// default implementation self-kills the process so a supervisor
	// restarts it.
	fatal func()
}

func New(cfg *config.Config, client kubernetes.Interface, controller *conditions.Controller,
	podSend, nodeSend, eventSend chan messages.Message, log *zap.Logger) *Listener {
	return &Listener{
		cfg:        cfg,
		client:     client,
		log:        log,
		controller: controller,
		podSend:    podSend,
		nodeSend:   nodeSend,
		eventSend:  eventSend,
		nodeCache:  NewTTLCache(cfg.Backend.NodeEventCacheSize, cfg.Backend.NodeEventCacheTTLMinutes),
		pods:       NewPodList(),
		fatal: func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
		},
	}
}

// sendLog forwards an agent log line over the event stream.
func (l *Listener) sendLog(level messages.LogLevel, text string) {
	l.eventSend <- messages.MustNew(messages.TypeLogging, messages.LoggingBody{Level: level, Text: text})
}

// nodeCacheItem is the tuple compared to suppress unchanged node events.
type nodeCacheItem struct {
	available   bool
	allocatable map[string]string
	labels      map[string]string
	taints      []messages.Taint
	conditions  []string
	stamped     time.Time
}

func taintsOf(node *corev1.Node) []messages.Taint {
	if len(node.Spec.Taints) == 0 {
		return nil
	}
	out := make([]messages.Taint, 0, len(node.Spec.Taints))
	for _, taint := range node.Spec.Taints {
		out = append(out, messages.Taint{Key: taint.Key, Value: taint.Value, Effect: string(taint.Effect)})
	}
	return out
}

// UpdateResourceInDatabase classifies one node and publishes a resource
// message unless the node cache proves it unchanged within the TTL.
func (l *Listener) UpdateResourceInDatabase(ctx context.Context, node *corev1.Node) {
	allocatable := allocatableFields(node)

	labels := make(map[string]string, len(node.Labels))
	for key, value := range node.Labels {
		if strings.HasPrefix(key, "feature.node.kubernetes.io") {
			continue
		}
		labels[key] = value
	}
	hostname := node.Labels[hostnameLabel]
	if hostname == "" {
		hostname = "-"
	}

	available := l.controller.IsNodeAvailable(node)
	var trueConditions []string
	for _, condition := range node.Status.Conditions {
		if condition.Status == corev1.ConditionTrue {
			trueConditions = append(trueConditions, string(condition.Type))
		}
	}

	if l.cfg.Backend.EnableNodeLabelUpdate {
		l.updateNodeVerifiedLabel(ctx, node, available)
	}

	taints := taintsOf(node)
	current := nodeCacheItem{
		available:   available,
		allocatable: allocatable,
		labels:      labels,
		taints:      taints,
		conditions:  trueConditions,
	}
	if cached, ok := l.nodeCache.Raw().Get(hostname); ok {
		previous := cached.(nodeCacheItem)
		same := previous.available == current.available &&
			reflect.DeepEqual(previous.allocatable, current.allocatable) &&
			reflect.DeepEqual(previous.labels, current.labels) &&
			reflect.DeepEqual(previous.taints, current.taints) &&
			reflect.DeepEqual(previous.conditions, current.conditions)
		if same {
			if l.nodeCache.TTL() == 0 || time.Since(previous.stamped) < l.nodeCache.TTL() {
				return
			}
		}
	}
	current.stamped = time.Now()
	l.nodeCache.Raw().Set(hostname, current)

	l.sendLog(messages.LogDebug,
		fmt.Sprintf("Send node %s to be updated in the database", node.Name))
	l.nodeSend <- messages.MustNew(messages.TypeResource, messages.ResourceBody{
		Hostname:          hostname,
		Available:         available,
		Conditions:        trueConditions,
		AllocatableFields: allocatable,
		LabelFields:       labels,
		Taints:            taints,
	})
	obs.BackendEventCount.WithLabelValues("node").Inc()
}

// updateNodeVerifiedLabel patches the {prefix}verified label when the node's
// availability changed.
func (l *Listener) updateNodeVerifiedLabel(ctx context.Context, node *corev1.Node, available bool) {
	labelName := l.cfg.Backend.NodeConditionPrefix + "verified"
	newValue := "False"
	if available {
		newValue = "True"
	}
	if node.Labels[labelName] == newValue {
		return
	}
	patch := fmt.Sprintf(`{"metadata":{"labels":{%q:%q}}}`, labelName, newValue)
	_, err := l.client.CoreV1().Nodes().Patch(ctx, node.Name,
		types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		l.sendLog(messages.LogWarning,
			fmt.Sprintf("Failed to update %s label on node %s: %v", labelName, node.Name, err))
		return
	}
	l.sendLog(messages.LogInfo,
		fmt.Sprintf("Updated %s label on node %s to %s", labelName, node.Name, newValue))
}

// UpdateResourceUsage publishes the aggregated requests for one node.
func (l *Listener) UpdateResourceUsage(nodeName string, pods []*corev1.Pod) {
	body := NodeUsage(nodeName, pods, l.cfg.Backend.Namespace, l.cfg.Backend.IncludeNamespaceUsage)
	l.nodeSend <- messages.MustNew(messages.TypeResourceUsage, body)
	obs.BackendEventCount.WithLabelValues("node").Inc()
}

// RefreshResourceDatabase pages through every pod, rebuilds the pod index,
// republishes all node state and usage, and sends the node_hash set so the
// service can GC nodes that disappeared. Returns the pod list resource
// version for restarting watches.
func (l *Listener) RefreshResourceDatabase(ctx context.Context, pw *progress.Writer) (string, error) {
	if pw != nil {
		_ = pw.Report()
	}

	allPods := NewPodList()
	resourceVersion := ""
	continueToken := ""
	for {
		opts := metav1.ListOptions{Limit: l.cfg.Backend.ListPodsPageSize, Continue: continueToken}
		page, err := l.client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, opts)
		if err != nil {
			return "", fmt.Errorf("paginated pod list: %w", err)
		}
		for i := range page.Items {
			pod := page.Items[i]
			allPods.Update(&pod)
		}
		resourceVersion = page.ResourceVersion
		continueToken = page.Continue
		if continueToken == "" {
			break
		}
		if pw != nil {
			_ = pw.Report()
		}
	}
	l.pods = allPods

	nodes, err := l.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list nodes: %w", err)
	}
	nodeNames := make([]string, 0, len(nodes.Items))
	for i := range nodes.Items {
		node := nodes.Items[i]
		hostname := node.Labels[hostnameLabel]
		if hostname == "" {
			hostname = "-"
		}
		nodeNames = append(nodeNames, hostname)
		l.UpdateResourceInDatabase(ctx, &node)
		l.UpdateResourceUsage(hostname, l.pods.ByNode(hostname))
		if pw != nil {
			_ = pw.Report()
		}
	}

	l.nodeSend <- messages.MustNew(messages.TypeNodeHash, messages.NodeHashBody{NodeHashes: nodeNames})
	obs.BackendEventCount.WithLabelValues("node").Inc()
	return resourceVersion, nil
}

// UpdateAllNodes re-evaluates every node's availability, used after a rule
// change from the control stream.
func (l *Listener) UpdateAllNodes(ctx context.Context, pw *progress.Writer) error {
	nodes, err := l.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for i := range nodes.Items {
		node := nodes.Items[i]
		l.UpdateResourceInDatabase(ctx, &node)
		if pw != nil {
			_ = pw.Report()
		}
	}
	return nil
}

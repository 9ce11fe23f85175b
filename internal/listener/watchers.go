// Copyright 2026 NVIDIA Corporation
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
	"github.com/NVIDIA/osmo/internal/task"
)

var watchRequestTimeoutSeconds = int64(60)

var preemptedPodPattern = regexp.MustCompile(`Pod\s+\S+/([^\s]+)\s+was preempted`)

func retryIDOf(pod *corev1.Pod) int {
	id, err := strconv.Atoi(pod.Labels[RetryIDLabel])
	if err != nil {
		return 0
	}
	return id
}

func conditionMessages(pod *corev1.Pod) []messages.ConditionMessage {
	out := make([]messages.ConditionMessage, 0, len(pod.Status.Conditions))
	for _, condition := range pod.Status.Conditions {
		out = append(out, messages.ConditionMessage{
			Reason:    condition.Reason,
			Message:   condition.Message,
			Timestamp: condition.LastTransitionTime.Time,
			Status:    condition.Status == corev1.ConditionTrue,
			Type:      string(condition.Type),
		})
	}
	return out
}

// sendPodConditions publishes a pod's condition set unless an identical set
// was sent within the cache TTL.
func (l *Listener) sendPodConditions(cache *TTLCache, workflowUUID, taskUUID string,
	retryID int, conds []messages.ConditionMessage) {

	serialized, _ := json.Marshal(conds)
	key := taskUUID + ":" + string(serialized)
	if cache.Hit(key) {
		return
	}
	l.eventSend <- messages.MustNew(messages.TypePodConditions, messages.PodConditionsBody{
		WorkflowUUID: workflowUUID,
		TaskUUID:     taskUUID,
		RetryID:      retryID,
		Conditions:   conds,
	})
	obs.BackendEventCount.WithLabelValues("event").Inc()
	cache.Stamp(key)
}

// sendPodStatus publishes an update_pod message, suppressed by the per-task
// status cache.
func (l *Listener) sendPodStatus(podCache, condCache *TTLCache, pod *corev1.Pod,
	status task.GroupStatus, message string, exitCode *int, conds []messages.ConditionMessage) {

	workflowUUID := pod.Labels[WorkflowUUIDLabel]
	taskUUID := pod.Labels[TaskUUIDLabel]
	retryID := retryIDOf(pod)
	container := ""
	if len(pod.Spec.Containers) > 0 {
		container = pod.Spec.Containers[0].Name
	}

	l.sendPodConditions(condCache, workflowUUID, taskUUID, retryID, conds)

	key := fmt.Sprintf("%s:%s:%d:%s", workflowUUID, taskUUID, retryID, status)
	if podCache.Hit(key) {
		l.sendLog(messages.LogDebug, fmt.Sprintf("Skip pod status %s because of cache hit", key))
		return
	}
	podCache.Stamp(key)

	l.sendLog(messages.LogDebug, fmt.Sprintf(
		"Send update status %s for task_uuid %s for workflow %s to service",
		status, taskUUID, workflowUUID))
	l.podSend <- messages.MustNew(messages.TypeUpdatePod, messages.UpdatePodBody{
		WorkflowUUID: workflowUUID,
		TaskUUID:     taskUUID,
		RetryID:      retryID,
		Container:    container,
		Message:      message,
		Node:         pod.Spec.NodeName,
		PodIP:        pod.Status.PodIP,
		Status:       string(status),
		ExitCode:     exitCode,
		Conditions:   conds,
		Backend:      l.cfg.Backend.Name,
	})
	obs.BackendEventCount.WithLabelValues("pod").Inc()
}

// sendPodMonitor asks the service to watch a pod that is failing to start.
func (l *Listener) sendPodMonitor(pod *corev1.Pod, message string) {
	workflowUUID := pod.Labels[WorkflowUUIDLabel]
	taskUUID := pod.Labels[TaskUUIDLabel]
	l.sendLog(messages.LogDebug, fmt.Sprintf(
		"Sending pod %s for workflow %s to be monitored in the service", taskUUID, workflowUUID))
	l.podSend <- messages.MustNew(messages.TypeMonitorPod, messages.MonitorPodBody{
		WorkflowUUID: workflowUUID,
		TaskUUID:     taskUUID,
		RetryID:      retryIDOf(pod),
		Message:      message,
	})
	obs.BackendEventCount.WithLabelValues("pod").Inc()
}

// handlePodEvent updates the pod index and, for managed pods, classifies and
// publishes the observation.
func (l *Listener) handlePodEvent(ctx context.Context, eventType watch.EventType,
	pod *corev1.Pod, podCache, condCache *TTLCache) {

	if eventType == watch.Deleted {
		l.pods.Delete(pod)
	} else {
		l.pods.Update(pod)
	}
	if pod.Namespace != l.cfg.Backend.Namespace {
		return
	}
	if pod.Labels[TaskUUIDLabel] == "" || pod.Labels[WorkflowUUIDLabel] == "" {
		return
	}

	if pod.Spec.NodeName != "" {
		l.UpdateResourceUsage(pod.Spec.NodeName, l.pods.ByNode(pod.Spec.NodeName))
	}

	// Unknown phases are usually a temporary connection issue.
	if pod.Status.Phase == corev1.PodUnknown {
		return
	}

	start := time.Now()
	conds := conditionMessages(pod)
	status, message, exitCode := CalculatePodStatus(pod)

	if !status.InQueue() && pod.Status.Phase == corev1.PodPending {
		l.sendPodMonitor(pod, message)
	}
	l.sendPodStatus(podCache, condCache, pod, status, message, exitCode, conds)

	obs.EventProcessingTimes.WithLabelValues("pod").Observe(time.Since(start).Seconds())
	obs.BackendEventWatchCount.WithLabelValues("pod").Inc()
}

// WatchPods is the pod-watch loop: full refresh on staleness, then a watch
// stream from the last seen resource version.
func (l *Listener) WatchPods(ctx context.Context, pw *progress.Writer) {
	podCache := NewTTLCache(l.cfg.Backend.PodEventCacheSize, l.cfg.Backend.PodEventCacheTTLMinutes)
	condCache := NewTTLCache(l.cfg.Backend.PodEventCacheSize, l.cfg.Backend.PodEventCacheTTLMinutes)

	resourceVersion := ""
	lastSuccessful := time.Time{}

	for ctx.Err() == nil {
		if time.Since(lastSuccessful) > l.cfg.Backend.RefreshResourceStateInterval {
			rv, err := l.RefreshResourceDatabase(ctx, pw)
			if err != nil {
				l.sendLog(messages.LogWarning, fmt.Sprintf(
					"Cluster monitor errored out during resource refresh due to %v retrying ...", err))
				obs.WatchConnectionErrors.WithLabelValues("pod").Inc()
				time.Sleep(time.Second)
				continue
			}
			resourceVersion = rv
			lastSuccessful = time.Now()
			// Replay the refreshed snapshot so pods that changed while the
			// watch was down are re-classified.
			for _, node := range l.pods.Nodes() {
				for _, pod := range l.pods.ByNode(node) {
					l.handlePodEvent(ctx, watch.Modified, pod, podCache, condCache)
				}
			}
		}

		_ = pw.Report()
		l.sendLog(messages.LogInfo, fmt.Sprintf(
			"Using resource version %s for pod events", resourceVersion))
		watcher, err := l.client.CoreV1().Pods(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
			ResourceVersion: resourceVersion,
			TimeoutSeconds:  &watchRequestTimeoutSeconds,
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				resourceVersion = ""
			}
			obs.WatchConnectionErrors.WithLabelValues("pod").Inc()
			l.sendLog(messages.LogWarning, fmt.Sprintf(
				"Cluster monitor errored out during watch pod events due to %v retrying ...", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			_ = pw.Report()
			if event.Type == watch.Error {
				if status, ok := event.Object.(*metav1.Status); ok &&
					status.Reason == metav1.StatusReasonExpired {
					resourceVersion = ""
				}
				break
			}
			pod, ok := event.Object.(*corev1.Pod)
			if !ok {
				continue
			}
			resourceVersion = pod.ResourceVersion
			l.handlePodEvent(ctx, event.Type, pod, podCache, condCache)
			lastSuccessful = time.Now()
		}
		watcher.Stop()
	}
}

// WatchNodes is the node-watch loop.
func (l *Listener) WatchNodes(ctx context.Context, pw *progress.Writer) {
	resourceVersion := ""
	lastSuccessful := time.Now()

	for ctx.Err() == nil {
		if time.Since(lastSuccessful) > l.cfg.Backend.RefreshResourceStateInterval {
			if _, err := l.RefreshResourceDatabase(ctx, pw); err != nil {
				l.sendLog(messages.LogWarning, fmt.Sprintf(
					"Cluster monitor errored out during resource refresh due to %v retrying ...", err))
				time.Sleep(time.Second)
				continue
			}
			lastSuccessful = time.Now()
		}

		_ = pw.Report()
		watcher, err := l.client.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{
			ResourceVersion: resourceVersion,
			TimeoutSeconds:  &watchRequestTimeoutSeconds,
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				resourceVersion = ""
			}
			obs.WatchConnectionErrors.WithLabelValues("node").Inc()
			l.sendLog(messages.LogWarning, fmt.Sprintf(
				"Cluster monitor errored out during watch node events due to %v retrying ...", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			_ = pw.Report()
			if event.Type == watch.Error {
				if status, ok := event.Object.(*metav1.Status); ok &&
					status.Reason == metav1.StatusReasonExpired {
					resourceVersion = ""
				}
				break
			}
			node, ok := event.Object.(*corev1.Node)
			if !ok {
				continue
			}
			resourceVersion = node.ResourceVersion
			start := time.Now()

			if event.Type == watch.Deleted {
				hostname := node.Labels[hostnameLabel]
				if hostname == "" {
					hostname = "-"
				}
				l.nodeSend <- messages.MustNew(messages.TypeDeleteResource,
					messages.DeleteResourceBody{Resource: hostname})
				obs.BackendEventCount.WithLabelValues("node").Inc()
			} else {
				l.UpdateResourceInDatabase(ctx, node)
			}
			lastSuccessful = time.Now()
			obs.EventProcessingTimes.WithLabelValues("node").Observe(time.Since(start).Seconds())
			obs.BackendEventWatchCount.WithLabelValues("node").Inc()
		}
		watcher.Stop()
	}
}

// WatchEvents is the namespaced event-watch loop. Events are deduplicated by
// (type, reason, object name) against a bounded LRU keyed on last timestamp.
func (l *Listener) WatchEvents(ctx context.Context, pw *progress.Writer) {
	eventCache := NewLRUCache(l.cfg.Backend.BackendEventCacheSize)
	resourceVersion := ""

	for ctx.Err() == nil {
		_ = pw.Report()
		watcher, err := l.client.CoreV1().Events(l.cfg.Backend.Namespace).Watch(ctx, metav1.ListOptions{
			ResourceVersion: resourceVersion,
			TimeoutSeconds:  &watchRequestTimeoutSeconds,
		})
		if err != nil {
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				resourceVersion = ""
			}
			obs.WatchConnectionErrors.WithLabelValues("backend").Inc()
			l.sendLog(messages.LogWarning, fmt.Sprintf(
				"Cluster monitor errored out during watch events due to %v retrying ...", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			if event.Type == watch.Error {
				if status, ok := event.Object.(*metav1.Status); ok &&
					status.Reason == metav1.StatusReasonExpired {
					resourceVersion = ""
				}
				break
			}
			eventObj, ok := event.Object.(*corev1.Event)
			if !ok {
				continue
			}
			resourceVersion = eventObj.ResourceVersion
			obs.BackendEventWatchCount.WithLabelValues("backend").Inc()
			l.handleClusterEvent(eventCache, eventObj)
			_ = pw.Report()
		}
		watcher.Stop()
	}
}

func (l *Listener) handleClusterEvent(eventCache *LRUCache, eventObj *corev1.Event) {
	timestamp := eventObj.LastTimestamp.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	switch eventObj.InvolvedObject.Kind {
	case "Pod":
		key := fmt.Sprintf("%s:%s:%s", eventObj.Type, eventObj.Reason, eventObj.InvolvedObject.Name)
		if cached, ok := eventCache.Get(key); ok {
			if prev, ok := cached.(time.Time); ok && !eventObj.LastTimestamp.IsZero() &&
				!prev.Before(eventObj.LastTimestamp.Time) {
				return
			}
		}
		eventCache.Set(key, timestamp)
		l.eventSend <- messages.MustNew(messages.TypePodEvent, messages.PodEventBody{
			PodName:   eventObj.InvolvedObject.Name,
			Reason:    eventObj.Reason,
			Message:   eventObj.Message,
			Timestamp: timestamp,
		})
		obs.BackendEventCount.WithLabelValues("backend").Inc()

	case "PodGroup":
		if eventObj.Reason != "Evict" || eventObj.ReportingController != "kai-scheduler" {
			return
		}
		match := preemptedPodPattern.FindStringSubmatch(eventObj.Message)
		if match == nil {
			l.log.Warn("failed to parse pod name from event message",
				obs.String("message", eventObj.Message))
			return
		}
		l.eventSend <- messages.MustNew(messages.TypePodEvent, messages.PodEventBody{
			PodName:   match[1],
			Reason:    eventObj.Reason,
			Message:   eventObj.Message,
			Timestamp: timestamp,
		})
		obs.BackendEventCount.WithLabelValues("backend").Inc()
	}
}

// RunControl consumes node_conditions messages routed from the control
// stream, installs the new rules (guaranteeing a Ready default), and
// re-evaluates every node under them.
func (l *Listener) RunControl(ctx context.Context, controlRecv <-chan messages.Message, pw *progress.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-controlRecv:
			body, err := msg.Decode()
			if err != nil {
				l.sendLog(messages.LogWarning, fmt.Sprintf("Failed to parse control message: %v", err))
				continue
			}
			nodeConditions, ok := body.(messages.NodeConditionsBody)
			if !ok {
				l.sendLog(messages.LogWarning, fmt.Sprintf(
					"Unexpected message type for control updates: %s", msg.Type))
				continue
			}

			rules := nodeConditions.Rules
			if rules == nil {
				rules = map[string]string{}
			}
			hasReadyOverride := false
			for pattern := range rules {
				re, err := regexp.Compile(pattern)
				if err != nil {
					continue
				}
				if re.MatchString("Ready") {
					hasReadyOverride = true
					break
				}
			}
			if !hasReadyOverride {
				rules["^Ready$"] = "True"
			}

			if err := l.controller.SetRules(rules); err != nil {
				l.sendLog(messages.LogWarning, fmt.Sprintf("Rejected node condition rules: %v", err))
				continue
			}
			if err := l.UpdateAllNodes(ctx, pw); err != nil {
				l.sendLog(messages.LogWarning, fmt.Sprintf("Failed to re-evaluate nodes: %v", err))
				continue
			}
			l.sendLog(messages.LogInfo, "Updated resource database with node condition rules")
		}
	}
}

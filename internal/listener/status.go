// Copyright 2026 NVIDIA Corporation
package listener

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/NVIDIA/osmo/internal/task"
)

// Waiting reasons that indicate a container will never start on its own.
var waitingErrorReasons = []string{
	"Failed", "BackOff", "Error", "ErrImagePull", "ImagePullBackOff", "ContainerStatusUnknown",
}

// Waiting states that get stuck transiently before being promoted to a
// backend error.
const (
	createConfigErrorGrace      = 10 * time.Minute
	containerStatusUnknownGrace = 30 * time.Minute
)

// PodErrorInfo collects per-container failure details for one pod.
type PodErrorInfo struct {
	ErrorMessage string
	ExitCodes    map[string]int
	ErrorReasons map[string]string
}

// EffectiveExitCode returns the maximum offset-adjusted exit code across the
// pod's containers, or false when no container reported one.
func (e PodErrorInfo) EffectiveExitCode() (int, bool) {
	found := false
	max := 0
	for container, code := range e.ExitCodes {
		adjusted := task.ContainerExitCode(container, code)
		if !found || adjusted > max {
			max = adjusted
			found = true
		}
	}
	return max, found
}

// PodWaitingStatus describes whether a pod is waiting on an unrecoverable
// container error.
type PodWaitingStatus struct {
	WaitingOnError bool
	WaitingReason  string
	ErrorInfo      PodErrorInfo
}

func errorMsgContainerName(container string) string {
	switch container {
	case task.ContainerCtrl:
		return "OSMO Control"
	case task.ContainerPreflight:
		return "OSMO Preflight Test"
	}
	return fmt.Sprintf("Task %s", container)
}

func allContainerStatuses(pod *corev1.Pod) []corev1.ContainerStatus {
	out := make([]corev1.ContainerStatus, 0,
		len(pod.Status.ContainerStatuses)+len(pod.Status.InitContainerStatuses))
	out = append(out, pod.Status.ContainerStatuses...)
	out = append(out, pod.Status.InitContainerStatuses...)
	return out
}

// containerWaitingErrorInfo determines whether any container is waiting on an
// error that will never resolve without intervention.
func containerWaitingErrorInfo(pod *corev1.Pod) PodWaitingStatus {
	for _, status := range allContainerStatuses(pod) {
		waiting := status.State.Waiting
		if waiting == nil {
			continue
		}
		reason := waiting.Reason
		matched := false
		for _, marker := range waitingErrorReasons {
			if strings.Contains(reason, marker) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		code, ok := task.WaitingReasonExitCode[reason]
		if !ok {
			code = task.DefaultWaitingExitCode
		}
		info := PodErrorInfo{ExitCodes: map[string]int{status.Name: code}}
		effective, _ := info.EffectiveExitCode()
		info.ErrorMessage = fmt.Sprintf(
			"Failure reason: Exit code %d due to %s failed with %s: %s.",
			effective, errorMsgContainerName(status.Name), reason, waiting.Message)
		return PodWaitingStatus{WaitingOnError: true, WaitingReason: reason, ErrorInfo: info}
	}
	return PodWaitingStatus{}
}

// containerFailureMessage fetches the failure reasons and exit codes from a
// failed pod's terminated containers.
func containerFailureMessage(pod *corev1.Pod) PodErrorInfo {
	var msg strings.Builder
	exitCodes := map[string]int{}
	errorReasons := map[string]string{}

	statuses := make([]corev1.ContainerStatus, 0,
		len(pod.Status.InitContainerStatuses)+len(pod.Status.ContainerStatuses))
	statuses = append(statuses, pod.Status.InitContainerStatuses...)
	statuses = append(statuses, pod.Status.ContainerStatuses...)

	for _, status := range statuses {
		terminated := status.State.Terminated
		if terminated == nil || terminated.Reason == "Completed" {
			continue
		}
		exitCode := int(terminated.ExitCode)
		// osmo-ctrl reports the task's real exit code as JSON in its
		// termination message.
		if status.Name == task.ContainerCtrl && terminated.Message != "" {
			var payload struct {
				Code *int `json:"code"`
			}
			if err := json.Unmarshal([]byte(terminated.Message), &payload); err == nil && payload.Code != nil {
				exitCode = *payload.Code
			}
		}
		fmt.Fprintf(&msg, "\n- Exit code %d due to %s failure. ",
			task.ContainerExitCode(status.Name, exitCode), errorMsgContainerName(status.Name))
		exitCodes[status.Name] = exitCode
		errorReasons[status.Name] = terminated.Reason
	}

	info := PodErrorInfo{ExitCodes: exitCodes, ErrorReasons: errorReasons}
	if msg.Len() > 0 {
		info.ErrorMessage = "Failure reason:" + msg.String()
	}
	return info
}

// runningPodContainerErrors inspects a Running pod for terminated containers
// that require the service to clean the pod up: the control container in any
// terminal state, or a user container killed by a start error.
func runningPodContainerErrors(pod *corev1.Pod) PodErrorInfo {
	for _, status := range pod.Status.ContainerStatuses {
		terminated := status.State.Terminated
		if terminated == nil {
			continue
		}
		if status.Name == task.ContainerCtrl || terminated.Reason == "StartError" {
			return containerFailureMessage(pod)
		}
	}
	return PodErrorInfo{ExitCodes: map[string]int{}}
}

func checkPreemptionByScheduler(pod *corev1.Pod) (bool, string) {
	for _, condition := range pod.Status.Conditions {
		if condition.Status == corev1.ConditionTrue && condition.Reason == "PreemptionByScheduler" {
			return true, fmt.Sprintf("Pod was preempted at %s. ", condition.LastTransitionTime)
		}
	}
	return false, ""
}

func checkFailurePodConditions(pod *corev1.Pod) (task.GroupStatus, int, bool) {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == "DisruptionTarget" && condition.Status == corev1.ConditionTrue {
			return task.StatusFailedBackendError, task.ExitCodeFailedBackendError, true
		}
	}
	return "", 0, false
}

// readyFalseStuckLongerThan reports whether the pod's Ready=False condition
// transitioned longer ago than grace. Wall-clock by contract.
func readyFalseStuckLongerThan(pod *corev1.Pod, grace time.Duration) bool {
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady && condition.Status == corev1.ConditionFalse {
			if condition.LastTransitionTime.IsZero() {
				continue
			}
			if time.Since(condition.LastTransitionTime.Time) > grace {
				return true
			}
		}
	}
	return false
}

func intPtr(v int) *int { return &v }

// CalculatePodStatus classifies a pod observation into the task-group
// status, a human-readable message, and the effective exit code. It is a
// pure function of the pod's fields; the check order is part of the
// contract.
func CalculatePodStatus(pod *corev1.Pod) (task.GroupStatus, string, *int) {
	if preempted, message := checkPreemptionByScheduler(pod); preempted {
		return task.StatusFailedPreempted, message, intPtr(task.ExitCodeFailedPreempted)
	}

	waiting := containerWaitingErrorInfo(pod)
	message := waiting.ErrorInfo.ErrorMessage

	var status task.GroupStatus
	switch pod.Status.Phase {
	case corev1.PodPending:
		status = task.StatusScheduling
	case corev1.PodRunning:
		status = task.StatusRunning
	case corev1.PodSucceeded:
		status = task.StatusCompleted
	case corev1.PodFailed:
		status = task.StatusFailed
	default:
		status = task.StatusScheduling
	}

	for _, initStatus := range pod.Status.InitContainerStatuses {
		if w := initStatus.State.Waiting; w != nil {
			if w.Reason == "ContainerCreating" || w.Reason == "PodInitializing" {
				status = task.StatusInitializing
				break
			}
		}
	}

	var exitCode *int

	switch {
	case status == task.StatusRunning:
		// StartError can hit a container while the pod phase stays Running.
		errorInfo := runningPodContainerErrors(pod)
		if len(errorInfo.ExitCodes) > 0 {
			if code, ok := errorInfo.EffectiveExitCode(); ok {
				exitCode = intPtr(code)
			}
			message = errorInfo.ErrorMessage
			status = task.StatusFailed
		}
	case status.Failed():
		errorInfo := containerFailureMessage(pod)
		message = errorInfo.ErrorMessage
		if pod.Status.Message != "" {
			message = fmt.Sprintf("Pod %s error message: %s\n%s",
				pod.Name, pod.Status.Message, message)
		}
		if code, ok := errorInfo.EffectiveExitCode(); ok {
			exitCode = intPtr(code)
		} else {
			exitCode = intPtr(task.ExitCodeFailedUnknown)
		}
		for _, reason := range errorInfo.ErrorReasons {
			if reason == "OOMKilled" {
				status = task.StatusFailedEvicted
				exitCode = intPtr(task.ExitCodeFailedEvicted)
				break
			}
		}
	case status == task.StatusCompleted:
		exitCode = intPtr(0)
	}

	if waiting.WaitingOnError {
		if code, ok := waiting.ErrorInfo.EffectiveExitCode(); ok {
			exitCode = intPtr(code)
		} else {
			exitCode = nil
		}
		switch waiting.WaitingReason {
		case "ErrImagePull", "ImagePullBackOff":
			status = task.StatusFailedImagePull
		case "CreateContainerConfigError":
			status = task.StatusScheduling
			exitCode = nil
			if readyFalseStuckLongerThan(pod, createConfigErrorGrace) {
				status = task.StatusFailedBackendError
				exitCode = intPtr(task.ExitCodeFailedBackendError)
			}
		case "ContainerStatusUnknown":
			// Typically a node went unreachable and the kubelet stopped
			// reporting. Hold in SCHEDULING, then fail to trigger cleanup.
			status = task.StatusScheduling
			exitCode = nil
			if readyFalseStuckLongerThan(pod, containerStatusUnknownGrace) {
				status = task.StatusFailedBackendError
				exitCode = intPtr(task.ExitCodeFailedBackendError)
			}
		default:
			status = task.StatusFailed
		}
	}

	switch pod.Status.Reason {
	case "Evicted":
		status = task.StatusFailedEvicted
		exitCode = intPtr(task.ExitCodeFailedEvicted)
	case "StartError":
		status = task.StatusFailedStartError
		exitCode = intPtr(task.ExitCodeFailedStartError)
	case "UnexpectedAdmissionError":
		// e.g. GPU drops
		status = task.StatusFailedBackendError
		exitCode = intPtr(task.ExitCodeFailedBackendError)
	default:
		if failStatus, failCode, found := checkFailurePodConditions(pod); found {
			status = failStatus
			exitCode = intPtr(failCode)
		}
	}

	return status, message, exitCode
}

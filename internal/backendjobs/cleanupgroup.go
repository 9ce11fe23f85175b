// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
)

// CleanupFinalizer is stripped from pods before deletion so the delete can
// proceed.
const CleanupFinalizer = "osmo.nvidia.com/cleanup"

const logDelimiter = "--------------------------------------------------------------------------------\n\n"

// CleanupGroup deletes the Kubernetes resources of a task group, optionally
// streaming the error logs of failed pods back over the agent plane first.
type CleanupGroup struct {
	jobs.Base
	Backend      string        `json:"backend"`
	WorkflowUUID string        `json:"workflow_uuid"`
	GroupName    string        `json:"group_name"`
	CleanupSpecs []CleanupSpec `json:"cleanup_specs"`
	ErrorLogSpec *CleanupSpec  `json:"error_log_spec,omitempty"`
	ForceDelete  bool          `json:"force_delete"`
	MaxLogLines  int64         `json:"max_log_lines"`
}

// NewCleanupGroup builds the job with its canonical job_id.
func NewCleanupGroup(backend, workflowUUID, groupName string, specs []CleanupSpec) CleanupGroup {
	return CleanupGroup{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "CleanupGroup",
			fmt.Sprintf("%s-%s-cleanup", workflowUUID, groupName)),
		Backend:      backend,
		WorkflowUUID: workflowUUID,
		GroupName:    groupName,
		CleanupSpecs: specs,
		MaxLogLines:  1000,
	}
}

func (j CleanupGroup) WorkflowID() string { return j.WorkflowUUID }

func isFailedPod(pod *corev1.Pod) bool {
	statuses := append([]corev1.ContainerStatus{}, pod.Status.ContainerStatuses...)
	statuses = append(statuses, pod.Status.InitContainerStatuses...)
	for _, status := range statuses {
		if status.State.Terminated != nil && status.State.Terminated.ExitCode != 0 {
			return true
		}
	}
	return false
}

// streamErrorLogs pushes up to MaxLogLines log lines per container of every
// failed pod matching the error-log selector, one pod_log message per line,
// with a delimiter after each container.
func (j CleanupGroup) streamErrorLogs(ctx context.Context, run Run) error {
	clientset := run.Backend.Clientset()
	namespace := run.Backend.Namespace()
	lastTimestamp := time.Now()

	pods, err := clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: j.ErrorLogSpec.Selector(),
	})
	if err != nil {
		return fmt.Errorf("list pods for error logs: %w", err)
	}

	sendLine := func(text, taskUUID string, retryID int, mask bool) {
		run.Backend.SendMessage(messages.MustNew(messages.TypePodLog, messages.PodLogBody{
			Text:    text,
			Task:    taskUUID,
			RetryID: retryID,
			Mask:    mask,
		}))
	}

	for i := range pods.Items {
		pod := pods.Items[i]
		if !isFailedPod(&pod) {
			continue
		}
		taskUUID := pod.Labels["osmo.task_uuid"]
		retryID, _ := strconv.Atoi(pod.Labels["osmo.retry_id"])
		taskName := pod.Labels["osmo.task_name"]

		containers := append([]corev1.Container{}, pod.Spec.InitContainers...)
		containers = append(containers, pod.Spec.Containers...)
		for _, container := range containers {
			name := fmt.Sprintf("%s: %s", taskName, container.Name)
			sendLine(fmt.Sprintf("Logs for container %s ...\n", name), taskUUID, retryID, false)

			tail := j.MaxLogLines
			stream, err := clientset.CoreV1().Pods(namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
				Container: container.Name,
				TailLines: &tail,
			}).Stream(ctx)
			if err != nil {
				sendLine(fmt.Sprintf(
					"Warning: Unable to get logs for pod %s container %s due to %v",
					pod.Name, name, err), taskUUID, retryID, false)
				continue
			}
			scanner := bufio.NewScanner(stream)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				sendLine(scanner.Text()+"\n", taskUUID, retryID, true)
			}
			_ = stream.Close()
			sendLine(logDelimiter, taskUUID, retryID, false)

			lastTimestamp = run.reportProgressEvery(lastTimestamp)
		}
	}
	run.reportProgress()
	return nil
}

func (j CleanupGroup) cleanupMessage(before bool, names []string, listErr error) string {
	errorMessage := ""
	if listErr != nil {
		errorMessage = fmt.Sprintf("Error: %v. ", listErr)
	}
	phase := "after"
	if before {
		phase = "before"
	}
	return fmt.Sprintf("CleanupJob %s for group %s listed pods [%s] %s deletion. %s",
		j.JobID, j.GroupName, strings.Join(names, ","), phase, errorMessage)
}

func (j CleanupGroup) sendLogging(run Run, text string) {
	run.Backend.SendMessage(messages.MustNew(messages.TypeLogging, messages.LoggingBody{
		Level:        messages.LogInfo,
		Text:         text,
		WorkflowUUID: j.WorkflowUUID,
	}))
}

func (j CleanupGroup) listNames(ctx context.Context, run Run, spec CleanupSpec) ([]string, error) {
	list, err := run.Backend.Dynamic().Resource(spec.GVR()).Namespace(run.Backend.Namespace()).
		List(ctx, metav1.ListOptions{LabelSelector: spec.Selector()})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		names = append(names, item.GetName())
	}
	return names, nil
}

func (j CleanupGroup) Execute(run Run) (jobs.Result, error) {
	ctx := context.Background()
	log := obs.WorkflowLogger(run.Log, j.WorkflowUUID)
	lastTimestamp := time.Now()

	if j.ErrorLogSpec != nil {
		if err := j.streamErrorLogs(ctx, run); err != nil {
			log.Warn("failed to stream error logs", obs.Err(err))
		}
	}

	namespace := run.Backend.Namespace()
	needRetry := false
	var errMessage string

	var deleteOptions metav1.DeleteOptions
	if j.ForceDelete {
		zero := int64(0)
		foreground := metav1.DeletePropagationForeground
		deleteOptions = metav1.DeleteOptions{
			GracePeriodSeconds: &zero,
			PropagationPolicy:  &foreground,
		}
	}

	for _, spec := range j.CleanupSpecs {
		lastTimestamp = run.reportProgressEvery(lastTimestamp)

		names, err := j.listNames(ctx, run, spec)
		if err != nil {
			errMessage = fmt.Sprintf("Listing resource type %s failed during cleanup. Error: %v",
				spec.ResourceType, err)
			log.Error(errMessage)
			needRetry = true
			continue
		}

		if spec.ResourceType == "Pod" {
			j.sendLogging(run, j.cleanupMessage(true, names, nil))
		}

		for _, name := range names {
			log.Info("deleting resource",
				obs.String("resource_type", spec.ResourceType), obs.String("name", name))

			if spec.ResourceType == "Pod" {
				// Strip the framework finalizer so deletion can proceed.
				patch := fmt.Sprintf(
					`{"metadata":{"$deleteFromPrimitiveList/finalizers":[%q]}}`, CleanupFinalizer)
				_, patchErr := run.Backend.Dynamic().Resource(spec.GVR()).Namespace(namespace).
					Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
				if patchErr != nil && !apierrors.IsNotFound(patchErr) {
					log.Warn("failed to strip cleanup finalizer",
						obs.String("name", name), obs.Err(patchErr))
				}
			}

			err := run.Backend.Dynamic().Resource(spec.GVR()).Namespace(namespace).
				Delete(ctx, name, deleteOptions)
			switch {
			case err == nil:
			case apierrors.IsNotFound(err):
				log.Warn("skipping deletion because resource has already been deleted",
					obs.String("resource_type", spec.ResourceType), obs.String("name", name),
					obs.String("namespace", namespace))
			case isServerError(err):
				errMessage = fmt.Sprintf("Deletion of %s named %s error: %v",
					spec.ResourceType, name, err)
				log.Warn(errMessage)
				needRetry = true
			default:
				return jobs.Result{}, fmt.Errorf("delete %s %s: %w", spec.ResourceType, name, err)
			}
		}

		if spec.ResourceType == "Pod" {
			afterNames, listErr := j.listNames(ctx, run, spec)
			j.sendLogging(run, j.cleanupMessage(false, afterNames, listErr))
		}
	}

	if needRetry {
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: errMessage}, nil
	}
	return jobs.OK(), nil
}

func isServerError(err error) bool {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return status.Status().Code >= 500
	}
	return apierrors.IsInternalError(err) || apierrors.IsServiceUnavailable(err) ||
		apierrors.IsServerTimeout(err) || isConnectionError(err)
}

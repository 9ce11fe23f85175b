// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/NVIDIA/osmo/internal/jobs"
)

// Maximum cleanup+create cycles before a reschedule gives up.
const maxRescheduleRetry = 5

const rescheduleSettleDelay = 3 * time.Second

// RescheduleTask tears a task's resources down and recreates them, forcing
// deletion on later attempts if the first cleanup did not stick.
type RescheduleTask struct {
	jobs.Base
	Backend      string       `json:"backend"`
	WorkflowUUID string       `json:"workflow_uuid"`
	RetryID      int          `json:"retry_id"`
	CreateJob    CreateGroup  `json:"create_job"`
	CleanupJob   CleanupGroup `json:"cleanup_job"`
}

// NewRescheduleTask builds the job with its canonical job_id.
func NewRescheduleTask(backend, workflowUUID string, retryID int,
	create CreateGroup, cleanup CleanupGroup) RescheduleTask {
	return RescheduleTask{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "RescheduleTask",
			fmt.Sprintf("%s-%s-reschedule-%d", workflowUUID, create.GroupName, retryID)),
		Backend:      backend,
		WorkflowUUID: workflowUUID,
		RetryID:      retryID,
		CreateJob:    create,
		CleanupJob:   cleanup,
	}
}

func (j RescheduleTask) WorkflowID() string { return j.WorkflowUUID }

// livePodRetryID finds the retry id of the currently-live pod for the task,
// ignoring the retry-id label in the selector itself.
func (j RescheduleTask) livePodRetryID(run Run) (int, bool) {
	if j.CleanupJob.ErrorLogSpec == nil {
		return 0, false
	}
	selector := CleanupSpec{Labels: map[string]string{}}
	for key, value := range j.CleanupJob.ErrorLogSpec.Labels {
		if key != "osmo.retry_id" {
			selector.Labels[key] = value
		}
	}
	pods, err := run.Backend.Clientset().CoreV1().Pods(run.Backend.Namespace()).
		List(context.Background(), metav1.ListOptions{LabelSelector: selector.Selector()})
	if err != nil || len(pods.Items) == 0 {
		return 0, false
	}
	id, err := strconv.Atoi(pods.Items[0].Labels["osmo.retry_id"])
	if err != nil {
		return 0, false
	}
	return id, true
}

func (j RescheduleTask) Execute(run Run) (jobs.Result, error) {
	run.reportProgress()
	lastTimestamp := time.Now()

	cleanup := j.CleanupJob
	for attempt := 0; attempt < maxRescheduleRetry; attempt++ {
		result, err := cleanup.Execute(run)
		if err != nil {
			return result, err
		}
		if result.Status != jobs.StatusSuccess {
			return result, nil
		}

		// Give the apiserver a moment to finish the deletion.
		time.Sleep(rescheduleSettleDelay)

		result, err = j.CreateJob.Execute(run)
		if err != nil {
			return result, err
		}
		if result.Status == jobs.StatusSuccess && result.Message == "AlreadyExists" {
			if liveRetry, ok := j.livePodRetryID(run); ok && liveRetry >= j.RetryID {
				// A newer pod is already up; nothing left to do.
				return result, nil
			}
		} else {
			return result, nil
		}

		// The old pod survived the polite cleanup; force it next round.
		cleanup.ForceDelete = true
		lastTimestamp = run.reportProgressEvery(lastTimestamp)
	}

	return jobs.Result{
		Status:  jobs.StatusFailedRetry,
		Message: fmt.Sprintf("Failed to create pod: max retry %d reached.", maxRescheduleRetry),
	}, nil
}

// Copyright 2026 NVIDIA Corporation
package frontendjobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/task"
)

// Decode turns a serialized frontend job back into its concrete type.
func Decode(jobType string, raw []byte) (Job, error) {
	switch jobType {
	case "SubmitWorkflow":
		var j SubmitWorkflow
		err := json.Unmarshal(raw, &j)
		return j, err
	case "UpdateGroup":
		var j UpdateGroup
		err := json.Unmarshal(raw, &j)
		return j, err
	case "CleanupWorkflow":
		var j CleanupWorkflow
		err := json.Unmarshal(raw, &j)
		return j, err
	}
	return nil, fmt.Errorf("unknown frontend job type %q", jobType)
}

// Dispatcher adapts the registry to the worker's dispatch interface.
type Dispatcher struct {
	Deps Deps
}

func (d Dispatcher) JobTypes() []string {
	return []string{"SubmitWorkflow", "UpdateGroup", "CleanupWorkflow"}
}

func (d Dispatcher) Dispatch(ctx context.Context, meta jobs.Base, payload []byte) (jobs.Result, error) {
	job, err := Decode(meta.JobType, payload)
	if err != nil {
		return jobs.Result{}, err
	}
	return job.Execute(ctx, d.Deps)
}

// MessageHandlers applies operator-stream messages: pod updates become
// UpdateGroup jobs, node state lands in the resource inventory.
type MessageHandlers struct {
	Deps Deps
}

func (h MessageHandlers) HandleUpdatePod(ctx context.Context, _ string,
	body messages.UpdatePodBody) error {
	update := NewUpdateGroup(body.WorkflowUUID, body.TaskUUID, body.RetryID,
		task.GroupStatus(body.Status), body.Message, body.ExitCode)
	return h.Deps.Queue.Enqueue(ctx, update)
}

func (h MessageHandlers) HandleResource(ctx context.Context, backend string,
	body messages.ResourceBody) error {
	return h.Deps.Store.UpsertResource(ctx, backend, body)
}

func (h MessageHandlers) HandleResourceUsage(ctx context.Context, backend string,
	body messages.ResourceUsageBody) error {
	return h.Deps.Store.UpdateResourceUsage(ctx, backend, body)
}

// Copyright 2026 NVIDIA Corporation

// Package frontendjobs holds the service-plane job set that drives workflow
// state transitions: submission, group status updates, and cleanup fan-out
// to the backend queues.
package frontendjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/NVIDIA/osmo/internal/backendjobs"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/store"
	"github.com/NVIDIA/osmo/internal/task"
)

// Deps are the collaborators frontend jobs execute against.
type Deps struct {
	Store *store.Store
	Queue *jobs.Queue
	// BackendQueue returns the isolated queue namespace for one backend.
	BackendQueue func(backend string) *jobs.Queue
	Log          *zap.Logger
}

// Job is a unit of work executed by the frontend worker.
type Job interface {
	jobs.Payload
	Execute(ctx context.Context, deps Deps) (jobs.Result, error)
}

// GroupSpec describes one task group at submission time.
type GroupSpec struct {
	Name      string          `json:"name"`
	DependsOn []string        `json:"depends_on,omitempty"`
	Resources json.RawMessage `json:"resources,omitempty"`
}

// SubmitWorkflow persists a new workflow and schedules its root groups.
type SubmitWorkflow struct {
	jobs.Base
	WorkflowUUID string      `json:"workflow_uuid"`
	Name         string      `json:"name"`
	Backend      string      `json:"backend"`
	Groups       []GroupSpec `json:"groups"`
}

func NewSubmitWorkflow(workflowUUID, name, backend string, groups []GroupSpec) SubmitWorkflow {
	return SubmitWorkflow{
		Base:         jobs.NewBase(jobs.SuperTypeFrontend, "SubmitWorkflow", "submit-"+workflowUUID),
		WorkflowUUID: workflowUUID,
		Name:         name,
		Backend:      backend,
		Groups:       groups,
	}
}

func decodeResources(raw json.RawMessage) ([]map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var resources []map[string]interface{}
	if err := json.Unmarshal(raw, &resources); err != nil {
		return nil, fmt.Errorf("decode group resources: %w", err)
	}
	return resources, nil
}

// enqueueCreateGroup fans a group out to its backend's queue.
func enqueueCreateGroup(ctx context.Context, deps Deps, backend, workflowUUID,
	groupName string, resources json.RawMessage) error {

	decoded, err := decodeResources(resources)
	if err != nil {
		return err
	}
	create := backendjobs.NewCreateGroup(backend, workflowUUID, groupName, decoded)
	return deps.BackendQueue(backend).Enqueue(ctx, create)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (j SubmitWorkflow) Execute(ctx context.Context, deps Deps) (jobs.Result, error) {
	log := obs.WorkflowLogger(deps.Log, j.WorkflowUUID)

	wf := store.Workflow{
		UUID:    j.WorkflowUUID,
		Name:    j.Name,
		Backend: j.Backend,
	}
	for _, group := range j.Groups {
		wf.Groups = append(wf.Groups, store.TaskGroup{
			Name:      group.Name,
			DependsOn: group.DependsOn,
			Resources: group.Resources,
		})
	}
	if err := deps.Store.CreateWorkflow(ctx, wf); err != nil {
		if isUniqueViolation(err) {
			// Idempotent no-op; the first submission already landed.
			log.Debug("workflow already exists, skipping submission")
			return jobs.OK(), nil
		}
		return jobs.Result{Status: jobs.StatusFailedRetry,
			Message: fmt.Sprintf("failed to persist workflow: %v", err)}, nil
	}

	// Groups with no dependencies start immediately.
	for _, group := range j.Groups {
		if len(group.DependsOn) > 0 {
			continue
		}
		if err := enqueueCreateGroup(ctx, deps, j.Backend, j.WorkflowUUID,
			group.Name, group.Resources); err != nil {
			return jobs.Result{}, err
		}
	}
	log.Info("workflow submitted", obs.Int("groups", len(j.Groups)))
	return jobs.OK(), nil
}

// UpdateGroup applies one observed task-group transition and fans out the
// groups it unblocks.
type UpdateGroup struct {
	jobs.Base
	WorkflowUUID string           `json:"workflow_uuid"`
	GroupName    string           `json:"group_name"`
	RetryID      int              `json:"retry_id"`
	Status       task.GroupStatus `json:"status"`
	Message      string           `json:"message,omitempty"`
	ExitCode     *int             `json:"exit_code,omitempty"`
}

func NewUpdateGroup(workflowUUID, groupName string, retryID int,
	status task.GroupStatus, message string, exitCode *int) UpdateGroup {
	return UpdateGroup{
		Base: jobs.NewBase(jobs.SuperTypeFrontend, "UpdateGroup",
			fmt.Sprintf("%s-%s-%d-%s-update", workflowUUID, groupName, retryID, status)),
		WorkflowUUID: workflowUUID,
		GroupName:    groupName,
		RetryID:      retryID,
		Status:       status,
		Message:      message,
		ExitCode:     exitCode,
	}
}

func (j UpdateGroup) Execute(ctx context.Context, deps Deps) (jobs.Result, error) {
	log := obs.WorkflowLogger(deps.Log, j.WorkflowUUID)

	wf, err := deps.Store.GetWorkflow(ctx, j.WorkflowUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Result{Status: jobs.StatusFailedNoRetry,
				Message: fmt.Sprintf("workflow %s not found", j.WorkflowUUID)}, nil
		}
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: err.Error()}, nil
	}

	update, err := deps.Store.UpdateGroupStatus(ctx, j.WorkflowUUID, j.GroupName,
		j.RetryID, j.Status, j.Message, j.ExitCode)
	if err != nil {
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: err.Error()}, nil
	}
	log.Info("task group updated",
		obs.String("group", j.GroupName), obs.String("status", string(j.Status)),
		obs.String("workflow_status", string(update.WorkflowStatus)))

	for _, group := range update.ReadyGroups {
		if err := enqueueCreateGroup(ctx, deps, wf.Backend, j.WorkflowUUID,
			group.Name, group.Resources); err != nil {
			return jobs.Result{}, err
		}
	}
	return jobs.OK(), nil
}

// CleanupWorkflow fans a cleanup out to the workflow's backend.
type CleanupWorkflow struct {
	jobs.Base
	WorkflowUUID string                    `json:"workflow_uuid"`
	GroupName    string                    `json:"group_name"`
	CleanupSpecs []backendjobs.CleanupSpec `json:"cleanup_specs"`
	ErrorLogSpec *backendjobs.CleanupSpec  `json:"error_log_spec,omitempty"`
	MaxLogLines  int64                     `json:"max_log_lines"`
}

func NewCleanupWorkflow(workflowUUID, groupName string,
	specs []backendjobs.CleanupSpec) CleanupWorkflow {
	return CleanupWorkflow{
		Base: jobs.NewBase(jobs.SuperTypeFrontend, "CleanupWorkflow",
			fmt.Sprintf("%s-%s-cleanup-workflow", workflowUUID, groupName)),
		WorkflowUUID: workflowUUID,
		GroupName:    groupName,
		CleanupSpecs: specs,
		MaxLogLines:  1000,
	}
}

func (j CleanupWorkflow) Execute(ctx context.Context, deps Deps) (jobs.Result, error) {
	wf, err := deps.Store.GetWorkflow(ctx, j.WorkflowUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Result{Status: jobs.StatusFailedNoRetry,
				Message: fmt.Sprintf("workflow %s not found", j.WorkflowUUID)}, nil
		}
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: err.Error()}, nil
	}

	cleanup := backendjobs.NewCleanupGroup(wf.Backend, j.WorkflowUUID, j.GroupName, j.CleanupSpecs)
	cleanup.ErrorLogSpec = j.ErrorLogSpec
	cleanup.MaxLogLines = j.MaxLogLines
	if err := deps.BackendQueue(wf.Backend).Enqueue(ctx, cleanup); err != nil {
		return jobs.Result{}, err
	}
	return jobs.OK(), nil
}

// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
)

// CreateGroup creates the Kubernetes resources for a task group in the
// backend cluster. Re-running it against already-created resources is a
// no-op that reports AlreadyExists.
type CreateGroup struct {
	jobs.Base
	Backend           string                   `json:"backend"`
	WorkflowUUID      string                   `json:"workflow_uuid"`
	GroupName         string                   `json:"group_name"`
	K8sResources      []map[string]interface{} `json:"k8s_resources"`
	BackendK8sTimeout int                      `json:"backend_k8s_timeout"`
	SchedulerSettings map[string]interface{}   `json:"scheduler_settings,omitempty"`
}

// NewCreateGroup builds the job with its canonical job_id.
func NewCreateGroup(backend, workflowUUID, groupName string,
	resources []map[string]interface{}) CreateGroup {
	return CreateGroup{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "CreateGroup",
			fmt.Sprintf("%s-%s-create", workflowUUID, groupName)),
		Backend:           backend,
		WorkflowUUID:      workflowUUID,
		GroupName:         groupName,
		K8sResources:      resources,
		BackendK8sTimeout: 60,
	}
}

func (j CreateGroup) WorkflowID() string { return j.WorkflowUUID }

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) ||
		apierrors.IsServiceUnavailable(err) || apierrors.IsTooManyRequests(err)
}

func (j CreateGroup) Execute(run Run) (jobs.Result, error) {
	timeout := time.Duration(j.BackendK8sTimeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	lastTimestamp := time.Now()
	namespace := run.Backend.Namespace()
	log := obs.WorkflowLogger(run.Log, j.WorkflowUUID)

	result := jobs.OK()
	for _, resource := range j.K8sResources {
		obj := &unstructured.Unstructured{Object: resource}
		obj.SetNamespace(namespace)
		kind := obj.GetKind()
		apiVersion := obj.GetAPIVersion()
		name := obj.GetName()

		log.Info("creating resource",
			obs.String("kind", kind), obs.String("name", name), obs.String("namespace", namespace))

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		// Custom resources (group/version apiVersion) resolve to the
		// collection path lower(kind)+"s"; core resources go through the
		// same dynamic path under the legacy group.
		gvr := resourceGVR(apiVersion, kind)
		_, err := run.Backend.Dynamic().Resource(gvr).Namespace(namespace).
			Create(ctx, obj, metav1.CreateOptions{})
		cancel()

		switch {
		case err == nil:
		case apierrors.IsAlreadyExists(err):
			result.Message = "AlreadyExists"
			log.Warn("skipping creation because resource already exists",
				obs.String("kind", kind), obs.String("name", name),
				obs.String("namespace", namespace))
		case isConnectionError(err):
			message := fmt.Sprintf("Connection error when creating %s named %s: %v", kind, name, err)
			log.Error(message)
			return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
		default:
			return jobs.Result{}, fmt.Errorf("create %s %s: %w", kind, name, err)
		}

		lastTimestamp = run.reportProgressEvery(lastTimestamp)
	}
	return result, nil
}

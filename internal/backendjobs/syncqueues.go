// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/google/uuid"

	"github.com/NVIDIA/osmo/internal/jobs"
)

// SynchronizeQueues reconciles the cluster-wide scheduler custom objects
// (queues, topologies, ...) with the target list: upsert everything in the
// target set, delete everything else matching the spec selector.
type SynchronizeQueues struct {
	jobs.Base
	Backend      string                   `json:"backend"`
	CleanupSpec  CleanupSpec              `json:"cleanup_spec"`
	K8sResources []map[string]interface{} `json:"k8s_resources"`
}

// NewSynchronizeQueues builds the job; each reconciliation is a distinct
// effect so the job_id carries a random component.
func NewSynchronizeQueues(backend string, spec CleanupSpec,
	resources []map[string]interface{}) SynchronizeQueues {
	return SynchronizeQueues{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "BackendSynchronizeQueues",
			fmt.Sprintf("%s-modify-queues-%s", backend, uuid.NewString())),
		Backend:      backend,
		CleanupSpec:  spec,
		K8sResources: resources,
	}
}

func (j SynchronizeQueues) WorkflowID() string { return "" }

func (j SynchronizeQueues) Execute(run Run) (jobs.Result, error) {
	if j.CleanupSpec.CustomAPI == nil {
		return jobs.Result{}, fmt.Errorf("custom API not provided for queue")
	}
	ctx := context.Background()
	client := run.Backend.Dynamic().Resource(j.CleanupSpec.GVR())

	existing, err := client.List(ctx, metav1.ListOptions{LabelSelector: j.CleanupSpec.Selector()})
	if err != nil {
		message := fmt.Sprintf("Listing resource type %s failed during cleanup. Error: %v",
			j.CleanupSpec.ResourceType, err)
		run.Log.Error(message)
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
	}

	existingVersions := make(map[string]string, len(existing.Items))
	for _, item := range existing.Items {
		existingVersions[item.GetName()] = item.GetResourceVersion()
	}

	targets := make(map[string]bool, len(j.K8sResources))
	for _, resource := range j.K8sResources {
		obj := &unstructured.Unstructured{Object: resource}
		name := obj.GetName()
		targets[name] = true

		if version, ok := existingVersions[name]; ok {
			obj.SetResourceVersion(version)
			_, err = client.Update(ctx, obj, metav1.UpdateOptions{})
		} else {
			_, err = client.Create(ctx, obj, metav1.CreateOptions{})
		}
		if err != nil {
			message := fmt.Sprintf("Synchronizing %s failed: %v", name, err)
			run.Log.Error(message)
			return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
		}
	}

	for name := range existingVersions {
		if targets[name] {
			continue
		}
		if err := client.Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			message := fmt.Sprintf("Deleting extra object %s failed: %v", name, err)
			run.Log.Error(message)
			return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
		}
	}

	run.reportProgress()
	return jobs.OK(), nil
}

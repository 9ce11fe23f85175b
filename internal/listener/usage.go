// Copyright 2026 NVIDIA Corporation
package listener

import (
	"fmt"
	"math"

	corev1 "k8s.io/api/core/v1"

	"github.com/NVIDIA/osmo/internal/messages"
)

const gpuResourceName = "nvidia.com/gpu"

type resourceTotals struct {
	cpu     float64
	memory  float64 // Ki
	storage float64 // Ki
	gpu     int64
}

func (t *resourceTotals) add(requests corev1.ResourceList) {
	if cpu, ok := requests[corev1.ResourceCPU]; ok {
		t.cpu += cpu.AsApproximateFloat64()
	}
	if mem, ok := requests[corev1.ResourceMemory]; ok {
		t.memory += float64(mem.Value()) / 1024
	}
	if storage, ok := requests[corev1.ResourceEphemeralStorage]; ok {
		t.storage += float64(storage.Value()) / 1024
	}
	if gpu, ok := requests[gpuResourceName]; ok {
		t.gpu += gpu.Value()
	}
}

func (t *resourceTotals) format() map[string]string {
	return map[string]string{
		"cpu":               fmt.Sprintf("%d", int64(math.Ceil(t.cpu))),
		"memory":            fmt.Sprintf("%dKi", int64(math.Ceil(t.memory))),
		"ephemeral-storage": fmt.Sprintf("%dKi", int64(math.Ceil(t.storage))),
		gpuResourceName:     fmt.Sprintf("%d", t.gpu),
	}
}

// NodeUsage sums per-container resource requests across the pods scheduled
// on one node: once overall, and once excluding workflow-owned namespaces.
func NodeUsage(nodeName string, pods []*corev1.Pod, workflowNamespace string,
	includeNamespaces []string) messages.ResourceUsageBody {

	workflowNamespaces := map[string]bool{workflowNamespace: true}
	for _, ns := range includeNamespaces {
		workflowNamespaces[ns] = true
	}

	var total, nonWorkflow resourceTotals
	for _, pod := range pods {
		running := pod.Status.Phase == corev1.PodRunning
		pendingAssigned := pod.Status.Phase == corev1.PodPending && pod.Spec.NodeName != ""
		if !running && !pendingAssigned {
			continue
		}
		for _, container := range pod.Spec.Containers {
			requests := container.Resources.Requests
			if len(requests) == 0 {
				continue
			}
			total.add(requests)
			if !workflowNamespaces[pod.Namespace] {
				nonWorkflow.add(requests)
			}
		}
	}

	return messages.ResourceUsageBody{
		Hostname:               nodeName,
		UsageFields:            total.format(),
		NonWorkflowUsageFields: nonWorkflow.format(),
	}
}

// allocatableFields normalizes a node's allocatable list; cpu is reported as
// whole cores.
func allocatableFields(node *corev1.Node) map[string]string {
	fields := make(map[string]string, len(node.Status.Allocatable))
	for name, quantity := range node.Status.Allocatable {
		fields[string(name)] = quantity.String()
	}
	if cpu, ok := node.Status.Allocatable[corev1.ResourceCPU]; ok {
		fields["cpu"] = fmt.Sprintf("%d", int64(cpu.AsApproximateFloat64()))
	}
	return fields
}

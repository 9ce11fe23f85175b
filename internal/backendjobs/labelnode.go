// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/NVIDIA/osmo/internal/jobs"

	"github.com/google/uuid"
)

// LabelNode patches a set of labels onto one node.
type LabelNode struct {
	jobs.Base
	Backend      string            `json:"backend"`
	WorkflowUUID string            `json:"workflow_uuid,omitempty"`
	NodeName     string            `json:"node_name"`
	Labels       map[string]string `json:"labels"`
}

// NewLabelNode builds the job; the job_id carries a random suffix because
// repeated labelings of the same node are distinct effects.
func NewLabelNode(backend, nodeName string, labels map[string]string) LabelNode {
	suffix := uuid.NewString()[:5]
	return LabelNode{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "LabelNode",
			fmt.Sprintf("%s-%s-labelnode", nodeName, suffix)),
		Backend:  backend,
		NodeName: nodeName,
		Labels:   labels,
	}
}

func (j LabelNode) WorkflowID() string { return j.WorkflowUUID }

func (j LabelNode) Execute(run Run) (jobs.Result, error) {
	run.reportProgress()

	patch, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"labels": j.Labels},
	})
	if err != nil {
		return jobs.Result{}, fmt.Errorf("marshal node label patch: %w", err)
	}

	_, err = run.Backend.Clientset().CoreV1().Nodes().Patch(context.Background(),
		j.NodeName, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: err.Error()}, nil
	}

	run.reportProgress()
	return jobs.OK(), nil
}

// Copyright 2026 NVIDIA Corporation

// Package backendjobs implements the job types executed by the backend
// worker against the cluster's Kubernetes API: group creation and cleanup,
// task rescheduling, node labeling, and the scheduler-object and
// backend-test reconcilers.
package backendjobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/progress"
)

// ExecContext is what the backend worker hands a job for execution.
type ExecContext interface {
	Clientset() kubernetes.Interface
	Dynamic() dynamic.Interface
	Namespace() string
	TestRunnerNamespace() string
	TestRunnerJobSpecFile() string
	// SendMessage pushes a message onto the agent plane.
	SendMessage(messages.Message)
}

// Run bundles the execution dependencies of one job run.
type Run struct {
	Backend      ExecContext
	Progress     *progress.Writer
	ProgressFreq time.Duration
	Log          *zap.Logger
}

func (r Run) reportProgress() {
	if r.Progress != nil {
		_ = r.Progress.Report()
	}
}

func (r Run) reportProgressEvery(last time.Time) time.Time {
	if r.Progress == nil {
		return last
	}
	return progress.ReportEvery(r.Progress, last, r.ProgressFreq)
}

// Job is a unit of work executed by the backend worker. Errors escape only
// for faults the job cannot express as a retry decision; the worker reports
// them as FAILED_NO_RETRY.
type Job interface {
	jobs.Payload
	WorkflowID() string
	Execute(run Run) (jobs.Result, error)
}

// CleanupSpec selects resources of one kind by label.
type CleanupSpec struct {
	ResourceType string            `json:"resource_type"`
	Labels       map[string]string `json:"labels"`
	CustomAPI    *CustomAPI        `json:"custom_api,omitempty"`
}

// CustomAPI addresses a custom-resource collection.
type CustomAPI struct {
	APIMajor string `json:"api_major"`
	APIMinor string `json:"api_minor"`
	Path     string `json:"path"`
}

// Selector renders the spec's labels as a Kubernetes label selector.
func (c CleanupSpec) Selector() string {
	parts := make([]string, 0, len(c.Labels))
	for key, value := range c.Labels {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	// Stable output keeps log lines and tests deterministic.
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// GVR resolves the dynamic-client resource for the spec.
func (c CleanupSpec) GVR() schema.GroupVersionResource {
	if c.CustomAPI != nil {
		return schema.GroupVersionResource{
			Group:    c.CustomAPI.APIMajor,
			Version:  c.CustomAPI.APIMinor,
			Resource: c.CustomAPI.Path,
		}
	}
	return schema.GroupVersionResource{
		Version:  "v1",
		Resource: strings.ToLower(c.ResourceType) + "s",
	}
}

// resourceGVR derives the dynamic-client resource for an arbitrary manifest:
// an apiVersion containing a slash addresses a custom resource whose path is
// the lowercased kind plus "s".
func resourceGVR(apiVersion, kind string) schema.GroupVersionResource {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil {
		gv = schema.GroupVersion{Version: apiVersion}
	}
	return gv.WithResource(strings.ToLower(kind) + "s")
}

func decodeAs[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

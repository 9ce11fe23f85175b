// Copyright 2026 NVIDIA Corporation

// Package backendworker executes backend jobs inside the cluster: it drains
// the backend's queue namespace, runs each job against the Kubernetes API,
// and reports results over the agent plane.
package backendworker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/NVIDIA/osmo/internal/backendjobs"
	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/messages"
	"github.com/NVIDIA/osmo/internal/obs"
	"github.com/NVIDIA/osmo/internal/progress"
)

// ExecContext is the concrete backend-job execution context: the cluster
// clients plus the outbound message queue of the agent plane.
type ExecContext struct {
	clientset   kubernetes.Interface
	dynamic     dynamic.Interface
	cfg         *config.Config
	send        chan<- messages.Message
}

func NewExecContext(clientset kubernetes.Interface, dyn dynamic.Interface,
	cfg *config.Config, send chan<- messages.Message) *ExecContext {
	return &ExecContext{clientset: clientset, dynamic: dyn, cfg: cfg, send: send}
}

func (e *ExecContext) Clientset() kubernetes.Interface { return e.clientset }
func (e *ExecContext) Dynamic() dynamic.Interface      { return e.dynamic }
func (e *ExecContext) Namespace() string               { return e.cfg.Backend.Namespace }
func (e *ExecContext) TestRunnerNamespace() string     { return e.cfg.Backend.TestRunnerNamespace }
func (e *ExecContext) TestRunnerJobSpecFile() string   { return e.cfg.Backend.TestRunnerJobSpecFile }

func (e *ExecContext) SendMessage(msg messages.Message) { e.send <- msg }

// Dispatcher runs backend jobs and reports a job_status message per run.
type Dispatcher struct {
	Exec         backendjobs.ExecContext
	Cfg          *config.Config
	Progress     *progress.Writer
	Log          *zap.Logger
}

func (d Dispatcher) JobTypes() []string { return backendjobs.Types() }

func (d Dispatcher) Dispatch(_ context.Context, meta jobs.Base, payload []byte) (jobs.Result, error) {
	job, err := backendjobs.Decode(meta.JobType, payload)
	if err != nil {
		message := fmt.Sprintf("Invalid job spec received from the queue: %v", err)
		d.Log.Error(message)
		d.reportStatus(jobs.Result{Status: jobs.StatusFailedNoRetry, Message: message})
		return jobs.Result{Status: jobs.StatusFailedNoRetry, Message: message}, nil
	}

	log := obs.WorkflowLogger(d.Log, job.WorkflowID())
	log.Info("starting job from the queue", obs.String("job_type", meta.JobType))
	start := time.Now()

	result, err := job.Execute(backendjobs.Run{
		Backend:      d.Exec,
		Progress:     d.Progress,
		ProgressFreq: d.Cfg.Worker.ProgressIterFrequency,
		Log:          d.Log,
	})
	if err != nil {
		result = jobs.Result{
			Status:  jobs.StatusFailedNoRetry,
			Message: fmt.Sprintf("Got exception when running backend execute: %v", err),
		}
		log.Error("fatal exception when running job", obs.Err(err))
	} else if result.Status != jobs.StatusSuccess {
		result.Message = "Backend execution failed: " + result.Message
	}

	d.reportStatus(result)
	log.Info("completed job", obs.String("status", result.String()))
	obs.BackendJobExecutionTime.WithLabelValues(meta.JobType).
		Observe(time.Since(start).Seconds())
	return result, nil
}

func (d Dispatcher) reportStatus(result jobs.Result) {
	d.Exec.SendMessage(messages.MustNew(messages.TypeJobStatus, result))
}

// Copyright 2026 NVIDIA Corporation
package backendjobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/NVIDIA/osmo/internal/jobs"
	"github.com/NVIDIA/osmo/internal/obs"
)

// TestConfig describes one periodic in-cluster validation test.
type TestConfig struct {
	CronSchedule string          `json:"cron_schedule"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// SynchronizeBackendTest reconciles the periodic validation tests: one
// config map (carrying the test payload) and one scheduled job rendered
// from the spec template per test.
type SynchronizeBackendTest struct {
	jobs.Base
	Backend             string                `json:"backend"`
	TestConfigs         map[string]TestConfig `json:"test_configs"`
	NodeConditionPrefix string                `json:"node_condition_prefix"`
}

// NewSynchronizeBackendTest builds the job with a random job_id component.
func NewSynchronizeBackendTest(backend, prefix string,
	tests map[string]TestConfig) SynchronizeBackendTest {
	return SynchronizeBackendTest{
		Base: jobs.NewBase(jobs.SuperTypeBackend, "BackendSynchronizeBackendTest",
			fmt.Sprintf("%s-sync-tests-%s", backend, uuid.NewString())),
		Backend:             backend,
		TestConfigs:         tests,
		NodeConditionPrefix: prefix,
	}
}

func (j SynchronizeBackendTest) WorkflowID() string { return "" }

type renderedTest struct {
	configMap *corev1.ConfigMap
	cronJob   *batchv1.CronJob
}

// renderTest loads the scheduled-job template and renders it for one test.
func (j SynchronizeBackendTest) renderTest(specPath, testName string,
	config TestConfig) (renderedTest, error) {

	if _, err := cron.ParseStandard(config.CronSchedule); err != nil {
		return renderedTest{}, fmt.Errorf("test %s has invalid cron schedule %q: %w",
			testName, config.CronSchedule, err)
	}

	resourceName := strings.ToLower(testName)
	configMapName := resourceName + "-config"

	templateText, err := os.ReadFile(specPath)
	if err != nil {
		return renderedTest{}, fmt.Errorf("read scheduled-job template: %w", err)
	}
	tmpl, err := template.New("backend-test").Parse(string(templateText))
	if err != nil {
		return renderedTest{}, fmt.Errorf("parse scheduled-job template: %w", err)
	}
	var rendered bytes.Buffer
	err = tmpl.Execute(&rendered, map[string]string{
		"BackendName":         j.Backend,
		"TestName":            testName,
		"ResourceName":        resourceName,
		"ConfigMapName":       configMapName,
		"CronSchedule":        config.CronSchedule,
		"NodeConditionPrefix": j.NodeConditionPrefix,
	})
	if err != nil {
		return renderedTest{}, fmt.Errorf("render scheduled-job template: %w", err)
	}

	var cronJob batchv1.CronJob
	if err := yaml.Unmarshal(rendered.Bytes(), &cronJob); err != nil {
		return renderedTest{}, fmt.Errorf("decode rendered scheduled job: %w", err)
	}

	testConfigJSON, err := json.Marshal(config)
	if err != nil {
		return renderedTest{}, fmt.Errorf("marshal test config: %w", err)
	}

	configMap := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name: configMapName,
			Labels: map[string]string{
				j.NodeConditionPrefix + "component": "backend-test-config",
				j.NodeConditionPrefix + "backend":   j.Backend,
				j.NodeConditionPrefix + "test":      testName,
			},
		},
		Data: map[string]string{"test_config.json": string(testConfigJSON)},
	}
	return renderedTest{configMap: configMap, cronJob: &cronJob}, nil
}

func (j SynchronizeBackendTest) Execute(run Run) (jobs.Result, error) {
	ctx := context.Background()
	log := run.Log
	specPath := run.Backend.TestRunnerJobSpecFile()
	if specPath == "" {
		log.Info("no scheduled-job spec file provided, skipping backend test sync")
		return jobs.OK(), nil
	}
	namespace := run.Backend.TestRunnerNamespace()
	clientset := run.Backend.Clientset()

	var targets []renderedTest
	for testName, config := range j.TestConfigs {
		rendered, err := j.renderTest(specPath, testName, config)
		if err != nil {
			log.Error("failed to generate scheduled-job spec",
				obs.String("test", testName), obs.Err(err))
			continue
		}
		targets = append(targets, rendered)
	}

	existingCronJobs, err := clientset.BatchV1().CronJobs(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: j.NodeConditionPrefix + "component=backend-test",
	})
	if err != nil {
		message := fmt.Sprintf("Listing scheduled jobs failed during synchronization. Error: %v", err)
		log.Error(message)
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
	}
	existingConfigMaps, err := clientset.CoreV1().ConfigMaps(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: j.NodeConditionPrefix + "component=backend-test-config",
	})
	if err != nil {
		message := fmt.Sprintf("Listing config maps failed during synchronization. Error: %v", err)
		log.Error(message)
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
	}

	targetCronJobs := map[string]bool{}
	targetConfigMaps := map[string]bool{}
	for _, target := range targets {
		targetCronJobs[target.cronJob.Name] = true
		targetConfigMaps[target.configMap.Name] = true
	}

	deleteCronJob := func(name string) error {
		err := clientset.BatchV1().CronJobs(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	deleteConfigMap := func(name string) error {
		err := clientset.CoreV1().ConfigMaps(namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	retryFail := func(action string, err error) (jobs.Result, error) {
		message := fmt.Sprintf("%s failed during synchronization: %v", action, err)
		log.Error(message)
		return jobs.Result{Status: jobs.StatusFailedRetry, Message: message}, nil
	}

	// Recreated objects are deleted first to avoid in-place update races,
	// then config maps are created before the jobs that mount them.
	for _, cronJob := range existingCronJobs.Items {
		if targetCronJobs[cronJob.Name] {
			if err := deleteCronJob(cronJob.Name); err != nil {
				return retryFail("Deleting scheduled job "+cronJob.Name, err)
			}
		}
	}
	for _, configMap := range existingConfigMaps.Items {
		if targetConfigMaps[configMap.Name] {
			if err := deleteConfigMap(configMap.Name); err != nil {
				return retryFail("Deleting config map "+configMap.Name, err)
			}
		}
	}
	for _, target := range targets {
		if _, err := clientset.CoreV1().ConfigMaps(namespace).Create(ctx,
			target.configMap, metav1.CreateOptions{}); err != nil {
			return retryFail("Creating config map "+target.configMap.Name, err)
		}
	}
	for _, target := range targets {
		if _, err := clientset.BatchV1().CronJobs(namespace).Create(ctx,
			target.cronJob, metav1.CreateOptions{}); err != nil {
			return retryFail("Creating scheduled job "+target.cronJob.Name, err)
		}
	}
	for _, cronJob := range existingCronJobs.Items {
		if !targetCronJobs[cronJob.Name] {
			if err := deleteCronJob(cronJob.Name); err != nil {
				return retryFail("Deleting extra scheduled job "+cronJob.Name, err)
			}
		}
	}
	for _, configMap := range existingConfigMaps.Items {
		if !targetConfigMaps[configMap.Name] {
			if err := deleteConfigMap(configMap.Name); err != nil {
				return retryFail("Deleting extra config map "+configMap.Name, err)
			}
		}
	}

	run.reportProgress()
	return jobs.OK(), nil
}

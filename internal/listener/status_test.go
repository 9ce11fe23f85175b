package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/NVIDIA/osmo/internal/task"
)

func terminated(exitCode int, reason, message string) corev1.ContainerState {
	return corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
		ExitCode: int32(exitCode), Reason: reason, Message: message,
	}}
}

func running() corev1.ContainerState {
	return corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}
}

func waiting(reason, message string) corev1.ContainerState {
	return corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Reason: reason, Message: message}}
}

func basePod(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pod-1"},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

func TestCtrlTerminatedNonzeroWhileUserRunning(t *testing.T) {
	pod := basePod(corev1.PodRunning)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: running()},
		{Name: "osmo-ctrl", State: terminated(2, "Error", "")},
	}
	status, message, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailed, status)
	require.NotNil(t, exitCode)
	require.Equal(t, 2002, *exitCode)
	require.Contains(t, message, "OSMO Control")
}

func TestUserContainerStartErrorWhileCtrlRunning(t *testing.T) {
	pod := basePod(corev1.PodRunning)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: terminated(128, "StartError", "")},
		{Name: "osmo-ctrl", State: running()},
	}
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailed, status)
	require.NotNil(t, exitCode)
	require.Equal(t, 128, *exitCode)
}

func TestPodLevelEvictedReason(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	pod.Status.Reason = "Evicted"
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedEvicted, status)
	require.NotNil(t, exitCode)
	require.Equal(t, task.ExitCodeFailedEvicted, *exitCode)
}

func TestOOMKilledContainerBecomesEvicted(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: terminated(137, "OOMKilled", "")},
	}
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedEvicted, status)
	require.Equal(t, task.ExitCodeFailedEvicted, *exitCode)
}

func TestPreemptionByScheduler(t *testing.T) {
	pod := basePod(corev1.PodRunning)
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               "DisruptionTarget",
		Status:             corev1.ConditionTrue,
		Reason:             "PreemptionByScheduler",
		LastTransitionTime: metav1.Now(),
	}}
	status, message, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedPreempted, status)
	require.Equal(t, task.ExitCodeFailedPreempted, *exitCode)
	require.Contains(t, message, "preempted")
}

func TestDisruptionTargetCondition(t *testing.T) {
	pod := basePod(corev1.PodRunning)
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:   "DisruptionTarget",
		Status: corev1.ConditionTrue,
		Reason: "DeletionByTaintManager",
	}}
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedBackendError, status)
	require.Equal(t, task.ExitCodeFailedBackendError, *exitCode)
}

func TestImagePullBackOff(t *testing.T) {
	pod := basePod(corev1.PodPending)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: waiting("ImagePullBackOff", "pull failed")},
	}
	status, message, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedImagePull, status)
	require.Equal(t, 301, *exitCode)
	require.Contains(t, message, "ImagePullBackOff")
}

func TestCreateContainerConfigErrorWithinGrace(t *testing.T) {
	pod := basePod(corev1.PodPending)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: waiting("CreateContainerConfigError", "missing secret")},
	}
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.NewTime(time.Now().Add(-time.Minute)),
	}}
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusScheduling, status)
	require.Nil(t, exitCode)
}

func TestCreateContainerConfigErrorAfterGrace(t *testing.T) {
	pod := basePod(corev1.PodPending)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: waiting("CreateContainerConfigError", "missing secret")},
	}
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.NewTime(time.Now().Add(-11 * time.Minute)),
	}}
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedBackendError, status)
	require.Equal(t, task.ExitCodeFailedBackendError, *exitCode)
}

func TestContainerStatusUnknownThirtyMinuteGrace(t *testing.T) {
	pod := basePod(corev1.PodRunning)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: waiting("ContainerStatusUnknown", "node gone")},
	}
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.NewTime(time.Now().Add(-20 * time.Minute)),
	}}
	status, _, _ := CalculatePodStatus(pod)
	require.Equal(t, task.StatusScheduling, status)

	pod.Status.Conditions[0].LastTransitionTime = metav1.NewTime(time.Now().Add(-31 * time.Minute))
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailedBackendError, status)
	require.Equal(t, task.ExitCodeFailedBackendError, *exitCode)
}

func TestInitContainerCreatingOverridesToInitializing(t *testing.T) {
	pod := basePod(corev1.PodPending)
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-init", State: waiting("PodInitializing", "")},
	}
	status, _, _ := CalculatePodStatus(pod)
	require.Equal(t, task.StatusInitializing, status)
}

func TestPhaseBaseMapping(t *testing.T) {
	cases := map[corev1.PodPhase]task.GroupStatus{
		corev1.PodPending:   task.StatusScheduling,
		corev1.PodRunning:   task.StatusRunning,
		corev1.PodSucceeded: task.StatusCompleted,
		corev1.PodFailed:    task.StatusFailed,
	}
	for phase, expected := range cases {
		status, _, _ := CalculatePodStatus(basePod(phase))
		require.Equal(t, expected, status, "phase %s", phase)
	}
}

func TestCompletedExitCodeZero(t *testing.T) {
	_, _, exitCode := CalculatePodStatus(basePod(corev1.PodSucceeded))
	require.NotNil(t, exitCode)
	require.Equal(t, 0, *exitCode)
}

func TestFailedWithoutCodesUsesUnknown(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	status, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, task.StatusFailed, status)
	require.Equal(t, task.ExitCodeFailedUnknown, *exitCode)
}

func TestCtrlJSONMessageOverridesExitCode(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-ctrl", State: terminated(1, "Error", `{"code": 42}`)},
	}
	_, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, 2042, *exitCode)
}

func TestInitContainerExitCodeOffset(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-init", State: terminated(1, "Error", "")},
	}
	_, _, exitCode := CalculatePodStatus(pod)
	require.Equal(t, 256, *exitCode)
}

func TestClassifierIsDeterministic(t *testing.T) {
	pod := basePod(corev1.PodFailed)
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{
		{Name: "osmo-exec", State: terminated(7, "Error", "")},
		{Name: "preflight-test", State: terminated(3, "Error", "")},
	}
	s1, m1, e1 := CalculatePodStatus(pod)
	s2, m2, e2 := CalculatePodStatus(pod)
	require.Equal(t, s1, s2)
	require.Equal(t, m1, m2)
	require.Equal(t, *e1, *e2)
	// preflight-test offsets to 1003, which dominates the user container's 7.
	require.Equal(t, 1003, *e1)
}

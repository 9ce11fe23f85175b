package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContainerExitCodeOffsets(t *testing.T) {
	require.Equal(t, 257, ContainerExitCode(ContainerInit, 2))
	require.Equal(t, 1001, ContainerExitCode(ContainerPreflight, 1))
	require.Equal(t, 2002, ContainerExitCode(ContainerCtrl, 2))
	require.Equal(t, 137, ContainerExitCode("user-main", 137))
}

func TestFailureExitCodes(t *testing.T) {
	require.Equal(t, ExitCodeFailedEvicted, StatusFailedEvicted.FailureExitCode())
	require.Equal(t, ExitCodeFailedPreempted, StatusFailedPreempted.FailureExitCode())
	require.Equal(t, ExitCodeNotSet, StatusRunning.FailureExitCode())
}

func TestStatusPredicates(t *testing.T) {
	require.True(t, StatusFailedImagePull.Failed())
	require.False(t, StatusCompleted.Failed())
	require.True(t, StatusCompleted.Terminal())
	require.False(t, StatusScheduling.Terminal())
	require.True(t, StatusScheduling.InQueue())
	require.False(t, StatusFailedBackendError.InQueue())
}

func TestWaitingReasonCodes(t *testing.T) {
	require.Equal(t, 301, WaitingReasonExitCode["ImagePullBackOff"])
	require.Equal(t, 302, WaitingReasonExitCode["ErrImagePull"])
	require.Equal(t, 303, WaitingReasonExitCode["ContainerCreateConfigError"])
	require.Equal(t, 304, WaitingReasonExitCode["CrashLoopBackOff"])
	require.Equal(t, 305, WaitingReasonExitCode["ContainerStatusUnknown"])
}

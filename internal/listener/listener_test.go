package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/NVIDIA/osmo/internal/conditions"
	"github.com/NVIDIA/osmo/internal/config"
	"github.com/NVIDIA/osmo/internal/messages"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("nonexistent.yaml")
	require.NoError(t, err)
	cfg.Backend.Name = "cluster-a"
	cfg.Backend.Namespace = "osmo"
	return cfg
}

func newTestListener(t *testing.T, objects ...interface{}) (*Listener, chan messages.Message, chan messages.Message, chan messages.Message) {
	t.Helper()
	client := fake.NewSimpleClientset()
	for _, obj := range objects {
		switch o := obj.(type) {
		case *corev1.Pod:
			_, err := client.CoreV1().Pods(o.Namespace).Create(context.Background(), o, metav1.CreateOptions{})
			require.NoError(t, err)
		case *corev1.Node:
			_, err := client.CoreV1().Nodes().Create(context.Background(), o, metav1.CreateOptions{})
			require.NoError(t, err)
		}
	}
	controller, err := conditions.New(nil)
	require.NoError(t, err)
	podSend := make(chan messages.Message, 256)
	nodeSend := make(chan messages.Message, 256)
	eventSend := make(chan messages.Message, 256)
	l := New(testConfig(t), client, controller, podSend, nodeSend, eventSend, zap.NewNop())
	return l, podSend, nodeSend, eventSend
}

func testNode(name string, ready bool) *corev1.Node {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"kubernetes.io/hostname": name},
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("8"),
				corev1.ResourceMemory: resource.MustParse("32Gi"),
			},
		},
	}
}

func workloadPod(name, node string, cpu string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: corev1.PodSpec{
			NodeName: node,
			Containers: []corev1.Container{{
				Name: "main",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse(cpu),
						corev1.ResourceMemory: resource.MustParse("1Gi"),
					},
				},
			}},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

func drain(ch chan messages.Message) []messages.Message {
	var out []messages.Message
	for {
		select {
		case m := <-ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestRefreshVisitsEveryPodAndSendsNodeHash(t *testing.T) {
	l, _, nodeSend, _ := newTestListener(t,
		testNode("node-1", true), testNode("node-2", true),
		workloadPod("p1", "node-1", "1"), workloadPod("p2", "node-1", "2"),
		workloadPod("p3", "node-2", "1"))

	rv, err := l.RefreshResourceDatabase(context.Background(), nil)
	require.NoError(t, err)
	_ = rv
	require.Equal(t, 3, l.pods.Len())
	require.Len(t, l.pods.ByNode("node-1"), 2)

	msgs := drain(nodeSend)
	var hashes []string
	resourceCount, usageCount := 0, 0
	for _, m := range msgs {
		switch m.Type {
		case messages.TypeNodeHash:
			body, err := m.Decode()
			require.NoError(t, err)
			hashes = body.(messages.NodeHashBody).NodeHashes
		case messages.TypeResource:
			resourceCount++
		case messages.TypeResourceUsage:
			usageCount++
		}
	}
	require.ElementsMatch(t, []string{"node-1", "node-2"}, hashes)
	require.Equal(t, 2, resourceCount)
	require.Equal(t, 2, usageCount)
}

func TestNodeCacheSuppressesUnchangedEvents(t *testing.T) {
	node := testNode("node-1", true)
	l, _, nodeSend, _ := newTestListener(t)

	l.UpdateResourceInDatabase(context.Background(), node)
	require.Len(t, drain(nodeSend), 1)

	// Identical attributes within TTL: suppressed.
	l.UpdateResourceInDatabase(context.Background(), node)
	require.Empty(t, drain(nodeSend))

	// Changed availability: sent again.
	node.Status.Conditions[0].Status = corev1.ConditionFalse
	l.UpdateResourceInDatabase(context.Background(), node)
	msgs := drain(nodeSend)
	require.Len(t, msgs, 1)
	body, err := msgs[0].Decode()
	require.NoError(t, err)
	require.False(t, body.(messages.ResourceBody).Available)
}

func TestNodeResourceFiltersFeatureLabels(t *testing.T) {
	node := testNode("node-1", true)
	node.Labels["feature.node.kubernetes.io/cpu-cpuid.AVX"] = "true"
	node.Labels["topology.kubernetes.io/zone"] = "z1"
	l, _, nodeSend, _ := newTestListener(t)

	l.UpdateResourceInDatabase(context.Background(), node)
	msgs := drain(nodeSend)
	require.Len(t, msgs, 1)
	body, err := msgs[0].Decode()
	require.NoError(t, err)
	rb := body.(messages.ResourceBody)
	require.Contains(t, rb.LabelFields, "topology.kubernetes.io/zone")
	require.NotContains(t, rb.LabelFields, "feature.node.kubernetes.io/cpu-cpuid.AVX")
}

func TestNodeUsageAggregation(t *testing.T) {
	pods := []*corev1.Pod{
		workloadPod("p1", "node-1", "1500m"),
		workloadPod("p2", "node-1", "500m"),
	}
	pods[1].Namespace = "osmo" // workflow namespace
	body := NodeUsage("node-1", pods, "osmo", nil)
	require.Equal(t, "2", body.UsageFields["cpu"])
	require.Equal(t, "2", body.NonWorkflowUsageFields["cpu"]) // ceil(1.5)
	require.Equal(t, "2097152Ki", body.UsageFields["memory"])
}

func TestNodeUsageSkipsUnassignedPending(t *testing.T) {
	pod := workloadPod("p1", "", "1")
	pod.Status.Phase = corev1.PodPending
	body := NodeUsage("node-1", []*corev1.Pod{pod}, "osmo", nil)
	require.Equal(t, "0", body.UsageFields["cpu"])
}

func TestHandlePodEventClassifiesManagedPods(t *testing.T) {
	l, podSend, _, eventSend := newTestListener(t)
	podCache := NewTTLCache(16, 15)
	condCache := NewTTLCache(16, 15)

	pod := workloadPod("wf-pod", "node-1", "1")
	pod.Namespace = "osmo"
	pod.Labels = map[string]string{
		TaskUUIDLabel:     "task-1",
		WorkflowUUIDLabel: "wf-1",
		RetryIDLabel:      "1",
	}
	l.handlePodEvent(context.Background(), "MODIFIED", pod, podCache, condCache)

	msgs := drain(podSend)
	require.Len(t, msgs, 1)
	body, err := msgs[0].Decode()
	require.NoError(t, err)
	update := body.(messages.UpdatePodBody)
	require.Equal(t, "RUNNING", update.Status)
	require.Equal(t, "wf-1", update.WorkflowUUID)
	require.Equal(t, 1, update.RetryID)
	require.Equal(t, "cluster-a", update.Backend)
	_ = drain(eventSend)

	// Same status again: suppressed by the pod status cache.
	l.handlePodEvent(context.Background(), "MODIFIED", pod, podCache, condCache)
	require.Empty(t, drain(podSend))
}

func TestHandlePodEventIgnoresUnmanagedAndUnknown(t *testing.T) {
	l, podSend, _, _ := newTestListener(t)
	podCache := NewTTLCache(16, 15)
	condCache := NewTTLCache(16, 15)

	unmanaged := workloadPod("other", "node-1", "1")
	unmanaged.Namespace = "osmo"
	l.handlePodEvent(context.Background(), "ADDED", unmanaged, podCache, condCache)
	require.Empty(t, drain(podSend))

	unknown := workloadPod("wf-pod", "node-1", "1")
	unknown.Namespace = "osmo"
	unknown.Labels = map[string]string{TaskUUIDLabel: "t", WorkflowUUIDLabel: "w"}
	unknown.Status.Phase = corev1.PodUnknown
	l.handlePodEvent(context.Background(), "MODIFIED", unknown, podCache, condCache)
	require.Empty(t, drain(podSend))
}

func TestClusterEventDeduplication(t *testing.T) {
	l, _, _, eventSend := newTestListener(t)
	cache := NewLRUCache(16)
	ts := metav1.NewTime(time.Now())
	event := &corev1.Event{
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "p1"},
		Type:           "Warning",
		Reason:         "FailedScheduling",
		Message:        "0/3 nodes available",
		LastTimestamp:  ts,
	}
	l.handleClusterEvent(cache, event)
	require.Len(t, drain(eventSend), 1)

	l.handleClusterEvent(cache, event)
	require.Empty(t, drain(eventSend), "identical event within timestamp must be suppressed")

	event.LastTimestamp = metav1.NewTime(ts.Add(time.Minute))
	l.handleClusterEvent(cache, event)
	require.Len(t, drain(eventSend), 1)
}

func TestPodGroupPreemptionEventParsing(t *testing.T) {
	l, _, _, eventSend := newTestListener(t)
	cache := NewLRUCache(16)
	event := &corev1.Event{
		InvolvedObject:      corev1.ObjectReference{Kind: "PodGroup", Name: "pg-1"},
		Reason:              "Evict",
		ReportingController: "kai-scheduler",
		Message:             "Pod osmo/wf-pod-abc was preempted by higher priority",
		LastTimestamp:       metav1.Now(),
	}
	l.handleClusterEvent(cache, event)
	msgs := drain(eventSend)
	require.Len(t, msgs, 1)
	body, err := msgs[0].Decode()
	require.NoError(t, err)
	require.Equal(t, "wf-pod-abc", body.(messages.PodEventBody).PodName)
}

func TestControlLoopReplacesRulesAndReevaluates(t *testing.T) {
	l, _, nodeSend, eventSend := newTestListener(t, testNode("node-1", true))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlRecv := make(chan messages.Message, 1)
	controlRecv <- messages.MustNew(messages.TypeNodeConditions, messages.NodeConditionsBody{
		Rules: map[string]string{"^DiskPressure$": "False"},
	})
	done := make(chan struct{})
	go func() {
		l.RunControl(ctx, controlRecv, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, m := range drain(nodeSend) {
			if m.Type == messages.TypeResource {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// The default Ready rule must survive the replacement.
	require.False(t, l.controller.IsNodeAvailable(&corev1.Node{
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionFalse},
		}},
	}))
	cancel()
	<-done
	_ = drain(eventSend)
}

func TestTTLCache(t *testing.T) {
	c := NewTTLCache(2, 15)
	require.False(t, c.Hit("a"))
	c.Stamp("a")
	require.True(t, c.Hit("a"))

	// Capacity eviction.
	c.Stamp("b")
	c.Stamp("c")
	require.False(t, c.Hit("a"))

	// TTL 0 disables expiry.
	forever := NewTTLCache(2, 0)
	forever.Stamp("x")
	require.True(t, forever.Hit("x"))
}

func TestPodListLifecycle(t *testing.T) {
	pl := NewPodList()
	pod := workloadPod("p1", "node-1", "1")
	pl.Update(pod)
	require.Len(t, pl.ByNode("node-1"), 1)
	pl.Delete(pod)
	require.Empty(t, pl.ByNode("node-1"))

	// Pods without a node assignment are ignored.
	pl.Update(workloadPod("p2", "", "1"))
	require.Equal(t, 0, pl.Len())
}

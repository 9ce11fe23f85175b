// Copyright 2026 NVIDIA Corporation
package listener

import (
	corev1 "k8s.io/api/core/v1"
)

// PodList indexes observed pods by node and name. It is mutated only by the
// pod-watch thread; other threads read without locks (single-writer).
type PodList struct {
	pods map[string]map[string]*corev1.Pod
}

func NewPodList() *PodList {
	return &PodList{pods: make(map[string]map[string]*corev1.Pod)}
}

// Update upserts a pod under its assigned node. Pods not yet bound to a node
// are skipped.
func (p *PodList) Update(pod *corev1.Pod) {
	node := pod.Spec.NodeName
	if node == "" {
		return
	}
	if p.pods[node] == nil {
		p.pods[node] = make(map[string]*corev1.Pod)
	}
	p.pods[node][pod.Name] = pod
}

// Delete removes a pod, dropping the node bucket when it empties.
func (p *PodList) Delete(pod *corev1.Pod) {
	node := pod.Spec.NodeName
	if node == "" {
		return
	}
	if bucket, ok := p.pods[node]; ok {
		delete(bucket, pod.Name)
		if len(bucket) == 0 {
			delete(p.pods, node)
		}
	}
}

// ByNode returns all pods observed on a node.
func (p *PodList) ByNode(node string) []*corev1.Pod {
	bucket := p.pods[node]
	out := make([]*corev1.Pod, 0, len(bucket))
	for _, pod := range bucket {
		out = append(out, pod)
	}
	return out
}

// Nodes lists the node names with at least one indexed pod.
func (p *PodList) Nodes() []string {
	out := make([]string, 0, len(p.pods))
	for node := range p.pods {
		out = append(out, node)
	}
	return out
}

// Len counts all indexed pods.
func (p *PodList) Len() int {
	n := 0
	for _, bucket := range p.pods {
		n += len(bucket)
	}
	return n
}

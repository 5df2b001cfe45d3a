package kube

import (
	"github.com/medic/cht-upgrade-service/internal/model"
	corev1 "k8s.io/api/core/v1"
)

// PodAdapter wraps a Pod to produce the readiness snapshot
type PodAdapter struct {
	Pod *corev1.Pod
}

func NewPodAdapter(pod *corev1.Pod) *PodAdapter {
	return &PodAdapter{Pod: pod}
}

func (p *PodAdapter) GetStatus() model.PodStatus {
	return model.PodStatus{
		PodName:         p.Pod.Name,
		Phase:           string(p.Pod.Status.Phase),
		ContainerStates: p.getContainerStates(p.Pod.Status.ContainerStatuses),
	}
}

func (p *PodAdapter) getContainerStates(statuses []corev1.ContainerStatus) []model.ContainerState {
	result := make([]model.ContainerState, 0, len(statuses))
	for _, cs := range statuses {
		containerState := model.ContainerState{
			Name:  cs.Name,
			Image: cs.Image,
			State: model.ContainerStateUnknown,
		}

		// Determine state and reason
		if cs.State.Running != nil {
			containerState.State = model.ContainerStateRunning
		} else if cs.State.Waiting != nil {
			containerState.State = model.ContainerStateWaiting
			containerState.Reason = cs.State.Waiting.Reason
			containerState.Message = cs.State.Waiting.Message
		} else if cs.State.Terminated != nil {
			containerState.State = model.ContainerStateTerminated
			containerState.Reason = cs.State.Terminated.Reason
			containerState.Message = cs.State.Terminated.Message
		}

		result = append(result, containerState)
	}
	return result
}

package kube

import (
	"fmt"
	"strings"

	"github.com/medic/cht-upgrade-service/internal/model"
	v1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// WorkloadAdapter abstracts pod template access across Deployments, StatefulSets, and DaemonSets
type WorkloadAdapter interface {
	GetObject() client.Object
	GetKind() model.WorkloadKind
	GetPodSpec() *corev1.PodSpec
}

// DeploymentAdapter wraps a Deployment to implement WorkloadAdapter
type DeploymentAdapter struct {
	Deployment *v1.Deployment
}

func (d *DeploymentAdapter) GetObject() client.Object {
	return d.Deployment
}

func (d *DeploymentAdapter) GetKind() model.WorkloadKind {
	return model.WorkloadKindDeployment
}

func (d *DeploymentAdapter) GetPodSpec() *corev1.PodSpec {
	return &d.Deployment.Spec.Template.Spec
}

// StatefulSetAdapter wraps a StatefulSet to implement WorkloadAdapter
type StatefulSetAdapter struct {
	StatefulSet *v1.StatefulSet
}

func (s *StatefulSetAdapter) GetObject() client.Object {
	return s.StatefulSet
}

func (s *StatefulSetAdapter) GetKind() model.WorkloadKind {
	return model.WorkloadKindStatefulSet
}

func (s *StatefulSetAdapter) GetPodSpec() *corev1.PodSpec {
	return &s.StatefulSet.Spec.Template.Spec
}

// DaemonSetAdapter wraps a DaemonSet to implement WorkloadAdapter
type DaemonSetAdapter struct {
	DaemonSet *v1.DaemonSet
}

func (d *DaemonSetAdapter) GetObject() client.Object {
	return d.DaemonSet
}

func (d *DaemonSetAdapter) GetKind() model.WorkloadKind {
	return model.WorkloadKindDaemonSet
}

func (d *DaemonSetAdapter) GetPodSpec() *corev1.PodSpec {
	return &d.DaemonSet.Spec.Template.Spec
}

// adapterFor wraps an object previously read by this package
func adapterFor(obj client.Object) (WorkloadAdapter, error) {
	switch o := obj.(type) {
	case *v1.Deployment:
		return &DeploymentAdapter{Deployment: o}, nil
	case *v1.StatefulSet:
		return &StatefulSetAdapter{StatefulSet: o}, nil
	case *v1.DaemonSet:
		return &DaemonSetAdapter{DaemonSet: o}, nil
	default:
		return nil, fmt.Errorf("unsupported workload object %T", obj)
	}
}

// toWorkload parses an adapter into a strict workload record.
// Containers without a name cannot be matched and are skipped.
func toWorkload(adapter WorkloadAdapter) model.Workload {
	obj := adapter.GetObject()
	podSpec := adapter.GetPodSpec()

	containers := make([]model.ContainerSpec, 0, len(podSpec.Containers))
	for _, c := range podSpec.Containers {
		if c.Name == "" {
			continue
		}
		containers = append(containers, model.ContainerSpec{
			Name:  c.Name,
			Image: c.Image,
		})
	}

	return model.Workload{
		Ref: model.WorkloadRef{
			Kind:            adapter.GetKind(),
			Name:            obj.GetName(),
			Namespace:       obj.GetNamespace(),
			ResourceVersion: obj.GetResourceVersion(),
		},
		Labels:     obj.GetLabels(),
		Containers: containers,
		Object:     obj,
	}
}

// applyContainers copies the record's images back onto the pod template, by container name
func applyContainers(adapter WorkloadAdapter, containers []model.ContainerSpec) {
	images := make(map[string]string, len(containers))
	for _, c := range containers {
		images[c.Name] = c.Image
	}

	podSpec := adapter.GetPodSpec()
	for i := range podSpec.Containers {
		if image, ok := images[podSpec.Containers[i].Name]; ok {
			podSpec.Containers[i].Image = image
		}
	}
}

// ParseWorkloadKinds parses kind names such as "Deployment,statefulset"
func ParseWorkloadKinds(names []string) ([]model.WorkloadKind, error) {
	kinds := make([]model.WorkloadKind, 0, len(names))
	seen := make(map[model.WorkloadKind]bool)
	for _, name := range names {
		var kind model.WorkloadKind
		switch {
		case strings.EqualFold(name, string(model.WorkloadKindDeployment)):
			kind = model.WorkloadKindDeployment
		case strings.EqualFold(name, string(model.WorkloadKindStatefulSet)):
			kind = model.WorkloadKindStatefulSet
		case strings.EqualFold(name, string(model.WorkloadKindDaemonSet)):
			kind = model.WorkloadKindDaemonSet
		default:
			return nil, fmt.Errorf("unsupported workload kind %q", name)
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		kinds = append(kinds, model.WorkloadKindDeployment)
	}
	return kinds, nil
}

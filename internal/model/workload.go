package model

import (
	"sigs.k8s.io/controller-runtime/pkg/client"
)

type WorkloadKind string

const (
	WorkloadKindDeployment  WorkloadKind = "Deployment"
	WorkloadKindStatefulSet WorkloadKind = "StatefulSet"
	WorkloadKindDaemonSet   WorkloadKind = "DaemonSet"
)

// WorkloadRef identifies a workload as it was read from the cluster
type WorkloadRef struct {
	Kind            WorkloadKind `json:"kind"`
	Name            string       `json:"name"`
	Namespace       string       `json:"namespace"`
	ResourceVersion string       `json:"resourceVersion,omitempty"`
}

// Key identifies the workload regardless of the version that was read
func (r WorkloadRef) Key() string {
	return r.Namespace + "/" + string(r.Kind) + "/" + r.Name
}

func (r WorkloadRef) String() string {
	return string(r.Kind) + " " + r.Namespace + "/" + r.Name
}

// ContainerSpec is a container of a workload's pod template
type ContainerSpec struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Workload is a workload snapshot with its pod template containers in template order.
// Object is the API object the snapshot was parsed from; it is what gets written back.
type Workload struct {
	Ref        WorkloadRef       `json:"ref"`
	Labels     map[string]string `json:"labels,omitempty"`
	Containers []ContainerSpec   `json:"containers"`
	Object     client.Object     `json:"-"`
}

package model

const (
	PodPhasePending = "Pending"

	ContainerStateRunning    = "running"
	ContainerStateWaiting    = "waiting"
	ContainerStateTerminated = "terminated"
	ContainerStateUnknown    = "unknown"
)

// ContainerState represents the run state of a container in a pod
type ContainerState struct {
	Name    string `json:"name"`
	Image   string `json:"image,omitempty"`
	State   string `json:"state"` // running, waiting, terminated, unknown
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// PodStatus is a read-only snapshot of a pod used for readiness evaluation
type PodStatus struct {
	PodName         string           `json:"podName"`
	Phase           string           `json:"phase"`
	ContainerStates []ContainerState `json:"containerStates,omitempty"`
}

// ReadinessReport tells whether a namespace can be mutated.
// Ready is true iff NotReadyPods is empty.
type ReadinessReport struct {
	Ready        bool        `json:"ready"`
	NotReadyPods []PodStatus `json:"notReadyPods,omitempty"`
}

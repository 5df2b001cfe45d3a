package model

import (
	"time"

	"github.com/google/uuid"
)

type UpgradeEventKind string
type UpgradeEventOutcome string

const (
	UpgradeEventKindWorkload UpgradeEventKind = "WORKLOAD_UPGRADE"

	UpgradeEventOutcomeSucceeded UpgradeEventOutcome = "SUCCEEDED"
	UpgradeEventOutcomeFailed    UpgradeEventOutcome = "FAILED"
)

// ContainerChange records the image swap applied to one container
type ContainerChange struct {
	Name          string `json:"name"`
	PreviousImage string `json:"previousImage"`
	CurrentImage  string `json:"currentImage"`
}

// WorkloadUpgrade is emitted once per workload write-back attempt
type WorkloadUpgrade struct {
	Workload     WorkloadRef
	Labels       map[string]string
	Changes      []ContainerChange
	ErrorReason  string
	ErrorMessage string
}

func (u WorkloadUpgrade) Failed() bool {
	return u.ErrorMessage != ""
}

type SourceMetadata struct {
	ClusterID      string `json:"clusterId"`
	ServiceVersion string `json:"serviceVersion"`
}

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type UpgradeEventPayload struct {
	EventID    string              `json:"eventId"`
	OccurredAt time.Time           `json:"occurredAt"`
	Source     SourceMetadata      `json:"source"`
	Workload   WorkloadRef         `json:"workload"`
	Kind       UpgradeEventKind    `json:"kind"`
	Outcome    UpgradeEventOutcome `json:"outcome"`
	Changes    []ContainerChange   `json:"changes"`
	Error      *ErrorDetail        `json:"error,omitempty"`
}

func NewUpgradeEventPayload(update WorkloadUpgrade, clusterID, serviceVersion string) UpgradeEventPayload {
	outcome := UpgradeEventOutcomeSucceeded
	var errorDetail *ErrorDetail
	if update.Failed() {
		outcome = UpgradeEventOutcomeFailed
		errorDetail = &ErrorDetail{
			Code:    update.ErrorReason,
			Message: update.ErrorMessage,
		}
	}

	changes := update.Changes
	if changes == nil {
		changes = []ContainerChange{}
	}

	return UpgradeEventPayload{
		EventID:    uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		Source: SourceMetadata{
			ClusterID:      clusterID,
			ServiceVersion: serviceVersion,
		},
		Workload: update.Workload,
		Kind:     UpgradeEventKindWorkload,
		Outcome:  outcome,
		Changes:  changes,
		Error:    errorDetail,
	}
}

package upgrade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/medic/cht-upgrade-service/internal/model"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Stage names the step of an upgrade call
type Stage string

const (
	StageValidating   Stage = "validating"
	StageGateChecking Stage = "gate_checking"
	StageMatching     Stage = "matching"
	StageMutating     Stage = "mutating"
	StageWritingBack  Stage = "writing_back"
	StageDone         Stage = "done"
)

// Error reasons exposed to callers
const (
	ReasonValidation = "validation"
	ReasonNotReady   = "not_ready"
	ReasonCluster    = "cluster"
)

// Error is implemented by every terminal failure of an upgrade call
type Error interface {
	error
	// Reason is one of ReasonValidation, ReasonNotReady or ReasonCluster
	Reason() string
	// MutationsApplied reports whether the cluster may have been changed before the failure
	MutationsApplied() bool
}

var (
	_ Error = &ValidationError{}
	_ Error = &NotReadyError{}
	_ Error = &ClusterError{}
)

// ValidationError rejects a malformed batch before any cluster I/O
type ValidationError struct {
	// Index of the offending request, -1 when the batch as a whole is invalid
	Index   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return "invalid upgrade request: " + e.Message
	}
	return fmt.Sprintf("invalid upgrade request #%d: %s: %s", e.Index, e.Field, e.Message)
}

func (e *ValidationError) Reason() string        { return ReasonValidation }
func (e *ValidationError) MutationsApplied() bool { return false }

// NotReadyError is returned when the readiness gate fails. It carries every not-ready pod.
type NotReadyError struct {
	NotReadyPods []model.PodStatus
}

func (e *NotReadyError) Error() string {
	pods := make([]string, 0, len(e.NotReadyPods))
	for _, pod := range e.NotReadyPods {
		pods = append(pods, fmt.Sprintf("%s (%s)", pod.PodName, pod.Phase))
	}
	return fmt.Sprintf("can't upgrade right now: %d pod(s) not ready: %s", len(e.NotReadyPods), strings.Join(pods, ", "))
}

func (e *NotReadyError) Reason() string        { return ReasonNotReady }
func (e *NotReadyError) MutationsApplied() bool { return false }

// ClusterError wraps any failure of the cluster client.
// Outcomes holds what was committed before the failure; nothing is rolled back.
type ClusterError struct {
	Stage    Stage
	Workload *model.WorkloadRef
	// StatusReason is the API status reason (NotFound, Forbidden, Conflict, ...), "Unknown" for transport failures
	StatusReason   string
	Outcomes       model.Outcomes
	WriteAttempted bool
	// Skipped counts write-backs abandoned after the failure
	Skipped int
	Err     error
}

func newClusterError(stage Stage, err error) *ClusterError {
	reason := string(apierrors.ReasonForError(err))
	if reason == "" {
		reason = "Unknown"
	}
	return &ClusterError{
		Stage:        stage,
		StatusReason: reason,
		Err:          err,
	}
}

func (e *ClusterError) Error() string {
	if e.Workload != nil {
		return fmt.Sprintf("cluster error while %s %s: %v", e.Stage, e.Workload, e.Err)
	}
	return fmt.Sprintf("cluster error while %s: %v", e.Stage, e.Err)
}

func (e *ClusterError) Unwrap() error { return e.Err }

func (e *ClusterError) Reason() string { return ReasonCluster }

func (e *ClusterError) MutationsApplied() bool { return e.WriteAttempted }

// MutationsApplied reports whether err leaves the cluster possibly modified.
// Errors that are not upgrade errors are treated conservatively.
func MutationsApplied(err error) bool {
	var upgradeErr Error
	if errors.As(err, &upgradeErr) {
		return upgradeErr.MutationsApplied()
	}
	return err != nil
}

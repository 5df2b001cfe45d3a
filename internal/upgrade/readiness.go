package upgrade

import (
	"context"

	"github.com/medic/cht-upgrade-service/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PodLister lists the pod snapshots of a namespace
type PodLister interface {
	ListPods(ctx context.Context, namespace string) ([]model.PodStatus, error)
}

// ReadinessEvaluator decides whether a namespace is safe to mutate
type ReadinessEvaluator struct {
	client    PodLister
	namespace string
}

func NewReadinessEvaluator(client PodLister, namespace string) *ReadinessEvaluator {
	return &ReadinessEvaluator{
		client:    client,
		namespace: namespace,
	}
}

// Evaluate lists the namespace pods and reports all of the ones that are not ready.
// Each reported pod only carries its non-running container states.
func (e *ReadinessEvaluator) Evaluate(ctx context.Context) (model.ReadinessReport, error) {
	pods, err := e.client.ListPods(ctx, e.namespace)
	if err != nil {
		return model.ReadinessReport{}, err
	}

	report := model.ReadinessReport{Ready: true}
	for _, pod := range pods {
		if IsPodReady(pod) {
			continue
		}
		report.NotReadyPods = append(report.NotReadyPods, model.PodStatus{
			PodName:         pod.PodName,
			Phase:           pod.Phase,
			ContainerStates: notRunning(pod.ContainerStates),
		})
	}
	report.Ready = len(report.NotReadyPods) == 0

	if !report.Ready {
		log.FromContext(ctx).Info("Namespace not ready for upgrades",
			"namespace", e.namespace,
			"pods", len(pods),
			"notReady", len(report.NotReadyPods))
	}
	return report, nil
}

// IsPodReady returns false for pending pods and pods with any container not running
func IsPodReady(pod model.PodStatus) bool {
	if pod.Phase == model.PodPhasePending {
		return false
	}
	return len(notRunning(pod.ContainerStates)) == 0
}

func notRunning(states []model.ContainerState) []model.ContainerState {
	var result []model.ContainerState
	for _, state := range states {
		if state.State != model.ContainerStateRunning {
			result = append(result, state)
		}
	}
	return result
}

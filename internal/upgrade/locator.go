package upgrade

import (
	"context"
	"strings"

	"github.com/medic/cht-upgrade-service/internal/filter"
	"github.com/medic/cht-upgrade-service/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ClusterClient is the cluster access the upgrade flow needs
type ClusterClient interface {
	GetWorkload(ctx context.Context, namespace, name string) (*model.Workload, error)
	ListWorkloads(ctx context.Context, namespace string) ([]model.Workload, error)
	ListPods(ctx context.Context, namespace string) ([]model.PodStatus, error)
	ReplaceWorkload(ctx context.Context, workload *model.Workload) error
}

// Match is a container found by the locator, addressed by its index in the workload
type Match struct {
	Workload *model.Workload
	Index    int
}

func (m Match) Container() model.ContainerSpec {
	return m.Workload.Containers[m.Index]
}

// Locator finds containers by identifier across the workloads of one namespace
type Locator struct {
	client    ClusterClient
	namespace string
	scope     string
	filter    *filter.WorkloadFilter
}

// NewLocator creates a locator. The scope deployment, when set, is read and scanned first.
func NewLocator(client ClusterClient, namespace, scope string, workloadFilter *filter.WorkloadFilter) *Locator {
	return &Locator{
		client:    client,
		namespace: namespace,
		scope:     scope,
		filter:    workloadFilter,
	}
}

// Locate returns every container named identifier or identifier-<N>.
// No match is an empty result, not an error.
func (l *Locator) Locate(ctx context.Context, identifier string) ([]Match, error) {
	logger := log.FromContext(ctx)

	workloads, err := l.scan(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, workload := range workloads {
		for i, container := range workload.Containers {
			if MatchesIdentifier(container.Name, identifier) {
				matches = append(matches, Match{Workload: workload, Index: i})
			}
		}
	}

	logger.V(1).Info("Located containers",
		"identifier", identifier,
		"workloads", len(workloads),
		"matches", len(matches))
	return matches, nil
}

// scan reads the scope deployment and then every workload in the namespace, each once
func (l *Locator) scan(ctx context.Context) ([]*model.Workload, error) {
	var workloads []*model.Workload
	seen := make(map[string]bool)

	if l.scope != "" {
		scoped, err := l.client.GetWorkload(ctx, l.namespace, l.scope)
		if err != nil {
			return nil, err
		}
		seen[scoped.Ref.Key()] = true
		if l.filter.Admits(scoped.Labels) {
			workloads = append(workloads, scoped)
		}
	}

	listed, err := l.client.ListWorkloads(ctx, l.namespace)
	if err != nil {
		return nil, err
	}
	for i := range listed {
		workload := &listed[i]
		if seen[workload.Ref.Key()] || !l.filter.Admits(workload.Labels) {
			continue
		}
		seen[workload.Ref.Key()] = true
		workloads = append(workloads, workload)
	}

	return workloads, nil
}

// MatchesIdentifier reports whether name is identifier or identifier followed by "-" and digits.
// The identifier is compared literally.
func MatchesIdentifier(name, identifier string) bool {
	if identifier == "" {
		return false
	}
	if name == identifier {
		return true
	}

	suffix, ok := strings.CutPrefix(name, identifier+"-")
	if !ok || suffix == "" {
		return false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

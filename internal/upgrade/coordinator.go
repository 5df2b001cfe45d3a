// Package upgrade locates containers by name, gates on namespace readiness
// and rolls new images into the workloads that own them.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/medic/cht-upgrade-service/internal/filter"
	"github.com/medic/cht-upgrade-service/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Options holds the optional collaborators of a Coordinator
type Options struct {
	// Filter restricts which workloads are scanned; nil scans all
	Filter *filter.WorkloadFilter
	// Updates receives one event per workload write-back attempt; nil disables events
	Updates chan<- model.WorkloadUpgrade
}

// Coordinator runs upgrade calls against one namespace
type Coordinator struct {
	client    ClusterClient
	namespace string
	scope     string
	locator   *Locator
	readiness *ReadinessEvaluator
	updates   chan<- model.WorkloadUpgrade
}

// NewCoordinator creates a coordinator bound to namespace. scope is the deployment
// read first when locating containers; it may be empty.
func NewCoordinator(client ClusterClient, namespace, scope string, opts Options) *Coordinator {
	return &Coordinator{
		client:    client,
		namespace: namespace,
		scope:     scope,
		locator:   NewLocator(client, namespace, scope, opts.Filter),
		readiness: NewReadinessEvaluator(client, namespace),
		updates:   opts.Updates,
	}
}

func (c *Coordinator) Namespace() string {
	return c.namespace
}

func (c *Coordinator) Scope() string {
	return c.scope
}

// pendingWrite accumulates the mutations of one workload so it is written back once
type pendingWrite struct {
	workload   *model.Workload
	containers []string
	changes    map[string]*model.ContainerChange
}

func newPendingWrite(workload *model.Workload) *pendingWrite {
	return &pendingWrite{
		workload: workload,
		changes:  make(map[string]*model.ContainerChange),
	}
}

// setImage replaces the full image reference of the named container
func (p *pendingWrite) setImage(containerName, image string) {
	for i := range p.workload.Containers {
		container := &p.workload.Containers[i]
		if container.Name != containerName {
			continue
		}
		change, ok := p.changes[containerName]
		if !ok {
			change = &model.ContainerChange{Name: containerName, PreviousImage: container.Image}
			p.changes[containerName] = change
			p.containers = append(p.containers, containerName)
		}
		change.CurrentImage = image
		container.Image = image
		return
	}
}

func (p *pendingWrite) changeList() []model.ContainerChange {
	changes := make([]model.ContainerChange, 0, len(p.containers))
	for _, containerName := range p.containers {
		changes = append(changes, *p.changes[containerName])
	}
	return changes
}

// Upgrade validates the batch, checks readiness, mutates every matching container and
// writes each touched workload back once. Identifiers without a match are reported as
// not ok. The first failed write-back aborts the call; earlier writes stay applied.
func (c *Coordinator) Upgrade(ctx context.Context, requests []model.UpgradeRequest) (model.Outcomes, error) {
	logger := log.FromContext(ctx).WithValues("namespace", c.namespace)

	outcomes, err := c.upgrade(ctx, requests)
	if err != nil {
		result := resultFailed
		var upgradeErr Error
		if errors.As(err, &upgradeErr) {
			result = upgradeErr.Reason()
		}
		upgradeCallsTotal.WithLabelValues(c.namespace, result).Inc()
		logger.Error(err, "Upgrade failed", "mutationsApplied", MutationsApplied(err))
		return nil, err
	}

	upgradeCallsTotal.WithLabelValues(c.namespace, resultSuccess).Inc()
	logger.Info("Upgrade completed", "outcomes", outcomes)
	return outcomes, nil
}

func (c *Coordinator) upgrade(ctx context.Context, requests []model.UpgradeRequest) (model.Outcomes, error) {
	logger := log.FromContext(ctx).WithValues("namespace", c.namespace)

	logger.V(1).Info("Upgrade stage", "stage", StageValidating, "requests", len(requests))
	if err := ValidateRequests(requests); err != nil {
		return nil, err
	}

	logger.V(1).Info("Upgrade stage", "stage", StageGateChecking)
	report, err := c.readiness.Evaluate(ctx)
	if err != nil {
		return nil, newClusterError(StageGateChecking, err)
	}
	if !report.Ready {
		return nil, &NotReadyError{NotReadyPods: report.NotReadyPods}
	}

	logger.V(1).Info("Upgrade stage", "stage", StageMatching)
	outcomes := make(model.Outcomes)
	var pending []*pendingWrite
	byKey := make(map[string]*pendingWrite)

	for _, request := range requests {
		matches, err := c.locator.Locate(ctx, request.Identifier)
		if err != nil {
			return nil, newClusterError(StageMatching, err)
		}
		if len(matches) == 0 {
			logger.Info("No container matches identifier", "identifier", request.Identifier)
			unmatchedIdentifiersTotal.WithLabelValues(c.namespace).Inc()
			outcomes[request.Identifier] = model.Outcome{OK: false}
			continue
		}

		for _, match := range matches {
			key := match.Workload.Ref.Key()
			write, ok := byKey[key]
			if !ok {
				write = newPendingWrite(match.Workload)
				byKey[key] = write
				pending = append(pending, write)
			}
			write.setImage(match.Container().Name, request.ImageTag)
		}
	}

	logger.V(1).Info("Upgrade stage", "stage", StageWritingBack, "workloads", len(pending))
	for i, write := range pending {
		ref := write.workload.Ref
		if err := c.client.ReplaceWorkload(ctx, write.workload); err != nil {
			for _, containerName := range write.containers {
				outcomes[containerName] = model.Outcome{OK: false}
			}
			workloadWritesTotal.WithLabelValues(c.namespace, string(ref.Kind), resultFailed).Inc()

			clusterErr := newClusterError(StageWritingBack, err)
			clusterErr.Workload = &ref
			clusterErr.Outcomes = outcomes
			clusterErr.WriteAttempted = true
			clusterErr.Skipped = len(pending) - i - 1

			c.publish(ctx, model.WorkloadUpgrade{
				Workload:     ref,
				Labels:       write.workload.Labels,
				Changes:      write.changeList(),
				ErrorReason:  clusterErr.StatusReason,
				ErrorMessage: err.Error(),
			})
			return nil, clusterErr
		}

		for _, containerName := range write.containers {
			outcomes[containerName] = model.Outcome{OK: true}
		}
		workloadWritesTotal.WithLabelValues(c.namespace, string(ref.Kind), resultSuccess).Inc()
		c.publish(ctx, model.WorkloadUpgrade{
			Workload: write.workload.Ref,
			Labels:   write.workload.Labels,
			Changes:  write.changeList(),
		})
	}

	logger.V(1).Info("Upgrade stage", "stage", StageDone)
	return outcomes, nil
}

func (c *Coordinator) publish(ctx context.Context, update model.WorkloadUpgrade) {
	if c.updates == nil {
		return
	}
	select {
	case c.updates <- update:
	case <-ctx.Done():
	}
}

// Readiness evaluates the namespace readiness gate without mutating anything
func (c *Coordinator) Readiness(ctx context.Context) (model.ReadinessReport, error) {
	report, err := c.readiness.Evaluate(ctx)
	if err != nil {
		return model.ReadinessReport{}, newClusterError(StageGateChecking, err)
	}
	return report, nil
}

// CurrentVersion returns the images of every container matching identifier
func (c *Coordinator) CurrentVersion(ctx context.Context, identifier string) ([]string, error) {
	matches, err := c.locator.Locate(ctx, identifier)
	if err != nil {
		return nil, newClusterError(StageMatching, err)
	}

	images := make([]string, 0, len(matches))
	for _, match := range matches {
		images = append(images, match.Container().Image)
	}
	return images, nil
}

// ValidateRequests checks the whole batch before any cluster I/O
func ValidateRequests(requests []model.UpgradeRequest) error {
	if len(requests) == 0 {
		return &ValidationError{Index: -1, Message: "no containers to upgrade"}
	}

	for i, request := range requests {
		if strings.TrimSpace(request.Identifier) == "" {
			return &ValidationError{Index: i, Field: "containerName", Message: "is required"}
		}
		if strings.TrimSpace(request.ImageTag) == "" {
			return &ValidationError{Index: i, Field: "imageTag", Message: "is required"}
		}
		if _, err := name.ParseReference(request.ImageTag); err != nil {
			return &ValidationError{
				Index:   i,
				Field:   "imageTag",
				Message: fmt.Sprintf("%q is not a valid image reference: %v", request.ImageTag, err),
			}
		}
	}
	return nil
}

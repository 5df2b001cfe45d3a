package hooks

import (
	"context"

	"github.com/medic/cht-upgrade-service/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

type EventPublisherQueue struct {
	UpdateChan <-chan model.WorkloadUpgrade
	publishers []EventPublisher
}

func NewEventPublisherQueue(updateChan <-chan model.WorkloadUpgrade, publishers []EventPublisher) *EventPublisherQueue {
	return &EventPublisherQueue{
		UpdateChan: updateChan,
		publishers: publishers,
	}
}

// Start drains the update channel until it is closed or ctx is cancelled
func (eq *EventPublisherQueue) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("event-publisher")

	logger.Info("Event publisher queue started", "publishers", len(eq.publishers))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Event publisher queue stopped")
			return nil
		case update, ok := <-eq.UpdateChan:
			if !ok {
				return nil
			}
			eq.publish(ctx, update)
		}
	}
}

func (eq *EventPublisherQueue) publish(ctx context.Context, update model.WorkloadUpgrade) {
	logger := log.FromContext(ctx).WithName("event-publisher")

	logger.Info("Received workload upgrade",
		"namespace", update.Workload.Namespace,
		"name", update.Workload.Name,
		"kind", update.Workload.Kind,
		"changes", len(update.Changes),
		"failed", update.Failed(),
	)

	for _, publisher := range eq.publishers {
		if err := publisher.Publish(ctx, update); err != nil {
			logger.Error(err, "failed to publish event",
				"namespace", update.Workload.Namespace,
				"name", update.Workload.Name,
			)
		}
	}
}

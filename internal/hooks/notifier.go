package hooks

import (
	"context"

	"github.com/medic/cht-upgrade-service/internal/model"
)

// EventPublisher forwards workload upgrade events to an external system
type EventPublisher interface {
	Publish(ctx context.Context, update model.WorkloadUpgrade) error
}

package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/medic/cht-upgrade-service/internal/model"
	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// HTTPPublisher sends workload upgrade events to a control plane via HTTP
type HTTPPublisher struct {
	client         *resty.Client
	endpoint       string
	clusterID      string
	serviceVersion string
}

// NewHTTPPublisher creates a new HTTP publisher for the control plane
func NewHTTPPublisher(endpoint, clusterID, serviceVersion string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &HTTPPublisher{
		client:         client,
		endpoint:       endpoint,
		clusterID:      clusterID,
		serviceVersion: serviceVersion,
	}
}

// Publish sends a workload upgrade event to the control plane
func (p *HTTPPublisher) Publish(ctx context.Context, update model.WorkloadUpgrade) error {
	logger := log.FromContext(ctx)

	event := model.NewUpgradeEventPayload(update, p.clusterID, p.serviceVersion)

	logger.Info("Publishing event to control plane",
		"endpoint", p.endpoint,
		"eventID", event.EventID,
		"namespace", event.Workload.Namespace,
		"name", event.Workload.Name,
		"outcome", event.Outcome,
		"changes", len(event.Changes),
	)

	var errorResponse map[string]interface{}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(event).
		SetError(&errorResponse).
		Post(p.endpoint)

	if err != nil {
		logger.Error(err, "Failed to send event to control plane",
			"endpoint", p.endpoint,
			"eventID", event.EventID,
		)
		return fmt.Errorf("failed to send event to control plane: %w", err)
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "Control plane returned error",
			"statusCode", resp.StatusCode(),
			"error", errorResponse,
			"endpoint", p.endpoint,
			"eventID", event.EventID,
		)
		return fmt.Errorf("control plane returned error status %d: %s", resp.StatusCode(), resp.String())
	}

	logger.Info("Event published to control plane",
		"eventID", event.EventID,
		"statusCode", resp.StatusCode(),
	)

	return nil
}

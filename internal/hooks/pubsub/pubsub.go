package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"github.com/medic/cht-upgrade-service/internal/model"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PubSubPublisher sends workload upgrade events to Google Cloud Pub/Sub
type PubSubPublisher struct {
	client         *pubsub.Client
	publisher      *pubsub.Publisher
	topicPath      string
	clusterID      string
	serviceVersion string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher.
// Authentication uses Application Default Credentials.
func NewPubSubPublisher(ctx context.Context, topicPath, clusterID, serviceVersion string) (*PubSubPublisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// The subscription must also have message ordering enabled.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:         client,
		publisher:      publisher,
		topicPath:      topicPath,
		clusterID:      clusterID,
		serviceVersion: serviceVersion,
	}, nil
}

// OrderingKey keeps the events of one workload in publish order
func OrderingKey(clusterID string, ref model.WorkloadRef) string {
	return fmt.Sprintf("%s/%s/%s", clusterID, ref.Namespace, ref.Name)
}

// Attributes builds the message attributes subscribers filter on
func Attributes(event model.UpgradeEventPayload, labels map[string]string) map[string]string {
	attributes := make(map[string]string, len(labels)+5)
	maps.Copy(attributes, labels)
	attributes["cluster_id"] = event.Source.ClusterID
	attributes["namespace"] = event.Workload.Namespace
	attributes["workload_name"] = event.Workload.Name
	attributes["workload_type"] = string(event.Workload.Kind)
	attributes["outcome"] = string(event.Outcome)
	return attributes
}

// Publish sends a workload upgrade event to Google Cloud Pub/Sub
func (p *PubSubPublisher) Publish(ctx context.Context, update model.WorkloadUpgrade) error {
	logger := log.FromContext(ctx)

	event := model.NewUpgradeEventPayload(update, p.clusterID, p.serviceVersion)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	orderingKey := OrderingKey(p.clusterID, update.Workload)

	logger.Info("Publishing event to Google Pub/Sub",
		"topic", p.topicPath,
		"eventID", event.EventID,
		"orderingKey", orderingKey,
		"outcome", event.Outcome,
	)

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  Attributes(event, update.Labels),
		OrderingKey: orderingKey,
	})

	msgID, err := result.Get(ctx)
	if err != nil {
		logger.Error(err, "Failed to publish event to Pub/Sub",
			"topic", p.topicPath,
			"eventID", event.EventID,
		)
		// Publishing on this key is paused after an error until resumed
		p.publisher.ResumePublish(orderingKey)
		return fmt.Errorf("failed to publish event to pubsub: %w", err)
	}

	logger.Info("Event published to Google Pub/Sub",
		"topic", p.topicPath,
		"eventID", event.EventID,
		"messageID", msgID,
	)

	return nil
}

// Stop stops the publisher and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}

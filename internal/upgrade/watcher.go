package upgrade

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// WatcherConfig holds configuration for the readiness watcher
type WatcherConfig struct {
	Interval time.Duration
}

// DefaultWatcherConfig returns the default readiness watcher configuration
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Interval: time.Minute,
	}
}

// ReadinessWatcher periodically evaluates the readiness gate and exports it as gauges
type ReadinessWatcher struct {
	config    WatcherConfig
	evaluator *ReadinessEvaluator
	namespace string
	stopCh    chan struct{}
}

func NewReadinessWatcher(config WatcherConfig, client PodLister, namespace string) *ReadinessWatcher {
	return &ReadinessWatcher{
		config:    config,
		evaluator: NewReadinessEvaluator(client, namespace),
		namespace: namespace,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the watcher loop until ctx is cancelled or Stop is called
func (w *ReadinessWatcher) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("readiness-watcher")

	logger.Info("Starting readiness watcher",
		"interval", w.config.Interval,
		"namespace", w.namespace,
	)

	w.observe(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.observe(ctx)
		case <-w.stopCh:
			logger.Info("Readiness watcher stopped")
			return nil
		case <-ctx.Done():
			logger.Info("Readiness watcher context cancelled")
			return nil
		}
	}
}

// Stop stops the readiness watcher
func (w *ReadinessWatcher) Stop() {
	close(w.stopCh)
}

func (w *ReadinessWatcher) observe(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("readiness-watcher")

	report, err := w.evaluator.Evaluate(ctx)
	if err != nil {
		logger.Error(err, "Failed to evaluate namespace readiness", "namespace", w.namespace)
		return
	}

	ready := 0.0
	if report.Ready {
		ready = 1
	}
	namespaceReadyGauge.WithLabelValues(w.namespace).Set(ready)
	notReadyPodsGauge.WithLabelValues(w.namespace).Set(float64(len(report.NotReadyPods)))

	logger.V(1).Info("Observed namespace readiness",
		"namespace", w.namespace,
		"ready", report.Ready,
		"notReadyPods", len(report.NotReadyPods),
	)
}

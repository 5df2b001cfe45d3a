/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/medic/cht-upgrade-service/internal/buildinfo"
	"github.com/medic/cht-upgrade-service/internal/config"
	"github.com/medic/cht-upgrade-service/internal/filter"
	"github.com/medic/cht-upgrade-service/internal/hooks"
	"github.com/medic/cht-upgrade-service/internal/hooks/controlplane"
	"github.com/medic/cht-upgrade-service/internal/hooks/pubsub"
	"github.com/medic/cht-upgrade-service/internal/kube"
	"github.com/medic/cht-upgrade-service/internal/model"
	"github.com/medic/cht-upgrade-service/internal/server"
	"github.com/medic/cht-upgrade-service/internal/upgrade"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

// flags holds all command-line configuration
type flags struct {
	bindAddr          string
	metricsAddr       string
	probeAddr         string
	configFile        string
	allowedOrigins    string
	workloadKinds     string
	requireLabels     string
	excludeLabels     string
	readinessInterval time.Duration
	controlPlaneURL   string
	clusterID         string
	pubsubTopic       string
	zapOptions        zap.Options
}

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

func main() {
	cfg := parseFlags()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&cfg.zapOptions)))
	serviceVersion := buildinfo.ServiceVersion()
	setupLog.Info("starting upgrade service", "version", serviceVersion)

	resolved, err := config.NewResolver(cfg.configFile).Resolve(ctrl.LoggerInto(context.Background(), setupLog))
	if err != nil {
		setupLog.Error(err, "unable to resolve configuration")
		os.Exit(1)
	}

	mgr := setupManager(cfg, resolved)

	kinds, err := kube.ParseWorkloadKinds(splitAndTrim(cfg.workloadKinds))
	if err != nil {
		setupLog.Error(err, "invalid workload kinds")
		os.Exit(1)
	}
	// Reads go straight to the API server so every pass sees fresh workloads
	clusterClient := kube.NewClient(mgr.GetAPIReader(), mgr.GetClient(), kinds)

	workloadFilter := filter.NewWorkloadFilter(filter.WorkloadFilterConfig{
		RequireLabels: splitAndTrim(cfg.requireLabels),
		ExcludeLabels: splitAndTrim(cfg.excludeLabels),
	})
	if !workloadFilter.IsEmpty() {
		setupLog.Info("Workload filter enabled",
			"requireLabels", cfg.requireLabels,
			"excludeLabels", cfg.excludeLabels)
	}

	updates := make(chan model.WorkloadUpgrade, 100)
	coordinator := upgrade.NewCoordinator(clusterClient, resolved.Namespace, resolved.DeploymentName, upgrade.Options{
		Filter:  workloadFilter,
		Updates: updates,
	})

	publishers, stopPublishers := setupPublishers(cfg, serviceVersion)
	defer stopPublishers()

	addRunnable(mgr, "event publisher queue", hooks.NewEventPublisherQueue(updates, publishers))
	addRunnable(mgr, "upgrade API", server.New(server.Config{
		BindAddress:    cfg.bindAddr,
		AllowedOrigins: splitAndTrim(cfg.allowedOrigins),
		ServiceVersion: serviceVersion,
	}, coordinator, ctrl.Log))

	if cfg.readinessInterval > 0 {
		watcher := upgrade.NewReadinessWatcher(upgrade.WatcherConfig{Interval: cfg.readinessInterval},
			clusterClient, resolved.Namespace)
		addRunnable(mgr, "readiness watcher", watcher)
	}

	setupHealthChecks(mgr)

	setupLog.Info("starting manager",
		"namespace", resolved.Namespace,
		"deployment", resolved.DeploymentName,
		"workloadKinds", kinds)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func parseFlags() flags {
	var cfg flags

	flag.StringVar(&cfg.bindAddr, "bind-address", envOrDefault("CHT_UPGRADE_BIND_ADDRESS", ":5008"),
		"The address the upgrade API binds to.")
	flag.StringVar(&cfg.metricsAddr, "metrics-bind-address", ":8080", "The address the metrics endpoint binds to. "+
		"Leave as 0 to disable the metrics service.")
	flag.StringVar(&cfg.probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&cfg.configFile, "config-file", "config.json",
		"Local configuration file consulted when CHT_NAMESPACE or CHT_DEPLOYMENT_NAME are not set")
	flag.StringVar(&cfg.allowedOrigins, "cors-allowed-origins", "*",
		"Comma-separated list of origins allowed to call the upgrade API")
	flag.StringVar(&cfg.workloadKinds, "workload-kinds", "Deployment",
		"Comma-separated list of workload kinds scanned for containers (Deployment, StatefulSet, DaemonSet)")
	flag.StringVar(&cfg.requireLabels, "require-labels", "",
		"Comma-separated list of label keys a workload must carry to be upgraded")
	flag.StringVar(&cfg.excludeLabels, "exclude-labels", "",
		"Comma-separated list of label key=value pairs that exclude a workload from upgrades")
	flag.DurationVar(&cfg.readinessInterval, "readiness-interval", time.Minute,
		"How often namespace readiness is exported as metrics. 0 disables the watcher.")
	flag.StringVar(&cfg.controlPlaneURL, "controlplane-url", os.Getenv("CONTROLPLANE_URL"),
		"The URL upgrade events are posted to")
	flag.StringVar(&cfg.clusterID, "cluster-id", os.Getenv("CLUSTER_ID"),
		"Unique identifier for this cluster (e.g., staging.stg01)")
	flag.StringVar(&cfg.pubsubTopic, "pubsub-topic", os.Getenv("PUBSUB_TOPIC"),
		"Google Cloud Pub/Sub topic path (projects/<project>/topics/<topic>)")

	cfg.zapOptions = zap.Options{Development: true}
	cfg.zapOptions.BindFlags(flag.CommandLine)
	flag.Parse()

	return cfg
}

func setupManager(cfg flags, resolved *config.Resolved) ctrl.Manager {
	restConfig, err := resolved.RestConfig()
	if err != nil {
		setupLog.Error(err, "unable to build cluster connection")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: cfg.metricsAddr,
		},
		HealthProbeBindAddress: cfg.probeAddr,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{resolved.Namespace: {}},
		},
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	return mgr
}

func setupPublishers(cfg flags, serviceVersion string) ([]hooks.EventPublisher, func()) {
	var publishers []hooks.EventPublisher
	stop := func() {}

	if cfg.controlPlaneURL != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when controlplane-url is set")
			os.Exit(1)
		}
		cpPublisher := controlplane.NewHTTPPublisher(cfg.controlPlaneURL, cfg.clusterID, serviceVersion)
		publishers = append(publishers, cpPublisher)
		setupLog.Info("Control Plane publisher enabled",
			"endpoint", cfg.controlPlaneURL,
			"clusterID", cfg.clusterID)
	}

	if cfg.pubsubTopic != "" {
		if cfg.clusterID == "" {
			setupLog.Error(nil, "cluster-id is required when pubsub is enabled")
			os.Exit(1)
		}
		pubsubPublisher, err := pubsub.NewPubSubPublisher(context.Background(), cfg.pubsubTopic, cfg.clusterID, serviceVersion)
		if err != nil {
			setupLog.Error(err, "unable to create Pub/Sub publisher",
				"hint", "Ensure valid credentials via Workload Identity, GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth")
			os.Exit(1)
		}
		publishers = append(publishers, pubsubPublisher)
		stop = pubsubPublisher.Stop
		setupLog.Info("Google Pub/Sub publisher enabled",
			"topic", cfg.pubsubTopic,
			"clusterID", cfg.clusterID)
	}

	if len(publishers) == 0 {
		setupLog.Info("No event publishers configured, upgrades will only be exported as metrics")
	}

	return publishers, stop
}

func addRunnable(mgr ctrl.Manager, name string, runnable manager.Runnable) {
	if err := mgr.Add(runnable); err != nil {
		setupLog.Error(err, "unable to add runnable", "runnable", name)
		os.Exit(1)
	}
}

func setupHealthChecks(mgr ctrl.Manager) {
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// splitAndTrim splits a comma-separated string and trims whitespace from each element
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

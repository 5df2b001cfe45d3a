// Package config resolves where the service runs: the namespace it upgrades,
// the deployment it scans first and how it connects to the cluster.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Settings holds the values a source can supply. Empty fields are left to later sources.
type Settings struct {
	Namespace      string
	DeploymentName string
	// Kubeconfig is the path of a kubeconfig file
	Kubeconfig string
	// InCluster is set when the service account credentials are mounted
	InCluster bool
}

// Resolved is the outcome of a resolution
type Resolved struct {
	Settings
	// Sources maps each field to the source that supplied it
	Sources map[string]string
}

// ErrUnresolved is returned when a required field is not supplied by any source
var ErrUnresolved = errors.New("configuration unresolved")

// Source defines the interface for a configuration source
type Source interface {
	// Name returns the source identifier
	Name() string
	// Detect checks if the source is available
	Detect(ctx context.Context) bool
	// Load reads the values the source supplies
	Load(ctx context.Context) (*Settings, error)
}

// Resolver walks its sources in priority order; for each field the first source supplying it wins
type Resolver struct {
	sources []Source
}

// NewResolver creates a resolver over env, file and in-cluster sources, in that order
func NewResolver(configFile string) *Resolver {
	return &Resolver{
		sources: []Source{
			NewEnvSource(),
			NewFileSource(configFile),
			NewInClusterSource(),
		},
	}
}

// Resolve merges the sources field by field
func (r *Resolver) Resolve(ctx context.Context) (*Resolved, error) {
	logger := log.FromContext(ctx).WithName("config")

	resolved := &Resolved{Sources: make(map[string]string)}
	var tried []string

	for _, source := range r.sources {
		if !source.Detect(ctx) {
			logger.V(1).Info("Configuration source not available", "source", source.Name())
			continue
		}
		tried = append(tried, source.Name())

		settings, err := source.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration from %s: %w", source.Name(), err)
		}
		resolved.merge(source.Name(), settings)
	}

	var missing []string
	if resolved.Namespace == "" {
		missing = append(missing, "namespace")
	}
	if len(missing) > 0 {
		if len(tried) == 0 {
			tried = append(tried, "none")
		}
		return nil, fmt.Errorf("%w: %s not set by any source (tried %s)",
			ErrUnresolved, strings.Join(missing, ", "), strings.Join(tried, ", "))
	}

	logger.Info("Configuration resolved",
		"namespace", resolved.Namespace,
		"deployment", resolved.DeploymentName,
		"sources", resolved.Sources)
	return resolved, nil
}

func (r *Resolved) merge(source string, settings *Settings) {
	if settings == nil {
		return
	}
	if r.Namespace == "" && settings.Namespace != "" {
		r.Namespace = settings.Namespace
		r.Sources["namespace"] = source
	}
	if r.DeploymentName == "" && settings.DeploymentName != "" {
		r.DeploymentName = settings.DeploymentName
		r.Sources["deploymentName"] = source
	}
	if r.Kubeconfig == "" && settings.Kubeconfig != "" {
		r.Kubeconfig = settings.Kubeconfig
		r.Sources["kubeconfig"] = source
	}
	if !r.InCluster && settings.InCluster {
		r.InCluster = true
		r.Sources["inCluster"] = source
	}
}

// RestConfig builds the cluster connection. A kubeconfig file takes precedence over
// the in-cluster service account.
func (r *Resolved) RestConfig() (*rest.Config, error) {
	if r.Kubeconfig != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", r.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig %s: %w", r.Kubeconfig, err)
		}
		return cfg, nil
	}
	if r.InCluster {
		cfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("%w: no cluster connection (set KUBECONFIG or run in-cluster)", ErrUnresolved)
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	envNamespace      = "CHT_NAMESPACE"
	envDeploymentName = "CHT_DEPLOYMENT_NAME"
	envKubeconfig     = "KUBECONFIG"

	serviceAccountDir = "/var/run/secrets/kubernetes.io/serviceaccount"
)

// EnvSource reads the process environment
type EnvSource struct {
	lookup func(string) (string, bool)
}

func NewEnvSource() *EnvSource {
	return &EnvSource{lookup: os.LookupEnv}
}

func (s *EnvSource) Name() string {
	return "env"
}

func (s *EnvSource) Detect(_ context.Context) bool {
	return true
}

func (s *EnvSource) Load(_ context.Context) (*Settings, error) {
	return &Settings{
		Namespace:      s.get(envNamespace),
		DeploymentName: s.get(envDeploymentName),
		Kubeconfig:     s.get(envKubeconfig),
	}, nil
}

func (s *EnvSource) get(key string) string {
	value, _ := s.lookup(key)
	return strings.TrimSpace(value)
}

// fileSettings is the layout of the local config file
type fileSettings struct {
	Namespace      string `json:"CHT_NAMESPACE_NAME"`
	DeploymentName string `json:"CHT_DEPLOYMENT_NAME"`
	Kubeconfig     string `json:"KUBECONFIG"`
}

// FileSource reads a local JSON or YAML file
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string {
	return "file:" + s.path
}

// Detect checks that the file exists
func (s *FileSource) Detect(_ context.Context) bool {
	if s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *FileSource) Load(_ context.Context) (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var parsed fileSettings
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	return &Settings{
		Namespace:      strings.TrimSpace(parsed.Namespace),
		DeploymentName: strings.TrimSpace(parsed.DeploymentName),
		Kubeconfig:     strings.TrimSpace(parsed.Kubeconfig),
	}, nil
}

// InClusterSource reads the mounted service account
type InClusterSource struct {
	dir string
}

func NewInClusterSource() *InClusterSource {
	return &InClusterSource{dir: serviceAccountDir}
}

// NewInClusterSourceWithDir creates an in-cluster source with a custom service account directory (for testing)
func NewInClusterSourceWithDir(dir string) *InClusterSource {
	return &InClusterSource{dir: dir}
}

func (s *InClusterSource) Name() string {
	return "in-cluster"
}

// Detect checks if the service account token is mounted
func (s *InClusterSource) Detect(_ context.Context) bool {
	_, err := os.Stat(s.dir + "/token")
	return err == nil
}

func (s *InClusterSource) Load(_ context.Context) (*Settings, error) {
	settings := &Settings{InCluster: true}

	data, err := os.ReadFile(s.dir + "/namespace")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return nil, err
	}
	settings.Namespace = strings.TrimSpace(string(data))
	return settings, nil
}

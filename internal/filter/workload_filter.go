package filter

import (
	"strings"
)

// WorkloadFilterConfig holds the configuration for workload filtering
type WorkloadFilterConfig struct {
	RequireLabels []string // Label keys that must be present (e.g., "app.kubernetes.io/part-of")
	ExcludeLabels []string // Label key=value pairs that cause exclusion (e.g., "upgrade.cht/ignore=true")
}

// WorkloadFilter decides which workloads take part in container lookup.
// The zero value and a nil filter admit every workload.
type WorkloadFilter struct {
	config WorkloadFilterConfig
}

// NewWorkloadFilter creates a new workload filter
func NewWorkloadFilter(config WorkloadFilterConfig) *WorkloadFilter {
	return &WorkloadFilter{config: config}
}

// Admits returns true if a workload carrying labels should be scanned
func (f *WorkloadFilter) Admits(labels map[string]string) bool {
	if f == nil {
		return true
	}

	for _, requiredKey := range f.config.RequireLabels {
		if _, exists := labels[requiredKey]; !exists {
			return false
		}
	}

	for _, exclusion := range f.config.ExcludeLabels {
		key, value := parseKeyValue(exclusion)
		if labelValue, exists := labels[key]; exists {
			if value == "" || labelValue == value {
				return false
			}
		}
	}

	return true
}

// IsEmpty returns true if the filter has no rules
func (f *WorkloadFilter) IsEmpty() bool {
	return f == nil || (len(f.config.RequireLabels) == 0 && len(f.config.ExcludeLabels) == 0)
}

// parseKeyValue parses a "key=value" or "key" string
func parseKeyValue(s string) (key, value string) {
	parts := strings.SplitN(s, "=", 2)
	key = parts[0]
	if len(parts) > 1 {
		value = parts[1]
	}
	return
}

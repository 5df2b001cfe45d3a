package model

import "slices"

// UpgradeRequest asks for every container matching Identifier to run ImageTag.
// ImageTag is a full image reference (repo:tag), not just the tag part.
type UpgradeRequest struct {
	Identifier string `json:"containerName"`
	ImageTag   string `json:"imageTag"`
}

// UpgradePayload is the request body accepted by the upgrade endpoint
type UpgradePayload struct {
	Containers []UpgradeRequest `json:"containers"`
}

// Outcome is the per-container result of an upgrade call
type Outcome struct {
	OK bool `json:"ok"`
}

// Outcomes maps a matched container name (or an unmatched identifier) to its outcome
type Outcomes map[string]Outcome

// Succeeded returns the sorted names whose outcome is ok
func (o Outcomes) Succeeded() []string {
	var names []string
	for name, outcome := range o {
		if outcome.OK {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

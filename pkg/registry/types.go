package registry

import (
	"time"

	"github.com/wardenhq/warden/pkg/authz"
)

// VisibilityMap maps a sub-team label to the topical tags under which an
// instance appears in that team's catalog. The sentinel tag "All" shows
// the instance regardless of topic. The map only shapes catalog listings;
// it never grants or revokes access.
type VisibilityMap map[string][]string

// VisibleAll is the tag that makes an instance visible to a team for
// every topic.
const VisibleAll = "All"

// VisibleTo reports whether the instance should appear in a catalog
// viewed by the given team under the given topic. An empty map means the
// instance is visible in every context; an empty team or topic means the
// viewer did not narrow that axis.
func (m VisibilityMap) VisibleTo(team, topic string) bool {
	if len(m) == 0 || team == "" {
		return true
	}
	tags, ok := m[team]
	if !ok {
		return false
	}
	for _, tag := range tags {
		if tag == VisibleAll {
			return true
		}
	}
	if topic == "" {
		return len(tags) > 0
	}
	for _, tag := range tags {
		if tag == topic {
			return true
		}
	}
	return false
}

// Instance is a registered agent or data source.
type Instance struct {
	ID             int64          `json:"id"`
	OrganizationID int64          `json:"organization_id"`
	Resource       authz.Resource `json:"resource"`
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	Config         map[string]any `json:"config,omitempty"`
	IsActive       bool           `json:"is_active"`
	Visibility     VisibilityMap  `json:"visibility,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CreateInstanceRequest is the payload for registering an instance.
type CreateInstanceRequest struct {
	Name       string         `json:"name"`
	Slug       string         `json:"slug"`
	Config     map[string]any `json:"config,omitempty"`
	Visibility VisibilityMap  `json:"visibility,omitempty"`
}

// UpdateInstanceRequest is the payload for updating an instance. Nil
// fields are left unchanged.
type UpdateInstanceRequest struct {
	Name       *string        `json:"name,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	IsActive   *bool          `json:"is_active,omitempty"`
	Visibility VisibilityMap  `json:"visibility,omitempty"`
}

// FilterForContext returns the instances visible for a viewing context.
// Call it only on instances the resolver has already approved; hiding
// here is cosmetic and a hidden instance stays reachable by direct
// reference.
func FilterForContext(instances []*Instance, team, topic string) []*Instance {
	filtered := make([]*Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Visibility.VisibleTo(team, topic) {
			filtered = append(filtered, inst)
		}
	}
	return filtered
}

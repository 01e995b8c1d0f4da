package audit

import (
	"encoding/json"
	"time"
)

// Action identifies what kind of permission-relevant mutation an audit
// entry records.
type Action string

const (
	ActionOrgCreate         Action = "organization.create"
	ActionOrgSettingsUpdate Action = "organization.settings_update"
	ActionMemberInvite      Action = "membership.invite"
	ActionMemberAccept      Action = "membership.accept"
	ActionMemberRoleChange  Action = "membership.role_change"
	ActionMemberSuspend     Action = "membership.suspend"
	ActionMemberReinstate   Action = "membership.reinstate"
	ActionMemberRemove      Action = "membership.remove"
	ActionRoleCreate        Action = "role.create"
	ActionRoleUpdate        Action = "role.update"
	ActionRoleDelete        Action = "role.delete"
	ActionOverrideCreate    Action = "override.create"
	ActionOverrideUpdate    Action = "override.update"
	ActionOverrideDelete    Action = "override.delete"
	ActionAgentCreate       Action = "agent.create"
	ActionAgentUpdate       Action = "agent.update"
	ActionAgentDelete       Action = "agent.delete"
	ActionDataSourceCreate  Action = "data_source.create"
	ActionDataSourceUpdate  Action = "data_source.update"
	ActionDataSourceDelete  Action = "data_source.delete"
)

// Entry is one append-only audit record. Entries are immutable once
// written; application code never updates or deletes them.
type Entry struct {
	ID             int64           `json:"id"`
	OrganizationID *int64          `json:"organization_id,omitempty"`
	ActorID        string          `json:"actor_id"`
	Action         Action          `json:"action"`
	ResourceType   string          `json:"resource_type"`
	ResourceID     string          `json:"resource_id"`
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SearchFilter narrows an audit log query.
type SearchFilter struct {
	OrganizationID *int64     `json:"organization_id,omitempty"`
	ActorID        string     `json:"actor_id,omitempty"`
	Action         Action     `json:"action,omitempty"`
	ResourceType   string     `json:"resource_type,omitempty"`
	ResourceID     string     `json:"resource_id,omitempty"`
	Since          *time.Time `json:"since,omitempty"`
	Until          *time.Time `json:"until,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
}

// Stats summarizes audit volume over a window.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	ByAction     map[string]int64 `json:"by_action"`
	OldestEntry  *time.Time       `json:"oldest_entry,omitempty"`
	NewestEntry  *time.Time       `json:"newest_entry,omitempty"`
}

// ExportFormat selects the serialization used by Export.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// RetentionPolicy controls periodic cleanup of old entries.
type RetentionPolicy struct {
	RetentionDays  int
	ArchiveEnabled bool
	ArchiveFormat  ExportFormat
}

// MarshalValue serializes a before/after state snapshot for an entry.
// A nil value stays nil, so creations carry no old_value and deletions
// no new_value.
func MarshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

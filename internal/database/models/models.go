package models

import (
	"database/sql"
	"time"
)

// AlertRule is a versioned, tenant-scoped processing rule. Rules are owned
// by the configuration API; the engine only reads them.
type AlertRule struct {
	ID                        string          `json:"id" db:"id"`
	TenantID                  string          `json:"tenant_id" db:"tenant_id"`
	OrganizationID            string          `json:"organization_id" db:"organization_id"`
	Name                      string          `json:"name" db:"name"`
	PhysicalSign              string          `json:"physical_sign" db:"physical_sign"`
	EventType                 string          `json:"event_type" db:"event_type"`
	Level                     string          `json:"level" db:"level"`
	ThresholdMin              sql.NullFloat64 `json:"threshold_min" db:"threshold_min"`
	ThresholdMax              sql.NullFloat64 `json:"threshold_max" db:"threshold_max"`
	AutoProcessEnabled        bool            `json:"auto_process_enabled" db:"auto_process_enabled"`
	AutoProcessAction         string          `json:"auto_process_action" db:"auto_process_action"`
	AutoProcessDelaySeconds   int             `json:"auto_process_delay_seconds" db:"auto_process_delay_seconds"`
	AutoResolveThresholdCount int             `json:"auto_resolve_threshold_count" db:"auto_resolve_threshold_count"`
	SuppressDurationMinutes   int             `json:"suppress_duration_minutes" db:"suppress_duration_minutes"`
	TimeWindowSeconds         int             `json:"time_window_seconds" db:"time_window_seconds"`
	Enabled                   bool            `json:"enabled" db:"enabled"`
	CreatedAt                 time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time       `json:"updated_at" db:"updated_at"`
}

// AlertInstance is the engine's mutable unit of work, one per admitted
// alert. State transitions go through compare-and-set updates only.
type AlertInstance struct {
	ID              string          `json:"id" db:"id"`
	DedupKey        string          `json:"dedup_key" db:"dedup_key"`
	RuleID          string          `json:"rule_id" db:"rule_id"`
	TenantID        string          `json:"tenant_id" db:"tenant_id"`
	OrganizationID  string          `json:"organization_id" db:"organization_id"`
	DeviceID        string          `json:"device_id" db:"device_id"`
	PhysicalSign    string          `json:"physical_sign" db:"physical_sign"`
	EventType       string          `json:"event_type" db:"event_type"`
	Level           string          `json:"level" db:"level"`
	State           string          `json:"state" db:"state"`
	OccurrenceCount int             `json:"occurrence_count" db:"occurrence_count"`
	LastValue       sql.NullFloat64 `json:"last_value" db:"last_value"`
	WindowStartedAt time.Time       `json:"window_started_at" db:"window_started_at"`
	LastSeenAt      time.Time       `json:"last_seen_at" db:"last_seen_at"`
	ProcessedAt     sql.NullTime    `json:"processed_at" db:"processed_at"`
	ResolvedAt      sql.NullTime    `json:"resolved_at" db:"resolved_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the instance has reached a terminal state.
func (i *AlertInstance) IsTerminal() bool {
	return i.State == "RESOLVED" || i.State == "EXPIRED"
}

// IsActive reports whether the instance still merges duplicate events.
func (i *AlertInstance) IsActive() bool {
	return i.State == "NEW" || i.State == "SCHEDULED"
}

// ProcessingLogEntry is an immutable record of a single state transition
// or action outcome. Written once, never mutated.
type ProcessingLogEntry struct {
	ID         int64          `json:"id" db:"id"`
	InstanceID string         `json:"instance_id" db:"instance_id"`
	RuleID     string         `json:"rule_id" db:"rule_id"`
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	DeviceID   string         `json:"device_id" db:"device_id"`
	EventData  string         `json:"event_data" db:"event_data"`
	Action     string         `json:"action" db:"action"`
	Actor      string         `json:"actor" db:"actor"` // auto or manual
	Outcome    string         `json:"outcome" db:"outcome"`
	Message    sql.NullString `json:"message" db:"message"`
	FromState  string         `json:"from_state" db:"from_state"`
	ToState    string         `json:"to_state" db:"to_state"`
	DurationMs int64          `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// ScheduledTimer is a durable (instance, fire_at) pair. One row per live
// instance; rows outlive process restarts.
type ScheduledTimer struct {
	InstanceID string    `json:"instance_id" db:"instance_id"`
	RuleID     string    `json:"rule_id" db:"rule_id"`
	Action     string    `json:"action" db:"action"`
	FireAt     time.Time `json:"fire_at" db:"fire_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RuleFilter narrows rule list queries.
type RuleFilter struct {
	TenantID     string
	PhysicalSign string
	EventType    string
	Level        string
	Enabled      *bool
	Limit        int
	Offset       int
}

// InstanceFilter narrows alert instance list queries.
type InstanceFilter struct {
	TenantID       string
	OrganizationID string
	DeviceID       string
	PhysicalSign   string
	Level          string
	States         []string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	Limit          int
	Offset         int
}

// LogFilter narrows processing log queries.
type LogFilter struct {
	InstanceID    string
	RuleID        string
	TenantID      string
	DeviceID      string
	Action        string
	Actor         string
	Outcome       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

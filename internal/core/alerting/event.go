package alerting

import (
	"fmt"
	"time"
)

// DedupKey is the identity tuple correlating events into one alert
// instance. Derived deterministically, so the same device and signal always
// land on the same key (and the same engine shard).
type DedupKey string

// DeviceEvent is one reading or device event from the ingestion boundary.
type DeviceEvent struct {
	TenantID       string                 `json:"tenant_id"`
	OrganizationID string                 `json:"organization_id"`
	DeviceID       string                 `json:"device_id"`
	PhysicalSign   string                 `json:"physical_sign"`
	EventType      string                 `json:"event_type"`
	Value          *float64               `json:"value,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// DedupKey derives the correlation key for this event.
func (e *DeviceEvent) DedupKey() DedupKey {
	signal := e.PhysicalSign
	if signal == "" {
		signal = e.EventType
	}
	return DedupKey(fmt.Sprintf("%s|%s|%s|%s", e.TenantID, e.OrganizationID, e.DeviceID, signal))
}

// Validate checks that the event identifies a tenant, device, and signal.
func (e *DeviceEvent) Validate() error {
	if e.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if e.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if e.PhysicalSign == "" && e.EventType == "" {
		return fmt.Errorf("one of physical_sign or event_type is required")
	}
	return nil
}

// Severity levels, highest first. The numeric priority mirrors an explicit
// table so rule tie-breaking never depends on string ordering.
const (
	LevelCritical = "critical"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
)

var severityPriority = map[string]int{
	LevelCritical: 1,
	LevelHigh:     2,
	LevelMedium:   3,
	LevelLow:      4,
}

// SeverityPriority returns the numeric priority for a level; lower is more
// severe. Unknown levels sort last.
func SeverityPriority(level string) int {
	if p, ok := severityPriority[level]; ok {
		return p
	}
	return len(severityPriority) + 1
}

// ValidLevel reports whether the level is one of the known severities.
func ValidLevel(level string) bool {
	_, ok := severityPriority[level]
	return ok
}

// Levels returns the known severity levels ordered from most to least severe.
func Levels() []string {
	return []string{LevelCritical, LevelHigh, LevelMedium, LevelLow}
}

// Alert instance states.
const (
	StateNew        = "NEW"
	StateScheduled  = "SCHEDULED"
	StateProcessed  = "PROCESSED"
	StateEscalated  = "ESCALATED"
	StateResolved   = "RESOLVED"
	StateExpired    = "EXPIRED"
	StateSuppressed = "SUPPRESSED"
)

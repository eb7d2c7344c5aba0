package notifications

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Payload carries the alert context handed to a notification channel.
type Payload struct {
	InstanceID      string    `json:"instance_id"`
	RuleID          string    `json:"rule_id"`
	RuleName        string    `json:"rule_name"`
	TenantID        string    `json:"tenant_id"`
	OrganizationID  string    `json:"organization_id"`
	DeviceID        string    `json:"device_id"`
	PhysicalSign    string    `json:"physical_sign"`
	EventType       string    `json:"event_type"`
	Level           string    `json:"level"`
	Value           *float64  `json:"value,omitempty"`
	OccurrenceCount int       `json:"occurrence_count"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
}

// Notifier abstracts the delivery channel (SMS, e-mail, pager). Channel
// internals, including channel-specific retry, belong to the implementation;
// the engine only sees delivered-or-failed.
type Notifier interface {
	Send(ctx context.Context, channel, target string, payload *Payload) error
}

// LogNotifier records deliveries to the structured log. It is the default
// collaborator in single-process deployments and in tests.
type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, channel, target string, payload *Payload) error {
	n.log.WithFields(logrus.Fields{
		"channel":     channel,
		"target":      target,
		"instance_id": payload.InstanceID,
		"device_id":   payload.DeviceID,
		"level":       payload.Level,
		"message":     payload.Message,
	}).Info("Notification dispatched")
	return nil
}

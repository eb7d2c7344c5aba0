package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/notifications"
	pkgerrors "github.com/pulseguard-ops/pulseguard-backend-go/pkg/errors"
)

// AutoAction is the closed set of configurable auto-processing actions.
// Parsing happens at rule save time, so an unknown action name is a
// validation error rather than a silent no-op at fire time.
type AutoAction string

const (
	ActionNotify      AutoAction = "notify"
	ActionEscalate    AutoAction = "escalate"
	ActionAutoResolve AutoAction = "auto_resolve"
	ActionIgnore      AutoAction = "ignore"
)

// ParseAutoAction validates an action name from configuration.
func ParseAutoAction(s string) (AutoAction, error) {
	switch AutoAction(s) {
	case ActionNotify, ActionEscalate, ActionAutoResolve, ActionIgnore:
		return AutoAction(s), nil
	default:
		return "", fmt.Errorf("unknown auto-process action %q", s)
	}
}

// Actions returns all valid auto-processing actions.
func Actions() []AutoAction {
	return []AutoAction{ActionNotify, ActionEscalate, ActionAutoResolve, ActionIgnore}
}

// TargetState returns the instance state a successful execution of the
// action transitions to.
func (a AutoAction) TargetState() string {
	switch a {
	case ActionEscalate:
		return StateEscalated
	case ActionAutoResolve:
		return StateResolved
	default:
		return StateProcessed
	}
}

// ActionHandler executes one auto-processing action against an instance.
type ActionHandler interface {
	Execute(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error
	Name() string
}

// ActionDispatcher routes actions through a fixed handler table and retries
// transient failures with bounded exponential backoff.
type ActionDispatcher struct {
	handlers  map[AutoAction]ActionHandler
	retries   int
	baseDelay time.Duration
	log       *logrus.Logger
}

// NewActionDispatcher creates the dispatcher with the standard handler set.
func NewActionDispatcher(notifier notifications.Notifier, retries int, baseDelay time.Duration, log *logrus.Logger) *ActionDispatcher {
	if retries <= 0 {
		retries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	return &ActionDispatcher{
		handlers: map[AutoAction]ActionHandler{
			ActionNotify:      &notifyHandler{notifier: notifier},
			ActionEscalate:    &escalateHandler{notifier: notifier},
			ActionAutoResolve: &resolveHandler{},
			ActionIgnore:      &ignoreHandler{},
		},
		retries:   retries,
		baseDelay: baseDelay,
		log:       log,
	}
}

// Execute runs the handler for an action, retrying with backoff. After the
// retry budget is exhausted it returns an ActionExecutionFailure.
func (d *ActionDispatcher) Execute(ctx context.Context, action AutoAction, instance *models.AlertInstance, rule *models.AlertRule) error {
	handler, ok := d.handlers[action]
	if !ok {
		// Unreachable for rules that passed validation.
		return &pkgerrors.ActionExecutionFailure{
			InstanceID: instance.ID,
			Action:     string(action),
			Err:        fmt.Errorf("no handler registered"),
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.baseDelay
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := handler.Execute(ctx, instance, rule)
		if err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"instance_id": instance.ID,
				"action":      handler.Name(),
				"attempt":     attempt,
			}).Warn("Action execution attempt failed")
		}
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.retries)), ctx))
	if err != nil {
		return &pkgerrors.ActionExecutionFailure{
			InstanceID: instance.ID,
			Action:     string(action),
			Err:        err,
		}
	}

	return nil
}

type notifyHandler struct {
	notifier notifications.Notifier
}

func (h *notifyHandler) Name() string { return "notify" }

func (h *notifyHandler) Execute(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error {
	return h.notifier.Send(ctx, "default", instance.TenantID, buildPayload(instance, rule,
		fmt.Sprintf("Alert on %s for device %s", signalName(instance), instance.DeviceID)))
}

type escalateHandler struct {
	notifier notifications.Notifier
}

func (h *escalateHandler) Name() string { return "escalate" }

func (h *escalateHandler) Execute(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error {
	return h.notifier.Send(ctx, "escalation", instance.TenantID, buildPayload(instance, rule,
		fmt.Sprintf("Alert on %s for device %s requires operator attention", signalName(instance), instance.DeviceID)))
}

// resolveHandler closes the instance without external side effects; the
// RESOLVED transition itself is done by the scheduler's CAS.
type resolveHandler struct{}

func (h *resolveHandler) Name() string { return "auto_resolve" }

func (h *resolveHandler) Execute(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error {
	return nil
}

type ignoreHandler struct{}

func (h *ignoreHandler) Name() string { return "ignore" }

func (h *ignoreHandler) Execute(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error {
	return nil
}

func buildPayload(instance *models.AlertInstance, rule *models.AlertRule, message string) *notifications.Payload {
	payload := &notifications.Payload{
		InstanceID:      instance.ID,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		TenantID:        instance.TenantID,
		OrganizationID:  instance.OrganizationID,
		DeviceID:        instance.DeviceID,
		PhysicalSign:    instance.PhysicalSign,
		EventType:       instance.EventType,
		Level:           instance.Level,
		OccurrenceCount: instance.OccurrenceCount,
		Message:         message,
		Timestamp:       time.Now(),
	}
	if instance.LastValue.Valid {
		v := instance.LastValue.Float64
		payload.Value = &v
	}
	return payload
}

func signalName(instance *models.AlertInstance) string {
	if instance.PhysicalSign != "" {
		return instance.PhysicalSign
	}
	return instance.EventType
}

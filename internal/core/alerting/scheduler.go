package alerting

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
	pkgerrors "github.com/pulseguard-ops/pulseguard-backend-go/pkg/errors"
)

// TransitionSink receives every state transition the scheduler performs,
// so the engine can maintain suppression cool-downs, metrics, and the
// live event feed. rule may be nil if the rule was deleted mid-flight.
type TransitionSink interface {
	OnTransition(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule, from, to string, at time.Time)
}

// SchedulerSettings tunes the timer poll loop.
type SchedulerSettings struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// Scheduler is the delayed-action scheduler. Timers live in a durable
// store polled by a worker loop, not in in-memory language timers, so an
// armed action survives a process restart. At-most-once execution is
// guaranteed by the compare-and-set on the instance state: whichever of a
// timer fire, a manual action, or an auto-resolve wins the CAS performs
// the transition, and the losers are no-ops.
type Scheduler struct {
	timers     *sqlite.TimerRepository
	instances  *sqlite.InstanceRepository
	registry   *RuleRegistry
	logStore   *LogStore
	dispatcher *ActionDispatcher
	sink       TransitionSink
	metrics    *Metrics
	log        *logrus.Logger
	settings   SchedulerSettings

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	fireChan chan *models.ScheduledTimer
	wg       sync.WaitGroup
}

func NewScheduler(
	timers *sqlite.TimerRepository,
	instances *sqlite.InstanceRepository,
	registry *RuleRegistry,
	logStore *LogStore,
	dispatcher *ActionDispatcher,
	sink TransitionSink,
	metrics *Metrics,
	log *logrus.Logger,
	settings SchedulerSettings,
) *Scheduler {
	if settings.PollInterval <= 0 {
		settings.PollInterval = time.Second
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 50
	}
	if settings.Workers <= 0 {
		settings.Workers = 4
	}

	return &Scheduler{
		timers:     timers,
		instances:  instances,
		registry:   registry,
		logStore:   logStore,
		dispatcher: dispatcher,
		sink:       sink,
		metrics:    metrics,
		log:        log,
		settings:   settings,
	}
}

// Start launches the poll loop and fire workers. Overdue timers left over
// from a previous run fire on the first poll, in creation order.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.stopChan = make(chan struct{})
	s.fireChan = make(chan *models.ScheduledTimer, s.settings.BatchSize)

	for i := 0; i < s.settings.Workers; i++ {
		s.wg.Add(1)
		go s.fireWorker(ctx)
	}

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.running = true
	s.log.WithFields(logrus.Fields{
		"poll_interval": s.settings.PollInterval,
		"workers":       s.settings.Workers,
	}).Info("Delayed action scheduler started")

	return nil
}

// Stop drains in-flight fires. Armed timers stay in the store and resume
// after restart.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.stopChan)
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Delayed action scheduler stopped")
	case <-time.After(30 * time.Second):
		s.log.Warn("Timeout waiting for scheduler workers to stop")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Schedule arms exactly one timer for an instance and moves it NEW ->
// SCHEDULED. A persistence failure leaves the instance in NEW (manual
// handling) and is surfaced as a SchedulerPersistenceFailure.
func (s *Scheduler) Schedule(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule) error {
	now := time.Now()
	fireAt := now.Add(time.Duration(rule.AutoProcessDelaySeconds) * time.Second)

	won, err := s.instances.TransitionState(ctx, instance.ID, []string{StateNew}, StateScheduled, now)
	if err != nil {
		return &pkgerrors.SchedulerPersistenceFailure{InstanceID: instance.ID, Err: err}
	}
	if !won {
		// Something else transitioned the instance first; nothing to arm.
		return nil
	}

	timer := &models.ScheduledTimer{
		InstanceID: instance.ID,
		RuleID:     rule.ID,
		Action:     rule.AutoProcessAction,
		FireAt:     fireAt,
		CreatedAt:  now,
	}

	if err := s.timers.Arm(ctx, timer); err != nil {
		// Roll the state back so the instance is picked up manually
		// instead of sitting in SCHEDULED with no timer.
		if _, rbErr := s.instances.TransitionState(ctx, instance.ID, []string{StateScheduled}, StateNew, time.Now()); rbErr != nil {
			s.log.WithError(rbErr).WithField("instance_id", instance.ID).Error("Failed to roll back schedule transition")
		}
		return &pkgerrors.SchedulerPersistenceFailure{InstanceID: instance.ID, Err: err}
	}

	instance.State = StateScheduled
	return nil
}

// Cancel disarms the timer for an instance. Idempotent and safe to call
// after the timer fired.
func (s *Scheduler) Cancel(ctx context.Context, instanceID string) error {
	return s.timers.Disarm(ctx, instanceID)
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			close(s.fireChan)
			return
		case <-ctx.Done():
			close(s.fireChan)
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	due, err := s.timers.GetDue(ctx, time.Now(), s.settings.BatchSize)
	if err != nil {
		s.log.WithError(err).Error("Failed to fetch due timers")
		return
	}

	for _, timer := range due {
		select {
		case s.fireChan <- timer:
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) fireWorker(ctx context.Context) {
	defer s.wg.Done()

	for timer := range s.fireChan {
		s.fire(ctx, timer)
	}
}

// fire executes one due timer. The CAS claims the transition before the
// action runs; if this process crashes after the CAS but before the timer
// row is removed, the re-fired timer loses the CAS and only cleans up.
func (s *Scheduler) fire(ctx context.Context, timer *models.ScheduledTimer) {
	instance, err := s.instances.GetByID(ctx, timer.InstanceID)
	if err != nil {
		s.log.WithError(err).WithField("instance_id", timer.InstanceID).Error("Failed to load instance for timer")
		return
	}
	if instance == nil || instance.State != StateScheduled {
		// Resolved, expired, or manually handled while the timer was armed.
		if err := s.timers.Disarm(ctx, timer.InstanceID); err != nil {
			s.log.WithError(err).WithField("instance_id", timer.InstanceID).Error("Failed to disarm stale timer")
		}
		return
	}

	action, err := ParseAutoAction(timer.Action)
	if err != nil {
		s.log.WithError(err).WithField("instance_id", timer.InstanceID).Error("Timer carries unknown action")
		s.timers.Disarm(ctx, timer.InstanceID)
		return
	}

	rule, _ := s.registry.Get(timer.RuleID)

	now := time.Now()
	target := action.TargetState()
	won, err := s.instances.TransitionState(ctx, instance.ID, []string{StateScheduled}, target, now)
	if err != nil {
		s.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to claim timer transition")
		return
	}
	if !won {
		s.timers.Disarm(ctx, timer.InstanceID)
		return
	}

	start := time.Now()
	var execErr error
	if rule != nil {
		execErr = s.dispatcher.Execute(ctx, action, instance, rule)
	} else {
		execErr = fmt.Errorf("rule %s no longer exists", timer.RuleID)
	}
	duration := time.Since(start)

	finalState := target
	outcome := outcomeForAction(action)
	var message sql.NullString

	if execErr != nil {
		outcome = "failure"
		message = sql.NullString{String: execErr.Error(), Valid: true}
		if target != StateEscalated {
			if escWon, escErr := s.instances.TransitionState(ctx, instance.ID, []string{target}, StateEscalated, time.Now()); escErr == nil && escWon {
				finalState = StateEscalated
			}
		}
		s.log.WithError(execErr).WithFields(logrus.Fields{
			"instance_id": instance.ID,
			"action":      string(action),
		}).Error("Auto action failed, instance escalated for manual handling")
	}

	if err := s.timers.Disarm(ctx, timer.InstanceID); err != nil {
		s.log.WithError(err).WithField("instance_id", timer.InstanceID).Error("Failed to disarm fired timer")
	}

	entry := &models.ProcessingLogEntry{
		InstanceID: instance.ID,
		RuleID:     timer.RuleID,
		TenantID:   instance.TenantID,
		DeviceID:   instance.DeviceID,
		EventData:  "{}",
		Action:     string(action),
		Actor:      "auto",
		Outcome:    outcome,
		Message:    message,
		FromState:  StateScheduled,
		ToState:    finalState,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  now,
	}
	if err := s.logStore.Append(ctx, entry); err != nil {
		s.log.WithError(err).WithField("instance_id", instance.ID).Error("Timer transition not durably logged")
	}

	if s.metrics != nil {
		s.metrics.ActionsTotal.WithLabelValues(string(action), outcome).Inc()
		s.metrics.ActionDelay.Observe(now.Sub(instance.CreatedAt).Seconds())
	}

	instance.State = finalState
	if s.sink != nil {
		s.sink.OnTransition(ctx, instance, rule, StateScheduled, finalState, now)
	}
}

func outcomeForAction(action AutoAction) string {
	switch action {
	case ActionIgnore:
		return "ignored"
	case ActionAutoResolve:
		return "auto-resolved"
	default:
		return "success"
	}
}

package alerting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
)

// ErrIngestQueueFull is returned when every shard queue is saturated. The
// ingestion caller must surface this instead of dropping the event.
var ErrIngestQueueFull = errors.New("ingestion queue is full")

// Broadcaster pushes lifecycle events to live dashboard clients. May be nil.
type Broadcaster interface {
	BroadcastAlertEvent(event string, data interface{})
}

// EngineSettings tunes the processing engine.
type EngineSettings struct {
	Workers             int
	QueueSize           int
	MaxInstanceLifetime time.Duration
}

// Engine is the alert rule evaluation and auto-processing engine. Events
// for the same dedup key always hash to the same shard worker, which gives
// the per-key serialization the dedup window and auto-resolve counting
// depend on; different keys process fully in parallel. All durable state
// (instances, timers, log) lives in the repositories; the in-memory window
// and tracker state is rebuilt from them on startup.
type Engine struct {
	registry    *RuleRegistry
	suppression *SuppressionWindow
	tracker     *AutoResolveTracker
	scheduler   *Scheduler
	logStore    *LogStore
	instances   *sqlite.InstanceRepository
	hub         Broadcaster
	metrics     *Metrics
	log         *logrus.Logger
	settings    EngineSettings

	shards []chan *DeviceEvent
	quit   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	producers sync.WaitGroup
}

// NewEngine wires the engine from injected stores. Nothing here is a
// process-wide singleton; tests run several isolated engines side by side.
func NewEngine(
	registry *RuleRegistry,
	instances *sqlite.InstanceRepository,
	timers *sqlite.TimerRepository,
	logStore *LogStore,
	dispatcher *ActionDispatcher,
	hub Broadcaster,
	metrics *Metrics,
	log *logrus.Logger,
	settings EngineSettings,
	schedulerSettings SchedulerSettings,
) *Engine {
	if settings.Workers <= 0 {
		settings.Workers = 8
	}
	if settings.QueueSize <= 0 {
		settings.QueueSize = 1024
	}
	if settings.MaxInstanceLifetime <= 0 {
		settings.MaxInstanceLifetime = 24 * time.Hour
	}

	e := &Engine{
		registry:    registry,
		suppression: NewSuppressionWindow(),
		tracker:     NewAutoResolveTracker(),
		logStore:    logStore,
		instances:   instances,
		hub:         hub,
		metrics:     metrics,
		log:         log,
		settings:    settings,
	}

	e.scheduler = NewScheduler(timers, instances, registry, logStore, dispatcher, e, metrics, log, schedulerSettings)

	return e
}

// Scheduler exposes the delayed-action scheduler for cancel paths.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Start loads rules, rebuilds per-key state from the instance store, and
// launches shard workers plus the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("engine is already running")
	}

	if err := e.registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	if err := e.recoverState(ctx); err != nil {
		return fmt.Errorf("failed to recover engine state: %w", err)
	}

	e.quit = make(chan struct{})
	e.shards = make([]chan *DeviceEvent, e.settings.Workers)
	perShard := e.settings.QueueSize / e.settings.Workers
	if perShard < 1 {
		perShard = 1
	}
	for i := range e.shards {
		e.shards[i] = make(chan *DeviceEvent, perShard)
		e.wg.Add(1)
		go e.shardWorker(e.shards[i])
	}

	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	e.wg.Add(1)
	go e.cleanupRoutine(ctx)

	e.running = true
	e.log.WithField("workers", e.settings.Workers).Info("Alert processing engine started")

	return nil
}

// Stop drains shard workers, then the scheduler. Armed timers stay in the
// durable store and resume after restart; no action is dropped silently.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.quit)
	e.mu.Unlock()

	// In-flight HandleEvent callers registered themselves under e.mu before
	// the running flag flipped; wait them out before closing their channels.
	e.producers.Wait()
	for _, shard := range e.shards {
		close(shard)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		e.log.Warn("Timeout draining engine workers")
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.scheduler.Stop(ctx); err != nil {
		return err
	}

	e.log.Info("Alert processing engine stopped")
	return nil
}

// HandleEvent accepts one device event from the ingestion boundary and
// routes it to the shard owning its dedup key.
func (e *Engine) HandleEvent(ctx context.Context, event *DeviceEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine is not running")
	}
	shard := e.shards[e.shardIndex(event.DedupKey())]
	e.producers.Add(1)
	e.mu.Unlock()
	defer e.producers.Done()

	if e.metrics != nil {
		e.metrics.EventsTotal.Inc()
	}

	select {
	case shard <- event:
		if e.metrics != nil {
			e.metrics.IngestQueueDepth.Inc()
		}
		return nil
	default:
		return ErrIngestQueueFull
	}
}

func (e *Engine) shardIndex(key DedupKey) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *Engine) shardWorker(shard chan *DeviceEvent) {
	defer e.wg.Done()

	for event := range shard {
		e.process(context.Background(), event)
		if e.metrics != nil {
			e.metrics.IngestQueueDepth.Dec()
		}
	}
}

func (e *Engine) process(ctx context.Context, event *DeviceEvent) {
	candidates := e.registry.Match(event)
	if len(candidates) == 0 {
		e.log.WithFields(logrus.Fields{
			"tenant_id": event.TenantID,
			"device_id": event.DeviceID,
			"sign":      event.PhysicalSign,
		}).Debug("No rule matches event")
		return
	}

	rule := candidates[0]
	key := event.DedupKey()

	if ValueInAlertBand(rule, event.Value) {
		e.processAlerting(ctx, rule, event, key)
		e.tracker.Reset(key)
		return
	}

	e.processNormal(ctx, rule, event, key)
}

func (e *Engine) processAlerting(ctx context.Context, rule *models.AlertRule, event *DeviceEvent, key DedupKey) {
	result, coveringID := e.suppression.Admit(key, event.Timestamp, rule.TimeWindowSeconds)

	switch result {
	case AdmitSuppressed:
		if e.metrics != nil {
			e.metrics.SuppressedTotal.Inc()
		}
		entry := &models.ProcessingLogEntry{
			InstanceID: coveringID,
			RuleID:     rule.ID,
			TenantID:   event.TenantID,
			DeviceID:   event.DeviceID,
			EventData:  EventSnapshot(event),
			Action:     "suppress",
			Actor:      "auto",
			Outcome:    "suppressed",
			ToState:    StateSuppressed,
			CreatedAt:  event.Timestamp,
		}
		if err := e.logStore.Append(ctx, entry); err != nil {
			e.log.WithError(err).WithField("dedup_key", string(key)).Error("Suppression not recorded")
		}

	case AdmitDuplicate:
		if e.metrics != nil {
			e.metrics.DuplicatesTotal.Inc()
		}
		if err := e.instances.RecordOccurrence(ctx, coveringID, nullFloat(event.Value), event.Timestamp); err != nil {
			e.log.WithError(err).WithField("instance_id", coveringID).Error("Failed to record duplicate occurrence")
		}

	case AdmitNew:
		e.createInstance(ctx, rule, event, key)
	}
}

func (e *Engine) createInstance(ctx context.Context, rule *models.AlertRule, event *DeviceEvent, key DedupKey) {
	now := time.Now()
	instance := &models.AlertInstance{
		ID:              uuid.New().String(),
		DedupKey:        string(key),
		RuleID:          rule.ID,
		TenantID:        event.TenantID,
		OrganizationID:  event.OrganizationID,
		DeviceID:        event.DeviceID,
		PhysicalSign:    event.PhysicalSign,
		EventType:       event.EventType,
		Level:           rule.Level,
		State:           StateNew,
		OccurrenceCount: 1,
		LastValue:       nullFloat(event.Value),
		WindowStartedAt: event.Timestamp,
		LastSeenAt:      event.Timestamp,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := e.instances.Create(ctx, instance); err != nil {
		e.log.WithError(err).WithField("dedup_key", string(key)).Error("Failed to create alert instance")
		return
	}

	e.suppression.Open(key, instance.ID, event.Timestamp)
	if e.metrics != nil {
		e.metrics.InstancesCreated.Inc()
		e.metrics.ActiveInstances.Inc()
	}

	entry := &models.ProcessingLogEntry{
		InstanceID: instance.ID,
		RuleID:     rule.ID,
		TenantID:   instance.TenantID,
		DeviceID:   instance.DeviceID,
		EventData:  EventSnapshot(event),
		Actor:      "auto",
		Outcome:    "created",
		ToState:    StateNew,
		CreatedAt:  now,
	}
	if err := e.logStore.Append(ctx, entry); err != nil {
		e.log.WithError(err).WithField("instance_id", instance.ID).Error("Instance creation not durably logged")
	}

	e.broadcast("alert_created", instance)

	if !rule.AutoProcessEnabled {
		return
	}

	if err := e.scheduler.Schedule(ctx, instance, rule); err != nil {
		// The instance stays in NEW and requires manual action.
		e.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to schedule auto action")
		failEntry := &models.ProcessingLogEntry{
			InstanceID: instance.ID,
			RuleID:     rule.ID,
			TenantID:   instance.TenantID,
			DeviceID:   instance.DeviceID,
			EventData:  "{}",
			Action:     "schedule",
			Actor:      "auto",
			Outcome:    "failure",
			Message:    sql.NullString{String: err.Error(), Valid: true},
			FromState:  StateNew,
			ToState:    StateNew,
			CreatedAt:  time.Now(),
		}
		if logErr := e.logStore.Append(ctx, failEntry); logErr != nil {
			e.log.WithError(logErr).WithField("instance_id", instance.ID).Error("Schedule failure not durably logged")
		}
		e.broadcast("alert_schedule_failed", instance)
		return
	}

	schedEntry := &models.ProcessingLogEntry{
		InstanceID: instance.ID,
		RuleID:     rule.ID,
		TenantID:   instance.TenantID,
		DeviceID:   instance.DeviceID,
		EventData:  "{}",
		Action:     "schedule",
		Actor:      "auto",
		Outcome:    "scheduled",
		FromState:  StateNew,
		ToState:    StateScheduled,
		CreatedAt:  time.Now(),
	}
	if err := e.logStore.Append(ctx, schedEntry); err != nil {
		e.log.WithError(err).WithField("instance_id", instance.ID).Error("Schedule transition not durably logged")
	}

	e.broadcast("alert_scheduled", instance)
}

func (e *Engine) processNormal(ctx context.Context, rule *models.AlertRule, event *DeviceEvent, key DedupKey) {
	if rule.AutoResolveThresholdCount <= 0 {
		return
	}

	count := e.tracker.Observe(key)
	if count < rule.AutoResolveThresholdCount {
		return
	}

	open, err := e.instances.GetOpenByDedupKey(ctx, string(key))
	if err != nil {
		e.log.WithError(err).WithField("dedup_key", string(key)).Error("Failed to look up open instance")
		return
	}
	if open == nil {
		return
	}

	if _, err := e.resolve(ctx, open, rule, "auto", "auto-resolved", EventSnapshot(event), event.Timestamp); err != nil {
		e.log.WithError(err).WithField("instance_id", open.ID).Error("Auto-resolve failed")
	}
}

// ResolveManual closes an instance on operator request. Returns false when
// the instance already reached a terminal state.
func (e *Engine) ResolveManual(ctx context.Context, instanceID, operator string) (bool, error) {
	instance, err := e.instances.GetByID(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if instance == nil {
		return false, fmt.Errorf("instance %s not found", instanceID)
	}

	var rule *models.AlertRule
	if r, ok := e.registry.Get(instance.RuleID); ok {
		rule = r
	}

	return e.resolve(ctx, instance, rule, "manual", "resolved by "+operator, "{}", time.Now())
}

// resolve performs the RESOLVED transition shared by auto-resolution and
// manual close. The CAS decides races against a concurrently firing timer.
func (e *Engine) resolve(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule, actor, outcome, snapshot string, at time.Time) (bool, error) {
	from := instance.State

	won, err := e.instances.TransitionState(ctx, instance.ID,
		[]string{StateNew, StateScheduled, StateProcessed, StateEscalated}, StateResolved, at)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if err := e.scheduler.Cancel(ctx, instance.ID); err != nil {
		e.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to cancel pending timer")
	}

	entry := &models.ProcessingLogEntry{
		InstanceID: instance.ID,
		RuleID:     instance.RuleID,
		TenantID:   instance.TenantID,
		DeviceID:   instance.DeviceID,
		EventData:  snapshot,
		Action:     "resolve",
		Actor:      actor,
		Outcome:    outcome,
		FromState:  from,
		ToState:    StateResolved,
		CreatedAt:  at,
	}
	if err := e.logStore.Append(ctx, entry); err != nil {
		e.log.WithError(err).WithField("instance_id", instance.ID).Error("Resolve transition not durably logged")
	}

	instance.State = StateResolved
	e.OnTransition(ctx, instance, rule, from, StateResolved, at)

	return true, nil
}

// ExpireStale moves instances past the maximum lifetime to EXPIRED. Runs
// from the cron sweep.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	now := time.Now()
	cutoff := now.Add(-e.settings.MaxInstanceLifetime)

	expired, err := e.instances.ExpireOlderThan(ctx, cutoff, now)
	if err != nil {
		return 0, err
	}

	for _, instance := range expired {
		if err := e.scheduler.Cancel(ctx, instance.ID); err != nil {
			e.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to cancel timer for expired instance")
		}

		entry := &models.ProcessingLogEntry{
			InstanceID: instance.ID,
			RuleID:     instance.RuleID,
			TenantID:   instance.TenantID,
			DeviceID:   instance.DeviceID,
			EventData:  "{}",
			Action:     "expire",
			Actor:      "auto",
			Outcome:    "expired",
			FromState:  instance.State,
			ToState:    StateExpired,
			CreatedAt:  now,
		}
		if err := e.logStore.Append(ctx, entry); err != nil {
			e.log.WithError(err).WithField("instance_id", instance.ID).Error("Expiry not durably logged")
		}

		var rule *models.AlertRule
		if r, ok := e.registry.Get(instance.RuleID); ok {
			rule = r
		}

		from := instance.State
		instance.State = StateExpired
		e.OnTransition(ctx, instance, rule, from, StateExpired, now)
	}

	if len(expired) > 0 {
		e.log.WithField("expired_count", len(expired)).Info("Stale alert instances expired")
	}

	return len(expired), nil
}

// OnTransition maintains per-key suppression state and the live feed after
// any state transition, whichever component performed it.
func (e *Engine) OnTransition(ctx context.Context, instance *models.AlertInstance, rule *models.AlertRule, from, to string, at time.Time) {
	key := DedupKey(instance.DedupKey)

	switch to {
	case StateProcessed, StateEscalated:
		// The dedup window ends; the longer-lived cool-down begins.
		e.suppression.Close(key)
		if until := cooldownHorizon(rule, at); !until.IsZero() {
			e.suppression.StartCooldown(key, instance.ID, until)
		}
	case StateResolved, StateExpired:
		e.suppression.Close(key)
		e.tracker.Reset(key)
		if e.metrics != nil {
			e.metrics.ActiveInstances.Dec()
		}
		// Leaving PROCESSED/ESCALATED re-anchors the cool-down at the
		// terminal transition, matching operator expectations that the
		// quiet period starts when handling finished.
		if from == StateProcessed || from == StateEscalated || to == StateResolved {
			if until := cooldownHorizon(rule, at); !until.IsZero() {
				e.suppression.StartCooldown(key, instance.ID, until)
			}
		}
	}

	e.broadcast("alert_state_changed", map[string]interface{}{
		"instance_id": instance.ID,
		"from":        from,
		"to":          to,
		"at":          at,
	})
}

// recoverState rebuilds in-memory windows and cool-downs from the
// instance store after a restart.
func (e *Engine) recoverState(ctx context.Context) error {
	nonTerminal, err := e.instances.GetNonTerminal(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	maxSuppress := e.maxSuppressDuration()

	for _, instance := range nonTerminal {
		key := DedupKey(instance.DedupKey)
		rule, _ := e.registry.Get(instance.RuleID)

		switch instance.State {
		case StateNew, StateScheduled:
			e.suppression.Restore(key, instance.ID, instance.WindowStartedAt, instance.LastSeenAt, instance.OccurrenceCount)
		case StateProcessed, StateEscalated:
			if instance.ProcessedAt.Valid {
				if until := cooldownHorizon(rule, instance.ProcessedAt.Time); until.After(now) {
					e.suppression.StartCooldown(key, instance.ID, until)
				}
			}
		}
	}

	terminal, err := e.instances.GetRecentTerminal(ctx, now.Add(-maxSuppress))
	if err != nil {
		return err
	}
	for _, instance := range terminal {
		rule, _ := e.registry.Get(instance.RuleID)
		if !instance.ResolvedAt.Valid {
			continue
		}
		if until := cooldownHorizon(rule, instance.ResolvedAt.Time); until.After(now) {
			e.suppression.StartCooldown(DedupKey(instance.DedupKey), instance.ID, until)
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveInstances.Set(float64(len(nonTerminal)))
	}

	e.log.WithFields(logrus.Fields{
		"active_instances": len(nonTerminal),
		"recent_terminal":  len(terminal),
	}).Info("Engine state recovered")

	return nil
}

func (e *Engine) maxSuppressDuration() time.Duration {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	max := time.Hour
	for _, rule := range e.registry.rules {
		d := time.Duration(rule.SuppressDurationMinutes) * time.Minute
		if d > max {
			max = d
		}
	}
	return max
}

func (e *Engine) cleanupRoutine(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case <-ticker.C:
			if evicted := e.suppression.EvictExpired(time.Now()); evicted > 0 {
				e.log.WithField("evicted", evicted).Debug("Expired cool-downs evicted")
			}
		}
	}
}

func (e *Engine) broadcast(event string, data interface{}) {
	if e.hub != nil {
		e.hub.BroadcastAlertEvent(event, data)
	}
}

// cooldownHorizon computes when a key's suppression cool-down ends, anchored
// at the given transition time. Zero when the rule is gone or configures none.
func cooldownHorizon(rule *models.AlertRule, at time.Time) time.Time {
	if rule == nil || rule.SuppressDurationMinutes <= 0 {
		return time.Time{}
	}
	return at.Add(time.Duration(rule.SuppressDurationMinutes) * time.Minute)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

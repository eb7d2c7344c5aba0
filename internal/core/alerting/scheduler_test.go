package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/notifications"
)

type schedulerFixture struct {
	stores    *testStores
	registry  *RuleRegistry
	logStore  *LogStore
	sink      *recordingSink
	scheduler *Scheduler
}

func newSchedulerFixture(t *testing.T, notifier notifications.Notifier) *schedulerFixture {
	t.Helper()

	stores := newTestStores(t)
	log := newTestLogger()
	registry := NewRuleRegistry(stores.rules, log)
	logStore := NewLogStore(stores.logs, log)
	sink := &recordingSink{}
	dispatcher := NewActionDispatcher(notifier, 1, time.Millisecond, log)

	scheduler := NewScheduler(stores.timers, stores.instances, registry, logStore, dispatcher, sink, nil, log,
		SchedulerSettings{PollInterval: 20 * time.Millisecond, BatchSize: 10, Workers: 2})

	return &schedulerFixture{
		stores:    stores,
		registry:  registry,
		logStore:  logStore,
		sink:      sink,
		scheduler: scheduler,
	}
}

func (fx *schedulerFixture) createInstance(t *testing.T, rule *models.AlertRule, state string) *models.AlertInstance {
	t.Helper()
	now := time.Now()
	instance := &models.AlertInstance{
		ID:              "inst-" + state + "-" + rule.ID[:8],
		DedupKey:        "t1|org-1|watch-42|heart_rate",
		RuleID:          rule.ID,
		TenantID:        rule.TenantID,
		OrganizationID:  rule.OrganizationID,
		DeviceID:        "watch-42",
		PhysicalSign:    "heart_rate",
		Level:           rule.Level,
		State:           state,
		OccurrenceCount: 1,
		WindowStartedAt: now,
		LastSeenAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, fx.stores.instances.Create(context.Background(), instance))
	return instance
}

func TestScheduler_FiresDueTimer(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t, notifications.NewLogNotifier(newTestLogger()))

	rule := newHeartRateRule("t1")
	require.NoError(t, fx.registry.Create(ctx, rule))
	instance := fx.createInstance(t, rule, StateNew)

	require.NoError(t, fx.scheduler.Start(ctx))
	defer fx.scheduler.Stop(ctx)

	require.NoError(t, fx.scheduler.Schedule(ctx, instance, rule))
	assert.Equal(t, StateScheduled, instance.State)

	count, err := fx.stores.timers.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Eventually(t, func() bool {
		got, err := fx.stores.instances.GetByID(ctx, instance.ID)
		return err == nil && got != nil && got.State == StateProcessed
	}, 2*time.Second, 10*time.Millisecond)

	// The fired timer is disarmed and the transition is logged.
	require.Eventually(t, func() bool {
		count, err := fx.stores.timers.Count(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)

	trace, err := fx.logStore.Trace(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, "notify", trace[0].Action)
	assert.Equal(t, "success", trace[0].Outcome)
	assert.Equal(t, "auto", trace[0].Actor)
	assert.Equal(t, StateScheduled, trace[0].FromState)
	assert.Equal(t, StateProcessed, trace[0].ToState)

	assert.Contains(t, fx.sink.all(), "SCHEDULED->PROCESSED")
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t, notifications.NewLogNotifier(newTestLogger()))

	rule := newHeartRateRule("t1")
	rule.AutoProcessDelaySeconds = 3600
	require.NoError(t, fx.registry.Create(ctx, rule))
	instance := fx.createInstance(t, rule, StateNew)

	require.NoError(t, fx.scheduler.Start(ctx))
	defer fx.scheduler.Stop(ctx)

	require.NoError(t, fx.scheduler.Schedule(ctx, instance, rule))
	require.NoError(t, fx.scheduler.Cancel(ctx, instance.ID))

	count, err := fx.stores.timers.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Cancel is idempotent.
	assert.NoError(t, fx.scheduler.Cancel(ctx, instance.ID))
}

func TestScheduler_FailedActionEscalates(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t, failingNotifier{})

	rule := newHeartRateRule("t1")
	require.NoError(t, fx.registry.Create(ctx, rule))
	instance := fx.createInstance(t, rule, StateNew)

	require.NoError(t, fx.scheduler.Start(ctx))
	defer fx.scheduler.Stop(ctx)

	require.NoError(t, fx.scheduler.Schedule(ctx, instance, rule))

	require.Eventually(t, func() bool {
		got, err := fx.stores.instances.GetByID(ctx, instance.ID)
		return err == nil && got != nil && got.State == StateEscalated
	}, 2*time.Second, 10*time.Millisecond)

	trace, err := fx.logStore.Trace(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, "failure", trace[0].Outcome)
	assert.True(t, trace[0].Message.Valid)
}

func TestScheduler_StaleTimerIsDisarmedWithoutAction(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t, notifications.NewLogNotifier(newTestLogger()))

	rule := newHeartRateRule("t1")
	require.NoError(t, fx.registry.Create(ctx, rule))

	// The instance was resolved while its timer was still armed.
	instance := fx.createInstance(t, rule, StateResolved)
	require.NoError(t, fx.stores.timers.Arm(ctx, &models.ScheduledTimer{
		InstanceID: instance.ID,
		RuleID:     rule.ID,
		Action:     rule.AutoProcessAction,
		FireAt:     time.Now().Add(-time.Second),
		CreatedAt:  time.Now(),
	}))

	require.NoError(t, fx.scheduler.Start(ctx))
	defer fx.scheduler.Stop(ctx)

	require.Eventually(t, func() bool {
		count, err := fx.stores.timers.Count(ctx)
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)

	// No action ran, no transition was logged.
	got, err := fx.stores.instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StateResolved, got.State)

	trace, err := fx.logStore.Trace(ctx, instance.ID)
	require.NoError(t, err)
	assert.Empty(t, trace)
}

func TestScheduler_OverdueTimerFiresAfterRestart(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t, notifications.NewLogNotifier(newTestLogger()))

	rule := newHeartRateRule("t1")
	rule.AutoProcessAction = string(ActionAutoResolve)
	require.NoError(t, fx.registry.Create(ctx, rule))
	instance := fx.createInstance(t, rule, StateScheduled)

	// Simulate a timer armed before a crash, already past due.
	require.NoError(t, fx.stores.timers.Arm(ctx, &models.ScheduledTimer{
		InstanceID: instance.ID,
		RuleID:     rule.ID,
		Action:     rule.AutoProcessAction,
		FireAt:     time.Now().Add(-time.Minute),
		CreatedAt:  time.Now().Add(-2 * time.Minute),
	}))

	require.NoError(t, fx.scheduler.Start(ctx))
	defer fx.scheduler.Stop(ctx)

	require.Eventually(t, func() bool {
		got, err := fx.stores.instances.GetByID(ctx, instance.ID)
		return err == nil && got != nil && got.State == StateResolved
	}, 2*time.Second, 10*time.Millisecond)

	trace, err := fx.logStore.Trace(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, "auto-resolved", trace[0].Outcome)
}

func TestInstanceRepository_TransitionStateCAS(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	registry := NewRuleRegistry(stores.rules, newTestLogger())

	rule := newHeartRateRule("t1")
	require.NoError(t, registry.Create(ctx, rule))

	fx := &schedulerFixture{stores: stores}
	instance := fx.createInstance(t, rule, StateScheduled)

	// First claim wins.
	won, err := stores.instances.TransitionState(ctx, instance.ID, []string{StateScheduled}, StateProcessed, time.Now())
	require.NoError(t, err)
	assert.True(t, won)

	// A second claim from the same state loses: at-most-once execution.
	won, err = stores.instances.TransitionState(ctx, instance.ID, []string{StateScheduled}, StateResolved, time.Now())
	require.NoError(t, err)
	assert.False(t, won)

	got, err := stores.instances.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, got.State)
	assert.True(t, got.ProcessedAt.Valid)

	// Terminal states reject every further transition.
	won, err = stores.instances.TransitionState(ctx, instance.ID, []string{StateProcessed}, StateResolved, time.Now())
	require.NoError(t, err)
	assert.True(t, won)
	won, err = stores.instances.TransitionState(ctx, instance.ID,
		[]string{StateNew, StateScheduled, StateProcessed, StateEscalated}, StateExpired, time.Now())
	require.NoError(t, err)
	assert.False(t, won)
}

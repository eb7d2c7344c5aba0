package statistics

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	schema, err := os.ReadFile("../../../migrations/000001_init.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	aggregator *Aggregator
	logs       *sqlite.LogRepository
	instances  *sqlite.InstanceRepository
	rules      *sqlite.RuleRepository
	ruleID     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	log := newTestLogger()
	logs := sqlite.NewLogRepository(db, log)
	instances := sqlite.NewInstanceRepository(db, log)
	rules := sqlite.NewRuleRepository(db, log)

	rule := &models.AlertRule{
		ID:           uuid.New().String(),
		TenantID:     "t1",
		Name:         "High heart rate",
		PhysicalSign: "heart_rate",
		Level:        "critical",
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, rules.Create(context.Background(), rule))

	return &fixture{
		aggregator: NewAggregator(logs, instances, rules, log, 7),
		logs:       logs,
		instances:  instances,
		rules:      rules,
		ruleID:     rule.ID,
	}
}

func (fx *fixture) appendEntry(t *testing.T, outcome, actor, action string, durationMs int64, at time.Time) {
	t.Helper()
	require.NoError(t, fx.logs.Append(context.Background(), &models.ProcessingLogEntry{
		InstanceID: "inst-1",
		RuleID:     fx.ruleID,
		TenantID:   "t1",
		DeviceID:   "watch-42",
		EventData:  "{}",
		Action:     action,
		Actor:      actor,
		Outcome:    outcome,
		DurationMs: durationMs,
		CreatedAt:  at,
	}))
}

func TestAggregator_Recompute(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Now()

	fx.appendEntry(t, "created", "auto", "", 0, now.Add(-3*time.Hour))
	fx.appendEntry(t, "scheduled", "auto", "schedule", 0, now.Add(-3*time.Hour))
	fx.appendEntry(t, "success", "auto", "notify", 40, now.Add(-2*time.Hour))
	fx.appendEntry(t, "failure", "auto", "notify", 200, now.Add(-2*time.Hour))
	fx.appendEntry(t, "suppressed", "auto", "suppress", 0, now.Add(-time.Hour))
	fx.appendEntry(t, "auto-resolved", "auto", "resolve", 0, now.Add(-time.Hour))
	fx.appendEntry(t, "resolved by nurse-7", "manual", "resolve", 0, now.Add(-30*time.Minute))

	// Outside the window: ignored.
	fx.appendEntry(t, "created", "auto", "", 0, now.AddDate(0, 0, -10))

	require.NoError(t, fx.aggregator.Recompute(ctx))

	snap := fx.aggregator.Current()
	require.NotNil(t, snap)
	assert.Equal(t, 7, snap.TotalEntries)
	assert.Equal(t, 7, snap.CountsByRule[fx.ruleID])
	assert.Equal(t, 7, snap.CountsBySeverity["critical"])
	assert.Equal(t, 2, snap.CountsByAction["notify"])
	assert.Equal(t, 6, snap.AutoActions)
	assert.Equal(t, 1, snap.ManualActions)

	// success + ignored + auto-resolved = 2 vs 1 failure.
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
	assert.InDelta(t, 120.0, snap.AvgActionDelayMs, 1e-9)
	assert.Greater(t, snap.ActionDelayP95Ms, snap.ActionDelayP50Ms)
}

func TestAggregator_Trends(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	// Anchor both hours inside the same day bucket.
	day := time.Now().Truncate(24 * time.Hour)
	first := day.Add(3 * time.Hour)
	second := day.Add(4 * time.Hour)

	fx.appendEntry(t, "created", "auto", "", 0, first)
	fx.appendEntry(t, "created", "auto", "", 0, first)
	fx.appendEntry(t, "success", "auto", "notify", 10, second)
	fx.appendEntry(t, "auto-resolved", "auto", "resolve", 0, second)

	require.NoError(t, fx.aggregator.Recompute(ctx))

	series := fx.aggregator.Trends("hour")
	require.Len(t, series, 2)
	assert.True(t, series[0].Bucket.Before(series[1].Bucket))
	assert.Equal(t, 2, series[0].Created)
	assert.Equal(t, 1, series[1].Processed)
	assert.Equal(t, 1, series[1].Resolved)

	// Day granularity folds everything into one bucket.
	daily := fx.aggregator.Trends("day")
	require.Len(t, daily, 1)
	assert.Equal(t, 2, daily[0].Created)
}

func TestAggregator_AnalyzePerformance(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Now()

	fx.appendEntry(t, "success", "auto", "notify", 10, now.Add(-time.Hour))
	fx.appendEntry(t, "success", "auto", "notify", 10, now.Add(-time.Hour))
	fx.appendEntry(t, "failure", "auto", "notify", 10, now.Add(-time.Hour))
	fx.appendEntry(t, "resolved by op", "manual", "resolve", 0, now.Add(-time.Hour))

	require.NoError(t, fx.aggregator.Recompute(ctx))

	perf, err := fx.aggregator.AnalyzePerformance(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, perf.TotalAuto)
	assert.Equal(t, 1, perf.TotalManual)
	assert.Equal(t, 1, perf.FailedActions)
	assert.InDelta(t, 0.75, perf.Efficiency, 1e-9)
	assert.InDelta(t, 1.0-1.0/3.0, perf.Accuracy, 1e-9)
	// The one enabled rule saw activity: full coverage.
	assert.InDelta(t, 1.0, perf.Coverage, 1e-9)
}

func TestAggregator_Cleanup(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	now := time.Now()

	fx.appendEntry(t, "created", "auto", "", 0, now.AddDate(0, 0, -100))
	fx.appendEntry(t, "created", "auto", "", 0, now)

	deleted, err := fx.aggregator.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Retention disabled: nothing is deleted.
	deleted, err = fx.aggregator.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestAggregator_EmptyLog(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.aggregator.Recompute(ctx))

	snap := fx.aggregator.Current()
	require.NotNil(t, snap)
	assert.Zero(t, snap.TotalEntries)
	assert.Zero(t, snap.SuccessRate)
	assert.Empty(t, fx.aggregator.Trends("hour"))
}

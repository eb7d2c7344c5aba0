package alerting

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/notifications"
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
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	schema, err := os.ReadFile("../../../migrations/000001_init.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

type testStores struct {
	db        *sqlx.DB
	rules     *sqlite.RuleRepository
	instances *sqlite.InstanceRepository
	logs      *sqlite.LogRepository
	timers    *sqlite.TimerRepository
}

func newTestStores(t *testing.T) *testStores {
	t.Helper()
	db := newTestDB(t)
	log := newTestLogger()
	return &testStores{
		db:        db,
		rules:     sqlite.NewRuleRepository(db, log),
		instances: sqlite.NewInstanceRepository(db, log),
		logs:      sqlite.NewLogRepository(db, log),
		timers:    sqlite.NewTimerRepository(db, log),
	}
}

func newHeartRateRule(tenantID string) *models.AlertRule {
	now := time.Now()
	return &models.AlertRule{
		ID:                        uuid.New().String(),
		TenantID:                  tenantID,
		OrganizationID:            "org-1",
		Name:                      "High heart rate",
		PhysicalSign:              "heart_rate",
		Level:                     LevelCritical,
		ThresholdMin:              nullFloat(f(100)),
		AutoProcessEnabled:        true,
		AutoProcessAction:         string(ActionNotify),
		AutoProcessDelaySeconds:   0,
		AutoResolveThresholdCount: 3,
		SuppressDurationMinutes:   30,
		TimeWindowSeconds:         60,
		Enabled:                   true,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func newHeartRateEvent(tenantID string, value float64, at time.Time) *DeviceEvent {
	return &DeviceEvent{
		TenantID:       tenantID,
		OrganizationID: "org-1",
		DeviceID:       "watch-42",
		PhysicalSign:   "heart_rate",
		Value:          &value,
		Timestamp:      at,
	}
}

func f(v float64) *float64 { return &v }

type recordingSink struct {
	mu          sync.Mutex
	transitions []string
}

func (s *recordingSink) OnTransition(_ context.Context, _ *models.AlertInstance, _ *models.AlertRule, from, to string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, from+"->"+to)
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transitions...)
}

// failingNotifier always errors, for exercising the escalation fallback.
type failingNotifier struct{}

func (failingNotifier) Send(_ context.Context, _, _ string, _ *notifications.Payload) error {
	return errAlwaysFails
}

var errAlwaysFails = fmt.Errorf("notification channel unavailable")

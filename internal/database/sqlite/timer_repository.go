package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
)

// TimerRepository is the durable timer store backing the delayed-action
// scheduler. One row per armed instance; rows survive restarts.
type TimerRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewTimerRepository(db *sqlx.DB, log *logrus.Logger) *TimerRepository {
	return &TimerRepository{db: db, log: log}
}

// Arm records a timer for an instance. The instance ID is the primary key,
// so arming twice for the same instance fails rather than double-firing.
func (r *TimerRepository) Arm(ctx context.Context, timer *models.ScheduledTimer) error {
	query := `
		INSERT INTO scheduled_timers (instance_id, rule_id, action, fire_at, created_at)
		VALUES (:instance_id, :rule_id, :action, :fire_at, :created_at)
	`

	if _, err := r.db.NamedExecContext(ctx, query, timer); err != nil {
		r.log.WithError(err).WithField("instance_id", timer.InstanceID).Error("Failed to arm timer")
		return fmt.Errorf("failed to arm timer: %w", err)
	}

	return nil
}

// Disarm removes the timer for an instance. Idempotent: disarming a timer
// that already fired or never existed is a no-op.
func (r *TimerRepository) Disarm(ctx context.Context, instanceID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM scheduled_timers WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("failed to disarm timer: %w", err)
	}

	return nil
}

// GetDue returns timers whose fire time has passed, oldest armed first so
// overdue timers drain in creation order after a restart.
func (r *TimerRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledTimer, error) {
	var timers []*models.ScheduledTimer
	err := r.db.SelectContext(ctx, &timers,
		`SELECT instance_id, rule_id, action, fire_at, created_at
		 FROM scheduled_timers WHERE fire_at <= ?
		 ORDER BY created_at LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due timers: %w", err)
	}

	return timers, nil
}

// Count returns the number of armed timers.
func (r *TimerRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM scheduled_timers`); err != nil {
		return 0, fmt.Errorf("failed to count timers: %w", err)
	}

	return count, nil
}

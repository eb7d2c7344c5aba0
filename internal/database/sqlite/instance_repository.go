package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
)

type InstanceRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewInstanceRepository(db *sqlx.DB, log *logrus.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, log: log}
}

const instanceColumns = `id, dedup_key, rule_id, tenant_id, organization_id, device_id,
	physical_sign, event_type, level, state, occurrence_count, last_value,
	window_started_at, last_seen_at, processed_at, resolved_at, created_at, updated_at`

func (r *InstanceRepository) Create(ctx context.Context, instance *models.AlertInstance) error {
	query := `
		INSERT INTO alert_instances (` + instanceColumns + `)
		VALUES (:id, :dedup_key, :rule_id, :tenant_id, :organization_id, :device_id,
			:physical_sign, :event_type, :level, :state, :occurrence_count, :last_value,
			:window_started_at, :last_seen_at, :processed_at, :resolved_at, :created_at, :updated_at)
	`

	if _, err := r.db.NamedExecContext(ctx, query, instance); err != nil {
		r.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to create alert instance")
		return fmt.Errorf("failed to create alert instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.AlertInstance, error) {
	var instance models.AlertInstance
	err := r.db.GetContext(ctx, &instance,
		`SELECT `+instanceColumns+` FROM alert_instances WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.log.WithError(err).WithField("instance_id", id).Error("Failed to get alert instance")
		return nil, fmt.Errorf("failed to get alert instance: %w", err)
	}

	return &instance, nil
}

// GetActiveByDedupKey returns the NEW or SCHEDULED instance for a dedup
// key, if any. At most one can exist at a time.
func (r *InstanceRepository) GetActiveByDedupKey(ctx context.Context, dedupKey string) (*models.AlertInstance, error) {
	var instance models.AlertInstance
	err := r.db.GetContext(ctx, &instance,
		`SELECT `+instanceColumns+` FROM alert_instances
		 WHERE dedup_key = ? AND state IN ('NEW', 'SCHEDULED')
		 ORDER BY created_at DESC LIMIT 1`, dedupKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active instance: %w", err)
	}

	return &instance, nil
}

// GetOpenByDedupKey returns the most recent non-terminal instance for a
// dedup key. PROCESSED and ESCALATED instances can still be auto-resolved.
func (r *InstanceRepository) GetOpenByDedupKey(ctx context.Context, dedupKey string) (*models.AlertInstance, error) {
	var instance models.AlertInstance
	err := r.db.GetContext(ctx, &instance,
		`SELECT `+instanceColumns+` FROM alert_instances
		 WHERE dedup_key = ? AND state IN ('NEW', 'SCHEDULED', 'PROCESSED', 'ESCALATED')
		 ORDER BY created_at DESC LIMIT 1`, dedupKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open instance: %w", err)
	}

	return &instance, nil
}

// GetNonTerminal returns every instance that has not reached a terminal
// state. Used to rebuild in-memory engine state after a restart.
func (r *InstanceRepository) GetNonTerminal(ctx context.Context) ([]*models.AlertInstance, error) {
	var instances []*models.AlertInstance
	err := r.db.SelectContext(ctx, &instances,
		`SELECT `+instanceColumns+` FROM alert_instances
		 WHERE state NOT IN ('RESOLVED', 'EXPIRED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get non-terminal instances: %w", err)
	}

	return instances, nil
}

// GetRecentTerminal returns instances that reached a terminal state after
// the cutoff. Used to rebuild suppression cool-downs after a restart.
func (r *InstanceRepository) GetRecentTerminal(ctx context.Context, cutoff time.Time) ([]*models.AlertInstance, error) {
	var instances []*models.AlertInstance
	err := r.db.SelectContext(ctx, &instances,
		`SELECT `+instanceColumns+` FROM alert_instances
		 WHERE state IN ('RESOLVED', 'EXPIRED') AND updated_at >= ?
		 ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent terminal instances: %w", err)
	}

	return instances, nil
}

// RecordOccurrence merges a duplicate event into an active instance:
// occurrence count goes up and the window's last-seen time extends. No
// state transition happens.
func (r *InstanceRepository) RecordOccurrence(ctx context.Context, id string, value sql.NullFloat64, seenAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE alert_instances
		 SET occurrence_count = occurrence_count + 1, last_value = ?, last_seen_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ('NEW', 'SCHEDULED')`,
		value, seenAt, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to record occurrence: %w", err)
	}

	return nil
}

// TransitionState performs an atomic compare-and-set of the instance state.
// It returns true when this caller won the transition; a false return means
// another path (timer fire, manual action, auto-resolve) got there first.
func (r *InstanceRepository) TransitionState(ctx context.Context, id string, fromStates []string, toState string, at time.Time) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStates)), ",")

	set := "state = ?, updated_at = ?"
	args := []interface{}{toState, at}
	switch toState {
	case "PROCESSED", "ESCALATED":
		set += ", processed_at = ?"
		args = append(args, at)
	case "RESOLVED", "EXPIRED":
		set += ", resolved_at = ?"
		args = append(args, at)
	}

	args = append(args, id)
	for _, s := range fromStates {
		args = append(args, s)
	}

	query := fmt.Sprintf(
		`UPDATE alert_instances SET %s WHERE id = ? AND state IN (%s)`, set, placeholders)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.WithError(err).WithField("instance_id", id).Error("Failed to transition instance state")
		return false, fmt.Errorf("failed to transition instance state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows == 1, nil
}

// List returns a filtered page of instances plus the total match count.
func (r *InstanceRepository) List(ctx context.Context, filter *models.InstanceFilter) ([]*models.AlertInstance, int, error) {
	where, args := buildInstanceWhere(filter)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM alert_instances`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count alert instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM alert_instances` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	var instances []*models.AlertInstance
	if err := r.db.SelectContext(ctx, &instances, query, args...); err != nil {
		r.log.WithError(err).Error("Failed to list alert instances")
		return nil, 0, fmt.Errorf("failed to list alert instances: %w", err)
	}

	return instances, total, nil
}

// CountByState returns instance counts grouped by state, optionally scoped
// to one tenant.
func (r *InstanceRepository) CountByState(ctx context.Context, tenantID string) (map[string]int, error) {
	query := `SELECT state, COUNT(*) AS n FROM alert_instances`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY state`

	rows := []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count instances by state: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.State] = row.N
	}
	return counts, nil
}

// ExpireOlderThan moves every instance created before the cutoff and still
// in a non-terminal state to EXPIRED, returning the expired instances.
func (r *InstanceRepository) ExpireOlderThan(ctx context.Context, cutoff, at time.Time) ([]*models.AlertInstance, error) {
	var stale []*models.AlertInstance
	err := r.db.SelectContext(ctx, &stale,
		`SELECT `+instanceColumns+` FROM alert_instances
		 WHERE state IN ('NEW', 'SCHEDULED', 'PROCESSED', 'ESCALATED') AND created_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale instances: %w", err)
	}

	var expired []*models.AlertInstance
	for _, instance := range stale {
		won, err := r.TransitionState(ctx, instance.ID,
			[]string{"NEW", "SCHEDULED", "PROCESSED", "ESCALATED"}, "EXPIRED", at)
		if err != nil {
			r.log.WithError(err).WithField("instance_id", instance.ID).Error("Failed to expire instance")
			continue
		}
		if won {
			expired = append(expired, instance)
		}
	}

	return expired, nil
}

func buildInstanceWhere(filter *models.InstanceFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.OrganizationID != "" {
		clauses = append(clauses, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.PhysicalSign != "" {
		clauses = append(clauses, "physical_sign = ?")
		args = append(args, filter.PhysicalSign)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, filter.Level)
	}
	if len(filter.States) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.States)), ",")
		clauses = append(clauses, fmt.Sprintf("state IN (%s)", placeholders))
		for _, s := range filter.States {
			args = append(args, s)
		}
	}
	if filter.CreatedAfter != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *filter.CreatedBefore)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

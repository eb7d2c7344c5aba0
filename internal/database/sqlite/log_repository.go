package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
)

type LogRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewLogRepository(db *sqlx.DB, log *logrus.Logger) *LogRepository {
	return &LogRepository{db: db, log: log}
}

const logColumns = `id, instance_id, rule_id, tenant_id, device_id, event_data, action,
	actor, outcome, message, from_state, to_state, duration_ms, created_at`

// Append writes one immutable log entry. Entries are never updated or
// overwritten afterwards.
func (r *LogRepository) Append(ctx context.Context, entry *models.ProcessingLogEntry) error {
	query := `
		INSERT INTO processing_log (instance_id, rule_id, tenant_id, device_id, event_data,
			action, actor, outcome, message, from_state, to_state, duration_ms, created_at)
		VALUES (:instance_id, :rule_id, :tenant_id, :device_id, :event_data,
			:action, :actor, :outcome, :message, :from_state, :to_state, :duration_ms, :created_at)
	`

	result, err := r.db.NamedExecContext(ctx, query, entry)
	if err != nil {
		r.log.WithError(err).WithField("instance_id", entry.InstanceID).Error("Failed to append log entry")
		return fmt.Errorf("failed to append log entry: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}

	return nil
}

// Query returns a filtered page of log entries plus the total match count.
func (r *LogRepository) Query(ctx context.Context, filter *models.LogFilter) ([]*models.ProcessingLogEntry, int, error) {
	where, args := buildLogWhere(filter)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM processing_log`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count log entries: %w", err)
	}

	query := `SELECT ` + logColumns + ` FROM processing_log` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	var entries []*models.ProcessingLogEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.log.WithError(err).Error("Failed to query log entries")
		return nil, 0, fmt.Errorf("failed to query log entries: %w", err)
	}

	return entries, total, nil
}

// GetByInstance returns the full lifecycle trace of one instance in
// chronological order.
func (r *LogRepository) GetByInstance(ctx context.Context, instanceID string) ([]*models.ProcessingLogEntry, error) {
	var entries []*models.ProcessingLogEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT `+logColumns+` FROM processing_log WHERE instance_id = ? ORDER BY created_at, id`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get instance trace: %w", err)
	}

	return entries, nil
}

// GetSince streams every entry created at or after the cutoff, for the
// statistics aggregator.
func (r *LogRepository) GetSince(ctx context.Context, cutoff time.Time) ([]*models.ProcessingLogEntry, error) {
	var entries []*models.ProcessingLogEntry
	err := r.db.SelectContext(ctx, &entries,
		`SELECT `+logColumns+` FROM processing_log WHERE created_at >= ? ORDER BY created_at, id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get log entries since cutoff: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan removes entries past the retention horizon.
func (r *LogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM processing_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old log entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return deleted, nil
}

func buildLogWhere(filter *models.LogFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.InstanceID != "" {
		clauses = append(clauses, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.RuleID != "" {
		clauses = append(clauses, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, filter.Outcome)
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

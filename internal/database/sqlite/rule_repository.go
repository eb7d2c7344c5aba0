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

type RuleRepository struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func NewRuleRepository(db *sqlx.DB, log *logrus.Logger) *RuleRepository {
	return &RuleRepository{db: db, log: log}
}

const ruleColumns = `id, tenant_id, organization_id, name, physical_sign, event_type, level,
	threshold_min, threshold_max, auto_process_enabled, auto_process_action,
	auto_process_delay_seconds, auto_resolve_threshold_count, suppress_duration_minutes,
	time_window_seconds, enabled, created_at, updated_at`

func (r *RuleRepository) Create(ctx context.Context, rule *models.AlertRule) error {
	query := `
		INSERT INTO alert_rules (` + ruleColumns + `)
		VALUES (:id, :tenant_id, :organization_id, :name, :physical_sign, :event_type, :level,
			:threshold_min, :threshold_max, :auto_process_enabled, :auto_process_action,
			:auto_process_delay_seconds, :auto_resolve_threshold_count, :suppress_duration_minutes,
			:time_window_seconds, :enabled, :created_at, :updated_at)
	`

	if _, err := r.db.NamedExecContext(ctx, query, rule); err != nil {
		r.log.WithError(err).WithField("rule_id", rule.ID).Error("Failed to create alert rule")
		return fmt.Errorf("failed to create alert rule: %w", err)
	}

	return nil
}

func (r *RuleRepository) Update(ctx context.Context, rule *models.AlertRule) error {
	query := `
		UPDATE alert_rules SET
			name = :name, physical_sign = :physical_sign, event_type = :event_type,
			level = :level, threshold_min = :threshold_min, threshold_max = :threshold_max,
			auto_process_enabled = :auto_process_enabled, auto_process_action = :auto_process_action,
			auto_process_delay_seconds = :auto_process_delay_seconds,
			auto_resolve_threshold_count = :auto_resolve_threshold_count,
			suppress_duration_minutes = :suppress_duration_minutes,
			time_window_seconds = :time_window_seconds, enabled = :enabled,
			updated_at = :updated_at
		WHERE id = :id
	`

	result, err := r.db.NamedExecContext(ctx, query, rule)
	if err != nil {
		r.log.WithError(err).WithField("rule_id", rule.ID).Error("Failed to update alert rule")
		return fmt.Errorf("failed to update alert rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	return nil
}

func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		r.log.WithError(err).WithField("rule_id", id).Error("Failed to delete alert rule")
		return fmt.Errorf("failed to delete alert rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, id string) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := r.db.GetContext(ctx, &rule,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.log.WithError(err).WithField("rule_id", id).Error("Failed to get alert rule")
		return nil, fmt.Errorf("failed to get alert rule: %w", err)
	}

	return &rule, nil
}

// GetAll returns every rule, enabled or not. The registry loads these at
// startup and keeps its own index.
func (r *RuleRepository) GetAll(ctx context.Context) ([]*models.AlertRule, error) {
	var rules []*models.AlertRule
	err := r.db.SelectContext(ctx, &rules,
		`SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at`)
	if err != nil {
		r.log.WithError(err).Error("Failed to get alert rules")
		return nil, fmt.Errorf("failed to get alert rules: %w", err)
	}

	return rules, nil
}

// List returns a filtered page of rules plus the total match count.
func (r *RuleRepository) List(ctx context.Context, filter *models.RuleFilter) ([]*models.AlertRule, int, error) {
	where, args := buildRuleWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM alert_rules` + where
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count alert rules: %w", err)
	}

	query := `SELECT ` + ruleColumns + ` FROM alert_rules` + where + ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	var rules []*models.AlertRule
	if err := r.db.SelectContext(ctx, &rules, query, args...); err != nil {
		r.log.WithError(err).Error("Failed to list alert rules")
		return nil, 0, fmt.Errorf("failed to list alert rules: %w", err)
	}

	return rules, total, nil
}

// SetEnabled toggles a rule without touching its definition.
func (r *RuleRepository) SetEnabled(ctx context.Context, id string, enabled bool, updatedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE alert_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, updatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to toggle alert rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}

func buildRuleWhere(filter *models.RuleFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.PhysicalSign != "" {
		clauses = append(clauses, "physical_sign = ?")
		args = append(args, filter.PhysicalSign)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

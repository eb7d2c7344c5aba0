package alerting

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
	pkgerrors "github.com/pulseguard-ops/pulseguard-backend-go/pkg/errors"
)

// RuleRegistry owns the alert rule lifecycle and answers match queries on
// the hot path from an in-memory index. The SQLite repository is the
// durable copy; the index is rebuilt from it at startup.
type RuleRegistry struct {
	mu       sync.RWMutex
	rules    map[string]*models.AlertRule
	byTenant map[string][]string // tenant id -> rule ids
	repo     *sqlite.RuleRepository
	log      *logrus.Logger
}

func NewRuleRegistry(repo *sqlite.RuleRepository, log *logrus.Logger) *RuleRegistry {
	return &RuleRegistry{
		rules:    make(map[string]*models.AlertRule),
		byTenant: make(map[string][]string),
		repo:     repo,
		log:      log,
	}
}

// Load rebuilds the in-memory index from the repository.
func (r *RuleRegistry) Load(ctx context.Context) error {
	rules, err := r.repo.GetAll(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = make(map[string]*models.AlertRule, len(rules))
	r.byTenant = make(map[string][]string)
	for _, rule := range rules {
		r.rules[rule.ID] = rule
		r.byTenant[rule.TenantID] = append(r.byTenant[rule.TenantID], rule.ID)
	}

	r.log.WithField("rule_count", len(rules)).Info("Alert rules loaded")
	return nil
}

// Match returns the enabled rules applicable to an event, best match
// first. Specificity wins, then severity priority, then most recent update.
func (r *RuleRegistry) Match(event *DeviceEvent) []*models.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*models.AlertRule
	for _, id := range r.byTenant[event.TenantID] {
		rule := r.rules[id]
		if !rule.Enabled {
			continue
		}
		if ruleAppliesTo(rule, event) {
			candidates = append(candidates, rule)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := ruleSpecificity(candidates[i], event), ruleSpecificity(candidates[j], event)
		if si != sj {
			return si > sj
		}
		pi, pj := SeverityPriority(candidates[i].Level), SeverityPriority(candidates[j].Level)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})

	return candidates
}

// ruleAppliesTo reports whether a rule governs the event's signal.
func ruleAppliesTo(rule *models.AlertRule, event *DeviceEvent) bool {
	signMatch := rule.PhysicalSign != "" && rule.PhysicalSign == event.PhysicalSign
	eventMatch := rule.EventType != "" && rule.EventType == event.EventType
	return signMatch || eventMatch
}

// ruleSpecificity scores how narrowly a rule targets the event. A rule with
// a threshold band that the event value falls into beats a bandless rule;
// matching both the physical sign and the event type beats matching one.
func ruleSpecificity(rule *models.AlertRule, event *DeviceEvent) int {
	score := 0
	if rule.PhysicalSign != "" && rule.PhysicalSign == event.PhysicalSign {
		score++
	}
	if rule.EventType != "" && rule.EventType == event.EventType {
		score++
	}
	if (rule.ThresholdMin.Valid || rule.ThresholdMax.Valid) && ValueInAlertBand(rule, event.Value) {
		score += 2
	}
	return score
}

// ValueInAlertBand reports whether a reading falls inside the rule's
// alerting band. A rule with no thresholds alerts on any occurrence.
func ValueInAlertBand(rule *models.AlertRule, value *float64) bool {
	if !rule.ThresholdMin.Valid && !rule.ThresholdMax.Valid {
		return true
	}
	if value == nil {
		return false
	}
	if rule.ThresholdMin.Valid && *value < rule.ThresholdMin.Float64 {
		return false
	}
	if rule.ThresholdMax.Valid && *value > rule.ThresholdMax.Float64 {
		return false
	}
	return true
}

// Create validates and persists a new rule.
func (r *RuleRegistry) Create(ctx context.Context, rule *models.AlertRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if conflict := r.findConflictLocked(rule); conflict != nil {
		return conflict
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := r.repo.Create(ctx, rule); err != nil {
		return err
	}

	r.rules[rule.ID] = rule
	r.byTenant[rule.TenantID] = append(r.byTenant[rule.TenantID], rule.ID)

	r.log.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"tenant_id": rule.TenantID,
	}).Info("Alert rule created")

	return nil
}

// Update validates and persists changes to an existing rule. Instances
// already bound to the rule keep running their own lifecycle.
func (r *RuleRegistry) Update(ctx context.Context, rule *models.AlertRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.rules[rule.ID]
	if !exists {
		return pkgerrors.ErrNotFound
	}

	if conflict := r.findConflictLocked(rule); conflict != nil {
		return conflict
	}

	rule.TenantID = old.TenantID
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = time.Now()

	if err := r.repo.Update(ctx, rule); err != nil {
		return err
	}

	r.rules[rule.ID] = rule

	r.log.WithFields(logrus.Fields{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
	}).Info("Alert rule updated")

	return nil
}

// Delete removes a rule entirely. Disable is the reversible alternative.
func (r *RuleRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists {
		return pkgerrors.ErrNotFound
	}

	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	delete(r.rules, id)
	ids := r.byTenant[rule.TenantID]
	for i, rid := range ids {
		if rid == id {
			r.byTenant[rule.TenantID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	r.log.WithField("rule_id", id).Info("Alert rule deleted")
	return nil
}

// Get returns a rule by ID.
func (r *RuleRegistry) Get(id string) (*models.AlertRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// List returns a filtered page of rules with the total match count.
func (r *RuleRegistry) List(ctx context.Context, filter *models.RuleFilter) ([]*models.AlertRule, int, error) {
	return r.repo.List(ctx, filter)
}

// SetEnabled toggles a rule. Disabling does not touch instances already
// created from it.
func (r *RuleRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, exists := r.rules[id]
	if !exists {
		return pkgerrors.ErrNotFound
	}
	if rule.Enabled == enabled {
		return nil
	}

	// Re-enabling must not resurrect a conflict with a rule enabled since.
	if enabled {
		probe := *rule
		probe.Enabled = true
		if conflict := r.findConflictLocked(&probe); conflict != nil {
			return conflict
		}
	}

	now := time.Now()
	if err := r.repo.SetEnabled(ctx, id, enabled, now); err != nil {
		return err
	}

	rule.Enabled = enabled
	rule.UpdatedAt = now

	r.log.WithFields(logrus.Fields{
		"rule_id": id,
		"enabled": enabled,
	}).Info("Alert rule toggled")

	return nil
}

// SetEnabledBatch toggles several rules, returning the IDs that changed.
func (r *RuleRegistry) SetEnabledBatch(ctx context.Context, ids []string, enabled bool) ([]string, error) {
	var changed []string
	for _, id := range ids {
		if err := r.SetEnabled(ctx, id, enabled); err != nil {
			r.log.WithError(err).WithField("rule_id", id).Warn("Batch toggle skipped rule")
			continue
		}
		changed = append(changed, id)
	}
	return changed, nil
}

// RuleSet is the import/export envelope for a tenant's rules.
type RuleSet struct {
	Version    int                 `json:"version" yaml:"version"`
	ExportedAt time.Time           `json:"exported_at" yaml:"exported_at"`
	Rules      []*models.AlertRule `json:"rules" yaml:"rules"`
}

// Export snapshots all rules (optionally one tenant's) for transfer.
func (r *RuleRegistry) Export(tenantID string) *RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &RuleSet{Version: 1, ExportedAt: time.Now()}
	for _, rule := range r.rules {
		if tenantID != "" && rule.TenantID != tenantID {
			continue
		}
		copied := *rule
		set.Rules = append(set.Rules, &copied)
	}

	sort.Slice(set.Rules, func(i, j int) bool {
		return set.Rules[i].CreatedAt.Before(set.Rules[j].CreatedAt)
	})

	return set
}

// Import creates every rule in the set, preserving IDs so a round-trip
// into an empty registry reproduces identical matching behavior. Returns
// the count imported and per-rule failures.
func (r *RuleRegistry) Import(ctx context.Context, set *RuleSet) (int, []error) {
	imported := 0
	var failures []error
	for _, rule := range set.Rules {
		if err := r.Create(ctx, rule); err != nil {
			failures = append(failures, err)
			continue
		}
		imported++
	}
	return imported, failures
}

// findConflictLocked reports an enabled rule sharing the same match key.
func (r *RuleRegistry) findConflictLocked(rule *models.AlertRule) *pkgerrors.DuplicateRuleConflict {
	if !rule.Enabled {
		return nil
	}
	for _, id := range r.byTenant[rule.TenantID] {
		other := r.rules[id]
		if other.ID == rule.ID || !other.Enabled {
			continue
		}
		if other.PhysicalSign == rule.PhysicalSign &&
			other.EventType == rule.EventType &&
			other.Level == rule.Level {
			return &pkgerrors.DuplicateRuleConflict{
				TenantID:     rule.TenantID,
				PhysicalSign: rule.PhysicalSign,
				EventType:    rule.EventType,
				Level:        rule.Level,
			}
		}
	}
	return nil
}

// ValidateRule checks rule invariants: threshold ordering, non-negative
// durations, known severity level, and a valid auto-process action.
func ValidateRule(rule *models.AlertRule) error {
	if rule.TenantID == "" {
		return pkgerrors.NewRuleValidationError("tenant_id", "tenant is required")
	}
	if rule.Name == "" {
		return pkgerrors.NewRuleValidationError("name", "rule name is required")
	}
	if rule.PhysicalSign == "" && rule.EventType == "" {
		return pkgerrors.NewRuleValidationError("physical_sign", "one of physical_sign or event_type is required")
	}
	if !ValidLevel(rule.Level) {
		return pkgerrors.NewRuleValidationError("level", "unknown severity level")
	}
	if rule.ThresholdMin.Valid && rule.ThresholdMax.Valid &&
		rule.ThresholdMin.Float64 > rule.ThresholdMax.Float64 {
		return pkgerrors.NewRuleValidationError("threshold_min", "threshold_min must not exceed threshold_max")
	}
	if rule.AutoProcessDelaySeconds < 0 {
		return pkgerrors.NewRuleValidationError("auto_process_delay_seconds", "delay must be non-negative")
	}
	if rule.AutoResolveThresholdCount < 0 {
		return pkgerrors.NewRuleValidationError("auto_resolve_threshold_count", "threshold count must be non-negative")
	}
	if rule.SuppressDurationMinutes < 0 {
		return pkgerrors.NewRuleValidationError("suppress_duration_minutes", "suppress duration must be non-negative")
	}
	if rule.TimeWindowSeconds < 0 {
		return pkgerrors.NewRuleValidationError("time_window_seconds", "time window must be non-negative")
	}
	if rule.AutoProcessEnabled {
		if _, err := ParseAutoAction(rule.AutoProcessAction); err != nil {
			return pkgerrors.NewRuleValidationError("auto_process_action", err.Error())
		}
	}
	return nil
}

package statistics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/sqlite"
	pkgerrors "github.com/pulseguard-ops/pulseguard-backend-go/pkg/errors"
)

// Snapshot is one recomputed view over the processing log. Snapshots are
// immutable once published; readers always see a complete cycle.
type Snapshot struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	WindowStart      time.Time      `json:"window_start"`
	TotalEntries     int            `json:"total_entries"`
	InstancesByState map[string]int `json:"instances_by_state"`
	CountsByRule     map[string]int `json:"counts_by_rule"`
	CountsBySeverity map[string]int `json:"counts_by_severity"`
	CountsByAction   map[string]int `json:"counts_by_action"`
	CountsByOutcome  map[string]int `json:"counts_by_outcome"`
	AutoActions      int            `json:"auto_actions"`
	ManualActions    int            `json:"manual_actions"`
	SuccessRate      float64        `json:"success_rate"`
	AutoResolveRate  float64        `json:"auto_resolve_rate"`
	SuppressionRate  float64        `json:"suppression_rate"`
	AvgActionDelayMs float64        `json:"avg_action_delay_ms"`
	ActionDelayP50Ms float64        `json:"action_delay_p50_ms"`
	ActionDelayP95Ms float64        `json:"action_delay_p95_ms"`
	ActionDelayP99Ms float64        `json:"action_delay_p99_ms"`
}

// TrendPoint is one bucket in a time series.
type TrendPoint struct {
	Bucket     time.Time `json:"bucket"`
	Created    int       `json:"created"`
	Processed  int       `json:"processed"`
	Resolved   int       `json:"resolved"`
	Suppressed int       `json:"suppressed"`
	Failures   int       `json:"failures"`
}

// Performance summarizes how well auto-processing covers the alert load.
type Performance struct {
	GeneratedAt time.Time `json:"generated_at"`
	// Efficiency: share of processed alerts handled without an operator.
	Efficiency float64 `json:"efficiency"`
	// Accuracy: share of auto actions that completed successfully.
	Accuracy float64 `json:"accuracy"`
	// Coverage: share of enabled rules that saw at least one alert.
	Coverage      float64 `json:"coverage"`
	EnabledRules  int     `json:"enabled_rules"`
	ActiveRules   int     `json:"active_rules"`
	TotalAuto     int     `json:"total_auto"`
	TotalManual   int     `json:"total_manual"`
	FailedActions int     `json:"failed_actions"`
}

// Aggregator recomputes statistics from the append-only processing log on a
// fixed cadence and serves the latest complete snapshot. A failed cycle
// keeps the previous snapshot; the error surfaces in logs and the next
// cycle retries from scratch.
type Aggregator struct {
	logs      *sqlite.LogRepository
	instances *sqlite.InstanceRepository
	rules     *sqlite.RuleRepository
	log       *logrus.Logger

	windowDays int

	mu       sync.RWMutex
	snapshot *Snapshot
	entries  []*models.ProcessingLogEntry
}

func NewAggregator(logs *sqlite.LogRepository, instances *sqlite.InstanceRepository, rules *sqlite.RuleRepository, log *logrus.Logger, windowDays int) *Aggregator {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Aggregator{
		logs:       logs,
		instances:  instances,
		rules:      rules,
		log:        log,
		windowDays: windowDays,
	}
}

// Recompute rebuilds the snapshot from the log window. Safe to call from
// the cron scheduler and from tests directly.
func (a *Aggregator) Recompute(ctx context.Context) error {
	start := time.Now()
	windowStart := start.AddDate(0, 0, -a.windowDays)

	entries, err := a.logs.GetSince(ctx, windowStart)
	if err != nil {
		return &pkgerrors.AggregationError{Stage: "log-scan", Err: err}
	}

	states, err := a.instances.CountByState(ctx, "")
	if err != nil {
		return &pkgerrors.AggregationError{Stage: "instance-counts", Err: err}
	}

	ruleLevels, err := a.ruleLevels(ctx)
	if err != nil {
		return &pkgerrors.AggregationError{Stage: "rule-index", Err: err}
	}

	snap := &Snapshot{
		GeneratedAt:      start,
		WindowStart:      windowStart,
		TotalEntries:     len(entries),
		InstancesByState: states,
		CountsByRule:     make(map[string]int),
		CountsBySeverity: make(map[string]int),
		CountsByAction:   make(map[string]int),
		CountsByOutcome:  make(map[string]int),
	}

	var successes, failures, suppressed, created, autoResolved int
	var delays []float64

	for _, entry := range entries {
		snap.CountsByRule[entry.RuleID]++
		if level, ok := ruleLevels[entry.RuleID]; ok {
			snap.CountsBySeverity[level]++
		}
		if entry.Action != "" {
			snap.CountsByAction[entry.Action]++
		}
		snap.CountsByOutcome[entry.Outcome]++

		switch entry.Actor {
		case "auto":
			snap.AutoActions++
		case "manual":
			snap.ManualActions++
		}

		switch entry.Outcome {
		case "success", "ignored", "auto-resolved":
			successes++
			if entry.Outcome == "auto-resolved" {
				autoResolved++
			}
		case "failure":
			failures++
		case "suppressed":
			suppressed++
		case "created":
			created++
		}

		if entry.DurationMs > 0 {
			delays = append(delays, float64(entry.DurationMs))
		}
	}

	if successes+failures > 0 {
		snap.SuccessRate = float64(successes) / float64(successes+failures)
	}
	if created > 0 {
		snap.AutoResolveRate = float64(autoResolved) / float64(created)
		snap.SuppressionRate = float64(suppressed) / float64(created+suppressed)
	}

	if len(delays) > 0 {
		sort.Float64s(delays)
		var sum float64
		for _, d := range delays {
			sum += d
		}
		snap.AvgActionDelayMs = sum / float64(len(delays))
		snap.ActionDelayP50Ms = percentile(delays, 0.50)
		snap.ActionDelayP95Ms = percentile(delays, 0.95)
		snap.ActionDelayP99Ms = percentile(delays, 0.99)
	}

	a.mu.Lock()
	a.snapshot = snap
	a.entries = entries
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{
		"entries":     len(entries),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Statistics snapshot recomputed")

	return nil
}

// Current returns the latest snapshot, or nil before the first cycle.
func (a *Aggregator) Current() *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshot
}

// Trends buckets the log window into a time series. Granularity accepts
// "hour" or "day"; anything else falls back to "hour".
func (a *Aggregator) Trends(granularity string) []TrendPoint {
	step := time.Hour
	if granularity == "day" {
		step = 24 * time.Hour
	}

	a.mu.RLock()
	entries := a.entries
	a.mu.RUnlock()

	buckets := make(map[time.Time]*TrendPoint)
	for _, entry := range entries {
		b := entry.CreatedAt.Truncate(step)
		point, ok := buckets[b]
		if !ok {
			point = &TrendPoint{Bucket: b}
			buckets[b] = point
		}
		switch entry.Outcome {
		case "created":
			point.Created++
		case "success", "ignored":
			point.Processed++
		case "auto-resolved":
			point.Resolved++
		case "resolved":
			point.Resolved++
		case "suppressed":
			point.Suppressed++
		case "failure":
			point.Failures++
		default:
			if entry.Action == "resolve" {
				point.Resolved++
			}
		}
	}

	series := make([]TrendPoint, 0, len(buckets))
	for _, point := range buckets {
		series = append(series, *point)
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Bucket.Before(series[j].Bucket) })

	return series
}

// AnalyzePerformance reports auto-processing efficiency, accuracy and rule
// coverage over the current window.
func (a *Aggregator) AnalyzePerformance(ctx context.Context) (*Performance, error) {
	a.mu.RLock()
	snap := a.snapshot
	entries := a.entries
	a.mu.RUnlock()

	if snap == nil {
		return nil, &pkgerrors.AggregationError{Stage: "performance", Err: fmt.Errorf("no snapshot computed yet")}
	}

	allRules, err := a.rules.GetAll(ctx)
	if err != nil {
		return nil, &pkgerrors.AggregationError{Stage: "performance", Err: err}
	}

	enabled := 0
	for _, rule := range allRules {
		if rule.Enabled {
			enabled++
		}
	}

	activeRules := make(map[string]bool)
	var failed int
	for _, entry := range entries {
		activeRules[entry.RuleID] = true
		if entry.Outcome == "failure" {
			failed++
		}
	}

	perf := &Performance{
		GeneratedAt:   time.Now(),
		EnabledRules:  enabled,
		ActiveRules:   len(activeRules),
		TotalAuto:     snap.AutoActions,
		TotalManual:   snap.ManualActions,
		FailedActions: failed,
	}

	if total := snap.AutoActions + snap.ManualActions; total > 0 {
		perf.Efficiency = float64(snap.AutoActions) / float64(total)
	}
	if snap.AutoActions > 0 {
		perf.Accuracy = 1 - float64(failed)/float64(snap.AutoActions)
	}
	if enabled > 0 {
		perf.Coverage = float64(len(activeRules)) / float64(enabled)
	}

	return perf, nil
}

// Cleanup deletes log entries older than the retention horizon.
func (a *Aggregator) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted, err := a.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		a.log.WithFields(logrus.Fields{
			"deleted":        deleted,
			"retention_days": retentionDays,
		}).Info("Old processing log entries removed")
	}
	return deleted, nil
}

func (a *Aggregator) ruleLevels(ctx context.Context) (map[string]string, error) {
	rules, err := a.rules.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]string, len(rules))
	for _, rule := range rules {
		levels[rule.ID] = rule.Level
	}
	return levels, nil
}

// percentile interpolates over a sorted sample.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

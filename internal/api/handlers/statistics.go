package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/utils"
)

// StatisticsOverview returns the latest aggregation snapshot, computing one
// on demand before the first scheduled cycle has run.
func (h *Handlers) StatisticsOverview(c *gin.Context) {
	snap := h.aggregator.Current()
	if snap == nil {
		if err := h.aggregator.Recompute(c.Request.Context()); err != nil {
			h.log.WithError(err).Error("On-demand statistics recomputation failed")
			utils.SendError(c, http.StatusInternalServerError, "Statistics are not available")
			return
		}
		snap = h.aggregator.Current()
	}
	utils.SendSuccess(c, snap)
}

// StatisticsTrends returns the bucketed time series for the log window.
func (h *Handlers) StatisticsTrends(c *gin.Context) {
	granularity := c.DefaultQuery("granularity", "hour")
	if granularity != "hour" && granularity != "day" {
		utils.SendError(c, http.StatusBadRequest, "granularity must be hour or day")
		return
	}

	if h.aggregator.Current() == nil {
		if err := h.aggregator.Recompute(c.Request.Context()); err != nil {
			utils.SendError(c, http.StatusInternalServerError, "Statistics are not available")
			return
		}
	}

	utils.SendSuccess(c, gin.H{
		"granularity": granularity,
		"series":      h.aggregator.Trends(granularity),
	})
}

// StatisticsPerformance reports auto-processing efficiency, accuracy and
// rule coverage.
func (h *Handlers) StatisticsPerformance(c *gin.Context) {
	if h.aggregator.Current() == nil {
		if err := h.aggregator.Recompute(c.Request.Context()); err != nil {
			utils.SendError(c, http.StatusInternalServerError, "Statistics are not available")
			return
		}
	}

	perf, err := h.aggregator.AnalyzePerformance(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Performance analysis failed")
		utils.SendError(c, http.StatusInternalServerError, "Performance analysis failed")
		return
	}

	utils.SendSuccess(c, perf)
}

// QueryLogs returns processing log entries matching the filters.
func (h *Handlers) QueryLogs(c *gin.Context) {
	limit, offset := utils.ParsePagination(c)
	filter := h.logFilterFromQuery(c)
	filter.Limit = limit
	filter.Offset = offset

	entries, total, err := h.logStore.Query(c.Request.Context(), filter)
	if err != nil {
		h.log.WithError(err).Error("Failed to query processing log")
		utils.SendError(c, http.StatusInternalServerError, "Failed to query processing log")
		return
	}

	utils.SendPage(c, entries, total, limit, offset)
}

// ExportLogs streams matching log entries as gzip-compressed NDJSON.
func (h *Handlers) ExportLogs(c *gin.Context) {
	filter := h.logFilterFromQuery(c)
	filter.Limit = 0 // full export within the filter window

	entries, _, err := h.logStore.Query(c.Request.Context(), filter)
	if err != nil {
		h.log.WithError(err).Error("Failed to export processing log")
		utils.SendError(c, http.StatusInternalServerError, "Failed to export processing log")
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Encoding", "gzip")
	c.Header("Content-Disposition", `attachment; filename="processing-log.ndjson.gz"`)
	c.Status(http.StatusOK)

	gz := gzip.NewWriter(c.Writer)
	defer gz.Close()

	enc := json.NewEncoder(gz)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			h.log.WithError(err).Error("Log export interrupted")
			return
		}
	}
}

func (h *Handlers) logFilterFromQuery(c *gin.Context) *models.LogFilter {
	filter := &models.LogFilter{
		InstanceID: c.Query("instance_id"),
		RuleID:     c.Query("rule_id"),
		TenantID:   c.Query("tenant_id"),
		DeviceID:   c.Query("device_id"),
		Action:     c.Query("action"),
		Actor:      c.Query("actor"),
		Outcome:    c.Query("outcome"),
	}
	if v := c.Query("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &t
		}
	}
	if v := c.Query("created_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &t
		}
	}
	return filter
}

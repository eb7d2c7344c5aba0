package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/alerting"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	pkgerrors "github.com/pulseguard-ops/pulseguard-backend-go/pkg/errors"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/utils"
)

// RuleRequest is the write-side payload for rule create/update.
type RuleRequest struct {
	TenantID                  string   `json:"tenant_id"`
	OrganizationID            string   `json:"organization_id"`
	Name                      string   `json:"name"`
	PhysicalSign              string   `json:"physical_sign"`
	EventType                 string   `json:"event_type"`
	Level                     string   `json:"level"`
	ThresholdMin              *float64 `json:"threshold_min"`
	ThresholdMax              *float64 `json:"threshold_max"`
	AutoProcessEnabled        bool     `json:"auto_process_enabled"`
	AutoProcessAction         string   `json:"auto_process_action"`
	AutoProcessDelaySeconds   int      `json:"auto_process_delay_seconds"`
	AutoResolveThresholdCount int      `json:"auto_resolve_threshold_count"`
	SuppressDurationMinutes   int      `json:"suppress_duration_minutes"`
	TimeWindowSeconds         int      `json:"time_window_seconds"`
	Enabled                   bool     `json:"enabled"`
}

func (r *RuleRequest) toModel(id string) *models.AlertRule {
	now := time.Now()
	return &models.AlertRule{
		ID:                        id,
		TenantID:                  r.TenantID,
		OrganizationID:            r.OrganizationID,
		Name:                      r.Name,
		PhysicalSign:              r.PhysicalSign,
		EventType:                 r.EventType,
		Level:                     r.Level,
		ThresholdMin:              nullFloat(r.ThresholdMin),
		ThresholdMax:              nullFloat(r.ThresholdMax),
		AutoProcessEnabled:        r.AutoProcessEnabled,
		AutoProcessAction:         r.AutoProcessAction,
		AutoProcessDelaySeconds:   r.AutoProcessDelaySeconds,
		AutoResolveThresholdCount: r.AutoResolveThresholdCount,
		SuppressDurationMinutes:   r.SuppressDurationMinutes,
		TimeWindowSeconds:         r.TimeWindowSeconds,
		Enabled:                   r.Enabled,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// ListRules returns rules matching the query filters with pagination.
func (h *Handlers) ListRules(c *gin.Context) {
	limit, offset := utils.ParsePagination(c)
	filter := &models.RuleFilter{
		TenantID:     c.Query("tenant_id"),
		PhysicalSign: c.Query("physical_sign"),
		EventType:    c.Query("event_type"),
		Level:        c.Query("level"),
		Limit:        limit,
		Offset:       offset,
	}
	if v := c.Query("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	rules, total, err := h.registry.List(c.Request.Context(), filter)
	if err != nil {
		h.log.WithError(err).Error("Failed to list rules")
		utils.SendError(c, http.StatusInternalServerError, "Failed to list rules")
		return
	}

	utils.SendPage(c, rules, total, limit, offset)
}

// GetRule returns a single rule by ID.
func (h *Handlers) GetRule(c *gin.Context) {
	rule, ok := h.registry.Get(c.Param("id"))
	if !ok {
		utils.SendError(c, http.StatusNotFound, "Rule not found")
		return
	}
	utils.SendSuccess(c, rule)
}

// CreateRule validates and persists a new rule.
func (h *Handlers) CreateRule(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rule := req.toModel(uuid.New().String())
	if err := h.registry.Create(c.Request.Context(), rule); err != nil {
		utils.SendError(c, pkgerrors.GetStatusCode(err), err.Error())
		return
	}

	c.JSON(http.StatusCreated, utils.Response{
		Success:   true,
		Data:      rule,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// UpdateRule replaces an existing rule's definition.
func (h *Handlers) UpdateRule(c *gin.Context) {
	id := c.Param("id")
	existing, ok := h.registry.Get(id)
	if !ok {
		utils.SendError(c, http.StatusNotFound, "Rule not found")
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	rule := req.toModel(id)
	rule.CreatedAt = existing.CreatedAt
	if err := h.registry.Update(c.Request.Context(), rule); err != nil {
		utils.SendError(c, pkgerrors.GetStatusCode(err), err.Error())
		return
	}

	utils.SendSuccess(c, rule)
}

// DeleteRule removes a rule. In-flight instances keep their recorded rule ID.
func (h *Handlers) DeleteRule(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		utils.SendError(c, pkgerrors.GetStatusCode(err), err.Error())
		return
	}
	utils.SendSuccess(c, gin.H{"deleted": true})
}

// ToggleRule enables or disables a single rule.
func (h *Handlers) ToggleRule(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.registry.SetEnabled(c.Request.Context(), c.Param("id"), req.Enabled); err != nil {
		utils.SendError(c, pkgerrors.GetStatusCode(err), err.Error())
		return
	}

	utils.SendSuccess(c, gin.H{"id": c.Param("id"), "enabled": req.Enabled})
}

// BatchToggleRules enables or disables a set of rules, skipping failures.
func (h *Handlers) BatchToggleRules(c *gin.Context) {
	var req struct {
		IDs     []string `json:"ids"`
		Enabled bool     `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.IDs) == 0 {
		utils.SendError(c, http.StatusBadRequest, "ids is required")
		return
	}

	changed, err := h.registry.SetEnabledBatch(c.Request.Context(), req.IDs, req.Enabled)
	if err != nil {
		utils.SendError(c, http.StatusInternalServerError, err.Error())
		return
	}

	utils.SendSuccess(c, gin.H{
		"requested": len(req.IDs),
		"changed":   changed,
		"enabled":   req.Enabled,
	})
}

// ExportRules serializes rules for transfer, as JSON or YAML.
func (h *Handlers) ExportRules(c *gin.Context) {
	set := h.registry.Export(c.Query("tenant_id"))

	if c.Query("format") == "yaml" {
		data, err := yaml.Marshal(set)
		if err != nil {
			utils.SendError(c, http.StatusInternalServerError, "Failed to serialize rules")
			return
		}
		c.Header("Content-Disposition", `attachment; filename="rules.yaml"`)
		c.Data(http.StatusOK, "application/x-yaml", data)
		return
	}

	utils.SendSuccess(c, set)
}

// ImportRules loads a previously exported rule set. Accepts JSON and YAML.
func (h *Handlers) ImportRules(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		utils.SendError(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var set alerting.RuleSet
	if strings.Contains(c.GetHeader("Content-Type"), "yaml") {
		err = yaml.Unmarshal(body, &set)
	} else {
		err = json.Unmarshal(body, &set)
	}
	if err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid rule set: "+err.Error())
		return
	}

	imported, failures := h.registry.Import(c.Request.Context(), &set)

	failureMessages := make([]string, 0, len(failures))
	for _, f := range failures {
		failureMessages = append(failureMessages, f.Error())
	}

	utils.SendSuccess(c, gin.H{
		"imported": imported,
		"failed":   failureMessages,
	})
}

// RuleOptions enumerates the closed vocabularies the rule editor needs.
func (h *Handlers) RuleOptions(c *gin.Context) {
	utils.SendSuccess(c, gin.H{
		"levels":  alerting.Levels(),
		"actions": alerting.Actions(),
		"states": []string{
			alerting.StateNew,
			alerting.StateScheduled,
			alerting.StateProcessed,
			alerting.StateEscalated,
			alerting.StateResolved,
			alerting.StateExpired,
		},
	})
}

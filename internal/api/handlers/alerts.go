package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database/models"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/utils"
)

// ListAlerts returns alert instances matching the query filters.
func (h *Handlers) ListAlerts(c *gin.Context) {
	limit, offset := utils.ParsePagination(c)
	filter := &models.InstanceFilter{
		TenantID:       c.Query("tenant_id"),
		OrganizationID: c.Query("organization_id"),
		DeviceID:       c.Query("device_id"),
		PhysicalSign:   c.Query("physical_sign"),
		Level:          c.Query("level"),
		Limit:          limit,
		Offset:         offset,
	}
	if v := c.Query("states"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.States = append(filter.States, strings.ToUpper(s))
			}
		}
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

	instances, total, err := h.instances.List(c.Request.Context(), filter)
	if err != nil {
		h.log.WithError(err).Error("Failed to list alert instances")
		utils.SendError(c, http.StatusInternalServerError, "Failed to list alerts")
		return
	}

	utils.SendPage(c, instances, total, limit, offset)
}

// GetAlert returns one instance with its full lifecycle trace from the
// processing log.
func (h *Handlers) GetAlert(c *gin.Context) {
	id := c.Param("id")

	instance, err := h.instances.GetByID(c.Request.Context(), id)
	if err != nil {
		utils.SendError(c, http.StatusInternalServerError, "Failed to load alert")
		return
	}
	if instance == nil {
		utils.SendError(c, http.StatusNotFound, "Alert not found")
		return
	}

	trace, err := h.logStore.Trace(c.Request.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("instance_id", id).Error("Failed to load lifecycle trace")
		utils.SendError(c, http.StatusInternalServerError, "Failed to load lifecycle trace")
		return
	}

	utils.SendSuccess(c, gin.H{
		"instance": instance,
		"trace":    trace,
	})
}

// ResolveAlert closes an instance on operator request. Conflicts with an
// already-terminal instance return 409.
func (h *Handlers) ResolveAlert(c *gin.Context) {
	var req struct {
		Operator string `json:"operator"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Operator == "" {
		req.Operator = "unknown"
	}

	resolved, err := h.engine.ResolveManual(c.Request.Context(), c.Param("id"), req.Operator)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			utils.SendError(c, http.StatusNotFound, err.Error())
			return
		}
		utils.SendError(c, http.StatusInternalServerError, err.Error())
		return
	}
	if !resolved {
		utils.SendError(c, http.StatusConflict, "Alert already reached a terminal state")
		return
	}

	utils.SendSuccess(c, gin.H{"id": c.Param("id"), "resolved": true})
}

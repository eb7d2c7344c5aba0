package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/utils"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/version"
)

// Health reports service liveness plus a shallow dependency check.
func (h *Handlers) Health(c *gin.Context) {
	status := "healthy"
	dbStatus := "ok"
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}

	pendingTimers, err := h.timers.Count(c.Request.Context())
	if err != nil {
		pendingTimers = -1
	}

	instanceStates, err := h.instances.CountByState(c.Request.Context(), "")
	if err != nil {
		instanceStates = nil
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, utils.Response{
		Success: status == "healthy",
		Data: gin.H{
			"status":          status,
			"version":         version.Get(),
			"database":        dbStatus,
			"pending_timers":  pendingTimers,
			"instance_states": instanceStates,
			"websocket":       h.hub.GetStats(),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

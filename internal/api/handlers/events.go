package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/alerting"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/utils"
)

// IngestEvent accepts one device event and enqueues it for processing.
// Returns 202 on acceptance and 503 when the queue is saturated, so the
// upstream gateway can retry instead of losing data.
func (h *Handlers) IngestEvent(c *gin.Context) {
	var event alerting.DeviceEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid event: "+err.Error())
		return
	}

	if err := h.engine.HandleEvent(c.Request.Context(), &event); err != nil {
		if errors.Is(err, alerting.ErrIngestQueueFull) {
			utils.SendError(c, http.StatusServiceUnavailable, "Ingestion queue is full, retry later")
			return
		}
		utils.SendError(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusAccepted, utils.Response{
		Success:   true,
		Data:      gin.H{"accepted": true, "dedup_key": event.DedupKey()},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// IngestEventBatch accepts a batch of events. Each event is admitted
// independently; the response reports per-index rejections.
func (h *Handlers) IngestEventBatch(c *gin.Context) {
	var events []alerting.DeviceEvent
	if err := c.ShouldBindJSON(&events); err != nil {
		utils.SendError(c, http.StatusBadRequest, "Invalid batch: "+err.Error())
		return
	}
	if len(events) == 0 {
		utils.SendError(c, http.StatusBadRequest, "Batch is empty")
		return
	}

	type rejection struct {
		Index int    `json:"index"`
		Error string `json:"error"`
	}

	accepted := 0
	var rejected []rejection
	queueFull := false

	for i := range events {
		err := h.engine.HandleEvent(c.Request.Context(), &events[i])
		if err == nil {
			accepted++
			continue
		}
		if errors.Is(err, alerting.ErrIngestQueueFull) {
			queueFull = true
		}
		rejected = append(rejected, rejection{Index: i, Error: err.Error()})
	}

	status := http.StatusAccepted
	if queueFull {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, utils.Response{
		Success:   !queueFull,
		Data:      gin.H{"accepted": accepted, "rejected": rejected},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/api/handlers"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/api/middleware"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/config"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/websocket"
)

// NewRouter creates and configures the main HTTP router.
func NewRouter(cfg *config.Config, h *handlers.Handlers, wsHub *websocket.Hub, promRegistry *prometheus.Registry, logger *logrus.Logger) *gin.Engine {
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS())

	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	// Live alert lifecycle feed
	router.GET("/ws", websocket.HandleWebSocketGin(wsHub))

	api := router.Group("/api/v1")
	{
		rules := api.Group("/rules")
		{
			rules.GET("", h.ListRules)
			rules.POST("", h.CreateRule)
			rules.GET("/options", h.RuleOptions)
			rules.GET("/export", h.ExportRules)
			rules.POST("/import", h.ImportRules)
			rules.POST("/batch-toggle", h.BatchToggleRules)
			rules.GET("/:id", h.GetRule)
			rules.PUT("/:id", h.UpdateRule)
			rules.DELETE("/:id", h.DeleteRule)
			rules.POST("/:id/toggle", h.ToggleRule)
		}

		events := api.Group("/events")
		{
			events.POST("", h.IngestEvent)
			events.POST("/batch", h.IngestEventBatch)
		}

		alerts := api.Group("/alerts")
		{
			alerts.GET("", h.ListAlerts)
			alerts.GET("/:id", h.GetAlert)
			alerts.POST("/:id/resolve", h.ResolveAlert)
		}

		statistics := api.Group("/statistics")
		{
			statistics.GET("/overview", h.StatisticsOverview)
			statistics.GET("/trends", h.StatisticsTrends)
			statistics.GET("/performance", h.StatisticsPerformance)
		}

		logs := api.Group("/logs")
		{
			logs.GET("", h.QueryLogs)
			logs.GET("/export", h.ExportLogs)
		}
	}

	return router
}

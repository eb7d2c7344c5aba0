package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/pulseguard-ops/pulseguard-backend-go/internal/api"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/api/handlers"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/config"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/alerting"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/core/statistics"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/database"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/notifications"
	"github.com/pulseguard-ops/pulseguard-backend-go/internal/websocket"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/logger"
	"github.com/pulseguard-ops/pulseguard-backend-go/pkg/version"
)

func main() {
	// Initialize logger
	log := logger.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	// Create repositories
	repos := database.NewRepositories(db, log)

	// Prometheus registry with process/runtime collectors
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := alerting.NewMetrics(promRegistry)

	// Create WebSocket hub
	wsHub := websocket.NewHub(log)
	go wsHub.Run()

	// Core services
	registry := alerting.NewRuleRegistry(repos.Rule, log)
	logStore := alerting.NewLogStore(repos.Log, log)
	notifier := notifications.NewLogNotifier(log)
	dispatcher := alerting.NewActionDispatcher(
		notifier,
		cfg.Engine.ActionRetryAttempts,
		config.ParseDuration(cfg.Engine.ActionRetryBaseDelay, 500*time.Millisecond),
		log,
	)

	engine := alerting.NewEngine(
		registry,
		repos.Instance,
		repos.Timer,
		logStore,
		dispatcher,
		wsHub,
		metrics,
		log,
		alerting.EngineSettings{
			Workers:             cfg.Engine.Workers,
			QueueSize:           cfg.Engine.QueueSize,
			MaxInstanceLifetime: config.ParseDuration(cfg.Engine.MaxInstanceLifetime, 24*time.Hour),
		},
		alerting.SchedulerSettings{
			PollInterval: config.ParseDuration(cfg.Scheduler.PollInterval, time.Second),
			BatchSize:    cfg.Scheduler.BatchSize,
		},
	)

	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start alert processing engine:", err)
	}

	// Statistics aggregation plus scheduled maintenance
	aggregator := statistics.NewAggregator(repos.Log, repos.Instance, repos.Rule, log, 7)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Statistics.RecomputeSchedule, func() {
		if err := aggregator.Recompute(context.Background()); err != nil {
			log.WithError(err).Warn("Statistics recomputation failed, retrying next cycle")
		}
	}); err != nil {
		log.Fatal("Invalid statistics recompute schedule:", err)
	}
	if _, err := scheduler.AddFunc(cfg.Engine.ExpirySweepSchedule, func() {
		if _, err := engine.ExpireStale(context.Background()); err != nil {
			log.WithError(err).Error("Instance expiry sweep failed")
		}
	}); err != nil {
		log.Fatal("Invalid expiry sweep schedule:", err)
	}
	if _, err := scheduler.AddFunc(cfg.Statistics.CleanupSchedule, func() {
		if _, err := aggregator.Cleanup(context.Background(), cfg.Statistics.LogRetentionDays); err != nil {
			log.WithError(err).Error("Processing log cleanup failed")
		}
	}); err != nil {
		log.Fatal("Invalid log cleanup schedule:", err)
	}
	scheduler.Start()

	// HTTP surface
	h := handlers.New(cfg, registry, engine, aggregator, logStore, repos.Instance, repos.Timer, db, wsHub, log)
	router := api.NewRouter(cfg, h, wsHub, promRegistry, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infof("Starting PulseGuard backend %s on %s", version.String(), srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server forced to shutdown")
	}

	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		log.Warn("Timeout waiting for scheduled jobs to finish")
	}

	if err := engine.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Engine forced to shutdown")
	}

	log.Info("Server exited")
}
